package store

import (
	"fmt"
	"sync"

	"ghostd/internal/chain"
)

// Memory is an in-memory chain.BlockStore. It keeps the same visibility
// contract as the SQLite store (a block exists once AppendBlock returns) and
// is intended for tests and ephemeral sessions; nothing survives a restart.
type Memory struct {
	mu     sync.RWMutex
	blocks []chain.Block
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// AppendBlock stores b. Indices must be contiguous.
func (m *Memory) AppendBlock(b *chain.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.Index != uint64(len(m.blocks)) {
		return fmt.Errorf("non-contiguous append: got index %d, want %d", b.Index, len(m.blocks))
	}
	m.blocks = append(m.blocks, *b)
	return nil
}

// GetBlock returns the block at index, or chain.ErrNotFound.
func (m *Memory) GetBlock(index uint64) (*chain.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if index >= uint64(len(m.blocks)) {
		return nil, fmt.Errorf("block %d: %w", index, chain.ErrNotFound)
	}
	b := m.blocks[index]
	return &b, nil
}

// BlockRange returns blocks with start <= idx <= end.
func (m *Memory) BlockRange(start, end uint64) ([]chain.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if start >= uint64(len(m.blocks)) {
		return nil, nil
	}
	if end >= uint64(len(m.blocks)) {
		end = uint64(len(m.blocks)) - 1
	}

	out := make([]chain.Block, end-start+1)
	copy(out, m.blocks[start:end+1])
	return out, nil
}

// LastFlushed returns the highest stored index.
func (m *Memory) LastFlushed() (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.blocks) == 0 {
		return 0, false, nil
	}
	return uint64(len(m.blocks) - 1), true, nil
}
