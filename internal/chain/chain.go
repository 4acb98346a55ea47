package chain

import (
	"errors"
	"fmt"
	"hash"
	"sync"
	"time"
)

// Errors surfaced by chain operations. Integrity errors are always returned
// to the caller, never swallowed.
var (
	// ErrClosed is returned by Append after session shutdown.
	ErrClosed = errors.New("chain: closed")

	// ErrNotFound is returned by Get for an index beyond the durable head.
	ErrNotFound = errors.New("chain: block not found")

	// ErrWriteFailure wraps a durable-storage failure during Append. The
	// in-memory head rolls back to the last durably flushed index; the
	// caller may retry the append or degrade the session to read-only.
	ErrWriteFailure = errors.New("chain: durable write failed")
)

// BlockStore is the durable record store behind the chain. Append must
// flush the block durably before returning; the chain never exposes a block
// that might vanish on restart.
type BlockStore interface {
	// AppendBlock durably persists b and advances the last-flushed marker.
	AppendBlock(b *Block) error

	// GetBlock returns the block at index, or ErrNotFound.
	GetBlock(index uint64) (*Block, error)

	// BlockRange returns blocks with start <= index <= end, ascending.
	BlockRange(start, end uint64) ([]Block, error)

	// LastFlushed returns the highest durably flushed index, and false when
	// the store is empty.
	LastFlushed() (uint64, bool, error)
}

// Chain is the single-writer provenance ledger. Append is the one
// serialization point in the system: concurrent append requests queue on an
// internal gate and are applied in arrival order. Get and Verify may run
// concurrently with each other and with in-flight appends, reading only
// already-flushed blocks.
type Chain struct {
	store   BlockStore
	newHash func() hash.Hash

	mu        sync.Mutex // the append ordering gate
	nextIndex uint64
	prevHash  [HashSize]byte
	closed    bool
}

// Option configures a Chain.
type Option func(*Chain)

// WithHasher overrides the linkage hash (default SHA-256).
func WithHasher(newHash func() hash.Hash) Option {
	return func(c *Chain) {
		if newHash != nil {
			c.newHash = newHash
		}
	}
}

// Open resumes a chain from its store's last durably flushed block, without
// gaps or duplication.
func Open(store BlockStore, opts ...Option) (*Chain, error) {
	c := &Chain{store: store}
	c.newHash, _ = NewHasher("")
	for _, opt := range opts {
		opt(c)
	}

	last, ok, err := store.LastFlushed()
	if err != nil {
		return nil, fmt.Errorf("read last flushed index: %w", err)
	}
	if ok {
		head, err := store.GetBlock(last)
		if err != nil {
			return nil, fmt.Errorf("read head block %d: %w", last, err)
		}
		c.nextIndex = last + 1
		c.prevHash = head.Hash
	}

	return c, nil
}

// Append wraps payload in the next block, flushes it durably, and returns
// it. On storage failure the in-memory head is rolled back to the last
// durable index and the error wraps ErrWriteFailure; a subsequent
// successful append reuses the same index, preserving contiguity.
func (c *Chain) Append(kind PayloadKind, payload []byte, contextRef int64) (*Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	b := &Block{
		Index:       c.nextIndex,
		TimestampNs: time.Now().UnixNano(),
		Kind:        kind,
		Payload:     payload,
		ContextRef:  contextRef,
		PrevHash:    c.prevHash,
	}
	b.Hash = b.ComputeHash(c.newHash)

	if err := c.store.AppendBlock(b); err != nil {
		// Head stays at the last durable index.
		return nil, fmt.Errorf("%w: block %d: %v", ErrWriteFailure, b.Index, err)
	}

	c.nextIndex = b.Index + 1
	c.prevHash = b.Hash
	return b, nil
}

// Get returns the block at index. Only durably flushed blocks are visible.
func (c *Chain) Get(index uint64) (*Block, error) {
	return c.store.GetBlock(index)
}

// Head returns the index of the last durably flushed block, and false when
// the chain is empty.
func (c *Chain) Head() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextIndex == 0 {
		return 0, false
	}
	return c.nextIndex - 1, true
}

// Len returns the number of durably flushed blocks.
func (c *Chain) Len() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextIndex
}

// VerifyResult is the structured outcome of a range verification.
type VerifyResult struct {
	Valid bool `json:"valid"`

	// FirstBadIndex identifies the first block failing verification.
	// Meaningful only when Valid is false.
	FirstBadIndex uint64 `json:"first_bad_index,omitempty"`

	// Reason describes the first failure.
	Reason string `json:"reason,omitempty"`

	Checked uint64 `json:"checked"`
}

// Verify recomputes hashes across [start, end] and checks the linkage
// invariant, short-circuiting at the first mismatch. Mutating any field of
// any block in the range is detected.
func (c *Chain) Verify(start, end uint64) (VerifyResult, error) {
	return VerifyRange(c.store, c.newHash, start, end)
}

// VerifyRange verifies [start, end] directly against a store. Used by the
// offline verifier, which has no live chain.
func VerifyRange(store BlockStore, newHash func() hash.Hash, start, end uint64) (VerifyResult, error) {
	if newHash == nil {
		newHash, _ = NewHasher("")
	}
	if start > end {
		return VerifyResult{}, fmt.Errorf("invalid range [%d, %d]", start, end)
	}

	var prevHash [HashSize]byte
	if start > 0 {
		prev, err := store.GetBlock(start - 1)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("read predecessor %d: %w", start-1, err)
		}
		prevHash = prev.Hash
	}

	res := VerifyResult{Valid: true}
	for idx := start; idx <= end; idx++ {
		b, err := store.GetBlock(idx)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return VerifyResult{FirstBadIndex: idx, Reason: "missing block", Checked: res.Checked}, nil
			}
			return VerifyResult{}, fmt.Errorf("read block %d: %w", idx, err)
		}

		if b.Index != idx {
			return VerifyResult{FirstBadIndex: idx, Reason: "index mismatch", Checked: res.Checked}, nil
		}
		if b.PrevHash != prevHash {
			return VerifyResult{FirstBadIndex: idx, Reason: "broken chain link", Checked: res.Checked}, nil
		}
		if b.ComputeHash(newHash) != b.Hash {
			return VerifyResult{FirstBadIndex: idx, Reason: "hash mismatch", Checked: res.Checked}, nil
		}

		prevHash = b.Hash
		res.Checked++
	}

	return res, nil
}

// Range returns the blocks with start <= index <= end.
func (c *Chain) Range(start, end uint64) ([]Block, error) {
	return c.store.BlockRange(start, end)
}

// Close waits for any in-flight append to finish durably, then refuses new
// appends with ErrClosed. Reads remain available.
func (c *Chain) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
