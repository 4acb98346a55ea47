// Package chain implements the append-only hash-linked provenance ledger.
//
// Every metric record, anomaly flag, and context snapshot observed during a
// session is wrapped in a Block and chained to its predecessor by hash.
// Blocks are immutable once appended; corrections are modeled as new blocks
// referencing the corrected one. The chain is single-writer and locally
// verifiable; it is not a consensus protocol.
package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"

	"ghostd/internal/event"
)

const hashDomain = "ghostd-block-v1"

// HashSize is the digest size of all supported hash algorithms.
const HashSize = 32

// PayloadKind discriminates block payloads.
type PayloadKind uint8

const (
	PayloadMetric  PayloadKind = 1
	PayloadFlag    PayloadKind = 2
	PayloadContext PayloadKind = 3
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadMetric:
		return "metric"
	case PayloadFlag:
		return "flag"
	case PayloadContext:
		return "context"
	default:
		return "unknown"
	}
}

// KindForRecord maps a stream record kind to its block payload kind.
func KindForRecord(k event.Kind) PayloadKind {
	switch k {
	case event.KindMetric:
		return PayloadMetric
	case event.KindFlag:
		return PayloadFlag
	case event.KindContext:
		return PayloadContext
	}
	return 0
}

// Block is one immutable entry in the provenance chain.
type Block struct {
	// Index is 0-based, strictly increasing with no gaps.
	Index uint64 `json:"index"`

	// TimestampNs is the append time.
	TimestampNs int64 `json:"timestamp_ns"`

	Kind PayloadKind `json:"kind"`

	// Payload is the canonical serialization of the wrapped record.
	Payload []byte `json:"payload"`

	// ContextRef is the version of the context snapshot current at append
	// time. Zero when no context was attached.
	ContextRef int64 `json:"context_ref"`

	// PrevHash is the hash of the predecessor block. The genesis block
	// carries the fixed zero value.
	PrevHash [HashSize]byte `json:"prev_hash"`

	// Hash binds every field above.
	Hash [HashSize]byte `json:"hash"`
}

// ComputeHash recomputes the block's binding hash with the given hasher.
func (b *Block) ComputeHash(newHash func() hash.Hash) [HashSize]byte {
	h := newHash()
	h.Write([]byte(hashDomain))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], b.Index)
	h.Write(buf[:])

	binary.BigEndian.PutUint64(buf[:], uint64(b.TimestampNs))
	h.Write(buf[:])

	h.Write([]byte{byte(b.Kind)})

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b.Payload)))
	h.Write(lenBuf[:])
	h.Write(b.Payload)

	binary.BigEndian.PutUint64(buf[:], uint64(b.ContextRef))
	h.Write(buf[:])

	h.Write(b.PrevHash[:])

	var result [HashSize]byte
	copy(result[:], h.Sum(nil))
	return result
}

// MetricPayload decodes the block's payload as a metric record.
func (b *Block) MetricPayload() (*event.MetricRecord, error) {
	if b.Kind != PayloadMetric {
		return nil, fmt.Errorf("block %d: payload is %s, not metric", b.Index, b.Kind)
	}
	var m event.MetricRecord
	if err := json.Unmarshal(b.Payload, &m); err != nil {
		return nil, fmt.Errorf("block %d: decode metric payload: %w", b.Index, err)
	}
	return &m, nil
}

// FlagPayload decodes the block's payload as a flag.
func (b *Block) FlagPayload() (*event.Flag, error) {
	if b.Kind != PayloadFlag {
		return nil, fmt.Errorf("block %d: payload is %s, not flag", b.Index, b.Kind)
	}
	var f event.Flag
	if err := json.Unmarshal(b.Payload, &f); err != nil {
		return nil, fmt.Errorf("block %d: decode flag payload: %w", b.Index, err)
	}
	return &f, nil
}

// ContextPayload decodes the block's payload as a context snapshot.
func (b *Block) ContextPayload() (*event.ContextSnapshot, error) {
	if b.Kind != PayloadContext {
		return nil, fmt.Errorf("block %d: payload is %s, not context", b.Index, b.Kind)
	}
	var c event.ContextSnapshot
	if err := json.Unmarshal(b.Payload, &c); err != nil {
		return nil, fmt.Errorf("block %d: decode context payload: %w", b.Index, err)
	}
	return &c, nil
}

// NewHasher resolves a hash algorithm name to a constructor. The linkage
// primitive is a configuration point; both options produce 32-byte digests
// so blocks are layout-compatible across algorithms.
func NewHasher(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, nil
	case "blake2b-256":
		return func() hash.Hash {
			h, _ := blake2b.New256(nil)
			return h
		}, nil
	default:
		return nil, fmt.Errorf("chain: unsupported hash algorithm %q", algorithm)
	}
}
