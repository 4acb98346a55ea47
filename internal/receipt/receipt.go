// Package receipt derives compact, independently verifiable digests over
// chain ranges. A receipt is derived data: it is never itself chained and
// can be reissued for the same range at any time with an identical digest.
//
// The digest is a flat hash list over the ordered block hashes in the
// range. The chain already provides linear tamper-evidence, so a Merkle
// tree is unnecessary for whole-range verification.
package receipt

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"ghostd/internal/chain"
	"ghostd/internal/signer"
)

const digestDomain = "ghostd-receipt-v1"

// Receipt is a reproducible digest over a chain range, optionally bound to
// a session and signed by a configured issuer key.
type Receipt struct {
	SessionID  string    `json:"session_id,omitempty"`
	StartIndex uint64    `json:"start_index"`
	EndIndex   uint64    `json:"end_index"`
	RootHash   []byte    `json:"root_hash"`
	IssuedAt   time.Time `json:"issued_at"`

	// Signature is an Ed25519 signature over RootHash, present only when
	// the service was configured with a signing key.
	Signature []byte `json:"signature,omitempty"`
	PublicKey []byte `json:"public_key,omitempty"`
}

// RootHashHex returns the digest in hex.
func (r *Receipt) RootHashHex() string {
	return hex.EncodeToString(r.RootHash)
}

// Encode serializes the receipt as JSON for export.
func (r *Receipt) Encode() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Decode parses an exported receipt.
func Decode(data []byte) (*Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

// Service issues and verifies receipts against a block store.
type Service struct {
	store   chain.BlockStore
	signKey ed25519.PrivateKey
}

// Option configures a Service.
type Option func(*Service)

// WithSigningKey enables issuer signatures.
func WithSigningKey(key ed25519.PrivateKey) Option {
	return func(s *Service) { s.signKey = key }
}

// NewService creates a receipt service reading from the given store.
func NewService(store chain.BlockStore, opts ...Option) *Service {
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue computes a receipt over [start, end]. Issuing twice for the same
// unmodified range yields a byte-identical digest.
func (s *Service) Issue(sessionID string, start, end uint64) (*Receipt, error) {
	digest, err := computeDigest(s.store, sessionID, start, end)
	if err != nil {
		return nil, err
	}

	r := &Receipt{
		SessionID:  sessionID,
		StartIndex: start,
		EndIndex:   end,
		RootHash:   digest,
		IssuedAt:   time.Now().UTC(),
	}

	if s.signKey != nil {
		r.Signature = signer.Sign(s.signKey, digest)
		r.PublicKey = signer.PublicKeyOf(s.signKey)
	}

	return r, nil
}

// VerifyResult is the structured outcome of receipt verification.
type VerifyResult struct {
	Valid bool `json:"valid"`

	// DigestMatch reports whether the recomputed digest equals the
	// receipt's root hash.
	DigestMatch bool `json:"digest_match"`

	// SignatureValid reports issuer-signature validity. True when the
	// receipt carries no signature.
	SignatureValid bool `json:"signature_valid"`

	Reason string `json:"reason,omitempty"`
}

// Verify recomputes the digest from the live store and compares. Any
// mismatch (missing block, altered payload, reordered block) is detected.
func (s *Service) Verify(r *Receipt) (VerifyResult, error) {
	digest, err := computeDigest(s.store, r.SessionID, r.StartIndex, r.EndIndex)
	if err != nil {
		return VerifyResult{Reason: err.Error()}, nil
	}

	res := VerifyResult{
		DigestMatch:    bytes.Equal(digest, r.RootHash),
		SignatureValid: true,
	}
	if !res.DigestMatch {
		res.Reason = "digest mismatch"
	}

	if len(r.Signature) > 0 {
		res.SignatureValid = len(r.PublicKey) == ed25519.PublicKeySize &&
			signer.Verify(ed25519.PublicKey(r.PublicKey), r.RootHash, r.Signature)
		if !res.SignatureValid && res.Reason == "" {
			res.Reason = "invalid signature"
		}
	}

	res.Valid = res.DigestMatch && res.SignatureValid
	return res, nil
}

// computeDigest hashes the ordered concatenation of block hashes in the
// range, bound to the session ID and the range endpoints.
func computeDigest(store chain.BlockStore, sessionID string, start, end uint64) ([]byte, error) {
	if start > end {
		return nil, fmt.Errorf("invalid range [%d, %d]", start, end)
	}

	blocks, err := store.BlockRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("read range [%d, %d]: %w", start, end, err)
	}
	if uint64(len(blocks)) != end-start+1 {
		return nil, fmt.Errorf("range [%d, %d]: got %d blocks, want %d", start, end, len(blocks), end-start+1)
	}

	h := sha256.New()
	h.Write([]byte(digestDomain))

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sessionID)))
	h.Write(lenBuf[:])
	h.Write([]byte(sessionID))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], start)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], end)
	h.Write(buf[:])

	for _, b := range blocks {
		h.Write(b.Hash[:])
	}

	return h.Sum(nil), nil
}
