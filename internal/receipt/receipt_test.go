package receipt_test

import (
	"crypto/ed25519"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostd/internal/chain"
	"ghostd/internal/receipt"
	"ghostd/internal/store"
)

func buildChain(t *testing.T, n int) (*chain.Chain, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	c, err := chain.Open(st)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := c.Append(chain.PayloadMetric, []byte(fmt.Sprintf(`{"seq":%d}`, i)), 0)
		require.NoError(t, err)
	}
	return c, st
}

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	return ed25519.NewKeyFromSeed(seed)
}

// ============================================================
// Issue
// ============================================================

func TestService_Issue(t *testing.T) {
	_, st := buildChain(t, 10)
	svc := receipt.NewService(st)

	r, err := svc.Issue("sess-1", 0, 9)
	require.NoError(t, err)

	assert.Equal(t, "sess-1", r.SessionID)
	assert.Equal(t, uint64(0), r.StartIndex)
	assert.Equal(t, uint64(9), r.EndIndex)
	assert.Len(t, r.RootHash, 32)
	assert.False(t, r.IssuedAt.IsZero())
	assert.Empty(t, r.Signature, "unsigned without a configured key")
	assert.Len(t, r.RootHashHex(), 64)
}

func TestService_Issue_Idempotent(t *testing.T) {
	_, st := buildChain(t, 10)
	svc := receipt.NewService(st)

	first, err := svc.Issue("sess-1", 2, 7)
	require.NoError(t, err)
	second, err := svc.Issue("sess-1", 2, 7)
	require.NoError(t, err)

	assert.Equal(t, first.RootHash, second.RootHash, "reissuing an unmodified range is byte-identical")
}

func TestService_Issue_DigestBindsIdentity(t *testing.T) {
	_, st := buildChain(t, 10)
	svc := receipt.NewService(st)

	base, err := svc.Issue("sess-1", 0, 5)
	require.NoError(t, err)

	otherRange, err := svc.Issue("sess-1", 0, 6)
	require.NoError(t, err)
	assert.NotEqual(t, base.RootHash, otherRange.RootHash, "digest depends on the range")

	otherSession, err := svc.Issue("sess-2", 0, 5)
	require.NoError(t, err)
	assert.NotEqual(t, base.RootHash, otherSession.RootHash, "digest depends on the session")

	shifted, err := svc.Issue("sess-1", 1, 6)
	require.NoError(t, err)
	assert.NotEqual(t, base.RootHash, shifted.RootHash)
}

func TestService_Issue_InvalidRange(t *testing.T) {
	_, st := buildChain(t, 3)
	svc := receipt.NewService(st)

	_, err := svc.Issue("sess-1", 5, 2)
	assert.Error(t, err)

	_, err = svc.Issue("sess-1", 0, 10)
	assert.Error(t, err, "range past the head is not issuable")
}

// ============================================================
// Verify
// ============================================================

func TestService_Verify(t *testing.T) {
	_, st := buildChain(t, 10)
	svc := receipt.NewService(st)

	r, err := svc.Issue("sess-1", 0, 9)
	require.NoError(t, err)

	res, err := svc.Verify(r)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.DigestMatch)
	assert.True(t, res.SignatureValid)
	assert.Empty(t, res.Reason)
}

func TestService_Verify_TamperedReceipt(t *testing.T) {
	_, st := buildChain(t, 10)
	svc := receipt.NewService(st)

	r, err := svc.Issue("sess-1", 0, 9)
	require.NoError(t, err)
	r.RootHash[0] ^= 0xff

	res, err := svc.Verify(r)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.False(t, res.DigestMatch)
	assert.Equal(t, "digest mismatch", res.Reason)
}

func TestService_Verify_AfterAppend(t *testing.T) {
	c, st := buildChain(t, 5)
	svc := receipt.NewService(st)

	r, err := svc.Issue("sess-1", 0, 4)
	require.NoError(t, err)

	// Extending the chain does not invalidate an existing receipt, but its
	// range endpoints pin the digest to the original blocks.
	_, err = c.Append(chain.PayloadMetric, []byte(`{"seq":5}`), 0)
	require.NoError(t, err)

	res, err := svc.Verify(r)
	require.NoError(t, err)
	assert.True(t, res.Valid, "appends after issuance leave the receipt valid")
}

func TestService_Verify_MissingBlocks(t *testing.T) {
	_, st := buildChain(t, 5)
	svc := receipt.NewService(st)

	r, err := svc.Issue("sess-1", 0, 4)
	require.NoError(t, err)
	r.EndIndex = 9

	res, err := svc.Verify(r)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Reason)
}

// ============================================================
// Signatures
// ============================================================

func TestService_SignedReceipt(t *testing.T) {
	_, st := buildChain(t, 5)
	key := testKey(t)
	svc := receipt.NewService(st, receipt.WithSigningKey(key))

	r, err := svc.Issue("sess-1", 0, 4)
	require.NoError(t, err)
	assert.Len(t, r.Signature, ed25519.SignatureSize)
	assert.Len(t, r.PublicKey, ed25519.PublicKeySize)

	res, err := svc.Verify(r)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.SignatureValid)
}

func TestService_Verify_BadSignature(t *testing.T) {
	_, st := buildChain(t, 5)
	svc := receipt.NewService(st, receipt.WithSigningKey(testKey(t)))

	r, err := svc.Issue("sess-1", 0, 4)
	require.NoError(t, err)
	r.Signature[0] ^= 0xff

	res, err := svc.Verify(r)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.True(t, res.DigestMatch)
	assert.False(t, res.SignatureValid)
	assert.Equal(t, "invalid signature", res.Reason)
}

// ============================================================
// Encoding
// ============================================================

func TestReceipt_EncodeDecode(t *testing.T) {
	_, st := buildChain(t, 5)
	svc := receipt.NewService(st, receipt.WithSigningKey(testKey(t)))

	r, err := svc.Issue("sess-1", 0, 4)
	require.NoError(t, err)

	data, err := r.Encode()
	require.NoError(t, err)

	decoded, err := receipt.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, r.SessionID, decoded.SessionID)
	assert.Equal(t, r.RootHash, decoded.RootHash)
	assert.Equal(t, r.Signature, decoded.Signature)

	// A decoded receipt verifies the same as the original.
	res, err := svc.Verify(decoded)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	_, err = receipt.Decode([]byte(`not json`))
	assert.Error(t, err)
}
