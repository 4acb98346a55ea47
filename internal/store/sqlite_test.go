package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostd/internal/chain"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.db")
	st, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, path
}

func testBlock(index uint64, kind chain.PayloadKind, payload string) *chain.Block {
	b := &chain.Block{
		Index:       index,
		TimestampNs: time.Now().UnixNano(),
		Kind:        kind,
		Payload:     []byte(payload),
		ContextRef:  int64(index % 3),
	}
	b.PrevHash[0] = byte(index)
	hasher, _ := chain.NewHasher("")
	b.Hash = b.ComputeHash(hasher)
	return b
}

// ============================================================
// Blocks
// ============================================================

func TestStore_AppendGetRoundTrip(t *testing.T) {
	st, _ := openTestStore(t)

	want := testBlock(0, chain.PayloadMetric, `{"seq":0}`)
	require.NoError(t, st.AppendBlock(want))

	got, err := st.GetBlock(0)
	require.NoError(t, err)

	assert.Equal(t, want.Index, got.Index)
	assert.Equal(t, want.TimestampNs, got.TimestampNs)
	assert.Equal(t, want.Kind, got.Kind)
	assert.Equal(t, want.Payload, got.Payload)
	assert.Equal(t, want.ContextRef, got.ContextRef)
	assert.Equal(t, want.PrevHash, got.PrevHash)
	assert.Equal(t, want.Hash, got.Hash)
}

func TestStore_GetBlock_NotFound(t *testing.T) {
	st, _ := openTestStore(t)

	_, err := st.GetBlock(0)
	assert.ErrorIs(t, err, chain.ErrNotFound)

	require.NoError(t, st.AppendBlock(testBlock(0, chain.PayloadMetric, `{}`)))
	_, err = st.GetBlock(7)
	assert.ErrorIs(t, err, chain.ErrNotFound)
}

func TestStore_LastFlushed(t *testing.T) {
	st, _ := openTestStore(t)

	_, ok, err := st.LastFlushed()
	require.NoError(t, err)
	assert.False(t, ok, "empty store has no flushed blocks")

	for i := uint64(0); i < 5; i++ {
		require.NoError(t, st.AppendBlock(testBlock(i, chain.PayloadMetric, `{}`)))

		last, ok, err := st.LastFlushed()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, last, "marker advances with every append")
	}
}

func TestStore_BlockRange(t *testing.T) {
	st, _ := openTestStore(t)
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, st.AppendBlock(testBlock(i, chain.PayloadMetric, `{}`)))
	}

	blocks, err := st.BlockRange(3, 6)
	require.NoError(t, err)
	require.Len(t, blocks, 4)
	for i, b := range blocks {
		assert.Equal(t, uint64(3+i), b.Index)
	}

	// Ranges past the head are clamped to what exists.
	blocks, err = st.BlockRange(8, 20)
	require.NoError(t, err)
	assert.Len(t, blocks, 2)

	blocks, err = st.BlockRange(20, 30)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestStore_FlagBlocks(t *testing.T) {
	st, _ := openTestStore(t)
	kinds := []chain.PayloadKind{
		chain.PayloadMetric, chain.PayloadFlag, chain.PayloadMetric,
		chain.PayloadContext, chain.PayloadFlag, chain.PayloadMetric,
	}
	for i, k := range kinds {
		require.NoError(t, st.AppendBlock(testBlock(uint64(i), k, `{}`)))
	}

	flags, err := st.FlagBlocks(0, 5)
	require.NoError(t, err)
	require.Len(t, flags, 2)
	assert.Equal(t, uint64(1), flags[0].Index)
	assert.Equal(t, uint64(4), flags[1].Index)

	flags, err = st.FlagBlocks(2, 3)
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestStore_ReopenPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.db")

	st, err := Open(path)
	require.NoError(t, err)
	for i := uint64(0); i < 4; i++ {
		require.NoError(t, st.AppendBlock(testBlock(i, chain.PayloadMetric, `{"seq":0}`)))
	}
	require.NoError(t, st.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	last, ok, err := reopened.LastFlushed()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), last)

	b, err := reopened.GetBlock(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), b.Index)
	assert.Equal(t, []byte(`{"seq":0}`), b.Payload)
}

func TestStore_ChainIntegration(t *testing.T) {
	st, _ := openTestStore(t)

	c, err := chain.Open(st)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := c.Append(chain.PayloadMetric, []byte(`{}`), 0)
		require.NoError(t, err)
	}

	res, err := c.Verify(0, 4)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Reason)
}

// ============================================================
// Sessions
// ============================================================

func TestStore_SessionLifecycle(t *testing.T) {
	st, _ := openTestStore(t)

	started := time.Now().UnixNano()
	require.NoError(t, st.BeginSession("sess-1", started, 10))

	got, err := st.GetSession("sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, started, got.StartedNs)
	assert.Equal(t, uint64(10), got.FirstIndex)
	assert.Nil(t, got.EndedNs, "open session has no end time")
	assert.Nil(t, got.LastIndex)

	ended := time.Now().UnixNano()
	digest := []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, st.EndSession("sess-1", ended, 42, digest))

	got, err = st.GetSession("sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.EndedNs)
	assert.Equal(t, ended, *got.EndedNs)
	require.NotNil(t, got.LastIndex)
	assert.Equal(t, uint64(42), *got.LastIndex)
	assert.Equal(t, digest, got.ReceiptDigest)
}

func TestStore_GetSession_Absent(t *testing.T) {
	st, _ := openTestStore(t)

	got, err := st.GetSession("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_EndSession_Unknown(t *testing.T) {
	st, _ := openTestStore(t)

	err := st.EndSession("nope", time.Now().UnixNano(), 1, nil)
	assert.Error(t, err)
}

func TestStore_DuplicateSessionRejected(t *testing.T) {
	st, _ := openTestStore(t)

	require.NoError(t, st.BeginSession("sess-1", 1, 0))
	assert.Error(t, st.BeginSession("sess-1", 2, 0))
}
