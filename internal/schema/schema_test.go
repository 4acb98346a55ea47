package schema_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostd/internal/clip"
	"ghostd/internal/receipt"
	"ghostd/internal/schema"
)

func validReceipt(t *testing.T) []byte {
	t.Helper()
	r := &receipt.Receipt{
		SessionID:  "sess-1",
		StartIndex: 0,
		EndIndex:   41,
		RootHash:   make([]byte, 32),
		IssuedAt:   time.Now().UTC(),
	}
	data, err := r.Encode()
	require.NoError(t, err)
	return data
}

func validManifest(t *testing.T) []byte {
	t.Helper()
	m := &clip.Manifest{
		SessionID:    "sess-1",
		FlagKind:     "snap",
		Confidence:   0.9,
		TriggerNs:    50_000_000_000,
		StartNs:      20_000_000_000,
		EndNs:        60_000_000_000,
		EventRange:   clip.Range{Start: 20, End: 60},
		ChainExcerpt: clip.Range{Start: 20, End: 60},
		CreatedNs:    time.Now().UnixNano(),
	}
	data, err := m.Encode()
	require.NoError(t, err)
	return data
}

// ============================================================
// Receipts
// ============================================================

func TestValidateReceipt(t *testing.T) {
	assert.NoError(t, schema.ValidateReceipt(validReceipt(t)))
}

func TestValidateReceipt_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `not json`},
		{"missing session", `{"start_index":0,"end_index":1,"root_hash":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=","issued_at":"2026-01-01T00:00:00Z"}`},
		{"short root hash", `{"session_id":"s","start_index":0,"end_index":1,"root_hash":"abc=","issued_at":"2026-01-01T00:00:00Z"}`},
		{"negative index", `{"session_id":"s","start_index":-1,"end_index":1,"root_hash":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=","issued_at":"2026-01-01T00:00:00Z"}`},
		{"unknown field", `{"session_id":"s","start_index":0,"end_index":1,"root_hash":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=","issued_at":"2026-01-01T00:00:00Z","extra":true}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, schema.ValidateReceipt([]byte(tc.data)))
		})
	}
}

// ============================================================
// Manifests
// ============================================================

func TestValidateManifest(t *testing.T) {
	assert.NoError(t, schema.ValidateManifest(validManifest(t)))
}

func TestValidateManifest_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*clip.Manifest)
	}{
		{"empty session", func(m *clip.Manifest) { m.SessionID = "" }},
		{"empty flag kind", func(m *clip.Manifest) { m.FlagKind = "" }},
		{"confidence above one", func(m *clip.Manifest) { m.Confidence = 1.5 }},
		{"negative confidence", func(m *clip.Manifest) { m.Confidence = -0.1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := clip.DecodeManifest(validManifest(t))
			require.NoError(t, err)
			tc.mutate(m)
			data, err := m.Encode()
			require.NoError(t, err)
			assert.Error(t, schema.ValidateManifest(data))
		})
	}
}
