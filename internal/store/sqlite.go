// Package store provides SQLite-backed durable storage for the provenance
// chain: an ordered, append-only record store keyed by block index, with a
// recoverable last-flushed marker read on startup to resume without gaps or
// duplication.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"ghostd/internal/chain"
)

// Schema for the ghostd block store.
const schema = `
CREATE TABLE IF NOT EXISTS blocks (
    idx             INTEGER PRIMARY KEY,
    timestamp_ns    INTEGER NOT NULL,
    payload_kind    INTEGER NOT NULL,
    payload         BLOB NOT NULL,
    context_ref     INTEGER NOT NULL,
    prev_hash       BLOB NOT NULL,
    block_hash      BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blocks_kind ON blocks(payload_kind, idx);
CREATE INDEX IF NOT EXISTS idx_blocks_timestamp ON blocks(timestamp_ns);

CREATE TABLE IF NOT EXISTS chain_meta (
    key     TEXT PRIMARY KEY,
    value   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    session_id      TEXT PRIMARY KEY,
    started_ns      INTEGER NOT NULL,
    ended_ns        INTEGER,
    first_index     INTEGER NOT NULL,
    last_index      INTEGER,
    receipt_digest  BLOB
);
`

const lastFlushedKey = "last_flushed"

// Store is the SQLite block store. It implements chain.BlockStore.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path, applies the schema, and
// discards any partially written blocks beyond the last-flushed marker.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.truncateBeyondMarker(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover block store: %w", err)
	}

	return s, nil
}

// truncateBeyondMarker removes blocks past the last-flushed marker. A crash
// between the block insert and the marker update would otherwise leave a
// block the chain never acknowledged.
func (s *Store) truncateBeyondMarker() error {
	last, ok, err := s.LastFlushed()
	if err != nil {
		return err
	}
	if !ok {
		_, err = s.db.Exec(`DELETE FROM blocks`)
		return err
	}
	_, err = s.db.Exec(`DELETE FROM blocks WHERE idx > ?`, last)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// AppendBlock persists a block and advances the last-flushed marker in one
// transaction. The transaction commits before AppendBlock returns, so a
// successful append is durable.
func (s *Store) AppendBlock(b *chain.Block) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO blocks (idx, timestamp_ns, payload_kind, payload, context_ref, prev_hash, block_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.Index, b.TimestampNs, int(b.Kind), b.Payload, b.ContextRef, b.PrevHash[:], b.Hash[:],
	)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO chain_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastFlushedKey, b.Index,
	)
	if err != nil {
		return fmt.Errorf("update last flushed marker: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}

	return nil
}

// GetBlock retrieves a block by index.
func (s *Store) GetBlock(index uint64) (*chain.Block, error) {
	row := s.db.QueryRow(`
		SELECT idx, timestamp_ns, payload_kind, payload, context_ref, prev_hash, block_hash
		FROM blocks WHERE idx = ?`, index,
	)

	b, err := scanBlock(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("block %d: %w", index, chain.ErrNotFound)
		}
		return nil, fmt.Errorf("get block %d: %w", index, err)
	}

	// Only blocks at or below the marker are visible.
	last, ok, err := s.LastFlushed()
	if err != nil {
		return nil, err
	}
	if !ok || index > last {
		return nil, fmt.Errorf("block %d: %w", index, chain.ErrNotFound)
	}

	return b, nil
}

// BlockRange retrieves blocks with start <= idx <= end, ascending.
func (s *Store) BlockRange(start, end uint64) ([]chain.Block, error) {
	rows, err := s.db.Query(`
		SELECT idx, timestamp_ns, payload_kind, payload, context_ref, prev_hash, block_hash
		FROM blocks
		WHERE idx >= ? AND idx <= ?
		ORDER BY idx ASC`, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("query block range: %w", err)
	}
	defer rows.Close()

	var blocks []chain.Block
	for rows.Next() {
		var b chain.Block
		var prevHash, blockHash []byte
		var kind int

		if err := rows.Scan(&b.Index, &b.TimestampNs, &kind, &b.Payload, &b.ContextRef, &prevHash, &blockHash); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Kind = chain.PayloadKind(kind)
		copy(b.PrevHash[:], prevHash)
		copy(b.Hash[:], blockHash)

		blocks = append(blocks, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}

	return blocks, nil
}

// LastFlushed returns the highest durably flushed index.
func (s *Store) LastFlushed() (uint64, bool, error) {
	var last uint64
	err := s.db.QueryRow(`SELECT value FROM chain_meta WHERE key = ?`, lastFlushedKey).Scan(&last)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read last flushed marker: %w", err)
	}
	return last, true, nil
}

// FlagBlocks returns all flag blocks in [start, end], for flag history
// queries and the offline verifier.
func (s *Store) FlagBlocks(start, end uint64) ([]chain.Block, error) {
	rows, err := s.db.Query(`
		SELECT idx, timestamp_ns, payload_kind, payload, context_ref, prev_hash, block_hash
		FROM blocks
		WHERE payload_kind = ? AND idx >= ? AND idx <= ?
		ORDER BY idx ASC`, int(chain.PayloadFlag), start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("query flag blocks: %w", err)
	}
	defer rows.Close()

	var blocks []chain.Block
	for rows.Next() {
		var b chain.Block
		var prevHash, blockHash []byte
		var kind int

		if err := rows.Scan(&b.Index, &b.TimestampNs, &kind, &b.Payload, &b.ContextRef, &prevHash, &blockHash); err != nil {
			return nil, fmt.Errorf("scan flag block: %w", err)
		}
		b.Kind = chain.PayloadKind(kind)
		copy(b.PrevHash[:], prevHash)
		copy(b.Hash[:], blockHash)

		blocks = append(blocks, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flag blocks: %w", err)
	}

	return blocks, nil
}

// scanner abstracts sql.Row / sql.Rows for scanBlock.
type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(row scanner) (*chain.Block, error) {
	var b chain.Block
	var prevHash, blockHash []byte
	var kind int

	if err := row.Scan(&b.Index, &b.TimestampNs, &kind, &b.Payload, &b.ContextRef, &prevHash, &blockHash); err != nil {
		return nil, err
	}
	b.Kind = chain.PayloadKind(kind)
	copy(b.PrevHash[:], prevHash)
	copy(b.Hash[:], blockHash)

	return &b, nil
}
