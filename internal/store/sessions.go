package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Session is the durable record of one capture session: its block range
// and, once ended, its receipt digest.
type Session struct {
	SessionID     string
	StartedNs     int64
	EndedNs       *int64
	FirstIndex    uint64
	LastIndex     *uint64
	ReceiptDigest []byte
}

// BeginSession records a new session starting at firstIndex.
func (s *Store) BeginSession(sessionID string, startedNs int64, firstIndex uint64) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, started_ns, first_index)
		VALUES (?, ?, ?)`,
		sessionID, startedNs, firstIndex,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession closes a session, recording its final block index and receipt
// digest.
func (s *Store) EndSession(sessionID string, endedNs int64, lastIndex uint64, receiptDigest []byte) error {
	result, err := s.db.Exec(`
		UPDATE sessions SET ended_ns = ?, last_index = ?, receipt_digest = ?
		WHERE session_id = ?`,
		endedNs, lastIndex, receiptDigest, sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	return nil
}

// GetSession retrieves a session by ID, or nil when absent.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	var rec Session
	err := s.db.QueryRow(`
		SELECT session_id, started_ns, ended_ns, first_index, last_index, receipt_digest
		FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&rec.SessionID, &rec.StartedNs, &rec.EndedNs, &rec.FirstIndex, &rec.LastIndex, &rec.ReceiptDigest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &rec, nil
}
