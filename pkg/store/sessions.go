package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mnemo-db/mnemo/pkg/core"
)

// SessionRow is the persisted shape of a session.
type SessionRow struct {
	ID            string
	StartedAt     time.Time
	EndedAt       *time.Time
	TotalAccesses int64
	TokensUsed    int64
	TokensSaved   int64
	HitRate       float64
	Intent        string
}

const sessionCols = `id, started_at, ended_at, total_accesses, tokens_used, tokens_saved, hit_rate, intent`

func scanSession(row rowScanner) (*SessionRow, error) {
	var (
		s                   SessionRow
		startedAt           string
		endedAt             sql.NullString
	)
	if err := row.Scan(&s.ID, &startedAt, &endedAt, &s.TotalAccesses, &s.TokensUsed, &s.TokensSaved, &s.HitRate, &s.Intent); err != nil {
		return nil, err
	}
	var err error
	if s.StartedAt, err = ParseISOTime(startedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t, err := ParseISOTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		s.EndedAt = &t
	}
	return &s, nil
}

// CreateSession inserts a new session row, created lazily the first time an
// engine instance needs one.
func (s *Store) CreateSession(ctx context.Context, id string, startedAt time.Time) error {
	const q = `INSERT INTO sessions (id, started_at, total_accesses, tokens_used, tokens_saved, hit_rate, intent) VALUES (?, ?, 0, 0, 0, 0, '')`
	_, err := s.db.ExecContext(ctx, q, id, ISOTime(startedAt))
	return err
}

// GetSession reads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSessionNotFound
	}
	return sess, err
}

// IncrementSessionCounters bumps total_accesses and accumulates token
// bookkeeping for a session, called on every record.
func (s *Store) IncrementSessionCounters(ctx context.Context, execer Execer, id string, tokensUsed, tokensSaved int64) error {
	const q = `
UPDATE sessions SET
	total_accesses = total_accesses + 1,
	tokens_used = tokens_used + ?,
	tokens_saved = tokens_saved + ?
WHERE id = ?`
	_, err := execer.ExecContext(ctx, q, tokensUsed, tokensSaved, id)
	return err
}

// EndSession marks a session ended and records its final hit rate, called
// on session rotation.
func (s *Store) EndSession(ctx context.Context, id string, endedAt time.Time, hitRate float64) error {
	const q = `UPDATE sessions SET ended_at = ?, hit_rate = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q, ISOTime(endedAt), hitRate, id)
	return err
}

// SetSessionIntent records an operator-declared intent string.
func (s *Store) SetSessionIntent(ctx context.Context, id, intent string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET intent = ? WHERE id = ?`, intent, id)
	return err
}

// RecentSessions returns sessions started within `window`, most recent
// first, filtered to those with at least minAccesses rows — consolidation
// step 1's candidate pool.
func (s *Store) RecentSessions(ctx context.Context, window time.Duration, minAccesses int64, limit int, now time.Time) ([]*SessionRow, error) {
	const q = `
SELECT ` + sessionCols + ` FROM sessions
WHERE started_at >= ? AND total_accesses >= ?
ORDER BY started_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, ISOTime(now.Add(-window)), minAccesses, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SessionRow
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AllSessions returns every session, most recent first, used by the
// `sessions` CLI verb.
func (s *Store) AllSessions(ctx context.Context) ([]*SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SessionRow
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
