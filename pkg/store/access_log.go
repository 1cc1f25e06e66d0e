package store

import (
	"context"
	"database/sql"
	"time"
)

// AccessLogRow is one append-only observation record.
type AccessLogRow struct {
	ID          int64
	NeuronID    string
	SessionID   string
	Query       string
	Timestamp   time.Time
	TokenCost   int
	AccessOrder int64
}

// AppendAccessLog inserts one row and returns its assigned access_order,
// the monotonic-within-session counter used by consolidation's directional
// weighting pass.
func (s *Store) AppendAccessLog(ctx context.Context, execer Execer, e *AccessLogRow) (int64, error) {
	order, err := s.NextAccessOrder(ctx, e.SessionID)
	if err != nil {
		return 0, err
	}
	const q = `INSERT INTO access_log (neuron_id, session_id, query, timestamp, token_cost, access_order) VALUES (?, ?, ?, ?, ?, ?)`
	var query sql.NullString
	if e.Query != "" {
		query = sql.NullString{String: e.Query, Valid: true}
	}
	_, err = execer.ExecContext(ctx, q, e.NeuronID, e.SessionID, query, ISOTime(e.Timestamp), e.TokenCost, order)
	if err != nil {
		return 0, err
	}
	return order, nil
}

// NextAccessOrder returns the next monotonic access_order for a session.
func (s *Store) NextAccessOrder(ctx context.Context, sessionID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(access_order) FROM access_log WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64 + 1, nil
}

// CountAccessLogForNeuron reports how many rows exist for a neuron, used by
// the access_count testable-property check.
func (s *Store) CountAccessLogForNeuron(ctx context.Context, neuronID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_log WHERE neuron_id = ?`, neuronID).Scan(&n)
	return n, err
}

func scanAccessLog(row rowScanner) (*AccessLogRow, error) {
	var (
		e         AccessLogRow
		query     sql.NullString
		timestamp string
	)
	if err := row.Scan(&e.ID, &e.NeuronID, &e.SessionID, &query, &timestamp, &e.TokenCost, &e.AccessOrder); err != nil {
		return nil, err
	}
	e.Query = query.String
	var err error
	if e.Timestamp, err = ParseISOTime(timestamp); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanAccessLogRows(rows *sql.Rows) ([]*AccessLogRow, error) {
	var out []*AccessLogRow
	for rows.Next() {
		e, err := scanAccessLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const accessLogCols = `id, neuron_id, session_id, query, timestamp, token_cost, access_order`

// AccessLogForSession returns every row for a session, ordered by access
// order, used to rebuild the sequential window and replay sessions during
// consolidation.
func (s *Store) AccessLogForSession(ctx context.Context, sessionID string) ([]*AccessLogRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accessLogCols+` FROM access_log WHERE session_id = ? ORDER BY access_order ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccessLogRows(rows)
}

// AccessLogSince returns every row newer than cutoff, oldest first, used to
// rebuild the in-memory window at engine construction: filtered to the
// last hour, deduped in arrival order.
func (s *Store) AccessLogSince(ctx context.Context, cutoff time.Time) ([]*AccessLogRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accessLogCols+` FROM access_log WHERE timestamp >= ? ORDER BY id ASC`, ISOTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccessLogRows(rows)
}

// AccessLogForNeuron returns every observation of one neuron, most recent
// first.
func (s *Store) AccessLogForNeuron(ctx context.Context, neuronID string) ([]*AccessLogRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accessLogCols+` FROM access_log WHERE neuron_id = ? ORDER BY timestamp DESC`, neuronID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccessLogRows(rows)
}

// SessionsWithQueryTokenSince finds sessions whose access-log rows carried
// a query containing any of the given tokens, within the time window —
// recall Phase 4's episodic-memory source.
func (s *Store) SessionsWithQueryTokenSince(ctx context.Context, tokens []string, since time.Time) ([]string, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := []any{}
	for i, t := range tokens {
		if i > 0 {
			placeholders += " OR "
		}
		placeholders += "query LIKE ?"
		args = append(args, "%"+t+"%")
	}
	args = append(args, ISOTime(since))
	q := `SELECT DISTINCT session_id FROM access_log WHERE (` + placeholders + `) AND timestamp >= ?`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FrequentFileNeuronsInSessions returns file-neuron ids and their access
// frequency across a set of sessions, used by recall Phase 4.
func (s *Store) FrequentFileNeuronsInSessions(ctx context.Context, sessionIDs []string) (map[string]int, error) {
	freq := map[string]int{}
	if len(sessionIDs) == 0 {
		return freq, nil
	}
	placeholders := ""
	args := []any{}
	for i, id := range sessionIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	q := `
SELECT al.neuron_id, COUNT(*) FROM access_log al
JOIN neurons n ON n.id = al.neuron_id
WHERE al.session_id IN (` + placeholders + `) AND n.type = 'file'
GROUP BY al.neuron_id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		freq[id] = count
	}
	return freq, rows.Err()
}

// CoOccurringFilePairs finds unordered file-neuron pairs that both appear
// in the access log of the same session, in at least minDistinctSessions
// distinct sessions in the last `window` — the cross-session discovery
// source for consolidation step 3.
func (s *Store) CoOccurringFilePairs(ctx context.Context, window time.Duration, minDistinctSessions int, now time.Time) (map[[2]string]int, error) {
	const q = `
SELECT a.neuron_id, b.neuron_id, a.session_id
FROM access_log a
JOIN access_log b ON a.session_id = b.session_id AND a.neuron_id < b.neuron_id
JOIN neurons na ON na.id = a.neuron_id AND na.type = 'file'
JOIN neurons nb ON nb.id = b.neuron_id AND nb.type = 'file'
WHERE a.timestamp >= ?`
	rows, err := s.db.QueryContext(ctx, q, ISOTime(now.Add(-window)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessionsByPair := map[[2]string]map[string]struct{}{}
	for rows.Next() {
		var a, b, sess string
		if err := rows.Scan(&a, &b, &sess); err != nil {
			return nil, err
		}
		key := [2]string{a, b}
		if sessionsByPair[key] == nil {
			sessionsByPair[key] = map[string]struct{}{}
		}
		sessionsByPair[key][sess] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := map[[2]string]int{}
	for pair, sessions := range sessionsByPair {
		if len(sessions) >= minDistinctSessions {
			out[pair] = len(sessions)
		}
	}
	return out, nil
}

// TemporalProximityPairs finds unordered file-neuron pairs whose access-log
// rows land within `proximity` of each other at least minRows times within
// `window` — consolidation step 4's source, alongside the average gap in
// seconds used for the initial weight formula.
func (s *Store) TemporalProximityPairs(ctx context.Context, window, proximity time.Duration, minRows int, now time.Time) (map[[2]string]struct {
	Count   int
	AvgSecs float64
}, error) {
	const q = `
SELECT a.neuron_id, b.neuron_id, a.timestamp, b.timestamp
FROM access_log a
JOIN access_log b ON a.neuron_id < b.neuron_id
JOIN neurons na ON na.id = a.neuron_id AND na.type = 'file'
JOIN neurons nb ON nb.id = b.neuron_id AND nb.type = 'file'
WHERE a.timestamp >= ? AND ABS(strftime('%s', a.timestamp) - strftime('%s', b.timestamp)) <= ?`
	rows, err := s.db.QueryContext(ctx, q, ISOTime(now.Add(-window)), int(proximity.Seconds()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type acc struct {
		count   int
		secsSum float64
	}
	accum := map[[2]string]*acc{}
	for rows.Next() {
		var a, b, ta, tb string
		if err := rows.Scan(&a, &b, &ta, &tb); err != nil {
			return nil, err
		}
		tta, err := ParseISOTime(ta)
		if err != nil {
			return nil, err
		}
		ttb, err := ParseISOTime(tb)
		if err != nil {
			return nil, err
		}
		gap := ttb.Sub(tta).Seconds()
		if gap < 0 {
			gap = -gap
		}
		key := [2]string{a, b}
		if accum[key] == nil {
			accum[key] = &acc{}
		}
		accum[key].count++
		accum[key].secsSum += gap
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := map[[2]string]struct {
		Count   int
		AvgSecs float64
	}{}
	for pair, a := range accum {
		if a.count >= minRows {
			out[pair] = struct {
				Count   int
				AvgSecs float64
			}{Count: a.count, AvgSecs: a.secsSum / float64(a.count)}
		}
	}
	return out, nil
}

// DirectionalPairCounts counts ordered (first->second) access pairs within
// the same session where the access_order gap is within maxGap, over the
// last `window` — consolidation step 5's source.
func (s *Store) DirectionalPairCounts(ctx context.Context, window time.Duration, maxGap int64, now time.Time) (map[[2]string]int, error) {
	const q = `
SELECT a.neuron_id, b.neuron_id
FROM access_log a
JOIN access_log b ON a.session_id = b.session_id AND b.access_order > a.access_order AND b.access_order - a.access_order <= ?
JOIN neurons na ON na.id = a.neuron_id AND na.type = 'file'
JOIN neurons nb ON nb.id = b.neuron_id AND nb.type = 'file'
WHERE a.timestamp >= ? AND a.neuron_id != b.neuron_id`
	rows, err := s.db.QueryContext(ctx, q, maxGap, ISOTime(now.Add(-window)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[[2]string]int{}
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return nil, err
		}
		counts[[2]string{a, b}]++
	}
	return counts, rows.Err()
}

// PruneEpisodic deletes access-log rows older than retention and, if the
// remaining count still exceeds cap, trims down to the newest `cap` rows
// (consolidation step 7).
func (s *Store) PruneEpisodic(ctx context.Context, execer Execer, retention time.Duration, cap int, now time.Time) (int64, error) {
	res, err := execer.ExecContext(ctx, `DELETE FROM access_log WHERE timestamp < ?`, ISOTime(now.Add(-retention)))
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_log`).Scan(&total); err != nil {
		return removed, err
	}
	if total <= int64(cap) {
		return removed, nil
	}
	res2, err := execer.ExecContext(ctx, `
DELETE FROM access_log WHERE id IN (
	SELECT id FROM access_log ORDER BY id ASC LIMIT ?
)`, total-int64(cap))
	if err != nil {
		return removed, err
	}
	extra, err := res2.RowsAffected()
	return removed + extra, err
}
