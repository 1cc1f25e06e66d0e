package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mnemo-db/mnemo/pkg/core"
)

// SynapseRow is the persisted shape of a directed edge.
type SynapseRow struct {
	SourceID      string
	TargetID      string
	Weight        float64
	CoAccessCount int64
	LastFired     time.Time
	CreatedAt     time.Time
	TaggedAt      *time.Time
}

func scanSynapse(row rowScanner) (*SynapseRow, error) {
	var (
		s                  SynapseRow
		lastFired, created string
		taggedAt           sql.NullString
	)
	if err := row.Scan(&s.SourceID, &s.TargetID, &s.Weight, &s.CoAccessCount, &lastFired, &created, &taggedAt); err != nil {
		return nil, err
	}
	var err error
	if s.LastFired, err = ParseISOTime(lastFired); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = ParseISOTime(created); err != nil {
		return nil, err
	}
	if taggedAt.Valid {
		t, err := ParseISOTime(taggedAt.String)
		if err != nil {
			return nil, err
		}
		s.TaggedAt = &t
	}
	return &s, nil
}

func scanSynapseRows(rows *sql.Rows) ([]*SynapseRow, error) {
	var out []*SynapseRow
	for rows.Next() {
		s, err := scanSynapse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const synapseCols = `source_id, target_id, weight, co_access_count, last_fired, created_at, tagged_at`

// UpsertSynapse implements the two-branch weight rule: a
// fresh pair is created at weight = delta, tagged now; an existing pair's
// weight moves toward 1 by delta·(1-weight), co_access_count increments,
// last_fired refreshes, and the tag is left untouched.
func (s *Store) UpsertSynapse(ctx context.Context, execer Execer, source, target string, weightDelta float64, now time.Time) error {
	const q = `
INSERT INTO synapses (source_id, target_id, weight, co_access_count, last_fired, created_at, tagged_at)
VALUES (?, ?, ?, 1, ?, ?, ?)
ON CONFLICT(source_id, target_id) DO UPDATE SET
	weight = MIN(synapses.weight + ? * (1 - synapses.weight), 1.0),
	co_access_count = synapses.co_access_count + 1,
	last_fired = excluded.last_fired
`
	nowStr := ISOTime(now)
	_, err := execer.ExecContext(ctx, q, source, target, core.ClampWeight(weightDelta), nowStr, nowStr, nowStr, weightDelta)
	return err
}

// CaptureSynapse implements the tag-and-capture floor:
// weight becomes max(weight, floor), and the tag is cleared.
func (s *Store) CaptureSynapse(ctx context.Context, execer Execer, source, target string, floor float64) error {
	const q = `UPDATE synapses SET weight = MAX(weight, ?), tagged_at = NULL WHERE source_id = ? AND target_id = ?`
	_, err := execer.ExecContext(ctx, q, floor, source, target)
	return err
}

// WeakenSynapse multiplies weight by (1-factor), never going below floor.
func (s *Store) WeakenSynapse(ctx context.Context, execer Execer, source, target string, factor, floor float64) error {
	const q = `UPDATE synapses SET weight = MAX(weight * (1 - ?), ?) WHERE source_id = ? AND target_id = ?`
	_, err := execer.ExecContext(ctx, q, factor, floor, source, target)
	return err
}

// SetSynapseWeight overwrites weight directly — the one operation that
// bypasses incremental Hebbian growth, used by resolve_error.
func (s *Store) SetSynapseWeight(ctx context.Context, execer Execer, source, target string, weight float64, now time.Time) error {
	const q = `
INSERT INTO synapses (source_id, target_id, weight, co_access_count, last_fired, created_at, tagged_at)
VALUES (?, ?, ?, 1, ?, ?, NULL)
ON CONFLICT(source_id, target_id) DO UPDATE SET weight = ?, last_fired = excluded.last_fired
`
	nowStr := ISOTime(now)
	w := core.ClampWeight(weight)
	_, err := execer.ExecContext(ctx, q, source, target, w, nowStr, nowStr, w)
	return err
}

// GetSynapse reads a single directed edge.
func (s *Store) GetSynapse(ctx context.Context, source, target string) (*SynapseRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+synapseCols+` FROM synapses WHERE source_id = ? AND target_id = ?`, source, target)
	syn, err := scanSynapse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSynapseNotFound
	}
	return syn, err
}

// OutgoingSynapses returns edges from source with weight >= minWeight,
// strongest first, capped at limit. This is the core traversal primitive
// for spreading activation (Phase 2), fingerprint shortcut (Phase 0), and
// predict_next.
func (s *Store) OutgoingSynapses(ctx context.Context, source string, minWeight float64, limit int) ([]*SynapseRow, error) {
	const q = `SELECT ` + synapseCols + ` FROM synapses WHERE source_id = ? AND weight >= ? ORDER BY weight DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, source, minWeight, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSynapseRows(rows)
}

// OutDegree counts outgoing edges from a neuron, used for the hub penalty
// (write path) and the spreading out-degree dampener (recall Phase 2).
func (s *Store) OutDegree(ctx context.Context, source string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM synapses WHERE source_id = ?`, source).Scan(&n)
	return n, err
}

// IncidentSynapses returns every edge touching a neuron in either
// direction, used by tag-capture scanning and anti-recall weakening.
func (s *Store) IncidentSynapses(ctx context.Context, neuronID string) ([]*SynapseRow, error) {
	const q = `SELECT ` + synapseCols + ` FROM synapses WHERE source_id = ? OR target_id = ?`
	rows, err := s.db.QueryContext(ctx, q, neuronID, neuronID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSynapseRows(rows)
}

// TaggedSynapsesTouching returns edges incident to neuronID still carrying
// a non-null tag, used by the tag-and-capture scan in the write path.
func (s *Store) TaggedSynapsesTouching(ctx context.Context, neuronID string) ([]*SynapseRow, error) {
	const q = `SELECT ` + synapseCols + ` FROM synapses WHERE (source_id = ? OR target_id = ?) AND tagged_at IS NOT NULL`
	rows, err := s.db.QueryContext(ctx, q, neuronID, neuronID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSynapseRows(rows)
}

// ClearExpiredTags drops the tag marker from any synapse tagged longer ago
// than the capture window.
func (s *Store) ClearExpiredTags(ctx context.Context, execer Execer, cutoff time.Time) (int64, error) {
	res, err := execer.ExecContext(ctx, `UPDATE synapses SET tagged_at = NULL WHERE tagged_at IS NOT NULL AND tagged_at < ?`, ISOTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AllSynapses returns the full edge set, used by maintenance's homeostasis
// pass and by consolidation's adjacency-list builders.
func (s *Store) AllSynapses(ctx context.Context) ([]*SynapseRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+synapseCols+` FROM synapses`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSynapseRows(rows)
}

// WeakSynapsesForNoiseBridgeCheck returns candidate edges for the
// noise-bridge weakening step: low weight, low co-access,
// pointing at an inert file neuron.
func (s *Store) WeakSynapsesForNoiseBridgeCheck(ctx context.Context, weightMax float64, coAccessMax int64, activationMax, myelinationMax float64) ([]*SynapseRow, error) {
	const q = `
SELECT syn.source_id, syn.target_id, syn.weight, syn.co_access_count, syn.last_fired, syn.created_at, syn.tagged_at
FROM synapses syn JOIN neurons n ON n.id = syn.target_id
WHERE syn.weight < ? AND syn.co_access_count <= ? AND n.activation < ? AND n.myelination < ? AND n.type = 'file'`
	rows, err := s.db.QueryContext(ctx, q, weightMax, coAccessMax, activationMax, myelinationMax)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSynapseRows(rows)
}

// DecayAllSynapses applies multiplicative weight decay to every edge
// uniformly.
func (s *Store) DecayAllSynapses(ctx context.Context, execer Execer, factor float64) error {
	_, err := execer.ExecContext(ctx, `UPDATE synapses SET weight = weight * ?`, factor)
	return err
}

// ScaleAllSynapseWeights multiplies every edge weight by ratio, used by
// homeostasis when the network-wide average exceeds its target.
func (s *Store) ScaleAllSynapseWeights(ctx context.Context, execer Execer, ratio float64) error {
	_, err := execer.ExecContext(ctx, `UPDATE synapses SET weight = MIN(weight * ?, 1.0)`, ratio)
	return err
}

// AverageSynapseWeight reports the network-wide mean edge weight.
func (s *Store) AverageSynapseWeight(ctx context.Context) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT AVG(weight) FROM synapses`).Scan(&avg)
	if err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

// PruneSynapsesTiered removes edges matching any of the three age/weight/
// co-access tiers, followed by the flat safety net, and reports the
// total rows removed.
func (s *Store) PruneSynapsesTiered(ctx context.Context, execer Execer, tier1Weight float64, tier1Age time.Duration, tier2Weight float64, tier2CoAccessMax int64, tier2Age time.Duration, tier3Weight float64, tier3Age time.Duration, safetyNetWeight float64, now time.Time) (int64, error) {
	var total int64
	tiers := []struct {
		query string
		args  []any
	}{
		{
			`DELETE FROM synapses WHERE weight < ? AND last_fired < ?`,
			[]any{tier1Weight, ISOTime(now.Add(-tier1Age))},
		},
		{
			`DELETE FROM synapses WHERE weight < ? AND co_access_count <= ? AND last_fired < ?`,
			[]any{tier2Weight, tier2CoAccessMax, ISOTime(now.Add(-tier2Age))},
		},
		{
			`DELETE FROM synapses WHERE weight < ? AND last_fired < ?`,
			[]any{tier3Weight, ISOTime(now.Add(-tier3Age))},
		},
		{
			`DELETE FROM synapses WHERE weight < ?`,
			[]any{safetyNetWeight},
		},
	}
	for _, t := range tiers {
		res, err := execer.ExecContext(ctx, t.query, t.args...)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DeleteSynapse removes a single directed edge, used by tests and by
// seed-time cleanup.
func (s *Store) DeleteSynapse(ctx context.Context, execer Execer, source, target string) error {
	_, err := execer.ExecContext(ctx, `DELETE FROM synapses WHERE source_id = ? AND target_id = ?`, source, target)
	return err
}
