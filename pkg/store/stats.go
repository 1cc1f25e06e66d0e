package store

import "context"

// Stats is a point-in-time snapshot of store size and network-wide
// averages, used by the `stats` CLI verb.
type Stats struct {
	NeuronCount       int64
	SynapseCount      int64
	AccessLogCount    int64
	SessionCount      int64
	SnippetCount      int64
	AvgFileMyelination float64
	AvgFileAccessCount float64
	AvgSynapseWeight  float64
}

// GetStats gathers the row counts and averages the `stats` CLI verb
// reports in one pass.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM neurons`).Scan(&st.NeuronCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM synapses`).Scan(&st.SynapseCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_log`).Scan(&st.AccessLogCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&st.SessionCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snippets`).Scan(&st.SnippetCount); err != nil {
		return nil, err
	}

	var avgM, avgA sql64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(myelination),0), COALESCE(AVG(access_count),0) FROM neurons WHERE type = 'file'`).Scan(&avgM, &avgA); err != nil {
		return nil, err
	}
	st.AvgFileMyelination = float64(avgM)
	st.AvgFileAccessCount = float64(avgA)

	avgW, err := s.AverageSynapseWeight(ctx)
	if err != nil {
		return nil, err
	}
	st.AvgSynapseWeight = avgW

	return &st, nil
}

type sql64 float64

// Scan lets sql64 absorb either a float or an integer column value without
// the caller needing a sql.NullFloat64 wrapper at the call site.
func (v *sql64) Scan(src any) error {
	switch t := src.(type) {
	case float64:
		*v = sql64(t)
	case int64:
		*v = sql64(t)
	case nil:
		*v = 0
	default:
		*v = 0
	}
	return nil
}
