package engine

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/mnemo-db/mnemo/pkg/core"
)

// ConsolidateReport summarizes one consolidation pass for the
// `consolidate` CLI verb.
type ConsolidateReport struct {
	SessionsReplayed    int
	CrossSessionEdges   int
	TemporalEdges       int
	DirectionalBoosted  int
	TripletsBoosted     int
	EpisodicRowsRemoved int64
}

// Consolidate runs the offline consolidation pass: session replay,
// Ebbinghaus review, cross-session discovery, temporal-proximity mining,
// directional weighting, triplet mining, and episodic pruning. Unlike
// decay, consolidation strengthens existing structure or creates edges
// backed by repeated co-occurrence; its only weakening is the Ebbinghaus
// review's decay of myelination on file neurons untouched past the stale
// window.
func (e *Engine) Consolidate(ctx context.Context) (*ConsolidateReport, error) {
	res, err := e.submit(ctx, opConsolidate, ctx)
	if err != nil {
		return nil, err
	}
	return res.(*ConsolidateReport), nil
}

func (e *Engine) doConsolidate(ctx context.Context) (*ConsolidateReport, error) {
	cs := e.settings.Consolidation
	now := time.Now()
	report := &ConsolidateReport{}

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		// Step 1: session replay. Strengthen-only: walk each qualifying
		// session's access log in order and re-apply a fraction of the
		// ordinary Hebbian delta between consecutive accesses, without ever
		// creating an edge that replay alone wouldn't already find live.
		sessions, err := e.store.RecentSessions(ctx, time.Duration(cs.SessionReplayWindowDays)*24*time.Hour, int64(cs.SessionReplayMinAccesses), cs.SessionReplayMaxSessions, now)
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			rows, err := e.store.AccessLogForSession(ctx, sess.ID)
			if err != nil {
				return err
			}
			for i := 1; i < len(rows); i++ {
				prev, cur := rows[i-1], rows[i]
				if prev.NeuronID == cur.NeuronID {
					continue
				}
				existing, err := e.store.GetSynapse(ctx, prev.NeuronID, cur.NeuronID)
				if err != nil {
					continue // strengthen-only: no existing edge, nothing to replay
				}
				delta := (e.settings.Write.BaseLearningRate / cs.SessionReplayDeltaDivisor) * core.SNAP(existing.Weight)
				if err := e.store.UpsertSynapse(ctx, tx, prev.NeuronID, cur.NeuronID, delta, now); err != nil {
					return err
				}
			}
			report.SessionsReplayed++
		}

		// Step 2: Ebbinghaus review. File neurons with myelination above
		// EbbinghausMyelinMin that were last touched between the recent and
		// stale windows gain a quarter of a normal BCM myelination
		// increment; those untouched past the stale window decay on the
		// slower stale-decay schedule.
		if err := e.ebbinghausReview(ctx, tx, cs, now); err != nil {
			return err
		}

		// Step 3: cross-session discovery. File pairs repeatedly accessed
		// together across enough distinct sessions earn a new edge even
		// without ever having fired in the same sequential window.
		pairs, err := e.store.CoOccurringFilePairs(ctx, cs.CrossSessionWindow, cs.CrossSessionMinSessions, now)
		if err != nil {
			return err
		}
		for pair, sessionCount := range pairs {
			weight := cs.CrossSessionNewWeight
			if existing, err := e.store.GetSynapse(ctx, pair[0], pair[1]); err == nil && existing.Weight >= cs.CrossSessionWeakThreshold {
				weight = cs.CrossSessionBoost
			}
			_ = sessionCount
			if err := e.store.UpsertSynapse(ctx, tx, pair[0], pair[1], weight, now); err != nil {
				return err
			}
			if err := e.store.UpsertSynapse(ctx, tx, pair[1], pair[0], weight, now); err != nil {
				return err
			}
		}
		report.CrossSessionEdges = len(pairs)

		// Step 4: temporal-proximity mining. Pairs accessed within a short
		// window of each other repeatedly, regardless of session boundary,
		// get an edge whose initial weight reflects how tight that gap is.
		proximity, err := e.store.TemporalProximityPairs(ctx, cs.TemporalWindow, cs.TemporalProximity, cs.TemporalMinRows, now)
		if err != nil {
			return err
		}
		for pair, stat := range proximity {
			weight := cs.TemporalBaseWeight
			if existing, err := e.store.GetSynapse(ctx, pair[0], pair[1]); err != nil || existing.Weight < cs.TemporalWeakThreshold {
				tightness := 1 - (stat.AvgSecs / cs.TemporalProximity.Seconds())
				if tightness < 0 {
					tightness = 0
				}
				weight += tightness * cs.TemporalMaxBonus
			} else {
				continue
			}
			if err := e.store.UpsertSynapse(ctx, tx, pair[0], pair[1], weight, now); err != nil {
				return err
			}
			if err := e.store.UpsertSynapse(ctx, tx, pair[1], pair[0], weight, now); err != nil {
				return err
			}
		}
		report.TemporalEdges = len(proximity)

		// Step 5: directional weighting. When one file in a pair reliably
		// precedes the other within a session, boost the forward edge and
		// leave the reverse edge alone — order is itself a signal.
		counts, err := e.store.DirectionalPairCounts(ctx, cs.DirectionalWindow, cs.DirectionalMaxOrderGap, now)
		if err != nil {
			return err
		}
		boosted := 0
		for pair, forward := range counts {
			reverseKey := [2]string{pair[1], pair[0]}
			reverse := counts[reverseKey]
			if forward < cs.DirectionalMinCount {
				continue
			}
			ratio := float64(forward)
			if reverse > 0 {
				ratio = float64(forward) / float64(reverse)
			}
			if ratio < cs.DirectionalRatio {
				continue
			}
			existing, err := e.store.GetSynapse(ctx, pair[0], pair[1])
			if err != nil {
				continue
			}
			if existing.Weight < cs.DirectionalWeightRangeLo || existing.Weight > cs.DirectionalWeightRangeHi {
				continue
			}
			if err := e.store.UpsertSynapse(ctx, tx, pair[0], pair[1], cs.DirectionalBoost, now); err != nil {
				return err
			}
			boosted++
		}
		report.DirectionalBoosted = boosted

		// Step 6: triplet mining. Files that form a closed triangle of
		// co-access get a small SNAP-gated bump on the edge completing the
		// triangle, since the other two sides already imply it belongs.
		triplets, err := e.mineTriplets(ctx, tx, cs, now)
		if err != nil {
			return err
		}
		report.TripletsBoosted = triplets

		// Step 7: episodic pruning. The append-only access log is capped so
		// it never grows unbounded; rows older than retention are dropped
		// first, then the oldest rows are trimmed until only the newest
		// cap rows remain.
		removed, err := e.store.PruneEpisodic(ctx, tx, cs.EpisodicRetention, cs.EpisodicRowCap, now)
		if err != nil {
			return err
		}
		report.EpisodicRowsRemoved = removed

		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (e *Engine) ebbinghausReview(ctx context.Context, tx *sql.Tx, cs core.ConsolidationSettings, now time.Time) error {
	neurons, err := e.store.AllNeurons(ctx)
	if err != nil {
		return err
	}
	for _, n := range neurons {
		if n.Type != core.NeuronFile || n.Myelination <= cs.EbbinghausMyelinMin {
			continue
		}
		age := now.Sub(n.LastAccessed)
		if age <= cs.EbbinghausRecentWindow {
			continue
		}
		myelination := n.Myelination
		if age <= cs.EbbinghausStaleWindow {
			myelination += cs.EbbinghausQuarterBCM * bcmDelta(e.settings.Write.BCMBase, myelination, n.AccessCount)
		} else {
			myelination *= cs.EbbinghausStaleDecay
		}
		if err := e.store.UpdateNeuronFields(ctx, tx, n.ID, n.Activation, core.ClampMyelination(myelination), nil); err != nil {
			return err
		}
	}
	return nil
}

// mineTriplets builds an adjacency list from every synapse, keeping each
// neuron's strongest neighbors, then for each neuron's top neighbors checks whether two of
// them are also connected to each other — closing a triangle — and gives
// that completing edge a small plasticity-gated bump.
func (e *Engine) mineTriplets(ctx context.Context, tx *sql.Tx, cs core.ConsolidationSettings, now time.Time) (int, error) {
	all, err := e.store.AllSynapses(ctx)
	if err != nil {
		return 0, err
	}
	adjacency := map[string][]string{}
	weights := map[[2]string]float64{}
	for _, syn := range all {
		adjacency[syn.SourceID] = append(adjacency[syn.SourceID], syn.TargetID)
		weights[[2]string{syn.SourceID, syn.TargetID}] = syn.Weight
	}
	for id, neighbors := range adjacency {
		sort.Slice(neighbors, func(i, j int) bool { return weights[[2]string{id, neighbors[i]}] > weights[[2]string{id, neighbors[j]}] })
		if len(neighbors) > cs.TripletMaxNeighbors {
			neighbors = neighbors[:cs.TripletMaxNeighbors]
		}
		adjacency[id] = neighbors
	}

	seen := map[string]struct{}{}
	boosted := 0
	for a, neighborsA := range adjacency {
		for _, b := range neighborsA {
			for _, c := range adjacency[b] {
				if c == a {
					continue
				}
				wAC, ok := weights[[2]string{a, c}]
				if !ok {
					continue
				}
				key := tripletKey(a, b, c)
				if _, done := seen[key]; done {
					continue
				}
				seen[key] = struct{}{}

				delta := cs.TripletBoost * core.SNAP(wAC)
				if err := e.store.UpsertSynapse(ctx, tx, a, c, delta, now); err != nil {
					return boosted, err
				}
				boosted++
			}
		}
	}
	return boosted, nil
}

func tripletKey(a, b, c string) string {
	ids := []string{a, b, c}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1] + "|" + ids[2]
}
