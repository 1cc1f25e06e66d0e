package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/mnemo-db/mnemo/pkg/boundary"
	"github.com/mnemo-db/mnemo/pkg/core"
	"github.com/mnemo-db/mnemo/pkg/errorcanon"
	"github.com/mnemo-db/mnemo/pkg/store"
)

// bcmDelta computes the BCM sliding-threshold myelination increment for a
// neuron being touched again: the increment shrinks as myelination
// approaches its ceiling and as access_count grows.
func bcmDelta(base, myelination float64, accessCount int64) float64 {
	plasticity := 1.0
	if accessCount > 0 {
		plasticity = 1.0 / math.Sqrt(float64(accessCount))
	}
	if plasticity < 0.1 {
		plasticity = 0.1
	}
	return base * (1 - myelination/0.95) * plasticity
}

type recordRequest struct {
	ctx   context.Context
	path  string
	typ   core.NeuronType
	query string
	at    time.Time
}

// Record implements boundary.ObservationSource.
func (e *Engine) Record(ctx context.Context, path string, t core.NeuronType, query string, at time.Time) (*core.Neuron, error) {
	if err := core.ValidatePath(path); err != nil {
		return nil, err
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidNeuronType, t)
	}
	res, err := e.submit(ctx, opRecord, recordRequest{ctx: ctx, path: path, typ: t, query: query, at: at})
	if err != nil {
		return nil, err
	}
	return res.(*core.Neuron), nil
}

// doRecord runs on the worker goroutine: upserts the neuron, strengthens
// synapses against every member of the current sequential window, applies
// the hub penalty and positional factor, checks tagged synapses for
// capture, appends the access-log row, then pushes the neuron onto the
// window for the next call.
func (e *Engine) doRecord(req recordRequest) (*core.Neuron, error) {
	ctx := req.ctx
	id := core.NeuronID(req.typ, req.path)
	ws := e.settings.Write

	var neuron *core.Neuron
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := e.store.GetNeuron(ctx, id)
		now := req.at
		row := &store.NeuronRow{
			ID: id, Type: req.typ, Path: req.path,
			Activation: 1.0, LastAccessed: now, CreatedAt: now,
		}
		if err == nil {
			row.Myelination = existing.Myelination + bcmDelta(ws.BCMBase, existing.Myelination, existing.AccessCount)
			if row.Myelination > 0.95 {
				row.Myelination = 0.95
			}
			row.Contexts = existing.Contexts
			row.CreatedAt = existing.CreatedAt
			row.Project = existing.Project
		} else if err != core.ErrNeuronNotFound {
			return err
		}
		if req.query != "" {
			cs := core.NewContextSet(row.Contexts)
			cs.Append(req.query)
			row.Contexts = cs.Slice()
		}
		if err := e.store.UpsertNeuron(ctx, tx, row); err != nil {
			return err
		}

		e.stateMu.Lock()
		windowSnap := e.windowSnapshot()
		e.stateMu.Unlock()

		idOutDeg, err := e.store.OutDegree(ctx, id)
		if err != nil {
			return err
		}

		n := len(windowSnap)
		for i, otherID := range windowSnap {
			if otherID == id {
				continue
			}
			positional := float64(i+1) / float64(n)
			delta := ws.BaseLearningRate * positional

			if req.typ == core.NeuronError || otherType(otherID) == core.NeuronError {
				delta *= ws.ErrorBoost
			}
			otherOutDeg, err := e.store.OutDegree(ctx, otherID)
			if err != nil {
				return err
			}
			if otherOutDeg > ws.HubOutDegreeThreshold || idOutDeg > ws.HubOutDegreeThreshold {
				delta *= ws.HubPenaltyFactor
			}
			existingSyn, err := e.store.GetSynapse(ctx, otherID, id)
			plastic := delta
			if err == nil {
				plastic *= core.SNAP(existingSyn.Weight)
			}
			if err := e.store.UpsertSynapse(ctx, tx, otherID, id, plastic, now); err != nil {
				return err
			}
			if err := e.store.UpsertSynapse(ctx, tx, id, otherID, plastic, now); err != nil {
				return err
			}
		}

		if err := e.captureTaggedSynapses(ctx, tx, id, now); err != nil {
			return err
		}

		order, err := e.store.AppendAccessLog(ctx, tx, &store.AccessLogRow{
			NeuronID: id, SessionID: e.currentSessionID(), Query: req.query, Timestamp: now, TokenCost: 0,
		})
		if err != nil {
			return err
		}
		if err := e.store.IncrementSessionCounters(ctx, tx, e.currentSessionID(), 0, 0); err != nil {
			return err
		}
		_ = order

		reloaded, err := e.store.GetNeuron(ctx, id)
		if err != nil {
			return err
		}
		neuron = rowToNeuron(reloaded)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.stateMu.Lock()
	e.windowPush(id)
	if req.typ == core.NeuronTool {
		e.toolChainPush(id)
	}
	if req.typ == core.NeuronFile {
		e.opened[id] = struct{}{}
	}
	e.lastEventAt = req.at
	e.stateMu.Unlock()

	return neuron, nil
}

// captureTaggedSynapses implements the write path's tag-and-capture scan:
// every edge touching id that is still tagged within the capture window
// gets its weight raised to the capture floor and its tag cleared.
func (e *Engine) captureTaggedSynapses(ctx context.Context, tx store.Execer, id string, now time.Time) error {
	ws := e.settings.Write
	tagged, err := e.store.TaggedSynapsesTouching(ctx, id)
	if err != nil {
		return err
	}
	for _, syn := range tagged {
		if !syn.IsTagged(now, ws.TagCaptureWindow) {
			continue
		}
		if err := e.store.CaptureSynapse(ctx, tx, syn.SourceID, syn.TargetID, ws.TagCaptureFloor); err != nil {
			return err
		}
	}
	return nil
}

// otherType recovers a neuron's type from its id without a store round
// trip, since ids are always "<type>:<path>".
func otherType(id string) core.NeuronType {
	t, _, err := core.SplitNeuronID(id)
	if err != nil {
		return ""
	}
	return t
}

func rowToNeuron(row *store.NeuronRow) *core.Neuron {
	return &core.Neuron{
		ID: row.ID, Type: row.Type, Path: row.Path,
		Activation: row.Activation, Myelination: row.Myelination,
		AccessCount: row.AccessCount, LastAccessed: row.LastAccessed, CreatedAt: row.CreatedAt,
		Contexts: core.NewContextSet(row.Contexts), Embedding: row.Embedding,
		Project: row.Project, IgnoreStreak: row.IgnoreStreak,
	}
}

type recordErrorRequest struct {
	ctx   context.Context
	raw   string
	query string
	at    time.Time
}

type recordErrorResult struct {
	neuron *core.Neuron
	fixes  []boundary.CandidateFix
}

// RecordError implements boundary.ObservationSource.
func (e *Engine) RecordError(ctx context.Context, raw, query string, at time.Time) (*core.Neuron, []boundary.CandidateFix, error) {
	res, err := e.submit(ctx, opRecordError, recordErrorRequest{ctx: ctx, raw: raw, query: query, at: at})
	if err != nil {
		return nil, nil, err
	}
	r := res.(recordErrorResult)
	return r.neuron, r.fixes, nil
}

// doRecordError normalizes raw and records the normalized form exactly as
// doRecord would (strengthening it against the window), upserts the
// fingerprint as a second error neuron wired to it in both directions
// outside the window, then attempts an immediate recall keyed on the
// fingerprint for candidate fixes.
func (e *Engine) doRecordError(req recordErrorRequest) (recordErrorResult, error) {
	normalized := errorcanon.Normalize(req.raw)
	_, _, fingerprint := errorcanon.Fingerprint(req.raw)

	normNeuron, err := e.doRecord(recordRequest{ctx: req.ctx, path: normalized, typ: core.NeuronError, query: req.query, at: req.at})
	if err != nil {
		return recordErrorResult{}, err
	}
	fpID := core.NeuronID(core.NeuronError, fingerprint)
	if err := e.store.WithTx(req.ctx, func(tx *sql.Tx) error {
		row := &store.NeuronRow{ID: fpID, Type: core.NeuronError, Path: fingerprint, Activation: 1.0, LastAccessed: req.at, CreatedAt: req.at}
		if err := e.store.UpsertNeuron(req.ctx, tx, row); err != nil {
			return err
		}
		if err := e.store.UpsertSynapse(req.ctx, tx, normNeuron.ID, fpID, e.settings.Write.BaseLearningRate, req.at); err != nil {
			return err
		}
		return e.store.UpsertSynapse(req.ctx, tx, fpID, normNeuron.ID, e.settings.Write.BaseLearningRate, req.at)
	}); err != nil {
		return recordErrorResult{}, err
	}

	fixes, err := e.candidateFixesFor(req.ctx, fpID)
	if err != nil {
		return recordErrorResult{}, err
	}
	return recordErrorResult{neuron: normNeuron, fixes: fixes}, nil
}

// candidateFixesFor returns previously-resolved fix paths reachable from a
// fingerprint neuron via its strongest outgoing synapses.
func (e *Engine) candidateFixesFor(ctx context.Context, fingerprintID string) ([]boundary.CandidateFix, error) {
	edges, err := e.store.OutgoingSynapses(ctx, fingerprintID, e.settings.Recall.FingerprintSynapseWeightMin, e.settings.Recall.TopSynapsesPerSeed)
	if err != nil {
		return nil, err
	}
	var fixes []boundary.CandidateFix
	for _, edge := range edges {
		t, path, err := core.SplitNeuronID(edge.TargetID)
		if err != nil || t != core.NeuronFile {
			continue
		}
		fixes = append(fixes, boundary.CandidateFix{Path: path, Label: "previously resolved this error shape"})
	}
	return fixes, nil
}

type resolveErrorRequest struct {
	ctx      context.Context
	raw      string
	fixPaths []string
	context  string
}

// ResolveError implements boundary.ObservationSource.
func (e *Engine) ResolveError(ctx context.Context, raw string, fixPaths []string, context string) error {
	_, err := e.submit(ctx, opResolveError, resolveErrorRequest{ctx: ctx, raw: raw, fixPaths: fixPaths, context: context})
	return err
}

// doResolveError is the one write path that sets synapse weight directly:
// each fix path is recorded as a file neuron and wired bidirectionally to
// both the normalized error and its fingerprint at ResolveWeight, bypassing
// incremental Hebbian growth entirely.
func (e *Engine) doResolveError(req resolveErrorRequest) error {
	normalized := errorcanon.Normalize(req.raw)
	_, _, fingerprint := errorcanon.Fingerprint(req.raw)
	normID := core.NeuronID(core.NeuronError, normalized)
	fpID := core.NeuronID(core.NeuronError, fingerprint)
	now := time.Now()

	return e.store.WithTx(req.ctx, func(tx *sql.Tx) error {
		for _, path := range req.fixPaths {
			fileID := core.NeuronID(core.NeuronFile, path)
			row := &store.NeuronRow{ID: fileID, Type: core.NeuronFile, Path: path, Activation: 1.0, LastAccessed: now, CreatedAt: now}
			if req.context != "" {
				row.Contexts = []string{req.context}
			}
			if err := e.store.UpsertNeuron(req.ctx, tx, row); err != nil {
				return err
			}
			for _, errID := range []string{normID, fpID} {
				if err := e.store.SetSynapseWeight(req.ctx, tx, errID, fileID, e.settings.Write.ResolveWeight, now); err != nil {
					return err
				}
				if err := e.store.SetSynapseWeight(req.ctx, tx, fileID, errID, e.settings.Write.ResolveWeight, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (e *Engine) currentSessionID() string {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.sessionID
}
