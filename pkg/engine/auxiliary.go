package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mnemo-db/mnemo/pkg/boundary"
	"github.com/mnemo-db/mnemo/pkg/core"
	"github.com/mnemo-db/mnemo/pkg/store"
	"github.com/mnemo-db/mnemo/pkg/textclean"
)

type seedNeuronRequest struct {
	ctx          context.Context
	path         string
	typ          core.NeuronType
	firstContext string
}

// SeedNeuron implements boundary.SeedSource.
func (e *Engine) SeedNeuron(ctx context.Context, path string, t core.NeuronType, firstContext string) (*core.Neuron, error) {
	if err := core.ValidatePath(path); err != nil {
		return nil, err
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidNeuronType, t)
	}
	res, err := e.submit(ctx, opSeedNeuron, seedNeuronRequest{ctx: ctx, path: path, typ: t, firstContext: firstContext})
	if err != nil {
		return nil, err
	}
	return res.(*core.Neuron), nil
}

// doSeedNeuron upserts a neuron at activation 0.5, myelination 0 — the
// bootstrap baseline, distinct from the 1.0/existing-preserving baseline
// doRecord uses for a live access. It never touches the sequential window.
func (e *Engine) doSeedNeuron(req seedNeuronRequest) (*core.Neuron, error) {
	id := core.NeuronID(req.typ, req.path)
	now := time.Now()
	var neuron *core.Neuron
	err := e.store.WithTx(req.ctx, func(tx *sql.Tx) error {
		row, err := seedRow(req.ctx, e.store, tx, id, req.typ, req.path, req.firstContext, now)
		if err != nil {
			return err
		}
		neuron = rowToNeuron(row)
		return nil
	})
	return neuron, err
}

// seedRow upserts the minimal bootstrap neuron, preserving any existing
// row's activation/myelination/contexts rather than resetting them.
func seedRow(ctx context.Context, st *store.Store, tx *sql.Tx, id string, t core.NeuronType, path, firstContext string, now time.Time) (*store.NeuronRow, error) {
	existing, err := st.GetNeuron(ctx, id)
	row := &store.NeuronRow{ID: id, Type: t, Path: path, Activation: 0.5, Myelination: 0, LastAccessed: now, CreatedAt: now}
	if err == nil {
		row.Activation = existing.Activation
		row.Myelination = existing.Myelination
		row.Contexts = existing.Contexts
		row.CreatedAt = existing.CreatedAt
		row.Project = existing.Project
	} else if err != core.ErrNeuronNotFound {
		return nil, err
	}
	if firstContext != "" {
		cs := core.NewContextSet(row.Contexts)
		cs.Append(firstContext)
		row.Contexts = cs.Slice()
	}
	if err := st.UpsertNeuron(ctx, tx, row); err != nil {
		return nil, err
	}
	return st.GetNeuron(ctx, id)
}

type seedSynapseRequest struct {
	ctx           context.Context
	pathA, pathB  string
	typeA, typeB  core.NeuronType
	weight        float64
	coAccessCount int
}

// SeedSynapse implements boundary.SeedSource.
func (e *Engine) SeedSynapse(ctx context.Context, pathA, pathB string, typeA, typeB core.NeuronType, weight float64, coAccessCount int) error {
	_, err := e.submit(ctx, opSeedSynapse, seedSynapseRequest{ctx: ctx, pathA: pathA, pathB: pathB, typeA: typeA, typeB: typeB, weight: weight, coAccessCount: coAccessCount})
	return err
}

// doSeedSynapse writes a bidirectional edge at MAX(existing, weight),
// seeding either endpoint neuron if it does not already exist.
func (e *Engine) doSeedSynapse(req seedSynapseRequest) error {
	idA := core.NeuronID(req.typeA, req.pathA)
	idB := core.NeuronID(req.typeB, req.pathB)
	now := time.Now()

	return e.store.WithTx(req.ctx, func(tx *sql.Tx) error {
		if _, err := seedRow(req.ctx, e.store, tx, idA, req.typeA, req.pathA, "", now); err != nil {
			return err
		}
		if _, err := seedRow(req.ctx, e.store, tx, idB, req.typeB, req.pathB, "", now); err != nil {
			return err
		}
		for _, pair := range [][2]string{{idA, idB}, {idB, idA}} {
			weight := req.weight
			if existing, err := e.store.GetSynapse(req.ctx, pair[0], pair[1]); err == nil && existing.Weight > weight {
				weight = existing.Weight
			}
			if err := e.store.SetSynapseWeight(req.ctx, tx, pair[0], pair[1], weight, now); err != nil {
				return err
			}
			if req.coAccessCount > 0 {
				const q = `UPDATE synapses SET co_access_count = ? WHERE source_id = ? AND target_id = ?`
				if _, err := tx.ExecContext(req.ctx, q, req.coAccessCount, pair[0], pair[1]); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

type appendContextRequest struct {
	ctx      context.Context
	neuronID string
	context  string
}

// AppendContext implements boundary.SeedSource.
func (e *Engine) AppendContext(ctx context.Context, neuronID, context string) error {
	_, err := e.submit(ctx, opAppendContext, appendContextRequest{ctx: ctx, neuronID: neuronID, context: context})
	return err
}

func (e *Engine) doAppendContext(req appendContextRequest) error {
	return e.store.WithTx(req.ctx, func(tx *sql.Tx) error {
		existing, err := e.store.GetNeuron(req.ctx, req.neuronID)
		if err != nil {
			return err
		}
		cs := core.NewContextSet(existing.Contexts)
		cs.Append(req.context)
		existing.Contexts = cs.Slice()
		return e.store.UpsertNeuron(req.ctx, tx, existing)
	})
}

// ClearCoAccessWindow implements boundary.SeedSource. It has no context
// parameter, so it is applied directly under stateMu rather than queued
// through the worker — there is no store I/O to serialize.
func (e *Engine) ClearCoAccessWindow() error {
	e.stateMu.Lock()
	e.clearWindow()
	e.stateMu.Unlock()
	return nil
}

type fileChangeRequest struct {
	ctx context.Context
	ev  boundary.FileChangeEvent
}

// NotifyFileChange implements boundary.FileWatchSource.
func (e *Engine) NotifyFileChange(ctx context.Context, ev boundary.FileChangeEvent) error {
	_, err := e.submit(ctx, opFileChange, fileChangeRequest{ctx: ctx, ev: ev})
	return err
}

// doFileChange records the idle-gap clock tick and, for create/modify,
// touches the neuron's last-accessed timestamp without strengthening any
// synapse (a file change is not itself a co-access signal). A rename
// preserves the old identity as a strong direct synapse to the new one so
// history recorded under the old path is not orphaned; a delete is left
// alone entirely, to be swept up later by orphan pruning.
func (e *Engine) doFileChange(req fileChangeRequest) error {
	e.stateMu.Lock()
	e.lastEventAt = req.ev.At
	e.stateMu.Unlock()

	switch req.ev.Kind {
	case boundary.FileDeleted:
		return nil
	case boundary.FileRenamed:
		oldID := core.NeuronID(core.NeuronFile, req.ev.OldPath)
		newID := core.NeuronID(core.NeuronFile, req.ev.Path)
		return e.store.WithTx(req.ctx, func(tx *sql.Tx) error {
			if _, err := seedRow(req.ctx, e.store, tx, newID, core.NeuronFile, req.ev.Path, "", req.ev.At); err != nil {
				return err
			}
			if err := e.store.SetSynapseWeight(req.ctx, tx, oldID, newID, 1.0, req.ev.At); err != nil {
				return err
			}
			return e.store.SetSynapseWeight(req.ctx, tx, newID, oldID, 1.0, req.ev.At)
		})
	default: // created, modified
		id := core.NeuronID(core.NeuronFile, req.ev.Path)
		return e.store.WithTx(req.ctx, func(tx *sql.Tx) error {
			existing, err := e.store.GetNeuron(req.ctx, id)
			if err == core.ErrNeuronNotFound {
				_, err := seedRow(req.ctx, e.store, tx, id, core.NeuronFile, req.ev.Path, "", req.ev.At)
				return err
			}
			if err != nil {
				return err
			}
			existing.LastAccessed = req.ev.At
			return e.store.UpsertNeuron(req.ctx, tx, existing)
		})
	}
}

type notifyIdleRequest struct {
	ctx     context.Context
	idleGap time.Duration
	at      time.Time
}

// NotifyIdle implements boundary.FileWatchSource. Rotation applies
// anti-recall to every neuron recalled but never opened this session, ends
// the current session, clears per-session bookkeeping, starts a fresh
// session, and runs decay followed by consolidation — the only place
// either maintenance pass is triggered automatically rather than by an
// explicit CLI verb.
func (e *Engine) NotifyIdle(ctx context.Context, idleGap time.Duration, at time.Time) (bool, error) {
	res, err := e.submit(ctx, opNotifyIdle, notifyIdleRequest{ctx: ctx, idleGap: idleGap, at: at})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (e *Engine) doNotifyIdle(req notifyIdleRequest) (bool, error) {
	e.stateMu.Lock()
	elapsed := req.at.Sub(e.lastEventAt)
	e.stateMu.Unlock()
	if elapsed < req.idleGap {
		return false, nil
	}

	e.stateMu.Lock()
	var ignored []string
	for id := range e.recalled {
		if _, ok := e.opened[id]; !ok {
			ignored = append(ignored, id)
		}
	}
	e.stateMu.Unlock()
	for _, id := range ignored {
		if err := e.doAntiRecall(antiRecallRequest{ctx: req.ctx, neuronID: id}); err != nil && err != core.ErrNeuronNotFound {
			return false, err
		}
	}

	oldSessionID := e.currentSessionID()
	if err := e.store.EndSession(req.ctx, oldSessionID, req.at, e.currentHitRate()); err != nil {
		return false, err
	}

	newSessionID := uuid.New().String()
	if err := e.store.CreateSession(req.ctx, newSessionID, req.at); err != nil {
		return false, err
	}

	e.stateMu.Lock()
	e.sessionID = newSessionID
	e.sessionStarted = req.at
	e.clearWindow()
	e.recalled = map[string]struct{}{}
	e.opened = map[string]struct{}{}
	e.stateMu.Unlock()

	if _, err := e.doDecay(req.ctx); err != nil {
		return false, err
	}
	if _, err := e.doConsolidate(req.ctx); err != nil {
		return false, err
	}
	return true, nil
}

// MaybeReextractSnippets implements boundary.FileWatchSource. The engine
// does not run the snippet extractor itself; it only drops the stale
// snippets for path so the next extraction pass starts clean.
func (e *Engine) MaybeReextractSnippets(ctx context.Context, path string) error {
	_, err := e.submit(ctx, opReextractSnippets, path)
	return err
}

func (e *Engine) doMaybeReextractSnippets(path string) error {
	id := core.NeuronID(core.NeuronFile, path)
	return e.store.DeleteSnippetsForParent(context.Background(), id)
}

type antiRecallRequest struct {
	ctx      context.Context
	neuronID string
}

// AntiRecall signals that a previously recalled neuron was judged
// irrelevant. The first ignore applies a flat weaken to every synapse
// touching it; repeated ignores escalate by compounding the base-weaken
// factor against the growing ignore streak, floored so an edge is
// discouraged rather than annihilated.
func (e *Engine) AntiRecall(ctx context.Context, neuronID string) error {
	_, err := e.submit(ctx, opAntiRecall, antiRecallRequest{ctx: ctx, neuronID: neuronID})
	return err
}

func (e *Engine) doAntiRecall(req antiRecallRequest) error {
	as := e.settings.Auxiliary
	return e.store.WithTx(req.ctx, func(tx *sql.Tx) error {
		existing, err := e.store.GetNeuron(req.ctx, req.neuronID)
		if err != nil {
			return err
		}
		streak := existing.IgnoreStreak + 1

		factor := as.AntiRecallFlatWeaken
		if streak > 1 {
			factor = 1 - math.Pow(1-as.AntiRecallBaseWeaken, float64(streak))
		}

		edges, err := e.store.IncidentSynapses(req.ctx, req.neuronID)
		if err != nil {
			return err
		}
		for _, syn := range edges {
			if err := e.store.WeakenSynapse(req.ctx, tx, syn.SourceID, syn.TargetID, factor, as.AntiRecallFloor); err != nil {
				return err
			}
		}
		return e.store.UpdateNeuronFields(req.ctx, tx, req.neuronID, existing.Activation, existing.Myelination, &streak)
	})
}

// Prediction is one ranked suggestion for what the caller is likely to
// touch next, derived from the last tool in the tool chain's outgoing
// synapses.
type Prediction struct {
	Path  string
	Score float64
}

// PredictNext returns the top predicted tools and files following the
// most recently recorded tool call.
func (e *Engine) PredictNext(ctx context.Context) (tools, files []Prediction, err error) {
	res, err := e.submit(ctx, opPredictNext, ctx)
	if err != nil {
		return nil, nil, err
	}
	pair := res.([2][]Prediction)
	return pair[0], pair[1], nil
}

func (e *Engine) doPredictNext(ctx context.Context) ([2][]Prediction, error) {
	as := e.settings.Auxiliary
	e.stateMu.Lock()
	chain := e.toolChainSnapshot()
	e.stateMu.Unlock()
	if len(chain) == 0 {
		return [2][]Prediction{}, nil
	}
	last := chain[len(chain)-1]

	edges, err := e.store.OutgoingSynapses(ctx, last, as.PredictSynapseWeightMin, as.PredictTopTools+as.PredictTopFiles+10)
	if err != nil {
		return [2][]Prediction{}, err
	}

	var toolPreds, filePreds []Prediction
	for _, edge := range edges {
		target, err := e.store.GetNeuron(ctx, edge.TargetID)
		if err != nil {
			continue
		}
		score := edge.Weight * (1 + target.Myelination)
		if score > as.PredictScoreCap {
			score = as.PredictScoreCap
		}
		p := Prediction{Path: target.Path, Score: score}
		switch target.Type {
		case core.NeuronTool:
			toolPreds = append(toolPreds, p)
		case core.NeuronFile:
			filePreds = append(filePreds, p)
		}
	}
	sort.Slice(toolPreds, func(i, j int) bool { return toolPreds[i].Score > toolPreds[j].Score })
	sort.Slice(filePreds, func(i, j int) bool { return filePreds[i].Score > filePreds[j].Score })
	if len(toolPreds) > as.PredictTopTools {
		toolPreds = toolPreds[:as.PredictTopTools]
	}
	if len(filePreds) > as.PredictTopFiles {
		filePreds = filePreds[:as.PredictTopFiles]
	}
	return [2][]Prediction{toolPreds, filePreds}, nil
}

type tagProjectRequest struct {
	ctx        context.Context
	pathPrefix string
	project    string
}

// TagProject stamps every file neuron whose path starts with pathPrefix
// with project, returning the number of neurons touched.
func (e *Engine) TagProject(ctx context.Context, pathPrefix, project string) (int64, error) {
	res, err := e.submit(ctx, opTagProject, tagProjectRequest{ctx: ctx, pathPrefix: pathPrefix, project: project})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (e *Engine) doTagProject(req tagProjectRequest) (int64, error) {
	return e.store.SetNeuronProject(req.ctx, req.pathPrefix, req.project)
}

// ProjectNeurons lists every neuron tagged with project — the read side
// of TagProject, served directly since it does not mutate anything.
func (e *Engine) ProjectNeurons(ctx context.Context, project string) ([]*core.Neuron, error) {
	rows, err := e.store.NeuronsByProject(ctx, project)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Neuron, len(rows))
	for i, row := range rows {
		out[i] = rowToNeuron(row)
	}
	return out, nil
}

// Hub is one highly-connected neuron reported by Hubs.
type Hub struct {
	Neuron      *core.Neuron
	OutDegree   int
	TopWeighted []*core.Neuron
}

// Hubs reports the most-connected neurons of t, each with its strongest
// outgoing neighbors, for the `hubs` CLI verb.
func (e *Engine) Hubs(ctx context.Context, t core.NeuronType, limit int) ([]Hub, error) {
	as := e.settings.Auxiliary
	if limit <= 0 {
		limit = as.HubsDefaultLimit
	}
	rows, err := e.store.ListNeuronsByType(ctx, t)
	if err != nil {
		return nil, err
	}
	type scored struct {
		row      *store.NeuronRow
		outDeg   int
	}
	var withDeg []scored
	for _, row := range rows {
		outDeg, err := e.store.OutDegree(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		withDeg = append(withDeg, scored{row: row, outDeg: outDeg})
	}
	sort.Slice(withDeg, func(i, j int) bool { return withDeg[i].outDeg > withDeg[j].outDeg })
	if len(withDeg) > limit {
		withDeg = withDeg[:limit]
	}
	out := make([]Hub, len(withDeg))
	for i, s := range withDeg {
		edges, err := e.store.OutgoingSynapses(ctx, s.row.ID, 0, as.HubsTopConnections)
		if err != nil {
			return nil, err
		}
		var neighbors []*core.Neuron
		for _, edge := range edges {
			n, err := e.store.GetNeuron(ctx, edge.TargetID)
			if err != nil {
				continue
			}
			neighbors = append(neighbors, rowToNeuron(n))
		}
		out[i] = Hub{Neuron: rowToNeuron(s.row), OutDegree: s.outDeg, TopWeighted: neighbors}
	}
	return out, nil
}

// StaleNeuron pairs a neuron with the myelination it would have lost had
// decay run once per day since its last access, for the `stale` CLI verb
// — a preview, since it does not write anything.
type StaleNeuron struct {
	Neuron            *core.Neuron
	DaysSinceAccess   float64
	ProjectedMyelinLoss float64
}

// Stale previews how much myelination each neuron has effectively lost to
// inactivity, ranked worst first, without mutating the store.
func (e *Engine) Stale(ctx context.Context, limit int) ([]StaleNeuron, error) {
	as := e.settings.Auxiliary
	neurons, err := e.store.AllNeurons(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]StaleNeuron, 0, len(neurons))
	for _, n := range neurons {
		days := now.Sub(n.LastAccessed).Hours() / 24
		loss := n.Myelination * (1 - math.Pow(as.StaleDecayPerDay, days))
		out = append(out, StaleNeuron{Neuron: rowToNeuron(n), DaysSinceAccess: days, ProjectedMyelinLoss: loss})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectedMyelinLoss > out[j].ProjectedMyelinLoss })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type setIntentRequest struct {
	ctx    context.Context
	intent string
}

// SetIntent records a free-text statement of the current session's goal.
func (e *Engine) SetIntent(ctx context.Context, intent string) error {
	_, err := e.submit(ctx, opSetIntent, setIntentRequest{ctx: ctx, intent: intent})
	return err
}

func (e *Engine) doSetIntent(req setIntentRequest) error {
	return e.store.SetSessionIntent(req.ctx, e.currentSessionID(), req.intent)
}

// CaptureSessionContext distills the current session's recorded queries
// into a semantic neuron (id "semantic:session:<id>") built from the most
// frequent non-stopword tokens, so a later cross-session or semantic
// recall can surface "what was I doing in that session" style queries.
func (e *Engine) CaptureSessionContext(ctx context.Context) error {
	_, err := e.submit(ctx, opCaptureSessionContext, ctx)
	return err
}

func (e *Engine) doCaptureSessionContext(ctx context.Context) error {
	as := e.settings.Auxiliary
	sessionID := e.currentSessionID()
	rows, err := e.store.AccessLogForSession(ctx, sessionID)
	if err != nil {
		return err
	}

	freq := map[string]int{}
	for _, row := range rows {
		if row.Query == "" {
			continue
		}
		for _, tok := range textclean.TokenizeNonStopword(row.Query, as.IntentMinTokenLen) {
			freq[tok]++
		}
	}
	if len(freq) == 0 {
		return nil
	}
	tokens := make([]string, 0, len(freq))
	for t := range freq {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return freq[tokens[i]] > freq[tokens[j]] })
	if len(tokens) > as.IntentTopTokens {
		tokens = tokens[:as.IntentTopTokens]
	}

	path := "session:" + sessionID
	id := core.NeuronID(core.NeuronSemantic, path)
	now := time.Now()
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := &store.NeuronRow{
			ID: id, Type: core.NeuronSemantic, Path: path,
			Activation: 1.0, LastAccessed: now, CreatedAt: now,
			Contexts: []string{strings.Join(tokens, " ")},
		}
		return e.store.UpsertNeuron(ctx, tx, row)
	})
}
