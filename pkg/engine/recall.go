package engine

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mnemo-db/mnemo/pkg/boundary"
	"github.com/mnemo-db/mnemo/pkg/core"
	"github.com/mnemo-db/mnemo/pkg/errorcanon"
	"github.com/mnemo-db/mnemo/pkg/store"
	"github.com/mnemo-db/mnemo/pkg/textclean"
	"github.com/mnemo-db/mnemo/pkg/vecmath"
)

// admitFunc records a candidate's evidence. label follows the
// activation-path enum (direct, spread(k) via …, myelinated, episodic,
// fingerprint: X, snippet) and is sticky: once a candidate has a label,
// later admissions only raise its score (Collins-and-Loftus convergence —
// keep the original path label).
type admitFunc func(id string, row *store.NeuronRow, score float64, fallback bool, label string)

var sourceExtensions = map[string]struct{}{
	".go": {}, ".ts": {}, ".tsx": {}, ".js": {}, ".jsx": {}, ".py": {}, ".rs": {},
	".java": {}, ".rb": {}, ".c": {}, ".cc": {}, ".cpp": {}, ".h": {}, ".hpp": {},
}

var docExtensions = map[string]struct{}{
	".md": {}, ".txt": {}, ".rst": {}, ".adoc": {},
}

// candidate accumulates evidence for one neuron across recall's phases
// before the final confidence formula and token-budget emission decide
// what the caller actually sees.
type candidate struct {
	row          *store.NeuronRow
	contextScore float64
	viaFallback  bool // admitted only by the myelinated fallback (Phase 3), gated more leniently
	snippets     []boundary.SnippetMatch
	label        string
}

// Recall implements boundary.ObservationSource's six-phase pipeline:
// fingerprint shortcut, keyword and semantic admission, multi-hop spread,
// myelinated fallback, episodic-session mining, and snippet merge. Every
// admitted neuron's final confidence is context_score gated by contextual
// bonuses — a neuron with zero context_score never surfaces regardless of
// how myelinated it is.
func (e *Engine) Recall(ctx context.Context, query string, tokenBudget, limit int, typeFilter core.NeuronType) ([]boundary.RecallResult, error) {
	if err := core.ValidateQuery(query); err != nil {
		return nil, err
	}
	rs := e.settings.Recall
	if tokenBudget <= 0 {
		tokenBudget = rs.DefaultTokenBudget
	}
	if limit <= 0 {
		limit = rs.DefaultLimit
	}

	tokens := textclean.TokenizeNonStopword(query, 2)
	queryEmb, embOK, err := e.tryEmbed(ctx, query)
	if err != nil {
		return nil, err
	}

	candidates := map[string]*candidate{}
	var admit admitFunc = func(id string, row *store.NeuronRow, score float64, fallback bool, label string) {
		c, ok := candidates[id]
		if !ok {
			candidates[id] = &candidate{row: row, contextScore: score, viaFallback: fallback, label: label}
			return
		}
		if score > c.contextScore {
			c.contextScore = score
		}
		c.viaFallback = c.viaFallback && fallback
	}

	seeds, err := e.recallPhase0Fingerprint(ctx, query, admit)
	if err != nil {
		return nil, err
	}
	if err := e.recallPhase1aKeyword(ctx, tokens, admit); err != nil {
		return nil, err
	}
	phase1bSeeds, err := e.recallPhase1bSemantic(ctx, tokens, queryEmb, embOK, admit)
	if err != nil {
		return nil, err
	}
	seeds = append(seeds, phase1bSeeds...)
	for id := range candidates {
		seeds = append(seeds, id)
	}
	if err := e.recallPhase2Spread(ctx, seeds, candidates, admit); err != nil {
		return nil, err
	}
	if len(candidates) < limit {
		if err := e.recallPhase3MyelinatedFallback(ctx, typeFilter, admit); err != nil {
			return nil, err
		}
	}
	if err := e.recallPhase4Episodic(ctx, tokens, admit); err != nil {
		return nil, err
	}
	if err := e.recallPhase5Snippets(ctx, queryEmb, embOK, candidates, admit); err != nil {
		return nil, err
	}

	now := time.Now()
	queryTokenSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		queryTokenSet[t] = struct{}{}
	}

	var ranked []*candidate
	for _, c := range candidates {
		if typeFilter != "" && c.row.Type != typeFilter {
			continue
		}
		if typeFilter != core.NeuronTool && c.row.Type == core.NeuronTool {
			continue
		}
		gate := rs.ConfidenceGate
		if c.viaFallback {
			gate = rs.MyelinatedGate
		}
		confidence := e.recallConfidence(c, queryTokenSet, now)
		if confidence < gate {
			continue
		}
		c.contextScore = confidence // reuse field to carry final confidence into sort/emit
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].contextScore > ranked[j].contextScore })

	var out []boundary.RecallResult
	budget := tokenBudget
	for _, c := range ranked {
		if len(out) >= limit {
			break
		}
		cost := rs.TokensPerFile
		if c.row.Type == core.NeuronTool {
			cost = rs.TokensPerTool
		}
		if cost > budget {
			continue
		}
		budget -= cost
		out = append(out, boundary.RecallResult{
			Neuron:         rowToNeuron(c.row),
			Confidence:     c.contextScore,
			ActivationPath: c.label,
			TokensSaved:    cost,
			Snippets:       c.snippets,
		})
	}

	e.stateMu.Lock()
	for _, r := range out {
		if _, opened := e.opened[r.Neuron.ID]; !opened {
			e.recalled[r.Neuron.ID] = struct{}{}
		}
	}
	e.stateMu.Unlock()

	return out, nil
}

// RecallEpisodic answers from session history alone, skipping the
// keyword/semantic/spread phases — useful for inspecting what usage
// patterns, as opposed to graph structure, would have surfaced for a
// query. It shares recallPhase4Episodic with the main Recall pipeline so
// the two never drift on what counts as episodic evidence.
func (e *Engine) RecallEpisodic(ctx context.Context, query string, limit int) ([]boundary.RecallResult, error) {
	if err := core.ValidateQuery(query); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.settings.Recall.DefaultLimit
	}
	tokens := textclean.TokenizeNonStopword(query, 2)

	candidates := map[string]*candidate{}
	var admit admitFunc = func(id string, row *store.NeuronRow, score float64, fallback bool, label string) {
		c, ok := candidates[id]
		if !ok {
			candidates[id] = &candidate{row: row, contextScore: score, viaFallback: fallback, label: label}
			return
		}
		if score > c.contextScore {
			c.contextScore = score
		}
	}
	if err := e.recallPhase4Episodic(ctx, tokens, admit); err != nil {
		return nil, err
	}

	var ranked []*candidate
	for _, c := range candidates {
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].contextScore > ranked[j].contextScore })

	var out []boundary.RecallResult
	for _, c := range ranked {
		if len(out) >= limit {
			break
		}
		out = append(out, boundary.RecallResult{
			Neuron:         rowToNeuron(c.row),
			Confidence:     c.contextScore,
			ActivationPath: c.label,
		})
	}
	return out, nil
}

func (e *Engine) tryEmbed(ctx context.Context, text string) ([]float32, bool, error) {
	if !e.embedder.Available() {
		return nil, false, nil
	}
	return e.embedder.Embed(ctx, text)
}

// recallPhase0Fingerprint short-circuits straight to an error neuron's
// strongest neighbors when the query itself looks like the error it is
// describing — the normalized+fingerprint form already exists in the
// graph.
func (e *Engine) recallPhase0Fingerprint(ctx context.Context, query string, admit admitFunc) ([]string, error) {
	_, _, fingerprint := errorcanon.Fingerprint(query)
	fpID := core.NeuronID(core.NeuronError, fingerprint)
	row, err := e.store.GetNeuron(ctx, fpID)
	if err != nil {
		if err == core.ErrNeuronNotFound {
			return nil, nil
		}
		return nil, err
	}
	admit(fpID, row, 1.0, false, fmt.Sprintf("fingerprint: %s", fingerprint))
	return []string{fpID}, nil
}

// recallPhase1aKeyword admits every neuron whose path or contexts overlap
// the query's tokens, scored by the fraction of query tokens matched.
// Tool neurons are excluded entirely — they are not direct-recall targets.
func (e *Engine) recallPhase1aKeyword(ctx context.Context, tokens []string, admit admitFunc) error {
	if len(tokens) == 0 {
		return nil
	}
	all, err := e.store.AllNeurons(ctx)
	if err != nil {
		return err
	}
	for _, row := range all {
		if row.Type == core.NeuronTool {
			continue
		}
		haystack := textclean.TokenizeNonStopword(row.Path+" "+strings.Join(row.Contexts, " "), 2)
		hay := make(map[string]struct{}, len(haystack))
		for _, h := range haystack {
			hay[h] = struct{}{}
		}
		matched := 0
		for _, t := range tokens {
			if _, ok := hay[t]; ok {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		score := float64(matched) / float64(len(tokens))
		admit(row.ID, row, score, false, "direct")
	}
	return nil
}

// recallPhase1bSemantic admits neurons via embedding cosine similarity and
// via the filename-stem override: a query token exactly matching a file's
// basename (sans extension) is treated as strong contextual evidence even
// without an embedding model available.
func (e *Engine) recallPhase1bSemantic(ctx context.Context, tokens []string, queryEmb []float32, embOK bool, admit admitFunc) ([]string, error) {
	rs := e.settings.Recall
	var seeds []string

	if embOK {
		rows, err := e.store.ListNeuronsWithEmbedding(ctx, "")
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			score := vecmath.Cosine(queryEmb, row.Embedding)
			if score >= rs.CosineThreshold {
				admit(row.ID, row, score, false, "direct")
				seeds = append(seeds, row.ID)
			}
		}
	}

	fileRows, err := e.store.ListNeuronsByType(ctx, core.NeuronFile)
	if err != nil {
		return nil, err
	}
	for _, row := range fileRows {
		stem := strings.ToLower(strings.TrimSuffix(filepath.Base(row.Path), filepath.Ext(row.Path)))
		if len(stem) < rs.StemMinTokenLen {
			continue
		}
		for _, t := range tokens {
			if t == stem {
				admit(row.ID, row, 0.5, false, "direct")
				seeds = append(seeds, row.ID)
				break
			}
		}
	}
	return seeds, nil
}

// spreadNode is one BFS frontier entry: the propagated score plus the
// chain of path names traversed so far, used to build the "spread(k) via
// …" label if a further hop departs from this node.
type spreadNode struct {
	score float64
	chain string
}

// recallPhase2Spread runs a bounded BFS outward from every admitted seed,
// decaying context_score by each edge's weight and skipping further
// expansion through hub neurons above SpreadOutDegreeCap. Tool neurons may
// be traversed as bridges to keep the chain going but are never admitted
// themselves — the exclusion is at emission, not traversal.
func (e *Engine) recallPhase2Spread(ctx context.Context, seeds []string, candidates map[string]*candidate, admit admitFunc) error {
	rs := e.settings.Recall
	visited := map[string]int{} // id -> hop distance reached
	frontier := map[string]spreadNode{}
	for _, id := range seeds {
		if c, ok := candidates[id]; ok {
			frontier[id] = spreadNode{score: c.contextScore, chain: c.row.Path}
		}
		visited[id] = 0
	}

	for hop := 1; hop <= rs.MaxHops && len(frontier) > 0; hop++ {
		next := map[string]spreadNode{}
		for id, node := range frontier {
			outDeg, err := e.store.OutDegree(ctx, id)
			if err != nil {
				return err
			}
			if outDeg > rs.SpreadOutDegreeCap {
				continue
			}
			edges, err := e.store.OutgoingSynapses(ctx, id, rs.SpreadSynapseWeightMin, rs.TopSynapsesPerSeed)
			if err != nil {
				return err
			}
			for _, edge := range edges {
				if _, seen := visited[edge.TargetID]; seen {
					continue
				}
				target, err := e.store.GetNeuron(ctx, edge.TargetID)
				if err != nil {
					continue
				}
				propagated := node.score * edge.Weight
				if target.Type != core.NeuronTool {
					admit(edge.TargetID, target, propagated, false, fmt.Sprintf("spread(%d) via %s", hop, node.chain))
				}
				next[edge.TargetID] = spreadNode{score: propagated, chain: node.chain + " → " + target.Path}
				visited[edge.TargetID] = hop
			}
		}
		frontier = next
	}
	return nil
}

// recallPhase3MyelinatedFallback covers the case where keyword and
// semantic admission found too little: the network's most consolidated
// neurons of the requested type are offered at a lower confidence gate
// rather than returning nothing.
func (e *Engine) recallPhase3MyelinatedFallback(ctx context.Context, typeFilter core.NeuronType, admit admitFunc) error {
	t := typeFilter
	if t == "" {
		t = core.NeuronFile
	}
	rows, err := e.store.TopMyelinated(ctx, t, e.settings.Recall.TopSnippets)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Myelination <= 0 {
			continue
		}
		admit(row.ID, row, row.Myelination, true, "myelinated")
	}
	return nil
}

// recallPhase4Episodic mines sessions whose queries matched these tokens
// for file neurons accessed frequently within them — evidence from usage
// history rather than the current graph structure.
func (e *Engine) recallPhase4Episodic(ctx context.Context, tokens []string, admit admitFunc) error {
	if len(tokens) == 0 {
		return nil
	}
	since := time.Now().AddDate(0, 0, -e.settings.Recall.EpisodicWindowDays)
	sessionIDs, err := e.store.SessionsWithQueryTokenSince(ctx, tokens, since)
	if err != nil || len(sessionIDs) == 0 {
		return err
	}
	freq, err := e.store.FrequentFileNeuronsInSessions(ctx, sessionIDs)
	if err != nil {
		return err
	}
	maxFreq := 1
	for _, f := range freq {
		if f > maxFreq {
			maxFreq = f
		}
	}
	for id, f := range freq {
		row, err := e.store.GetNeuron(ctx, id)
		if err != nil {
			continue
		}
		admit(id, row, float64(f)/float64(maxFreq), false, "episodic")
	}
	return nil
}

// recallPhase5Snippets attaches matched code snippets to file neurons.
// A parent already admitted gets its confidence boosted toward the best
// snippet match and "+snippet" appended to its label once; a parent not
// otherwise admitted is emitted fresh, labeled "snippet".
func (e *Engine) recallPhase5Snippets(ctx context.Context, queryEmb []float32, embOK bool, candidates map[string]*candidate, admit admitFunc) error {
	if !embOK {
		return nil
	}
	rs := e.settings.Recall
	snippets, err := e.store.SnippetsWithEmbedding(ctx)
	if err != nil {
		return err
	}
	byParent := map[string][]*store.SnippetRow{}
	for _, sn := range snippets {
		byParent[sn.ParentNeuronID] = append(byParent[sn.ParentNeuronID], sn)
	}
	for parentID, snippetRows := range byParent {
		var matches []boundary.SnippetMatch
		best := 0.0
		for _, sn := range snippetRows {
			score := vecmath.Cosine(queryEmb, sn.Embedding)
			if score < rs.SnippetGate {
				continue
			}
			matches = append(matches, boundary.SnippetMatch{
				ID: sn.ID, Name: sn.Name, Kind: string(sn.Kind),
				StartLine: sn.StartLine, EndLine: sn.EndLine, Score: score,
			})
			if score > best {
				best = score
			}
		}
		if len(matches) == 0 {
			continue
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

		c, ok := candidates[parentID]
		if !ok {
			row, err := e.store.GetNeuron(ctx, parentID)
			if err != nil {
				continue
			}
			admit(parentID, row, best, false, "snippet")
			c = candidates[parentID]
			c.snippets = matches
			continue
		}
		c.snippets = append(c.snippets, matches...)
		sort.Slice(c.snippets, func(i, j int) bool { return c.snippets[i].Score > c.snippets[j].Score })
		boosted := math.Max(c.contextScore, best) * rs.SnippetBoostFactor
		if boosted > rs.SnippetBoostCap {
			boosted = rs.SnippetBoostCap
		}
		if boosted > c.contextScore {
			c.contextScore = boosted
		}
		if !strings.HasSuffix(c.label, "+snippet") {
			c.label += "+snippet"
		}
	}
	return nil
}

// recallConfidence implements the multiplicative confidence formula:
// context_score gates everything — a candidate with zero context_score
// scores zero regardless of myelination, recency, or path bonuses.
func (e *Engine) recallConfidence(c *candidate, queryTokens map[string]struct{}, now time.Time) float64 {
	if c.contextScore <= 0 {
		return 0
	}
	rs := e.settings.Recall
	row := c.row

	var bonus float64
	bonus += math.Min(row.Myelination, rs.BonusMyelinationCap) * rs.BonusMyelinationWeight

	ageHours := now.Sub(row.LastAccessed).Hours()
	recency := 1 - ageHours/rs.RecencyWindowHours
	if recency < 0 {
		recency = 0
	}
	if recency > 1 {
		recency = 1
	}
	bonus += recency * rs.BonusRecencyWeight

	pathTokens := textclean.Tokenize(row.Path, 2)
	if len(pathTokens) > 0 {
		matched := 0
		for _, t := range pathTokens {
			if _, ok := queryTokens[t]; ok {
				matched++
			}
		}
		bonus += (float64(matched) / float64(len(pathTokens))) * rs.BonusPathTokenWeight
	}

	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(row.Path), filepath.Ext(row.Path)))
	if _, ok := queryTokens[stem]; ok && stem != "" {
		bonus += rs.BonusStemMatch
	}

	ext := strings.ToLower(filepath.Ext(row.Path))
	if _, ok := sourceExtensions[ext]; ok {
		bonus += rs.BonusSourceExt
	} else if _, ok := docExtensions[ext]; ok {
		bonus += rs.BonusDocExt
	}

	confidence := c.contextScore * (1 + bonus)
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}
