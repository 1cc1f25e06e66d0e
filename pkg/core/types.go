package core

import (
	"fmt"
	"math"
	"strings"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// NeuronType discriminates the four kinds of memory node. All operations
// branch on this at runtime rather than hiding behind separate Go types —
// the Store persists one row shape for every neuron.
type NeuronType string

const (
	NeuronFile     NeuronType = "file"
	NeuronTool     NeuronType = "tool"
	NeuronError    NeuronType = "error"
	NeuronSemantic NeuronType = "semantic"
)

func (t NeuronType) Valid() bool {
	switch t {
	case NeuronFile, NeuronTool, NeuronError, NeuronSemantic:
		return true
	default:
		return false
	}
}

// MaxMyelination is the hard ceiling on long-term consolidation.
const MaxMyelination = 0.95

// MaxContexts bounds the per-neuron context set.
const MaxContexts = 20

// NeuronID builds the stable "<type>:<path>" identity used across the Store
// and the Engine. Neurons are resolved by this id, never by pointer — the
// Store is the sole arbiter of identity.
func NeuronID(t NeuronType, path string) string {
	return string(t) + ":" + path
}

// SplitNeuronID reverses NeuronID, recovering the type and path.
func SplitNeuronID(id string) (NeuronType, string, error) {
	idx := strings.IndexByte(id, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("malformed neuron id %q", id)
	}
	t := NeuronType(id[:idx])
	if !t.Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidNeuronType, t)
	}
	return t, id[idx+1:], nil
}

// ContextSet is a bounded, deduplicated, insertion-ordered set of short
// strings. Re-inserting an existing entry moves it to the back; once the
// cap is exceeded the oldest entry is trimmed from the front.
type ContextSet struct {
	cap int
	om  *orderedmap.OrderedMap[string, struct{}]
}

// NewContextSet builds a ContextSet from a previously persisted slice,
// preserving order, capped at MaxContexts.
func NewContextSet(seed []string) *ContextSet {
	cs := &ContextSet{cap: MaxContexts, om: orderedmap.New[string, struct{}]()}
	for _, s := range seed {
		cs.Append(s)
	}
	return cs
}

// Append adds s to the back of the set, deduplicating and trimming the
// front when the cap is exceeded. A no-op for blank input.
func (cs *ContextSet) Append(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	if _, exists := cs.om.Get(s); exists {
		cs.om.Delete(s)
	}
	cs.om.Set(s, struct{}{})
	for cs.om.Len() > cs.cap {
		oldest := cs.om.Oldest()
		if oldest == nil {
			break
		}
		cs.om.Delete(oldest.Key)
	}
}

// Len reports the number of distinct contexts held.
func (cs *ContextSet) Len() int {
	if cs == nil || cs.om == nil {
		return 0
	}
	return cs.om.Len()
}

// Slice flattens the set to a plain, oldest-first slice for persistence.
func (cs *ContextSet) Slice() []string {
	if cs == nil || cs.om == nil {
		return nil
	}
	out := make([]string, 0, cs.om.Len())
	for pair := cs.om.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Neuron is a directed memory node. Governing invariants: 0 ≤ myelination
// ≤ 0.95, 0 ≤ activation ≤ 1, contexts deduplicated and capped at 20.
type Neuron struct {
	ID           string
	Type         NeuronType
	Path         string
	Activation   float64
	Myelination  float64
	AccessCount  int64
	LastAccessed time.Time
	CreatedAt    time.Time
	Contexts     *ContextSet
	Embedding    []float32
	Project      string
	IgnoreStreak int
}

// NewNeuron creates a freshly-observed neuron "born hot": full activation,
// zero myelination, one access already counted.
func NewNeuron(t NeuronType, path string, now time.Time) *Neuron {
	return &Neuron{
		ID:           NeuronID(t, path),
		Type:         t,
		Path:         path,
		Activation:   1.0,
		Myelination:  0,
		AccessCount:  1,
		LastAccessed: now,
		CreatedAt:    now,
		Contexts:     NewContextSet(nil),
	}
}

// ClampMyelination enforces the hard ceiling, used both on write and when
// reloading rows from the store.
func ClampMyelination(m float64) float64 {
	if m < 0 {
		return 0
	}
	if m > MaxMyelination {
		return MaxMyelination
	}
	return m
}

// ClampActivation enforces the [0,1] activation range.
func ClampActivation(a float64) float64 {
	if a < 0 {
		return 0
	}
	if a > 1 {
		return 1
	}
	return a
}

// ClampWeight enforces the [0,1] synapse weight range.
func ClampWeight(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

// IsMyelinated reports whether a neuron qualifies as a "superhighway".
func (n *Neuron) IsMyelinated() bool {
	return n.Myelination > 0.5
}

// IsDormant flags a neuron as eligible for dead-neuron pruning.
func (n *Neuron) IsDormant() bool {
	return n.Activation < 0.01 && n.Myelination < 0.01 && n.AccessCount < 2
}

// Synapse is a directed weighted edge recording that two neurons fired
// together. Edges are stored in both directions independently; the Store
// owns identity, the Engine never holds a pointer across mutations.
type Synapse struct {
	SourceID      string
	TargetID      string
	Weight        float64
	CoAccessCount int64
	LastFired     time.Time
	CreatedAt     time.Time
	TaggedAt      *time.Time
}

// NewSynapse creates a freshly-observed synapse, tagged at birth.
func NewSynapse(source, target string, weight float64, now time.Time) *Synapse {
	return &Synapse{
		SourceID:      source,
		TargetID:      target,
		Weight:        ClampWeight(weight),
		CoAccessCount: 1,
		LastFired:     now,
		CreatedAt:     now,
		TaggedAt:      &now,
	}
}

// IsTagged reports whether the synapse still carries a live tag-and-capture
// marker within the capture window.
func (s *Synapse) IsTagged(now time.Time, captureWindow time.Duration) bool {
	if s.TaggedAt == nil {
		return false
	}
	return now.Sub(*s.TaggedAt) <= captureWindow
}

// SNAP is the plasticity sigmoid that makes strong synapses resistant to
// further strengthening: σ(w) = 1 / (1 + exp(8·(w - 0.5))).
func SNAP(weight float64) float64 {
	return 1.0 / (1.0 + math.Exp(8*(weight-0.5)))
}

// AccessLogEntry is one append-only row per record call.
type AccessLogEntry struct {
	ID          int64
	NeuronID    string
	SessionID   string
	Query       string
	Timestamp   time.Time
	TokenCost   int
	AccessOrder int64
}

// Session aggregates per-session counters and an optional operator intent.
type Session struct {
	ID            string
	StartedAt     time.Time
	EndedAt       *time.Time
	TotalAccesses int64
	TokensUsed    int64
	TokensSaved   int64
	HitRate       float64
	Intent        string
}

// SnippetKind enumerates the structural shapes an external extractor may
// populate the snippet table with.
type SnippetKind string

const (
	SnippetFunction SnippetKind = "function"
	SnippetClass    SnippetKind = "class"
	SnippetMethod   SnippetKind = "method"
	SnippetStruct   SnippetKind = "struct"
	SnippetTrait    SnippetKind = "trait"
	SnippetEnum     SnippetKind = "enum"
)

// Snippet is populated by an external extractor but read directly by
// recall Phase 5; it cascades on deletion of its parent file neuron.
type Snippet struct {
	ID             string
	ParentNeuronID string
	Name           string
	Kind           SnippetKind
	StartLine      int
	EndLine        int
	Source         string
	Embedding      []float32
	ContentHash    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
