// Package boundary describes, as thin Go interfaces, what external
// collaborators provide to and consume from the engine. Nothing here
// carries logic: a coding-agent hook, a file-system watcher, or a
// bootstrap scanner depends on this package instead of importing
// pkg/engine directly, so the engine's internals stay free to change
// without rippling into the much larger surface of outer integrations.
//
// The three interfaces split by who is calling: ObservationSource is the
// contract a hook or similar live-integration point uses to feed record
// events and read back recall results; SeedSource is the narrower
// contract a one-shot bootstrap scanner (commit-history walker,
// import-graph scanner, session-log importer) uses to pre-populate the
// graph without going through the Hebbian write path; FileWatchSource is
// the contract a persistent file-system watcher uses to report file
// changes and drive session rotation.
package boundary

import (
	"context"
	"time"

	"github.com/mnemo-db/mnemo/pkg/core"
)

// RecallResult mirrors one ranked entry from the engine's recall pass.
// Defined here rather than imported from pkg/engine so that boundary
// adapters never need to import the engine's internal result types —
// this is the entire contract they see.
type RecallResult struct {
	Neuron         *core.Neuron
	Confidence     float64
	ActivationPath string
	TokensSaved    int
	Snippets       []SnippetMatch
}

// SnippetMatch is a single matched code snippet attached to a recall
// result.
type SnippetMatch struct {
	ID        string
	Name      string
	Kind      string
	StartLine int
	EndLine   int
	Score     float64
}

// CandidateFix is one suggestion returned alongside a newly recorded
// error, found either via direct traversal or via fingerprint match
// against a previously resolved error of the same shape.
type CandidateFix struct {
	Path  string
	Label string
}

// ObservationSource is implemented by the engine and consumed by live
// integrations — a coding-agent hook, a message-broker bridge, an
// interactive shell wrapper — that translate tool-call events into
// engine calls. Each method corresponds directly to an engine write or
// read operation; callers are expected to wrap every call in their own
// timeout (4 seconds is the reference default) and treat a timeout as
// "no recall" rather than an error.
type ObservationSource interface {
	// Record upserts a neuron for path/type, strengthens its synapses
	// against the current sequential window, and appends an access-log
	// row. query is the triggering search string, if any.
	Record(ctx context.Context, path string, t core.NeuronType, query string, at time.Time) (*core.Neuron, error)

	// RecordError normalizes raw, records it (and its fingerprint) as
	// error neurons, wires them together, and attempts an immediate
	// recall for candidate fixes.
	RecordError(ctx context.Context, raw, query string, at time.Time) (errorNeuron *core.Neuron, fixes []CandidateFix, err error)

	// ResolveError records each fix path as a file neuron and wires it
	// bidirectionally to both the normalized error and its fingerprint
	// at a fixed weight — the one write path that sets synapse weight
	// directly instead of growing it incrementally.
	ResolveError(ctx context.Context, raw string, fixPaths []string, context string) error

	// Recall runs the multi-phase recall pipeline and returns ranked
	// results within tokenBudget. typeFilter, if non-empty, restricts
	// results to one neuron type.
	Recall(ctx context.Context, query string, tokenBudget, limit int, typeFilter core.NeuronType) ([]RecallResult, error)
}

// SeedSource is implemented by the engine and consumed by one-shot
// bootstrap collaborators that pre-populate the graph from signals the
// engine cannot observe directly: a version-control-history walker
// deriving co-occurrence weights from commits, an import-graph scanner,
// a filename-pattern scanner, a wiki-link scanner, a session-log
// importer replaying past sessions. None of these calls touch the
// sequential window or apply Hebbian growth — they write pre-scored
// edges the live write path will later strengthen through ordinary use.
type SeedSource interface {
	// SeedNeuron upserts a neuron at activation 0.5, myelination 0,
	// attaching firstContext if non-empty. Does not touch the window.
	SeedNeuron(ctx context.Context, path string, t core.NeuronType, firstContext string) (*core.Neuron, error)

	// SeedSynapse writes a bidirectional synapse between pathA and
	// pathB using MAX(existing, weight) semantics. coAccessCount, if
	// greater than zero, overrides the default of 1.
	SeedSynapse(ctx context.Context, pathA, pathB string, typeA, typeB core.NeuronType, weight float64, coAccessCount int) error

	// AppendContext appends context to neuronID's bounded context set,
	// respecting the cap and de-duplicating on re-insertion.
	AppendContext(ctx context.Context, neuronID, context string) error

	// ClearCoAccessWindow drops the in-memory sequential window,
	// signaling a logical boundary (such as a commit) that should not
	// itself imply co-access between what came before and after it.
	ClearCoAccessWindow() error
}

// FileChangeKind discriminates the events a file-system watcher reports.
type FileChangeKind string

const (
	FileCreated  FileChangeKind = "created"
	FileModified FileChangeKind = "modified"
	FileDeleted  FileChangeKind = "deleted"
	FileRenamed  FileChangeKind = "renamed"
)

// FileChangeEvent is one debounced batch entry delivered by a watcher.
type FileChangeEvent struct {
	Path    string
	Kind    FileChangeKind
	At      time.Time
	OldPath string // set when Kind == FileRenamed
}

// FileWatchSource is implemented by the engine and consumed by a
// persistent file-system watcher. The watcher owns its own debounced
// batching; it delivers one event at a time here. Session identifiers
// rotate after a configured idle gap; rotation also triggers decay and
// consolidation, both invoked internally by the engine, not by the
// watcher.
type FileWatchSource interface {
	// NotifyFileChange reports one file-change event to the engine. A
	// deletion does not remove the neuron — it is left to decay-phase
	// orphan pruning — a rename records both the new and, via
	// OldPath, a synapse to the old identity so history is not lost.
	NotifyFileChange(ctx context.Context, ev FileChangeEvent) error

	// NotifyIdle reports that idleGap has elapsed since the last
	// observed event, giving the engine the chance to rotate the
	// current session and run its maintenance pass. Returns whether a
	// rotation actually occurred (it is a no-op if new events arrived
	// between the watcher's timer firing and this call).
	NotifyIdle(ctx context.Context, idleGap time.Duration, at time.Time) (rotated bool, err error)

	// MaybeReextractSnippets signals that path's content changed
	// enough to warrant re-running the external snippet extractor;
	// the engine itself does not extract snippets, it only clears the
	// stale ones so the next extraction pass starts empty.
	MaybeReextractSnippets(ctx context.Context, path string) error
}
