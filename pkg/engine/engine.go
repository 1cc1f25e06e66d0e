// Package engine implements the associative-memory engine: the Hebbian
// write path, the multi-phase recall pipeline, maintenance (decay) and
// consolidation passes, and the smaller auxiliary operations (anti-recall,
// predict_next, project tagging, hub/staleness reporting, intent capture).
// The Store below it knows nothing about any of this; every weight formula,
// gate, and threshold lives here.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/google/uuid"
	"github.com/mnemo-db/mnemo/pkg/core"
	"github.com/mnemo-db/mnemo/pkg/embeddings"
	"github.com/mnemo-db/mnemo/pkg/store"
)

// Engine is the sole entry point for associative-memory behavior. One
// instance owns one Store, one embedding Provider, and the in-memory state
// (sequential window, tool chain, per-session bookkeeping) that does not
// survive a restart on its own — it is reconstructed from the access log.
type Engine struct {
	store    *store.Store
	settings *core.Settings
	embedder embeddings.Provider

	// stateMu guards everything below: the sequential window, the tool
	// chain, and per-session accounting. Most operations that touch this
	// state run on the single worker goroutine, but Recall and
	// ClearCoAccessWindow update it directly from the caller's goroutine,
	// so it is a real mutex, not just documentation.
	stateMu sync.Mutex

	window      *list.List[string]
	windowIndex map[string]*list.Element[string] // neuron id -> element holding that id

	toolChain *list.List[string]

	sessionID      string
	sessionStarted time.Time
	lastEventAt    time.Time
	recalled       map[string]struct{} // this session's recalled-but-unused neuron ids
	opened         map[string]struct{} // this session's opened (recorded) neuron ids

	snippetCacheMu sync.Mutex
	snippetCache   map[string]snippetCacheEntry // content hash -> cached embedding

	ops    chan *operation
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type snippetCacheEntry struct {
	vec     []float32
	expires time.Time
}

// New constructs an Engine over an already-open Store, rebuilds the
// sequential window from the last hour of access-log rows, opens a fresh
// session row, and starts the single-writer worker goroutine.
func New(ctx context.Context, st *store.Store, settings *core.Settings, embedder embeddings.Provider) (*Engine, error) {
	if settings == nil {
		settings = core.DefaultSettings()
	}
	if embedder == nil {
		embedder = embeddings.NewNoopProvider(settings.Embeddings.Dimension)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:          st,
		settings:       settings,
		embedder:       embedder,
		window:      list.New[string](),
		windowIndex: make(map[string]*list.Element[string]),
		toolChain:   list.New[string](),
		recalled:       make(map[string]struct{}),
		opened:         make(map[string]struct{}),
		snippetCache:   make(map[string]snippetCacheEntry),
		ops:            make(chan *operation, 256),
		ctx:            workerCtx,
		cancel:         cancel,
	}

	now := time.Now()
	e.sessionID = uuid.New().String()
	e.sessionStarted = now
	e.lastEventAt = now
	if err := st.CreateSession(ctx, e.sessionID, now); err != nil {
		cancel()
		return nil, fmt.Errorf("create session: %w", err)
	}

	if err := e.rebuildWindow(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("rebuild sequential window: %w", err)
	}

	e.wg.Add(1)
	go e.run()

	return e, nil
}

// rebuildWindow replays the last hour of access-log rows in arrival order,
// re-deriving the sequential window exactly as it would have looked had the
// process never restarted — deduping on reinsertion, then trimming to the
// configured size. This is the one piece of in-memory state that has a
// durable fallback: the access log is its source of truth.
func (e *Engine) rebuildWindow(ctx context.Context) error {
	cutoff := time.Now().Add(-time.Hour)
	rows, err := e.store.AccessLogSince(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, row := range rows {
		e.windowPush(row.NeuronID)
	}
	return nil
}

// windowPush appends id to the tail of the sequential window, moving it
// there if already present, then trims from the front down to the
// configured size. Callers must hold stateMu.
func (e *Engine) windowPush(id string) {
	if el, ok := e.windowIndex[id]; ok {
		e.window.Remove(el)
	}
	e.windowIndex[id] = e.window.PushBack(id)
	for e.window.Len() > e.settings.Window.Size {
		front := e.window.Front()
		if front == nil {
			break
		}
		e.window.Remove(front)
		delete(e.windowIndex, front.Value)
	}
}

// windowSnapshot returns the current window contents, oldest first; a
// caller uses each entry's index as its position for the Hebbian
// positional factor. Callers must hold stateMu.
func (e *Engine) windowSnapshot() []string {
	out := make([]string, 0, e.window.Len())
	for el := e.window.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// clearWindow drops every entry from the sequential window, used by
// ClearCoAccessWindow and by session rotation's fresh start.
func (e *Engine) clearWindow() {
	e.window = list.New[string]()
	e.windowIndex = make(map[string]*list.Element[string])
}

// toolChainPush appends a tool neuron id, capped at ToolChainSize,
// dropping the oldest entry rather than deduping — repeated tool use is a
// meaningful signal for predict_next, unlike the file window.
func (e *Engine) toolChainPush(id string) {
	e.toolChain.PushBack(id)
	for e.toolChain.Len() > e.settings.Window.ToolChainSize {
		front := e.toolChain.Front()
		if front == nil {
			break
		}
		e.toolChain.Remove(front)
	}
}

func (e *Engine) toolChainSnapshot() []string {
	out := make([]string, 0, e.toolChain.Len())
	for el := e.toolChain.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// cachedSnippetEmbedding returns a previously computed embedding for
// content hash h if it has not yet expired.
func (e *Engine) cachedSnippetEmbedding(hash string) ([]float32, bool) {
	e.snippetCacheMu.Lock()
	defer e.snippetCacheMu.Unlock()
	entry, ok := e.snippetCache[hash]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.vec, true
}

func (e *Engine) cacheSnippetEmbedding(hash string, vec []float32) {
	e.snippetCacheMu.Lock()
	defer e.snippetCacheMu.Unlock()
	e.snippetCache[hash] = snippetCacheEntry{vec: vec, expires: time.Now().Add(e.settings.Session.SnippetCacheTTL)}
}

// Close stops the worker goroutine, ends the current session, and closes
// the underlying Store.
func (e *Engine) Close(ctx context.Context) error {
	e.cancel()
	e.wg.Wait()

	hitRate := e.currentHitRate()
	_ = e.store.EndSession(ctx, e.sessionID, time.Now(), hitRate)
	return e.store.Close()
}

func (e *Engine) currentHitRate() float64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	total := len(e.recalled) + len(e.opened)
	if total == 0 {
		return 0
	}
	return float64(len(e.opened)) / float64(total)
}

// SessionID reports the engine's current session identifier.
func (e *Engine) SessionID() string {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.sessionID
}

// Window reports the current sequential window's neuron IDs, oldest first.
func (e *Engine) Window() []string {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.windowSnapshot()
}

// ToolChain reports the current tool-sequence buffer's neuron IDs, oldest
// first. This is the evidence predict_next's tool-transition phase walks.
func (e *Engine) ToolChain() []string {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.toolChainSnapshot()
}
