package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnemo-db/mnemo/pkg/core"
	"github.com/mnemo-db/mnemo/pkg/embeddings"
	"github.com/mnemo-db/mnemo/pkg/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mnemo.db")
	st, err := store.Open(path, 5*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e, err := New(context.Background(), st, core.DefaultSettings(), embeddings.NewNoopProvider(384))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestNewCreatesSessionRow(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.store.GetSession(context.Background(), e.SessionID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.ID != e.SessionID() {
		t.Fatalf("session id mismatch: %s != %s", sess.ID, e.SessionID())
	}
}

func TestWindowPushDedupsAndTrims(t *testing.T) {
	e := newTestEngine(t)
	e.settings.Window.Size = 3

	e.stateMu.Lock()
	e.windowPush("a")
	e.windowPush("b")
	e.windowPush("c")
	e.windowPush("a") // re-insertion moves to back, no growth
	snap := e.windowSnapshot()
	e.stateMu.Unlock()

	if len(snap) != 3 {
		t.Fatalf("window len = %d, want 3", len(snap))
	}
	if snap[len(snap)-1] != "a" {
		t.Fatalf("re-inserted id not moved to back: %v", snap)
	}

	e.stateMu.Lock()
	e.windowPush("d") // over size 3, evicts the oldest (b)
	snap = e.windowSnapshot()
	e.stateMu.Unlock()
	if len(snap) != 3 {
		t.Fatalf("window len after overflow = %d, want 3", len(snap))
	}
	for _, id := range snap {
		if id == "b" {
			t.Fatalf("expected b evicted from window, got %v", snap)
		}
	}
}

func TestToolChainEvictsWithoutDedup(t *testing.T) {
	e := newTestEngine(t)
	e.settings.Window.ToolChainSize = 2

	e.stateMu.Lock()
	e.toolChainPush("grep")
	e.toolChainPush("grep")
	e.toolChainPush("edit")
	snap := e.toolChainSnapshot()
	e.stateMu.Unlock()

	if len(snap) != 2 {
		t.Fatalf("tool chain len = %d, want 2 (capped, no dedup)", len(snap))
	}
	if snap[len(snap)-1] != "edit" {
		t.Fatalf("expected edit at tail, got %v", snap)
	}
}

func TestCloseEndsSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mnemo.db")
	st, err := store.Open(path, 5*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e, err := New(context.Background(), st, core.DefaultSettings(), embeddings.NewNoopProvider(384))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sessID := e.SessionID()
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := store.Open(path, 5*time.Second)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	sess, err := st2.GetSession(context.Background(), sessID)
	if err != nil {
		t.Fatalf("GetSession after close: %v", err)
	}
	if sess.EndedAt == nil {
		t.Fatalf("expected session to be ended")
	}
}
