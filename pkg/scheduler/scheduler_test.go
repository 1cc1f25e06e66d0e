package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnemo-db/mnemo/pkg/core"
	"github.com/mnemo-db/mnemo/pkg/embeddings"
	"github.com/mnemo-db/mnemo/pkg/engine"
	"github.com/mnemo-db/mnemo/pkg/store"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mnemo.db")
	st, err := store.Open(path, 5*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e, err := engine.New(context.Background(), st, core.DefaultSettings(), embeddings.NewNoopProvider(384))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestStartStopCompletesWithoutDeadlock(t *testing.T) {
	m := New(newTestEngine(t), Intervals{Decay: 10 * time.Millisecond, Consolidate: 10 * time.Millisecond})
	m.Start()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return, suspected deadlock")
	}
}

func TestZeroIntervalDisablesThatPass(t *testing.T) {
	m := New(newTestEngine(t), Intervals{Decay: 0, Consolidate: 0})
	m.Start()
	time.Sleep(20 * time.Millisecond)
	m.Stop() // wg has nothing registered; must return immediately
}

func TestDefaultIntervalsAreBothPositive(t *testing.T) {
	d := DefaultIntervals()
	if d.Decay <= 0 || d.Consolidate <= 0 {
		t.Fatalf("expected both intervals positive, got %+v", d)
	}
}
