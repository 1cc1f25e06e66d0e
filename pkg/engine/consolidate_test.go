package engine

import (
	"context"
	"testing"
	"time"

	"github.com/mnemo-db/mnemo/pkg/core"
	"github.com/mnemo-db/mnemo/pkg/store"
)

func TestConsolidateReplaysSessionStrengtheningOnly(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()
	// The session below holds only two accesses; lower the replay minimum
	// so it qualifies for step 1.
	e.settings.Consolidation.SessionReplayMinAccesses = 2

	if _, err := e.Record(ctx, "/a.go", core.NeuronFile, "", now); err != nil {
		t.Fatalf("record a: %v", err)
	}
	if _, err := e.Record(ctx, "/b.go", core.NeuronFile, "", now.Add(time.Second)); err != nil {
		t.Fatalf("record b: %v", err)
	}

	idA := core.NeuronID(core.NeuronFile, "/a.go")
	idB := core.NeuronID(core.NeuronFile, "/b.go")
	before, err := e.store.GetSynapse(ctx, idA, idB)
	if err != nil {
		t.Fatalf("before: %v", err)
	}

	if _, err := e.Consolidate(ctx); err != nil {
		t.Fatalf("consolidate: %v", err)
	}

	after, err := e.store.GetSynapse(ctx, idA, idB)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if after.Weight <= before.Weight {
		t.Fatalf("expected session replay to strengthen existing edge: before=%v after=%v", before.Weight, after.Weight)
	}
}

func TestConsolidateDiscoversCrossSessionPairs(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	for _, path := range []string{"/x.go", "/y.go"} {
		if _, err := e.SeedNeuron(ctx, path, core.NeuronFile, ""); err != nil {
			t.Fatalf("seed %s: %v", path, err)
		}
	}
	idX := core.NeuronID(core.NeuronFile, "/x.go")
	idY := core.NeuronID(core.NeuronFile, "/y.go")

	cs := e.settings.Consolidation
	for i := 0; i < cs.CrossSessionMinSessions; i++ {
		sessID := "sess-" + string(rune('a'+i))
		ts := now.Add(time.Duration(i) * time.Minute)
		if err := e.store.CreateSession(ctx, sessID, ts); err != nil {
			t.Fatalf("create session: %v", err)
		}
		if _, err := e.store.AppendAccessLog(ctx, e.store.DB(), &store.AccessLogRow{
			NeuronID:  idX,
			SessionID: sessID,
			Timestamp: ts,
		}); err != nil {
			t.Fatalf("append access log x: %v", err)
		}
		if _, err := e.store.AppendAccessLog(ctx, e.store.DB(), &store.AccessLogRow{
			NeuronID:  idY,
			SessionID: sessID,
			Timestamp: ts.Add(time.Second),
		}); err != nil {
			t.Fatalf("append access log y: %v", err)
		}
	}

	if _, err := e.store.GetSynapse(ctx, idX, idY); err == nil {
		t.Fatalf("expected no synapse between x and y before consolidation")
	}

	report, err := e.Consolidate(ctx)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if report.CrossSessionEdges == 0 {
		t.Fatalf("expected at least one cross-session edge discovered")
	}

	if _, err := e.store.GetSynapse(ctx, idX, idY); err != nil {
		t.Fatalf("expected synapse x->y created by cross-session discovery: %v", err)
	}
	if _, err := e.store.GetSynapse(ctx, idY, idX); err != nil {
		t.Fatalf("expected synapse y->x created by cross-session discovery: %v", err)
	}
}

func TestConsolidatePrunesOldEpisodicRows(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	id := core.NeuronID(core.NeuronFile, "/old.go")
	if _, err := e.SeedNeuron(ctx, "/old.go", core.NeuronFile, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cs := e.settings.Consolidation
	old := now.Add(-cs.EpisodicRetention - time.Hour)
	sessID := "old-session"
	if err := e.store.CreateSession(ctx, sessID, old); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := e.store.AppendAccessLog(ctx, e.store.DB(), &store.AccessLogRow{
		NeuronID:  id,
		SessionID: sessID,
		Timestamp: old,
	}); err != nil {
		t.Fatalf("append access log: %v", err)
	}

	before, err := e.store.CountAccessLogForNeuron(ctx, id)
	if err != nil {
		t.Fatalf("count before: %v", err)
	}
	if before == 0 {
		t.Fatalf("expected the old row to exist before consolidation")
	}

	report, err := e.Consolidate(ctx)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if report.EpisodicRowsRemoved == 0 {
		t.Fatalf("expected at least one episodic row removed")
	}

	after, err := e.store.CountAccessLogForNeuron(ctx, id)
	if err != nil {
		t.Fatalf("count after: %v", err)
	}
	if after != 0 {
		t.Fatalf("expected the old row pruned, still have %d", after)
	}
}

func TestConsolidateMinesTriplets(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	for _, path := range []string{"/p.go", "/q.go", "/r.go"} {
		if _, err := e.SeedNeuron(ctx, path, core.NeuronFile, ""); err != nil {
			t.Fatalf("seed %s: %v", path, err)
		}
	}
	idP := core.NeuronID(core.NeuronFile, "/p.go")
	idQ := core.NeuronID(core.NeuronFile, "/q.go")
	idR := core.NeuronID(core.NeuronFile, "/r.go")

	if err := e.store.SetSynapseWeight(ctx, e.store.DB(), idP, idQ, 0.9, now); err != nil {
		t.Fatalf("set p->q: %v", err)
	}
	if err := e.store.SetSynapseWeight(ctx, e.store.DB(), idQ, idR, 0.9, now); err != nil {
		t.Fatalf("set q->r: %v", err)
	}
	if err := e.store.SetSynapseWeight(ctx, e.store.DB(), idP, idR, 0.9, now); err != nil {
		t.Fatalf("set p->r: %v", err)
	}

	before, err := e.store.GetSynapse(ctx, idP, idR)
	if err != nil {
		t.Fatalf("before: %v", err)
	}

	report, err := e.Consolidate(ctx)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if report.TripletsBoosted == 0 {
		t.Fatalf("expected at least one triplet boosted")
	}

	after, err := e.store.GetSynapse(ctx, idP, idR)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if after.Weight <= before.Weight {
		t.Fatalf("expected p->r to be boosted by triplet closure: before=%v after=%v", before.Weight, after.Weight)
	}
}
