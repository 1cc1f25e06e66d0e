package engine

import (
	"context"
	"testing"
	"time"

	"github.com/mnemo-db/mnemo/pkg/boundary"
	"github.com/mnemo-db/mnemo/pkg/core"
)

func TestSeedNeuronPreservesExistingOnReseed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := e.Record(ctx, "/a.go", core.NeuronFile, "", now); err != nil {
		t.Fatalf("record: %v", err)
	}
	id := core.NeuronID(core.NeuronFile, "/a.go")
	before, err := e.store.GetNeuron(ctx, id)
	if err != nil {
		t.Fatalf("get before: %v", err)
	}

	if _, err := e.SeedNeuron(ctx, "/a.go", core.NeuronFile, "extra context"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	after, err := e.store.GetNeuron(ctx, id)
	if err != nil {
		t.Fatalf("get after: %v", err)
	}
	if after.Activation != before.Activation {
		t.Fatalf("expected seed to preserve existing activation: before=%v after=%v", before.Activation, after.Activation)
	}
	found := false
	for _, c := range after.Contexts {
		if c == "extra context" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected appended context to survive reseed, got %v", after.Contexts)
	}
}

func TestSeedSynapseTakesMaxOfExistingAndNewWeight(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.SeedSynapse(ctx, "/a.go", "/b.go", core.NeuronFile, core.NeuronFile, 0.2, 0); err != nil {
		t.Fatalf("seed synapse: %v", err)
	}
	if err := e.SeedSynapse(ctx, "/a.go", "/b.go", core.NeuronFile, core.NeuronFile, 0.9, 0); err != nil {
		t.Fatalf("seed synapse again: %v", err)
	}

	idA := core.NeuronID(core.NeuronFile, "/a.go")
	idB := core.NeuronID(core.NeuronFile, "/b.go")
	syn, err := e.store.GetSynapse(ctx, idA, idB)
	if err != nil {
		t.Fatalf("get synapse: %v", err)
	}
	if syn.Weight != 0.9 {
		t.Fatalf("weight = %v, want 0.9 (max of 0.2 and 0.9)", syn.Weight)
	}

	if err := e.SeedSynapse(ctx, "/a.go", "/b.go", core.NeuronFile, core.NeuronFile, 0.1, 0); err != nil {
		t.Fatalf("seed synapse lower: %v", err)
	}
	syn2, err := e.store.GetSynapse(ctx, idA, idB)
	if err != nil {
		t.Fatalf("get synapse again: %v", err)
	}
	if syn2.Weight != 0.9 {
		t.Fatalf("weight = %v, want unchanged 0.9 when reseeded lower", syn2.Weight)
	}
}

func TestAppendContextAddsToExistingNeuron(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	neuron, err := e.SeedNeuron(ctx, "/a.go", core.NeuronFile, "")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := e.AppendContext(ctx, neuron.ID, "new insight"); err != nil {
		t.Fatalf("append: %v", err)
	}
	after, err := e.store.GetNeuron(ctx, neuron.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	found := false
	for _, c := range after.Contexts {
		if c == "new insight" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected context appended, got %v", after.Contexts)
	}
}

func TestClearCoAccessWindowEmptiesWindow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := e.Record(ctx, "/a.go", core.NeuronFile, "", now); err != nil {
		t.Fatalf("record: %v", err)
	}
	e.stateMu.Lock()
	before := len(e.windowSnapshot())
	e.stateMu.Unlock()
	if before == 0 {
		t.Fatalf("expected window to be non-empty before clearing")
	}

	if err := e.ClearCoAccessWindow(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	e.stateMu.Lock()
	after := len(e.windowSnapshot())
	e.stateMu.Unlock()
	if after != 0 {
		t.Fatalf("expected window empty after clear, got %d entries", after)
	}
}

func TestNotifyFileChangeRenamePreservesHistory(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := e.SeedNeuron(ctx, "/old.go", core.NeuronFile, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ev := boundary.FileChangeEvent{Kind: boundary.FileRenamed, Path: "/new.go", OldPath: "/old.go", At: now}
	if err := e.NotifyFileChange(ctx, ev); err != nil {
		t.Fatalf("notify: %v", err)
	}

	oldID := core.NeuronID(core.NeuronFile, "/old.go")
	newID := core.NeuronID(core.NeuronFile, "/new.go")
	if _, err := e.store.GetNeuron(ctx, newID); err != nil {
		t.Fatalf("expected new neuron to exist: %v", err)
	}
	syn, err := e.store.GetSynapse(ctx, oldID, newID)
	if err != nil {
		t.Fatalf("expected old->new synapse: %v", err)
	}
	if syn.Weight != 1.0 {
		t.Fatalf("weight = %v, want 1.0", syn.Weight)
	}
}

func TestNotifyFileChangeDeleteIsNoOp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := e.SeedNeuron(ctx, "/gone.go", core.NeuronFile, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ev := boundary.FileChangeEvent{Kind: boundary.FileDeleted, Path: "/gone.go", At: now}
	if err := e.NotifyFileChange(ctx, ev); err != nil {
		t.Fatalf("notify: %v", err)
	}

	id := core.NeuronID(core.NeuronFile, "/gone.go")
	if _, err := e.store.GetNeuron(ctx, id); err != nil {
		t.Fatalf("expected neuron to remain present until orphan pruning: %v", err)
	}
}

func TestNotifyIdleDoesNotRotateBeforeGap(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	e.stateMu.Lock()
	e.lastEventAt = now
	e.stateMu.Unlock()

	rotated, err := e.NotifyIdle(ctx, time.Hour, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("notify idle: %v", err)
	}
	if rotated {
		t.Fatalf("expected no rotation before idle gap elapses")
	}
}

func TestNotifyIdleRotatesSessionAfterGap(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	e.stateMu.Lock()
	e.lastEventAt = now
	e.stateMu.Unlock()
	oldSessionID := e.SessionID()

	rotated, err := e.NotifyIdle(ctx, time.Minute, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("notify idle: %v", err)
	}
	if !rotated {
		t.Fatalf("expected rotation once the idle gap elapses")
	}
	if e.SessionID() == oldSessionID {
		t.Fatalf("expected a new session id after rotation")
	}
	oldSess, err := e.store.GetSession(ctx, oldSessionID)
	if err != nil {
		t.Fatalf("get old session: %v", err)
	}
	if oldSess.EndedAt == nil {
		t.Fatalf("expected old session to be ended")
	}
}

func TestAntiRecallFirstIgnoreAppliesFlatWeaken(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

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

	if err := e.AntiRecall(ctx, idA); err != nil {
		t.Fatalf("anti recall: %v", err)
	}

	after, err := e.store.GetSynapse(ctx, idA, idB)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if after.Weight >= before.Weight {
		t.Fatalf("expected anti-recall to weaken the edge: before=%v after=%v", before.Weight, after.Weight)
	}

	n, err := e.store.GetNeuron(ctx, idA)
	if err != nil {
		t.Fatalf("get neuron: %v", err)
	}
	if n.IgnoreStreak != 1 {
		t.Fatalf("ignore streak = %d, want 1", n.IgnoreStreak)
	}
}

func TestPredictNextRanksByLastToolsOutgoingSynapses(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := e.Record(ctx, "grep", core.NeuronTool, "", now); err != nil {
		t.Fatalf("record tool: %v", err)
	}
	if _, err := e.Record(ctx, "/found.go", core.NeuronFile, "", now.Add(time.Second)); err != nil {
		t.Fatalf("record file: %v", err)
	}

	toolID := core.NeuronID(core.NeuronTool, "grep")
	fileID := core.NeuronID(core.NeuronFile, "/found.go")
	if err := e.store.SetSynapseWeight(ctx, e.store.DB(), toolID, fileID, 0.8, now); err != nil {
		t.Fatalf("boost synapse above the prediction threshold: %v", err)
	}

	_, files, err := e.PredictNext(ctx)
	if err != nil {
		t.Fatalf("predict next: %v", err)
	}
	found := false
	for _, f := range files {
		if f.Path == "/found.go" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected /found.go among predicted files, got %v", files)
	}
}

func TestTagProjectStampsMatchingNeurons(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.SeedNeuron(ctx, "/svc/a.go", core.NeuronFile, ""); err != nil {
		t.Fatalf("seed a: %v", err)
	}
	if _, err := e.SeedNeuron(ctx, "/other/b.go", core.NeuronFile, ""); err != nil {
		t.Fatalf("seed b: %v", err)
	}

	n, err := e.TagProject(ctx, "/svc/", "svc-project")
	if err != nil {
		t.Fatalf("tag project: %v", err)
	}
	if n != 1 {
		t.Fatalf("tagged count = %d, want 1", n)
	}

	tagged, err := e.ProjectNeurons(ctx, "svc-project")
	if err != nil {
		t.Fatalf("project neurons: %v", err)
	}
	if len(tagged) != 1 || tagged[0].Path != "/svc/a.go" {
		t.Fatalf("expected only /svc/a.go tagged, got %v", tagged)
	}
}

func TestHubsReportsHighestOutDegreeFirst(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	for _, path := range []string{"/hub.go", "/n1.go", "/n2.go", "/n3.go"} {
		if _, err := e.SeedNeuron(ctx, path, core.NeuronFile, ""); err != nil {
			t.Fatalf("seed %s: %v", path, err)
		}
	}
	hubID := core.NeuronID(core.NeuronFile, "/hub.go")
	for _, path := range []string{"/n1.go", "/n2.go", "/n3.go"} {
		id := core.NeuronID(core.NeuronFile, path)
		if err := e.store.SetSynapseWeight(ctx, e.store.DB(), hubID, id, 0.5, now); err != nil {
			t.Fatalf("link hub->%s: %v", path, err)
		}
	}

	hubs, err := e.Hubs(ctx, core.NeuronFile, 1)
	if err != nil {
		t.Fatalf("hubs: %v", err)
	}
	if len(hubs) != 1 {
		t.Fatalf("expected 1 hub, got %d", len(hubs))
	}
	if hubs[0].Neuron.Path != "/hub.go" {
		t.Fatalf("expected /hub.go as the top hub, got %s", hubs[0].Neuron.Path)
	}
}

func TestStaleRanksOldestAccessFirst(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := e.SeedNeuron(ctx, "/fresh.go", core.NeuronFile, ""); err != nil {
		t.Fatalf("seed fresh: %v", err)
	}
	if _, err := e.SeedNeuron(ctx, "/stale.go", core.NeuronFile, ""); err != nil {
		t.Fatalf("seed stale: %v", err)
	}

	staleID := core.NeuronID(core.NeuronFile, "/stale.go")
	if err := e.store.UpdateNeuronFields(ctx, e.store.DB(), staleID, 0.5, 0.5, nil); err != nil {
		t.Fatalf("update myelination: %v", err)
	}
	n, err := e.store.GetNeuron(ctx, staleID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	n.LastAccessed = now.Add(-30 * 24 * time.Hour)
	if err := e.store.UpsertNeuron(ctx, e.store.DB(), n); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	report, err := e.Stale(ctx, 0)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(report) == 0 {
		t.Fatalf("expected at least one stale report entry")
	}
	if report[0].Neuron.Path != "/stale.go" {
		t.Fatalf("expected /stale.go ranked first, got %s", report[0].Neuron.Path)
	}
}

func TestSetIntentPersistsOnSession(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.SetIntent(ctx, "refactor the recall pipeline"); err != nil {
		t.Fatalf("set intent: %v", err)
	}
	sess, err := e.store.GetSession(ctx, e.SessionID())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Intent != "refactor the recall pipeline" {
		t.Fatalf("intent = %q, want %q", sess.Intent, "refactor the recall pipeline")
	}
}

func TestCaptureSessionContextBuildsSemanticNeuron(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := e.Record(ctx, "/auth.go", core.NeuronFile, "fix login session bug", now); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := e.Record(ctx, "/auth.go", core.NeuronFile, "fix login session bug again", now.Add(time.Second)); err != nil {
		t.Fatalf("record 2: %v", err)
	}

	if err := e.CaptureSessionContext(ctx); err != nil {
		t.Fatalf("capture: %v", err)
	}

	id := core.NeuronID(core.NeuronSemantic, "session:"+e.SessionID())
	n, err := e.store.GetNeuron(ctx, id)
	if err != nil {
		t.Fatalf("expected session semantic neuron to exist: %v", err)
	}
	if len(n.Contexts) == 0 || n.Contexts[0] == "" {
		t.Fatalf("expected session semantic neuron to carry distilled tokens, got %v", n.Contexts)
	}
}
