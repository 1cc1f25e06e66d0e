package engine

import (
	"context"
	"testing"
	"time"

	"github.com/mnemo-db/mnemo/pkg/core"
	"github.com/mnemo-db/mnemo/pkg/errorcanon"
)

func TestRecordStrengthensAgainstWindow(t *testing.T) {
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
	syn, err := e.store.GetSynapse(ctx, idA, idB)
	if err != nil {
		t.Fatalf("expected synapse a->b: %v", err)
	}
	if syn.Weight <= 0 {
		t.Fatalf("expected positive weight, got %v", syn.Weight)
	}

	reverse, err := e.store.GetSynapse(ctx, idB, idA)
	if err != nil {
		t.Fatalf("expected synapse b->a: %v", err)
	}
	if reverse.Weight != syn.Weight {
		t.Fatalf("expected symmetric weight, got %v vs %v", syn.Weight, reverse.Weight)
	}
}

func TestRecordAppliesErrorBoost(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	control := newTestEngine(t)
	// Tag capture lifts every first co-access to TagCaptureFloor, which
	// would hide the raw Hebbian delta; zero it so the boost is compared.
	control.settings.Write.TagCaptureFloor = 0
	if _, err := control.Record(ctx, "/x.go", core.NeuronFile, "", now); err != nil {
		t.Fatalf("record x: %v", err)
	}
	if _, err := control.Record(ctx, "/y.go", core.NeuronFile, "", now.Add(time.Second)); err != nil {
		t.Fatalf("record y: %v", err)
	}
	controlSyn, err := control.store.GetSynapse(ctx, core.NeuronID(core.NeuronFile, "/x.go"), core.NeuronID(core.NeuronFile, "/y.go"))
	if err != nil {
		t.Fatalf("control synapse: %v", err)
	}

	boosted := newTestEngine(t)
	boosted.settings.Write.TagCaptureFloor = 0
	if _, _, err := boosted.RecordError(ctx, "panic: nil pointer dereference", "", now); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if _, err := boosted.Record(ctx, "/z.go", core.NeuronFile, "", now.Add(time.Second)); err != nil {
		t.Fatalf("record z: %v", err)
	}
	normID := core.NeuronID(core.NeuronError, errorcanon.Normalize("panic: nil pointer dereference"))
	zID := core.NeuronID(core.NeuronFile, "/z.go")
	boostedSyn, err := boosted.store.GetSynapse(ctx, normID, zID)
	if err != nil {
		t.Fatalf("boosted synapse: %v", err)
	}

	if boostedSyn.Weight <= controlSyn.Weight {
		t.Fatalf("expected error-boosted weight (%v) > unboosted control (%v)", boostedSyn.Weight, controlSyn.Weight)
	}
}

func TestRecordGrowsMyelinationByBCMDelta(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := e.Record(ctx, "/a.go", core.NeuronFile, "", now); err != nil {
		t.Fatalf("record 1: %v", err)
	}
	neuron, err := e.Record(ctx, "/a.go", core.NeuronFile, "", now.Add(time.Second))
	if err != nil {
		t.Fatalf("record 2: %v", err)
	}

	want := bcmDelta(e.settings.Write.BCMBase, 0, 1)
	if diff := neuron.Myelination - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("myelination after second record = %v, want %v (BCM delta over a fresh neuron)", neuron.Myelination, want)
	}

	// A third touch should grow myelination further, but by a smaller
	// increment: plasticity shrinks as access_count rises.
	third, err := e.Record(ctx, "/a.go", core.NeuronFile, "", now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("record 3: %v", err)
	}
	if third.Myelination <= neuron.Myelination {
		t.Fatalf("expected myelination to keep growing, got %v then %v", neuron.Myelination, third.Myelination)
	}
	if got, prev := third.Myelination-neuron.Myelination, neuron.Myelination; got >= prev {
		t.Fatalf("expected the second increment (%v) to be smaller than the first (%v)", got, prev)
	}
}

func TestRecordHubPenaltyAppliesToSelfOutDegree(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()
	e.settings.Window.Size = 50
	// Tag capture lifts every first co-access to TagCaptureFloor, which
	// would hide the hub penalty; zero it so the raw deltas are compared.
	e.settings.Write.TagCaptureFloor = 0

	hub := "/hub.go"
	hubID := core.NeuronID(core.NeuronFile, hub)
	threshold := e.settings.Write.HubOutDegreeThreshold
	// Give hub.go a window all to itself so every peer below wires a fresh
	// synapse to it, inflating hub.go's own out-degree past the threshold.
	for i := 0; i <= threshold+1; i++ {
		path := "/peer" + string(rune('a'+i)) + ".go"
		if _, err := e.Record(ctx, path, core.NeuronFile, "", now.Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("record %s: %v", path, err)
		}
		if _, err := e.Record(ctx, hub, core.NeuronFile, "", now.Add(time.Duration(i)*time.Millisecond+time.Microsecond)); err != nil {
			t.Fatalf("record hub: %v", err)
		}
		if err := e.ClearCoAccessWindow(); err != nil {
			t.Fatalf("ClearCoAccessWindow: %v", err)
		}
	}
	outDeg, err := e.store.OutDegree(ctx, hubID)
	if err != nil {
		t.Fatalf("OutDegree: %v", err)
	}
	if outDeg <= threshold {
		t.Fatalf("expected hub out-degree (%d) to exceed threshold (%d) by construction", outDeg, threshold)
	}

	// A fresh neuron with its own near-zero out-degree is the only thing
	// in the window when hub.go is recorded again. Before the fix, the
	// loop only checked the window peer's out-degree (low here) and never
	// hub.go's own — the penalty must now trigger off EITHER endpoint.
	control := newTestEngine(t)
	control.settings.Write.TagCaptureFloor = 0
	if _, err := control.Record(ctx, "/lone-peer.go", core.NeuronFile, "", now); err != nil {
		t.Fatalf("control record peer: %v", err)
	}
	if _, err := control.Record(ctx, "/other-hub.go", core.NeuronFile, "", now.Add(time.Second)); err != nil {
		t.Fatalf("control record other-hub: %v", err)
	}
	controlSyn, err := control.store.GetSynapse(ctx, core.NeuronID(core.NeuronFile, "/lone-peer.go"), core.NeuronID(core.NeuronFile, "/other-hub.go"))
	if err != nil {
		t.Fatalf("control synapse: %v", err)
	}

	if err := e.ClearCoAccessWindow(); err != nil {
		t.Fatalf("ClearCoAccessWindow: %v", err)
	}
	if _, err := e.Record(ctx, "/fresh-peer.go", core.NeuronFile, "", now.Add(time.Second)); err != nil {
		t.Fatalf("record fresh-peer: %v", err)
	}
	if _, err := e.Record(ctx, hub, core.NeuronFile, "", now.Add(2*time.Second)); err != nil {
		t.Fatalf("re-record hub: %v", err)
	}
	syn, err := e.store.GetSynapse(ctx, core.NeuronID(core.NeuronFile, "/fresh-peer.go"), hubID)
	if err != nil {
		t.Fatalf("expected synapse fresh-peer->hub: %v", err)
	}
	if syn.Weight >= controlSyn.Weight {
		t.Fatalf("expected hub penalty (triggered by hub.go's own out-degree) to shrink the weight (%v) below the unpenalized control (%v)", syn.Weight, controlSyn.Weight)
	}
}

func TestRecordErrorWiresNormalizedToFingerprint(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	raw := "Error: connection refused at 10.0.0.5:5432"
	neuron, _, err := e.RecordError(ctx, raw, "", now)
	if err != nil {
		t.Fatalf("RecordError: %v", err)
	}

	_, _, fingerprint := errorcanon.Fingerprint(raw)
	fpID := core.NeuronID(core.NeuronError, fingerprint)

	syn, err := e.store.GetSynapse(ctx, neuron.ID, fpID)
	if err != nil {
		t.Fatalf("expected synapse from normalized to fingerprint: %v", err)
	}
	if syn.Weight <= 0 {
		t.Fatalf("expected positive weight, got %v", syn.Weight)
	}
}

func TestResolveErrorSetsWeightDirectly(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	raw := "panic: index out of range"
	normNeuron, _, err := e.RecordError(ctx, raw, "", now)
	if err != nil {
		t.Fatalf("RecordError: %v", err)
	}

	if err := e.ResolveError(ctx, raw, []string{"/fix.go"}, "bounds check"); err != nil {
		t.Fatalf("ResolveError: %v", err)
	}

	fixID := core.NeuronID(core.NeuronFile, "/fix.go")
	syn, err := e.store.GetSynapse(ctx, normNeuron.ID, fixID)
	if err != nil {
		t.Fatalf("expected synapse normalized->fix: %v", err)
	}
	if syn.Weight != e.settings.Write.ResolveWeight {
		t.Fatalf("weight = %v, want exactly %v (direct set, not incremental)", syn.Weight, e.settings.Write.ResolveWeight)
	}
}

func TestRecordErrorThenResolveOffersCandidateFix(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	raw := "panic: divide by zero"
	if _, _, err := e.RecordError(ctx, raw, "", now); err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	if err := e.ResolveError(ctx, raw, []string{"/math.go"}, ""); err != nil {
		t.Fatalf("ResolveError: %v", err)
	}

	_, fixes, err := e.RecordError(ctx, raw, "", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second RecordError: %v", err)
	}
	found := false
	for _, f := range fixes {
		if f.Path == "/math.go" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected /math.go among candidate fixes, got %v", fixes)
	}
}
