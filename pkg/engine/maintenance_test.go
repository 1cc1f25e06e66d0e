package engine

import (
	"context"
	"testing"
	"time"

	"github.com/mnemo-db/mnemo/pkg/core"
)

func TestDecayWeakensSynapses(t *testing.T) {
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

	if _, err := e.Decay(ctx); err != nil {
		t.Fatalf("decay: %v", err)
	}

	after, err := e.store.GetSynapse(ctx, idA, idB)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if after.Weight >= before.Weight {
		t.Fatalf("expected weight to decay: before=%v after=%v", before.Weight, after.Weight)
	}
}

func TestDecayPrunesDeadNeurons(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id := core.NeuronID(core.NeuronFile, "/dead.go")
	if _, err := e.SeedNeuron(ctx, "/dead.go", core.NeuronFile, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// SeedNeuron's 0.5/0 baseline starts above DeadActivationMax; force it
	// below every dead-neuron threshold directly so this test isolates
	// pruning from decay's gradual approach to that threshold.
	if err := e.store.UpdateNeuronFields(ctx, e.store.DB(), id, 0.0, 0.0, nil); err != nil {
		t.Fatalf("force dead fields: %v", err)
	}

	report, err := e.Decay(ctx)
	if err != nil {
		t.Fatalf("decay: %v", err)
	}
	if report.DeadNeuronsPruned == 0 {
		t.Fatalf("expected at least one dead neuron pruned")
	}
	if _, err := e.store.GetNeuron(ctx, id); err != core.ErrNeuronNotFound {
		t.Fatalf("expected dead neuron to be pruned, err=%v", err)
	}
}

func TestHomeostasisScalesTowardTarget(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	idA := core.NeuronID(core.NeuronFile, "/a.go")
	idB := core.NeuronID(core.NeuronFile, "/b.go")
	for _, path := range []string{"/a.go", "/b.go"} {
		if _, err := e.SeedNeuron(ctx, path, core.NeuronFile, ""); err != nil {
			t.Fatalf("seed %s: %v", path, err)
		}
	}
	if err := e.store.SetSynapseWeight(ctx, e.store.DB(), idA, idB, 0.9, now); err != nil {
		t.Fatalf("seed synapse: %v", err)
	}

	if _, err := e.Decay(ctx); err != nil {
		t.Fatalf("decay: %v", err)
	}

	avg, err := e.store.AverageSynapseWeight(ctx)
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if avg >= 0.9 {
		t.Fatalf("expected homeostasis to pull average weight down from 0.9, got %v", avg)
	}
}

func TestHomeostasisScalesFileMyelinationTowardTarget(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	idA := core.NeuronID(core.NeuronFile, "/hot-a.go")
	idB := core.NeuronID(core.NeuronFile, "/hot-b.go")
	if _, err := e.SeedNeuron(ctx, "/hot-a.go", core.NeuronFile, ""); err != nil {
		t.Fatalf("seed hot-a: %v", err)
	}
	if _, err := e.SeedNeuron(ctx, "/hot-b.go", core.NeuronFile, ""); err != nil {
		t.Fatalf("seed hot-b: %v", err)
	}
	if err := e.store.UpdateNeuronFields(ctx, e.store.DB(), idA, 0.5, 0.9, nil); err != nil {
		t.Fatalf("force myelination a: %v", err)
	}
	if err := e.store.UpdateNeuronFields(ctx, e.store.DB(), idB, 0.5, 0.7, nil); err != nil {
		t.Fatalf("force myelination b: %v", err)
	}

	if _, err := e.Decay(ctx); err != nil {
		t.Fatalf("decay: %v", err)
	}

	rowA, err := e.store.GetNeuron(ctx, idA)
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	rowB, err := e.store.GetNeuron(ctx, idB)
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if rowA.Myelination >= 0.9 || rowB.Myelination >= 0.7 {
		t.Fatalf("expected both file myelinations scaled down from their average above target 0.15, got a=%v b=%v", rowA.Myelination, rowB.Myelination)
	}
	// Scaling preserves rank: a started higher than b and should stay higher.
	if rowA.Myelination <= rowB.Myelination {
		t.Fatalf("expected homeostasis to preserve rank, got a=%v b=%v", rowA.Myelination, rowB.Myelination)
	}
}

func TestHomeostasisDoesNotFloorZeroMyelinationUnderactiveNeurons(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// A heavily-accessed file neuron sets average_file_access high, so a
	// barely-touched, never-consolidated neuron (myelination 0) counts as
	// underactive. It must NOT be boosted or floored up: the spec gates
	// the underactive branch on myelination > 0.05 ("valuable"), and a
	// neuron that was never touched enough to myelinate at all isn't.
	cold := core.NeuronID(core.NeuronFile, "/cold.go")
	if _, err := e.SeedNeuron(ctx, "/hot.go", core.NeuronFile, ""); err != nil {
		t.Fatalf("seed hot: %v", err)
	}
	if _, err := e.SeedNeuron(ctx, "/cold.go", core.NeuronFile, ""); err != nil {
		t.Fatalf("seed cold: %v", err)
	}
	now := time.Now()
	for i := 0; i < 20; i++ {
		if _, err := e.Record(ctx, "/hot.go", core.NeuronFile, "", now.Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("record hot %d: %v", i, err)
		}
	}
	if err := e.store.UpdateNeuronFields(ctx, e.store.DB(), cold, 0.5, 0, nil); err != nil {
		t.Fatalf("force cold myelination to zero: %v", err)
	}
	// Give cold one incident synapse so orphan-file pruning (which removes
	// barely-used files with no synapses) leaves it for homeostasis.
	if err := e.store.SetSynapseWeight(ctx, e.store.DB(), core.NeuronID(core.NeuronFile, "/hot.go"), cold, 0.5, now); err != nil {
		t.Fatalf("wire hot->cold: %v", err)
	}

	if _, err := e.Decay(ctx); err != nil {
		t.Fatalf("decay: %v", err)
	}

	row, err := e.store.GetNeuron(ctx, cold)
	if err != nil {
		t.Fatalf("get cold: %v", err)
	}
	if row.Myelination > 0.01 {
		t.Fatalf("expected a zero-myelination underactive neuron to stay near zero, got %v", row.Myelination)
	}
}
