package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/mnemo-db/mnemo/pkg/core"
)

// DecayReport summarizes one maintenance pass for the `decay` CLI verb.
type DecayReport struct {
	NoiseBridgesWeakened int64
	SynapsesPruned       int64
	DeadNeuronsPruned    int64
	OrphanFilesPruned    int64
	TagsExpired          int64
	HomeostasisApplied   bool
}

// Decay runs the six-step maintenance pass: multiplicative decay,
// noise-bridge weakening, tiered synapse pruning, dead-neuron pruning,
// orphan-file pruning, and homeostasis. It is invoked on session rotation
// (NotifyIdle) and may also be run on demand via the `decay` CLI verb.
func (e *Engine) Decay(ctx context.Context) (*DecayReport, error) {
	res, err := e.submit(ctx, opDecay, ctx)
	if err != nil {
		return nil, err
	}
	return res.(*DecayReport), nil
}

func (e *Engine) doDecay(ctx context.Context) (*DecayReport, error) {
	ms := e.settings.Maintenance
	now := time.Now()
	report := &DecayReport{}

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		// Step 1: multiplicative decay of every neuron and synapse.
		if err := e.store.DecayAllNeurons(ctx, tx, 1-ms.ActivationDecay, 1-ms.MyelinationDecay); err != nil {
			return err
		}
		if err := e.store.DecayAllSynapses(ctx, tx, 1-ms.WeightDecay); err != nil {
			return err
		}

		// Step 2: noise-bridge weakening — an additional weakening pass on
		// edges that are already weak, rarely co-accessed, and point at an
		// inert file neuron.
		bridges, err := e.store.WeakSynapsesForNoiseBridgeCheck(ctx, ms.NoiseBridgeWeightMax, ms.NoiseBridgeCoAccessMax, ms.NoiseBridgeActivationMax, ms.NoiseBridgeMyelinationMax)
		if err != nil {
			return err
		}
		for _, b := range bridges {
			if err := e.store.WeakenSynapse(ctx, tx, b.SourceID, b.TargetID, ms.NoiseBridgeExtraWeaken, 0); err != nil {
				return err
			}
		}
		report.NoiseBridgesWeakened = int64(len(bridges))

		// Step 3: tiered synapse pruning plus the flat safety net.
		pruned, err := e.store.PruneSynapsesTiered(ctx, tx,
			ms.PruneTier1Weight, ms.PruneTier1Age,
			ms.PruneTier2Weight, ms.PruneTier2CoAccessMax, ms.PruneTier2Age,
			ms.PruneTier3Weight, ms.PruneTier3Age,
			ms.PruneSafetyNetWeight, now)
		if err != nil {
			return err
		}
		report.SynapsesPruned = pruned

		// Step 4: dead-neuron pruning.
		dead, err := e.store.PruneDeadNeurons(ctx, tx, ms.DeadActivationMax, ms.DeadMyelinationMax, ms.DeadAccessMax)
		if err != nil {
			return err
		}
		report.DeadNeuronsPruned = dead

		// Step 5: orphan-file pruning — file neurons with no incident edges.
		orphans, err := e.store.PruneOrphanFiles(ctx, tx, ms.OrphanAccessMax, ms.OrphanMyelinationMax)
		if err != nil {
			return err
		}
		report.OrphanFilesPruned = orphans

		// Step 6: homeostasis — pull network-wide averages back toward their
		// targets, adjust hyperactive/underactive neurons individually, and
		// expire stale synapse tags.
		if err := e.applyHomeostasis(ctx, tx, now); err != nil {
			return err
		}
		report.HomeostasisApplied = true

		expired, err := e.store.ClearExpiredTags(ctx, tx, now.Add(-ms.TagExpiry))
		if err != nil {
			return err
		}
		report.TagsExpired = expired

		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// EmbedPending computes and stores embeddings for every neuron that does
// not yet carry one, using whatever context text is already on the row.
// It reports how many neurons were embedded and is a no-op, not an error,
// when no embedding model is loaded.
func (e *Engine) EmbedPending(ctx context.Context) (int, error) {
	if !e.embedder.Available() {
		return 0, nil
	}
	neurons, err := e.store.AllNeurons(ctx)
	if err != nil {
		return 0, err
	}
	embedded := 0
	for _, n := range neurons {
		if len(n.Embedding) > 0 {
			continue
		}
		text := n.Path
		if len(n.Contexts) > 0 {
			text = n.Contexts[len(n.Contexts)-1]
		}
		vec, ok, err := e.embedder.Embed(ctx, text)
		if err != nil {
			return embedded, err
		}
		if !ok {
			continue
		}
		if err := e.store.SetNeuronEmbedding(ctx, n.ID, vec); err != nil {
			return embedded, err
		}
		embedded++
	}
	return embedded, nil
}

// applyHomeostasis scales every synapse weight down when the network-wide
// average weight exceeds its target, does the same for file-neuron
// myelination against its own target, then nudges individual neurons whose
// access pattern is far from average in either direction.
func (e *Engine) applyHomeostasis(ctx context.Context, tx *sql.Tx, now time.Time) error {
	ms := e.settings.Maintenance

	avgWeight, err := e.store.AverageSynapseWeight(ctx)
	if err != nil {
		return err
	}
	if avgWeight > ms.HomeostasisWeightTarget {
		ratio := ms.HomeostasisWeightTarget / avgWeight
		if err := e.store.ScaleAllSynapseWeights(ctx, tx, ratio); err != nil {
			return err
		}
	}

	fileNeurons, err := e.store.ListNeuronsByType(ctx, core.NeuronFile)
	if err != nil {
		return err
	}

	var avgMyelination float64
	if len(fileNeurons) > 0 {
		var totalMyelination float64
		for _, n := range fileNeurons {
			totalMyelination += n.Myelination
		}
		avgMyelination = totalMyelination / float64(len(fileNeurons))
	}
	if avgMyelination > ms.HomeostasisMyelinationTarget {
		scale := ms.HomeostasisMyelinationTarget / avgMyelination
		for _, n := range fileNeurons {
			n.Myelination = core.ClampMyelination(n.Myelination * scale)
			if err := e.store.UpdateNeuronFields(ctx, tx, n.ID, n.Activation, n.Myelination, nil); err != nil {
				return err
			}
		}
	}

	avgFileAccess := 0.0
	if len(fileNeurons) > 0 {
		var totalAccess float64
		for _, n := range fileNeurons {
			totalAccess += float64(n.AccessCount)
		}
		avgFileAccess = totalAccess / float64(len(fileNeurons))
	}

	for _, n := range fileNeurons {
		myelination := n.Myelination
		switch {
		case avgFileAccess > 0 && float64(n.AccessCount) > avgFileAccess*ms.HyperactiveMultiplier:
			myelination *= ms.HyperactiveMyelinationScale
		case avgFileAccess > 0 && float64(n.AccessCount) < avgFileAccess/ms.UnderactiveDivisor && myelination > ms.UnderactiveMyelinationFloor:
			myelination *= ms.UnderactiveBoost
			if myelination > 0.95 {
				myelination = 0.95
			}
		default:
			continue
		}
		if err := e.store.UpdateNeuronFields(ctx, tx, n.ID, n.Activation, core.ClampMyelination(myelination), nil); err != nil {
			return err
		}
	}
	return nil
}
