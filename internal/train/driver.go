package train

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/samcharles93/electra/internal/collator"
	"github.com/samcharles93/electra/internal/dataset"
	"github.com/samcharles93/electra/internal/device"
	"github.com/samcharles93/electra/internal/logger"
	"github.com/samcharles93/electra/internal/metrics"
	"github.com/samcharles93/electra/internal/prng"
)

// Trainer drives the full pretraining loop: it replicates both model
// states across the device group, feeds collated batch shards to the
// lockstep replicas, and handles logging and checkpointing on the global
// step boundary.
type Trainer struct {
	Gen  *ModelState
	Disc *ModelState

	Collator *collator.Collator
	Data     *dataset.Source

	Devices      int
	TotalSteps   int64
	LoggingSteps int64 // 0 disables metric emission
	SaveSteps    int64 // 0 disables periodic checkpoints

	Seed uint64

	// Sink receives metrics every LoggingSteps updates. May be nil.
	Sink metrics.Sink
	// Save is called with the rank-0 states every SaveSteps updates.
	// May be nil.
	Save func(step int64, gen, disc *ModelState) error
}

func (t *Trainer) validate() error {
	if t.Gen == nil || t.Disc == nil {
		return fmt.Errorf("train: both model states are required")
	}
	if t.Collator == nil || t.Data == nil {
		return fmt.Errorf("train: collator and dataset are required")
	}
	if t.Devices <= 0 {
		return fmt.Errorf("train: device count must be positive, got %d", t.Devices)
	}
	if t.TotalSteps <= 0 {
		return fmt.Errorf("train: total steps must be positive, got %d", t.TotalSteps)
	}
	return nil
}

// Run trains until TotalSteps optimizer updates have been applied or the
// context is cancelled. It returns the final rank-0 states; since every
// reduction leaves the replicas bit-identical, rank 0 stands for all.
func (t *Trainer) Run(ctx context.Context) (*ModelState, *ModelState, error) {
	if err := t.validate(); err != nil {
		return nil, nil, err
	}
	log := logger.FromContext(ctx)

	group, err := device.NewGroup(t.Devices)
	if err != nil {
		return nil, nil, err
	}

	genReps := make([]*ModelState, t.Devices)
	discReps := make([]*ModelState, t.Devices)
	for i := range genReps {
		genReps[i] = t.Gen.Replicate()
		discReps[i] = t.Disc.Replicate()
	}

	root := prng.NewKey(t.Seed)
	dataKey, deviceKey := root.Split2()
	devKeys := deviceKey.Split(t.Devices)

	log.Info("training started",
		"devices", t.Devices,
		"total_steps", t.TotalSteps,
		"start_step", genReps[0].Step(),
	)

	results := make([]*StepResult, t.Devices)
	lastLog := time.Now()
	lastLogStep := genReps[0].Step()

	for genReps[0].Step() < t.TotalSteps {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		seqs, err := t.Data.NextBatch()
		if err == io.EOF {
			log.Info("dataset exhausted, starting new pass")
			if err := t.Data.Reset(); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("train: read batch: %w", err)
		}

		var batchKey prng.Key
		batchKey, dataKey = dataKey.Split2()
		batch := t.Collator.Collate(seqs, batchKey)
		shards, err := batch.Shard(t.Devices)
		if err != nil {
			return nil, nil, fmt.Errorf("train: %w", err)
		}

		err = group.Run(func(r *device.Replica) error {
			rank := r.Rank()
			res, err := Step(r, genReps[rank], discReps[rank], shards[rank], devKeys[rank])
			if err != nil {
				return fmt.Errorf("device %d: %w", rank, err)
			}
			results[rank] = res
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		for i, res := range results {
			genReps[i] = res.Generator
			discReps[i] = res.Discriminator
			devKeys[i] = res.NextKey
		}

		if !results[0].Applied {
			continue
		}
		step := genReps[0].Step()
		m := results[0].Metrics

		if t.LoggingSteps > 0 && step%t.LoggingSteps == 0 {
			now := time.Now()
			elapsed := now.Sub(lastLog).Seconds()
			rate := 0.0
			if elapsed > 0 {
				rate = float64(step-lastLogStep) / elapsed
			}
			lastLog = now
			lastLogStep = step

			if t.Sink != nil {
				err := t.Sink.Log(step, map[string]float64{
					"generator_loss":     m.GeneratorLoss,
					"discriminator_loss": m.DiscriminatorLoss,
					"learning_rate":      genReps[0].OptCfg.LR(step),
					"steps_per_second":   rate,
				})
				if err != nil {
					return nil, nil, fmt.Errorf("train: emit metrics: %w", err)
				}
			}
		}

		if t.Save != nil && t.SaveSteps > 0 && step%t.SaveSteps == 0 {
			if err := t.Save(step, genReps[0], discReps[0]); err != nil {
				return nil, nil, fmt.Errorf("train: checkpoint at step %d: %w", step, err)
			}
		}
	}

	log.Info("training finished", "step", genReps[0].Step())
	return genReps[0], discReps[0], nil
}
