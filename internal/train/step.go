package train

import (
	"math"

	"github.com/samcharles93/electra/internal/collator"
	"github.com/samcharles93/electra/internal/device"
	"github.com/samcharles93/electra/internal/model"
	"github.com/samcharles93/electra/internal/prng"
	"github.com/samcharles93/electra/internal/tensor"
)

// discLossScale balances the summed binary cross-entropy of the
// discriminator against the generator's masked-LM loss.
const discLossScale = 50

// Metrics are the per-step scalars, globally normalised and therefore
// identical on every device.
type Metrics struct {
	GeneratorLoss     float64
	DiscriminatorLoss float64
}

// StepResult is everything one micro-batch produces.
type StepResult struct {
	Generator     *ModelState
	Discriminator *ModelState
	Metrics       Metrics
	// NextKey is the dropout key for the next step. The incoming key is
	// consumed; reusing it would correlate randomness across steps.
	NextKey prng.Key
	// Applied reports whether this micro-batch materialised an optimizer
	// update (false for intermediate gradient-accumulation batches).
	Applied bool
}

// Step runs the replaced-token-detection protocol on one device's batch
// shard: generator forward/backward, cross-device reduction and update,
// discriminator input synthesis by Gumbel-max sampling, discriminator
// forward/backward, reduction and update.
//
// The function is pure with respect to the incoming states: it returns
// fresh states and never mutates its inputs. It must be called on every
// replica of the group in the same step, as the reductions block until
// all devices arrive.
func Step(r *device.Replica, gen, disc *ModelState, b *collator.Batch, key prng.Key) (*StepResult, error) {
	dropoutKey, nextKey, sampleKey := key.Split3()

	rows := b.Rows()
	seqLen := b.SeqLen()
	n := rows * seqLen

	// generator forward and masked cross-entropy
	genIn := model.ApplyInput{
		InputIDs:      b.InputIDs,
		AttentionMask: b.AttentionMask,
		DropoutKey:    dropoutKey,
		Train:         true,
	}
	genOut, err := gen.Model.Apply(gen.Params, genIn)
	if err != nil {
		return nil, err
	}
	logits := genOut.Logits

	vocab := logits.C
	dLogits := tensor.NewMat(n, vocab)
	var lossSum float64
	var numLabels float64
	for row := 0; row < rows; row++ {
		for t := 0; t < seqLen; t++ {
			label := b.Labels[row][t]
			if label == collator.IgnoreLabel {
				continue
			}
			idx := row*seqLen + t
			lrow := logits.Row(idx)
			lossSum += tensor.LogSumExp(lrow) - float64(lrow[label])
			numLabels++

			drow := dLogits.Row(idx)
			copy(drow, lrow)
			tensor.Softmax(drow)
			drow[label]--
		}
	}

	genGrads, _, err := gen.Model.Backward(gen.Params, genIn, genOut, &dLogits)
	if err != nil {
		return nil, err
	}

	// reduce across devices and normalise by the global masked count, so
	// shards with unequal mask counts are weighted correctly
	globalNum := r.AllReduceSum(numLabels)
	globalLoss := r.AllReduceSum(lossSum)
	genGradsSum := r.AllReduceTree(genGrads)

	genLoss := 0.0
	if globalNum > 0 {
		genLoss = globalLoss / globalNum
		genGradsSum.ScaleInPlace(float32(1 / globalNum))
	} else {
		// no masked token anywhere this step: a zero gradient keeps the
		// replicas and accumulation counters in lockstep without
		// dividing by zero
		genGradsSum = genGradsSum.ZerosLike()
	}

	newGenParams, newGenOpt, applied := gen.OptCfg.Apply(gen.Opt, gen.Params, genGradsSum)
	newGen := &ModelState{Model: gen.Model, Params: newGenParams, Opt: newGenOpt, OptCfg: gen.OptCfg}

	// synthesise discriminator inputs: Gumbel-max samples from the
	// generator's predictive distribution at masked positions
	sampleStream := sampleKey.Stream()
	predIDs := make([][]int32, rows)
	replaced := make([][]bool, rows)
	noise := make([]float32, vocab)
	for row := 0; row < rows; row++ {
		predIDs[row] = make([]int32, seqLen)
		replaced[row] = make([]bool, seqLen)
		for t := 0; t < seqLen; t++ {
			if !b.Masked[row][t] {
				predIDs[row][t] = b.InputIDs[row][t]
			} else {
				lrow := logits.Row(row*seqLen + t)
				for v := range noise {
					noise[v] = lrow[v] + float32(sampleStream.Gumbel())
				}
				predIDs[row][t] = int32(tensor.ArgMax(noise))
			}
			replaced[row][t] = predIDs[row][t] != b.OriginalIDs[row][t]
		}
	}
	b.PredIDs = predIDs
	b.ReplacedIDs = replaced

	// discriminator input embeddings: the average of its own embedding
	// rows and the generator's, borrowed read-only (pre-update params, no
	// gradient flows back into the generator)
	discEmb := disc.Params.MustGet(model.WordEmbeddings)
	genEmb := gen.Params.MustGet(model.WordEmbeddings)
	hidden := discEmb.C
	embeds := tensor.NewMat(n, hidden)
	for row := 0; row < rows; row++ {
		for t := 0; t < seqLen; t++ {
			idx := row*seqLen + t
			id := int(predIDs[row][t])
			dst := embeds.Row(idx)
			copy(dst, discEmb.Row(id))
			tensor.Add(dst, genEmb.Row(id))
			tensor.Scale(dst, 0.5)
		}
	}

	discIn := model.ApplyInput{
		InputIDs:      predIDs,
		AttentionMask: b.AttentionMask,
		InputEmbeds:   &embeds,
		DropoutKey:    dropoutKey,
		Train:         true,
	}
	discOut, err := disc.Model.Apply(disc.Params, discIn)
	if err != nil {
		return nil, err
	}

	// sigmoid binary cross-entropy over every position, summed and scaled
	dScore := tensor.NewMat(n, 1)
	var discLossSum float64
	for row := 0; row < rows; row++ {
		for t := 0; t < seqLen; t++ {
			idx := row*seqLen + t
			x := float64(discOut.Logits.Data[idx])
			y := 0.0
			if replaced[row][t] {
				y = 1
			}
			discLossSum += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
			dScore.Data[idx] = float32((sigmoid(x) - y) * discLossScale)
		}
	}
	discLossSum *= discLossScale

	discGrads, dEmbeds, err := disc.Model.Backward(disc.Params, discIn, discOut, &dScore)
	if err != nil {
		return nil, err
	}
	// the averaged-embedding input: half of the embedding gradient belongs
	// to the discriminator's table, the generator's half is dropped
	gEmb := discGrads.MustGet(model.WordEmbeddings)
	for row := 0; row < rows; row++ {
		for t := 0; t < seqLen; t++ {
			idx := row*seqLen + t
			id := int(predIDs[row][t])
			tensor.Axpy(gEmb.Row(id), 0.5, dEmbeds.Row(idx))
		}
	}

	globalNumDisc := r.AllReduceSum(float64(n))
	globalDiscLoss := r.AllReduceSum(discLossSum)
	discGradsSum := r.AllReduceTree(discGrads)

	discLoss := globalDiscLoss / globalNumDisc
	discGradsSum.ScaleInPlace(float32(1 / globalNumDisc))

	newDiscParams, newDiscOpt, _ := disc.OptCfg.Apply(disc.Opt, disc.Params, discGradsSum)
	newDisc := &ModelState{Model: disc.Model, Params: newDiscParams, Opt: newDiscOpt, OptCfg: disc.OptCfg}

	return &StepResult{
		Generator:     newGen,
		Discriminator: newDisc,
		Metrics: Metrics{
			GeneratorLoss:     genLoss,
			DiscriminatorLoss: discLoss,
		},
		NextKey: nextKey,
		Applied: applied,
	}, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
