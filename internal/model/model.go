// Package model implements the network collaborator of the trainer: a
// compact encoder with a tied-embedding MLM head for the generator and a
// per-position binary head for the discriminator.
//
// The training protocol only depends on the interface here (Init,
// FromPretrained, Apply, Backward, Save); a deeper encoder can replace
// this one without touching the train step.
package model

import (
	"fmt"

	"github.com/samcharles93/electra/internal/params"
	"github.com/samcharles93/electra/internal/prng"
	"github.com/samcharles93/electra/internal/tensor"
)

// Parameter leaf names. The word-embedding path is shared knowledge with
// the train step, which borrows the generator's embedding table when
// building discriminator inputs.
const (
	WordEmbeddings     = "embeddings.word_embeddings.weight"
	PositionEmbeddings = "embeddings.position_embeddings.weight"
	EncoderDenseWeight = "encoder.dense.weight"
	EncoderDenseBias   = "encoder.dense.bias"
	LMHeadBias         = "lm_head.bias"
	RTDHeadWeight      = "rtd_head.weight"
	RTDHeadBias        = "rtd_head.bias"
)

// Model wraps a Config with the forward/backward implementation.
type Model struct {
	Cfg Config
}

// New returns a model for the validated config.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model{Cfg: cfg}, nil
}

// Init builds a freshly initialised parameter tree.
func (m *Model) Init(key prng.Key) *params.Tree {
	cfg := m.Cfg
	stream := key.Stream()
	seed := func() int64 { return int64(stream.Uint64() >> 1) }

	p := params.New()

	emb := tensor.NewMat(cfg.VocabSize, cfg.HiddenSize)
	tensor.FillNormal(&emb, seed(), 0.02)
	p.Set(WordEmbeddings, emb)

	pos := tensor.NewMat(cfg.MaxPosition, cfg.HiddenSize)
	tensor.FillNormal(&pos, seed(), 0.02)
	p.Set(PositionEmbeddings, pos)

	w := tensor.NewMat(cfg.HiddenSize, cfg.HiddenSize)
	tensor.FillNormal(&w, seed(), 0.02)
	p.Set(EncoderDenseWeight, w)
	p.Set(EncoderDenseBias, tensor.NewMat(1, cfg.HiddenSize))

	if cfg.IsDiscriminator() {
		hw := tensor.NewMat(1, cfg.HiddenSize)
		tensor.FillNormal(&hw, seed(), 0.02)
		p.Set(RTDHeadWeight, hw)
		p.Set(RTDHeadBias, tensor.NewMat(1, 1))
	} else {
		p.Set(LMHeadBias, tensor.NewMat(1, cfg.VocabSize))
	}
	return p
}

// ApplyInput carries one forward pass's inputs.
type ApplyInput struct {
	InputIDs [][]int32
	// AttentionMask is accepted for interface compatibility but not yet
	// consulted: batches are fixed-length with an all-ones mask, so there
	// is nothing to exclude. A variable-length caller would need masking
	// wired through the encoder first.
	AttentionMask [][]int32
	// InputEmbeds, when non-nil, replaces the word-embedding lookup with
	// caller-provided rows (shape [rows*seqLen, hidden]). Position
	// embeddings are still added.
	InputEmbeds *tensor.Mat
	DropoutKey  prng.Key
	Train       bool
}

func (in ApplyInput) dims() (rows, seqLen int, err error) {
	rows = len(in.InputIDs)
	if rows == 0 {
		return 0, 0, fmt.Errorf("empty batch")
	}
	seqLen = len(in.InputIDs[0])
	for _, seq := range in.InputIDs {
		if len(seq) != seqLen {
			return 0, 0, fmt.Errorf("ragged batch")
		}
	}
	return rows, seqLen, nil
}

// ApplyOutput carries logits plus the activations Backward needs.
// Logits is [rows*seqLen, vocab] for the generator and [rows*seqLen, 1]
// for the discriminator.
type ApplyOutput struct {
	Logits tensor.Mat

	rows, seqLen int
	x            tensor.Mat // encoder input after embedding sum
	pre          tensor.Mat // dense pre-activation
	hidden       tensor.Mat // post-gelu, post-dropout hidden states
	dropMask     []float32  // nil when dropout inactive
	usedEmbeds   bool
}

// Apply runs the forward pass.
func (m *Model) Apply(p *params.Tree, in ApplyInput) (*ApplyOutput, error) {
	cfg := m.Cfg
	rows, seqLen, err := in.dims()
	if err != nil {
		return nil, err
	}
	if seqLen > cfg.MaxPosition {
		return nil, fmt.Errorf("sequence length %d exceeds max positions %d", seqLen, cfg.MaxPosition)
	}

	emb := p.MustGet(WordEmbeddings)
	pos := p.MustGet(PositionEmbeddings)
	n := rows * seqLen

	x := tensor.NewMat(n, cfg.HiddenSize)
	if in.InputEmbeds != nil {
		if in.InputEmbeds.R != n || in.InputEmbeds.C != cfg.HiddenSize {
			return nil, fmt.Errorf("input embeds shape [%d,%d], want [%d,%d]",
				in.InputEmbeds.R, in.InputEmbeds.C, n, cfg.HiddenSize)
		}
		for i := 0; i < n; i++ {
			copy(x.Row(i), in.InputEmbeds.Row(i))
		}
	} else {
		for r := 0; r < rows; r++ {
			for t := 0; t < seqLen; t++ {
				id := in.InputIDs[r][t]
				if id < 0 || int(id) >= cfg.VocabSize {
					return nil, fmt.Errorf("token id %d out of vocabulary", id)
				}
				copy(x.Row(r*seqLen+t), emb.Row(int(id)))
			}
		}
	}
	for r := 0; r < rows; r++ {
		for t := 0; t < seqLen; t++ {
			tensor.Add(x.Row(r*seqLen+t), pos.Row(t))
		}
	}

	w := p.MustGet(EncoderDenseWeight)
	b := p.MustGet(EncoderDenseBias)

	pre := tensor.NewMat(n, cfg.HiddenSize)
	tensor.Gemm(&pre, &x, &w)
	for i := 0; i < n; i++ {
		tensor.Add(pre.Row(i), b.Row(0))
	}

	hidden := tensor.NewMat(n, cfg.HiddenSize)
	for i := range pre.Data {
		hidden.Data[i] = tensor.Gelu(pre.Data[i])
	}

	var dropMask []float32
	if in.Train && cfg.DropoutProb > 0 {
		dropMask = dropoutMask(in.DropoutKey, len(hidden.Data), cfg.DropoutProb)
		for i := range hidden.Data {
			hidden.Data[i] *= dropMask[i]
		}
	}

	out := &ApplyOutput{
		rows:       rows,
		seqLen:     seqLen,
		x:          x,
		pre:        pre,
		hidden:     hidden,
		dropMask:   dropMask,
		usedEmbeds: in.InputEmbeds != nil,
	}

	if cfg.IsDiscriminator() {
		hw := p.MustGet(RTDHeadWeight)
		hb := p.MustGet(RTDHeadBias)
		logits := tensor.NewMat(n, 1)
		for i := 0; i < n; i++ {
			logits.Data[i] = tensor.Dot(hidden.Row(i), hw.Row(0)) + hb.Data[0]
		}
		out.Logits = logits
	} else {
		lmBias := p.MustGet(LMHeadBias)
		logits := tensor.NewMat(n, cfg.VocabSize)
		tensor.GemmNT(&logits, &hidden, &emb)
		for i := 0; i < n; i++ {
			tensor.Add(logits.Row(i), lmBias.Row(0))
		}
		out.Logits = logits
	}
	return out, nil
}

// Backward computes parameter gradients given the loss gradient w.r.t.
// logits. The second return value is the gradient w.r.t. the input
// embeddings; it is only meaningful when the forward pass used an
// InputEmbeds override, in which case no word-embedding lookup gradient is
// included in the tree and the caller decides where the embedding gradient
// flows.
func (m *Model) Backward(p *params.Tree, in ApplyInput, out *ApplyOutput, dLogits *tensor.Mat) (*params.Tree, tensor.Mat, error) {
	cfg := m.Cfg
	n := out.rows * out.seqLen
	if dLogits.R != n || dLogits.C != out.Logits.C {
		return nil, tensor.Mat{}, fmt.Errorf("logit gradient shape [%d,%d], want [%d,%d]",
			dLogits.R, dLogits.C, n, out.Logits.C)
	}

	emb := p.MustGet(WordEmbeddings)
	w := p.MustGet(EncoderDenseWeight)

	grads := p.ZerosLike()
	dHidden := tensor.NewMat(n, cfg.HiddenSize)

	if cfg.IsDiscriminator() {
		hw := p.MustGet(RTDHeadWeight)
		gHW := grads.MustGet(RTDHeadWeight)
		gHB := grads.MustGet(RTDHeadBias)
		for i := 0; i < n; i++ {
			d := dLogits.Data[i]
			if d == 0 {
				continue
			}
			tensor.Axpy(dHidden.Row(i), d, hw.Row(0))
			tensor.Axpy(gHW.Row(0), d, out.hidden.Row(i))
			gHB.Data[0] += d
		}
	} else {
		// tied head: logits = hidden @ emb^T + bias, so the embedding
		// table collects the head gradient here and the lookup gradient
		// below.
		tensor.Gemm(&dHidden, dLogits, &emb)
		gEmb := grads.MustGet(WordEmbeddings)
		tensor.GemmTNAcc(&gEmb, dLogits, &out.hidden)
		gBias := grads.MustGet(LMHeadBias)
		for i := 0; i < n; i++ {
			tensor.Add(gBias.Row(0), dLogits.Row(i))
		}
	}

	if out.dropMask != nil {
		for i := range dHidden.Data {
			dHidden.Data[i] *= out.dropMask[i]
		}
	}

	// through the gelu
	dPre := tensor.NewMat(n, cfg.HiddenSize)
	for i := range dPre.Data {
		dPre.Data[i] = dHidden.Data[i] * tensor.GeluGrad(out.pre.Data[i])
	}

	gW := grads.MustGet(EncoderDenseWeight)
	tensor.GemmTNAcc(&gW, &out.x, &dPre)
	gB := grads.MustGet(EncoderDenseBias)
	for i := 0; i < n; i++ {
		tensor.Add(gB.Row(0), dPre.Row(i))
	}

	dX := tensor.NewMat(n, cfg.HiddenSize)
	tensor.GemmNT(&dX, &dPre, &w)

	gPos := grads.MustGet(PositionEmbeddings)
	for r := 0; r < out.rows; r++ {
		for t := 0; t < out.seqLen; t++ {
			tensor.Add(gPos.Row(t), dX.Row(r*out.seqLen+t))
		}
	}

	if !out.usedEmbeds {
		gEmb := grads.MustGet(WordEmbeddings)
		for r := 0; r < out.rows; r++ {
			for t := 0; t < out.seqLen; t++ {
				id := int(in.InputIDs[r][t])
				tensor.Add(gEmb.Row(id), dX.Row(r*out.seqLen+t))
			}
		}
	}

	return grads, dX, nil
}

// dropoutMask returns per-element keep/scale factors: 0 for dropped
// activations, 1/(1-p) for kept ones.
func dropoutMask(key prng.Key, n int, p float64) []float32 {
	mask := make([]float32, n)
	keep := float32(1 / (1 - p))
	stream := key.Stream()
	for i := range mask {
		if !stream.Bernoulli(p) {
			mask[i] = keep
		}
	}
	return mask
}
