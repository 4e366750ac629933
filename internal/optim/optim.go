// Package optim implements the parameter update rule used by both
// networks: linear warmup/decay scheduling, global-norm gradient clipping,
// and an AdamW or LAMB moment update with weight decay masked away from
// bias and normalisation parameters.
//
// The update is functional: Apply consumes the old parameter tree and
// optimizer state and returns fresh values. Gradient accumulation is part
// of the state, so intermediate micro-batches return the parameters
// untouched and do not advance the update count.
package optim

import (
	"fmt"
	"math"

	"github.com/samcharles93/electra/internal/params"
	"github.com/samcharles93/electra/internal/tensor"
)

// Family selects the optimizer update rule.
type Family string

const (
	AdamW Family = "adamw"
	Lamb  Family = "lamb"
)

// ParseFamily validates an optimizer name from configuration.
func ParseFamily(name string) (Family, error) {
	switch Family(name) {
	case AdamW, Lamb:
		return Family(name), nil
	default:
		return "", fmt.Errorf("unknown optimizer %q (want adamw or lamb)", name)
	}
}

// Schedule maps the zero-based update count to a learning rate.
type Schedule func(step int64) float64

// LinearWarmupDecay ramps linearly from zero to peak over warmupSteps
// updates, then decays linearly back to zero at totalSteps.
func LinearWarmupDecay(peak float64, warmupSteps, totalSteps int64) Schedule {
	return func(step int64) float64 {
		switch {
		case warmupSteps > 0 && step < warmupSteps:
			return peak * float64(step) / float64(warmupSteps)
		case step >= totalSteps:
			return 0
		case totalSteps == warmupSteps:
			return peak
		default:
			return peak * float64(totalSteps-step) / float64(totalSteps-warmupSteps)
		}
	}
}

// Constant returns a flat schedule, mostly for tests.
func Constant(lr float64) Schedule {
	return func(int64) float64 { return lr }
}

// Config holds the hyperparameters shared by every update.
type Config struct {
	LR          Schedule
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
	MaxGradNorm float64 // <= 0 disables clipping
	Family      Family
	AccumSteps  int // micro-batches per materialised update; min 1
	// NoDecay reports leaves excluded from weight decay.
	// Nil means decay every leaf.
	NoDecay func(name string) bool
}

// State is the optimizer's internal state for one parameter tree.
type State struct {
	Mu    *params.Tree // first moment estimates
	Nu    *params.Tree // second moment estimates
	Count int64        // materialised updates so far

	// gradient accumulation
	Acc   *params.Tree // nil unless AccumSteps > 1
	Micro int          // micro-batches folded into Acc
}

// Clone deep-copies the state. Used when replicating model state across
// devices so no replica aliases another's moments.
func (s *State) Clone() *State {
	out := &State{
		Mu:    s.Mu.Clone(),
		Nu:    s.Nu.Clone(),
		Count: s.Count,
		Micro: s.Micro,
	}
	if s.Acc != nil {
		out.Acc = s.Acc.Clone()
	}
	return out
}

// Init builds zeroed state shaped like the parameter tree.
func (c Config) Init(p *params.Tree) *State {
	s := &State{
		Mu: p.ZerosLike(),
		Nu: p.ZerosLike(),
	}
	if c.AccumSteps > 1 {
		s.Acc = p.ZerosLike()
	}
	return s
}

// Apply folds grads into the state and, on a materialising micro-batch,
// produces updated parameters. The returned bool reports whether an update
// happened; when false the returned tree is the input tree unchanged.
func (c Config) Apply(s *State, p, grads *params.Tree) (*params.Tree, *State, bool) {
	g := grads
	next := &State{Mu: s.Mu, Nu: s.Nu, Count: s.Count, Acc: s.Acc, Micro: s.Micro}

	if c.AccumSteps > 1 {
		acc := s.Acc.Clone()
		acc.AddInPlace(grads)
		if next.Micro++; next.Micro < c.AccumSteps {
			next.Acc = acc
			return p, next, false
		}
		acc.ScaleInPlace(1 / float32(c.AccumSteps))
		g = acc
		next.Acc = s.Acc.ZerosLike()
		next.Micro = 0
	}

	if c.MaxGradNorm > 0 {
		if norm := g.GlobalNorm(); norm > c.MaxGradNorm {
			scaled := g.Clone()
			scaled.ScaleInPlace(float32(c.MaxGradNorm / norm))
			g = scaled
		}
	}

	lr := c.LR(next.Count)
	t := float64(next.Count + 1)
	bc1 := 1 - math.Pow(c.Beta1, t)
	bc2 := 1 - math.Pow(c.Beta2, t)

	mu := params.New()
	nu := params.New()
	out := params.New()

	for _, name := range p.Names() {
		pm := p.MustGet(name)
		gm := g.MustGet(name)
		muOld := s.Mu.MustGet(name)
		nuOld := s.Nu.MustGet(name)

		muNew := tensor.NewMat(pm.R, pm.C)
		nuNew := tensor.NewMat(pm.R, pm.C)
		upd := tensor.NewMat(pm.R, pm.C)

		decay := c.WeightDecay
		if decay != 0 && c.NoDecay != nil && c.NoDecay(name) {
			decay = 0
		}

		for i := range pm.Data {
			gv := float64(gm.Data[i])
			m := c.Beta1*float64(muOld.Data[i]) + (1-c.Beta1)*gv
			v := c.Beta2*float64(nuOld.Data[i]) + (1-c.Beta2)*gv*gv
			muNew.Data[i] = float32(m)
			nuNew.Data[i] = float32(v)
			u := (m / bc1) / (math.Sqrt(v/bc2) + c.Eps)
			if decay != 0 {
				u += decay * float64(pm.Data[i])
			}
			upd.Data[i] = float32(u)
		}

		step := lr
		if c.Family == Lamb {
			step *= trustRatio(pm, upd)
		}

		pNew := pm.Clone()
		tensor.Axpy(pNew.Data, float32(-step), upd.Data)

		mu.Set(name, muNew)
		nu.Set(name, nuNew)
		out.Set(name, pNew)
	}

	next.Mu = mu
	next.Nu = nu
	next.Count = s.Count + 1
	return out, next, true
}

// trustRatio scales the LAMB update by ||p|| / ||u|| per leaf, falling
// back to 1 when either norm vanishes.
func trustRatio(p, u tensor.Mat) float64 {
	pn := p.FrobeniusNorm()
	un := u.FrobeniusNorm()
	if pn == 0 || un == 0 {
		return 1
	}
	return pn / un
}
