package train

import (
	"github.com/samcharles93/electra/internal/model"
	"github.com/samcharles93/electra/internal/optim"
	"github.com/samcharles93/electra/internal/params"
)

// ModelState bundles one network's parameters with its optimizer state.
// States are immutable from the caller's point of view: the step function
// consumes a state and returns a new one, never mutating in place.
type ModelState struct {
	Model  *model.Model
	Params *params.Tree
	Opt    *optim.State
	OptCfg optim.Config
}

// NewModelState initialises optimizer state for the given parameters.
func NewModelState(m *model.Model, p *params.Tree, cfg optim.Config) *ModelState {
	return &ModelState{
		Model:  m,
		Params: p,
		Opt:    cfg.Init(p),
		OptCfg: cfg,
	}
}

// Replicate deep-copies the state for one device. Replicas share the
// Model (immutable config) but own their parameter and moment trees.
func (s *ModelState) Replicate() *ModelState {
	return &ModelState{
		Model:  s.Model,
		Params: s.Params.Clone(),
		Opt:    s.Opt.Clone(),
		OptCfg: s.OptCfg,
	}
}

// Step returns the number of materialised optimizer updates.
func (s *ModelState) Step() int64 { return s.Opt.Count }
