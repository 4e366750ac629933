// Package device provides the data-parallel execution group: a fixed set
// of logical devices, each a goroutine running the same program in
// lockstep, synchronised only through blocking collective reductions.
//
// Replication is by construction: the driver clones model state once per
// replica before training, and every reduction leaves all replicas with
// bit-identical values, so the replicas never need to exchange state
// outside the collectives.
package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/electra/internal/params"
)

// errAborted unwinds replicas parked in a collective after another
// replica has failed.
var errAborted = errors.New("device group aborted")

// Group coordinates n lockstep replicas. A Group may be reused across
// many Run calls but only one Run may be active at a time.
type Group struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	gen     uint64
	err     error

	vals  []float64
	trees []*params.Tree
}

// NewGroup creates a group of n devices.
func NewGroup(n int) (*Group, error) {
	if n <= 0 {
		return nil, fmt.Errorf("device count must be positive, got %d", n)
	}
	g := &Group{
		size:  n,
		vals:  make([]float64, n),
		trees: make([]*params.Tree, n),
	}
	g.cond = sync.NewCond(&g.mu)
	return g, nil
}

// Size returns the number of devices in the group.
func (g *Group) Size() int { return g.size }

// Run executes fn once per device, in parallel, and blocks until every
// replica has finished. The first error aborts the collectives so the
// remaining replicas unwind instead of waiting forever on the barrier.
func (g *Group) Run(fn func(r *Replica) error) error {
	g.mu.Lock()
	g.arrived = 0
	g.err = nil
	g.mu.Unlock()

	errs := make([]error, g.size)
	var wg sync.WaitGroup
	for rank := 0; rank < g.size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					if err, ok := r.(error); ok && errors.Is(err, errAborted) {
						return
					}
					panic(r)
				}
			}()
			if err := fn(&Replica{rank: rank, g: g}); err != nil {
				errs[rank] = err
				g.fail(err)
			}
		}(rank)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *Group) fail(err error) {
	g.mu.Lock()
	if g.err == nil {
		g.err = err
	}
	g.cond.Broadcast()
	g.mu.Unlock()
}

// barrier blocks until every replica arrives. It panics with errAborted
// when the group has failed, which Run recovers.
func (g *Group) barrier() {
	g.mu.Lock()
	if g.err != nil {
		g.mu.Unlock()
		panic(errAborted)
	}
	gen := g.gen
	g.arrived++
	if g.arrived == g.size {
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
		g.mu.Unlock()
		return
	}
	for gen == g.gen && g.err == nil {
		g.cond.Wait()
	}
	failed := g.err != nil
	g.mu.Unlock()
	if failed {
		panic(errAborted)
	}
}

// Replica is one device's view of the group, valid only inside Run.
type Replica struct {
	rank int
	g    *Group
}

// Rank returns the device index in [0, Size).
func (r *Replica) Rank() int { return r.rank }

// Size returns the group size.
func (r *Replica) Size() int { return r.g.size }

// AllReduceSum sums x across all replicas. Every replica receives the
// identical total; the call blocks until all replicas contribute.
func (r *Replica) AllReduceSum(x float64) float64 {
	g := r.g
	g.vals[r.rank] = x
	g.barrier()
	var sum float64
	for _, v := range g.vals {
		sum += v
	}
	// second barrier so no replica can overwrite vals for a subsequent
	// reduction while a slow replica is still summing
	g.barrier()
	return sum
}

// AllReduceTree sums parameter trees leaf-wise across all replicas. Each
// replica receives its own freshly allocated result; summation order is
// fixed by rank so the results are bit-identical.
func (r *Replica) AllReduceTree(t *params.Tree) *params.Tree {
	g := r.g
	g.trees[r.rank] = t
	g.barrier()
	out := t.ZerosLike()
	for _, contrib := range g.trees {
		out.AddInPlace(contrib)
	}
	g.barrier()
	return out
}
