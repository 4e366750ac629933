package device

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/samcharles93/electra/internal/params"
	"github.com/samcharles93/electra/internal/tensor"
)

func TestAllReduceSum(t *testing.T) {
	g, err := NewGroup(4)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	got := make([]float64, 4)
	err = g.Run(func(r *Replica) error {
		sum := r.AllReduceSum(float64(r.Rank() + 1))
		mu.Lock()
		got[r.Rank()] = sum
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for rank, sum := range got {
		if sum != 10 {
			t.Fatalf("rank %d saw %v, want 10", rank, sum)
		}
	}
}

// The correct global mean weights each shard by its label count, which
// differs from averaging the per-shard means when shards are unequal.
func TestWeightedMeanUnequalShards(t *testing.T) {
	losses := []float64{8, 1}
	counts := []float64{4, 1}

	g, err := NewGroup(2)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	means := make([]float64, 2)
	err = g.Run(func(r *Replica) error {
		lossSum := r.AllReduceSum(losses[r.Rank()])
		countSum := r.AllReduceSum(counts[r.Rank()])
		mu.Lock()
		means[r.Rank()] = lossSum / countSum
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := 9.0 / 5.0                  // sum over sum
	wrong := (8.0/4.0 + 1.0/1.0) / 2.0 // mean of means
	if math.Abs(want-wrong) < 1e-9 {
		t.Fatal("test fixture does not distinguish the two reductions")
	}
	for rank, m := range means {
		if math.Abs(m-want) > 1e-12 {
			t.Fatalf("rank %d mean %v, want %v", rank, m, want)
		}
	}
}

func TestAllReduceTree(t *testing.T) {
	const n = 3
	g, err := NewGroup(n)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	results := make([]*params.Tree, n)
	err = g.Run(func(r *Replica) error {
		local := params.New()
		local.Set("w", tensor.NewMatFromData(1, 2, []float32{float32(r.Rank()), 1}))
		sum := r.AllReduceTree(local)
		mu.Lock()
		results[r.Rank()] = sum
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	for rank, tree := range results {
		w := tree.MustGet("w").Data
		if w[0] != 3 || w[1] != 3 {
			t.Fatalf("rank %d reduced to %v, want [3 3]", rank, w)
		}
	}
	// each replica owns a distinct result tree
	results[0].MustGet("w").Data[0] = 99
	if results[1].MustGet("w").Data[0] == 99 {
		t.Fatal("reduced trees alias each other")
	}
}

func TestConsecutiveReductions(t *testing.T) {
	g, err := NewGroup(2)
	if err != nil {
		t.Fatal(err)
	}
	err = g.Run(func(r *Replica) error {
		for i := 0; i < 50; i++ {
			sum := r.AllReduceSum(float64(i))
			if sum != float64(2*i) {
				return errors.New("reduction mixed values across rounds")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReplicaErrorUnblocksGroup(t *testing.T) {
	g, err := NewGroup(3)
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err = g.Run(func(r *Replica) error {
		if r.Rank() == 1 {
			return boom
		}
		// the other replicas park in a collective and must be released
		r.AllReduceSum(1)
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the replica error", err)
	}
}

func TestGroupReusableAfterError(t *testing.T) {
	g, err := NewGroup(2)
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	_ = g.Run(func(r *Replica) error {
		if r.Rank() == 0 {
			return boom
		}
		r.AllReduceSum(1)
		return nil
	})

	err = g.Run(func(r *Replica) error {
		if got := r.AllReduceSum(2); got != 4 {
			return errors.New("stale state after failed run")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNewGroupRejectsNonPositive(t *testing.T) {
	if _, err := NewGroup(0); err == nil {
		t.Fatal("zero devices accepted")
	}
}
