package prng

import (
	"math"
	"testing"
)

func TestStreamDeterminism(t *testing.T) {
	a := NewKey(42).Stream()
	b := NewKey(42).Stream()
	for i := 0; i < 100; i++ {
		if got, want := a.Uint64(), b.Uint64(); got != want {
			t.Fatalf("draw %d: %d != %d", i, got, want)
		}
	}
}

func TestDifferentSeedsDiffer(t *testing.T) {
	a := NewKey(1).Stream()
	b := NewKey(2).Stream()
	same := 0
	for i := 0; i < 64; i++ {
		if a.Uint64() == b.Uint64() {
			same++
		}
	}
	if same != 0 {
		t.Fatalf("streams for different seeds collided %d times", same)
	}
}

func TestSplitDeterminism(t *testing.T) {
	k := NewKey(7)
	a := k.Split(4)
	b := k.Split(4)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("child %d differs across identical splits", i)
		}
	}
}

func TestSplitChildrenIndependent(t *testing.T) {
	children := NewKey(3).Split(8)
	seen := make(map[uint64]int)
	for i, c := range children {
		s := c.Stream()
		for j := 0; j < 16; j++ {
			v := s.Uint64()
			if prev, ok := seen[v]; ok {
				t.Fatalf("child %d repeats a word of child %d", i, prev)
			}
			seen[v] = i
		}
	}
}

func TestSplit3MatchesSplit(t *testing.T) {
	k := NewKey(11)
	a, b, c := k.Split3()
	ks := k.Split(3)
	if a != ks[0] || b != ks[1] || c != ks[2] {
		t.Fatal("Split3 disagrees with Split(3)")
	}
}

func TestFoldDistinct(t *testing.T) {
	k := NewKey(5)
	if k.Fold(0) == k.Fold(1) {
		t.Fatal("fold of distinct data produced identical keys")
	}
	if k.Fold(0) != k.Fold(0) {
		t.Fatal("fold is not deterministic")
	}
}

func TestFloat64Range(t *testing.T) {
	s := NewKey(9).Stream()
	for i := 0; i < 10000; i++ {
		v := s.Float64()
		if v < 0 || v >= 1 {
			t.Fatalf("draw %d out of [0,1): %v", i, v)
		}
	}
}

func TestBernoulliRate(t *testing.T) {
	const n = 200000
	s := NewKey(13).Stream()
	hits := 0
	for i := 0; i < n; i++ {
		if s.Bernoulli(0.15) {
			hits++
		}
	}
	rate := float64(hits) / n
	if math.Abs(rate-0.15) > 0.005 {
		t.Fatalf("bernoulli(0.15) rate %v", rate)
	}
}

func TestIntnBounds(t *testing.T) {
	s := NewKey(17).Stream()
	seen := make([]bool, 10)
	for i := 0; i < 10000; i++ {
		v := s.Intn(10)
		if v < 0 || v >= 10 {
			t.Fatalf("Intn(10) returned %d", v)
		}
		seen[v] = true
	}
	for v, ok := range seen {
		if !ok {
			t.Fatalf("Intn(10) never produced %d", v)
		}
	}
}

func TestGumbelFinite(t *testing.T) {
	s := NewKey(19).Stream()
	var sum float64
	for i := 0; i < 100000; i++ {
		g := s.Gumbel()
		if math.IsNaN(g) || math.IsInf(g, 0) {
			t.Fatalf("draw %d not finite: %v", i, g)
		}
		sum += g
	}
	// standard Gumbel mean is the Euler-Mascheroni constant
	mean := sum / 100000
	if math.Abs(mean-0.5772) > 0.02 {
		t.Fatalf("gumbel mean %v, want about 0.5772", mean)
	}
}
