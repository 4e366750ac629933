package params

import (
	"math"
	"testing"

	"github.com/samcharles93/electra/internal/tensor"
)

func testTree() *Tree {
	t := New()
	a := tensor.NewMat(2, 3)
	tensor.FillRand(&a, 1)
	b := tensor.NewMat(1, 4)
	tensor.FillRand(&b, 2)
	t.Set("encoder.dense.weight", a)
	t.Set("encoder.dense.bias", b)
	return t
}

func TestCloneIndependence(t *testing.T) {
	orig := testTree()
	cp := orig.Clone()

	cp.MustGet("encoder.dense.weight").Data[0] += 1

	if orig.MustGet("encoder.dense.weight").Data[0] == cp.MustGet("encoder.dense.weight").Data[0] {
		t.Fatal("clone aliases the original leaf")
	}
}

func TestNamesSorted(t *testing.T) {
	tr := testTree()
	names := tr.Names()
	if len(names) != 2 {
		t.Fatalf("got %d names", len(names))
	}
	if names[0] != "encoder.dense.bias" || names[1] != "encoder.dense.weight" {
		t.Fatalf("names not sorted: %v", names)
	}
}

func TestZerosLike(t *testing.T) {
	z := testTree().ZerosLike()
	for _, name := range z.Names() {
		for _, v := range z.MustGet(name).Data {
			if v != 0 {
				t.Fatalf("leaf %s not zeroed", name)
			}
		}
	}
}

func TestAddAndScaleInPlace(t *testing.T) {
	a := testTree()
	b := a.Clone()
	sum := a.Clone()
	sum.AddInPlace(b)
	sum.ScaleInPlace(0.5)

	for _, name := range a.Names() {
		want := a.MustGet(name)
		got := sum.MustGet(name)
		for i := range want.Data {
			if math.Abs(float64(got.Data[i]-want.Data[i])) > 1e-7 {
				t.Fatalf("leaf %s element %d: %v != %v", name, i, got.Data[i], want.Data[i])
			}
		}
	}
}

func TestGlobalNorm(t *testing.T) {
	tr := New()
	m := tensor.NewMatFromData(1, 2, []float32{3, 4})
	tr.Set("x", m)
	if got := tr.GlobalNorm(); math.Abs(got-5) > 1e-7 {
		t.Fatalf("norm %v, want 5", got)
	}
}

func TestZipMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("zip over mismatched trees did not panic")
		}
	}()
	a := testTree()
	b := New()
	a.Zip(b, func(_ string, x, _ tensor.Mat) tensor.Mat { return x.Clone() })
}

func TestNoDecay(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"encoder.dense.weight", false},
		{"encoder.dense.bias", true},
		{"embeddings.word_embeddings.weight", false},
		{"embeddings.LayerNorm.weight", true},
		{"encoder.layer_norm.weight", true},
		{"bias", true},
		{"lm_head.bias", true},
	}
	for _, c := range cases {
		if got := NoDecay(c.name); got != c.want {
			t.Fatalf("NoDecay(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}
