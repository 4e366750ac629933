// Package params models parameter collections as immutable trees of named
// tensor leaves. Leaf names are dot-separated paths matching the
// safetensors naming of the checkpoint on disk, e.g.
// "embeddings.word_embeddings.weight".
//
// The trainer never mutates a tree it did not just build: "updating"
// parameters constructs a new tree, which keeps device replicas from
// aliasing each other's state.
package params

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/samcharles93/electra/internal/tensor"
)

// Tree is a collection of named tensor leaves.
type Tree struct {
	leaves map[string]tensor.Mat
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{leaves: make(map[string]tensor.Mat)}
}

// Set stores a leaf. It overwrites any existing leaf of the same name.
func (t *Tree) Set(name string, m tensor.Mat) {
	t.leaves[name] = m
}

// Get returns the named leaf.
func (t *Tree) Get(name string) (tensor.Mat, bool) {
	m, ok := t.leaves[name]
	return m, ok
}

// MustGet returns the named leaf or panics. Missing leaves are programmer
// errors: trees for one model config always share the same shape.
func (t *Tree) MustGet(name string) tensor.Mat {
	m, ok := t.leaves[name]
	if !ok {
		panic(fmt.Sprintf("params: missing leaf %q", name))
	}
	return m
}

// Len returns the number of leaves.
func (t *Tree) Len() int { return len(t.leaves) }

// Names returns the leaf names in sorted order. Every cross-leaf walk uses
// this order so replicas stay bit-identical.
func (t *Tree) Names() []string {
	names := make([]string, 0, len(t.leaves))
	for name := range t.leaves {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (t *Tree) Clone() *Tree {
	out := New()
	for name, m := range t.leaves {
		out.leaves[name] = m.Clone()
	}
	return out
}

// ZerosLike returns a tree with the same leaf names and shapes, all zero.
func (t *Tree) ZerosLike() *Tree {
	out := New()
	for name, m := range t.leaves {
		out.leaves[name] = tensor.NewMat(m.R, m.C)
	}
	return out
}

// Map returns a new tree whose leaves are fn applied to each leaf.
// fn must return a freshly allocated matrix.
func (t *Tree) Map(fn func(name string, m tensor.Mat) tensor.Mat) *Tree {
	out := New()
	for name, m := range t.leaves {
		out.leaves[name] = fn(name, m)
	}
	return out
}

// Zip returns a new tree combining matching leaves of t and other.
// It panics if the trees do not share the same leaf set.
func (t *Tree) Zip(other *Tree, fn func(name string, a, b tensor.Mat) tensor.Mat) *Tree {
	if len(t.leaves) != len(other.leaves) {
		panic("params: zip over mismatched trees")
	}
	out := New()
	for name, a := range t.leaves {
		b, ok := other.leaves[name]
		if !ok {
			panic(fmt.Sprintf("params: zip missing leaf %q", name))
		}
		out.leaves[name] = fn(name, a, b)
	}
	return out
}

// AddInPlace accumulates other into t element-wise. Only valid on trees the
// caller owns exclusively (gradient accumulators, reduction scratch).
func (t *Tree) AddInPlace(other *Tree) {
	for name, a := range t.leaves {
		b, ok := other.leaves[name]
		if !ok {
			panic(fmt.Sprintf("params: add missing leaf %q", name))
		}
		tensor.Add(a.Data, b.Data)
	}
}

// ScaleInPlace multiplies every leaf by alpha. Same ownership rule as
// AddInPlace.
func (t *Tree) ScaleInPlace(alpha float32) {
	for _, m := range t.leaves {
		tensor.Scale(m.Data, alpha)
	}
}

// GlobalNorm returns the L2 norm over every element of every leaf.
func (t *Tree) GlobalNorm() float64 {
	var sum float64
	for _, m := range t.leaves {
		for _, v := range m.Data {
			sum += float64(v) * float64(v)
		}
	}
	return math.Sqrt(sum)
}

// NoDecay reports whether the named leaf is excluded from weight decay.
// Biases and normalisation parameters are excluded, matching the usual
// transformer pretraining recipe.
func NoDecay(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".bias") || lower == "bias" {
		return true
	}
	for _, frag := range []string{"layernorm", "layer_norm", ".ln."} {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
