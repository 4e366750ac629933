package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/samcharles93/electra/internal/params"
	"github.com/samcharles93/electra/internal/prng"
	"github.com/samcharles93/electra/internal/safetensors"
	"github.com/samcharles93/electra/internal/tensor"
)

// zeroKey seeds the throwaway reference tree used for shape checking.
func zeroKey() prng.Key { return prng.NewKey(0) }

const weightsFile = "model.safetensors"

// FromPretrained loads a config and parameter snapshot from a directory
// previously produced by Save (or a checkpoint subdirectory).
func FromPretrained(dir string) (*Model, *params.Tree, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", dir, err)
	}
	m, err := New(cfg)
	if err != nil {
		return nil, nil, err
	}

	sf, err := safetensors.Open(filepath.Join(dir, weightsFile))
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", dir, err)
	}

	tree := params.New()
	for name := range sf.Tensors {
		data, info, err := sf.ReadTensorF32(name)
		if err != nil {
			return nil, nil, err
		}
		r, c, err := asMatrixShape(info.Shape)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		tree.Set(name, tensor.NewMatFromData(r, c, data))
	}

	if err := checkTree(m, tree); err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", dir, err)
	}
	return m, tree, nil
}

// Save writes config.json and the parameter snapshot into dir using the
// given storage dtype ("F32", "F16" or "BF16").
func (m *Model) Save(dir string, tree *params.Tree, dtype string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := m.Cfg.SaveConfig(dir); err != nil {
		return err
	}
	tensors := make([]safetensors.WriteTensor, 0, tree.Len())
	for _, name := range tree.Names() {
		leaf := tree.MustGet(name)
		tensors = append(tensors, safetensors.WriteTensor{
			Name:  name,
			Shape: []int{leaf.R, leaf.C},
			Data:  leaf.Data,
		})
	}
	return safetensors.Write(filepath.Join(dir, weightsFile), tensors, dtype)
}

// checkTree verifies the loaded snapshot has every leaf the architecture
// expects, with the right shapes.
func checkTree(m *Model, tree *params.Tree) error {
	want := m.Init(zeroKey())
	if tree.Len() != want.Len() {
		return fmt.Errorf("snapshot has %d tensors, architecture wants %d", tree.Len(), want.Len())
	}
	for _, name := range want.Names() {
		ref := want.MustGet(name)
		got, ok := tree.Get(name)
		if !ok {
			return fmt.Errorf("snapshot missing tensor %s", name)
		}
		if got.R != ref.R || got.C != ref.C {
			return fmt.Errorf("tensor %s has shape [%d,%d], want [%d,%d]", name, got.R, got.C, ref.R, ref.C)
		}
	}
	return nil
}

func asMatrixShape(shape []int) (int, int, error) {
	switch len(shape) {
	case 1:
		return 1, shape[0], nil
	case 2:
		return shape[0], shape[1], nil
	default:
		return 0, 0, fmt.Errorf("unsupported rank %d", len(shape))
	}
}
