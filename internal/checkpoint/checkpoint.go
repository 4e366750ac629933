// Package checkpoint lays out training snapshots on disk. Each snapshot
// is a checkpoint-<step>/ directory holding generator/ and discriminator/
// subdirectories (config.json plus model.safetensors) with the tokenizer
// state at its root, so a single checkpoint directory is enough to resume
// or serve from. A convenience copy of the tokenizer also lives at the
// output root.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/samcharles93/electra/internal/model"
	"github.com/samcharles93/electra/internal/params"
	"github.com/samcharles93/electra/internal/tokenizer"
)

const (
	// GeneratorDir and DiscriminatorDir name the per-network
	// subdirectories inside a checkpoint.
	GeneratorDir     = "generator"
	DiscriminatorDir = "discriminator"
)

var stepDirRe = regexp.MustCompile(`^checkpoint-(\d+)$`)

// Dir returns the checkpoint directory name for a step.
func Dir(outputDir string, step int64) string {
	return filepath.Join(outputDir, fmt.Sprintf("checkpoint-%d", step))
}

// Writer saves periodic snapshots for one training run.
type Writer struct {
	outputDir string
	tok       *tokenizer.Tokenizer
	dtype     string // safetensors storage dtype for saved weights
}

// NewWriter prepares the output directory and writes the tokenizer state
// into its root.
func NewWriter(outputDir string, tok *tokenizer.Tokenizer, dtype string) (*Writer, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	if err := tok.Save(outputDir); err != nil {
		return nil, fmt.Errorf("checkpoint: save tokenizer: %w", err)
	}
	return &Writer{outputDir: outputDir, tok: tok, dtype: dtype}, nil
}

// Save writes one snapshot of both networks plus the tokenizer state, so
// the checkpoint directory stands on its own.
func (w *Writer) Save(step int64, gen *model.Model, genParams *params.Tree, disc *model.Model, discParams *params.Tree) error {
	dir := Dir(w.outputDir, step)
	if err := gen.Save(filepath.Join(dir, GeneratorDir), genParams, w.dtype); err != nil {
		return fmt.Errorf("checkpoint step %d: generator: %w", step, err)
	}
	if err := disc.Save(filepath.Join(dir, DiscriminatorDir), discParams, w.dtype); err != nil {
		return fmt.Errorf("checkpoint step %d: discriminator: %w", step, err)
	}
	if err := w.tok.Save(dir); err != nil {
		return fmt.Errorf("checkpoint step %d: tokenizer: %w", step, err)
	}
	return nil
}

// Latest returns the highest-step checkpoint directory under outputDir
// and its step, or ok=false when none exists.
func Latest(outputDir string) (dir string, step int64, ok bool, err error) {
	entries, err := os.ReadDir(outputDir)
	if os.IsNotExist(err) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}

	var steps []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := stepDirRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		steps = append(steps, n)
	}
	if len(steps) == 0 {
		return "", 0, false, nil
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })
	best := steps[len(steps)-1]
	return Dir(outputDir, best), best, true, nil
}
