package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/electra/internal/checkpoint"
	"github.com/samcharles93/electra/internal/model"
	"github.com/samcharles93/electra/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var tensorLimit int

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a checkpoint or safetensors file",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return fmt.Errorf("usage: electra inspect <path>")
			}

			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return inspectWeights(path, tensorLimit)
			}

			// an output dir full of checkpoints: descend into the latest
			if _, err := os.Stat(filepath.Join(path, "config.json")); os.IsNotExist(err) {
				if sub, step, ok, err := latestNetworkDir(path); err != nil {
					return err
				} else if ok {
					fmt.Printf("latest checkpoint: step %d\n\n", step)
					path = sub
				}
			}
			return inspectNetworkDir(path, tensorLimit)
		},
	}
}

// latestNetworkDir resolves an output directory to its newest
// checkpoint's generator/ subdirectory.
func latestNetworkDir(path string) (string, int64, bool, error) {
	dir, step, ok, err := checkpoint.Latest(path)
	if err != nil || !ok {
		return "", 0, false, err
	}
	return filepath.Join(dir, checkpoint.GeneratorDir), step, true, nil
}

func inspectNetworkDir(dir string, limit int) error {
	cfg, err := model.LoadConfig(dir)
	if err != nil {
		return err
	}
	fmt.Printf("architecture:  %s\n", cfg.Architecture)
	fmt.Printf("vocab size:    %d\n", cfg.VocabSize)
	fmt.Printf("hidden size:   %d\n", cfg.HiddenSize)
	fmt.Printf("max position:  %d\n", cfg.MaxPosition)
	fmt.Printf("dropout:       %g\n", cfg.DropoutProb)
	fmt.Println()
	return inspectWeights(filepath.Join(dir, "model.safetensors"), limit)
}

func inspectWeights(path string, limit int) error {
	sf, err := safetensors.Open(path)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(sf.Tensors))
	for name := range sf.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	var total int64
	for _, name := range names {
		t := sf.Tensors[name]
		total += t.End - t.Start
	}
	fmt.Printf("file:    %s\n", path)
	fmt.Printf("tensors: %d (%s)\n\n", len(names), formatBytes(total))

	shown := 0
	for _, name := range names {
		if limit > 0 && shown >= limit {
			fmt.Printf("... %d more\n", len(names)-shown)
			break
		}
		t := sf.Tensors[name]
		dims := make([]string, len(t.Shape))
		for i, d := range t.Shape {
			dims[i] = fmt.Sprintf("%d", d)
		}
		fmt.Printf("%-48s %-5s [%s]\n", name, t.DType, strings.Join(dims, ", "))
		shown++
	}
	return nil
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
