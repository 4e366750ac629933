package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/electra/internal/logger"
	"github.com/samcharles93/electra/internal/metrics"
)

func watchCmd() *cli.Command {
	var (
		metricsFile string
		address     string
	)

	return &cli.Command{
		Name:  "watch",
		Usage: "Serve live status for a running or finished training run",
		Flags: append(loggingFlags(),
			&cli.StringFlag{
				Name:        "metrics-file",
				Usage:       "metrics.jsonl to follow (defaults to <output-dir>/metrics.jsonl)",
				Destination: &metricsFile,
			},
			&cli.StringFlag{
				Name:        "output-dir",
				Aliases:     []string{"o"},
				Usage:       "training output directory",
				Destination: &outputDir,
			},
			&cli.StringFlag{
				Name:        "address",
				Aliases:     []string{"a"},
				Usage:       "listen address",
				Value:       ":8090",
				Destination: &address,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			level := logLevel
			if debug {
				level = "debug"
			}
			log := logger.ForFormat(os.Stderr, logFormat, level)
			ctx = logger.WithContext(ctx, log)

			if metricsFile == "" {
				if outputDir == "" {
					return fmt.Errorf("--metrics-file or --output-dir is required")
				}
				metricsFile = filepath.Join(outputDir, "metrics.jsonl")
			}

			srv := metrics.NewServer("")
			go followMetrics(ctx, log, metricsFile, srv)

			log.Info("watching training run", "metrics", metricsFile, "address", address)
			return srv.Serve(ctx, address)
		},
	}
}

// followMetrics tails a metrics.jsonl file, feeding each complete line
// to the server. It survives the file not existing yet, so the watcher
// can be started before the run.
func followMetrics(ctx context.Context, log logger.Logger, path string, srv *metrics.Server) {
	var (
		f       *os.File
		r       *bufio.Reader
		pending string
	)
	defer func() {
		if f != nil {
			_ = f.Close()
		}
	}()

	wait := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
			return true
		}
	}

	for {
		if f == nil {
			var err error
			f, err = os.Open(path)
			if err != nil {
				if !wait() {
					return
				}
				continue
			}
			r = bufio.NewReader(f)
		}

		line, err := r.ReadString('\n')
		if err == io.EOF {
			pending += line
			if !wait() {
				return
			}
			continue
		}
		if err != nil {
			log.Error("reading metrics file", "error", err)
			return
		}

		line = pending + line
		pending = ""
		var rec metrics.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Warn("skipping malformed metrics line", "error", err)
			continue
		}
		srv.Observe(rec)
	}
}
