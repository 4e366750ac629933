package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/electra/internal/checkpoint"
	"github.com/samcharles93/electra/internal/collator"
	"github.com/samcharles93/electra/internal/dataset"
	"github.com/samcharles93/electra/internal/logger"
	"github.com/samcharles93/electra/internal/metrics"
	"github.com/samcharles93/electra/internal/model"
	"github.com/samcharles93/electra/internal/optim"
	"github.com/samcharles93/electra/internal/params"
	"github.com/samcharles93/electra/internal/prng"
	"github.com/samcharles93/electra/internal/tokenizer"
	"github.com/samcharles93/electra/internal/train"
)

func trainCmd() *cli.Command {
	var (
		batchSize     int64
		seqLen        int64
		mlmProb       float64
		learningRate  float64
		weightDecay   float64
		adamBeta1     float64
		adamBeta2     float64
		adamEpsilon   float64
		maxGradNorm   float64
		optimizerName string
		accumSteps    int64
		numTrainSteps int64
		warmupSteps   int64
		loggingSteps  int64
		saveSteps     int64
		seed          int64
		devices       int64
		shuffleSize   int64
		dtype         string
		watchAddr     string
	)

	return &cli.Command{
		Name:  "train",
		Usage: "Pretrain a generator/discriminator pair with replaced token detection",
		Flags: append(append(append(modelFlags(), dataFlags()...), loggingFlags()...),
			&cli.Int64Flag{
				Name:        "batch-size",
				Aliases:     []string{"b"},
				Usage:       "per-device batch size",
				Value:       8,
				Destination: &batchSize,
			},
			&cli.Int64Flag{
				Name:        "seq-len",
				Usage:       "tokens per training record",
				Value:       512,
				Destination: &seqLen,
			},
			&cli.Float64Flag{
				Name:        "mlm-probability",
				Usage:       "fraction of non-special positions selected for masking",
				Value:       0.15,
				Destination: &mlmProb,
			},
			&cli.Float64Flag{
				Name:        "learning-rate",
				Aliases:     []string{"lr"},
				Usage:       "peak learning rate",
				Value:       5e-5,
				Destination: &learningRate,
			},
			&cli.Float64Flag{
				Name:        "weight-decay",
				Usage:       "decoupled weight decay (biases and layer norms excluded)",
				Value:       0,
				Destination: &weightDecay,
			},
			&cli.Float64Flag{
				Name:        "adam-beta1",
				Usage:       "first moment decay",
				Value:       0.9,
				Destination: &adamBeta1,
			},
			&cli.Float64Flag{
				Name:        "adam-beta2",
				Usage:       "second moment decay",
				Value:       0.98,
				Destination: &adamBeta2,
			},
			&cli.Float64Flag{
				Name:        "adam-epsilon",
				Usage:       "update denominator epsilon",
				Value:       1e-6,
				Destination: &adamEpsilon,
			},
			&cli.Float64Flag{
				Name:        "max-grad-norm",
				Usage:       "global gradient norm clip; 0 disables",
				Value:       1.0,
				Destination: &maxGradNorm,
			},
			&cli.StringFlag{
				Name:        "optimizer",
				Usage:       "update rule (adamw, lamb)",
				Value:       "adamw",
				Destination: &optimizerName,
			},
			&cli.Int64Flag{
				Name:        "grad-accum-steps",
				Usage:       "micro-batches folded into each optimizer update",
				Value:       1,
				Destination: &accumSteps,
			},
			&cli.Int64Flag{
				Name:        "num-train-steps",
				Usage:       "total optimizer updates",
				Value:       500000,
				Destination: &numTrainSteps,
			},
			&cli.Int64Flag{
				Name:        "warmup-steps",
				Usage:       "linear warmup updates",
				Value:       10000,
				Destination: &warmupSteps,
			},
			&cli.Int64Flag{
				Name:        "logging-steps",
				Usage:       "metric emission interval in updates",
				Value:       100,
				Destination: &loggingSteps,
			},
			&cli.Int64Flag{
				Name:        "save-steps",
				Usage:       "checkpoint interval in updates",
				Value:       10000,
				Destination: &saveSteps,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "root random seed",
				Value:       42,
				Destination: &seed,
			},
			&cli.Int64Flag{
				Name:        "devices",
				Usage:       "data-parallel device count",
				Value:       1,
				Destination: &devices,
			},
			&cli.Int64Flag{
				Name:        "shuffle-buffer",
				Usage:       "dataset shuffle window in records",
				Value:       dataset.DefaultShuffleSize,
				Destination: &shuffleSize,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "checkpoint tensor precision (f32, f16, bf16)",
				Value:       "f32",
				Destination: &dtype,
			},
			&cli.StringFlag{
				Name:        "watch-addr",
				Usage:       "optional HTTP address serving live training status",
				Destination: &watchAddr,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyTrainConfig(cmd, LoadConfig(),
				&batchSize, &seqLen, &mlmProb, &learningRate,
				&numTrainSteps, &warmupSteps, &seed, &devices,
				&optimizerName, &watchAddr)

			level := logLevel
			if debug {
				level = "debug"
			}
			log := logger.ForFormat(os.Stderr, logFormat, level)
			ctx = logger.WithContext(ctx, log)

			switch {
			case trainFile == "":
				return fmt.Errorf("--train-file is required")
			case outputDir == "":
				return fmt.Errorf("--output-dir is required")
			case generatorPath == "":
				return fmt.Errorf("--generator is required")
			case discriminatorPath == "":
				return fmt.Errorf("--discriminator is required")
			case tokenizerPath == "":
				return fmt.Errorf("--tokenizer is required")
			}
			if err := checkOutputDir(outputDir, overwriteOutput); err != nil {
				return err
			}
			storageDtype, err := parseDtype(dtype)
			if err != nil {
				return err
			}
			family, err := optim.ParseFamily(optimizerName)
			if err != nil {
				return err
			}

			tok, err := tokenizer.Load(tokenizerPath)
			if err != nil {
				return err
			}
			coll, err := collator.New(tok, mlmProb)
			if err != nil {
				return err
			}

			initRoot := prng.NewKey(uint64(seed)).Fold(1)
			genInitKey, discInitKey := initRoot.Split2()
			genModel, genParams, err := loadNetwork(ctx, generatorPath, model.ArchGenerator, genInitKey)
			if err != nil {
				return err
			}
			discModel, discParams, err := loadNetwork(ctx, discriminatorPath, model.ArchDiscriminator, discInitKey)
			if err != nil {
				return err
			}
			if genModel.Cfg.VocabSize != tok.VocabSize() {
				return fmt.Errorf("generator vocab size %d does not match tokenizer vocab size %d",
					genModel.Cfg.VocabSize, tok.VocabSize())
			}
			if genModel.Cfg.VocabSize != discModel.Cfg.VocabSize ||
				genModel.Cfg.HiddenSize != discModel.Cfg.HiddenSize {
				return fmt.Errorf("generator and discriminator must share vocab and hidden sizes to average embeddings")
			}

			optCfg := optim.Config{
				LR:          optim.LinearWarmupDecay(learningRate, warmupSteps, numTrainSteps),
				Beta1:       adamBeta1,
				Beta2:       adamBeta2,
				Eps:         adamEpsilon,
				WeightDecay: weightDecay,
				MaxGradNorm: maxGradNorm,
				Family:      family,
				AccumSteps:  int(accumSteps),
				NoDecay:     params.NoDecay,
			}

			data, err := dataset.Open(dataset.Config{
				Pattern:     trainFile,
				SeqLen:      int(seqLen),
				BatchSize:   int(batchSize * devices),
				ShuffleSize: int(shuffleSize),
				Seed:        uint64(seed),
			})
			if err != nil {
				return err
			}
			defer data.Close()

			writer, err := checkpoint.NewWriter(outputDir, tok, storageDtype)
			if err != nil {
				return err
			}

			jsonl, err := metrics.NewJSONL(filepath.Join(outputDir, "metrics.jsonl"))
			if err != nil {
				return err
			}
			sinks := metrics.Multi{jsonl, metrics.NewLogSink(log)}
			if watchAddr != "" {
				watch := metrics.NewServer(jsonl.RunID())
				sinks = append(sinks, watch)
				go func() {
					if err := watch.Serve(ctx, watchAddr); err != nil && ctx.Err() == nil {
						log.Error("watch server stopped", "error", err)
					}
				}()
			}
			defer func() {
				if err := sinks.Close(); err != nil {
					log.Warn("closing metrics sinks", "error", err)
				}
			}()

			if err := writeTrainingArgs(outputDir, trainingArgs{
				RunID:          jsonl.RunID(),
				StartTime:      time.Now().UTC(),
				TrainFile:      trainFile,
				OutputDir:      outputDir,
				BatchSize:      batchSize,
				Devices:        devices,
				SeqLen:         seqLen,
				MLMProbability: mlmProb,
				LearningRate:   learningRate,
				WeightDecay:    weightDecay,
				AdamBeta1:      adamBeta1,
				AdamBeta2:      adamBeta2,
				AdamEpsilon:    adamEpsilon,
				MaxGradNorm:    maxGradNorm,
				Optimizer:      optimizerName,
				GradAccumSteps: accumSteps,
				NumTrainSteps:  numTrainSteps,
				WarmupSteps:    warmupSteps,
				LoggingSteps:   loggingSteps,
				SaveSteps:      saveSteps,
				Seed:           seed,
				Dtype:          dtype,
			}); err != nil {
				return err
			}

			trainer := &train.Trainer{
				Gen:          train.NewModelState(genModel, genParams, optCfg),
				Disc:         train.NewModelState(discModel, discParams, optCfg),
				Collator:     coll,
				Data:         data,
				Devices:      int(devices),
				TotalSteps:   numTrainSteps,
				LoggingSteps: loggingSteps,
				SaveSteps:    saveSteps,
				Seed:         uint64(seed),
				Sink:         sinks,
				Save: func(step int64, gen, disc *train.ModelState) error {
					return writer.Save(step, gen.Model, gen.Params, disc.Model, disc.Params)
				},
			}

			gen, disc, err := trainer.Run(ctx)
			if err != nil {
				return err
			}

			// final snapshot unless the loop just wrote one
			final := gen.Step()
			if saveSteps <= 0 || final%saveSteps != 0 {
				if err := writer.Save(final, gen.Model, gen.Params, disc.Model, disc.Params); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// loadNetwork loads a pretrained snapshot when the directory holds
// weights, or initialises fresh parameters from its config.json.
func loadNetwork(ctx context.Context, dir, wantArch string, key prng.Key) (*model.Model, *params.Tree, error) {
	log := logger.FromContext(ctx)

	if _, err := os.Stat(filepath.Join(dir, "model.safetensors")); err == nil {
		m, p, err := model.FromPretrained(dir)
		if err != nil {
			return nil, nil, err
		}
		if m.Cfg.Architecture != wantArch {
			return nil, nil, fmt.Errorf("%s holds a %s snapshot, want %s", dir, m.Cfg.Architecture, wantArch)
		}
		log.Info("loaded pretrained weights", "path", dir, "architecture", wantArch)
		return m, p, nil
	}

	cfg, err := model.LoadConfig(dir)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Architecture != wantArch {
		return nil, nil, fmt.Errorf("%s holds a %s config, want %s", dir, cfg.Architecture, wantArch)
	}
	m, err := model.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	log.Info("initialising fresh weights", "path", dir, "architecture", wantArch)
	return m, m.Init(key), nil
}

// checkOutputDir refuses a non-empty output directory unless overwriting
// was requested, so resumed flags cannot silently clobber an earlier run.
func checkOutputDir(dir string, overwrite bool) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) > 0 && !overwrite {
		return fmt.Errorf("output directory %s exists and is not empty (use --overwrite-output-dir)", dir)
	}
	return nil
}

func parseDtype(s string) (string, error) {
	switch s {
	case "f32", "float32":
		return "F32", nil
	case "f16", "float16":
		return "F16", nil
	case "bf16", "bfloat16":
		return "BF16", nil
	default:
		return "", fmt.Errorf("unknown dtype %q (want f32, f16 or bf16)", s)
	}
}

// trainingArgs is the resolved run configuration written next to the
// checkpoints so a run can be reconstructed from its output alone.
type trainingArgs struct {
	RunID          string    `json:"run_id"`
	StartTime      time.Time `json:"start_time"`
	TrainFile      string    `json:"train_file"`
	OutputDir      string    `json:"output_dir"`
	BatchSize      int64     `json:"per_device_batch_size"`
	Devices        int64     `json:"devices"`
	SeqLen         int64     `json:"seq_len"`
	MLMProbability float64   `json:"mlm_probability"`
	LearningRate   float64   `json:"learning_rate"`
	WeightDecay    float64   `json:"weight_decay"`
	AdamBeta1      float64   `json:"adam_beta1"`
	AdamBeta2      float64   `json:"adam_beta2"`
	AdamEpsilon    float64   `json:"adam_epsilon"`
	MaxGradNorm    float64   `json:"max_grad_norm"`
	Optimizer      string    `json:"optimizer"`
	GradAccumSteps int64     `json:"grad_accum_steps"`
	NumTrainSteps  int64     `json:"num_train_steps"`
	WarmupSteps    int64     `json:"warmup_steps"`
	LoggingSteps   int64     `json:"logging_steps"`
	SaveSteps      int64     `json:"save_steps"`
	Seed           int64     `json:"seed"`
	Dtype          string    `json:"dtype"`
}

func writeTrainingArgs(dir string, args trainingArgs) error {
	data, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "training_args.json"), append(data, '\n'), 0o644)
}
