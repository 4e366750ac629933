package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the electra configuration file
// (~/.config/electra/config.yaml). All fields are pointers so we can
// distinguish "not set" from zero values.
type Config struct {
	// Data
	TrainFile string `yaml:"train_file"`
	OutputDir string `yaml:"output_dir"`

	// Training defaults
	BatchSize      *int64   `yaml:"batch_size"`
	SeqLen         *int64   `yaml:"seq_len"`
	MLMProbability *float64 `yaml:"mlm_probability"`
	LearningRate   *float64 `yaml:"learning_rate"`
	NumTrainSteps  *int64   `yaml:"num_train_steps"`
	WarmupSteps    *int64   `yaml:"warmup_steps"`
	Seed           *int64   `yaml:"seed"`
	Devices        *int64   `yaml:"devices"`
	Optimizer      string   `yaml:"optimizer"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Watch server
	WatchAddress string `yaml:"watch_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "electra", "config.yaml")
}

// applyTrainConfig applies config file defaults to train command
// variables when the corresponding CLI flag was not explicitly set.
func applyTrainConfig(c *cli.Command, cfg Config,
	batchSize, seqLen *int64, mlmProb, lr *float64,
	numSteps, warmup, seed, devices *int64, optimizer, watchAddr *string,
) {
	if cfg.TrainFile != "" && !c.IsSet("train-file") {
		trainFile = cfg.TrainFile
	}
	if cfg.OutputDir != "" && !c.IsSet("output-dir") {
		outputDir = cfg.OutputDir
	}
	if cfg.BatchSize != nil && !c.IsSet("batch-size") {
		*batchSize = *cfg.BatchSize
	}
	if cfg.SeqLen != nil && !c.IsSet("seq-len") {
		*seqLen = *cfg.SeqLen
	}
	if cfg.MLMProbability != nil && !c.IsSet("mlm-probability") {
		*mlmProb = *cfg.MLMProbability
	}
	if cfg.LearningRate != nil && !c.IsSet("learning-rate") {
		*lr = *cfg.LearningRate
	}
	if cfg.NumTrainSteps != nil && !c.IsSet("num-train-steps") {
		*numSteps = *cfg.NumTrainSteps
	}
	if cfg.WarmupSteps != nil && !c.IsSet("warmup-steps") {
		*warmup = *cfg.WarmupSteps
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
	if cfg.Devices != nil && !c.IsSet("devices") {
		*devices = *cfg.Devices
	}
	if cfg.Optimizer != "" && !c.IsSet("optimizer") {
		*optimizer = cfg.Optimizer
	}
	if cfg.WatchAddress != "" && !c.IsSet("watch-addr") {
		*watchAddr = cfg.WatchAddress
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or cannot be parsed.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
