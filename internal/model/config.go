package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// Architecture names recorded in config.json.
const (
	ArchGenerator     = "electra-generator"
	ArchDiscriminator = "electra-discriminator"
)

// Config describes one network of the generator/discriminator pair.
type Config struct {
	Architecture string  `json:"architecture"`
	VocabSize    int     `json:"vocab_size"`
	HiddenSize   int     `json:"hidden_size"`
	MaxPosition  int     `json:"max_position_embeddings"`
	DropoutProb  float64 `json:"hidden_dropout_prob"`
}

// IsDiscriminator reports whether the config describes the RTD network.
func (c Config) IsDiscriminator() bool {
	return c.Architecture == ArchDiscriminator
}

// Validate checks the config for the errors worth failing fast on.
func (c Config) Validate() error {
	switch c.Architecture {
	case ArchGenerator, ArchDiscriminator:
	default:
		return fmt.Errorf("unknown architecture %q", c.Architecture)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	}
	if c.HiddenSize <= 0 {
		return fmt.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
	}
	if c.MaxPosition <= 0 {
		return fmt.Errorf("max_position_embeddings must be positive, got %d", c.MaxPosition)
	}
	if c.DropoutProb < 0 || c.DropoutProb >= 1 {
		return fmt.Errorf("hidden_dropout_prob %v out of range", c.DropoutProb)
	}
	return nil
}

// LoadConfig reads a config.json from dir.
func LoadConfig(dir string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config.json: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SaveConfig writes config.json into dir.
func (c Config) SaveConfig(dir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), append(data, '\n'), 0o644)
}
