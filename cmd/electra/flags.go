package main

import "github.com/urfave/cli/v3"

var (
	generatorPath     string
	discriminatorPath string
	tokenizerPath     string
	trainFile         string
	outputDir         string
	overwriteOutput   bool
	logLevel          string
	logFormat         string
	debug             bool
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "generator",
			Aliases:     []string{"g"},
			Usage:       "path to generator config dir or checkpoint",
			Destination: &generatorPath,
		},
		&cli.StringFlag{
			Name:        "discriminator",
			Aliases:     []string{"d"},
			Usage:       "path to discriminator config dir or checkpoint",
			Destination: &discriminatorPath,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "path to directory with tokenizer.json and tokenizer_config.json",
			Destination: &tokenizerPath,
		},
	}
}

func dataFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "train-file",
			Usage:       "glob over token-record shard files (.gz for gzip)",
			Destination: &trainFile,
		},
		&cli.StringFlag{
			Name:        "output-dir",
			Aliases:     []string{"o"},
			Usage:       "directory for checkpoints, metrics and tokenizer state",
			Destination: &outputDir,
		},
		&cli.BoolFlag{
			Name:        "overwrite-output-dir",
			Usage:       "allow writing into a non-empty output directory",
			Destination: &overwriteOutput,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
