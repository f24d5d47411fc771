package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nvfp4fix/internal/logger"
)

var (
	logLevel  string
	logFormat string
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level: debug|info|warn|error",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format: pretty|json",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}

// newLogger builds the process logger from the global flags, with config file
// defaults applied when the flags were not set.
func newLogger(c *cli.Command, cfg Config) logger.Logger {
	level := logLevel
	format := logFormat
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		level = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		format = cfg.LogFormat
	}
	if format == "json" {
		return logger.JSON(os.Stderr, logger.ParseLevel(level))
	}
	return logger.Pretty(os.Stderr, logger.ParseLevel(level))
}

func main() {
	app := &cli.Command{
		Name:  "nvfp4fix",
		Usage: "Repair NVFP4 models with missing or FP8 weight_scale tensors",
		Flags: globalFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			fixCmd(),
			checkCmd(),
			inspectCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
