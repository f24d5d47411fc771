package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nvfp4fix/pkg/repair"
)

func fixCmd() *cli.Command {
	var (
		inputDir  string
		outputDir string
		dtype     string
	)

	return &cli.Command{
		Name:  "fix",
		Usage: "Rewrite a model directory with weight_scale tensors upcast to bf16/f16",
		Flags: append(globalFlags(),
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"in", "i"},
				Usage:       "broken NVFP4 model directory",
				Required:    true,
				Destination: &inputDir,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"out", "o"},
				Usage:       "destination directory for the repaired model",
				Required:    true,
				Destination: &outputDir,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Aliases:     []string{"d"},
				Usage:       "target scale dtype: bf16|f16",
				Value:       "bf16",
				Destination: &dtype,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyFixConfig(cmd, cfg, &dtype)
			log := newLogger(cmd, cfg)

			report, err := repair.Repair(repair.Options{
				InputDir:    inputDir,
				OutputDir:   outputDir,
				TargetDType: dtype,
				Log:         log,
			})
			if err != nil {
				return fmt.Errorf("fix: %w", err)
			}

			fmt.Printf("modules scanned:   %d\n", report.ModulesScanned)
			fmt.Printf("scales converted:  %d\n", report.ScalesConverted)
			fmt.Printf("scales kept:       %d\n", report.ScalesKept)
			fmt.Printf("tensors copied:    %d\n", report.PackedCopied+report.OtherCopied)
			fmt.Printf("bytes copied:      %d\n", report.BytesCopied)
			return nil
		},
	}
}
