package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nvfp4fix/pkg/repair"
)

func checkCmd() *cli.Command {
	var inputDir string

	return &cli.Command{
		Name:  "check",
		Usage: "Report whether a model directory still needs repair (exit 1 if it does)",
		Flags: append(globalFlags(),
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"in", "i"},
				Usage:       "model directory to check",
				Required:    true,
				Destination: &inputDir,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			res, err := repair.Check(inputDir)
			if err != nil {
				return fmt.Errorf("check: %w", err)
			}

			fmt.Printf("quantized modules: %d\n", res.Modules)
			if res.Repaired() {
				fmt.Println("all weight_scale tensors present and wide: no repair needed")
				return nil
			}
			for _, mod := range res.Missing {
				fmt.Printf("missing scale:     %s\n", mod)
			}
			for _, mod := range res.Narrow {
				fmt.Printf("fp8 scale:         %s\n", mod)
			}
			return cli.Exit(fmt.Sprintf("%d module(s) need repair", len(res.Missing)+len(res.Narrow)), 1)
		},
	}
}
