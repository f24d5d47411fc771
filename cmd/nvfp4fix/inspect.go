package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nvfp4fix/pkg/repair"
	"github.com/samcharles93/nvfp4fix/pkg/safetensors"
)

func inspectCmd() *cli.Command {
	var (
		inputDir     string
		showTensors  bool
		tensorFilter string
		tensorLimit  int
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the tensor storage of a safetensors model directory",
		Flags: append(globalFlags(),
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"in", "i"},
				Usage:       "model directory or .safetensors file",
				Required:    true,
				Destination: &inputDir,
			},
			&cli.BoolFlag{Name: "tensors", Usage: "list individual tensors", Destination: &showTensors},
			&cli.StringFlag{Name: "filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
			&cli.IntFlag{Name: "limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			m, err := safetensors.OpenModel(inputDir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open model: %v", err), 1)
			}
			defer func() { _ = m.Close() }()

			fmt.Printf("Model: %s\n", inputDir)

			if cfg, err := repair.LoadModelConfig(inputDir); err == nil {
				section("Config")
				row("model_type", cfg.ModelType)
				row("quant_method", cfg.Quant.QuantMethod)
				row("quant_format", cfg.Quant.Format)
			}

			section("Tensor Summary")
			rowInt("shards", len(m.Files))
			rowInt("tensors", len(m.Tensors))

			dtypeCounts := map[string]int{}
			dtypeBytes := map[string]uint64{}
			var total uint64
			var scales, packed int
			for name, ref := range m.Tensors {
				dtypeCounts[ref.Info.DType]++
				dtypeBytes[ref.Info.DType] += uint64(ref.Info.Size())
				total += uint64(ref.Info.Size())
				switch {
				case strings.HasSuffix(name, ".weight_scale"):
					scales++
				case strings.HasSuffix(name, ".weight_packed"):
					packed++
				}
			}
			row("data_size", formatBytes(total))
			rowInt("packed_weights", packed)
			rowInt("weight_scales", scales)

			keys := make([]string, 0, len(dtypeCounts))
			for k := range dtypeCounts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				row("dtype_"+strings.ToLower(k), fmt.Sprintf("%d (%s)", dtypeCounts[k], formatBytes(dtypeBytes[k])))
			}

			if showTensors {
				section("Tensors")
				printed := 0
				names := m.SortedTensorNames()
				for _, name := range names {
					if tensorFilter != "" && !strings.Contains(name, tensorFilter) {
						continue
					}
					ref, _ := m.Tensor(name)
					fmt.Printf("%s  dtype=%s shape=%s size=%s shard=%s\n",
						name, ref.Info.DType, formatShape(ref.Info.Shape), formatBytes(uint64(ref.Info.Size())), ref.Shard)
					printed++
					if tensorLimit > 0 && printed >= tensorLimit {
						break
					}
				}
				if tensorLimit > 0 && printed < len(names) {
					fmt.Printf("... (%d shown of %d)\n", printed, len(names))
				}
			}

			return nil
		},
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-24s %s\n", label+":", value)
}

func rowInt(label string, v int) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%d", v))
}

func formatShape(shape []int64) string {
	if len(shape) == 0 {
		return "[]"
	}
	parts := make([]string, len(shape))
	for i, v := range shape {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
		tb = 1024 * gb
	)
	switch {
	case b >= tb:
		return fmt.Sprintf("%.2f TiB", float64(b)/float64(tb))
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
