package repair

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samcharles93/nvfp4fix/pkg/safetensors"
)

// CheckResult reports whether a model directory still needs repair.
type CheckResult struct {
	Modules int      // quantized modules found
	Missing []string // modules with no weight_scale record at all
	Narrow  []string // modules whose weight_scale is still FP8
}

// Repaired reports whether every quantized module carries a wide scale.
func (r *CheckResult) Repaired() bool {
	return len(r.Missing) == 0 && len(r.Narrow) == 0
}

// Check scans a model directory without writing anything. It fails with
// ErrConfigParse when the directory is not an NVFP4 model, and with
// ErrStorageRead when the weight files cannot be opened.
func Check(dir string) (*CheckResult, error) {
	cfg, err := LoadModelConfig(dir)
	if err != nil {
		return nil, err
	}
	if !cfg.IsNVFP4() {
		return nil, fmt.Errorf("repair: %s: %w: quantization format %q is not nvfp4",
			filepath.Join(dir, ConfigFile), ErrConfigParse, cfg.Quant.Format)
	}

	m, err := safetensors.OpenModel(dir)
	if err != nil {
		return nil, readErr(dir, err)
	}
	defer func() { _ = m.Close() }()

	byOutName := make(map[string]safetensors.TensorInfo, len(m.Tensors))
	for name, ref := range m.Tensors {
		byOutName[remapName(name)] = ref.Info
	}

	res := &CheckResult{}
	for out := range byOutName {
		if !strings.HasSuffix(out, packedSuffix) {
			continue
		}
		mod := strings.TrimSuffix(out, packedSuffix)
		res.Modules++
		scale, ok := byOutName[mod+scaleSuffix]
		switch {
		case !ok:
			res.Missing = append(res.Missing, mod)
		case scale.DType == DTypeFP8E4M3:
			res.Narrow = append(res.Narrow, mod)
		}
	}
	sort.Strings(res.Missing)
	sort.Strings(res.Narrow)
	return res, nil
}
