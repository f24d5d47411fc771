package repair

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

// ConfigFile is the HF model configuration filename.
const ConfigFile = "config.json"

// resourceFiles are the auxiliary documents copied verbatim alongside the
// repaired weights when present in the source directory.
var resourceFiles = []string{
	"generation_config.json",
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"tokenizer.model",
	"vocab.json",
	"merges.txt",
	"chat_template.jinja",
}

type quantizationConfig struct {
	QuantMethod string   `json:"quant_method"`
	Format      string   `json:"format"`
	Ignore      []string `json:"ignore"`
}

// ModelConfig is the parsed view of config.json. Raw holds the exact source
// bytes; the output copy must be byte-identical since downstream loaders rely
// on the quantization format tag being present verbatim.
type ModelConfig struct {
	Raw       []byte
	ModelType string
	Quant     quantizationConfig
}

// LoadModelConfig reads and parses <dir>/config.json.
func LoadModelConfig(dir string) (*ModelConfig, error) {
	path := filepath.Join(dir, ConfigFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("repair: %s: %w: %w", path, ErrConfigParse, err)
	}

	var doc struct {
		ModelType string              `json:"model_type"`
		Quant     *quantizationConfig `json:"quantization_config"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("repair: %s: %w: %w", path, ErrConfigParse, err)
	}

	cfg := &ModelConfig{Raw: raw, ModelType: doc.ModelType}
	if doc.Quant != nil {
		cfg.Quant = *doc.Quant
	}
	return cfg, nil
}

// IsNVFP4 reports whether the config marks the model as NVFP4-pack-quantized.
// compressed-tensors emits format "nvfp4-pack-quantized"; older producers used
// a bare "nvfp4" tag.
func (c *ModelConfig) IsNVFP4() bool {
	return strings.Contains(strings.ToLower(c.Quant.Format), "nvfp4")
}
