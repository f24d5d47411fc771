package repair

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/samcharles93/nvfp4fix/internal/logger"
	"github.com/samcharles93/nvfp4fix/pkg/safetensors"
)

const (
	scaleSuffix  = ".weight_scale"
	packedSuffix = ".weight_packed"

	// SingleShardName is the output filename for an unsharded source.
	SingleShardName = "model.safetensors"
)

// Some multimodal producers store scales under language_model.model.layers
// while the module tree lives at model.language_model.layers. Output names are
// remapped so scales and packed weights agree on the module prefix.
const (
	remapFrom = "language_model.model.layers"
	remapTo   = "model.language_model.layers"
)

func remapName(name string) string {
	return strings.Replace(name, remapFrom, remapTo, 1)
}

// Options configures a single Repair run.
type Options struct {
	// InputDir is the broken NVFP4 model directory.
	InputDir string

	// OutputDir receives the repaired copy. Created if absent. Never equal to
	// InputDir; the source is not mutated.
	OutputDir string

	// TargetDType is "bf16" (default) or "f16".
	TargetDType string

	Log logger.Logger
}

// Report summarises one Repair run.
type Report struct {
	ModulesScanned  int   `json:"modules_scanned"`  // quantized modules found in the source
	ScalesConverted int   `json:"scales_converted"` // scale tensors upcast from FP8
	ScalesKept      int   `json:"scales_kept"`      // scale tensors already at the target dtype
	PackedCopied    int   `json:"packed_copied"`    // packed weight tensors copied verbatim
	OtherCopied     int   `json:"other_copied"`     // remaining tensors copied verbatim
	BytesCopied     int64 `json:"bytes_copied"`     // payload bytes written unchanged
}

// one planned output record
type planEntry struct {
	srcName string
	outName string
	ref     safetensors.TensorRef
	convert bool // FP8 scale to be upcast
}

// Repair reads the model under opts.InputDir, upcasts every quantized
// module's weight_scale tensor to the target dtype, copies all other tensors
// byte-verbatim and writes the result to opts.OutputDir using the source's
// shard layout. The configuration document is copied unchanged.
//
// Repair is idempotent: scales already at the target dtype pass through and
// the report shows zero conversions. On any error, files created under
// OutputDir are removed so a loader never sees a partial repair as complete.
func Repair(opts Options) (*Report, error) {
	if opts.InputDir == "" {
		return nil, fmt.Errorf("repair: InputDir required")
	}
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("repair: OutputDir required")
	}
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}

	target, err := NormalizeDType(opts.TargetDType)
	if err != nil {
		return nil, err
	}

	cfg, err := LoadModelConfig(opts.InputDir)
	if err != nil {
		return nil, err
	}
	if !cfg.IsNVFP4() {
		return nil, fmt.Errorf("repair: %s: %w: quantization format %q is not nvfp4",
			filepath.Join(opts.InputDir, ConfigFile), ErrConfigParse, cfg.Quant.Format)
	}

	m, err := safetensors.OpenModel(opts.InputDir)
	if err != nil {
		return nil, readErr(opts.InputDir, err)
	}
	defer func() { _ = m.Close() }()

	plan, modules, err := planRepair(m)
	if err != nil {
		return nil, err
	}

	log.Info("repairing model",
		"input", opts.InputDir,
		"output", opts.OutputDir,
		"dtype", target,
		"modules", len(modules),
		"tensors", len(m.Tensors),
		"shards", len(m.Files))

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, writeErr(opts.OutputDir, err)
	}

	report := &Report{ModulesScanned: len(modules)}
	var created []string
	fail := func(err error) (*Report, error) {
		for _, p := range created {
			_ = os.Remove(p)
		}
		return nil, err
	}

	// Shard payloads land under uuid-suffixed temp names and are renamed into
	// place only once every record of every shard has been written.
	sharded := m.Sharded()
	shardNames := make([]string, 0, len(plan))
	for shard := range plan {
		shardNames = append(shardNames, shard)
	}
	sort.Strings(shardNames)

	weightMap := make(map[string]string, len(m.Tensors))
	copyBuf := make([]byte, 1<<20)
	var pending [][2]string // temp path, final path

	for _, shard := range shardNames {
		entries := plan[shard]
		outShard := shard
		if !sharded {
			outShard = SingleShardName
		}

		recs := make([]safetensors.Record, len(entries))
		for i, e := range entries {
			dt := e.ref.Info.DType
			if e.convert {
				dt = target
			}
			recs[i] = safetensors.Record{Name: e.outName, DType: dt, Shape: e.ref.Info.Shape}
			weightMap[e.outName] = outShard
		}

		tmpPath := filepath.Join(opts.OutputDir, outShard+".tmp-"+uuid.NewString())
		fw, err := safetensors.Create(tmpPath, map[string]string{"format": "pt"}, recs)
		if err != nil {
			return fail(writeErr(tmpPath, err))
		}
		created = append(created, tmpPath)

		for _, e := range entries {
			if e.convert {
				raw, _, err := m.ReadTensor(e.srcName)
				if err != nil {
					_ = fw.Abort()
					return fail(readErr(e.srcName, err))
				}
				out, err := convertFP8(raw, target)
				if err != nil {
					_ = fw.Abort()
					return fail(err)
				}
				if err := fw.WriteTensor(e.outName, bytes.NewReader(out)); err != nil {
					_ = fw.Abort()
					return fail(writeErr(tmpPath, err))
				}
				report.ScalesConverted++
				continue
			}

			r, _, err := m.TensorReader(e.srcName)
			if err != nil {
				_ = fw.Abort()
				return fail(readErr(e.srcName, err))
			}
			if err := fw.WriteTensor(e.outName, r); err != nil {
				_ = fw.Abort()
				return fail(writeErr(tmpPath, err))
			}
			switch {
			case strings.HasSuffix(e.outName, scaleSuffix) && hasModule(modules, strings.TrimSuffix(e.outName, scaleSuffix)):
				report.ScalesKept++
			case strings.HasSuffix(e.outName, packedSuffix):
				report.PackedCopied++
			default:
				report.OtherCopied++
			}
			report.BytesCopied += e.ref.Info.Size()
		}

		if err := fw.Close(); err != nil {
			return fail(writeErr(tmpPath, err))
		}
		pending = append(pending, [2]string{tmpPath, filepath.Join(opts.OutputDir, outShard)})
	}

	for _, p := range pending {
		if err := os.Rename(p[0], p[1]); err != nil {
			return fail(writeErr(p[1], err))
		}
		created = append(created, p[1])
	}

	if sharded {
		var total int64
		for _, e := range m.Tensors {
			total += e.Info.Size()
		}
		if err := safetensors.WriteIndex(opts.OutputDir, weightMap, total); err != nil {
			return fail(writeErr(filepath.Join(opts.OutputDir, safetensors.IndexFile), err))
		}
		created = append(created, filepath.Join(opts.OutputDir, safetensors.IndexFile))
	}

	// Configuration document copied verbatim, then the tokenizer resources.
	cfgOut := filepath.Join(opts.OutputDir, ConfigFile)
	if err := os.WriteFile(cfgOut, cfg.Raw, 0o644); err != nil {
		return fail(writeErr(cfgOut, err))
	}
	created = append(created, cfgOut)
	for _, name := range resourceFiles {
		copied, err := copyIfExists(filepath.Join(opts.InputDir, name), filepath.Join(opts.OutputDir, name), copyBuf)
		if err != nil {
			return fail(err)
		}
		if copied {
			created = append(created, filepath.Join(opts.OutputDir, name))
		}
	}

	log.Info("repair complete",
		"modules", report.ModulesScanned,
		"converted", report.ScalesConverted,
		"kept", report.ScalesKept,
		"copied_bytes", report.BytesCopied)

	return report, nil
}

// planRepair enumerates the source records, derives the quantized module set
// from the packed-weight tensors and verifies every module has its companion
// scale. Only metadata is touched; no payload bytes are read.
func planRepair(m *safetensors.Model) (map[string][]planEntry, []string, error) {
	outNames := make(map[string]string, len(m.Tensors)) // output name -> source name
	for _, name := range m.SortedTensorNames() {
		out := remapName(name)
		if prev, dup := outNames[out]; dup {
			return nil, nil, fmt.Errorf("repair: tensors %q and %q collide after renaming", prev, name)
		}
		outNames[out] = name
	}

	var modules []string
	for out := range outNames {
		if strings.HasSuffix(out, packedSuffix) {
			modules = append(modules, strings.TrimSuffix(out, packedSuffix))
		}
	}
	sort.Strings(modules)

	for _, mod := range modules {
		if _, ok := outNames[mod+scaleSuffix]; !ok {
			return nil, nil, &MissingScaleError{Module: mod}
		}
	}

	moduleSet := make(map[string]struct{}, len(modules))
	for _, mod := range modules {
		moduleSet[mod] = struct{}{}
	}

	plan := make(map[string][]planEntry, len(m.Files))
	for out, src := range outNames {
		ref, ok := m.Tensor(src)
		if !ok {
			return nil, nil, fmt.Errorf("repair: tensor disappeared: %s", src)
		}
		convert := false
		if strings.HasSuffix(out, scaleSuffix) {
			if _, quantized := moduleSet[strings.TrimSuffix(out, scaleSuffix)]; quantized {
				convert = ref.Info.DType == DTypeFP8E4M3
			}
		}
		plan[ref.Shard] = append(plan[ref.Shard], planEntry{
			srcName: src,
			outName: out,
			ref:     ref,
			convert: convert,
		})
	}
	for shard := range plan {
		entries := plan[shard]
		sort.Slice(entries, func(i, j int) bool { return entries[i].outName < entries[j].outName })
	}
	return plan, modules, nil
}

func hasModule(modules []string, name string) bool {
	i := sort.SearchStrings(modules, name)
	return i < len(modules) && modules[i] == name
}

func copyIfExists(src, dst string, buf []byte) (bool, error) {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, readErr(src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return false, writeErr(dst, err)
	}
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return false, writeErr(dst, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return false, writeErr(dst, err)
	}
	return true, nil
}
