package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// IndexFile is the standard Hugging Face sharded safetensors index filename.
const IndexFile = "model.safetensors.index.json"

const (
	// Upper bound on the JSON header; real-world headers are in the KBs.
	maxHeaderSize = 256 << 20 // 256 MiB
)

// TensorInfo describes a tensor payload within a single safetensors file.
// Start/End are absolute file offsets (End is exclusive).
//
// DType values follow the safetensors spec, e.g. "F32", "F16", "BF16",
// "F8_E4M3", "U8", ... Shape is stored as int64 to avoid surprising overflow.
//
// Note: safetensors uses byte offsets relative to the data region; we convert
// to absolute.
type TensorInfo struct {
	DType string
	Shape []int64
	Start int64
	End   int64
}

func (ti TensorInfo) Size() int64 { return ti.End - ti.Start }

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// File provides random access to tensors inside a single safetensors file.
//
// Keep the file open while copying tensors to avoid repeated open/close
// overhead. os.File ReadAt is safe for concurrent use.
type File struct {
	Path      string
	f         *os.File
	dataStart int64
	Tensors   map[string]TensorInfo

	// Raw __metadata__ (optional, may be nil).
	Metadata map[string]string
}

// OpenFile opens and parses a single .safetensors file.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	sz, err := fileSize(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if sz < 8 {
		_ = f.Close()
		return nil, fmt.Errorf("safetensors: file too small: %s", path)
	}

	headerLenU64, err := readU64(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if headerLenU64 > maxHeaderSize {
		_ = f.Close()
		return nil, fmt.Errorf("safetensors: header too large (%d bytes): %s", headerLenU64, path)
	}
	headerLen := int64(headerLenU64)
	if 8+headerLen > sz {
		_ = f.Close()
		return nil, fmt.Errorf("safetensors: header exceeds file size: %s", path)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Header is a JSON map where keys are tensor names (plus optional "__metadata__").
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	dataStart := int64(8) + headerLen

	var meta map[string]string
	if m, ok := raw["__metadata__"]; ok {
		_ = json.Unmarshal(m, &meta)
		delete(raw, "__metadata__")
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("safetensors: parse tensor %q: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			_ = f.Close()
			return nil, fmt.Errorf("safetensors: tensor %q: invalid data_offsets", name)
		}

		startRel, endRel := th.DataOffsets[0], th.DataOffsets[1]
		if startRel < 0 || endRel < 0 || endRel < startRel {
			_ = f.Close()
			return nil, fmt.Errorf("safetensors: tensor %q: invalid offsets", name)
		}

		startAbs := dataStart + startRel
		endAbs := dataStart + endRel
		if startAbs < dataStart || endAbs < startAbs || endAbs > sz {
			_ = f.Close()
			return nil, fmt.Errorf("safetensors: tensor %q: out-of-bounds data range", name)
		}

		if len(th.Shape) == 0 {
			_ = f.Close()
			return nil, fmt.Errorf("safetensors: tensor %q: empty shape", name)
		}
		for _, d := range th.Shape {
			if d <= 0 {
				_ = f.Close()
				return nil, fmt.Errorf("safetensors: tensor %q: invalid dim %d", name, d)
			}
		}

		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: startAbs,
			End:   endAbs,
		}
	}

	return &File{
		Path:      path,
		f:         f,
		dataStart: dataStart,
		Tensors:   tensors,
		Metadata:  meta,
	}, nil
}

func (sf *File) Close() error {
	if sf == nil || sf.f == nil {
		return nil
	}
	err := sf.f.Close()
	sf.f = nil
	return err
}

func (sf *File) Tensor(name string) (TensorInfo, bool) {
	if sf == nil {
		return TensorInfo{}, false
	}
	ti, ok := sf.Tensors[name]
	return ti, ok
}

func (sf *File) SortedTensorNames() []string {
	if sf == nil {
		return nil
	}
	out := make([]string, 0, len(sf.Tensors))
	for name := range sf.Tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TensorReader returns a reader over the raw tensor bytes.
func (sf *File) TensorReader(name string) (*io.SectionReader, TensorInfo, error) {
	if sf == nil || sf.f == nil {
		return nil, TensorInfo{}, errors.New("safetensors: file closed")
	}
	ti, ok := sf.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor not found: %s", name)
	}
	if ti.End < ti.Start {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor %q: invalid offsets", name)
	}
	return io.NewSectionReader(sf.f, ti.Start, ti.End-ti.Start), ti, nil
}

// ReadTensor reads the raw tensor bytes into memory.
func (sf *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	r, ti, err := sf.TensorReader(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	buf := make([]byte, ti.Size())
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: read tensor %q: %w", name, err)
	}
	return buf, ti, nil
}

// TensorRef points to a tensor within a sharded model.
type TensorRef struct {
	Name  string
	Shard string // shard filename (relative), e.g. "model-00001-of-00002.safetensors"
	File  *File
	Info  TensorInfo
}

// Model provides a unified view of a single safetensors file or a sharded
// model described by model.safetensors.index.json.
type Model struct {
	BasePath string
	Files    map[string]*File     // key: shard filename (relative)
	Tensors  map[string]TensorRef // key: tensor name
	order    []string             // cached sorted tensor names
}

func (m *Model) Close() error {
	if m == nil {
		return nil
	}
	var first error
	for _, f := range m.Files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Model) Tensor(name string) (TensorRef, bool) {
	if m == nil {
		return TensorRef{}, false
	}
	tr, ok := m.Tensors[name]
	return tr, ok
}

// Sharded reports whether the model was opened through a shard index.
func (m *Model) Sharded() bool {
	return m != nil && len(m.Files) > 1
}

func (m *Model) SortedTensorNames() []string {
	if m == nil {
		return nil
	}
	if m.order == nil {
		order := make([]string, 0, len(m.Tensors))
		for name := range m.Tensors {
			order = append(order, name)
		}
		sort.Strings(order)
		m.order = order
	}
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Model) TensorReader(name string) (*io.SectionReader, TensorRef, error) {
	tr, ok := m.Tensor(name)
	if !ok {
		return nil, TensorRef{}, fmt.Errorf("safetensors: tensor not found: %s", name)
	}
	r, _, err := tr.File.TensorReader(name)
	if err != nil {
		return nil, TensorRef{}, err
	}
	return r, tr, nil
}

// CopyTensorToBuffer streams the raw tensor bytes into dst using the provided
// buffer. A nil buf falls back to io.Copy's internal buffer.
func (m *Model) CopyTensorToBuffer(dst io.Writer, name string, buf []byte) (int64, TensorRef, error) {
	r, tr, err := m.TensorReader(name)
	if err != nil {
		return 0, TensorRef{}, err
	}
	var n int64
	if buf == nil {
		n, err = io.Copy(dst, r)
	} else {
		n, err = io.CopyBuffer(dst, r, buf)
	}
	if err != nil {
		return n, TensorRef{}, fmt.Errorf("safetensors: copy tensor %q: %w", name, err)
	}
	return n, tr, nil
}

// ReadTensor reads the raw tensor bytes into memory.
func (m *Model) ReadTensor(name string) ([]byte, TensorRef, error) {
	r, tr, err := m.TensorReader(name)
	if err != nil {
		return nil, TensorRef{}, err
	}
	buf := make([]byte, tr.Info.Size())
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, TensorRef{}, fmt.Errorf("safetensors: read tensor %q: %w", name, err)
	}
	return buf, tr, nil
}

// OpenModel opens either:
//   - a single .safetensors file
//   - a directory containing IndexFile
//   - a directory containing one or more *.safetensors (fallback merge)
func OpenModel(path string) (*Model, error) {
	if path == "" {
		return nil, errors.New("safetensors: empty path")
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !st.IsDir() {
		// Single file.
		if !strings.HasSuffix(strings.ToLower(path), ".safetensors") {
			return nil, fmt.Errorf("safetensors: expected .safetensors file: %s", path)
		}
		sf, err := OpenFile(path)
		if err != nil {
			return nil, err
		}
		shard := filepath.Base(path)
		m := &Model{
			BasePath: path,
			Files:    map[string]*File{shard: sf},
			Tensors:  make(map[string]TensorRef, len(sf.Tensors)),
		}
		for name, info := range sf.Tensors {
			m.Tensors[name] = TensorRef{Name: name, Shard: shard, File: sf, Info: info}
		}
		return m, nil
	}

	// Directory:
	// 1) Prefer the standard HF shard index if present.
	idxPath := filepath.Join(path, IndexFile)
	if _, err := os.Stat(idxPath); err == nil {
		return openIndexModel(path, idxPath)
	}

	// 2) Otherwise merge every *.safetensors file in the directory. The
	// original producers emit model-*.safetensors shards without an index in
	// some cases, so a bare multi-file merge is accepted as long as no tensor
	// name repeats.
	shards, err := findSafetensorsInDir(path)
	if err != nil {
		return nil, err
	}
	return openShardList(path, shards)
}

type shardIndex struct {
	Metadata  map[string]any    `json:"metadata,omitempty"`
	WeightMap map[string]string `json:"weight_map"`
}

func findSafetensorsInDir(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(strings.ToLower(name), ".safetensors") {
			matches = append(matches, name)
		}
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return nil, fmt.Errorf("safetensors: no .safetensors file and no %s in directory: %s", IndexFile, dir)
	}
	return matches, nil
}

func openShardList(dir string, shards []string) (*Model, error) {
	files := make(map[string]*File, len(shards))
	tensors := make(map[string]TensorRef)
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	for _, shard := range shards {
		sf, err := OpenFile(filepath.Join(dir, shard))
		if err != nil {
			closeAll()
			return nil, err
		}
		files[shard] = sf
		for name, info := range sf.Tensors {
			if _, exists := tensors[name]; exists {
				closeAll()
				return nil, fmt.Errorf("safetensors: duplicate tensor %q across shards in %s", name, dir)
			}
			tensors[name] = TensorRef{Name: name, Shard: shard, File: sf, Info: info}
		}
	}
	return &Model{BasePath: dir, Files: files, Tensors: tensors}, nil
}

func openIndexModel(dir, idxPath string) (*Model, error) {
	b, err := os.ReadFile(idxPath)
	if err != nil {
		return nil, err
	}
	var idx shardIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("safetensors: parse index: %w", err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("safetensors: index has empty weight_map: %s", idxPath)
	}

	// Open each shard referenced in weight_map.
	files := make(map[string]*File)
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	for _, shard := range idx.WeightMap {
		if shard == "" {
			closeAll()
			return nil, fmt.Errorf("safetensors: invalid shard name in weight_map")
		}
		if _, ok := files[shard]; ok {
			continue
		}
		sf, err := OpenFile(filepath.Join(dir, shard))
		if err != nil {
			closeAll()
			return nil, err
		}
		files[shard] = sf
	}

	tensors := make(map[string]TensorRef, len(idx.WeightMap))
	for name, shard := range idx.WeightMap {
		sf := files[shard]
		if sf == nil {
			closeAll()
			return nil, fmt.Errorf("safetensors: shard %q missing for tensor %q", shard, name)
		}
		info, ok := sf.Tensor(name)
		if !ok {
			closeAll()
			return nil, fmt.Errorf("safetensors: tensor %q not found in shard %q", name, shard)
		}
		if _, exists := tensors[name]; exists {
			closeAll()
			return nil, fmt.Errorf("safetensors: duplicate tensor name in weight_map: %q", name)
		}
		tensors[name] = TensorRef{Name: name, Shard: shard, File: sf, Info: info}
	}

	return &Model{
		BasePath: dir,
		Files:    files,
		Tensors:  tensors,
	}, nil
}

func fileSize(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
