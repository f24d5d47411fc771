package safetensors

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// writeRawFile assembles a safetensors file from a literal JSON header and a
// data payload.
func writeRawFile(t *testing.T, path, header string, data []byte) {
	t.Helper()
	buf := make([]byte, 8, 8+len(header)+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, data...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestOpenFileSingle(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.safetensors")
	header := `{"__metadata__":{"format":"pt"},` +
		`"a.weight":{"dtype":"F32","shape":[2,2],"data_offsets":[0,16]},` +
		`"b.weight_scale":{"dtype":"F8_E4M3","shape":[4],"data_offsets":[16,20]}}`
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i + 1)
	}
	writeRawFile(t, path, header, data)

	sf, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = sf.Close() }()

	if sf.Metadata["format"] != "pt" {
		t.Fatalf("metadata: got %v", sf.Metadata)
	}
	if _, ok := sf.Tensor("__metadata__"); ok {
		t.Fatal("__metadata__ leaked into tensor map")
	}

	info, ok := sf.Tensor("b.weight_scale")
	if !ok {
		t.Fatal("missing b.weight_scale")
	}
	if info.DType != "F8_E4M3" || info.Size() != 4 {
		t.Fatalf("scale info: %+v", info)
	}

	raw, _, err := sf.ReadTensor("b.weight_scale")
	if err != nil {
		t.Fatalf("read tensor: %v", err)
	}
	if !bytes.Equal(raw, data[16:20]) {
		t.Fatalf("scale bytes: got %v want %v", raw, data[16:20])
	}

	names := sf.SortedTensorNames()
	if len(names) != 2 || names[0] != "a.weight" || names[1] != "b.weight_scale" {
		t.Fatalf("sorted names: %v", names)
	}
}

func TestOpenFileRejectsMalformedHeaders(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		header string
		data   int
	}{
		"offsets out of bounds": {`{"t":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`, 8},
		"negative offsets":      {`{"t":{"dtype":"F32","shape":[1],"data_offsets":[-4,0]}}`, 8},
		"reversed offsets":      {`{"t":{"dtype":"F32","shape":[1],"data_offsets":[4,0]}}`, 8},
		"empty shape":           {`{"t":{"dtype":"F32","shape":[],"data_offsets":[0,4]}}`, 8},
		"zero dim":              {`{"t":{"dtype":"F32","shape":[0],"data_offsets":[0,0]}}`, 8},
		"missing data_offsets":  {`{"t":{"dtype":"F32","shape":[1]}}`, 8},
		"not json":              {`{`, 8},
	}

	dir := t.TempDir()
	for name, tc := range cases {
		path := filepath.Join(dir, name+".safetensors")
		writeRawFile(t, path, tc.header, make([]byte, tc.data))
		if _, err := OpenFile(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestOpenModelDirectoryFallback(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeRawFile(t, filepath.Join(dir, "model.safetensors"),
		`{"w":{"dtype":"U8","shape":[4],"data_offsets":[0,4]}}`, []byte{1, 2, 3, 4})

	m, err := OpenModel(dir)
	if err != nil {
		t.Fatalf("open model: %v", err)
	}
	defer func() { _ = m.Close() }()

	if m.Sharded() {
		t.Fatal("single-file model reported as sharded")
	}
	raw, ref, err := m.ReadTensor("w")
	if err != nil {
		t.Fatalf("read tensor: %v", err)
	}
	if ref.Shard != "model.safetensors" {
		t.Fatalf("shard: got %q", ref.Shard)
	}
	if !bytes.Equal(raw, []byte{1, 2, 3, 4}) {
		t.Fatalf("bytes: got %v", raw)
	}
}

func TestOpenModelShardedIndex(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	shard1 := ShardName(1, 2)
	shard2 := ShardName(2, 2)
	writeRawFile(t, filepath.Join(dir, shard1),
		`{"a":{"dtype":"U8","shape":[2],"data_offsets":[0,2]}}`, []byte{1, 2})
	writeRawFile(t, filepath.Join(dir, shard2),
		`{"b":{"dtype":"U8","shape":[2],"data_offsets":[0,2]}}`, []byte{3, 4})
	if err := WriteIndex(dir, map[string]string{"a": shard1, "b": shard2}, 4); err != nil {
		t.Fatalf("write index: %v", err)
	}

	m, err := OpenModel(dir)
	if err != nil {
		t.Fatalf("open model: %v", err)
	}
	defer func() { _ = m.Close() }()

	if !m.Sharded() {
		t.Fatal("expected sharded model")
	}
	raw, ref, err := m.ReadTensor("b")
	if err != nil {
		t.Fatalf("read tensor: %v", err)
	}
	if ref.Shard != shard2 {
		t.Fatalf("shard: got %q want %q", ref.Shard, shard2)
	}
	if !bytes.Equal(raw, []byte{3, 4}) {
		t.Fatalf("bytes: got %v", raw)
	}

	var sink bytes.Buffer
	n, _, err := m.CopyTensorToBuffer(&sink, "a", make([]byte, 64))
	if err != nil || n != 2 {
		t.Fatalf("copy tensor: n=%d err=%v", n, err)
	}
	if !bytes.Equal(sink.Bytes(), []byte{1, 2}) {
		t.Fatalf("copied bytes: got %v", sink.Bytes())
	}
}

func TestOpenModelDuplicateTensorAcrossShards(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeRawFile(t, filepath.Join(dir, "x.safetensors"),
		`{"w":{"dtype":"U8","shape":[1],"data_offsets":[0,1]}}`, []byte{1})
	writeRawFile(t, filepath.Join(dir, "y.safetensors"),
		`{"w":{"dtype":"U8","shape":[1],"data_offsets":[0,1]}}`, []byte{2})

	if _, err := OpenModel(dir); err == nil {
		t.Fatal("expected duplicate-tensor error")
	}
}

func TestWriterRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.safetensors")
	recs := []Record{
		{Name: "a.weight", DType: "F32", Shape: []int64{2, 2}},
		{Name: "b.weight_scale", DType: "BF16", Shape: []int64{4}},
	}
	aBytes := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	bBytes := []byte{8, 7, 6, 5, 4, 3, 2, 1}

	fw, err := Create(path, map[string]string{"format": "pt"}, recs)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fw.WriteTensor("a.weight", bytes.NewReader(aBytes)); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := fw.WriteTensor("b.weight_scale", bytes.NewReader(bBytes)); err != nil {
		t.Fatalf("write b: %v", err)
	}
	if fw.BytesWritten() != 24 {
		t.Fatalf("bytes written: got %d", fw.BytesWritten())
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sf, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = sf.Close() }()

	if sf.Metadata["format"] != "pt" {
		t.Fatalf("metadata: %v", sf.Metadata)
	}
	gotA, infoA, err := sf.ReadTensor("a.weight")
	if err != nil {
		t.Fatalf("read a: %v", err)
	}
	if infoA.DType != "F32" || len(infoA.Shape) != 2 || infoA.Shape[0] != 2 || infoA.Shape[1] != 2 {
		t.Fatalf("a info: %+v", infoA)
	}
	if !bytes.Equal(gotA, aBytes) {
		t.Fatalf("a bytes: got %v", gotA)
	}
	gotB, infoB, err := sf.ReadTensor("b.weight_scale")
	if err != nil {
		t.Fatalf("read b: %v", err)
	}
	if infoB.DType != "BF16" {
		t.Fatalf("b dtype: %s", infoB.DType)
	}
	if !bytes.Equal(gotB, bBytes) {
		t.Fatalf("b bytes: got %v", gotB)
	}
}

func TestWriterEnforcesOrderAndCompleteness(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	recs := []Record{
		{Name: "a", DType: "U8", Shape: []int64{2}},
		{Name: "b", DType: "U8", Shape: []int64{2}},
	}

	fw, err := Create(filepath.Join(dir, "order.safetensors"), nil, recs)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fw.WriteTensor("b", bytes.NewReader([]byte{1, 2})); err == nil {
		t.Fatal("expected out-of-order error")
	}
	_ = fw.Abort()

	fw, err = Create(filepath.Join(dir, "incomplete.safetensors"), nil, recs)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fw.WriteTensor("a", bytes.NewReader([]byte{1, 2})); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := fw.Close(); err == nil {
		t.Fatal("expected incomplete-close error")
	}

	fw, err = Create(filepath.Join(dir, "short.safetensors"), nil, recs)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fw.WriteTensor("a", bytes.NewReader([]byte{1})); err == nil {
		t.Fatal("expected short-payload error")
	}
	_ = fw.Abort()
}

func TestWriterRejectsDuplicatesAndBadRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := map[string][]Record{
		"duplicate name": {
			{Name: "a", DType: "U8", Shape: []int64{1}},
			{Name: "a", DType: "U8", Shape: []int64{1}},
		},
		"empty name":  {{Name: "", DType: "U8", Shape: []int64{1}}},
		"bad dtype":   {{Name: "a", DType: "Q4", Shape: []int64{1}}},
		"empty shape": {{Name: "a", DType: "U8", Shape: nil}},
		"no records":  {},
	}
	for name, recs := range cases {
		if _, err := Create(filepath.Join(dir, "x.safetensors"), nil, recs); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestDTypeSize(t *testing.T) {
	t.Parallel()

	cases := map[string]int64{
		"F32": 4, "f32": 4, "F16": 2, "BF16": 2, "F64": 8,
		"F8_E4M3": 1, "U8": 1, "I64": 8,
	}
	for dt, want := range cases {
		got, err := DTypeSize(dt)
		if err != nil || got != want {
			t.Errorf("DTypeSize(%q) = %d, %v; want %d", dt, got, err, want)
		}
	}
	if _, err := DTypeSize("Q4_K"); err == nil {
		t.Error("expected error for unknown dtype")
	}
}

func TestShardName(t *testing.T) {
	t.Parallel()

	if got := ShardName(1, 2); got != "model-00001-of-00002.safetensors" {
		t.Fatalf("shard name: %q", got)
	}
}
