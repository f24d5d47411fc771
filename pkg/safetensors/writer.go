package safetensors

import (
	"bufio"
	"bytes"
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

// DTypeSize returns the element size in bytes for a safetensors dtype string.
func DTypeSize(dt string) (int64, error) {
	switch strings.ToUpper(dt) {
	case "F64", "I64", "U64":
		return 8, nil
	case "F32", "I32", "U32":
		return 4, nil
	case "F16", "BF16", "I16", "U16":
		return 2, nil
	case "F8_E4M3", "F8_E5M2", "I8", "U8", "BOOL":
		return 1, nil
	default:
		return 0, fmt.Errorf("unsupported safetensors dtype %q", dt)
	}
}

// NumElements returns the element count for a shape, guarding against overflow.
func NumElements(shape []int64) (int64, error) {
	if len(shape) == 0 {
		return 0, errors.New("empty shape")
	}
	var n int64 = 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int64(^uint64(0)>>1))/d {
			return 0, errors.New("tensor too large")
		}
		n *= d
	}
	return n, nil
}

// Record declares one tensor to be written to a FileWriter.
type Record struct {
	Name  string
	DType string
	Shape []int64
}

func (r Record) byteSize() (int64, error) {
	es, err := DTypeSize(r.DType)
	if err != nil {
		return 0, err
	}
	n, err := NumElements(r.Shape)
	if err != nil {
		return 0, err
	}
	return n * es, nil
}

// FileWriter writes a single safetensors file with a fixed, pre-declared
// record set. The header is emitted up front so payloads stream straight to
// disk; WriteTensor must then be called exactly once per record, in the
// declared order.
type FileWriter struct {
	path    string
	f       *os.File
	w       *bufio.Writer
	records []Record
	sizes   []int64
	next    int
	written int64
	closed  bool
}

// Create opens path for writing and emits the safetensors header for the
// given records. Metadata, if non-nil, is written as "__metadata__".
func Create(path string, metadata map[string]string, records []Record) (*FileWriter, error) {
	if len(records) == 0 {
		return nil, errors.New("safetensors: no records to write")
	}

	// The header is assembled field by field so entries come out in record
	// order; repeated runs over the same input then produce byte-identical
	// files.
	sizes := make([]int64, len(records))
	seen := make(map[string]struct{}, len(records))
	var hdr bytes.Buffer
	hdr.WriteByte('{')
	if metadata != nil {
		mb, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("safetensors: encode metadata: %w", err)
		}
		hdr.WriteString(`"__metadata__":`)
		hdr.Write(mb)
	}

	var off int64
	for i, rec := range records {
		if rec.Name == "" {
			return nil, errors.New("safetensors: record with empty name")
		}
		if _, dup := seen[rec.Name]; dup {
			return nil, fmt.Errorf("safetensors: duplicate record %q", rec.Name)
		}
		seen[rec.Name] = struct{}{}
		sz, err := rec.byteSize()
		if err != nil {
			return nil, fmt.Errorf("safetensors: record %q: %w", rec.Name, err)
		}
		sizes[i] = sz

		entry, err := json.Marshal(tensorHeader{
			DType:       rec.DType,
			Shape:       rec.Shape,
			DataOffsets: []int64{off, off + sz},
		})
		if err != nil {
			return nil, fmt.Errorf("safetensors: encode record %q: %w", rec.Name, err)
		}
		nameBytes, err := json.Marshal(rec.Name)
		if err != nil {
			return nil, fmt.Errorf("safetensors: encode record %q: %w", rec.Name, err)
		}
		if hdr.Len() > 1 {
			hdr.WriteByte(',')
		}
		hdr.Write(nameBytes)
		hdr.WriteByte(':')
		hdr.Write(entry)
		off += sz
	}
	hdr.WriteByte('}')
	headerBytes := hdr.Bytes()

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1<<20)

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := w.Write(headerBytes); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &FileWriter{
		path:    path,
		f:       f,
		w:       w,
		records: records,
		sizes:   sizes,
	}, nil
}

// WriteTensor streams the payload for the next declared record from r. The
// reader must supply exactly the record's byte size.
func (fw *FileWriter) WriteTensor(name string, r io.Reader) error {
	if fw.closed {
		return errors.New("safetensors: writer closed")
	}
	if fw.next >= len(fw.records) {
		return fmt.Errorf("safetensors: unexpected tensor %q after last record", name)
	}
	rec := fw.records[fw.next]
	if rec.Name != name {
		return fmt.Errorf("safetensors: tensor %q out of order (want %q)", name, rec.Name)
	}
	want := fw.sizes[fw.next]

	n, err := io.Copy(fw.w, io.LimitReader(r, want))
	if err != nil {
		return fmt.Errorf("safetensors: write tensor %q: %w", name, err)
	}
	if n != want {
		return fmt.Errorf("safetensors: tensor %q: short payload (want %d bytes, have %d)", name, want, n)
	}
	fw.next++
	fw.written += n
	return nil
}

// BytesWritten reports the payload bytes written so far (header excluded).
func (fw *FileWriter) BytesWritten() int64 { return fw.written }

// Close flushes and closes the file. It fails if any declared record has not
// been written.
func (fw *FileWriter) Close() error {
	if fw.closed {
		return nil
	}
	fw.closed = true
	if fw.next != len(fw.records) {
		_ = fw.f.Close()
		return fmt.Errorf("safetensors: %s: %d of %d records written", fw.path, fw.next, len(fw.records))
	}
	if err := fw.w.Flush(); err != nil {
		_ = fw.f.Close()
		return err
	}
	return fw.f.Close()
}

// Abort closes and removes the partially written file.
func (fw *FileWriter) Abort() error {
	fw.closed = true
	_ = fw.f.Close()
	return os.Remove(fw.path)
}

// ShardName returns the standard HF shard filename for shard i of n (1-based).
func ShardName(i, n int) string {
	return fmt.Sprintf("model-%05d-of-%05d.safetensors", i, n)
}

// WriteIndex writes model.safetensors.index.json for a sharded model.
// weightMap maps tensor name to shard filename; totalSize is the summed
// payload size recorded under metadata.total_size.
func WriteIndex(dir string, weightMap map[string]string, totalSize int64) error {
	idx := shardIndex{
		Metadata:  map[string]any{"total_size": totalSize},
		WeightMap: weightMap,
	}
	b, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("safetensors: encode index: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, IndexFile), b, 0o644)
}

// SortedNames returns the keys of a weight map in sorted order.
func SortedNames(weightMap map[string]string) []string {
	out := make([]string, 0, len(weightMap))
	for name := range weightMap {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
