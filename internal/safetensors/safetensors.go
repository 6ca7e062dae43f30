// Package safetensors reads and writes the safetensors container format.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/quantpack/internal/dtype"
	"github.com/samcharles93/quantpack/internal/tensor"
)

const metadataKey = "__metadata__"

// maxHeaderLen bounds the JSON header so a corrupt length cannot force a
// huge allocation.
const maxHeaderLen = 100 << 20

var ErrNotFound = errors.New("tensor not found")

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data    []byte // whole file when mapped
	mmapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header of a safetensors file and maps it read-only. If
// mmap is unavailable, tensors are read with ReadAt on demand. The returned
// file must be closed to release any mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	headerLen, err := readU64(f)
	if err != nil {
		return nil, fmt.Errorf("%s: read header length: %w", path, err)
	}
	if headerLen > maxHeaderLen {
		return nil, fmt.Errorf("%s: header length %d too large", path, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%s: parse header: %w", path, err)
	}

	var meta map[string]string
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("%s: parse metadata: %w", path, err)
		}
		delete(raw, metadataKey)
	}

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	dataStart := int64(8 + headerLen)
	if st.Size() < dataStart {
		return nil, fmt.Errorf("%s: %w", path, io.ErrUnexpectedEOF)
	}
	dataLen := st.Size() - dataStart

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		info := TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
		if err := info.validate(dataLen); err != nil {
			return nil, fmt.Errorf("%s: tensor %s: %w", path, name, err)
		}
		tensors[name] = info
	}

	sf := &File{
		Path:      path,
		DataStart: dataStart,
		Tensors:   tensors,
		Metadata:  meta,
	}
	if st.Size() <= int64(math.MaxInt) {
		if data, err := mmapFile(f, int(st.Size())); err == nil {
			sf.data = data
			sf.mmapped = true
		}
	}
	return sf, nil
}

// Close releases the file mapping, if any.
func (f *File) Close() error {
	if !f.mmapped {
		return nil
	}
	f.mmapped = false
	data := f.data
	f.data = nil
	return munmap(data)
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for n := range f.Tensors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// ReadTensor returns the raw bytes of a tensor. When the file is mapped the
// slice aliases the mapping and is only valid until Close.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	off := f.DataStart + t.Start
	n := t.End - t.Start

	if f.mmapped {
		if off+n > int64(len(f.data)) {
			return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, io.ErrUnexpectedEOF)
		}
		return f.data[off : off+n], t, nil
	}

	buf := make([]byte, n)
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()
	if _, err := file.ReadAt(buf, off); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	switch info.DType {
	case "F32":
		if len(raw) != n*4 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid f32 data size", name)
		}
		out := make([]float32, n)
		for i := range n {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, info, nil
	case "BF16", "F16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid %s data size", name, info.DType)
		}
		conv := dtype.F16ToF32
		if info.DType == "BF16" {
			conv = dtype.BF16ToF32
		}
		out := make([]float32, n)
		for i := range n {
			out[i] = conv(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, info, nil
	default:
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
}

// ReadFloat reads a float tensor, keeping its stored dtype.
func (f *File) ReadFloat(name string) (*tensor.Float, error) {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	dt, err := dtype.FromSafetensors(info.DType)
	if err != nil {
		return nil, err
	}
	return tensor.FloatFromData(tensor.Shape(info.Shape), dt, data)
}

// ReadUint reads a U8, U16 or U32 tensor of storage words.
func (f *File) ReadUint(name string) (*tensor.Uint, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	dt, err := dtype.FromSafetensors(info.DType)
	if err != nil || !dt.IsUint() {
		return nil, fmt.Errorf("tensor %s: dtype %s is not an unsigned storage type", name, info.DType)
	}
	width := dt.Bits / 8
	if len(raw) != n*width {
		return nil, fmt.Errorf("tensor %s: invalid %s data size", name, info.DType)
	}
	out := make([]uint32, n)
	for i := range n {
		switch width {
		case 1:
			out[i] = uint32(raw[i])
		case 2:
			out[i] = uint32(binary.LittleEndian.Uint16(raw[i*2:]))
		default:
			out[i] = binary.LittleEndian.Uint32(raw[i*4:])
		}
	}
	return tensor.UintFromData(tensor.Shape(info.Shape), dt, out)
}

// tagWidth is the element size in bytes of each safetensors dtype tag.
var tagWidth = map[string]int64{
	"F64": 8, "I64": 8, "U64": 8,
	"F32": 4, "I32": 4, "U32": 4,
	"F16": 2, "BF16": 2, "I16": 2, "U16": 2,
	"I8": 1, "U8": 1, "BOOL": 1, "F8_E4M3": 1, "F8_E5M2": 1,
}

// validate checks the header entry against the size of the data section:
// offsets must be ordered, lie inside the section and cover exactly the
// bytes the shape and dtype need.
func (t TensorInfo) validate(dataLen int64) error {
	width, ok := tagWidth[t.DType]
	if !ok {
		return fmt.Errorf("unknown dtype %q", t.DType)
	}
	if t.Start < 0 || t.Start > t.End || t.End > dataLen {
		return fmt.Errorf("data_offsets [%d, %d] outside data section of %d bytes", t.Start, t.End, dataLen)
	}
	want := width
	if slices.Contains(t.Shape, 0) {
		want = 0
	}
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("invalid dim %d", d)
		}
		if want > 0 && want > dataLen/int64(d) {
			return fmt.Errorf("shape %v larger than data section", t.Shape)
		}
		want *= int64(d)
	}
	if got := t.End - t.Start; got != want {
		return fmt.Errorf("data_offsets cover %d bytes, shape %v of %s needs %d", got, t.Shape, t.DType, want)
	}
	return nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > math.MaxInt/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
