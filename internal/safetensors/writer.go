package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/goccy/go-json"

	"github.com/samcharles93/quantpack/internal/dtype"
	"github.com/samcharles93/quantpack/internal/tensor"
)

type pending struct {
	dtype string
	shape []int
	data  []byte
}

// Writer collects tensors in memory and writes them as one safetensors
// file. Tensors are laid out in name order. Add methods are safe for
// concurrent use.
type Writer struct {
	mu       sync.Mutex
	tensors  map[string]pending
	metadata map[string]string
}

func NewWriter() *Writer {
	return &Writer{
		tensors:  make(map[string]pending),
		metadata: make(map[string]string),
	}
}

// SetMetadata records a string entry in the __metadata__ header section.
func (w *Writer) SetMetadata(key, value string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metadata[key] = value
}

// Add stores raw little-endian tensor bytes under name.
func (w *Writer) Add(name, dtypeTag string, shape []int, data []byte) error {
	if name == "" || name == metadataKey {
		return fmt.Errorf("safetensors: invalid tensor name %q", name)
	}
	info := TensorInfo{DType: dtypeTag, Shape: shape, End: int64(len(data))}
	if err := info.validate(int64(len(data))); err != nil {
		return fmt.Errorf("safetensors: tensor %s: %w", name, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.tensors[name]; dup {
		return fmt.Errorf("safetensors: duplicate tensor %s", name)
	}
	w.tensors[name] = pending{dtype: dtypeTag, shape: slices.Clone(shape), data: data}
	return nil
}

// AddFloat encodes t in its own dtype (F32, F16 or BF16).
func (w *Writer) AddFloat(name string, t *tensor.Float) error {
	tag, err := t.DType.Safetensors()
	if err != nil || !t.DType.IsFloat() {
		return fmt.Errorf("safetensors: tensor %s: cannot store dtype %s as float", name, t.DType)
	}
	var buf []byte
	switch t.DType {
	case dtype.Float32:
		buf = make([]byte, 4*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
	default:
		conv := dtype.F32ToF16
		if t.DType == dtype.BFloat16 {
			conv = dtype.F32ToBF16
		}
		buf = make([]byte, 2*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(buf[i*2:], conv(v))
		}
	}
	return w.Add(name, tag, t.Shape, buf)
}

// AddUint encodes storage words at their storage width (U8, U16 or U32).
func (w *Writer) AddUint(name string, t *tensor.Uint) error {
	tag, err := t.DType.Safetensors()
	if err != nil || !t.DType.IsUint() {
		return fmt.Errorf("safetensors: tensor %s: cannot store dtype %s as storage words", name, t.DType)
	}
	width := t.DType.Bits / 8
	buf := make([]byte, width*len(t.Data))
	for i, v := range t.Data {
		switch width {
		case 1:
			buf[i] = byte(v)
		case 2:
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
		default:
			binary.LittleEndian.PutUint32(buf[i*4:], v)
		}
	}
	return w.Add(name, tag, t.Shape, buf)
}

// Len returns the number of tensors added.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tensors)
}

func (w *Writer) header() ([]byte, []string, error) {
	names := make([]string, 0, len(w.tensors))
	for n := range w.tensors {
		names = append(names, n)
	}
	slices.Sort(names)

	hdr := make(map[string]any, len(names)+1)
	if len(w.metadata) > 0 {
		hdr[metadataKey] = w.metadata
	}
	var off int64
	for _, n := range names {
		p := w.tensors[n]
		end := off + int64(len(p.data))
		hdr[n] = tensorHeader{DType: p.dtype, Shape: p.shape, DataOffsets: []int64{off, end}}
		off = end
	}
	raw, err := json.Marshal(hdr)
	if err != nil {
		return nil, nil, fmt.Errorf("safetensors: encode header: %w", err)
	}
	// Pad with spaces so the data section starts 8-byte aligned.
	if rem := (8 + len(raw)) % 8; rem != 0 {
		for range 8 - rem {
			raw = append(raw, ' ')
		}
	}
	return raw, names, nil
}

// WriteTo writes the file to out.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	hdr, names, err := w.header()
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(out)
	var total int64
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	for _, chunk := range [][]byte{lenBuf[:], hdr} {
		n, err := bw.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	for _, name := range names {
		n, err := bw.Write(w.tensors[name].data)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("safetensors: write %s: %w", name, err)
		}
	}
	return total, bw.Flush()
}

// WriteFile writes the file to path via a temporary file in the same
// directory.
func (w *Writer) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := w.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
