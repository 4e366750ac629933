package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/electra/internal/tensor"
)

// WriteTensor describes one tensor to be serialised.
type WriteTensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Write serialises the given tensors to path in the requested dtype
// ("F32", "F16" or "BF16"). Tensors are laid out in name order so the
// same parameters always produce the same bytes.
func Write(path string, tensors []WriteTensor, dtype string) error {
	elemSize, ok := dtypeSize(dtype)
	if !ok {
		return fmt.Errorf("unsupported dtype %s", dtype)
	}

	sorted := make([]WriteTensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]tensorHeader, len(sorted))
	var off int64
	for _, t := range sorted {
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape/data mismatch", t.Name)
		}
		size := int64(n) * int64(elemSize)
		header[t.Name] = tensorHeader{
			DType:       dtype,
			Shape:       t.Shape,
			DataOffsets: []int64{off, off + size},
		}
		off += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		return err
	}

	buf := make([]byte, 0, 1<<16)
	for _, t := range sorted {
		buf = buf[:0]
		buf = appendTensorData(buf, t.Data, dtype)
		if _, err := f.Write(buf); err != nil {
			return fmt.Errorf("write tensor %s: %w", t.Name, err)
		}
	}
	return f.Close()
}

func appendTensorData(buf []byte, data []float32, dtype string) []byte {
	switch dtype {
	case "F32":
		for _, v := range data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	case "F16":
		for _, v := range data {
			buf = binary.LittleEndian.AppendUint16(buf, tensor.F32ToF16(v))
		}
	case "BF16":
		for _, v := range data {
			buf = binary.LittleEndian.AppendUint16(buf, tensor.F32ToBF16(v))
		}
	}
	return buf
}

func dtypeSize(dtype string) (int, bool) {
	switch dtype {
	case "F32":
		return 4, true
	case "F16", "BF16":
		return 2, true
	default:
		return 0, false
	}
}
