package nn

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ajroetker/go-highway/hwy"
)

// =============================================================================
// Numeric precision
// =============================================================================

// NumericType names the element types found in weight files.
type NumericType string

const (
	TypeF32  NumericType = "F32"
	TypeF16  NumericType = "F16"
	TypeBF16 NumericType = "BF16"
)

// GetTypeSize returns the size in bytes of one element.
func GetTypeSize(t NumericType) int {
	switch t {
	case TypeF32:
		return 4
	case TypeF16, TypeBF16:
		return 2
	}
	return 0
}

// DecodeFloats converts little-endian raw element bytes to float32.
func DecodeFloats(raw []byte, t NumericType) ([]float32, error) {
	size := GetTypeSize(t)
	if size == 0 {
		return nil, fmt.Errorf("unsupported dtype: %s", t)
	}
	if len(raw)%size != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of %s values", len(raw), t)
	}
	out := make([]float32, len(raw)/size)
	switch t {
	case TypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case TypeF16:
		for i := range out {
			out[i] = hwy.Float16ToFloat32(hwy.Float16(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	case TypeBF16:
		for i := range out {
			out[i] = hwy.BFloat16ToFloat32(hwy.BFloat16(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	}
	return out, nil
}

// EncodeFloats converts float32 values to little-endian raw bytes of type t.
func EncodeFloats(values []float32, t NumericType) ([]byte, error) {
	size := GetTypeSize(t)
	if size == 0 {
		return nil, fmt.Errorf("unsupported dtype: %s", t)
	}
	out := make([]byte, len(values)*size)
	switch t {
	case TypeF32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case TypeF16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(hwy.Float32ToFloat16(v)))
		}
	case TypeBF16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(hwy.Float32ToBFloat16(v)))
		}
	}
	return out, nil
}

// Precision selects the arithmetic used for activations.
type Precision struct {
	// Reduced rounds every stage output and every backpropagated gradient to
	// bfloat16. Accumulation inside GEMMs stays float32.
	Reduced bool
}

func (p Precision) String() string {
	if p.Reduced {
		return "bf16"
	}
	return "f32"
}

// roundBF16 rounds values in place to the nearest bfloat16.
func roundBF16(values []float32, be Backend) {
	be.ParallelFor(len(values), func(start, end int) {
		for i := start; i < end; i++ {
			values[i] = hwy.BFloat16ToFloat32(hwy.Float32ToBFloat16(values[i]))
		}
	})
}

func (p Precision) apply(t *Tensor, be Backend) {
	if p.Reduced {
		roundBF16(t.Data, be)
	}
}
