// Package tensor holds the fixed-shape numeric tensors exchanged with the
// inference runtime. Float tensors keep float64 storage; a Float32 dtype means
// values were rounded through float32 and are encoded as 4-byte floats on the
// wire.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// DType is the element type of a tensor.
type DType int

const (
	Float32 DType = iota
	Float64
	Int64
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// IsFloat reports whether d stores real numbers.
func (d DType) IsFloat() bool { return d == Float32 || d == Float64 }

// ParseDType maps a dtype name onto a DType.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "float", "f32":
		return Float32, nil
	case "float64", "double", "f64":
		return Float64, nil
	case "int64", "long", "i64":
		return Int64, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

// Input tensor names understood by deployed models.
const (
	KeyPositions     = "pos"
	KeyEdgeIndex     = "edge_index"
	KeyEdgeCellShift = "edge_cell_shift"
	KeyCell          = "cell"
	KeyAtomTypes     = "atom_types"
)

// Output tensor names produced by deployed models.
const (
	KeyForces        = "forces"
	KeyTotalEnergy   = "total_energy"
	KeyAtomicEnergy  = "atomic_energy"
	KeyUncertainties = "uncertainties"
	KeyVirial        = "virial"
)

var ErrShape = errors.New("tensor shape mismatch")

// Tensor is a dense row-major array. Exactly one of Float or Int is populated,
// matching DType.
type Tensor struct {
	DType DType
	Shape []int
	Float []float64
	Int   []int64
}

// Dict is a named tensor dictionary.
type Dict map[string]*Tensor

// NumElements returns the product of shape. A scalar (empty shape) has one
// element. It returns -1 for a negative dimension or a product that does not
// fit in an int, so no data length can match.
func NumElements(shape []int) int {
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		if d == 0 {
			return 0
		}
	}
	n := 1
	for _, d := range shape {
		if n > math.MaxInt/d {
			return -1
		}
		n *= d
	}
	return n
}

// NewFloat wraps data as a float tensor. Float32 values are rounded through
// float32 so host and wire values agree.
func NewFloat(dtype DType, data []float64, shape ...int) (*Tensor, error) {
	if !dtype.IsFloat() {
		return nil, fmt.Errorf("NewFloat: %s is not a float dtype", dtype)
	}
	if NumElements(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	if dtype == Float32 {
		for i, v := range data {
			data[i] = float64(float32(v))
		}
	}
	return &Tensor{DType: dtype, Shape: append([]int(nil), shape...), Float: data}, nil
}

// NewInt wraps data as an int64 tensor.
func NewInt(data []int64, shape ...int) (*Tensor, error) {
	if NumElements(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	return &Tensor{DType: Int64, Shape: append([]int(nil), shape...), Int: data}, nil
}

// Len returns the number of stored elements.
func (t *Tensor) Len() int {
	if t == nil {
		return 0
	}
	if t.DType == Int64 {
		return len(t.Int)
	}
	return len(t.Float)
}

// Validate checks that the stored data matches the declared shape.
func (t *Tensor) Validate() error {
	if t == nil {
		return errors.New("nil tensor")
	}
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in %v", ErrShape, t.Shape)
		}
	}
	if want := NumElements(t.Shape); t.Len() != want {
		return fmt.Errorf("%w: %d values for shape %v", ErrShape, t.Len(), t.Shape)
	}
	if t.DType == Int64 && t.Float != nil {
		return fmt.Errorf("int64 tensor carries float data")
	}
	if t.DType.IsFloat() && t.Int != nil {
		return fmt.Errorf("%s tensor carries int data", t.DType)
	}
	return nil
}

// HasShape reports whether t's shape equals want exactly.
func (t *Tensor) HasShape(want ...int) bool {
	if t == nil || len(t.Shape) != len(want) {
		return false
	}
	for i := range want {
		if t.Shape[i] != want[i] {
			return false
		}
	}
	return true
}

// Floats returns the elements as float64 regardless of dtype.
func (t *Tensor) Floats() []float64 {
	if t == nil {
		return nil
	}
	if t.DType != Int64 {
		return t.Float
	}
	out := make([]float64, len(t.Int))
	for i, v := range t.Int {
		out[i] = float64(v)
	}
	return out
}

// ShapeString formats a shape as "[a,b,c]".
func ShapeString(shape []int) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, d := range shape {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", d)
	}
	b.WriteByte(']')
	return b.String()
}
