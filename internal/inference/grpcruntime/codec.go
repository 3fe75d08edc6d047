package grpcruntime

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/PHIN-materials/pair-PHIN/internal/tensor"
)

// ErrDecode marks a request or response that does not follow the wire format.
var ErrDecode = errors.New("malformed message")

// A tensor travels as a Struct value:
//
//	{dtype: "float32", shape: [N, 3], data: "<base64 little-endian>"}
//
// float32 occupies 4 bytes per element, float64 and int64 occupy 8.
const (
	fieldDType = "dtype"
	fieldShape = "shape"
	fieldData  = "data"
)

func elementSize(dt tensor.DType) int {
	if dt == tensor.Float32 {
		return 4
	}
	return 8
}

// EncodeTensor converts t to its wire form.
func EncodeTensor(t *tensor.Tensor) (*structpb.Value, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	n := tensor.NumElements(t.Shape)
	buf := make([]byte, 0, n*elementSize(t.DType))
	switch t.DType {
	case tensor.Float32:
		for _, v := range t.Float {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
		}
	case tensor.Float64:
		for _, v := range t.Float {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	case tensor.Int64:
		for _, v := range t.Int {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
		}
	default:
		return nil, fmt.Errorf("encode tensor: unsupported dtype %s", t.DType)
	}

	shape := make([]*structpb.Value, len(t.Shape))
	for i, d := range t.Shape {
		shape[i] = structpb.NewNumberValue(float64(d))
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		fieldDType: structpb.NewStringValue(t.DType.String()),
		fieldShape: structpb.NewListValue(&structpb.ListValue{Values: shape}),
		fieldData:  structpb.NewStringValue(base64.StdEncoding.EncodeToString(buf)),
	}}), nil
}

// DecodeTensor parses the wire form produced by EncodeTensor.
func DecodeTensor(v *structpb.Value) (*tensor.Tensor, error) {
	s := v.GetStructValue()
	if s == nil {
		return nil, fmt.Errorf("%w: tensor is not a struct", ErrDecode)
	}
	dt, err := tensor.ParseDType(s.GetFields()[fieldDType].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	list := s.GetFields()[fieldShape].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: tensor has no shape", ErrDecode)
	}
	shape := make([]int, len(list.GetValues()))
	for i, d := range list.GetValues() {
		f := d.GetNumberValue()
		if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
			return nil, fmt.Errorf("%w: shape[%d] = %v is not a non-negative integer", ErrDecode, i, f)
		}
		shape[i] = int(f)
	}
	raw, err := base64.StdEncoding.DecodeString(s.GetFields()[fieldData].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("%w: tensor data: %v", ErrDecode, err)
	}
	n := tensor.NumElements(shape)
	if size := elementSize(dt); n < 0 || len(raw)%size != 0 || len(raw)/size != n {
		return nil, fmt.Errorf("%w: %d bytes for %s%s", ErrDecode, len(raw), dt, tensor.ShapeString(shape))
	}

	t := &tensor.Tensor{DType: dt, Shape: shape}
	switch dt {
	case tensor.Float32:
		t.Float = make([]float64, n)
		for i := range t.Float {
			t.Float[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
		}
	case tensor.Float64:
		t.Float = make([]float64, n)
		for i := range t.Float {
			t.Float[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		}
	case tensor.Int64:
		t.Int = make([]int64, n)
		for i := range t.Int {
			t.Int[i] = int64(binary.LittleEndian.Uint64(raw[8*i:]))
		}
	}
	return t, nil
}

// EncodeDict converts every tensor in d.
func EncodeDict(d tensor.Dict) (*structpb.Struct, error) {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(d))}
	for name, t := range d {
		v, err := EncodeTensor(t)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		out.Fields[name] = v
	}
	return out, nil
}

// DecodeDict parses a Struct of wire tensors.
func DecodeDict(s *structpb.Struct) (tensor.Dict, error) {
	out := make(tensor.Dict, len(s.GetFields()))
	for name, v := range s.GetFields() {
		t, err := DecodeTensor(v)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

func encodeMetadata(meta map[string]string) *structpb.Struct {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(meta))}
	for k, v := range meta {
		out.Fields[k] = structpb.NewStringValue(v)
	}
	return out
}

func decodeMetadata(s *structpb.Struct) (map[string]string, error) {
	out := make(map[string]string, len(s.GetFields()))
	for k, v := range s.GetFields() {
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%w: metadata %q is not a string", ErrDecode, k)
		}
		out[k] = sv.StringValue
	}
	return out, nil
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func requireString(s *structpb.Struct, name string) (string, error) {
	v := stringField(s, name)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrDecode, name)
	}
	return v, nil
}
