package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/PHIN-materials/pair-PHIN/internal/logging"
	"github.com/PHIN-materials/pair-PHIN/internal/tensor"
)

// ErrInference marks every failure raised by this layer.
var ErrInference = errors.New("inference failed")

// Error describes a runtime failure or an output that does not match what the
// caller asked for.
type Error struct {
	Key  string // output key involved, if any
	Want string // expected shape description
	Got  string // actual shape description
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Key != "" && e.Want != "":
		return fmt.Sprintf("inference: output %q: want %s, got %s", e.Key, e.Want, e.Got)
	case e.Key != "" && e.Err != nil:
		return fmt.Sprintf("inference: output %q: %v", e.Key, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("inference: %v", e.Err)
	default:
		return "inference: failed"
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrInference }

// GraphEncoder is the graph view the adapter needs.
type GraphEncoder interface {
	NumNodes() int
	NumEdges() int
	Encode(dtype tensor.DType) (tensor.Dict, error)
}

// Request lists the outputs a caller depends on.
type Request struct {
	Energy       bool // total_energy
	AtomicEnergy bool // atomic_energy [N,1]
	Forces       bool // forces [N,3]
	Virial       bool // virial [1,3,3]
	// Uncertainties decodes uncertainties [N,1] when the model emits them.
	Uncertainties bool

	// Quantity names an arbitrary output read by diagnostics; QuantityLen is
	// the minimum number of elements it must carry.
	Quantity    string
	QuantityLen int
}

// Outputs are inference results in node order.
type Outputs struct {
	NumNodes      int
	TotalEnergy   float64
	AtomicEnergy  []float64
	Forces        [][3]float64
	Uncertainties []float64
	Virial        *[3][3]float64
	Quantity      []float64

	Raw tensor.Dict
}

// Adapter runs one model. It holds no per-step state.
type Adapter struct {
	model Model
	dtype tensor.DType
	log   logging.Logger
}

// AdapterOption customises an Adapter.
type AdapterOption func(*Adapter)

// WithFloatDType sets the dtype of float input tensors (float32 by default).
func WithFloatDType(d tensor.DType) AdapterOption {
	return func(a *Adapter) { a.dtype = d }
}

// WithLogger sets the adapter's logger.
func WithLogger(l logging.Logger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// NewAdapter wraps m.
func NewAdapter(m Model, opts ...AdapterOption) *Adapter {
	a := &Adapter{model: m, dtype: tensor.Float32, log: logging.Noop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Model returns the wrapped model.
func (a *Adapter) Model() Model { return a.model }

// Run encodes g, invokes the model once and validates the outputs against req.
func (a *Adapter) Run(ctx context.Context, g GraphEncoder, req Request) (*Outputs, error) {
	if a.model == nil {
		return nil, &Error{Err: errors.New("no model loaded")}
	}
	inputs, err := g.Encode(a.dtype)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("encode graph: %w", err)}
	}

	a.log.Debug(ctx, "invoking model",
		logging.Int("nodes", g.NumNodes()),
		logging.Int("edges", g.NumEdges()),
		logging.String("device", string(a.model.Device())),
	)
	raw, err := a.model.Forward(ctx, inputs)
	if err != nil {
		var ie *Error
		if errors.As(err, &ie) {
			return nil, err
		}
		return nil, &Error{Err: err}
	}
	if raw == nil {
		return nil, &Error{Err: errors.New("model returned no outputs")}
	}

	return decodeOutputs(raw, g.NumNodes(), req)
}

func decodeOutputs(raw tensor.Dict, n int, req Request) (*Outputs, error) {
	out := &Outputs{NumNodes: n, Raw: raw}

	if req.Energy {
		t, err := lookup(raw, tensor.KeyTotalEnergy)
		if err != nil {
			return nil, err
		}
		if t.Len() != 1 {
			return nil, shapeError(tensor.KeyTotalEnergy, "1 element", t)
		}
		out.TotalEnergy = t.Floats()[0]
	}

	if req.AtomicEnergy {
		t, err := lookup(raw, tensor.KeyAtomicEnergy)
		if err != nil {
			return nil, err
		}
		if !perNode(t, n) {
			return nil, shapeError(tensor.KeyAtomicEnergy, fmt.Sprintf("[%d,1]", n), t)
		}
		out.AtomicEnergy = copyFloats(t)
	}

	if req.Forces {
		t, err := lookup(raw, tensor.KeyForces)
		if err != nil {
			return nil, err
		}
		if !t.HasShape(n, 3) {
			return nil, shapeError(tensor.KeyForces, fmt.Sprintf("[%d,3]", n), t)
		}
		vals := t.Floats()
		out.Forces = make([][3]float64, n)
		for i := range out.Forces {
			out.Forces[i] = [3]float64{vals[3*i], vals[3*i+1], vals[3*i+2]}
		}
	}

	if req.Virial {
		t, err := lookup(raw, tensor.KeyVirial)
		if err != nil {
			return nil, err
		}
		if !t.HasShape(1, 3, 3) && !t.HasShape(3, 3) {
			return nil, shapeError(tensor.KeyVirial, "[1,3,3]", t)
		}
		vals := t.Floats()
		var v [3][3]float64
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				v[r][c] = vals[3*r+c]
			}
		}
		out.Virial = &v
	}

	if req.Uncertainties {
		if t, ok := raw[tensor.KeyUncertainties]; ok {
			if err := validate(tensor.KeyUncertainties, t); err != nil {
				return nil, err
			}
			if !perNode(t, n) {
				return nil, shapeError(tensor.KeyUncertainties, fmt.Sprintf("[%d,1]", n), t)
			}
			out.Uncertainties = copyFloats(t)
		}
	}

	if req.Quantity != "" {
		t, err := lookup(raw, req.Quantity)
		if err != nil {
			return nil, err
		}
		if t.Len() < req.QuantityLen {
			return nil, shapeError(req.Quantity, fmt.Sprintf("at least %d elements", req.QuantityLen), t)
		}
		out.Quantity = append([]float64(nil), t.Floats()[:req.QuantityLen]...)
	}

	return out, nil
}

func lookup(raw tensor.Dict, key string) (*tensor.Tensor, error) {
	t, ok := raw[key]
	if !ok || t == nil {
		return nil, &Error{Key: key, Err: errors.New("missing from model outputs")}
	}
	if err := validate(key, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Physical outputs must be real-valued.
var floatOutputs = map[string]bool{
	tensor.KeyForces:        true,
	tensor.KeyTotalEnergy:   true,
	tensor.KeyAtomicEnergy:  true,
	tensor.KeyUncertainties: true,
	tensor.KeyVirial:        true,
}

func validate(key string, t *tensor.Tensor) error {
	if err := t.Validate(); err != nil {
		return &Error{Key: key, Err: err}
	}
	if floatOutputs[key] && !t.DType.IsFloat() {
		return &Error{Key: key, Want: "float tensor", Got: t.DType.String()}
	}
	return nil
}

func perNode(t *tensor.Tensor, n int) bool {
	return t.HasShape(n, 1) || t.HasShape(n)
}

func shapeError(key, want string, t *tensor.Tensor) error {
	return &Error{Key: key, Want: want, Got: t.DType.String() + tensor.ShapeString(t.Shape)}
}

func copyFloats(t *tensor.Tensor) []float64 {
	return append([]float64(nil), t.Floats()...)
}
