package core

import (
	"context"
	"strconv"

	"github.com/PHIN-materials/pair-PHIN/internal/inference"
	"github.com/PHIN-materials/pair-PHIN/model"
)

// ComputeStyle evaluates a named model output on demand, e.g. for
// diagnostics. Its syntax is
//
//	compute <ID> all phin <model> <quantity> <length> <el_1> ... <el_N>
type ComputeStyle struct {
	ID       string
	Model    string
	Quantity string

	orch   *Orchestrator
	vector []float64
}

// NewComputeStyle parses args, which include the ID, group and style words,
// and configures a dedicated orchestrator.
func NewComputeStyle(ctx context.Context, args []string, ntypes int, cfg Config, loader inference.Loader, opts ...Option) (*ComputeStyle, error) {
	if len(args) != 6+ntypes {
		return nil, configErrorf("compute phin expects <ID> all phin <model> <quantity> <length> and %d elements, got %d arguments", ntypes, len(args))
	}
	if args[1] != "all" {
		return nil, configErrorf("compute phin can only operate on group 'all', got %q", args[1])
	}
	length, err := strconv.Atoi(args[5])
	if err != nil || length <= 0 {
		return nil, configErrorf("compute phin vector length %q must be a positive integer", args[5])
	}

	opts = append([]Option{WithStyle("compute")}, opts...)
	c := &ComputeStyle{
		ID:       args[0],
		Model:    args[3],
		Quantity: args[4],
		orch:     NewOrchestrator(cfg, loader, opts...),
		vector:   make([]float64, length),
	}
	if err := c.orch.Configure(ctx, c.Model, args[6:]); err != nil {
		return nil, err
	}
	return c, nil
}

// Orchestrator exposes the underlying evaluator.
func (c *ComputeStyle) Orchestrator() *Orchestrator { return c.orch }

// Init checks host preconditions and returns the neighbor request. The list
// is rebuilt on every ComputeVector.
func (c *ComputeStyle) Init(h model.HostSettings) (NeighborRequest, error) {
	if err := c.orch.CheckHost(h); err != nil {
		return NeighborRequest{}, err
	}
	return NeighborRequest{Full: true, Cutoff: c.orch.Cutoff()}, nil
}

// Len returns the vector length.
func (c *ComputeStyle) Len() int { return len(c.vector) }

// ComputeVector rebuilds the neighbor list, runs the model and copies the
// first Len() elements of the quantity into the vector. Geometry defects are
// tolerated and an edgeless graph is only warned about.
func (c *ComputeStyle) ComputeVector(ctx context.Context, f Frame) ([]float64, error) {
	f.Refresh = true
	res, err := c.orch.Evaluate(ctx, f, Evaluation{
		Request:  inference.Request{Quantity: c.Quantity, QuantityLen: len(c.vector)},
		Geometry: GeometryLenient,
	})
	if err != nil {
		return nil, err
	}
	copy(c.vector, res.Outputs.Quantity)
	return c.vector, nil
}

// Vector returns the last computed values.
func (c *ComputeStyle) Vector() []float64 { return c.vector }

// Close releases the model.
func (c *ComputeStyle) Close() error { return c.orch.Close() }
