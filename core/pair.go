package core

import (
	"context"
	"strings"

	"github.com/PHIN-materials/pair-PHIN/internal/inference"
	"github.com/PHIN-materials/pair-PHIN/model"
)

// NeighborRequest is what a style asks of the host's neighbor machinery.
type NeighborRequest struct {
	Full   bool
	Cutoff float64
}

// PairStyle is the force-field entry point, evaluated once per step.
//
//	pair_style phin
//	pair_coeff * * <model> <element for type 1> ... <element for type N>
type PairStyle struct {
	orch  *Orchestrator
	model string
	last  *Result
}

// NewPairStyle returns a pair style on a fresh orchestrator.
func NewPairStyle(cfg Config, loader inference.Loader, opts ...Option) *PairStyle {
	opts = append([]Option{WithStyle("pair")}, opts...)
	return &PairStyle{orch: NewOrchestrator(cfg, loader, opts...)}
}

// Orchestrator exposes the underlying evaluator.
func (p *PairStyle) Orchestrator() *Orchestrator { return p.orch }

// Settings validates the pair_style arguments; the style takes none.
func (p *PairStyle) Settings(args []string) error {
	if len(args) > 0 {
		return configErrorf("pair_style phin takes no arguments, got %q", strings.Join(args, " "))
	}
	return nil
}

// Coeff parses "* * <model> <el_1> ... <el_ntypes>" and configures the
// orchestrator.
func (p *PairStyle) Coeff(ctx context.Context, args []string, ntypes int) error {
	if len(args) != 3+ntypes {
		return configErrorf("pair_coeff expects * * <model> and %d elements, got %d arguments", ntypes, len(args))
	}
	if args[0] != "*" || args[1] != "*" {
		return configErrorf("pair_coeff type selectors must be * *, got %s %s", args[0], args[1])
	}
	p.model = args[2]
	return p.orch.Configure(ctx, p.model, args[3:])
}

// InitStyle checks host preconditions and returns the neighbor request.
func (p *PairStyle) InitStyle(h model.HostSettings) (NeighborRequest, error) {
	if err := p.orch.CheckHost(h); err != nil {
		return NeighborRequest{}, err
	}
	if n := p.orch.Species().NTypes(); n != 0 && h.NTypes != 0 && n != h.NTypes {
		return NeighborRequest{}, configErrorf("pair_coeff mapped %d types, host declares %d", n, h.NTypes)
	}
	return NeighborRequest{Full: true, Cutoff: p.orch.Cutoff()}, nil
}

// InitOne returns the interaction cutoff for the type pair (i, j). The model
// has a single radius.
func (p *PairStyle) InitOne(i, j int) (float64, error) {
	if p.orch.State() == StateUnconfigured {
		return 0, ErrNotConfigured
	}
	return p.orch.Cutoff(), nil
}

// Compute evaluates forces and energy for one step. The total energy is
// always stored; the virial is decoded only when requested.
func (p *PairStyle) Compute(ctx context.Context, f Frame, flags model.EvalFlags, acc *model.Accumulators) error {
	if acc == nil {
		acc = &model.Accumulators{}
	}
	flags.Energy = true
	res, err := p.orch.Evaluate(ctx, f, Evaluation{
		Request: inference.Request{
			Energy:        true,
			AtomicEnergy:  true,
			Forces:        true,
			Virial:        flags.Virial,
			Uncertainties: true,
		},
		Flags:        flags,
		Geometry:     GeometryStrict,
		RequireEdges: true,
		Acc:          acc,
	})
	if err != nil {
		return err
	}
	p.last = res
	return nil
}

// LastResult summarises the most recent successful Compute, or nil.
func (p *PairStyle) LastResult() *Result { return p.last }

// ExtractPerAtom returns a per-atom array by name. Only "uncertainties" is
// published.
func (p *PairStyle) ExtractPerAtom(name string) []float64 {
	if name == "uncertainties" {
		return p.orch.Uncertainties()
	}
	return nil
}

// Close releases the model.
func (p *PairStyle) Close() error { return p.orch.Close() }
