package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PHIN-materials/pair-PHIN/internal/inference"
	"github.com/PHIN-materials/pair-PHIN/internal/logging"
	"github.com/PHIN-materials/pair-PHIN/internal/tensor"
	"github.com/PHIN-materials/pair-PHIN/model"
)

// TracerName is the instrumentation scope of evaluation spans.
const TracerName = "github.com/PHIN-materials/pair-PHIN/core"

// Config carries the per-instance evaluation settings. Nothing here is
// process-global, so several orchestrators may run side by side with
// different devices or precisions.
type Config struct {
	Device         inference.Device
	FloatDType     tensor.DType
	Debug          bool
	StrictSpecies  bool
	ShiftTolerance float64
	VersionKeys    []string
}

// DefaultConfig returns auto device selection with float32 inputs.
func DefaultConfig() Config {
	return Config{
		Device:         inference.DeviceAuto,
		FloatDType:     tensor.Float32,
		ShiftTolerance: DefaultShiftTolerance,
	}
}

// State is the lifecycle position of an Orchestrator.
type State int32

const (
	StateUnconfigured State = iota
	StateConfigured
	StateReady
	StateEvaluating
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateReady:
		return "ready"
	case StateEvaluating:
		return "evaluating"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// NeighborProvider builds a full neighbor list on demand.
type NeighborProvider interface {
	BuildFull(ctx context.Context, atoms *model.Atoms, box model.Box, cutoff float64) (*model.NeighborList, error)
}

// MetricsRecorder receives per-evaluation measurements.
type MetricsRecorder interface {
	ObserveStage(style, stage string, d time.Duration)
	CountEvaluation(style, outcome string)
	SetGraphSize(nodes, edges, capacity int)
	AddGeometryDefects(n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveStage(string, string, time.Duration) {}
func (noopMetrics) CountEvaluation(string, string)             {}
func (noopMetrics) SetGraphSize(int, int, int)                 {}
func (noopMetrics) AddGeometryDefects(int)                     {}

// Frame is the host state of one step. A nil List, or Refresh, asks the
// orchestrator to build a fresh list through its NeighborProvider.
type Frame struct {
	Step    int64
	Atoms   *model.Atoms
	Box     model.Box
	List    *model.NeighborList
	Refresh bool
}

// Evaluation selects what one Evaluate call produces.
type Evaluation struct {
	Request  inference.Request
	Flags    model.EvalFlags
	Geometry GeometryPolicy
	// RequireEdges turns an edgeless graph into ErrNoInteractions.
	RequireEdges bool
	// Acc receives scattered results; nil skips the scatter stage.
	Acc *model.Accumulators
}

// Result summarises a completed evaluation.
type Result struct {
	Nodes           int
	Edges           int
	GeometryDefects int
	Outputs         *inference.Outputs
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the base logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.baseLog = l
		}
	}
}

// WithMetrics installs a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithNeighborProvider installs the list builder used when a frame has none.
func WithNeighborProvider(p NeighborProvider) Option {
	return func(o *Orchestrator) { o.neighbors = p }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(TracerName)
		}
	}
}

// WithStyle labels logs and metrics, e.g. "pair" or "compute".
func WithStyle(style string) Option {
	return func(o *Orchestrator) { o.style = style }
}

// Orchestrator drives configure, graph build, inference and scatter for one
// potential instance. Evaluate is exclusive: a concurrent call fails with
// ErrBusy rather than sharing scratch.
type Orchestrator struct {
	cfg       Config
	loader    inference.Loader
	neighbors NeighborProvider
	metrics   MetricsRecorder
	tracer    trace.Tracer
	style     string
	id        string
	baseLog   logging.Logger
	log       logging.Logger

	run     sync.Mutex
	state   atomic.Int32
	failMu  sync.Mutex
	failure error

	info    ModelInfo
	species SpeciesMap
	adapter *inference.Adapter
	builder GraphBuilder

	uncertainties []float64
	nlocal        int
}

// NewOrchestrator returns an unconfigured orchestrator that loads models
// through loader.
func NewOrchestrator(cfg Config, loader inference.Loader, opts ...Option) *Orchestrator {
	if cfg.ShiftTolerance <= 0 {
		cfg.ShiftTolerance = DefaultShiftTolerance
	}
	if cfg.Device == "" {
		cfg.Device = inference.DeviceAuto
	}
	o := &Orchestrator{
		cfg:     cfg,
		loader:  loader,
		metrics: noopMetrics{},
		tracer:  otel.Tracer(TracerName),
		style:   "pair",
		id:      logging.NewInstanceID(),
		baseLog: logging.Noop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.baseLog.With(logging.String("instance", o.id), logging.String("style", o.style))
	return o
}

// ID returns the instance identifier carried in logs.
func (o *Orchestrator) ID() string { return o.id }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Info returns the parsed model metadata.
func (o *Orchestrator) Info() ModelInfo { return o.info }

// Species returns the simulation type to species map.
func (o *Orchestrator) Species() SpeciesMap { return o.species }

// Cutoff returns the model's interaction radius.
func (o *Orchestrator) Cutoff() float64 { return o.info.Cutoff }

// Failure returns the error that made the orchestrator terminal, if any.
func (o *Orchestrator) Failure() error {
	o.failMu.Lock()
	defer o.failMu.Unlock()
	return o.failure
}

func (o *Orchestrator) fail(err error) {
	o.failMu.Lock()
	o.failure = err
	o.failMu.Unlock()
	o.state.Store(int32(StateFailed))
}

// CheckHost validates the engine switches the bridge relies on.
func (o *Orchestrator) CheckHost(h model.HostSettings) error {
	if !h.TagsEnabled {
		return configErrorf("atom tags must be enabled")
	}
	if h.NewtonPair {
		return configErrorf("newton pair must be off")
	}
	return nil
}

// Configure loads the model at path and resolves elements, one per simulation
// type, against its species. It may be called again to swap models.
func (o *Orchestrator) Configure(ctx context.Context, path string, elements []string) error {
	if !o.run.TryLock() {
		return ErrBusy
	}
	defer o.run.Unlock()

	if o.State() == StateFailed {
		return fmt.Errorf("%w: %w", ErrTerminated, o.Failure())
	}
	if o.loader == nil {
		return o.failConfigure(ctx, configErrorf("no model loader"))
	}

	m, err := o.loader.Load(ctx, path, inference.LoadOptions{Device: o.cfg.Device})
	if err != nil {
		return o.failConfigure(ctx, fmt.Errorf("%w: load model %q: %w", ErrConfiguration, path, err))
	}

	meta := m.Metadata()
	for _, k := range sortedKeys(meta) {
		o.log.Debug(ctx, "model metadata", logging.String("key", k), logging.String("value", meta[k]))
	}

	info, err := ParseMetadata(meta, o.cfg.VersionKeys)
	if err != nil {
		_ = m.Close()
		return o.failConfigure(ctx, fmt.Errorf("model %q: %w", path, err))
	}
	species, unknown, err := BuildSpeciesMap(info.Species, elements, o.cfg.StrictSpecies)
	if err != nil {
		_ = m.Close()
		return o.failConfigure(ctx, err)
	}
	if len(unknown) > 0 {
		o.log.Warn(ctx, "elements not known to the potential; their types stay unmapped",
			logging.Strings("elements", unknown),
			logging.Strings("species", info.Species),
		)
	}

	if tuner, ok := m.(inference.Tuner); ok {
		if err := tuner.Tune(ctx, info.Tuning); err != nil {
			_ = m.Close()
			return o.failConfigure(ctx, fmt.Errorf("%w: tune model: %w", ErrConfiguration, err))
		}
	}

	if o.adapter != nil {
		if err := o.adapter.Model().Close(); err != nil {
			o.log.Warn(ctx, "closing previous model failed", logging.Err(err))
		}
	}

	o.info = info
	o.species = species
	o.adapter = inference.NewAdapter(m,
		inference.WithFloatDType(o.cfg.FloatDType),
		inference.WithLogger(o.log),
	)
	o.builder.Cutoff = info.Cutoff
	o.builder.ShiftTolerance = o.cfg.ShiftTolerance
	o.builder.Debug = o.cfg.Debug
	o.builder.Log = o.log

	for k, el := range elements {
		o.log.Debug(ctx, "type mapping",
			logging.Int("type", k+1),
			logging.String("element", el),
			logging.Int("species", species.Lookup(k+1)),
		)
	}
	o.log.Info(ctx, "model configured",
		logging.String("path", path),
		logging.String(info.VersionKey, info.Version),
		logging.Float64("cutoff", info.Cutoff),
		logging.Strings("species", info.Species),
		logging.String("device", string(m.Device())),
		logging.String("float_dtype", o.cfg.FloatDType.String()),
		logging.Bool("allow_tf32", info.Tuning.AllowTF32),
	)
	o.state.Store(int32(StateConfigured))
	return nil
}

func (o *Orchestrator) failConfigure(ctx context.Context, err error) error {
	o.fail(err)
	o.log.Error(ctx, "configuration failed", logging.String("stage", StageConfigure), logging.Err(err))
	return err
}

// Prepare sizes scratch for up to nmax atoms and candidates neighbor entries.
// Storage only grows.
func (o *Orchestrator) Prepare(nmax, candidates int) error {
	if !o.run.TryLock() {
		return ErrBusy
	}
	defer o.run.Unlock()
	return o.prepare(nmax, candidates)
}

func (o *Orchestrator) prepare(nmax, candidates int) error {
	switch o.State() {
	case StateFailed:
		return fmt.Errorf("%w: %w", ErrTerminated, o.Failure())
	case StateUnconfigured:
		return ErrNotConfigured
	}
	o.builder.Reserve(candidates)
	if cap(o.uncertainties) < nmax {
		o.uncertainties = make([]float64, nmax)
	}
	o.state.Store(int32(StateReady))
	return nil
}

// Uncertainties returns the per-atom uncertainties of the last evaluation in
// local order.
func (o *Orchestrator) Uncertainties() []float64 {
	if o.nlocal > len(o.uncertainties) {
		return nil
	}
	return o.uncertainties[:o.nlocal]
}

// EdgeCapacity returns the current edge scratch capacity.
func (o *Orchestrator) EdgeCapacity() int { return o.builder.Capacity() }

// Evaluate runs one step: neighbor refresh if needed, graph build, inference
// and scatter. A fatal error is returned as *StepError and leaves the
// orchestrator terminal.
func (o *Orchestrator) Evaluate(ctx context.Context, f Frame, ev Evaluation) (*Result, error) {
	if !o.run.TryLock() {
		return nil, ErrBusy
	}
	defer o.run.Unlock()

	switch o.State() {
	case StateFailed:
		return nil, fmt.Errorf("%w: %w", ErrTerminated, o.Failure())
	case StateUnconfigured:
		return nil, ErrNotConfigured
	}

	ctx, log := logging.WithStepLogger(ctx, o.log, f.Step)
	ctx, span := o.tracer.Start(ctx, "phin.evaluate", trace.WithAttributes(
		attribute.Int64("phin.step", f.Step),
		attribute.String("phin.style", o.style),
	))
	defer span.End()

	res, stage, err := o.evaluate(ctx, log, f, ev)
	if err != nil {
		err = &StepError{Step: f.Step, Stage: stage, Err: err}
		o.fail(err)
		o.metrics.CountEvaluation(o.style, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error(ctx, "evaluation failed", logging.String("stage", stage), logging.Err(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("phin.nodes", res.Nodes), attribute.Int("phin.edges", res.Edges))
	o.metrics.CountEvaluation(o.style, "ok")
	o.state.Store(int32(StateReady))
	return res, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, log logging.Logger, f Frame, ev Evaluation) (*Result, string, error) {
	if f.Atoms == nil {
		return nil, StageGraph, configErrorf("frame has no atoms")
	}
	if ev.Flags.VirialAtom {
		return nil, StageScatter, ErrPerAtomStressUnsupported
	}
	o.state.Store(int32(StateEvaluating))

	list := f.List
	if list == nil || f.Refresh {
		err := o.stage(ctx, StageNeighbor, func(ctx context.Context) error {
			if o.neighbors == nil {
				return configErrorf("no neighbor provider for a frame without a list")
			}
			var err error
			list, err = o.neighbors.BuildFull(ctx, f.Atoms, f.Box, o.info.Cutoff)
			return err
		})
		if err != nil {
			return nil, StageNeighbor, err
		}
	}

	if err := o.prepare(f.Atoms.NMax(), list.CandidateCount()); err != nil {
		return nil, StageGraph, err
	}
	o.state.Store(int32(StateEvaluating))
	if f.Atoms.NLocal > len(o.uncertainties) {
		o.uncertainties = make([]float64, f.Atoms.NLocal)
	}

	var g *Graph
	err := o.stage(ctx, StageGraph, func(ctx context.Context) error {
		o.builder.Geometry = ev.Geometry
		var err error
		g, err = o.builder.Build(ctx, f.Atoms, list, f.Box, o.species)
		return err
	})
	if err != nil {
		return nil, StageGraph, err
	}
	o.metrics.SetGraphSize(g.NumNodes(), g.NumEdges(), o.builder.Capacity())
	if g.GeometryDefects > 0 {
		o.metrics.AddGeometryDefects(g.GeometryDefects)
		log.Warn(ctx, "neighbor images with non-integer cell shifts were rounded",
			logging.Int("defects", g.GeometryDefects),
			logging.Float64("tolerance", o.builder.ShiftTolerance),
		)
	}
	if g.NumEdges() == 0 {
		if ev.RequireEdges {
			return nil, StageGraph, fmt.Errorf("%w (%d atoms, cutoff %g)", ErrNoInteractions, g.NumNodes(), o.info.Cutoff)
		}
		log.Warn(ctx, "graph has no edges", logging.Int("nodes", g.NumNodes()), logging.Float64("cutoff", o.info.Cutoff))
	}

	var out *inference.Outputs
	err = o.stage(ctx, StageInference, func(ctx context.Context) error {
		var err error
		out, err = o.adapter.Run(ctx, g, ev.Request)
		return err
	})
	if err != nil {
		return nil, StageInference, err
	}

	if ev.Acc != nil {
		err = o.stage(ctx, StageScatter, func(context.Context) error {
			var unc []float64
			if ev.Request.Uncertainties {
				unc = o.uncertainties[:f.Atoms.NLocal]
			}
			return Scatter(out, g.Index, f.Atoms, ev.Acc, ev.Flags, unc)
		})
		if err != nil {
			return nil, StageScatter, err
		}
		if ev.Request.Uncertainties && out.Uncertainties == nil {
			log.Debug(ctx, "model produced no uncertainties; per-atom values zeroed")
		}
	}
	o.nlocal = f.Atoms.NLocal

	return &Result{
		Nodes:           g.NumNodes(),
		Edges:           g.NumEdges(),
		GeometryDefects: g.GeometryDefects,
		Outputs:         out,
	}, "", nil
}

func (o *Orchestrator) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "phin."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	o.metrics.ObserveStage(o.style, name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Close releases the loaded model.
func (o *Orchestrator) Close() error {
	if !o.run.TryLock() {
		return ErrBusy
	}
	defer o.run.Unlock()
	if o.adapter == nil {
		return nil
	}
	err := o.adapter.Model().Close()
	o.adapter = nil
	if o.State() != StateFailed {
		o.state.Store(int32(StateUnconfigured))
	}
	if err != nil {
		return fmt.Errorf("close model: %w", err)
	}
	return nil
}
