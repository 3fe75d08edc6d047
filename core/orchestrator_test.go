package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/PHIN-materials/pair-PHIN/internal/inference"
	"github.com/PHIN-materials/pair-PHIN/internal/tensor"
	"github.com/PHIN-materials/pair-PHIN/model"
)

const testModelPath = "zero.pth"

func zeroMeta(species string, n string) map[string]string {
	return map[string]string{
		"phin_version":     "0.1.0",
		MetaCutoff:         "5.0",
		MetaNumSpecies:     n,
		MetaTypeNames:      species,
		MetaAllowTF32:      "1",
		MetaBailoutDepth:   "4",
		MetaFusionStrategy: "STATIC,2;DYNAMIC,10",
	}
}

// zeroOutputs answers every request with zeros shaped for the input graph.
func zeroOutputs(_ context.Context, in tensor.Dict) (tensor.Dict, error) {
	n := in[tensor.KeyPositions].Shape[0]
	forces, _ := tensor.NewFloat(tensor.Float32, make([]float64, 3*n), n, 3)
	total, _ := tensor.NewFloat(tensor.Float32, []float64{0}, 1)
	atomic, _ := tensor.NewFloat(tensor.Float32, make([]float64, n), n, 1)
	virial, _ := tensor.NewFloat(tensor.Float32, make([]float64, 9), 1, 3, 3)
	edges, _ := tensor.NewFloat(tensor.Float64, []float64{float64(in[tensor.KeyEdgeIndex].Shape[1])}, 1)
	return tensor.Dict{
		tensor.KeyForces:       forces,
		tensor.KeyTotalEnergy:  total,
		tensor.KeyAtomicEnergy: atomic,
		tensor.KeyVirial:       virial,
		"num_edges":            edges,
	}, nil
}

func newZeroModel() *inference.FuncModel {
	return &inference.FuncModel{Meta: zeroMeta("Ar", "1"), Fn: zeroOutputs}
}

type listProvider struct{ calls int }

func (p *listProvider) BuildFull(_ context.Context, atoms *model.Atoms, _ model.Box, _ float64) (*model.NeighborList, error) {
	p.calls++
	return allPairs(atoms), nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	stages   map[string]int
	outcomes map[string]int
	defects  int
	edges    int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{stages: map[string]int{}, outcomes: map[string]int{}}
}

func (r *recordingMetrics) ObserveStage(_, stage string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[stage]++
}

func (r *recordingMetrics) CountEvaluation(_, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *recordingMetrics) SetGraphSize(_, edges, _ int) { r.edges = edges }
func (r *recordingMetrics) AddGeometryDefects(n int)     { r.defects += n }

func dimerFrame() Frame {
	atoms := newAtoms([]testAtom{
		{tag: 1, typ: 1, x: [3]float64{1, 1, 1}},
		{tag: 2, typ: 1, x: [3]float64{2, 1, 1}},
	}, nil)
	for i := range atoms.F {
		atoms.F[i] = [3]float64{7, 7, 7}
	}
	return Frame{Step: 1, Atoms: atoms, Box: cube(10, false), List: allPairs(atoms)}
}

func configuredPair(t *testing.T, m inference.Model, elements ...string) *PairStyle {
	t.Helper()
	p := NewPairStyle(DefaultConfig(), inference.StaticLoader{testModelPath: m})
	if err := p.Settings(nil); err != nil {
		t.Fatalf("Settings: %v", err)
	}
	args := append([]string{"*", "*", testModelPath}, elements...)
	if err := p.Coeff(context.Background(), args, len(elements)); err != nil {
		t.Fatalf("Coeff: %v", err)
	}
	return p
}

func TestPairDimerWithZeroModel(t *testing.T) {
	m := newZeroModel()
	p := configuredPair(t, m, "Ar")
	req, err := p.InitStyle(model.HostSettings{TagsEnabled: true, NTypes: 1})
	if err != nil {
		t.Fatalf("InitStyle: %v", err)
	}
	if !req.Full || req.Cutoff != 5 {
		t.Fatalf("neighbor request = %+v", req)
	}
	if c, _ := p.InitOne(1, 1); c != 5 {
		t.Fatalf("InitOne = %v, want 5", c)
	}

	f := dimerFrame()
	acc := &model.Accumulators{EngVdwl: 3, EAtom: make([]float64, 2)}
	if err := p.Compute(context.Background(), f, model.EvalFlags{Energy: true, Virial: true}, acc); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i, force := range f.Atoms.F {
		if force != ([3]float64{}) {
			t.Fatalf("F[%d] = %v, want zero", i, force)
		}
	}
	if acc.EngVdwl != 0 || acc.Virial != ([6]float64{}) {
		t.Fatalf("accumulators = %+v, want zero", acc)
	}
	if m.Calls() != 1 {
		t.Fatalf("model calls = %d, want 1", m.Calls())
	}
	if p.Orchestrator().State() != StateReady {
		t.Fatalf("state = %s, want ready", p.Orchestrator().State())
	}
	if unc := p.ExtractPerAtom("uncertainties"); len(unc) != 2 || unc[0] != 0 {
		t.Fatalf("uncertainties = %v", unc)
	}
	if p.ExtractPerAtom("forces") != nil {
		t.Fatalf("unknown per-atom name must return nil")
	}
}

func TestConfigureForwardsTuning(t *testing.T) {
	m := newZeroModel()
	p := configuredPair(t, m, "Ar")
	tn := m.Tuning()
	if tn == nil {
		t.Fatalf("tuning not forwarded")
	}
	if !tn.AllowTF32 || tn.JITBailoutDepth != 4 || len(tn.FusionStrategy) != 2 {
		t.Fatalf("tuning = %+v", tn)
	}
	if p.Orchestrator().State() != StateConfigured {
		t.Fatalf("state = %s, want configured", p.Orchestrator().State())
	}
}

func TestUnmappedTypeOnlyFailsWhenUsed(t *testing.T) {
	m := newZeroModel()
	p := configuredPair(t, m, "Ar", "Xx")

	f := dimerFrame()
	if err := p.Compute(context.Background(), f, model.EvalFlags{}, nil); err != nil {
		t.Fatalf("Compute with unused unmapped type: %v", err)
	}

	f = dimerFrame()
	f.Step = 2
	f.Atoms.Type[1] = 2
	err := p.Compute(context.Background(), f, model.EvalFlags{}, nil)
	if !errors.Is(err, ErrSpeciesResolution) {
		t.Fatalf("err = %v, want ErrSpeciesResolution", err)
	}
	var se *StepError
	if !errors.As(err, &se) || se.Step != 2 || se.Stage != StageGraph {
		t.Fatalf("StepError = %+v", se)
	}
	if m.Calls() != 1 {
		t.Fatalf("model invoked after species failure: calls = %d", m.Calls())
	}
}

func TestFailureIsTerminal(t *testing.T) {
	p := configuredPair(t, newZeroModel(), "Ar")
	f := dimerFrame()
	f.Atoms.Tag[1] = 9
	if err := p.Compute(context.Background(), f, model.EvalFlags{}, nil); !errors.Is(err, ErrTagRange) {
		t.Fatalf("err = %v, want ErrTagRange", err)
	}
	if p.Orchestrator().State() != StateFailed {
		t.Fatalf("state = %s, want failed", p.Orchestrator().State())
	}

	err := p.Compute(context.Background(), dimerFrame(), model.EvalFlags{}, nil)
	if !errors.Is(err, ErrTerminated) || !errors.Is(err, ErrTagRange) {
		t.Fatalf("err = %v, want ErrTerminated wrapping the first failure", err)
	}
	if err := p.Coeff(context.Background(), []string{"*", "*", testModelPath, "Ar"}, 1); !errors.Is(err, ErrTerminated) {
		t.Fatalf("reconfigure err = %v, want ErrTerminated", err)
	}
}

func TestPerAtomStressRejectedBeforeInference(t *testing.T) {
	m := newZeroModel()
	p := configuredPair(t, m, "Ar")
	f := dimerFrame()
	err := p.Compute(context.Background(), f, model.EvalFlags{VirialAtom: true}, nil)
	if !errors.Is(err, ErrPerAtomStressUnsupported) {
		t.Fatalf("err = %v, want ErrPerAtomStressUnsupported", err)
	}
	if m.Calls() != 0 || f.Atoms.F[0] != [3]float64{7, 7, 7} {
		t.Fatalf("work done despite rejection: calls=%d F=%v", m.Calls(), f.Atoms.F)
	}
}

func TestPairRequiresEdges(t *testing.T) {
	m := newZeroModel()
	p := configuredPair(t, m, "Ar")
	f := dimerFrame()
	f.Atoms.X[1] = [3]float64{9, 9, 9}
	err := p.Compute(context.Background(), f, model.EvalFlags{}, nil)
	if !errors.Is(err, ErrNoInteractions) {
		t.Fatalf("err = %v, want ErrNoInteractions", err)
	}
	if m.Calls() != 0 {
		t.Fatalf("model invoked on an edgeless graph")
	}
}

func TestComputeToleratesZeroEdges(t *testing.T) {
	m := newZeroModel()
	provider := &listProvider{}
	metrics := newRecordingMetrics()
	c, err := NewComputeStyle(context.Background(),
		[]string{"c1", "all", "phin", testModelPath, "num_edges", "1", "Ar"}, 1,
		DefaultConfig(), inference.StaticLoader{testModelPath: m},
		WithNeighborProvider(provider), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("NewComputeStyle: %v", err)
	}

	f := dimerFrame()
	f.Atoms.X[1] = [3]float64{9, 9, 9}
	vec, err := c.ComputeVector(context.Background(), f)
	if err != nil {
		t.Fatalf("ComputeVector: %v", err)
	}
	if len(vec) != 1 || vec[0] != 0 {
		t.Fatalf("vector = %v, want [0]", vec)
	}

	vec, err = c.ComputeVector(context.Background(), dimerFrame())
	if err != nil {
		t.Fatalf("ComputeVector: %v", err)
	}
	if vec[0] != 2 {
		t.Fatalf("vector = %v, want [2]", vec)
	}
	if provider.calls != 2 {
		t.Fatalf("neighbor list rebuilt %d times, want 2", provider.calls)
	}
	if metrics.outcomes["ok"] != 2 || metrics.stages[StageNeighbor] != 2 || metrics.stages[StageScatter] != 0 {
		t.Fatalf("metrics = %+v %+v", metrics.outcomes, metrics.stages)
	}
}

func TestComputeArguments(t *testing.T) {
	loader := inference.StaticLoader{testModelPath: newZeroModel()}
	cases := map[string][]string{
		"arity":      {"c1", "all", "phin", testModelPath, "q", "1"},
		"group":      {"c1", "mobile", "phin", testModelPath, "q", "1", "Ar"},
		"length":     {"c1", "all", "phin", testModelPath, "q", "0", "Ar"},
		"non-number": {"c1", "all", "phin", testModelPath, "q", "x", "Ar"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewComputeStyle(context.Background(), args, 1, DefaultConfig(), loader); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("err = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestPairArguments(t *testing.T) {
	p := NewPairStyle(DefaultConfig(), inference.StaticLoader{testModelPath: newZeroModel()})
	if err := p.Settings([]string{"extra"}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Settings err = %v", err)
	}
	if err := p.Coeff(context.Background(), []string{"*", "*", testModelPath}, 1); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("arity err = %v", err)
	}
	if err := p.Coeff(context.Background(), []string{"1", "*", testModelPath, "Ar"}, 1); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("selector err = %v", err)
	}
	if _, err := p.InitOne(1, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("InitOne before coeff err = %v", err)
	}
}

func TestConfigureFailures(t *testing.T) {
	noVersion := newZeroModel()
	delete(noVersion.Meta, "phin_version")

	cases := map[string]struct {
		loader inference.Loader
		cfg    Config
	}{
		"missing file": {loader: inference.StaticLoader{}},
		"not deployed": {loader: inference.StaticLoader{testModelPath: noVersion}},
		"strict species": {
			loader: inference.StaticLoader{testModelPath: newZeroModel()},
			cfg:    Config{StrictSpecies: true},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			o := NewOrchestrator(tc.cfg, tc.loader)
			err := o.Configure(context.Background(), testModelPath, []string{"Ar", "Xx"})
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("err = %v, want ErrConfiguration", err)
			}
			if o.State() != StateFailed || o.Failure() == nil {
				t.Fatalf("state = %s, want failed", o.State())
			}
		})
	}
}

func TestCheckHost(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), nil)
	if err := o.CheckHost(model.HostSettings{TagsEnabled: false}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("tags err = %v", err)
	}
	if err := o.CheckHost(model.HostSettings{TagsEnabled: true, NewtonPair: true}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("newton err = %v", err)
	}
	if err := o.CheckHost(model.HostSettings{TagsEnabled: true}); err != nil {
		t.Fatalf("valid host err = %v", err)
	}
}

func TestComputeCheckHost(t *testing.T) {
	loader := inference.StaticLoader{testModelPath: newZeroModel()}
	args := []string{"c1", "all", "phin", testModelPath, "total_energy", "1", "Ar"}
	c, err := NewComputeStyle(context.Background(), args, 1, DefaultConfig(), loader)
	if err != nil {
		t.Fatalf("NewComputeStyle: %v", err)
	}
	defer c.Close()

	if _, err := c.Init(model.HostSettings{TagsEnabled: false}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("tags off err = %v, want ErrConfiguration", err)
	}
	if _, err := c.Init(model.HostSettings{TagsEnabled: true, NewtonPair: true}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("newton on err = %v, want ErrConfiguration", err)
	}
	req, err := c.Init(model.HostSettings{TagsEnabled: true})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !req.Full || req.Cutoff != 5 {
		t.Fatalf("request = %+v, want full list at cutoff 5", req)
	}
}

func TestFailureReadDuringEvaluate(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	m := &inference.FuncModel{Meta: zeroMeta("Ar", "1"), Fn: func(ctx context.Context, in tensor.Dict) (tensor.Dict, error) {
		close(entered)
		<-release
		return nil, errors.New("device lost")
	}}
	p := configuredPair(t, m, "Ar")
	o := p.Orchestrator()

	done := make(chan error, 1)
	go func() {
		done <- p.Compute(context.Background(), dimerFrame(), model.EvalFlags{}, nil)
	}()
	<-entered

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = o.Failure()
			}
		}
	}()
	close(release)
	err := <-done
	close(stop)
	wg.Wait()

	if err == nil {
		t.Fatalf("Compute succeeded, want inference failure")
	}
	if got := o.Failure(); got == nil || got.Error() != err.Error() {
		t.Fatalf("Failure = %v, want %v", got, err)
	}
}

func TestEvaluateBeforeConfigure(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), nil)
	if _, err := o.Evaluate(context.Background(), dimerFrame(), Evaluation{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	if o.State() != StateUnconfigured {
		t.Fatalf("state = %s", o.State())
	}
}

func TestScratchCapacityGrowsOnly(t *testing.T) {
	p := configuredPair(t, newZeroModel(), "Ar")
	o := p.Orchestrator()
	if err := o.Prepare(4, 16); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if o.EdgeCapacity() != 16 {
		t.Fatalf("EdgeCapacity = %d, want 16", o.EdgeCapacity())
	}

	if err := p.Compute(context.Background(), dimerFrame(), model.EvalFlags{}, nil); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if o.EdgeCapacity() != 16 {
		t.Fatalf("EdgeCapacity shrank to %d", o.EdgeCapacity())
	}

	big := newAtoms(nil, nil)
	for i := 0; i < 6; i++ {
		big.Tag = append(big.Tag, i+1)
		big.Type = append(big.Type, 1)
		big.X = append(big.X, [3]float64{float64(i), 0, 0})
		big.F = append(big.F, [3]float64{})
	}
	big.NLocal = 6
	f := Frame{Step: 2, Atoms: big, Box: cube(10, false), List: allPairs(big)}
	if err := p.Compute(context.Background(), f, model.EvalFlags{}, nil); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if o.EdgeCapacity() < 30 {
		t.Fatalf("EdgeCapacity = %d, want >= 30", o.EdgeCapacity())
	}
}

func TestEvaluateIsExclusive(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	m := &inference.FuncModel{Meta: zeroMeta("Ar", "1"), Fn: func(ctx context.Context, in tensor.Dict) (tensor.Dict, error) {
		close(entered)
		<-release
		return zeroOutputs(ctx, in)
	}}
	p := configuredPair(t, m, "Ar")

	done := make(chan error, 1)
	go func() {
		done <- p.Compute(context.Background(), dimerFrame(), model.EvalFlags{}, nil)
	}()
	<-entered
	if err := p.Compute(context.Background(), dimerFrame(), model.EvalFlags{}, nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent err = %v, want ErrBusy", err)
	}
	if p.Orchestrator().State() != StateEvaluating {
		t.Fatalf("state = %s, want evaluating", p.Orchestrator().State())
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Compute: %v", err)
	}
}

func TestInferenceFailureIsAttributed(t *testing.T) {
	m := &inference.FuncModel{Meta: zeroMeta("Ar", "1"), Fn: func(context.Context, tensor.Dict) (tensor.Dict, error) {
		return tensor.Dict{}, nil
	}}
	p := configuredPair(t, m, "Ar")
	err := p.Compute(context.Background(), dimerFrame(), model.EvalFlags{}, nil)
	var se *StepError
	if !errors.As(err, &se) || se.Stage != StageInference {
		t.Fatalf("err = %v, want inference StepError", err)
	}
	if !errors.Is(err, inference.ErrInference) {
		t.Fatalf("err = %v, want ErrInference", err)
	}
}

func TestEvaluateSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	p := NewPairStyle(DefaultConfig(), inference.StaticLoader{testModelPath: newZeroModel()},
		WithTracerProvider(tp), WithNeighborProvider(&listProvider{}))
	if err := p.Coeff(context.Background(), []string{"*", "*", testModelPath, "Ar"}, 1); err != nil {
		t.Fatalf("Coeff: %v", err)
	}
	f := dimerFrame()
	f.List = nil
	if err := p.Compute(context.Background(), f, model.EvalFlags{}, nil); err != nil {
		t.Fatalf("Compute: %v", err)
	}

	names := map[string]bool{}
	var root sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		names[s.Name()] = true
		if s.Name() == "phin.evaluate" {
			root = s
		}
	}
	for _, want := range []string{"phin.evaluate", "phin.neighbor", "phin.graph", "phin.inference", "phin.scatter"} {
		if !names[want] {
			t.Fatalf("span %q missing; got %v", want, names)
		}
	}
	found := false
	for _, kv := range root.Attributes() {
		if string(kv.Key) == "phin.edges" && kv.Value.AsInt64() == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("phin.evaluate lacks phin.edges=2: %v", root.Attributes())
	}
}
