package grpcruntime

import (
	"context"
	"errors"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/PHIN-materials/pair-PHIN/core"
	"github.com/PHIN-materials/pair-PHIN/internal/inference"
	"github.com/PHIN-materials/pair-PHIN/internal/inference/refmodel"
	"github.com/PHIN-materials/pair-PHIN/internal/sim/host"
	"github.com/PHIN-materials/pair-PHIN/internal/tensor"
	"github.com/PHIN-materials/pair-PHIN/model"
)

const argon = `version: 0.1.0
r_max: 5.0
type_names: [Ar]
epsilon: 0.0104
sigma: 3.4
uncertainty: 0.02
`

// startRuntime serves loader on a loopback port and returns a connected client.
func startRuntime(t *testing.T, loader inference.Loader) (*Server, *Client) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(loader, nil)
	g := NewGRPCServer(srv, nil)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(func() {
		g.Stop()
		_ = srv.Close()
	})

	client, err := NewClient(lis.Addr().String())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "argon.yaml")
	if err := os.WriteFile(path, []byte(argon), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

func mustFloat(t *testing.T, dt tensor.DType, data []float64, shape ...int) *tensor.Tensor {
	t.Helper()
	tt, err := tensor.NewFloat(dt, data, shape...)
	if err != nil {
		t.Fatalf("NewFloat: %v", err)
	}
	return tt
}

func TestTensorCodecRoundTrip(t *testing.T) {
	ints, err := tensor.NewInt([]int64{0, 1, -7, math.MaxInt64}, 2, 2)
	if err != nil {
		t.Fatalf("NewInt: %v", err)
	}
	in := tensor.Dict{
		"f32":    mustFloat(t, tensor.Float32, []float64{1.5, -2.25, 1e-3}, 3),
		"f64":    mustFloat(t, tensor.Float64, []float64{math.Pi, -math.E, 1e-300, 0, 5, 6}, 2, 3),
		"int":    ints,
		"empty":  mustFloat(t, tensor.Float64, nil, 0, 3),
		"scalar": mustFloat(t, tensor.Float64, []float64{42}),
	}
	enc, err := EncodeDict(in)
	if err != nil {
		t.Fatalf("EncodeDict: %v", err)
	}
	out, err := DecodeDict(enc)
	if err != nil {
		t.Fatalf("DecodeDict: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded %d tensors, want %d", len(out), len(in))
	}
	for name, want := range in {
		got := out[name]
		if got.DType != want.DType || !got.HasShape(want.Shape...) {
			t.Fatalf("%s: got %s%v, want %s%v", name, got.DType, got.Shape, want.DType, want.Shape)
		}
		for i := range want.Float {
			if got.Float[i] != want.Float[i] {
				t.Fatalf("%s[%d] = %v, want %v", name, i, got.Float[i], want.Float[i])
			}
		}
		for i := range want.Int {
			if got.Int[i] != want.Int[i] {
				t.Fatalf("%s[%d] = %v, want %v", name, i, got.Int[i], want.Int[i])
			}
		}
	}
}

func TestDecodeTensorRejectsMalformed(t *testing.T) {
	good, err := EncodeTensor(mustFloat(t, tensor.Float32, []float64{1, 2}, 2))
	if err != nil {
		t.Fatalf("EncodeTensor: %v", err)
	}
	with := func(key string, v *structpb.Value) *structpb.Value {
		fields := map[string]*structpb.Value{}
		for k, fv := range good.GetStructValue().GetFields() {
			fields[k] = fv
		}
		fields[key] = v
		return structpb.NewStructValue(&structpb.Struct{Fields: fields})
	}
	dims := func(ds ...float64) *structpb.Value {
		vals := make([]*structpb.Value, len(ds))
		for i, d := range ds {
			vals[i] = structpb.NewNumberValue(d)
		}
		return structpb.NewListValue(&structpb.ListValue{Values: vals})
	}
	empty := func(shape *structpb.Value) *structpb.Value {
		v := with(fieldShape, shape)
		v.GetStructValue().Fields[fieldData] = structpb.NewStringValue("")
		return v
	}
	cases := map[string]*structpb.Value{
		"not a struct":   structpb.NewStringValue("x"),
		"huge dim":       empty(dims(4294967296, 4294967296)),
		"product wraps":  empty(dims(65536, 65536, 65536, 65536)),
		"unknown dtype":  with(fieldDType, structpb.NewStringValue("bfloat16")),
		"missing shape":  with(fieldShape, structpb.NewNullValue()),
		"negative dim":   with(fieldShape, structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{structpb.NewNumberValue(-2)}})),
		"fractional dim": with(fieldShape, structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{structpb.NewNumberValue(1.5)}})),
		"bad base64":     with(fieldData, structpb.NewStringValue("***")),
		"short data":     with(fieldData, structpb.NewStringValue("AAAA")),
	}
	for name, v := range cases {
		if _, err := DecodeTensor(v); !errors.Is(err, ErrDecode) {
			t.Fatalf("%s: err = %v, want ErrDecode", name, err)
		}
	}
}

func TestRemoteForwardMatchesLocal(t *testing.T) {
	path := writeModel(t)
	srv, client := startRuntime(t, refmodel.Loader{})
	ctx := context.Background()

	remote, err := client.Load(ctx, path, inference.LoadOptions{Device: inference.DeviceCPU})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if srv.Len() != 1 {
		t.Fatalf("server holds %d models, want 1", srv.Len())
	}
	local, err := refmodel.Loader{}.Load(ctx, path, inference.LoadOptions{})
	if err != nil {
		t.Fatalf("local Load: %v", err)
	}
	if remote.Metadata()["r_max"] != local.Metadata()["r_max"] {
		t.Fatalf("remote r_max = %q, want %q", remote.Metadata()["r_max"], local.Metadata()["r_max"])
	}
	if remote.Device() != inference.DeviceCPU {
		t.Fatalf("remote device = %s, want cpu", remote.Device())
	}

	in := tensor.Dict{
		tensor.KeyPositions:     mustFloat(t, tensor.Float64, []float64{0, 0, 0, 3.9, 0.2, 0}, 2, 3),
		tensor.KeyEdgeCellShift: mustFloat(t, tensor.Float64, make([]float64, 6), 2, 3),
		tensor.KeyCell:          mustFloat(t, tensor.Float64, []float64{50, 0, 0, 0, 50, 0, 0, 0, 50}, 3, 3),
	}
	in[tensor.KeyEdgeIndex], _ = tensor.NewInt([]int64{0, 1, 1, 0}, 2, 2)
	in[tensor.KeyAtomTypes], _ = tensor.NewInt([]int64{0, 0}, 2)

	want, err := local.Forward(ctx, in)
	if err != nil {
		t.Fatalf("local Forward: %v", err)
	}
	got, err := remote.Forward(ctx, in)
	if err != nil {
		t.Fatalf("remote Forward: %v", err)
	}
	for name, w := range want {
		g, ok := got[name]
		if !ok {
			t.Fatalf("remote output missing %q", name)
		}
		wf, gf := w.Floats(), g.Floats()
		if len(wf) != len(gf) {
			t.Fatalf("%s: %d values, want %d", name, len(gf), len(wf))
		}
		for i := range wf {
			if wf[i] != gf[i] {
				t.Fatalf("%s[%d] = %v, want %v", name, i, gf[i], wf[i])
			}
		}
	}

	if err := remote.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if srv.Len() != 0 {
		t.Fatalf("server holds %d models after unload, want 0", srv.Len())
	}
	_, err = remote.Forward(ctx, in)
	if !errors.Is(err, inference.ErrInference) {
		t.Fatalf("Forward after unload err = %v, want ErrInference", err)
	}
	if status.Code(err) != codes.NotFound {
		t.Fatalf("Forward after unload code = %s, want NotFound", status.Code(err))
	}
}

func TestTuneReachesModel(t *testing.T) {
	fm := &inference.FuncModel{Meta: map[string]string{"r_max": "3"}}
	_, client := startRuntime(t, inference.StaticLoader{"m": fm})
	ctx := context.Background()

	m, err := client.Load(ctx, "m", inference.LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tuner, ok := m.(inference.Tuner)
	if !ok {
		t.Fatalf("remote model does not implement Tuner")
	}
	want := inference.Tuning{
		AllowTF32:       true,
		JITBailoutDepth: 2,
		FusionStrategy:  []inference.FusionStage{{Static: true, Depth: 2}, {Static: false, Depth: 10}},
	}
	if err := tuner.Tune(ctx, want); err != nil {
		t.Fatalf("Tune: %v", err)
	}
	got := fm.Tuning()
	if got == nil || got.AllowTF32 != want.AllowTF32 || got.JITBailoutDepth != 2 || len(got.FusionStrategy) != 2 || got.FusionStrategy[1] != want.FusionStrategy[1] {
		t.Fatalf("model tuning = %+v, want %+v", got, want)
	}
}

func TestModelFailureIsInternal(t *testing.T) {
	fm := &inference.FuncModel{Fn: func(context.Context, tensor.Dict) (tensor.Dict, error) {
		return nil, errors.New("CUDA out of memory")
	}}
	_, client := startRuntime(t, inference.StaticLoader{"m": fm})
	ctx := context.Background()

	m, err := client.Load(ctx, "m", inference.LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err = m.Forward(ctx, tensor.Dict{})
	var ierr *inference.Error
	if !errors.As(err, &ierr) {
		t.Fatalf("Forward err = %T %v, want *inference.Error", err, err)
	}
	if status.Code(err) != codes.Internal {
		t.Fatalf("Forward code = %s, want Internal", status.Code(err))
	}
}

func TestLoadErrorsMapToCodes(t *testing.T) {
	_, client := startRuntime(t, refmodel.Loader{})
	ctx := context.Background()

	_, err := client.Load(ctx, filepath.Join(t.TempDir(), "missing.yaml"), inference.LoadOptions{})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("missing model code = %s (%v), want NotFound", status.Code(err), err)
	}
	_, err = client.Load(ctx, "", inference.LoadOptions{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("empty path code = %s, want InvalidArgument", status.Code(err))
	}
	_, err = client.Load(ctx, writeModel(t), inference.LoadOptions{Device: inference.DeviceCUDA})
	if status.Code(err) != codes.Internal {
		t.Fatalf("cuda load code = %s, want Internal", status.Code(err))
	}
}

func TestServerRejectsUnknownHandle(t *testing.T) {
	srv := NewServer(inference.StaticLoader{}, nil)
	req := &structpb.Struct{Fields: map[string]*structpb.Value{"handle": structpb.NewStringValue("nope")}}
	if _, err := srv.Unload(context.Background(), req); status.Code(err) != codes.NotFound {
		t.Fatalf("Unload unknown code = %s, want NotFound", status.Code(err))
	}
	if _, err := srv.Tune(context.Background(), req); status.Code(err) != codes.NotFound {
		t.Fatalf("Tune unknown code = %s, want NotFound", status.Code(err))
	}
	if _, err := srv.Forward(context.Background(), &structpb.Struct{}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("Forward without handle code = %s, want InvalidArgument", status.Code(err))
	}
}

func TestPairStyleOverRemoteRuntime(t *testing.T) {
	path := writeModel(t)
	_, client := startRuntime(t, refmodel.Loader{})
	ctx := context.Background()

	cfg := core.DefaultConfig()
	cfg.FloatDType = tensor.Float64
	pair := core.NewPairStyle(cfg, client, core.WithNeighborProvider(host.BruteForce{Skin: 0.3}))
	defer pair.Close()
	if err := pair.Coeff(ctx, []string{"*", "*", path, "Ar"}, 1); err != nil {
		t.Fatalf("Coeff: %v", err)
	}

	box := model.Box{Hi: [3]float64{30, 30, 30}}
	sys, err := host.NewSystem(box, []string{"Ar"}, []host.Atom{
		{Type: 1, X: [3]float64{10, 10, 10}},
		{Type: 1, X: [3]float64{13.6, 10, 10}},
	})
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	frame, err := sys.Frame(ctx, 1, pair.Orchestrator().Cutoff())
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	acc := &model.Accumulators{}
	if err := pair.Compute(ctx, frame, model.EvalFlags{Virial: true}, acc); err != nil {
		t.Fatalf("Compute: %v", err)
	}

	p, err := refmodel.Parse(strings.NewReader(argon))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ref, err := refmodel.New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if want := ref.PairEnergy(3.6); math.Abs(acc.EngVdwl-want) > 1e-12 {
		t.Fatalf("EngVdwl = %v, want %v", acc.EngVdwl, want)
	}
	f := frame.Atoms.F
	if math.Abs(f[0][0]+f[1][0]) > 1e-12 || f[0][0] == 0 {
		t.Fatalf("forces %v are not equal and opposite", f[:2])
	}
	u := pair.ExtractPerAtom("uncertainties")
	if len(u) != 2 || u[0] != 0.02 || u[1] != 0.02 {
		t.Fatalf("uncertainties = %v, want [0.02 0.02]", u)
	}
}
