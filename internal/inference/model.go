// Package inference is the narrow boundary between the bridge and the opaque
// learned potential: named tensors in, named tensors out, may fail.
package inference

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PHIN-materials/pair-PHIN/internal/tensor"
)

// Device selects where a model runs.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// ParseDevice maps a device name onto a Device. Empty means auto.
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return DeviceAuto, nil
	case "cpu":
		return DeviceCPU, nil
	case "cuda", "gpu":
		return DeviceCUDA, nil
	default:
		return "", fmt.Errorf("unknown device %q", s)
	}
}

// LoadOptions are passed to a Loader.
type LoadOptions struct {
	Device Device
}

// Model is a loaded potential. Forward is a blocking call: when it returns,
// all outputs are in host memory.
type Model interface {
	Metadata() map[string]string
	Device() Device
	Forward(ctx context.Context, inputs tensor.Dict) (tensor.Dict, error)
	Close() error
}

// Loader resolves a model path into a loaded Model.
type Loader interface {
	Load(ctx context.Context, path string, opts LoadOptions) (Model, error)
}

// FusionStage is one entry of a JIT fusion strategy.
type FusionStage struct {
	Static bool
	Depth  int
}

// Tuning carries runtime hints declared in model metadata.
type Tuning struct {
	AllowTF32       bool
	JITBailoutDepth int
	FusionStrategy  []FusionStage
}

// Tuner is implemented by models that accept runtime hints after load.
type Tuner interface {
	Tune(ctx context.Context, t Tuning) error
}

// FuncModel adapts a plain function into a Model. It is mostly useful for
// tests and for wrapping in-process potentials.
type FuncModel struct {
	Meta map[string]string
	Dev  Device
	Fn   func(ctx context.Context, inputs tensor.Dict) (tensor.Dict, error)

	calls  atomic.Int64
	mu     sync.Mutex
	tuning *Tuning
}

func (m *FuncModel) Metadata() map[string]string { return m.Meta }

func (m *FuncModel) Device() Device {
	if m.Dev == "" {
		return DeviceCPU
	}
	return m.Dev
}

func (m *FuncModel) Forward(ctx context.Context, inputs tensor.Dict) (tensor.Dict, error) {
	m.calls.Add(1)
	if m.Fn == nil {
		return nil, fmt.Errorf("FuncModel: no forward function")
	}
	return m.Fn(ctx, inputs)
}

func (m *FuncModel) Close() error { return nil }

// Tune records the hints so tests can inspect them.
func (m *FuncModel) Tune(_ context.Context, t Tuning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tuning = &t
	return nil
}

// Calls returns how many times Forward ran.
func (m *FuncModel) Calls() int64 { return m.calls.Load() }

// Tuning returns the last hints passed to Tune, or nil.
func (m *FuncModel) Tuning() *Tuning {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tuning
}

// StaticLoader serves preloaded models keyed by path.
type StaticLoader map[string]Model

func (l StaticLoader) Load(_ context.Context, path string, _ LoadOptions) (Model, error) {
	m, ok := l[path]
	if !ok {
		return nil, fmt.Errorf("model %q not found", path)
	}
	return m, nil
}
