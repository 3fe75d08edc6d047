// Package refmodel is an in-process stand-in for a deployed potential: a
// truncated and shifted Lennard-Jones pair potential evaluated over the graph
// edges the bridge produces. It speaks the same tensor contract as a real
// model, so the whole pipeline can be exercised without a GPU runtime.
//
// A model is described by a YAML file:
//
//	version: 0.1.0
//	r_max: 8.5
//	type_names: [Ar]
//	epsilon: 0.0104
//	sigma: 3.4
//	uncertainty: 0.01   # optional, constant per atom
//	allow_tf32: false   # optional
package refmodel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/PHIN-materials/pair-PHIN/internal/inference"
)

// Params is the YAML model descriptor.
type Params struct {
	Version     string   `yaml:"version"`
	Cutoff      float64  `yaml:"r_max"`
	TypeNames   []string `yaml:"type_names"`
	Epsilon     float64  `yaml:"epsilon"`
	Sigma       float64  `yaml:"sigma"`
	Uncertainty *float64 `yaml:"uncertainty,omitempty"`
	AllowTF32   bool     `yaml:"allow_tf32,omitempty"`
	Config      string   `yaml:"config,omitempty"`
}

// Validate checks the descriptor.
func (p Params) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Version) == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if p.Cutoff <= 0 {
		errs = append(errs, fmt.Errorf("r_max %g must be positive", p.Cutoff))
	}
	if len(p.TypeNames) == 0 {
		errs = append(errs, errors.New("type_names must list at least one species"))
	}
	if p.Epsilon < 0 {
		errs = append(errs, fmt.Errorf("epsilon %g must not be negative", p.Epsilon))
	}
	if p.Sigma <= 0 {
		errs = append(errs, fmt.Errorf("sigma %g must be positive", p.Sigma))
	}
	return errors.Join(errs...)
}

// Parse decodes a YAML descriptor. Unknown keys are rejected.
func Parse(r io.Reader) (Params, error) {
	var p Params
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Params{}, fmt.Errorf("decode reference model: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, fmt.Errorf("invalid reference model: %w", err)
	}
	return p, nil
}

// Model is a loaded reference potential.
type Model struct {
	params Params
	meta   map[string]string
	ecut   float64

	mu     sync.Mutex
	tuning inference.Tuning
}

// New builds a model from validated parameters.
func New(p Params) (*Model, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	m := &Model{params: p}
	m.ecut = m.pairEnergy(p.Cutoff)

	tf32 := "0"
	if p.AllowTF32 {
		tf32 = "1"
	}
	m.meta = map[string]string{
		"phin_version": p.Version,
		"r_max":        strconv.FormatFloat(p.Cutoff, 'g', -1, 64),
		"n_species":    strconv.Itoa(len(p.TypeNames)),
		"type_names":   strings.Join(p.TypeNames, " "),
		"allow_tf32":   tf32,
		"config":       p.Config,
	}
	return m, nil
}

// Params returns the descriptor the model was built from.
func (m *Model) Params() Params { return m.params }

func (m *Model) Metadata() map[string]string {
	out := make(map[string]string, len(m.meta))
	for k, v := range m.meta {
		out[k] = v
	}
	return out
}

// Device reports the host CPU; the reference model never runs elsewhere.
func (m *Model) Device() inference.Device { return inference.DeviceCPU }

func (m *Model) Close() error { return nil }

// Tune stores the hints; they have no numerical effect here.
func (m *Model) Tune(_ context.Context, t inference.Tuning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tuning = t
	return nil
}

// Tuning returns the last hints passed to Tune.
func (m *Model) Tuning() inference.Tuning {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tuning
}

// Loader reads YAML descriptors from disk.
type Loader struct{}

// Load implements inference.Loader. Only cpu and auto devices are accepted.
func (Loader) Load(_ context.Context, path string, opts inference.LoadOptions) (inference.Model, error) {
	if opts.Device == inference.DeviceCUDA {
		return nil, fmt.Errorf("reference model %q: device %s is not available", path, opts.Device)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference model: %w", err)
	}
	p, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return New(p)
}
