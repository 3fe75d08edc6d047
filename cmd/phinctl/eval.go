package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/PHIN-materials/pair-PHIN/core"
	"github.com/PHIN-materials/pair-PHIN/internal/sim/host"
	"github.com/PHIN-materials/pair-PHIN/model"
)

const defaultSkin = 1.0

type inspectReport struct {
	Model      string   `yaml:"model"`
	Version    string   `yaml:"version"`
	VersionKey string   `yaml:"version_key"`
	Cutoff     float64  `yaml:"r_max"`
	Species    []string `yaml:"species"`
	Types      []string `yaml:"types,omitempty,flow"`
	AllowTF32  bool     `yaml:"allow_tf32"`
	Config     string   `yaml:"config,omitempty"`
}

type atomReport struct {
	Tag         int        `yaml:"tag"`
	Force       [3]float64 `yaml:"force,flow"`
	Energy      *float64   `yaml:"energy,omitempty"`
	Uncertainty float64    `yaml:"uncertainty"`
}

type evalReport struct {
	Step    int64        `yaml:"step"`
	Atoms   int          `yaml:"atoms"`
	Ghosts  int          `yaml:"ghosts"`
	Edges   int          `yaml:"edges"`
	Energy  float64      `yaml:"energy"`
	Virial  *[6]float64  `yaml:"virial,omitempty,flow"`
	PerAtom []atomReport `yaml:"per_atom,omitempty"`
}

type computeReport struct {
	ID       string    `yaml:"id"`
	Quantity string    `yaml:"quantity"`
	Vector   []float64 `yaml:"vector,flow"`
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <model> [element ...]",
		Short: "Load a model and print its metadata and type mapping",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			loader, err := a.loader()
			if err != nil {
				return err
			}
			opts, err := a.coreOptions()
			if err != nil {
				return err
			}
			orch := core.NewOrchestrator(a.cfg.Core(), loader, append(opts, core.WithStyle("inspect"))...)
			defer orch.Close()
			if err := orch.Configure(ctx, args[0], args[1:]); err != nil {
				return err
			}

			info := orch.Info()
			rep := inspectReport{
				Model:      args[0],
				Version:    info.Version,
				VersionKey: info.VersionKey,
				Cutoff:     info.Cutoff,
				Species:    info.Species,
				AllowTF32:  info.Tuning.AllowTF32,
				Config:     info.Config,
			}
			species := orch.Species()
			for t := 1; t <= species.NTypes(); t++ {
				name := "unmapped"
				if s := species.Lookup(t); s != core.Unmapped {
					name = info.Species[s]
				}
				rep.Types = append(rep.Types, fmt.Sprintf("%s=%s", args[t], name))
			}
			return writeYAML(cmd.OutOrStdout(), rep)
		},
	}
}

func newEvalCmd(a *app) *cobra.Command {
	var (
		modelPath string
		virial    bool
		perAtom   bool
		repeat    int
		skin      float64
	)
	cmd := &cobra.Command{
		Use:   "eval <structure.yaml>",
		Short: "Evaluate energy and forces of a structure through the pair style",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sys, err := host.LoadStructureFile(args[0], host.WithLogger(a.log))
			if err != nil {
				return err
			}
			pair, err := a.pairStyle(ctx, modelPath, sys, skin)
			if err != nil {
				return err
			}
			defer pair.Close()

			if repeat < 1 {
				repeat = 1
			}
			var (
				frame core.Frame
				acc   *model.Accumulators
			)
			for step := 0; step < repeat; step++ {
				frame, err = sys.Frame(ctx, int64(step), pair.Orchestrator().Cutoff()+skin)
				if err != nil {
					return err
				}
				acc = &model.Accumulators{}
				if perAtom {
					acc.EAtom = make([]float64, frame.Atoms.NLocal)
				}
				flags := model.EvalFlags{EnergyAtom: perAtom, Virial: virial}
				if err := pair.Compute(ctx, frame, flags, acc); err != nil {
					return err
				}
			}

			rep := evalReport{
				Step:   frame.Step,
				Atoms:  frame.Atoms.NLocal,
				Ghosts: frame.Atoms.NGhost,
				Energy: acc.EngVdwl,
			}
			if res := pair.LastResult(); res != nil {
				rep.Edges = res.Edges
			}
			if virial {
				v := acc.Virial
				rep.Virial = &v
			}
			if perAtom {
				u := pair.ExtractPerAtom("uncertainties")
				for i := 0; i < frame.Atoms.NLocal; i++ {
					e := acc.EAtom[i]
					ar := atomReport{Tag: frame.Atoms.Tag[i], Force: frame.Atoms.F[i], Energy: &e}
					if i < len(u) {
						ar.Uncertainty = u[i]
					}
					rep.PerAtom = append(rep.PerAtom, ar)
				}
			}
			return writeYAML(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().StringVar(&modelPath, "model", "", "model path, resolved by the runtime")
	cmd.Flags().BoolVar(&virial, "virial", false, "report the global virial")
	cmd.Flags().BoolVar(&perAtom, "per-atom", false, "report per-atom forces, energies and uncertainties")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "evaluate this many times, rebuilding neighbors each time")
	cmd.Flags().Float64Var(&skin, "skin", defaultSkin, "neighbor list skin beyond the model cutoff")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func newComputeCmd(a *app) *cobra.Command {
	var (
		modelPath string
		quantity  string
		length    int
		skin      float64
	)
	cmd := &cobra.Command{
		Use:   "compute <structure.yaml>",
		Short: "Evaluate a named model output through the compute style",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sys, err := host.LoadStructureFile(args[0], host.WithLogger(a.log))
			if err != nil {
				return err
			}
			loader, err := a.loader()
			if err != nil {
				return err
			}
			opts, err := a.coreOptions()
			if err != nil {
				return err
			}
			opts = append(opts, core.WithNeighborProvider(host.BruteForce{Skin: skin}))

			words := append([]string{"phinctl", "all", "phin", modelPath, quantity, strconv.Itoa(length)}, sys.Elements()...)
			c, err := core.NewComputeStyle(ctx, words, sys.NTypes(), a.cfg.Core(), loader, opts...)
			if err != nil {
				return err
			}
			defer c.Close()
			if _, err := c.Init(sys.Settings()); err != nil {
				return err
			}

			frame, err := sys.Frame(ctx, 0, c.Orchestrator().Cutoff()+skin)
			if err != nil {
				return err
			}
			vec, err := c.ComputeVector(ctx, frame)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), computeReport{ID: c.ID, Quantity: c.Quantity, Vector: vec})
		},
	}
	cmd.Flags().StringVar(&modelPath, "model", "", "model path, resolved by the runtime")
	cmd.Flags().StringVar(&quantity, "quantity", "total_energy", "model output to extract")
	cmd.Flags().IntVar(&length, "length", 1, "number of values to copy from the output")
	cmd.Flags().Float64Var(&skin, "skin", defaultSkin, "neighbor list skin beyond the model cutoff")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

// pairStyle configures a pair style for sys the way an input script would.
func (a *app) pairStyle(ctx context.Context, modelPath string, sys *host.System, skin float64) (*core.PairStyle, error) {
	loader, err := a.loader()
	if err != nil {
		return nil, err
	}
	opts, err := a.coreOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, core.WithNeighborProvider(host.BruteForce{Skin: skin}))
	pair := core.NewPairStyle(a.cfg.Core(), loader, opts...)

	coeff := append([]string{"*", "*", modelPath}, sys.Elements()...)
	if err := pair.Coeff(ctx, coeff, sys.NTypes()); err != nil {
		pair.Close()
		return nil, err
	}
	if _, err := pair.InitStyle(sys.Settings()); err != nil {
		pair.Close()
		return nil, err
	}
	return pair, nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
