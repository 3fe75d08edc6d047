package core

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration            = errors.New("configuration error")
	ErrGeometry                 = errors.New("geometry error")
	ErrNoInteractions           = errors.New("no interactions: graph has zero edges")
	ErrSpeciesResolution        = errors.New("species resolution failed")
	ErrTagRange                 = errors.New("atom tag out of range")
	ErrPerAtomStressUnsupported = errors.New("per-atom stress is not supported")
	ErrTerminated               = errors.New("evaluator is in a terminal failure state")
	ErrBusy                     = errors.New("evaluation already in progress")
	ErrNotConfigured            = errors.New("evaluator is not configured")
)

// Pipeline stage names used in errors, logs, metrics and spans.
const (
	StageConfigure = "configure"
	StageNeighbor  = "neighbor"
	StageGraph     = "graph"
	StageInference = "inference"
	StageScatter   = "scatter"
)

// GeometryError reports a neighbor whose displacement from its canonical
// position is not a lattice translation of the cell.
type GeometryError struct {
	SrcTag, DstTag int
	Local          int     // simulation-local index of the offending neighbor
	Fractional     Vec3    // unrounded lattice shift
	Deviation      float64 // largest distance from an integer
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("geometry error: neighbor tag %d (local %d) of tag %d has non-integer cell shift (%.6g, %.6g, %.6g), deviation %.3g",
		e.DstTag, e.Local, e.SrcTag, e.Fractional.X, e.Fractional.Y, e.Fractional.Z, e.Deviation)
}

func (e *GeometryError) Unwrap() error { return ErrGeometry }

// StepError attributes a fatal failure to a step and pipeline stage.
type StepError struct {
	Step  int64
	Stage string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d: %s: %v", e.Step, e.Stage, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfiguration}, args...)...)
}
