// Package planner implements the pure Dispatch Planner: it decides whether
// a submission becomes a single Leaf, a Group, or a parallel-hessian Chord,
// without performing any I/O itself.
package planner

import (
	"github.com/qcgateway/qcgateway/internal/apierr"
	"github.com/qcgateway/qcgateway/internal/compute"
)

// Shape tags the kind of plan produced, mirroring dag.Kind one level up
// (before any broker id exists yet).
type Shape string

const (
	ShapeLeaf  Shape = "leaf"
	ShapeGroup Shape = "group"
	ShapeChord Shape = "chord"
)

// LeafPlan describes one worker invocation still awaiting a broker id.
type LeafPlan struct {
	Program compute.Program
	Input   compute.Input
	Options compute.Options
}

// ChordPlan describes a parallel-hessian fan-out: M finite-difference
// gradient leaves plus one reducer leaf, before ids are minted.
type ChordPlan struct {
	FanOut  []LeafPlan
	Reducer LeafPlan
	// CalcType of the reducer's output (hessian or frequency analysis).
	CalcType compute.CalcType
}

// Plan is the planner's pure output: exactly one of the three shapes.
type Plan struct {
	Shape Shape

	Leaf  *LeafPlan
	Group []LeafPlan
	Chord *ChordPlan

	Queue string
}

// FiniteDifferenceStep is the displacement `dh` used for bigchem's forward/
// backward gradient fan-out.
const FiniteDifferenceStep = 0.005

var hessianSupportedCalcTypes = map[compute.CalcType]bool{
	compute.CalcTypeHessian: true,
}

// Plan decides the task shape for one submission. inputs is either a single
// compute.Input or a slice of them (a batch).
func Plan(program compute.Program, inputs []compute.Input, opts compute.Options, maxBatchInputs int) (Plan, error) {
	if len(inputs) > 1 {
		if len(inputs) > maxBatchInputs {
			return Plan{}, apierr.New(apierr.KindBatchTooLarge, "batch exceeds max_batch_inputs")
		}
		group := make([]LeafPlan, 0, len(inputs))
		for _, in := range inputs {
			leaf, err := planOne(program, in, opts)
			if err != nil {
				return Plan{}, err
			}
			group = append(group, leaf)
		}
		return Plan{Shape: ShapeGroup, Group: group, Queue: opts.Queue}, nil
	}

	if len(inputs) == 0 {
		return Plan{}, apierr.New(apierr.KindUnknownOption, "no input provided")
	}

	return planSingle(program, inputs[0], opts)
}

func planSingle(program compute.Program, in compute.Input, opts compute.Options) (Plan, error) {
	if program == compute.ProgramBigChem {
		chord, err := planBigChem(in, opts)
		if err != nil {
			return Plan{}, err
		}
		return Plan{Shape: ShapeChord, Chord: chord, Queue: opts.Queue}, nil
	}
	leaf, err := planOne(program, in, opts)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Shape: ShapeLeaf, Leaf: &leaf, Queue: opts.Queue}, nil
}

func planOne(program compute.Program, in compute.Input, opts compute.Options) (LeafPlan, error) {
	if program == compute.ProgramBigChem {
		// A list element requesting bigchem would require its own Chord
		// nested inside the Group, which the DAG model does not support
		// (a Chord's reducer never appears as a Group/Chord leaf, and a
		// Group only ever holds Leaf nodes). Reject explicitly rather than
		// silently flattening.
		return LeafPlan{}, apierr.New(apierr.KindUnsupportedCalcType, "bigchem is not supported inside a batch")
	}
	return LeafPlan{Program: program, Input: in, Options: opts}, nil
}

func planBigChem(in compute.Input, opts compute.Options) (*ChordPlan, error) {
	if in.Kind != compute.InputKindDualProgram {
		return nil, apierr.New(apierr.KindUnsupportedCalcType, "bigchem requires a DualProgramInput")
	}
	dp := in.DualProgramInput
	if !hessianSupportedCalcTypes[dp.CalcType] {
		return nil, apierr.New(apierr.KindUnsupportedCalcType, "bigchem only supports calctype=hessian")
	}

	numAtoms := len(dp.Structure.Atoms)
	fanOutSize := 6 * numAtoms // +/- displacement x,y,z per atom

	fanOut := make([]LeafPlan, 0, fanOutSize+1)
	for i := 0; i < fanOutSize; i++ {
		fanOut = append(fanOut, LeafPlan{
			Program: dp.Subprogram,
			Input: compute.Input{
				Kind: compute.InputKindProgram,
				ProgramInput: &compute.ProgramInput{
					CalcType:  compute.CalcTypeGradient,
					Structure: dp.Structure,
					Model:     dp.Model,
					Keywords:  dp.Keywords,
				},
			},
			Options: opts,
		})
	}
	// Reference energy leaf at the original, undisplaced geometry.
	reference := LeafPlan{
		Program: dp.Subprogram,
		Input: compute.Input{
			Kind: compute.InputKindProgram,
			ProgramInput: &compute.ProgramInput{
				CalcType:  compute.CalcTypeEnergy,
				Structure: dp.Structure,
				Model:     dp.Model,
				Keywords:  dp.Keywords,
			},
		},
		Options: opts,
	}
	fanOut = append(fanOut, reference)

	reducer := LeafPlan{
		Program: compute.ProgramBigChem,
		Input:   in,
		Options: opts,
	}

	return &ChordPlan{FanOut: fanOut, Reducer: reducer, CalcType: dp.CalcType}, nil
}

var knownOptionKeys = map[string]bool{
	"collect_stdout": true,
	"collect_files":  true,
	"collect_wfn":    true,
	"rm_scratch_dir": true,
	"propagate_wfn":  true,
	"queue":          true,
}

// KnownOptionKeys exposes the recognized option set for callers that decode
// raw query parameters and need to reject unrecognized ones with an
// apierr.KindUnknownOption error before constructing compute.Options.
func KnownOptionKeys() map[string]bool {
	return knownOptionKeys
}
