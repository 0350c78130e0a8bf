// Package compute holds the gateway's view of the chemistry documents it
// shuttles between clients and workers. The documents themselves are
// treated as opaque JSON beyond the handful of fields the core needs to
// read: calculation type, molecular structure, model spec, and the nested
// subprogram fields bigchem uses to build a Chord.
package compute

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// CalcType is the calculation requested of a compute program.
type CalcType string

const (
	CalcTypeEnergy       CalcType = "energy"
	CalcTypeGradient     CalcType = "gradient"
	CalcTypeHessian      CalcType = "hessian"
	CalcTypeOptimization CalcType = "optimization"
	CalcTypeProperties   CalcType = "properties"
)

// Program names the compute backend an input should be routed to.
type Program string

const (
	ProgramPsi4      Program = "psi4"
	ProgramTeraChem  Program = "terachem"
	ProgramRDKit     Program = "rdkit"
	ProgramXTB       Program = "xtb"
	ProgramGeometric Program = "geometric"
	ProgramCrest     Program = "crest"
	// ProgramBigChem is the pseudo-program selecting a parallel
	// distributed algorithm instead of a single worker backend.
	ProgramBigChem Program = "bigchem"
)

func (p Program) Valid() bool {
	switch p {
	case ProgramPsi4, ProgramTeraChem, ProgramRDKit, ProgramXTB, ProgramGeometric, ProgramCrest, ProgramBigChem:
		return true
	default:
		return false
	}
}

// Structure is the opaque molecular structure block (atoms, coordinates,
// charge, multiplicity, ...). The gateway only ever needs its atom count
// for bigchem's finite-difference fan-out sizing, so that is the one field
// promoted out of the raw document.
type Structure struct {
	raw   json.RawMessage
	Atoms []string `json:"symbols"`
}

func (s *Structure) UnmarshalJSON(data []byte) error {
	type alias Structure
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Structure(a)
	s.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s Structure) MarshalJSON() ([]byte, error) {
	if len(s.raw) > 0 {
		return s.raw, nil
	}
	type alias Structure
	return json.Marshal(alias(s))
}

// ModelSpec names the method/basis pair (opaque beyond that).
type ModelSpec struct {
	Method string          `json:"method"`
	Basis  string          `json:"basis,omitempty"`
	Extra  json.RawMessage `json:"-"`
}

// Input is the sum type over the three wire shapes a submission's body can
// take: ProgramInput, FileInput, and DualProgramInput. Kind discriminates.
type Input struct {
	Kind InputKind

	ProgramInput     *ProgramInput
	FileInput        *FileInput
	DualProgramInput *DualProgramInput
}

type InputKind string

const (
	InputKindProgram     InputKind = "program"
	InputKindFile        InputKind = "file"
	InputKindDualProgram InputKind = "dual_program"
)

// ProgramInput is the common shape: a calctype, a structure, a model, and
// free-form keywords/files passed through to the worker untouched.
type ProgramInput struct {
	CalcType  CalcType        `json:"calctype"`
	Structure Structure       `json:"structure"`
	Model     ModelSpec       `json:"model"`
	Keywords  json.RawMessage `json:"keywords,omitempty"`
	Files     json.RawMessage `json:"files,omitempty"`
}

// FileInput carries only opaque binary program files and a calctype; no
// structured molecule is required (e.g. restart-file driven jobs).
type FileInput struct {
	CalcType CalcType        `json:"calctype"`
	Files    json.RawMessage `json:"files"`
	Keywords json.RawMessage `json:"keywords,omitempty"`
}

// DualProgramInput additionally names a subprogram and its own args; used
// exclusively by the bigchem pseudo-program to drive parallel algorithms.
type DualProgramInput struct {
	CalcType       CalcType        `json:"calctype"`
	Structure      Structure       `json:"structure"`
	Model          ModelSpec       `json:"model"`
	Subprogram     Program         `json:"subprogram"`
	SubprogramArgs json.RawMessage `json:"subprogram_args"`
	Keywords       json.RawMessage `json:"keywords,omitempty"`
}

// UnmarshalJSON sniffs the input shape from which fields are present,
// decoding strictly (unknown fields on the nested input are a 422 at the
// caller, enforced by using a decoder with DisallowUnknownFields).
func (in *Input) UnmarshalJSON(data []byte) error {
	var probe struct {
		Subprogram *Program         `json:"subprogram"`
		Structure  *json.RawMessage `json:"structure"`
		Files      *json.RawMessage `json:"files"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	switch {
	case probe.Subprogram != nil:
		var dp DualProgramInput
		if err := strictUnmarshal(data, &dp); err != nil {
			return err
		}
		in.Kind = InputKindDualProgram
		in.DualProgramInput = &dp
	case probe.Structure != nil:
		var pi ProgramInput
		if err := strictUnmarshal(data, &pi); err != nil {
			return err
		}
		in.Kind = InputKindProgram
		in.ProgramInput = &pi
	case probe.Files != nil:
		var fi FileInput
		if err := strictUnmarshal(data, &fi); err != nil {
			return err
		}
		in.Kind = InputKindFile
		in.FileInput = &fi
	default:
		return errors.New("input must carry a structure, subprogram, or files field")
	}
	return nil
}

func (in Input) MarshalJSON() ([]byte, error) {
	switch in.Kind {
	case InputKindDualProgram:
		return json.Marshal(in.DualProgramInput)
	case InputKindProgram:
		return json.Marshal(in.ProgramInput)
	case InputKindFile:
		return json.Marshal(in.FileInput)
	default:
		return nil, errors.New("input has no recognized kind")
	}
}

// GetCalcType returns the calctype carried by whichever variant is set.
func (in Input) GetCalcType() CalcType {
	switch in.Kind {
	case InputKindDualProgram:
		return in.DualProgramInput.CalcType
	case InputKindProgram:
		return in.ProgramInput.CalcType
	case InputKindFile:
		return in.FileInput.CalcType
	default:
		return ""
	}
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Options are the recognized per-submission compute flags.
type Options struct {
	CollectStdout bool   `json:"collect_stdout"`
	CollectFiles  bool   `json:"collect_files"`
	CollectWfn    bool   `json:"collect_wfn"`
	RmScratchDir  bool   `json:"rm_scratch_dir"`
	PropagateWfn  bool   `json:"propagate_wfn"`
	Queue         string `json:"queue,omitempty"`
}

// DefaultOptions matches the defaults spec.md §3 lists.
func DefaultOptions() Options {
	return Options{
		CollectStdout: true,
		CollectFiles:  false,
		CollectWfn:    false,
		RmScratchDir:  true,
		PropagateWfn:  false,
	}
}

// Output is a worker's opaque per-leaf outcome. success is always present;
// everything else rides along in Raw untouched. Workers attach a
// program_output even on failure, so the gateway never needs to synthesize
// one from a bare exception.
type Output struct {
	Success bool            `json:"success"`
	Raw     json.RawMessage `json:"-"`
}

func (o *Output) UnmarshalJSON(data []byte) error {
	type probe struct {
		Success bool `json:"success"`
	}
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	o.Success = p.Success
	o.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (o Output) MarshalJSON() ([]byte, error) {
	if len(o.Raw) > 0 {
		return o.Raw, nil
	}
	return json.Marshal(struct {
		Success bool `json:"success"`
	}{o.Success})
}
