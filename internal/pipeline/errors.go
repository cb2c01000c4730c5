package pipeline

import (
	"context"
	"errors"
	"fmt"

	"sdkforge/internal/procexec"
	"sdkforge/internal/workspace"
)

// Stage names a step of a turn.
type Stage string

const (
	StagePreparing     Stage = "preparing"
	StagePlanning      Stage = "planning"
	StageGenerating    Stage = "generating"
	StageMaterializing Stage = "materializing"
	StageAnalyzing     Stage = "analyzing"
	StageLaunching     Stage = "launching"
)

// ErrorKind classifies why a turn stopped.
type ErrorKind string

const (
	KindGeneration ErrorKind = "generation"
	KindExtraction ErrorKind = "extraction"
	KindAnalysis   ErrorKind = "analysis"
	KindLaunch     ErrorKind = "launch"
	KindTimeout    ErrorKind = "timeout"
	KindInternal   ErrorKind = "internal"
)

// ErrInvalidRequest is returned for turns missing required fields.
var ErrInvalidRequest = errors.New("invalid turn request")

// StageError is the terminal error of a turn.
type StageError struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, kind ErrorKind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// KindOf returns the kind of a StageError anywhere in err's chain, or
// KindInternal for anything else.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// classify maps a collaborator error to a kind for the given stage.
func classify(stage Stage, err error) ErrorKind {
	var we *workspace.WriteError
	switch {
	case errors.Is(err, procexec.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, workspace.ErrNoSource):
		return KindExtraction
	case errors.As(err, &we):
		return KindInternal
	}
	switch stage {
	case StageGenerating, StagePlanning:
		return KindGeneration
	case StageLaunching:
		return KindLaunch
	case StageAnalyzing:
		return KindAnalysis
	default:
		return KindInternal
	}
}
