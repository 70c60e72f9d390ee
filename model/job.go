package model

import (
	"errors"
	"fmt"
)

var (
	ErrSourceNotFound   = errors.New("source not found")
	ErrCancelled        = errors.New("job cancelled")
	ErrExtractionFailed = errors.New("message extraction failed")
	ErrPersistFailed    = errors.New("message persist failed")
	ErrArchiveFailed    = errors.New("archive operation failed")
)

// Stage is one phase of the strictly forward-moving job state machine.
type Stage int

const (
	StageNone Stage = iota
	StageUnpacking
	StageExtraction
	StagePacking
	StageCleanup
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageUnpacking:
		return "unpacking"
	case StageExtraction:
		return "extraction"
	case StagePacking:
		return "packing"
	case StageCleanup:
		return "cleanup"
	case StageComplete:
		return "complete"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// State is the observable progress of a job.
type State struct {
	Stage   Stage
	Percent int
}

// Advance returns the state after entering next. Stages never move backwards.
func (s State) Advance(next Stage, percent int) (State, error) {
	if next <= s.Stage {
		return s, fmt.Errorf("invalid stage transition %s -> %s", s.Stage, next)
	}
	return State{Stage: next, Percent: percent}, nil
}

// Job describes one unit of work. Scratch directories are owned by the runner.
type Job struct {
	ID           string
	SourcePath   string
	OutputPath   string
	TempRoot     string
	DeleteSource bool
}

type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialSuccess Outcome = "partial_success"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeFailed         Outcome = "failed"
)

// MessageFailure records one message that could not be extracted or persisted.
type MessageFailure struct {
	Path string
	Err  error
}

func (f MessageFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Path, f.Err)
}

// Result is the final report of a job.
type Result struct {
	JobID      string
	Outcome    Outcome
	OutputPath string
	Discovered int
	Extracted  int
	Skipped    int
	Failures   []MessageFailure
	Err        error
}

func (r Result) LogAttrs() []any {
	attrs := []any{
		"job", r.JobID,
		"outcome", string(r.Outcome),
		"discovered", r.Discovered,
		"extracted", r.Extracted,
		"skipped", r.Skipped,
		"failed", len(r.Failures),
	}
	if r.OutputPath != "" {
		attrs = append(attrs, "output", r.OutputPath)
	}
	if r.Err != nil {
		attrs = append(attrs, "err", r.Err.Error())
	}
	return attrs
}
