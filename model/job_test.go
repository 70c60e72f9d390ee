package model

import (
	"errors"
	"strings"
	"testing"
)

func TestStateAdvance(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		next    Stage
		percent int
		wantErr bool
	}{
		{name: "none to unpacking", from: State{}, next: StageUnpacking},
		{name: "skip unpacking", from: State{}, next: StageExtraction},
		{name: "skip to cleanup", from: State{Stage: StageUnpacking, Percent: 100}, next: StageCleanup, percent: 100},
		{name: "same stage", from: State{Stage: StagePacking}, next: StagePacking, wantErr: true},
		{name: "backwards", from: State{Stage: StageCleanup}, next: StageExtraction, wantErr: true},
		{name: "after complete", from: State{Stage: StageComplete}, next: StageComplete, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.from.Advance(tt.next, tt.percent)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Advance(%s) succeeded", tt.next)
				}
				if got != tt.from {
					t.Errorf("state changed on error: %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Advance: %v", err)
			}
			if got.Stage != tt.next || got.Percent != tt.percent {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestStageString(t *testing.T) {
	names := map[Stage]string{
		StageNone:       "none",
		StageUnpacking:  "unpacking",
		StageExtraction: "extraction",
		StagePacking:    "packing",
		StageCleanup:    "cleanup",
		StageComplete:   "complete",
		Stage(42):       "stage(42)",
	}
	for stage, want := range names {
		if got := stage.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(stage), got, want)
		}
	}
}

func TestResultLogAttrs(t *testing.T) {
	r := Result{
		JobID:    "j",
		Outcome:  OutcomePartialSuccess,
		Failures: []MessageFailure{{Path: "a.eml", Err: errors.New("bad")}},
	}
	attrs := r.LogAttrs()
	if len(attrs)%2 != 0 {
		t.Fatalf("odd attribute list: %v", attrs)
	}
	if attrs[3] != "partial_success" || attrs[11] != 1 {
		t.Errorf("attrs = %v", attrs)
	}
	if msg := r.Failures[0].Error(); !strings.Contains(msg, "a.eml") || !strings.Contains(msg, "bad") {
		t.Errorf("failure message = %q", msg)
	}
}
