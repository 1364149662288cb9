package model

import (
	"strings"
	"testing"
)

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestStepID(t *testing.T) {
	got := StepID("PAT-001", "S2T", 3)
	want := "PAT-001-S2T-003"
	if got != want {
		t.Errorf("StepID = %q, want %q", got, want)
	}
}

func TestStepIDDistinctAcrossRuns(t *testing.T) {
	a := StepID("PAT-001", "S2T", 1)
	b := StepID("PAT-001", "S2T", 2)
	if a == b {
		t.Errorf("step ids for distinct runs should differ, both %q", a)
	}
	if StepIDPrefix(a) != StepIDPrefix(b) {
		t.Errorf("step ids of the same stage should share a prefix: %q vs %q", StepIDPrefix(a), StepIDPrefix(b))
	}
}

func TestStepIDPrefix(t *testing.T) {
	tests := []struct {
		stepID string
		want   string
	}{
		{"PAT-001-S2T-003", "PAT-001-S2T"},
		{"PAT-001-S2T-104", "PAT-001-S2T"},
		{"noseparator", "noseparator"},
	}
	for _, tt := range tests {
		if got := StepIDPrefix(tt.stepID); got != tt.want {
			t.Errorf("StepIDPrefix(%q) = %q, want %q", tt.stepID, got, tt.want)
		}
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusIdle, StatusRunning, true},
		{StatusRunning, StatusDone, true},
		{StatusRunning, StatusFailed, true},
		{StatusDone, StatusRunning, true},
		{StatusFailed, StatusRunning, true},
		{StatusIdle, StatusDone, false},
		{StatusDone, StatusFailed, false},
		{StatusFailed, StatusDone, false},
		{"bogus", StatusRunning, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSuccessMarkerIsNotAnError(t *testing.T) {
	if strings.Contains(SuccessMarker, "fail") {
		t.Errorf("success marker should not read as a failure: %q", SuccessMarker)
	}
}
