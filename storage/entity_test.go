package storage

import (
	"testing"
	"time"
)

func TestNewExternalID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewExternalID()
		if len(id) != 32 {
			t.Fatalf("expected 32 hex chars, got %d (%q)", len(id), id)
		}
		for _, c := range id {
			if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
				t.Fatalf("expected lowercase hex, got %q", id)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate external id %q", id)
		}
		seen[id] = true
	}
}

func TestClampPriority(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{name: "below range", in: -5, want: 0},
		{name: "lower bound", in: 0, want: 0},
		{name: "in range", in: 17, want: 17},
		{name: "upper bound", in: 31, want: 31},
		{name: "above range", in: 99, want: 31},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampPriority(tt.in); got != tt.want {
				t.Errorf("ClampPriority(%d) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestWorkflowStateIsTerminal(t *testing.T) {
	tests := []struct {
		state WorkflowState
		want  bool
	}{
		{WorkflowStatePending, false},
		{WorkflowStateInProgress, false},
		{WorkflowStateCompleted, true},
		{WorkflowStateFailed, true},
	}

	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestManifestInterval(t *testing.T) {
	m := &Manifest{}
	if m.Interval() != 0 {
		t.Errorf("expected zero interval without seconds, got %v", m.Interval())
	}

	secs := int64(90)
	m.IntervalSeconds = &secs
	if m.Interval() != 90*time.Second {
		t.Errorf("expected 90s, got %v", m.Interval())
	}
}

func TestSchedulingSnapshotManifestByID(t *testing.T) {
	snap := &SchedulingSnapshot{
		Manifests: []Manifest{{ID: 1, ExternalID: "a"}, {ID: 2, ExternalID: "b"}},
	}

	if m := snap.ManifestByID(2); m == nil || m.ExternalID != "b" {
		t.Errorf("expected manifest b, got %+v", m)
	}
	if m := snap.ManifestByID(99); m != nil {
		t.Errorf("expected nil for unknown id, got %+v", m)
	}
}
