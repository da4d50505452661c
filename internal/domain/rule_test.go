package domain

import (
	"errors"
	"testing"
)

func TestNetworkName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"default", "default"},
		{"https://www.googleapis.com/compute/v1/projects/p/global/networks/default", "default"},
		{"projects/p/global/networks/vpc-a/", "vpc-a"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NetworkName(tt.in); got != tt.want {
				t.Errorf("NetworkName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRule_Clone(t *testing.T) {
	p := 10
	r := Rule{
		Name:         "a",
		Priority:     &p,
		Allowed:      []Action{{IPProtocol: "tcp", Ports: []string{"22"}}},
		SourceRanges: []string{"10.0.0.0/8"},
	}

	c := r.Clone()
	*c.Priority = 20
	c.Allowed[0].Ports[0] = "80"
	c.SourceRanges[0] = "0.0.0.0/0"

	if *r.Priority != 10 {
		t.Errorf("expected original priority 10, got %d", *r.Priority)
	}
	if r.Allowed[0].Ports[0] != "22" {
		t.Errorf("expected original port 22, got %s", r.Allowed[0].Ports[0])
	}
	if r.SourceRanges[0] != "10.0.0.0/8" {
		t.Errorf("expected original range unchanged, got %s", r.SourceRanges[0])
	}
}

func TestRule_PriorityOrDefault(t *testing.T) {
	if got := (Rule{}).PriorityOrDefault(); got != DefaultPriority {
		t.Errorf("expected %d, got %d", DefaultPriority, got)
	}
	zero := 0
	if got := (Rule{Priority: &zero}).PriorityOrDefault(); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestEnforcementErrors_MatchSentinel(t *testing.T) {
	errs := []error{
		&EmptyRuleSetError{Project: "p"},
		&ValidationError{Project: "p", Reason: "r"},
		&NetworkImpactError{Project: "p"},
		&QuotaExceededError{Project: "p"},
		&PhaseFailedError{Phase: PhaseInsert, Project: "p"},
	}
	for _, err := range errs {
		if !errors.Is(err, ErrEnforcementFailed) {
			t.Errorf("expected %T to match ErrEnforcementFailed", err)
		}
	}

	if errors.Is(&OperationTimeoutError{}, ErrEnforcementFailed) {
		t.Error("operation timeout should not match ErrEnforcementFailed")
	}
}

func TestPhaseFailedError_Message(t *testing.T) {
	err := &PhaseFailedError{
		Phase:     PhaseDelete,
		Project:   "p",
		Succeeded: []string{"a"},
		Failed:    []string{"c", "b"},
		Errors:    map[string]string{"c": "boom", "b": "bang"},
	}
	want := "delete failed for project p (1 succeeded, 2 failed): b: bang; c: boom"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBatchResult_Add(t *testing.T) {
	b := &BatchResult{}
	b.Add(&EnforcementResult{Status: StatusSuccess})
	b.Add(&EnforcementResult{Status: StatusDeleted})
	b.Add(&EnforcementResult{Status: StatusError, Firewall: FirewallResult{RulesModifiedCount: 2}})

	want := BatchSummary{Total: 3, Success: 2, Error: 1, Changed: 1, Unchanged: 2}
	if b.Summary != want {
		t.Errorf("got %+v, want %+v", b.Summary, want)
	}
	if !b.HasErrors() {
		t.Error("expected HasErrors")
	}
}
