package enforcer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/semaphore"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/eleven-am/bastion/internal/compute"
	"github.com/eleven-am/bastion/internal/domain"
	"github.com/eleven-am/bastion/internal/ruleset"
)

const testProject = "test-project"

func testRule(name, network string) domain.Rule {
	return domain.Rule{
		Name:         name,
		Network:      network,
		Allowed:      []domain.Action{{IPProtocol: "tcp", Ports: []string{"22"}}},
		SourceRanges: []string{"10.0.0.0/8"},
	}
}

func expectedSet(t *testing.T, network string, names ...string) *ruleset.RuleSet {
	t.Helper()
	rs := ruleset.New(testProject)
	for _, n := range names {
		if err := rs.Add(testRule(n, network), ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	return rs
}

func seeded(network string, names ...string) *compute.Memory {
	m := compute.NewMemory()
	var rules []domain.Rule
	for _, n := range names {
		rules = append(rules, testRule(n, network))
	}
	m.SetRules(testProject, rules...)
	m.SetQuota(testProject, 100, float64(len(names)))
	return m
}

func mutatingMethods(m *compute.Memory) []string {
	var out []string
	for _, c := range m.MutatingCalls() {
		out = append(out, c.Method+":"+c.Name)
	}
	return out
}

func TestApply_NoChanges(t *testing.T) {
	m := seeded("default", "a", "b")
	e := New(testProject, m, expectedSet(t, "default", "b", "a"))

	changed, err := e.Apply(context.Background(), ApplyRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed != 0 {
		t.Errorf("expected 0 changes, got %d", changed)
	}
	if calls := m.MutatingCalls(); len(calls) != 0 {
		t.Errorf("expected no mutating calls, got %+v", calls)
	}
	for _, c := range m.Calls() {
		if c.Method == compute.MethodQuota {
			t.Error("expected no quota lookup")
		}
	}
	if e.State() != StateDone {
		t.Errorf("expected state DONE, got %s", e.State())
	}
}

func TestApply_EmptyRuleSet(t *testing.T) {
	m := seeded("default", "a", "b")

	_, err := New(testProject, m, ruleset.New(testProject)).Apply(context.Background(), ApplyRequest{})
	var empty *domain.EmptyRuleSetError
	if !errors.As(err, &empty) {
		t.Fatalf("expected EmptyRuleSetError, got %v", err)
	}
	if !errors.Is(err, domain.ErrEnforcementFailed) {
		t.Error("expected ErrEnforcementFailed")
	}

	e := New(testProject, m, ruleset.New(testProject))
	changed, err := e.Apply(context.Background(), ApplyRequest{AllowEmptyRuleSet: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed != 2 {
		t.Errorf("expected 2 changes, got %d", changed)
	}
	if len(m.Rules(testProject)) != 0 {
		t.Errorf("expected every rule deleted, got %+v", m.Rules(testProject))
	}
	if diff := cmp.Diff([]string{"a", "b"}, e.Deleted()); diff != "" {
		t.Errorf("unexpected deleted (-want +got):\n%s", diff)
	}
}

func TestApply_InsertDeleteUpdate(t *testing.T) {
	m := seeded("default", "keep", "old", "changed")
	expected := expectedSet(t, "default", "keep", "new")
	changed := testRule("changed", "default")
	changed.SourceRanges = []string{"0.0.0.0/0"}
	if err := expected.Add(changed, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e := New(testProject, m, expected)
	n, err := e.Apply(context.Background(), ApplyRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 changes, got %d", n)
	}

	want := []string{"insert:new", "delete:old", "update:changed"}
	if diff := cmp.Diff(want, mutatingMethods(m)); diff != "" {
		t.Errorf("unexpected calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"new"}, e.Inserted()); diff != "" {
		t.Errorf("unexpected inserted (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"changed"}, e.Updated()); diff != "" {
		t.Errorf("unexpected updated (-want +got):\n%s", diff)
	}
}

func TestApply_QuotaOrdering(t *testing.T) {
	names := func(prefix string, n int) []string {
		var out []string
		for i := 0; i < n; i++ {
			out = append(out, fmt.Sprintf("%s-%d", prefix, i))
		}
		return out
	}

	tests := []struct {
		name        string
		limit       float64
		usage       float64
		inserts     int
		deletes     int
		wantErr     bool
		deleteFirst bool
	}{
		{"exceeded", 10, 8, 4, 1, true, false},
		{"delete first", 10, 8, 4, 2, false, true},
		{"insert first", 100, 6, 10, 6, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := seeded("default", names("old", tt.deletes)...)
			m.SetQuota(testProject, tt.limit, tt.usage)
			e := New(testProject, m, expectedSet(t, "default", names("new", tt.inserts)...))

			_, err := e.Apply(context.Background(), ApplyRequest{})
			if tt.wantErr {
				var quota *domain.QuotaExceededError
				if !errors.As(err, &quota) {
					t.Fatalf("expected QuotaExceededError, got %v", err)
				}
				if calls := m.MutatingCalls(); len(calls) != 0 {
					t.Errorf("expected no mutations, got %+v", calls)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			calls := m.MutatingCalls()
			if len(calls) != tt.inserts+tt.deletes {
				t.Fatalf("expected %d calls, got %d", tt.inserts+tt.deletes, len(calls))
			}
			first := calls[0].Method
			if tt.deleteFirst && first != compute.MethodDelete {
				t.Errorf("expected delete first, got %s", first)
			}
			if !tt.deleteFirst && first != compute.MethodInsert {
				t.Errorf("expected insert first, got %s", first)
			}
		})
	}
}

func TestApply_UnknownQuotaDeletesFirst(t *testing.T) {
	m := compute.NewMemory()
	m.SetRules(testProject, testRule("old", "default"))
	e := New(testProject, m, expectedSet(t, "default", "new"))

	if _, err := e.Apply(context.Background(), ApplyRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"delete:old", "insert:new"}, mutatingMethods(m)); diff != "" {
		t.Errorf("unexpected calls (-want +got):\n%s", diff)
	}
}

func TestApply_InsertNameOnOtherNetwork(t *testing.T) {
	m := seeded("other", "shared")
	e := New(testProject, m, expectedSet(t, "default", "shared"))

	_, err := e.Apply(context.Background(), ApplyRequest{Networks: []string{"default"}})
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if e.State() != StateFailed {
		t.Errorf("expected FAILED state, got %s", e.State())
	}
}

func TestChangeSet_NetworkImpact(t *testing.T) {
	all := ruleset.New(testProject)
	if err := all.Add(testRule("r", "other"), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cs := &ChangeSet{
		ToInsert: sets.New[string](),
		ToDelete: sets.New[string](),
		ToUpdate: sets.New[string]("r"),
	}

	err := cs.Validate(testProject, all, []string{"default"})
	var impact *domain.NetworkImpactError
	if !errors.As(err, &impact) {
		t.Fatalf("expected NetworkImpactError, got %v", err)
	}
	if diff := cmp.Diff([]string{"r"}, impact.Rules); diff != "" {
		t.Errorf("unexpected rules (-want +got):\n%s", diff)
	}

	if err := cs.Validate(testProject, all, nil); err != nil {
		t.Errorf("expected unscoped validation to pass, got %v", err)
	}
}

func TestApply_ScopedToNetworks(t *testing.T) {
	m := compute.NewMemory()
	m.SetRules(testProject, testRule("a-old", "a"), testRule("b-old", "b"))
	m.SetQuota(testProject, 100, 2)

	expected := expectedSet(t, "a", "a-new")
	e := New(testProject, m, expected)
	if _, err := e.Apply(context.Background(), ApplyRequest{Networks: []string{"a"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	for _, r := range m.Rules(testProject) {
		got = append(got, r.Name)
	}
	if diff := cmp.Diff([]string{"a-new", "b-old"}, got); diff != "" {
		t.Errorf("unexpected rules (-want +got):\n%s", diff)
	}
}

func TestApply_Prechange(t *testing.T) {
	t.Run("declined", func(t *testing.T) {
		m := seeded("default", "old")
		var gotDelete, gotInsert []string
		e := New(testProject, m, expectedSet(t, "default", "new"))
		n, err := e.Apply(context.Background(), ApplyRequest{
			Prechange: func(project string, del, ins, upd []string) (bool, error) {
				gotDelete, gotInsert = del, ins
				return false, nil
			},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 0 || len(m.MutatingCalls()) != 0 {
			t.Errorf("expected no changes, got %d and %+v", n, m.MutatingCalls())
		}
		if diff := cmp.Diff([]string{"old"}, gotDelete); diff != "" {
			t.Errorf("unexpected delete list (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"new"}, gotInsert); diff != "" {
			t.Errorf("unexpected insert list (-want +got):\n%s", diff)
		}
	})

	t.Run("error", func(t *testing.T) {
		m := seeded("default", "old")
		veto := errors.New("outage risk")
		e := New(testProject, m, expectedSet(t, "default", "new"))
		_, err := e.Apply(context.Background(), ApplyRequest{
			Prechange: func(string, []string, []string, []string) (bool, error) { return false, veto },
		})
		if !errors.Is(err, veto) {
			t.Fatalf("expected veto error, got %v", err)
		}
		if len(m.MutatingCalls()) != 0 {
			t.Errorf("expected no mutations, got %+v", m.MutatingCalls())
		}
	})
}

func TestApply_PhaseFailureAbortsRemainingPhases(t *testing.T) {
	m := seeded("default", "old")
	boom := errors.New("backend error")
	m.FailOn(compute.MethodInsert, testProject, "new-b", boom)

	e := New(testProject, m, expectedSet(t, "default", "new-a", "new-b", "new-c"))
	n, err := e.Apply(context.Background(), ApplyRequest{})

	var phase *domain.PhaseFailedError
	if !errors.As(err, &phase) {
		t.Fatalf("expected PhaseFailedError, got %v", err)
	}
	if phase.Phase != domain.PhaseInsert {
		t.Errorf("expected insert phase, got %s", phase.Phase)
	}
	if diff := cmp.Diff([]string{"new-a", "new-c"}, phase.Succeeded); diff != "" {
		t.Errorf("unexpected succeeded (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"new-b"}, phase.Failed); diff != "" {
		t.Errorf("unexpected failed (-want +got):\n%s", diff)
	}
	if phase.Errors["new-b"] != boom.Error() {
		t.Errorf("unexpected error string %q", phase.Errors["new-b"])
	}
	if n != 2 {
		t.Errorf("expected 2 successful changes, got %d", n)
	}
	for _, c := range m.MutatingCalls() {
		if c.Method == compute.MethodDelete {
			t.Error("expected delete phase to be skipped")
		}
	}
	if diff := cmp.Diff([]string{"new-a", "new-c"}, e.Inserted()); diff != "" {
		t.Errorf("unexpected inserted (-want +got):\n%s", diff)
	}
}

func TestApply_RetriesTimeoutsWithSameRequestID(t *testing.T) {
	m := seeded("default")
	m.TimeoutOn(compute.MethodInsert, testProject, "new", 2)

	e := New(testProject, m, expectedSet(t, "default", "new"), WithOperationRetries(3))
	n, err := e.Apply(context.Background(), ApplyRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 change, got %d", n)
	}

	calls := m.MutatingCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %+v", calls)
	}
	if calls[0].RequestID == "" || calls[0].RequestID != calls[1].RequestID {
		t.Errorf("expected the same request id on retry, got %q and %q", calls[0].RequestID, calls[1].RequestID)
	}
}

func TestApply_TimeoutBudgetExhausted(t *testing.T) {
	m := seeded("default")
	m.FailOn(compute.MethodInsert, testProject, "new", &domain.OperationTimeoutError{Project: testProject, Operation: "op"})
	e := New(testProject, m, expectedSet(t, "default", "new"), WithOperationRetries(2))

	_, err := e.Apply(context.Background(), ApplyRequest{})
	var phase *domain.PhaseFailedError
	if !errors.As(err, &phase) {
		t.Fatalf("expected PhaseFailedError, got %v", err)
	}
	if got := len(m.MutatingCalls()); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

type operationErrorClient struct {
	*compute.Memory
	code string
}

func (c *operationErrorClient) InsertFirewallRule(ctx context.Context, project string, rule domain.Rule, opts domain.MutateOptions) (*domain.Operation, error) {
	return &domain.Operation{
		Name:   "op-1",
		Status: domain.OperationDone,
		Errors: []domain.OperationError{{Code: c.code, Message: "whatever"}},
	}, nil
}

func TestApply_OperationErrors(t *testing.T) {
	tests := []struct {
		code    string
		wantErr bool
	}{
		{"RESOURCE_ALREADY_EXISTS", false},
		{"INVALID_FIELD_VALUE", false},
		{"QUOTA_EXCEEDED", true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			client := &operationErrorClient{Memory: seeded("default"), code: tt.code}
			_, err := New(testProject, client, expectedSet(t, "default", "new")).Apply(context.Background(), ApplyRequest{})
			if tt.wantErr {
				var phase *domain.PhaseFailedError
				if !errors.As(err, &phase) {
					t.Fatalf("expected PhaseFailedError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestApply_WriteLimiterReleased(t *testing.T) {
	sem := semaphore.NewWeighted(1)

	m := seeded("default", "old")
	if _, err := New(testProject, m, expectedSet(t, "default", "new"), WithWriteLimiter(sem)).Apply(context.Background(), ApplyRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sem.TryAcquire(1) {
		t.Fatal("expected write slot released after success")
	}
	sem.Release(1)

	failing := seeded("default", "old")
	failing.FailOn(compute.MethodInsert, testProject, "new", errors.New("boom"))
	if _, err := New(testProject, failing, expectedSet(t, "default", "new"), WithWriteLimiter(sem)).Apply(context.Background(), ApplyRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if !sem.TryAcquire(1) {
		t.Fatal("expected write slot released after failure")
	}
}

func TestApply_WriteLimiterBlocksUntilCancelled(t *testing.T) {
	sem := semaphore.NewWeighted(1)
	if !sem.TryAcquire(1) {
		t.Fatal("expected to take the only slot")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := seeded("default", "old")
	_, err := New(testProject, m, expectedSet(t, "default", "new"), WithWriteLimiter(sem)).Apply(ctx, ApplyRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(m.MutatingCalls()) != 0 {
		t.Errorf("expected no mutations without a write slot, got %+v", m.MutatingCalls())
	}
}
