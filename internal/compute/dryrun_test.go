package compute

import (
	"context"
	"testing"

	"github.com/eleven-am/bastion/internal/domain"
)

func TestDryRun_MutationsDoNotReachBackend(t *testing.T) {
	m := NewMemory()
	m.SetRules("p", rule("keep"))
	d := NewDryRun(m, nil)
	ctx := context.Background()

	op, err := d.InsertFirewallRule(ctx, "p", rule("new"), domain.MutateOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if op.Name != "new" || op.Status != domain.OperationDone {
		t.Errorf("unexpected operation %+v", op)
	}
	if _, err := d.DeleteFirewallRule(ctx, "p", "keep", domain.MutateOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := d.UpdateFirewallRule(ctx, "p", rule("keep"), domain.MutateOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls := m.MutatingCalls(); len(calls) != 0 {
		t.Errorf("expected no backend mutations, got %+v", calls)
	}
	if rules := m.Rules("p"); len(rules) != 1 || rules[0].Name != "keep" {
		t.Errorf("expected backend unchanged, got %+v", rules)
	}

	page, err := d.ListFirewallRules(ctx, "p", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Items) != 1 {
		t.Errorf("expected reads to pass through, got %d items", len(page.Items))
	}
}
