package ruleset

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"k8s.io/utils/ptr"

	"github.com/eleven-am/bastion/internal/compute"
	"github.com/eleven-am/bastion/internal/domain"
)

func ingress(name string) domain.Rule {
	return domain.Rule{
		Name:         name,
		Allowed:      []domain.Action{{IPProtocol: "tcp", Ports: []string{"22", "3389"}}, {IPProtocol: "icmp"}},
		SourceRanges: []string{"10.0.0.0/8", "192.168.0.0/16"},
		TargetTags:   []string{"web", "db"},
	}
}

func TestEqual_OrderIndependent(t *testing.T) {
	a := New("p")
	if err := a.Add(ingress("r"), "default"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	shuffled := domain.Rule{
		Name:         "r",
		Allowed:      []domain.Action{{IPProtocol: "icmp", Ports: []string{}}, {IPProtocol: "tcp", Ports: []string{"3389", "22"}}},
		SourceRanges: []string{"192.168.0.0/16", "10.0.0.0/8"},
		TargetTags:   []string{"db", "web"},
		SourceTags:   []string{},
		Priority:     ptr.To(domain.DefaultPriority),
		Direction:    domain.DirectionIngress,
	}
	b := New("p")
	if err := b.Add(shuffled, "https://www.googleapis.com/compute/v1/projects/p/global/networks/default"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !a.Equal(b) {
		t.Errorf("expected equal rule sets, diff: %s", cmp.Diff(a.Rules(), b.Rules()))
	}

	ja, ha, err := a.CanonicalJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	jb, hb, err := b.CanonicalJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(ja) != string(jb) || ha != hb {
		t.Errorf("expected identical snapshots\n%s\n%s", ja, jb)
	}
}

func TestAdd_Defaults(t *testing.T) {
	rs := New("p")
	r := ingress("r")
	r.Network = "default"
	if err := rs.Add(r, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := rs.Get("r")
	if !ok {
		t.Fatal("expected rule r")
	}
	if got.Direction != domain.DirectionIngress {
		t.Errorf("expected INGRESS, got %s", got.Direction)
	}
	if got.PriorityOrDefault() != domain.DefaultPriority || got.Priority == nil {
		t.Errorf("expected explicit default priority, got %v", got.Priority)
	}
}

func TestAdd_DefaultRanges(t *testing.T) {
	tests := []struct {
		name     string
		rule     domain.Rule
		wantSrc  []string
		wantDest []string
	}{
		{
			name:    "ingress without sources",
			rule:    domain.Rule{Name: "r", Allowed: []domain.Action{{IPProtocol: "tcp"}}},
			wantSrc: []string{"0.0.0.0/0"},
		},
		{
			name: "ingress with source tags only",
			rule: domain.Rule{Name: "r", Allowed: []domain.Action{{IPProtocol: "tcp"}}, SourceTags: []string{"bastion"}},
		},
		{
			name:    "ingress with explicit ranges",
			rule:    domain.Rule{Name: "r", Allowed: []domain.Action{{IPProtocol: "tcp"}}, SourceRanges: []string{"10.0.0.0/8"}},
			wantSrc: []string{"10.0.0.0/8"},
		},
		{
			name:     "egress without destinations",
			rule:     domain.Rule{Name: "r", Direction: domain.DirectionEgress, Denied: []domain.Action{{IPProtocol: "all"}}},
			wantDest: []string{"0.0.0.0/0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := New("p")
			rule := tt.rule
			rule.Network = "default"
			if err := rs.Add(rule, ""); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, _ := rs.Get("r")
			if diff := cmp.Diff(tt.wantSrc, got.SourceRanges); diff != "" {
				t.Errorf("source ranges mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantDest, got.DestinationRanges); diff != "" {
				t.Errorf("destination ranges mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEqual_ImplicitAndExplicitAnyRange(t *testing.T) {
	implicit := domain.Rule{Name: "r", Allowed: []domain.Action{{IPProtocol: "tcp", Ports: []string{"443"}}}}
	explicit := implicit.Clone()
	explicit.SourceRanges = []string{"0.0.0.0/0"}

	a, b := New("p"), New("p")
	if err := a.Add(implicit, "default"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Add(explicit, "default"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.Equal(b) {
		t.Errorf("expected equal rule sets, diff: %s", cmp.Diff(a.Rules(), b.Rules()))
	}
}

func TestAdd_Invalid(t *testing.T) {
	long := strings.Repeat("x", 64)
	many := make([]string, domain.MaxListEntries+1)
	for i := range many {
		many[i] = "tag"
	}

	tests := []struct {
		name    string
		rule    domain.Rule
		network string
	}{
		{"missing name", domain.Rule{Network: "n", Allowed: []domain.Action{{IPProtocol: "tcp"}}}, ""},
		{"missing network", domain.Rule{Name: "r", Allowed: []domain.Action{{IPProtocol: "tcp"}}}, ""},
		{"neither allowed nor denied", domain.Rule{Name: "r"}, "n"},
		{"both allowed and denied", domain.Rule{Name: "r", Allowed: []domain.Action{{IPProtocol: "tcp"}}, Denied: []domain.Action{{IPProtocol: "udp"}}}, "n"},
		{"allowed without protocol", domain.Rule{Name: "r", Allowed: []domain.Action{{Ports: []string{"22"}}}}, "n"},
		{"denied without protocol", domain.Rule{Name: "r", Denied: []domain.Action{{Ports: []string{"22"}}}}, "n"},
		{"ingress with destination", domain.Rule{Name: "r", Allowed: []domain.Action{{IPProtocol: "tcp"}}, DestinationRanges: []string{"0.0.0.0/0"}}, "n"},
		{"egress with source ranges", domain.Rule{Name: "r", Direction: domain.DirectionEgress, Allowed: []domain.Action{{IPProtocol: "tcp"}}, SourceRanges: []string{"0.0.0.0/0"}}, "n"},
		{"egress with source tags", domain.Rule{Name: "r", Direction: domain.DirectionEgress, Allowed: []domain.Action{{IPProtocol: "tcp"}}, SourceTags: []string{"a"}}, "n"},
		{"bad direction", domain.Rule{Name: "r", Direction: "SIDEWAYS", Allowed: []domain.Action{{IPProtocol: "tcp"}}}, "n"},
		{"negative priority", domain.Rule{Name: "r", Priority: ptr.To(-1), Allowed: []domain.Action{{IPProtocol: "tcp"}}}, "n"},
		{"priority too high", domain.Rule{Name: "r", Priority: ptr.To(65536), Allowed: []domain.Action{{IPProtocol: "tcp"}}}, "n"},
		{"too many tags", domain.Rule{Name: "r", Allowed: []domain.Action{{IPProtocol: "tcp"}}, TargetTags: many}, "n"},
		{"name too long", domain.Rule{Name: long, Network: "n", Allowed: []domain.Action{{IPProtocol: "tcp"}}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := New("p")
			err := rs.Add(tt.rule, tt.network)
			var invalid *domain.InvalidRuleError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidRuleError, got %v", err)
			}
			if rs.Len() != 0 {
				t.Errorf("expected no rules stored, got %d", rs.Len())
			}
		})
	}
}

func TestAdd_Duplicate(t *testing.T) {
	rs := New("p")
	r := ingress("r")
	r.Network = "default"
	if err := rs.Add(r, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := rs.Add(r, "")
	var dup *domain.DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateNameError, got %v", err)
	}
	if dup.Name != "r" {
		t.Errorf("expected name r, got %s", dup.Name)
	}
}

func TestAdd_NetworkOverride(t *testing.T) {
	rs := New("p")
	if err := rs.Add(ingress("allow-ssh"), "vpc-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := rs.Get("vpc-a-allow-ssh")
	if !ok {
		t.Fatalf("expected renamed rule, have %v", rs.Names())
	}
	if got.Network != "vpc-a" {
		t.Errorf("expected network vpc-a, got %s", got.Network)
	}

	bound := ingress("bound")
	bound.Network = "vpc-b"
	if err := rs.Add(bound, "vpc-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rs.Len() != 1 {
		t.Errorf("expected rule for other network to be skipped, have %v", rs.Names())
	}
}

func TestAdd_TruncatesNetwork(t *testing.T) {
	rs := New("p")
	network := strings.Repeat("n", 70)
	name := strings.Repeat("r", 30)
	if err := rs.Add(ingress(name), network); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := strings.Repeat("n", 32) + "-" + name
	if _, ok := rs.Get(want); !ok {
		t.Fatalf("expected %s, have %v", want, rs.Names())
	}
	if len(want) != domain.MaxNameLength {
		t.Errorf("expected name of %d chars, got %d", domain.MaxNameLength, len(want))
	}
}

func TestAdd_HashedNetworkOnCollision(t *testing.T) {
	rs := New("p")
	long := strings.Repeat("a", 40)
	otherLong := strings.Repeat("a", 40) + "-other"
	name := strings.Repeat("r", 30)

	if err := rs.Add(ingress(name), long); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rs.Add(ingress(name), otherLong); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rs.Len() != 2 {
		t.Fatalf("expected 2 rules, have %v", rs.Names())
	}
	var hashed string
	for _, n := range rs.Names() {
		if strings.HasPrefix(n, "hn-") {
			hashed = n
		}
	}
	if hashed == "" {
		t.Fatalf("expected a hashed name, have %v", rs.Names())
	}
	if len(hashed) > domain.MaxNameLength {
		t.Errorf("hashed name too long: %s", hashed)
	}
	r, _ := rs.Get(hashed)
	if r.Network != otherLong {
		t.Errorf("expected hashed rule on %s, got %s", otherLong, r.Network)
	}
}

func TestAdd_HashedNetworkLongName(t *testing.T) {
	name := strings.Repeat("r", 60)
	networks := []string{"net-a", "net-b", "net-c", "net-d", "net-e"}

	build := func() *RuleSet {
		rs := New("p")
		for _, n := range networks {
			if err := rs.Add(ingress(name), n); err != nil {
				t.Fatalf("unexpected error on %s: %v", n, err)
			}
		}
		return rs
	}

	rs := build()
	if rs.Len() != len(networks) {
		t.Fatalf("expected %d rules, have %v", len(networks), rs.Names())
	}
	for _, n := range rs.Names() {
		if len(n) > domain.MaxNameLength {
			t.Errorf("name too long: %s", n)
		}
		if n[0] < 'a' || n[0] > 'z' {
			t.Errorf("name must start with a letter: %s", n)
		}
	}
	if diff := cmp.Diff(rs.Names(), build().Names()); diff != "" {
		t.Errorf("hashed names are not deterministic (-first +second):\n%s", diff)
	}
}

func TestAdd_NameCycleFails(t *testing.T) {
	rs := New("p")
	name := strings.Repeat("r", 62)

	if err := rs.Add(ingress(name), "net-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := rs.Add(ingress(name), "net-b")
	var dup *domain.DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateNameError, got %v", err)
	}
	if rs.Len() != 1 {
		t.Errorf("expected original rule kept, have %v", rs.Names())
	}
}

func TestAdd_AcceptFunc(t *testing.T) {
	rs := New("p", WithAcceptFunc(func(r domain.Rule) bool {
		return !strings.HasPrefix(r.Name, "gke-")
	}))

	for _, name := range []string{"gke-node", "allow-ssh"} {
		r := ingress(name)
		r.Network = "default"
		if err := rs.Add(r, ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if diff := cmp.Diff([]string{"allow-ssh"}, rs.Names()); diff != "" {
		t.Errorf("unexpected names (-want +got):\n%s", diff)
	}
}

func TestFilteredByNetworks(t *testing.T) {
	rs := New("p")
	for _, n := range []string{"a", "b", "c"} {
		if err := rs.Add(ingress("r"), n); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got := rs.FilteredByNetworks([]string{"a", "c"})
	if len(got) != 2 {
		t.Errorf("expected 2 rules, got %d", len(got))
	}
	if _, ok := got["b-r"]; ok {
		t.Error("did not expect rule on network b")
	}
	if len(rs.FilteredByNetworks(nil)) != 3 {
		t.Error("expected empty filter to return every rule")
	}
}

func TestLoadFromAPI(t *testing.T) {
	client := compute.NewMemory()
	client.SetPageSize(1)
	var rules []domain.Rule
	for _, name := range []string{"allow-internal-0", "allow-internal-1", "allow-public-0"} {
		r := ingress(name)
		r.Network = "https://www.googleapis.com/compute/v1/projects/test-project/global/networks/test-network"
		rules = append(rules, r)
	}
	client.SetRules("test-project", rules...)

	rs := New("test-project")
	if err := rs.LoadFromAPI(context.Background(), client); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := cmp.Diff([]string{"allow-internal-0", "allow-internal-1", "allow-public-0"}, rs.Names()); diff != "" {
		t.Errorf("unexpected names (-want +got):\n%s", diff)
	}
	r, _ := rs.Get("allow-public-0")
	if r.Network != "test-network" {
		t.Errorf("expected short network name, got %s", r.Network)
	}

	if err := rs.LoadFromAPI(context.Background(), client); !errors.Is(err, domain.ErrNotEmpty) {
		t.Errorf("expected ErrNotEmpty, got %v", err)
	}
}

func TestLoadFromAPI_ListError(t *testing.T) {
	client := compute.NewMemory()
	boom := errors.New("boom")
	client.FailOn(compute.MethodList, "p", "", boom)

	err := New("p").LoadFromAPI(context.Background(), client)
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped boom, got %v", err)
	}
}
