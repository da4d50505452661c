package ruleset

import (
	"context"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/zeebo/blake3"
	"k8s.io/utils/ptr"

	"github.com/eleven-am/bastion/internal/domain"
)

// AcceptFunc decides whether a validated rule is kept. Returning false skips
// the rule without error.
type AcceptFunc func(rule domain.Rule) bool

type Option func(*RuleSet)

func WithAcceptFunc(fn AcceptFunc) Option {
	return func(rs *RuleSet) { rs.accept = fn }
}

func WithLogger(logger *log.Logger) Option {
	return func(rs *RuleSet) {
		if logger != nil {
			rs.logger = logger
		}
	}
}

// RuleSet holds the firewall rules of one project keyed by name. Rules are
// stored in canonical form so two sets describing the same policy compare
// equal regardless of list ordering.
type RuleSet struct {
	project string
	rules   map[string]domain.Rule
	accept  AcceptFunc
	logger  *log.Logger
}

func New(project string, opts ...Option) *RuleSet {
	rs := &RuleSet{
		project: project,
		rules:   make(map[string]domain.Rule),
		logger:  log.Default().With("component", "ruleset"),
	}
	for _, opt := range opts {
		opt(rs)
	}
	return rs
}

func (rs *RuleSet) Project() string { return rs.project }

func (rs *RuleSet) Len() int { return len(rs.rules) }

func (rs *RuleSet) Get(name string) (domain.Rule, bool) {
	r, ok := rs.rules[name]
	if !ok {
		return domain.Rule{}, false
	}
	return r.Clone(), true
}

func (rs *RuleSet) Names() []string {
	names := make([]string, 0, len(rs.rules))
	for name := range rs.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (rs *RuleSet) Rules() map[string]domain.Rule {
	out := make(map[string]domain.Rule, len(rs.rules))
	for name, r := range rs.rules {
		out[name] = r.Clone()
	}
	return out
}

// AddAll adds each rule in order, stopping at the first failure.
func (rs *RuleSet) AddAll(rules []domain.Rule, network string) error {
	for _, r := range rules {
		if err := rs.Add(r, network); err != nil {
			return err
		}
	}
	return nil
}

// Add canonicalizes, validates and stores rule.
//
// When network is set, a rule without a network is bound to it and renamed
// to "<network>-<name>", truncating the network so the result fits the name
// limit. Colliding names fall back to a hashed network prefix. A rule that
// names a different network is skipped.
func (rs *RuleSet) Add(rule domain.Rule, network string) error {
	r := canonicalize(rule)

	if network != "" {
		network = domain.NetworkName(network)
		if r.Network != "" {
			if r.Network != network {
				rs.logger.Debug("rule does not apply to network, skipping",
					"rule", r.Name, "rule_network", r.Network, "network", network)
				return nil
			}
		} else {
			r.Network = network
			if r.Name != "" {
				name, err := rs.prefixedName(network, r.Name)
				if err != nil {
					return err
				}
				r.Name = name
			}
		}
	}

	if r.Priority == nil {
		r.Priority = ptr.To(domain.DefaultPriority)
	}
	if r.Direction == "" {
		r.Direction = domain.DefaultDirection
	}
	fillRanges(&r)

	if err := validate(r); err != nil {
		return err
	}

	if _, exists := rs.rules[r.Name]; exists {
		return &domain.DuplicateNameError{Name: r.Name}
	}

	if rs.accept != nil && !rs.accept(r) {
		return nil
	}

	rs.rules[r.Name] = r
	return nil
}

// maxHashRounds bounds the search for a free hashed name.
const maxHashRounds = 256

func (rs *RuleSet) prefixedName(network, name string) (string, error) {
	candidate := joinName(network, name)
	if _, taken := rs.rules[candidate]; !taken {
		return candidate, nil
	}

	room := prefixRoom(name)
	if room < 2 {
		return "", &domain.DuplicateNameError{Name: candidate}
	}
	digest := network
	for i := 0; i < maxHashRounds; i++ {
		digest = hashDigest(digest)
		next := joinName(hashedPrefix(digest, room), name)
		if _, taken := rs.rules[next]; !taken {
			return next, nil
		}
	}
	return "", &domain.DuplicateNameError{Name: candidate}
}

// prefixRoom is how many characters of network prefix fit before name.
func prefixRoom(name string) int {
	return max(domain.MaxNameLength-1-len(name), 0)
}

func joinName(network, name string) string {
	if limit := prefixRoom(name); len(network) > limit {
		network = network[:limit]
	}
	return network + "-" + name
}

func hashDigest(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// hashedPrefix keeps as many digest characters as fit in room. Digests may
// start with a digit and names must start with a letter.
func hashedPrefix(digest string, room int) string {
	p := "hn-" + digest
	if room < 5 {
		p = "h" + digest
	}
	if len(p) > room {
		p = p[:room]
	}
	return p
}

func (rs *RuleSet) Equal(other *RuleSet) bool {
	if other == nil {
		return false
	}
	return reflect.DeepEqual(rs.rules, other.rules)
}

// FilteredByNetworks returns the rules attached to any of the given networks.
// An empty list returns every rule.
func (rs *RuleSet) FilteredByNetworks(networks []string) map[string]domain.Rule {
	if len(networks) == 0 {
		return rs.Rules()
	}
	want := make(map[string]struct{}, len(networks))
	for _, n := range networks {
		want[domain.NetworkName(n)] = struct{}{}
	}
	out := make(map[string]domain.Rule)
	for name, r := range rs.rules {
		if _, ok := want[r.Network]; ok {
			out[name] = r.Clone()
		}
	}
	return out
}

// EqualOnNetworks compares only the rules attached to the given networks.
func (rs *RuleSet) EqualOnNetworks(other *RuleSet, networks []string) bool {
	if other == nil {
		return false
	}
	if len(networks) == 0 {
		return rs.Equal(other)
	}
	return reflect.DeepEqual(rs.FilteredByNetworks(networks), other.FilteredByNetworks(networks))
}

// LoadFromAPI imports every firewall rule the project currently has. The
// set must be empty.
func (rs *RuleSet) LoadFromAPI(ctx context.Context, client domain.ComputeClient) error {
	if len(rs.rules) > 0 {
		rs.logger.Warn("cannot import rules from the API into a non-empty rule set", "project", rs.project)
		return domain.ErrNotEmpty
	}

	token := ""
	for {
		page, err := client.ListFirewallRules(ctx, rs.project, token)
		if err != nil {
			return fmt.Errorf("list firewall rules %s: %w", rs.project, err)
		}
		for _, item := range page.Items {
			if err := rs.Add(item.Scrub(), ""); err != nil {
				return fmt.Errorf("import firewall rule %s: %w", item.Name, err)
			}
		}
		if page.NextPageToken == "" {
			return nil
		}
		token = page.NextPageToken
	}
}
