package enforcer

import (
	"reflect"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/eleven-am/bastion/internal/domain"
	"github.com/eleven-am/bastion/internal/ruleset"
)

// ChangeSet is the difference between the current and expected rules of a
// project, keyed by rule name.
type ChangeSet struct {
	ToInsert sets.Set[string]
	ToDelete sets.Set[string]
	ToUpdate sets.Set[string]

	current  map[string]domain.Rule
	expected map[string]domain.Rule
}

// BuildChangeSet diffs the two rule sets, restricted to networks when given.
func BuildChangeSet(current, expected *ruleset.RuleSet, networks []string) *ChangeSet {
	cur := current.FilteredByNetworks(networks)
	exp := expected.FilteredByNetworks(networks)

	cs := &ChangeSet{
		ToInsert: sets.New[string](),
		ToDelete: sets.New[string](),
		ToUpdate: sets.New[string](),
		current:  cur,
		expected: exp,
	}
	for name := range cur {
		if _, ok := exp[name]; !ok {
			cs.ToDelete.Insert(name)
		}
	}
	for name, want := range exp {
		have, ok := cur[name]
		switch {
		case !ok:
			cs.ToInsert.Insert(name)
		case !reflect.DeepEqual(have, want):
			cs.ToUpdate.Insert(name)
		}
	}
	return cs
}

func (cs *ChangeSet) Empty() bool {
	return cs.ToInsert.Len() == 0 && cs.ToDelete.Len() == 0 && cs.ToUpdate.Len() == 0
}

// Validate rejects change sets that would clobber rules outside their scope.
// all is the full, unfiltered current rule set.
func (cs *ChangeSet) Validate(project string, all *ruleset.RuleSet, networks []string) error {
	for _, name := range sets.List(cs.ToInsert) {
		if _, exists := all.Get(name); exists && !cs.ToDelete.Has(name) {
			return &domain.ValidationError{
				Project: project,
				Reason:  "rule " + name + " is to be inserted but a rule with the same name already exists, possibly on another network",
			}
		}
	}

	if len(networks) == 0 {
		return nil
	}
	allowed := sets.New[string]()
	for _, n := range networks {
		allowed.Insert(domain.NetworkName(n))
	}
	var impacted []string
	for _, name := range sets.List(cs.ToUpdate) {
		r, ok := all.Get(name)
		if ok && !allowed.Has(r.Network) {
			impacted = append(impacted, name)
		}
	}
	if len(impacted) > 0 {
		return &domain.NetworkImpactError{Project: project, Rules: impacted}
	}
	return nil
}

// scope holds the slice of a change set that touches one network.
type scope struct {
	network string
	insert  []domain.Rule
	delete  []domain.Rule
	update  []domain.Rule
}

// byNetwork splits the change set per network, in the order of networks. An
// empty list yields a single unscoped pass.
func (cs *ChangeSet) byNetwork(networks []string) []scope {
	if len(networks) == 0 {
		return []scope{{
			insert: pick(cs.expected, cs.ToInsert, ""),
			delete: pick(cs.current, cs.ToDelete, ""),
			update: pick(cs.expected, cs.ToUpdate, ""),
		}}
	}
	out := make([]scope, 0, len(networks))
	for _, n := range networks {
		n = domain.NetworkName(n)
		out = append(out, scope{
			network: n,
			insert:  pick(cs.expected, cs.ToInsert, n),
			delete:  pick(cs.current, cs.ToDelete, n),
			update:  pick(cs.expected, cs.ToUpdate, n),
		})
	}
	return out
}

func pick(rules map[string]domain.Rule, names sets.Set[string], network string) []domain.Rule {
	var out []domain.Rule
	for _, name := range sets.List(names) {
		r := rules[name]
		if network != "" && r.Network != network {
			continue
		}
		out = append(out, r)
	}
	return out
}
