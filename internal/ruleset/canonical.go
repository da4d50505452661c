package ruleset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/eleven-am/bastion/internal/domain"
)

func canonicalize(rule domain.Rule) domain.Rule {
	r := rule.Clone()
	r.Network = domain.NetworkName(r.Network)
	r.Allowed = sortActions(r.Allowed)
	r.Denied = sortActions(r.Denied)
	r.SourceRanges = sortStrings(r.SourceRanges)
	r.SourceTags = sortStrings(r.SourceTags)
	r.TargetTags = sortStrings(r.TargetTags)
	r.DestinationRanges = sortStrings(r.DestinationRanges)
	return r
}

// anyIPv4 is what the Compute API records for an unrestricted range.
const anyIPv4 = "0.0.0.0/0"

// fillRanges mirrors the defaults the Compute API applies on insert so that
// a declared rule compares equal to the listing it produces.
func fillRanges(r *domain.Rule) {
	switch r.Direction {
	case domain.DirectionIngress:
		if len(r.SourceRanges) == 0 && len(r.SourceTags) == 0 {
			r.SourceRanges = []string{anyIPv4}
		}
	case domain.DirectionEgress:
		if len(r.DestinationRanges) == 0 {
			r.DestinationRanges = []string{anyIPv4}
		}
	}
}

func sortStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	return in
}

func sortActions(in []domain.Action) []domain.Action {
	if len(in) == 0 {
		return nil
	}
	for i := range in {
		in[i].Ports = sortStrings(in[i].Ports)
	}
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].IPProtocol != in[j].IPProtocol {
			return in[i].IPProtocol < in[j].IPProtocol
		}
		return strings.Join(in[i].Ports, ",") < strings.Join(in[j].Ports, ",")
	})
	return in
}

func validate(r domain.Rule) error {
	if r.Name == "" {
		return &domain.InvalidRuleError{Reason: "missing required field name"}
	}
	if r.Network == "" {
		return &domain.InvalidRuleError{Rule: r.Name, Reason: "missing required field network"}
	}

	switch r.Direction {
	case domain.DirectionIngress:
		if len(r.DestinationRanges) > 0 {
			return &domain.InvalidRuleError{Rule: r.Name, Reason: "ingress rules cannot include destinationRanges"}
		}
	case domain.DirectionEgress:
		if len(r.SourceRanges) > 0 || len(r.SourceTags) > 0 {
			return &domain.InvalidRuleError{Rule: r.Name, Reason: "egress rules cannot include sourceRanges or sourceTags"}
		}
	default:
		return &domain.InvalidRuleError{Rule: r.Name, Reason: fmt.Sprintf("direction must be INGRESS or EGRESS, got %q", r.Direction)}
	}

	for field, values := range map[string][]string{
		"sourceRanges":      r.SourceRanges,
		"sourceTags":        r.SourceTags,
		"targetTags":        r.TargetTags,
		"destinationRanges": r.DestinationRanges,
	} {
		if len(values) > domain.MaxListEntries {
			return &domain.InvalidRuleError{Rule: r.Name, Reason: fmt.Sprintf("%s must contain %d or fewer values", field, domain.MaxListEntries)}
		}
	}

	if (len(r.Allowed) == 0) == (len(r.Denied) == 0) {
		return &domain.InvalidRuleError{Rule: r.Name, Reason: "rule must contain exactly one of allowed or denied"}
	}
	for _, a := range r.Allowed {
		if a.IPProtocol == "" {
			return &domain.InvalidRuleError{Rule: r.Name, Reason: "allowed entry missing IPProtocol"}
		}
	}
	for _, d := range r.Denied {
		if d.IPProtocol == "" {
			return &domain.InvalidRuleError{Rule: r.Name, Reason: "denied entry missing IPProtocol"}
		}
	}

	if p := r.PriorityOrDefault(); p < domain.MinPriority || p > domain.MaxPriority {
		return &domain.InvalidRuleError{Rule: r.Name, Reason: fmt.Sprintf("priority %d out of range %d-%d", p, domain.MinPriority, domain.MaxPriority)}
	}

	if len(r.Name) > domain.MaxNameLength {
		return &domain.InvalidRuleError{Rule: r.Name, Reason: fmt.Sprintf("name exceeds length limit of %d chars", domain.MaxNameLength)}
	}

	return nil
}
