package domain

import (
	"strings"
)

type Direction string

const (
	DirectionIngress Direction = "INGRESS"
	DirectionEgress  Direction = "EGRESS"
)

const (
	DefaultPriority  = 1000
	MinPriority      = 0
	MaxPriority      = 65535
	MaxNameLength    = 63
	MaxListEntries   = 256
	DefaultDirection = DirectionIngress
)

// Action is one protocol/port entry of an allowed or denied list.
type Action struct {
	IPProtocol string   `json:"IPProtocol" yaml:"IPProtocol"`
	Ports      []string `json:"ports,omitempty" yaml:"ports,omitempty"`
}

type LogConfig struct {
	Enable bool `json:"enable" yaml:"enable"`
}

// Rule is a single firewall rule in the shape the Compute API uses. Only the
// fields listed here are recognized; anything else is rejected at decode time.
type Rule struct {
	Name              string    `json:"name" yaml:"name"`
	Network           string    `json:"network,omitempty" yaml:"network,omitempty"`
	Description       string    `json:"description,omitempty" yaml:"description,omitempty"`
	Direction         Direction `json:"direction,omitempty" yaml:"direction,omitempty"`
	Priority          *int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	Allowed           []Action  `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	Denied            []Action  `json:"denied,omitempty" yaml:"denied,omitempty"`
	SourceRanges      []string  `json:"sourceRanges,omitempty" yaml:"sourceRanges,omitempty"`
	SourceTags        []string  `json:"sourceTags,omitempty" yaml:"sourceTags,omitempty"`
	TargetTags        []string  `json:"targetTags,omitempty" yaml:"targetTags,omitempty"`
	DestinationRanges []string  `json:"destinationRanges,omitempty" yaml:"destinationRanges,omitempty"`
	Disabled          bool      `json:"disabled" yaml:"disabled,omitempty"`
	LogConfig         LogConfig `json:"logConfig" yaml:"logConfig,omitempty"`
}

// NetworkName reduces a network URL such as
// https://www.googleapis.com/compute/v1/projects/p/global/networks/default
// to its trailing name. Plain names are returned unchanged.
func NetworkName(network string) string {
	network = strings.TrimRight(network, "/")
	if i := strings.LastIndex(network, "/"); i >= 0 {
		return network[i+1:]
	}
	return network
}

func (r Rule) NetworkName() string {
	return NetworkName(r.Network)
}

func (r Rule) PriorityOrDefault() int {
	if r.Priority == nil {
		return DefaultPriority
	}
	return *r.Priority
}

func (r Rule) Clone() Rule {
	out := r
	if r.Priority != nil {
		p := *r.Priority
		out.Priority = &p
	}
	out.Allowed = cloneActions(r.Allowed)
	out.Denied = cloneActions(r.Denied)
	out.SourceRanges = cloneStrings(r.SourceRanges)
	out.SourceTags = cloneStrings(r.SourceTags)
	out.TargetTags = cloneStrings(r.TargetTags)
	out.DestinationRanges = cloneStrings(r.DestinationRanges)
	return out
}

func cloneActions(in []Action) []Action {
	if in == nil {
		return nil
	}
	out := make([]Action, len(in))
	for i, a := range in {
		out[i] = Action{IPProtocol: a.IPProtocol, Ports: cloneStrings(a.Ports)}
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
