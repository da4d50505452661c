package domain

import (
	"context"
)

type ComputeClient interface {
	ListFirewallRules(ctx context.Context, project, pageToken string) (*FirewallPage, error)
	ListNetworks(ctx context.Context, project string) ([]string, error)
	GetQuota(ctx context.Context, project, metric string) (*Quota, error)

	InsertFirewallRule(ctx context.Context, project string, rule Rule, opts MutateOptions) (*Operation, error)
	UpdateFirewallRule(ctx context.Context, project string, rule Rule, opts MutateOptions) (*Operation, error)
	DeleteFirewallRule(ctx context.Context, project, name string, opts MutateOptions) (*Operation, error)
}

// ClientFactory builds a client scoped to one project. Callers obtain a new
// client per task; implementations decide what, if anything, is shared.
type ClientFactory func(ctx context.Context, project string) (ComputeClient, error)
