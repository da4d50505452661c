package compute

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/eleven-am/bastion/internal/domain"
)

// DryRun wraps a client so reads reach the backend and mutations are only
// logged. Each mutation returns a completed operation named after the rule.
type DryRun struct {
	client domain.ComputeClient
	logger *log.Logger
}

func NewDryRun(client domain.ComputeClient, logger *log.Logger) *DryRun {
	if logger == nil {
		logger = log.Default()
	}
	return &DryRun{client: client, logger: logger.With("dry_run", true)}
}

func (d *DryRun) ListFirewallRules(ctx context.Context, project, pageToken string) (*domain.FirewallPage, error) {
	return d.client.ListFirewallRules(ctx, project, pageToken)
}

func (d *DryRun) ListNetworks(ctx context.Context, project string) ([]string, error) {
	return d.client.ListNetworks(ctx, project)
}

func (d *DryRun) GetQuota(ctx context.Context, project, metric string) (*domain.Quota, error) {
	return d.client.GetQuota(ctx, project, metric)
}

func (d *DryRun) InsertFirewallRule(ctx context.Context, project string, rule domain.Rule, opts domain.MutateOptions) (*domain.Operation, error) {
	d.logger.Info("would insert firewall rule", "project", project, "rule", rule.Name, "network", rule.Network)
	return done(rule.Name), nil
}

func (d *DryRun) UpdateFirewallRule(ctx context.Context, project string, rule domain.Rule, opts domain.MutateOptions) (*domain.Operation, error) {
	d.logger.Info("would update firewall rule", "project", project, "rule", rule.Name, "network", rule.Network)
	return done(rule.Name), nil
}

func (d *DryRun) DeleteFirewallRule(ctx context.Context, project, name string, opts domain.MutateOptions) (*domain.Operation, error) {
	d.logger.Info("would delete firewall rule", "project", project, "rule", name)
	return done(name), nil
}

func done(name string) *domain.Operation {
	return &domain.Operation{Name: name, Status: domain.OperationDone}
}
