package gcp

import (
	"context"

	compute "google.golang.org/api/compute/v1"

	"github.com/eleven-am/bastion/internal/domain"
)

func (c *Client) ListFirewallRules(ctx context.Context, project, pageToken string) (*domain.FirewallPage, error) {
	call := c.svc.Firewalls.List(project).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	var list *compute.FirewallList
	err := c.retry(ctx, func() error {
		var err error
		list, err = call.Do()
		return err
	})
	if err != nil {
		return nil, classify(project, err)
	}

	page := &domain.FirewallPage{NextPageToken: list.NextPageToken}
	for _, fw := range list.Items {
		page.Items = append(page.Items, toFirewallRecord(fw))
	}
	return page, nil
}

func (c *Client) InsertFirewallRule(ctx context.Context, project string, rule domain.Rule, opts domain.MutateOptions) (*domain.Operation, error) {
	c.logger.Info("inserting firewall rule", "project", project, "rule", rule.Name)
	call := c.svc.Firewalls.Insert(project, toFirewall(project, rule)).Context(ctx)
	if opts.RequestID != "" {
		call = call.RequestId(opts.RequestID)
	}
	op, err := call.Do()
	if err != nil {
		return nil, classify(project, err)
	}
	return c.finish(ctx, project, op, opts)
}

func (c *Client) UpdateFirewallRule(ctx context.Context, project string, rule domain.Rule, opts domain.MutateOptions) (*domain.Operation, error) {
	c.logger.Info("updating firewall rule", "project", project, "rule", rule.Name)
	call := c.svc.Firewalls.Update(project, rule.Name, toFirewall(project, rule)).Context(ctx)
	if opts.RequestID != "" {
		call = call.RequestId(opts.RequestID)
	}
	op, err := call.Do()
	if err != nil {
		return nil, classify(project, err)
	}
	return c.finish(ctx, project, op, opts)
}

func (c *Client) DeleteFirewallRule(ctx context.Context, project, name string, opts domain.MutateOptions) (*domain.Operation, error) {
	c.logger.Info("deleting firewall rule", "project", project, "rule", name)
	call := c.svc.Firewalls.Delete(project, name).Context(ctx)
	if opts.RequestID != "" {
		call = call.RequestId(opts.RequestID)
	}
	op, err := call.Do()
	if err != nil {
		return nil, classify(project, err)
	}
	return c.finish(ctx, project, op, opts)
}

func (c *Client) finish(ctx context.Context, project string, op *compute.Operation, opts domain.MutateOptions) (*domain.Operation, error) {
	if !opts.Blocking {
		return toOperation(op), nil
	}
	return c.waitForOperation(ctx, project, op, opts.Timeout)
}
