package gcp

import (
	"context"

	compute "google.golang.org/api/compute/v1"

	"github.com/eleven-am/bastion/internal/domain"
)

func (c *Client) GetQuota(ctx context.Context, project, metric string) (*domain.Quota, error) {
	var p *compute.Project
	err := c.retry(ctx, func() error {
		var err error
		p, err = c.svc.Projects.Get(project).Fields("quotas").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, classify(project, err)
	}
	for _, q := range p.Quotas {
		if q.Metric == metric {
			return &domain.Quota{Metric: q.Metric, Limit: q.Limit, Usage: q.Usage}, nil
		}
	}
	return nil, domain.ErrQuotaNotFound
}
