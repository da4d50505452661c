package gcp

import (
	"context"

	compute "google.golang.org/api/compute/v1"

	"github.com/eleven-am/bastion/internal/domain"
)

func (c *Client) ListNetworks(ctx context.Context, project string) ([]string, error) {
	token := ""
	more := true

	names, err := CollectPages(ctx,
		func() bool { return more },
		func(ctx context.Context) (*compute.NetworkList, error) {
			call := c.svc.Networks.List(project).Fields("items/selfLink", "items/name", "nextPageToken").Context(ctx)
			if token != "" {
				call = call.PageToken(token)
			}
			var list *compute.NetworkList
			err := c.retry(ctx, func() error {
				var err error
				list, err = call.Do()
				return err
			})
			if err != nil {
				return nil, err
			}
			token = list.NextPageToken
			more = token != ""
			return list, nil
		},
		func(list *compute.NetworkList) []string {
			out := make([]string, 0, len(list.Items))
			for _, n := range list.Items {
				if n.SelfLink != "" {
					out = append(out, domain.NetworkName(n.SelfLink))
				} else {
					out = append(out, n.Name)
				}
			}
			return out
		},
	)
	if err != nil {
		return nil, classify(project, err)
	}
	return names, nil
}
