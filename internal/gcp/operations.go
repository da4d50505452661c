package gcp

import (
	"context"
	"time"

	compute "google.golang.org/api/compute/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/eleven-am/bastion/internal/domain"
)

const operationDone = "DONE"

// waitForOperation polls a global operation until it is DONE or timeout
// elapses. The first poll happens one interval after the call.
func (c *Client) waitForOperation(ctx context.Context, project string, op *compute.Operation, timeout time.Duration) (*domain.Operation, error) {
	if op.Status == operationDone {
		return toOperation(op), nil
	}
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}

	current := op
	err := wait.PollUntilContextTimeout(ctx, c.pollInterval, timeout, false, func(ctx context.Context) (bool, error) {
		got, err := c.svc.GlobalOperations.Get(project, op.Name).Context(ctx).Do()
		if err != nil {
			if retryable(err) {
				return false, nil
			}
			return false, classify(project, err)
		}
		current = got
		return got.Status == operationDone, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if wait.Interrupted(err) {
			return nil, &domain.OperationTimeoutError{Project: project, Operation: op.Name, Timeout: timeout.String()}
		}
		return nil, err
	}
	return toOperation(current), nil
}
