package gcp

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	compute "google.golang.org/api/compute/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/eleven-am/bastion/internal/domain"
)

var _ domain.ComputeClient = (*Client)(nil)

const (
	defaultPollInterval     = 2 * time.Second
	defaultOperationTimeout = 10 * time.Minute
)

// Client talks to the Compute Engine API for firewall rules, networks and
// quota. Reads are retried on rate limiting and server errors.
type Client struct {
	svc          *compute.Service
	pollInterval time.Duration
	backoff      wait.Backoff
	logger       *log.Logger
}

type ClientOption func(*Client)

func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithBackoff(b wait.Backoff) ClientOption {
	return func(c *Client) { c.backoff = b }
}

func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func newBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: time.Second,
		Factor:   2,
		Jitter:   0.1,
		Steps:    5,
		Cap:      30 * time.Second,
	}
}

func NewClient(svc *compute.Service, opts ...ClientOption) *Client {
	c := &Client{
		svc:          svc,
		pollInterval: defaultPollInterval,
		backoff:      newBackoff(),
		logger:       log.Default().With("component", "gcp"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	var last error
	err := wait.ExponentialBackoffWithContext(ctx, c.backoff, func(ctx context.Context) (bool, error) {
		last = fn()
		if last == nil {
			return true, nil
		}
		if retryable(last) {
			c.logger.Debug("retrying compute API call", "err", last)
			return false, nil
		}
		return false, last
	})
	if err != nil && wait.Interrupted(err) && last != nil {
		return last
	}
	return err
}
