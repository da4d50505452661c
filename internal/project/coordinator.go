package project

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/eleven-am/bastion/internal/compute"
	"github.com/eleven-am/bastion/internal/domain"
	"github.com/eleven-am/bastion/internal/enforcer"
	"github.com/eleven-am/bastion/internal/ruleset"
)

const (
	DefaultMaxRetries = 3

	reasonNoNetworks   = "no networks found for project"
	reasonNotConverged = "new firewall rules do not match the expected rules enforced by the policy"
)

type Request struct {
	// Networks limits enforcement to the named networks. Empty means every
	// network in the project.
	Networks          []string
	AllowEmptyRuleSet bool
	Prechange         enforcer.PrechangeFunc
	AcceptRule        ruleset.AcceptFunc
	RetryOnDryRun     bool
	MaxRetries        int
	PolicyPath        string
}

type Option func(*Coordinator)

// WithDryRun routes every mutation through a logging-only client.
func WithDryRun(dryRun bool) Option {
	return func(c *Coordinator) { c.dryRun = dryRun }
}

func WithWriteLimiter(sem *semaphore.Weighted) Option {
	return func(c *Coordinator) { c.writes = sem }
}

func WithOperationTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.opTimeout = d }
}

func WithOperationRetries(n int) Option {
	return func(c *Coordinator) { c.opRetries = &n }
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(clk clock.PassiveClock) Option {
	return func(c *Coordinator) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// Coordinator enforces a policy on a single project and reports the outcome.
type Coordinator struct {
	projectID string
	client    domain.ComputeClient
	dryRun    bool
	writes    *semaphore.Weighted
	opTimeout time.Duration
	opRetries *int
	logger    *log.Logger
	clock     clock.PassiveClock
}

func New(projectID string, client domain.ComputeClient, opts ...Option) *Coordinator {
	c := &Coordinator{
		projectID: projectID,
		client:    client,
		logger:    log.Default().With("component", "project"),
		clock:     clock.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("project", projectID)
	if c.dryRun {
		c.client = compute.NewDryRun(c.client, c.logger)
	}
	return c
}

// EnforcePolicy applies policy to every requested network of the project,
// retrying until the observed rules match or the retry budget is spent.
// Failures are reported through the result status, never returned.
func (c *Coordinator) EnforcePolicy(ctx context.Context, policy []domain.Rule, req Request) *domain.EnforcementResult {
	result := &domain.EnforcementResult{
		ProjectID:  c.projectID,
		Status:     domain.StatusUnspecified,
		RunContext: domain.RunContextOneProject,
		Timestamp:  c.clock.Now().UTC(),
		Firewall:   domain.FirewallResult{PolicyPath: req.PolicyPath},
	}

	networks, err := c.networks(ctx, req.Networks)
	if err != nil {
		c.fail(result, err, "error getting current networks from API")
		return result
	}
	if len(networks) == 0 {
		c.setError(result, reasonNoNetworks)
		return result
	}

	expected := ruleset.New(c.projectID, ruleset.WithLogger(c.logger))
	for _, network := range networks {
		if err := expected.AddAll(policy, network); err != nil {
			c.setError(result, fmt.Sprintf("error adding the expected firewall rules from the policy: %v", err))
			return result
		}
	}

	before, err := c.currentRules(ctx, req.AcceptRule)
	if err != nil {
		c.fail(result, err, "error getting current firewall rules from API")
		return result
	}

	opts := []enforcer.Option{
		enforcer.WithCurrent(before),
		enforcer.WithWriteLimiter(c.writes),
		enforcer.WithAcceptFunc(req.AcceptRule),
		enforcer.WithOperationTimeout(c.opTimeout),
		enforcer.WithLogger(c.logger),
	}
	if c.opRetries != nil {
		opts = append(opts, enforcer.WithOperationRetries(*c.opRetries))
	}
	enf := enforcer.New(c.projectID, c.client, expected, opts...)

	after := c.converge(ctx, enf, expected, networks, req, result)
	if result.Status == domain.StatusUnspecified {
		result.Status = domain.StatusSuccess
	}
	c.populate(result, enf, before, after)

	if result.Firewall.RulesModifiedCount == 0 {
		c.logger.Info("firewall policy not changed")
	}
	return result
}

func (c *Coordinator) converge(ctx context.Context, enf *enforcer.Enforcer, expected *ruleset.RuleSet, networks []string, req Request, result *domain.EnforcementResult) *ruleset.RuleSet {
	var after *ruleset.RuleSet
	for attempt := 1; ; attempt++ {
		changed, applyErr := enf.Apply(ctx, enforcer.ApplyRequest{
			Networks:          networks,
			AllowEmptyRuleSet: req.AllowEmptyRuleSet,
			Prechange:         req.Prechange,
		})
		if applyErr != nil {
			c.fail(result, applyErr, "error enforcing firewall for project")
		}

		fresh, listErr := c.currentRules(ctx, req.AcceptRule)
		if listErr != nil {
			c.fail(result, listErr, "error getting current firewall rules from API")
			return nil
		}
		after = fresh

		if applyErr != nil || changed == 0 {
			return after
		}
		if c.dryRun && !req.RetryOnDryRun {
			return after
		}
		if after.EqualOnNetworks(expected, networks) {
			return after
		}
		if attempt > req.MaxRetries {
			c.setError(result, reasonNotConverged)
			return after
		}

		c.logger.Warn("new firewall rules do not match the expected rules, retrying", "retry", attempt)
		enf.SetCurrent(after)
	}
}

func (c *Coordinator) networks(ctx context.Context, requested []string) ([]string, error) {
	if len(requested) > 0 {
		out := make([]string, 0, len(requested))
		for _, n := range requested {
			out = append(out, domain.NetworkName(n))
		}
		sort.Strings(out)
		return out, nil
	}

	found, err := c.client.ListNetworks(ctx, c.projectID)
	if err != nil {
		return nil, fmt.Errorf("list networks %s: %w", c.projectID, err)
	}
	seen := make(map[string]struct{}, len(found))
	out := make([]string, 0, len(found))
	for _, n := range found {
		name := domain.NetworkName(n)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Coordinator) currentRules(ctx context.Context, accept ruleset.AcceptFunc) (*ruleset.RuleSet, error) {
	rs := ruleset.New(c.projectID, ruleset.WithAcceptFunc(accept), ruleset.WithLogger(c.logger))
	if err := rs.LoadFromAPI(ctx, c.client); err != nil {
		return nil, err
	}
	return rs, nil
}

// fail records the first failure only; later ones are logged.
func (c *Coordinator) fail(result *domain.EnforcementResult, err error, action string) {
	status, reason := classify(err, action)
	if result.Status != domain.StatusUnspecified {
		c.logger.Warn("additional failure after terminal status", "status", result.Status, "err", err)
		return
	}
	result.Status = status
	result.StatusReason = reason
	if status == domain.StatusDeleted {
		c.logger.Warn("project deleted or compute API disabled", "reason", reason)
		return
	}
	c.logger.Warn("project had an error", "reason", reason)
}

func (c *Coordinator) setError(result *domain.EnforcementResult, reason string) {
	if result.Status != domain.StatusUnspecified {
		return
	}
	result.Status = domain.StatusError
	result.StatusReason = reason
	c.logger.Warn("project had an error", "reason", reason)
}
