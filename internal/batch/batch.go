package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/eleven-am/bastion/internal/domain"
	"github.com/eleven-am/bastion/internal/enforcer"
	"github.com/eleven-am/bastion/internal/project"
	"github.com/eleven-am/bastion/internal/ruleset"
)

type Config struct {
	DryRun            bool
	ConcurrentWorkers int
	AllowEmptyRuleSet bool
	RetryOnDryRun     bool
	MaxRetries        int
	OperationTimeout  time.Duration
	OperationRetries  int
}

func DefaultConfig() Config {
	return Config{
		ConcurrentWorkers: 10,
		MaxRetries:        project.DefaultMaxRetries,
		OperationTimeout:  enforcer.DefaultOperationTimeout,
		OperationRetries:  enforcer.DefaultOperationRetries,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.ConcurrentWorkers < 1 {
		errs = append(errs, fmt.Errorf("concurrent workers must be at least 1, got %d", c.ConcurrentWorkers))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries))
	}
	if c.OperationRetries < 0 {
		errs = append(errs, fmt.Errorf("operation retries must not be negative, got %d", c.OperationRetries))
	}
	if c.OperationTimeout < 0 {
		errs = append(errs, fmt.Errorf("operation timeout must not be negative, got %s", c.OperationTimeout))
	}
	return errors.Join(errs...)
}

type ProjectPolicy struct {
	ProjectID  string
	Rules      []domain.Rule
	Networks   []string
	PolicyPath string
}

type Hooks struct {
	Prechange  enforcer.PrechangeFunc
	AcceptRule ruleset.AcceptFunc
	// OnResult is called once per project as it finishes. Calls never
	// overlap.
	OnResult func(*domain.EnforcementResult)
}

// Recorder receives every finished project result with its duration.
type Recorder interface {
	ObserveResult(result *domain.EnforcementResult, elapsed time.Duration)
}

type Option func(*Coordinator)

// WithWriteLimiter bounds how many projects may be in their mutating phase at
// once. Without it writes are unbounded.
func WithWriteLimiter(sem *semaphore.Weighted) Option {
	return func(c *Coordinator) { c.writes = sem }
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

func WithMetrics(r Recorder) Option {
	return func(c *Coordinator) { c.metrics = r }
}

type Coordinator struct {
	factory domain.ClientFactory
	cfg     Config
	writes  *semaphore.Weighted
	logger  *log.Logger
	clock   clock.PassiveClock
	metrics Recorder
}

func New(factory domain.ClientFactory, cfg Config, opts ...Option) (*Coordinator, error) {
	if factory == nil {
		return nil, errors.New("client factory is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch config: %w", err)
	}
	c := &Coordinator{
		factory: factory,
		cfg:     cfg,
		logger:  log.Default().With("component", "batch"),
		clock:   clock.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run enforces every policy with at most ConcurrentWorkers projects in
// flight and returns the aggregated results. Results arrive in completion
// order.
func (c *Coordinator) Run(ctx context.Context, policies []ProjectPolicy, hooks Hooks) *domain.BatchResult {
	started := c.clock.Now().UTC()
	batch := &domain.BatchResult{
		BatchID:   started.UnixMicro(),
		StartedAt: started,
		Results:   make([]*domain.EnforcementResult, 0, len(policies)),
	}
	logger := c.logger.With("batch_id", batch.BatchID)
	if c.cfg.DryRun {
		logger.Info("simulating changes")
	}
	logger.Info("starting enforcement wave", "projects", len(policies), "workers", c.cfg.ConcurrentWorkers)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ConcurrentWorkers)

	for _, p := range policies {
		p := p
		g.Go(func() error {
			begin := c.clock.Now()
			result := c.enforce(gctx, p, hooks)
			result.BatchID = batch.BatchID
			result.RunContext = domain.RunContextBatch
			if c.metrics != nil {
				c.metrics.ObserveResult(result, c.clock.Since(begin))
			}

			mu.Lock()
			defer mu.Unlock()
			batch.Add(result)
			logger.Debug("project finished enforcement run", "project", p.ProjectID, "status", result.Status)
			if hooks.OnResult != nil {
				hooks.OnResult(result)
			}
			return nil
		})
	}
	_ = g.Wait()

	batch.FinishedAt = c.clock.Now().UTC()
	logger.Info("finished enforcement wave",
		"seconds", int(batch.FinishedAt.Sub(batch.StartedAt).Seconds()),
		"success", batch.Summary.Success,
		"error", batch.Summary.Error,
		"changed", batch.Summary.Changed)
	if batch.Summary.Total == 0 {
		logger.Warn("no projects enforced on the last run")
	}
	return batch
}

func (c *Coordinator) enforce(ctx context.Context, p ProjectPolicy, hooks Hooks) *domain.EnforcementResult {
	client, err := c.factory(ctx, p.ProjectID)
	if err != nil {
		c.logger.Error("unable to create compute client", "project", p.ProjectID, "err", err)
		return &domain.EnforcementResult{
			ProjectID:    p.ProjectID,
			Status:       domain.StatusError,
			StatusReason: fmt.Sprintf("error creating compute client: %v", err),
			Timestamp:    c.clock.Now().UTC(),
			Firewall:     domain.FirewallResult{PolicyPath: p.PolicyPath},
		}
	}

	pc := project.New(p.ProjectID, client,
		project.WithDryRun(c.cfg.DryRun),
		project.WithWriteLimiter(c.writes),
		project.WithOperationTimeout(c.cfg.OperationTimeout),
		project.WithOperationRetries(c.cfg.OperationRetries),
		project.WithLogger(c.logger),
		project.WithClock(c.clock),
	)
	return pc.EnforcePolicy(ctx, p.Rules, project.Request{
		Networks:          p.Networks,
		AllowEmptyRuleSet: c.cfg.AllowEmptyRuleSet,
		Prechange:         hooks.Prechange,
		AcceptRule:        hooks.AcceptRule,
		RetryOnDryRun:     c.cfg.RetryOnDryRun,
		MaxRetries:        c.cfg.MaxRetries,
		PolicyPath:        p.PolicyPath,
	})
}
