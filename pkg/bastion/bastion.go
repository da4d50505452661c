// Package bastion is the programmatic entry point for enforcing firewall
// policies on Compute Engine projects.
package bastion

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	root "github.com/eleven-am/bastion"
	"github.com/eleven-am/bastion/internal/batch"
	"github.com/eleven-am/bastion/internal/gcp"
	"github.com/eleven-am/bastion/internal/policy"
	"github.com/eleven-am/bastion/internal/project"
)

// GoogleConfig configures access to the Compute Engine API.
type GoogleConfig = gcp.FactoryConfig

// NewGoogleClientFactory creates a ClientFactory backed by the Compute
// Engine API. Credentials are resolved once and shared by every client.
func NewGoogleClientFactory(ctx context.Context, cfg GoogleConfig) (root.ClientFactory, error) {
	f, err := gcp.NewFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return f.ClientFactory(), nil
}

// LoadPolicy reads a JSON or YAML rule list. The format is chosen by file
// extension. Unknown keys are rejected.
func LoadPolicy(path string) ([]root.Rule, error) {
	return policy.Load(path)
}

// ProjectOptions tunes a single-project run.
type ProjectOptions struct {
	// Networks restricts enforcement to these networks. When empty every
	// network in the project gets a copy of the policy.
	Networks []string

	// DryRun reports what would change without mutating anything.
	DryRun bool

	AllowEmptyRuleSet bool
	RetryOnDryRun     bool

	// MaxRetries is how many times the policy is reapplied when the
	// project does not converge. Nil uses the default of 3.
	MaxRetries *int

	Prechange  root.PrechangeFunc
	AcceptRule root.AcceptFunc
	PolicyPath string
	Logger     *log.Logger
}

// EnforceProject reconciles one project against rules. Failures are
// reported through the result status, never as an error.
func EnforceProject(ctx context.Context, client root.ComputeClient, projectID string, rules []root.Rule, opts ProjectOptions) *root.EnforcementResult {
	retries := project.DefaultMaxRetries
	if opts.MaxRetries != nil {
		retries = *opts.MaxRetries
	}

	pc := project.New(projectID, client,
		project.WithDryRun(opts.DryRun),
		project.WithLogger(opts.Logger),
	)
	return pc.EnforcePolicy(ctx, rules, project.Request{
		Networks:          opts.Networks,
		AllowEmptyRuleSet: opts.AllowEmptyRuleSet,
		Prechange:         opts.Prechange,
		AcceptRule:        opts.AcceptRule,
		RetryOnDryRun:     opts.RetryOnDryRun,
		MaxRetries:        retries,
		PolicyPath:        opts.PolicyPath,
	})
}

// BatchOptions tunes a fleet run.
type BatchOptions struct {
	// MaxConcurrentWriters bounds how many projects may be changing rules
	// at the same time. Zero means unbounded.
	MaxConcurrentWriters int64

	Hooks  root.Hooks
	Logger *log.Logger
}

// EnforceBatch reconciles every policy concurrently. The error is only set
// for invalid configuration; per-project failures are in the result.
func EnforceBatch(ctx context.Context, factory root.ClientFactory, cfg root.BatchConfig, policies []root.ProjectPolicy, opts BatchOptions) (*root.BatchResult, error) {
	batchOpts := []batch.Option{batch.WithLogger(opts.Logger)}
	if opts.MaxConcurrentWriters > 0 {
		batchOpts = append(batchOpts, batch.WithWriteLimiter(semaphore.NewWeighted(opts.MaxConcurrentWriters)))
	}

	c, err := batch.New(factory, cfg, batchOpts...)
	if err != nil {
		return nil, fmt.Errorf("create batch coordinator: %w", err)
	}
	return c.Run(ctx, policies, opts.Hooks), nil
}
