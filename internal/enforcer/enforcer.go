package enforcer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/eleven-am/bastion/internal/domain"
	"github.com/eleven-am/bastion/internal/ruleset"
)

const (
	DefaultOperationTimeout = 10 * time.Minute
	DefaultOperationRetries = 3
)

type State string

const (
	StateInit      State = "INIT"
	StateDiffed    State = "DIFFED"
	StateValidated State = "VALIDATED"
	StatePrechange State = "PRECHANGE_GATE"
	StateApplying  State = "APPLYING"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// PrechangeFunc is consulted with the pending changes before anything is
// applied. Returning false skips the change; returning an error fails it.
type PrechangeFunc func(project string, toDelete, toInsert, toUpdate []string) (bool, error)

type ApplyRequest struct {
	Networks          []string
	AllowEmptyRuleSet bool
	Prechange         PrechangeFunc
}

type Option func(*Enforcer)

func WithCurrent(rs *ruleset.RuleSet) Option {
	return func(e *Enforcer) { e.current = rs }
}

// WithWriteLimiter gates the mutating phase on one token of sem. A nil
// semaphore leaves writes unbounded.
func WithWriteLimiter(sem *semaphore.Weighted) Option {
	return func(e *Enforcer) { e.writes = sem }
}

func WithAcceptFunc(fn ruleset.AcceptFunc) Option {
	return func(e *Enforcer) { e.accept = fn }
}

func WithOperationTimeout(d time.Duration) Option {
	return func(e *Enforcer) {
		if d > 0 {
			e.opTimeout = d
		}
	}
}

func WithOperationRetries(n int) Option {
	return func(e *Enforcer) {
		if n >= 0 {
			e.opRetries = n
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(e *Enforcer) {
		if logger != nil {
			e.logger = logger
		}
	}
}

type Enforcer struct {
	project   string
	client    domain.ComputeClient
	expected  *ruleset.RuleSet
	current   *ruleset.RuleSet
	writes    *semaphore.Weighted
	accept    ruleset.AcceptFunc
	opTimeout time.Duration
	opRetries int
	logger    *log.Logger
	requestID func() string

	state    State
	inserted sets.Set[string]
	deleted  sets.Set[string]
	updated  sets.Set[string]
}

func New(project string, client domain.ComputeClient, expected *ruleset.RuleSet, opts ...Option) *Enforcer {
	e := &Enforcer{
		project:   project,
		client:    client,
		expected:  expected,
		opTimeout: DefaultOperationTimeout,
		opRetries: DefaultOperationRetries,
		logger:    log.Default().With("component", "enforcer"),
		requestID: uuid.NewString,
		state:     StateInit,
		inserted:  sets.New[string](),
		deleted:   sets.New[string](),
		updated:   sets.New[string](),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("project", project)
	return e
}

func (e *Enforcer) State() State { return e.state }

func (e *Enforcer) Current() *ruleset.RuleSet { return e.current }

func (e *Enforcer) Inserted() []string { return sets.List(e.inserted) }

func (e *Enforcer) Deleted() []string { return sets.List(e.deleted) }

func (e *Enforcer) Updated() []string { return sets.List(e.updated) }

func (e *Enforcer) SetCurrent(rs *ruleset.RuleSet) { e.current = rs }

// RefreshCurrent replaces the cached current rules with a fresh listing.
func (e *Enforcer) RefreshCurrent(ctx context.Context) error {
	rs := ruleset.New(e.project, ruleset.WithAcceptFunc(e.accept), ruleset.WithLogger(e.logger))
	if err := rs.LoadFromAPI(ctx, e.client); err != nil {
		return err
	}
	e.current = rs
	return nil
}

// Apply brings the project's firewall in line with the expected rules and
// returns the number of rule changes that succeeded. Changes applied before
// a failure are kept and reported through Inserted, Deleted and Updated.
func (e *Enforcer) Apply(ctx context.Context, req ApplyRequest) (int, error) {
	e.state = StateInit

	if e.current == nil {
		if err := e.RefreshCurrent(ctx); err != nil {
			e.state = StateFailed
			return 0, err
		}
	}

	if e.expected.Len() == 0 && !req.AllowEmptyRuleSet {
		e.state = StateFailed
		return 0, &domain.EmptyRuleSetError{Project: e.project}
	}

	if e.current.EqualOnNetworks(e.expected, req.Networks) {
		e.logger.Info("current and expected rules match", "networks", req.Networks)
		e.state = StateDone
		return 0, nil
	}

	cs := BuildChangeSet(e.current, e.expected, req.Networks)
	e.state = StateDiffed

	if err := cs.Validate(e.project, e.current, req.Networks); err != nil {
		e.state = StateFailed
		return 0, err
	}
	e.state = StateValidated

	if req.Prechange != nil {
		e.state = StatePrechange
		ok, err := req.Prechange(e.project, sets.List(cs.ToDelete), sets.List(cs.ToInsert), sets.List(cs.ToUpdate))
		if err != nil {
			e.state = StateFailed
			return 0, fmt.Errorf("prechange check %s: %w", e.project, err)
		}
		if !ok {
			e.logger.Warn("prechange check declined, changes will not be applied")
			e.state = StateDone
			return 0, nil
		}
	}

	deleteFirst, err := e.deleteFirst(ctx, cs.ToInsert.Len(), cs.ToDelete.Len())
	if err != nil {
		e.state = StateFailed
		return 0, err
	}

	if e.writes != nil {
		if err := e.writes.Acquire(ctx, 1); err != nil {
			e.state = StateFailed
			return 0, fmt.Errorf("acquire write slot %s: %w", e.project, err)
		}
		defer e.writes.Release(1)
	}

	e.state = StateApplying
	changed := 0
	for _, sc := range cs.byNetwork(req.Networks) {
		n, err := e.applyScope(ctx, sc, deleteFirst)
		changed += n
		if err != nil {
			e.state = StateFailed
			return changed, err
		}
	}

	e.state = StateDone
	return changed, nil
}

func (e *Enforcer) deleteFirst(ctx context.Context, inserts, deletes int) (bool, error) {
	quota, err := e.client.GetQuota(ctx, e.project, domain.QuotaMetricFirewalls)
	if err != nil {
		if !errors.Is(err, domain.ErrQuotaNotFound) {
			e.logger.Warn("unable to read firewall quota", "err", err)
		}
		e.logger.Warn("unknown firewall quota, using delete first order")
		return true, nil
	}

	if quota.Usage+float64(inserts) <= quota.Limit {
		return false, nil
	}
	if quota.Usage-float64(deletes)+float64(inserts) > quota.Limit {
		return false, &domain.QuotaExceededError{
			Project: e.project,
			Limit:   quota.Limit,
			Usage:   quota.Usage,
			Insert:  inserts,
			Delete:  deletes,
		}
	}
	e.logger.Info("switching to delete first order", "limit", quota.Limit, "usage", quota.Usage)
	return true, nil
}

func (e *Enforcer) applyScope(ctx context.Context, sc scope, deleteFirst bool) (int, error) {
	phases := []domain.Phase{domain.PhaseInsert, domain.PhaseDelete}
	if deleteFirst {
		phases = []domain.Phase{domain.PhaseDelete, domain.PhaseInsert}
	}
	phases = append(phases, domain.PhaseUpdate)

	changed := 0
	for _, phase := range phases {
		var rules []domain.Rule
		switch phase {
		case domain.PhaseInsert:
			rules = sc.insert
		case domain.PhaseDelete:
			rules = sc.delete
		case domain.PhaseUpdate:
			rules = sc.update
		}
		n, err := e.applyPhase(ctx, phase, rules)
		changed += n
		if err != nil {
			return changed, err
		}
	}
	return changed, nil
}
