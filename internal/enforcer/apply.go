package enforcer

import (
	"context"
	"errors"
	"fmt"

	"github.com/eleven-am/bastion/internal/domain"
)

var ignorableOperationCodes = map[string]bool{
	// Another actor may have created the rule already.
	"RESOURCE_ALREADY_EXISTS": true,
	// Usually the network was removed underneath the rule.
	"INVALID_FIELD_VALUE": true,
}

func (e *Enforcer) applyPhase(ctx context.Context, phase domain.Phase, rules []domain.Rule) (int, error) {
	if len(rules) == 0 {
		return 0, nil
	}

	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	e.logger.Info(string(phase)+" rules", "rules", names)

	var succeeded, failed []string
	errs := make(map[string]string)
	for _, r := range rules {
		if err := e.mutate(ctx, phase, r); err != nil {
			e.logger.Error("firewall rule change failed", "phase", phase, "rule", r.Name, "err", err)
			failed = append(failed, r.Name)
			errs[r.Name] = err.Error()
			continue
		}
		succeeded = append(succeeded, r.Name)
		e.record(phase, r.Name)
	}

	if len(failed) > 0 {
		return len(succeeded), &domain.PhaseFailedError{
			Phase:     phase,
			Project:   e.project,
			Succeeded: succeeded,
			Failed:    failed,
			Errors:    errs,
		}
	}
	return len(succeeded), nil
}

func (e *Enforcer) record(phase domain.Phase, name string) {
	switch phase {
	case domain.PhaseInsert:
		e.inserted.Insert(name)
	case domain.PhaseDelete:
		e.deleted.Insert(name)
	case domain.PhaseUpdate:
		e.updated.Insert(name)
	}
}

// mutate issues one rule change. Timeouts are retried with the same request
// id until the retry budget runs out.
func (e *Enforcer) mutate(ctx context.Context, phase domain.Phase, r domain.Rule) error {
	opts := domain.MutateOptions{
		RequestID: e.requestID(),
		Blocking:  true,
		Timeout:   e.opTimeout,
	}

	var op *domain.Operation
	var err error
	for attempt := 0; ; attempt++ {
		switch phase {
		case domain.PhaseInsert:
			op, err = e.client.InsertFirewallRule(ctx, e.project, r, opts)
		case domain.PhaseDelete:
			op, err = e.client.DeleteFirewallRule(ctx, e.project, r.Name, opts)
		case domain.PhaseUpdate:
			op, err = e.client.UpdateFirewallRule(ctx, e.project, r, opts)
		default:
			return fmt.Errorf("unknown phase %q", phase)
		}

		var timeout *domain.OperationTimeoutError
		if err == nil || !errors.As(err, &timeout) || attempt >= e.opRetries {
			break
		}
		e.logger.Warn("operation timed out, retrying", "phase", phase, "rule", r.Name, "attempt", attempt+1, "request_id", opts.RequestID)
	}
	if err != nil {
		return err
	}
	return e.checkOperation(phase, r.Name, op)
}

func (e *Enforcer) checkOperation(phase domain.Phase, name string, op *domain.Operation) error {
	if op == nil {
		return fmt.Errorf("%s %s: no operation returned", phase, name)
	}
	if !op.Done() {
		return fmt.Errorf("%s %s: operation %s finished in state %s", phase, name, op.Name, op.Status)
	}
	if !op.EndTime.IsZero() && !op.InsertTime.IsZero() {
		e.logger.Debug("operation completed", "operation", op.Name,
			"insert_to_end", op.EndTime.Sub(op.InsertTime).Seconds(),
			"start_to_end", op.EndTime.Sub(op.StartTime).Seconds())
	}

	var fatal []domain.OperationError
	for _, oe := range op.Errors {
		if ignorableOperationCodes[oe.Code] {
			e.logger.Warn("ignoring operation error", "rule", name, "code", oe.Code, "message", oe.Message)
			continue
		}
		fatal = append(fatal, oe)
	}
	if len(fatal) > 0 {
		return &domain.OperationFailedError{Operation: op.Name, Errors: fatal}
	}
	return nil
}
