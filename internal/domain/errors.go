package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrEnforcementFailed = errors.New("firewall enforcement failed")
	ErrQuotaNotFound     = errors.New("quota metric not found")
	ErrNotEmpty          = errors.New("rule set already contains rules")
)

type InvalidRuleError struct {
	Rule   string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("invalid rule: %s", e.Reason)
	}
	return fmt.Sprintf("invalid rule %s: %s", e.Rule, e.Reason)
}

type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate rule name %s", e.Name)
}

type EmptyRuleSetError struct {
	Project string
}

func (e *EmptyRuleSetError) Error() string {
	return fmt.Sprintf("no rules defined in the expected rules for project %s", e.Project)
}

func (e *EmptyRuleSetError) Is(target error) bool { return target == ErrEnforcementFailed }

type ValidationError struct {
	Project string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("changeset for project %s is invalid: %s", e.Project, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrEnforcementFailed }

type NetworkImpactError struct {
	Project string
	Rules   []string
}

func (e *NetworkImpactError) Error() string {
	return fmt.Sprintf("changes to project %s would affect networks outside the requested set: %s",
		e.Project, strings.Join(e.Rules, ", "))
}

func (e *NetworkImpactError) Is(target error) bool { return target == ErrEnforcementFailed }

type QuotaExceededError struct {
	Project string
	Limit   float64
	Usage   float64
	Insert  int
	Delete  int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("firewall quota exceeded for project %s: limit %.0f, usage %.0f, %d to insert, %d to delete",
		e.Project, e.Limit, e.Usage, e.Insert, e.Delete)
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrEnforcementFailed }

type Phase string

const (
	PhaseInsert Phase = "insert"
	PhaseDelete Phase = "delete"
	PhaseUpdate Phase = "update"
)

// PhaseFailedError reports a mutation phase in which at least one rule call
// failed. Rules that succeeded before the failure stay applied.
type PhaseFailedError struct {
	Phase     Phase
	Project   string
	Succeeded []string
	Failed    []string
	Errors    map[string]string
}

func (e *PhaseFailedError) Error() string {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	details := make([]string, 0, len(names))
	for _, name := range names {
		details = append(details, fmt.Sprintf("%s: %s", name, e.Errors[name]))
	}
	return fmt.Sprintf("%s failed for project %s (%d succeeded, %d failed): %s",
		e.Phase, e.Project, len(e.Succeeded), len(e.Failed), strings.Join(details, "; "))
}

func (e *PhaseFailedError) Is(target error) bool { return target == ErrEnforcementFailed }

type OperationTimeoutError struct {
	Project   string
	Operation string
	Timeout   string
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("operation %s in project %s did not complete within %s", e.Operation, e.Project, e.Timeout)
}

type ApiNotEnabledError struct {
	Project string
	Err     error
}

func (e *ApiNotEnabledError) Error() string {
	return fmt.Sprintf("compute API not enabled for project %s: %v", e.Project, e.Err)
}

func (e *ApiNotEnabledError) Unwrap() error { return e.Err }

type ApiExecutionError struct {
	Project    string
	HTTPStatus int
	Body       string
	Err        error
}

func (e *ApiExecutionError) Error() string {
	return fmt.Sprintf("compute API call failed for project %s (HTTP %d): %v", e.Project, e.HTTPStatus, e.Err)
}

func (e *ApiExecutionError) Unwrap() error { return e.Err }

// OperationFailedError is returned when a completed operation carries errors
// that are not on the ignorable list.
type OperationFailedError struct {
	Operation string
	Errors    []OperationError
}

func (e *OperationFailedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, oe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", oe.Code, oe.Message))
	}
	return fmt.Sprintf("operation %s failed: %s", e.Operation, strings.Join(parts, "; "))
}
