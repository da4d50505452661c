package bastion

import (
	"k8s.io/utils/ptr"

	"github.com/eleven-am/bastion/internal/batch"
	"github.com/eleven-am/bastion/internal/domain"
	"github.com/eleven-am/bastion/internal/enforcer"
	"github.com/eleven-am/bastion/internal/ruleset"
)

type Rule = domain.Rule

type Action = domain.Action

type LogConfig = domain.LogConfig

type Direction = domain.Direction

const (
	Ingress = domain.DirectionIngress
	Egress  = domain.DirectionEgress
)

type EnforcementResult = domain.EnforcementResult

type FirewallResult = domain.FirewallResult

type RuleSnapshot = domain.RuleSnapshot

type BatchResult = domain.BatchResult

type BatchSummary = domain.BatchSummary

type Status = domain.Status

const (
	StatusSuccess = domain.StatusSuccess
	StatusError   = domain.StatusError
	StatusDeleted = domain.StatusDeleted
)

type ComputeClient = domain.ComputeClient

type ClientFactory = domain.ClientFactory

// PrechangeFunc is consulted before any rule is changed. Returning false
// skips the changes for that attempt; returning an error fails the project.
type PrechangeFunc = enforcer.PrechangeFunc

// AcceptFunc filters rules in both the current and the expected set. Rules
// it rejects are never touched.
type AcceptFunc = ruleset.AcceptFunc

type ProjectPolicy = batch.ProjectPolicy

type Hooks = batch.Hooks

type BatchConfig = batch.Config

// ErrEnforcementFailed matches every error that stopped a project from
// reaching its policy: empty policies, invalid change sets, network impact,
// quota exhaustion and failed apply phases.
var ErrEnforcementFailed = domain.ErrEnforcementFailed

type (
	InvalidRuleError      = domain.InvalidRuleError
	DuplicateNameError    = domain.DuplicateNameError
	ValidationError       = domain.ValidationError
	QuotaExceededError    = domain.QuotaExceededError
	PhaseFailedError      = domain.PhaseFailedError
	OperationTimeoutError = domain.OperationTimeoutError
	ApiNotEnabledError    = domain.ApiNotEnabledError
	ApiExecutionError     = domain.ApiExecutionError
)

// DefaultBatchConfig returns ten workers, three convergence retries and a
// ten minute per-operation timeout.
func DefaultBatchConfig() BatchConfig {
	return batch.DefaultConfig()
}

// Allow builds an allowed action, e.g. Allow("tcp", "22", "8000-8080").
func Allow(protocol string, ports ...string) Action {
	return Action{IPProtocol: protocol, Ports: ports}
}

// Priority returns a pointer suitable for Rule.Priority. Zero is a valid
// priority, so an unset priority is nil rather than 0.
func Priority(p int) *int {
	return ptr.To(p)
}
