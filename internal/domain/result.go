package domain

import "time"

type Status string

const (
	StatusUnspecified Status = "UNSPECIFIED"
	StatusSuccess     Status = "SUCCESS"
	StatusError       Status = "ERROR"
	StatusDeleted     Status = "PROJECT_DELETED"
)

type RunContext string

const (
	RunContextBatch      RunContext = "ENFORCER_BATCH"
	RunContextOneProject RunContext = "ENFORCER_ONE_PROJECT"
)

type RuleSnapshot struct {
	JSON string `json:"json"`
	Hash string `json:"hash"`
}

type FirewallResult struct {
	RulesAdded         []string      `json:"rulesAdded,omitempty"`
	RulesRemoved       []string      `json:"rulesRemoved,omitempty"`
	RulesUpdated       []string      `json:"rulesUpdated,omitempty"`
	RulesUnchanged     []string      `json:"rulesUnchanged,omitempty"`
	RulesModifiedCount int           `json:"rulesModifiedCount"`
	RulesBefore        *RuleSnapshot `json:"rulesBefore,omitempty"`
	RulesAfter         *RuleSnapshot `json:"rulesAfter,omitempty"`
	AllRulesChanged    bool          `json:"allRulesChanged"`
	PolicyPath         string        `json:"policyPath,omitempty"`
}

type EnforcementResult struct {
	ProjectID    string         `json:"projectId"`
	Status       Status         `json:"status"`
	StatusReason string         `json:"statusReason,omitempty"`
	BatchID      int64          `json:"batchId,omitempty"`
	RunContext   RunContext     `json:"runContext,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Firewall     FirewallResult `json:"firewall"`
}

func (r *EnforcementResult) Changed() bool {
	return r.Firewall.RulesModifiedCount > 0
}

func (r *EnforcementResult) Succeeded() bool {
	return r.Status == StatusSuccess || r.Status == StatusDeleted
}

type BatchSummary struct {
	Total     int `json:"total"`
	Success   int `json:"success"`
	Error     int `json:"error"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
}

type BatchResult struct {
	BatchID    int64                `json:"batchId"`
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt time.Time            `json:"finishedAt"`
	Summary    BatchSummary         `json:"summary"`
	Results    []*EnforcementResult `json:"results"`
}

func (b *BatchResult) Add(r *EnforcementResult) {
	b.Results = append(b.Results, r)
	b.Summary.Total++
	if r.Succeeded() {
		b.Summary.Success++
	} else {
		b.Summary.Error++
	}
	if r.Changed() {
		b.Summary.Changed++
	} else {
		b.Summary.Unchanged++
	}
}

func (b *BatchResult) HasErrors() bool {
	return b.Summary.Error > 0
}
