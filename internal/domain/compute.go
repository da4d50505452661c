package domain

import "time"

const QuotaMetricFirewalls = "FIREWALLS"

// FirewallRecord is a firewall rule as returned by the listing API, carrying
// server-side metadata the engine does not manage.
type FirewallRecord struct {
	Rule
	ID                string
	SelfLink          string
	CreationTimestamp string
}

// Scrub drops everything outside the recognized rule schema.
func (r FirewallRecord) Scrub() Rule {
	return r.Rule.Clone()
}

type FirewallPage struct {
	Items         []FirewallRecord
	NextPageToken string
}

type Quota struct {
	Metric string
	Limit  float64
	Usage  float64
}

type OperationStatus string

const (
	OperationPending OperationStatus = "PENDING"
	OperationRunning OperationStatus = "RUNNING"
	OperationDone    OperationStatus = "DONE"
)

type OperationError struct {
	Code    string
	Message string
}

type Operation struct {
	Name          string
	OperationType string
	TargetLink    string
	Status        OperationStatus
	InsertTime    time.Time
	StartTime     time.Time
	EndTime       time.Time
	Errors        []OperationError
}

func (o *Operation) Done() bool {
	return o != nil && o.Status == OperationDone
}

// MutateOptions carries the per-call settings of a firewall mutation.
// RequestID is the idempotency token; resending a request with the same id is
// treated as a duplicate by the service.
type MutateOptions struct {
	RequestID string
	Blocking  bool
	Timeout   time.Duration
}
