package store

import (
	"time"

	"github.com/eleven-am/bastion/internal/domain"
)

type BatchRecord struct {
	ID         uint  `gorm:"primaryKey"`
	BatchID    int64 `gorm:"uniqueIndex;not null"`
	StartedAt  time.Time
	FinishedAt time.Time
	Total      int
	Success    int
	Error      int
	Changed    int
	Unchanged  int
	Projects   []ProjectRecord `gorm:"foreignKey:BatchRecordID;constraint:OnDelete:CASCADE"`
	CreatedAt  time.Time
}

func (BatchRecord) TableName() string { return "enforcement_batches" }

type ProjectRecord struct {
	ID              uint   `gorm:"primaryKey"`
	BatchRecordID   *uint  `gorm:"index"`
	ProjectID       string `gorm:"index;not null"`
	Status          string `gorm:"index;not null"`
	StatusReason    string
	RunContext      string
	Timestamp       time.Time `gorm:"index"`
	RulesAdded      []string  `gorm:"type:text;serializer:json"`
	RulesRemoved    []string  `gorm:"type:text;serializer:json"`
	RulesUpdated    []string  `gorm:"type:text;serializer:json"`
	RulesUnchanged  []string  `gorm:"type:text;serializer:json"`
	RulesModified   int
	RulesBefore     string `gorm:"type:text"`
	RulesBeforeHash string
	RulesAfter      string `gorm:"type:text"`
	RulesAfterHash  string
	AllRulesChanged bool
	PolicyPath      string
	CreatedAt       time.Time
}

func (ProjectRecord) TableName() string { return "enforcement_results" }

func fromResult(r *domain.EnforcementResult) ProjectRecord {
	rec := ProjectRecord{
		ProjectID:       r.ProjectID,
		Status:          string(r.Status),
		StatusReason:    r.StatusReason,
		RunContext:      string(r.RunContext),
		Timestamp:       r.Timestamp,
		RulesAdded:      r.Firewall.RulesAdded,
		RulesRemoved:    r.Firewall.RulesRemoved,
		RulesUpdated:    r.Firewall.RulesUpdated,
		RulesUnchanged:  r.Firewall.RulesUnchanged,
		RulesModified:   r.Firewall.RulesModifiedCount,
		AllRulesChanged: r.Firewall.AllRulesChanged,
		PolicyPath:      r.Firewall.PolicyPath,
	}
	if s := r.Firewall.RulesBefore; s != nil {
		rec.RulesBefore, rec.RulesBeforeHash = s.JSON, s.Hash
	}
	if s := r.Firewall.RulesAfter; s != nil {
		rec.RulesAfter, rec.RulesAfterHash = s.JSON, s.Hash
	}
	return rec
}

// Result converts the row back into the domain shape. BatchID is not
// stored on the row and is left for the caller.
func (p ProjectRecord) Result() *domain.EnforcementResult {
	r := &domain.EnforcementResult{
		ProjectID:    p.ProjectID,
		Status:       domain.Status(p.Status),
		StatusReason: p.StatusReason,
		RunContext:   domain.RunContext(p.RunContext),
		Timestamp:    p.Timestamp,
		Firewall: domain.FirewallResult{
			RulesAdded:         p.RulesAdded,
			RulesRemoved:       p.RulesRemoved,
			RulesUpdated:       p.RulesUpdated,
			RulesUnchanged:     p.RulesUnchanged,
			RulesModifiedCount: p.RulesModified,
			AllRulesChanged:    p.AllRulesChanged,
			PolicyPath:         p.PolicyPath,
		},
	}
	if p.RulesBeforeHash != "" {
		r.Firewall.RulesBefore = &domain.RuleSnapshot{JSON: p.RulesBefore, Hash: p.RulesBeforeHash}
	}
	if p.RulesAfterHash != "" {
		r.Firewall.RulesAfter = &domain.RuleSnapshot{JSON: p.RulesAfter, Hash: p.RulesAfterHash}
	}
	return r
}
