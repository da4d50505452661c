// Package store persists enforcement results.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/eleven-am/bastion/internal/domain"
)

var ErrNotFound = errors.New("no stored result")

type Store struct {
	db     *gorm.DB
	logger *log.Logger
}

type Option func(*Store)

func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Dialector picks the gorm driver for a DSN. URLs and key=value strings go
// to postgres; anything else is treated as a sqlite file.
func Dialector(dsn string) gorm.Dialector {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

func Open(dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("store: empty DSN")
	}
	db, err := gorm.Open(Dialector(dsn), &gorm.Config{Logger: silentLogger()})
	if err != nil {
		return nil, fmt.Errorf("store: open connection: %w", err)
	}
	return New(db, opts...)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, logger: log.Default().With("component", "store")}
	for _, opt := range opts {
		opt(s)
	}
	if err := db.AutoMigrate(&BatchRecord{}, &ProjectRecord{}); err != nil {
		return nil, fmt.Errorf("store: auto migrate: %w", err)
	}
	return s, nil
}

func silentLogger() logger.Interface {
	return logger.New(log.Default(), logger.Config{LogLevel: logger.Silent})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveBatch stores the batch and all of its project results in one
// transaction.
func (s *Store) SaveBatch(ctx context.Context, b *domain.BatchResult) error {
	rec := BatchRecord{
		BatchID:    b.BatchID,
		StartedAt:  b.StartedAt,
		FinishedAt: b.FinishedAt,
		Total:      b.Summary.Total,
		Success:    b.Summary.Success,
		Error:      b.Summary.Error,
		Changed:    b.Summary.Changed,
		Unchanged:  b.Summary.Unchanged,
	}
	for _, r := range b.Results {
		rec.Projects = append(rec.Projects, fromResult(r))
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rec).Error
	})
	if err != nil {
		return fmt.Errorf("save batch %d: %w", b.BatchID, err)
	}
	s.logger.Debug("stored batch", "batch", b.BatchID, "projects", len(rec.Projects))
	return nil
}

// SaveResult stores a single project result outside any batch.
func (s *Store) SaveResult(ctx context.Context, r *domain.EnforcementResult) error {
	rec := fromResult(r)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("save result %s: %w", r.ProjectID, err)
	}
	return nil
}

// LatestResult returns the most recent stored result for a project.
func (s *Store) LatestResult(ctx context.Context, projectID string) (*domain.EnforcementResult, error) {
	var rec ProjectRecord
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("timestamp DESC").Order("id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load result %s: %w", projectID, err)
	}

	r := rec.Result()
	if rec.BatchRecordID != nil {
		var b BatchRecord
		if err := s.db.WithContext(ctx).Select("batch_id").First(&b, *rec.BatchRecordID).Error; err == nil {
			r.BatchID = b.BatchID
		}
	}
	return r, nil
}

// Batch loads a stored batch with its results.
func (s *Store) Batch(ctx context.Context, batchID int64) (*domain.BatchResult, error) {
	var rec BatchRecord
	err := s.db.WithContext(ctx).
		Preload("Projects", func(db *gorm.DB) *gorm.DB { return db.Order("project_id") }).
		Where("batch_id = ?", batchID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load batch %d: %w", batchID, err)
	}

	out := &domain.BatchResult{
		BatchID:    rec.BatchID,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Summary: domain.BatchSummary{
			Total:     rec.Total,
			Success:   rec.Success,
			Error:     rec.Error,
			Changed:   rec.Changed,
			Unchanged: rec.Unchanged,
		},
	}
	for _, p := range rec.Projects {
		r := p.Result()
		r.BatchID = rec.BatchID
		out.Results = append(out.Results, r)
	}
	return out, nil
}
