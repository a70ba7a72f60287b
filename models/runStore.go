package models

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// RunStore persists run checkpoints and skipped rows.
type RunStore struct {
	gormStore
}

func (s *RunStore) Create(ctx context.Context, run *ReconciliationRun) error {
	return s.guard(func() error {
		return s.conn(ctx).Create(run).Error
	})
}

// Save writes the whole run row; it is called at every checkpoint.
func (s *RunStore) Save(ctx context.Context, run *ReconciliationRun) error {
	return s.guard(func() error {
		return s.conn(ctx).Save(run).Error
	})
}

func (s *RunStore) Get(ctx context.Context, id string) (*ReconciliationRun, error) {
	var run ReconciliationRun
	err := s.guard(func() error {
		return s.conn(ctx).Where("id = ?", id).First(&run).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *RunStore) List(ctx context.Context, limit int) ([]ReconciliationRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	var out []ReconciliationRun
	err := s.guard(func() error {
		return s.conn(ctx).Omit("report_json").Order("started_at DESC").Limit(limit).Find(&out).Error
	})
	return out, err
}

func (s *RunStore) RecordSkip(ctx context.Context, skip *ReconciliationSkip) error {
	return s.guard(func() error {
		return s.conn(ctx).Create(skip).Error
	})
}

func (s *RunStore) ListSkips(ctx context.Context, runId string) ([]ReconciliationSkip, error) {
	var out []ReconciliationSkip
	err := s.guard(func() error {
		return s.conn(ctx).Where("run_id = ?", runId).Order("id").Find(&out).Error
	})
	return out, err
}
