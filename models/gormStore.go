package models

import (
	"context"

	"github.com/sony/gobreaker"
	"gorm.io/gorm"
)

const listBatchSize = 1000

// gormStore is embedded by every MySQL-backed store. Calls run through the
// datastore breaker when one is configured so a dead connection fails fast.
type gormStore struct {
	db      *gorm.DB
	breaker *gobreaker.CircuitBreaker
}

func newGormStore(db *gorm.DB, breaker *gobreaker.CircuitBreaker) gormStore {
	return gormStore{db: db, breaker: breaker}
}

func (s gormStore) guard(fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (s gormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Stores bundles the MySQL implementations of every engine store.
type Stores struct {
	Variant *VariantUnitStore
	Legacy  *LegacyUnitStore
	Parents *ParentStore
	Ledger  *LedgerStore
	Runs    *RunStore
}

func NewStores(db *gorm.DB, breaker *gobreaker.CircuitBreaker) *Stores {
	base := newGormStore(db, breaker)
	return &Stores{
		Variant: &VariantUnitStore{gormStore: base},
		Legacy:  &LegacyUnitStore{gormStore: base},
		Parents: &ParentStore{gormStore: base},
		Ledger:  &LedgerStore{gormStore: base},
		Runs:    &RunStore{gormStore: base},
	}
}
