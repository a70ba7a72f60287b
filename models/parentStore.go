package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ParentStore owns parent SKU rows (non-child product variants) and the drift audit.
type ParentStore struct {
	gormStore
}

func (s *ParentStore) parents(db *gorm.DB) *gorm.DB {
	return db.Model(&ProductVariant{}).Where("variant_type <> ?", VariantTypeIMEI)
}

func (s *ParentStore) SerializedParentIds(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.guard(func() error {
		return s.parents(s.conn(ctx)).Where("is_serialized = ?", true).Order("id").Pluck("id", &ids).Error
	})
	return ids, err
}

func (s *ParentStore) Get(ctx context.Context, parentId string) (*ParentSku, error) {
	var row ProductVariant
	err := s.guard(func() error {
		return s.parents(s.conn(ctx)).Where("id = ?", parentId).First(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrParentNotFound
	}
	if err != nil {
		return nil, err
	}
	p := row.ToParent()
	return &p, nil
}

func (s *ParentStore) ActiveChildren(ctx context.Context, parentId string) ([]SerializedUnit, error) {
	var out []SerializedUnit
	err := s.guard(func() error {
		var err error
		out, err = activeChildren(s.conn(ctx), parentId)
		return err
	})
	return out, err
}

// MarkSerialized flags parents as owning serialized stock. The flag is never cleared.
// Ids that do not name a parent are returned as missing.
func (s *ParentStore) MarkSerialized(ctx context.Context, parentIds []string, at time.Time) ([]string, error) {
	if len(parentIds) == 0 {
		return nil, nil
	}
	var missing []string
	err := s.guard(func() error {
		var existing []string
		if err := s.parents(s.conn(ctx)).Where("id IN ?", parentIds).Pluck("id", &existing).Error; err != nil {
			return err
		}
		found := make(map[string]struct{}, len(existing))
		for _, id := range existing {
			found[id] = struct{}{}
		}
		missing = missing[:0]
		for _, id := range parentIds {
			if _, ok := found[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(existing) == 0 {
			return nil
		}
		return s.parents(s.conn(ctx)).
			Where("id IN ? AND is_serialized = ?", existing, false).
			Updates(map[string]interface{}{"is_serialized": true, "serialized_since": at}).Error
	})
	return missing, err
}

func (s *ParentStore) ListDrifts(ctx context.Context, parentId string, limit int) ([]ParentQuantityDrift, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []ParentQuantityDrift
	err := s.guard(func() error {
		return s.conn(ctx).Where("parent_id = ?", parentId).Order("corrected_at DESC, id DESC").Limit(limit).Find(&out).Error
	})
	return out, err
}

// WithParentLock runs fn in a transaction holding a row lock on the parent, so a
// concurrent sale cannot interleave with the count-and-write.
func (s *ParentStore) WithParentLock(ctx context.Context, parentId string, fn func(tx LockedParent) error) error {
	return s.guard(func() error {
		return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
			var row ProductVariant
			err := s.parents(tx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", parentId).First(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrParentNotFound
			}
			if err != nil {
				return err
			}
			return fn(&ParentTx{tx: tx, parent: row.ToParent()})
		})
	})
}

// LockedParent is the view of one parent while its row lock is held.
type LockedParent interface {
	Parent() ParentSku
	ActiveChildren(ctx context.Context) ([]SerializedUnit, error)
	UpdateDeclaredQuantity(ctx context.Context, quantity int, at time.Time) error
	TouchReconciled(ctx context.Context, at time.Time) error
	RecordDrift(ctx context.Context, drift *ParentQuantityDrift) error
}

// ParentTx is the MySQL LockedParent.
type ParentTx struct {
	tx     *gorm.DB
	parent ParentSku
}

func (p *ParentTx) Parent() ParentSku { return p.parent }

func (p *ParentTx) ActiveChildren(ctx context.Context) ([]SerializedUnit, error) {
	return activeChildren(p.tx.WithContext(ctx), p.parent.Id)
}

func (p *ParentTx) UpdateDeclaredQuantity(ctx context.Context, quantity int, at time.Time) error {
	err := p.tx.WithContext(ctx).Model(&ProductVariant{}).Where("id = ?", p.parent.Id).
		Updates(map[string]interface{}{"quantity": quantity, "last_reconciled_at": at}).Error
	if err == nil {
		p.parent.DeclaredQuantity = quantity
		p.parent.LastReconciledAt = &at
	}
	return err
}

func (p *ParentTx) TouchReconciled(ctx context.Context, at time.Time) error {
	err := p.tx.WithContext(ctx).Model(&ProductVariant{}).Where("id = ?", p.parent.Id).
		Update("last_reconciled_at", at).Error
	if err == nil {
		p.parent.LastReconciledAt = &at
	}
	return err
}

func (p *ParentTx) RecordDrift(ctx context.Context, drift *ParentQuantityDrift) error {
	return p.tx.WithContext(ctx).Create(drift).Error
}

func activeChildren(db *gorm.DB, parentId string) ([]SerializedUnit, error) {
	var variants []ProductVariant
	if err := db.Where("variant_type = ? AND parent_variant_id = ? AND status = ?", VariantTypeIMEI, parentId, UnitStatusActive).
		Find(&variants).Error; err != nil {
		return nil, err
	}
	var items []InventoryItem
	if err := db.Where("variant_id = ? AND status = ?", parentId, UnitStatusActive).
		Find(&items).Error; err != nil {
		return nil, err
	}
	out := make([]SerializedUnit, 0, len(variants)+len(items))
	for _, v := range variants {
		out = append(out, v.ToUnit())
	}
	for _, it := range items {
		out = append(out, it.ToUnit())
	}
	return out, nil
}
