package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/imei_backend/serial"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VariantUnitStore reads and writes serialized children in product_variants.
type VariantUnitStore struct {
	gormStore
}

func (s *VariantUnitStore) Origin() StoreOrigin { return StoreVariant }

func (s *VariantUnitStore) units(ctx context.Context) *gorm.DB {
	return s.conn(ctx).Model(&ProductVariant{}).Where("variant_type = ?", VariantTypeIMEI)
}

func (s *VariantUnitStore) ListUnits(ctx context.Context, f UnitFilter) ([]SerializedUnit, error) {
	var out []SerializedUnit
	err := s.guard(func() error {
		q := s.units(ctx)
		if f.Identifier != "" {
			q = q.Where(normalizedColumn("identifier")+" = ?", serial.Normalize(f.Identifier))
		}
		if f.ParentId != "" {
			q = q.Where("parent_variant_id = ?", f.ParentId)
		}
		var batch []ProductVariant
		return q.FindInBatches(&batch, listBatchSize, func(tx *gorm.DB, _ int) error {
			for _, v := range batch {
				out = append(out, v.ToUnit())
			}
			return nil
		}).Error
	})
	return out, err
}

func (s *VariantUnitStore) FindByIdentifiers(ctx context.Context, identifiers []string) (map[string][]SerializedUnit, error) {
	out := make(map[string][]SerializedUnit, len(identifiers))
	if len(identifiers) == 0 {
		return out, nil
	}
	err := s.guard(func() error {
		var rows []ProductVariant
		if err := s.units(ctx).Where(normalizedColumn("identifier")+" IN ?", normalizeAll(identifiers)).Find(&rows).Error; err != nil {
			return err
		}
		for _, r := range rows {
			u := r.ToUnit()
			out[u.NormalizedIdentifier()] = append(out[u.NormalizedIdentifier()], u)
		}
		return nil
	})
	return out, err
}

func (s *VariantUnitStore) Get(ctx context.Context, id string) (*SerializedUnit, error) {
	var row ProductVariant
	err := s.guard(func() error {
		return s.units(ctx).Where("id = ?", id).First(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnitNotFound
	}
	if err != nil {
		return nil, err
	}
	u := row.ToUnit()
	return &u, nil
}

func (s *VariantUnitStore) UpdateValidation(ctx context.Context, updates []ValidationUpdate) error {
	return s.guard(func() error {
		return updateValidationStates(s.conn(ctx), &ProductVariant{}, updates)
	})
}

func (s *VariantUnitStore) InsertCopy(ctx context.Context, u SerializedUnit) error {
	row := variantFromUnit(u)
	err := s.guard(func() error {
		return s.conn(ctx).Create(&row).Error
	})
	if IsDuplicateKeyErr(err) {
		return ErrAlreadyPresent
	}
	return err
}

func (s *VariantUnitStore) SetLinkKey(ctx context.Context, id string, linkKey string) error {
	return s.guard(func() error {
		return setLinkKey(s.units(ctx), id, linkKey)
	})
}

func (s *VariantUnitStore) SetStatusByLinkKey(ctx context.Context, linkKey string, status UnitStatus, at time.Time) (int64, error) {
	var n int64
	err := s.guard(func() error {
		res := s.units(ctx).Where("link_key = ?", linkKey).Updates(statusUpdates(status, at, true))
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

func (s *VariantUnitStore) ApplyStatus(ctx context.Context, c StatusChange) (*SerializedUnit, bool, error) {
	var (
		unit    SerializedUnit
		created bool
	)
	err := s.guard(func() error {
		return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
			var row ProductVariant
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id = ? AND variant_type = ?", c.Id, VariantTypeIMEI).
				First(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				if !c.CreateIfMissing {
					return ErrUnitNotFound
				}
				row = variantFromUnit(unitFromChange(StoreVariant, c))
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
				created = true
				unit = row.ToUnit()
				return nil
			}
			if err != nil {
				return err
			}

			updates := statusUpdates(c.Status, c.At, true)
			if c.ParentId != nil && row.ParentVariantId == nil {
				updates["parent_variant_id"] = *c.ParentId
			}
			if c.Identifier != nil && row.UnitIdentifier() == nil {
				updates["identifier"] = *c.Identifier
			}
			if err := tx.Model(&ProductVariant{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return err
			}
			if err := tx.Where("id = ?", row.ID).First(&row).Error; err != nil {
				return err
			}
			unit = row.ToUnit()
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return &unit, created, nil
}

// LegacyUnitStore reads and writes units in the legacy inventory_items table.
type LegacyUnitStore struct {
	gormStore
}

func (s *LegacyUnitStore) Origin() StoreOrigin { return StoreLegacy }

func (s *LegacyUnitStore) units(ctx context.Context) *gorm.DB {
	return s.conn(ctx).Model(&InventoryItem{})
}

func (s *LegacyUnitStore) ListUnits(ctx context.Context, f UnitFilter) ([]SerializedUnit, error) {
	var out []SerializedUnit
	err := s.guard(func() error {
		q := s.units(ctx)
		if f.Identifier != "" {
			q = q.Where(normalizedColumn("serial_number")+" = ?", serial.Normalize(f.Identifier))
		}
		if f.ParentId != "" {
			q = q.Where("variant_id = ?", f.ParentId)
		}
		var batch []InventoryItem
		return q.FindInBatches(&batch, listBatchSize, func(tx *gorm.DB, _ int) error {
			for _, it := range batch {
				out = append(out, it.ToUnit())
			}
			return nil
		}).Error
	})
	return out, err
}

func (s *LegacyUnitStore) FindByIdentifiers(ctx context.Context, identifiers []string) (map[string][]SerializedUnit, error) {
	out := make(map[string][]SerializedUnit, len(identifiers))
	if len(identifiers) == 0 {
		return out, nil
	}
	err := s.guard(func() error {
		var rows []InventoryItem
		if err := s.units(ctx).Where(normalizedColumn("serial_number")+" IN ?", normalizeAll(identifiers)).Find(&rows).Error; err != nil {
			return err
		}
		for _, r := range rows {
			u := r.ToUnit()
			out[u.NormalizedIdentifier()] = append(out[u.NormalizedIdentifier()], u)
		}
		return nil
	})
	return out, err
}

func (s *LegacyUnitStore) Get(ctx context.Context, id string) (*SerializedUnit, error) {
	var row InventoryItem
	err := s.guard(func() error {
		return s.units(ctx).Where("id = ?", id).First(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnitNotFound
	}
	if err != nil {
		return nil, err
	}
	u := row.ToUnit()
	return &u, nil
}

func (s *LegacyUnitStore) UpdateValidation(ctx context.Context, updates []ValidationUpdate) error {
	return s.guard(func() error {
		return updateValidationStates(s.conn(ctx), &InventoryItem{}, updates)
	})
}

func (s *LegacyUnitStore) InsertCopy(ctx context.Context, u SerializedUnit) error {
	row := inventoryItemFromUnit(u)
	err := s.guard(func() error {
		return s.conn(ctx).Create(&row).Error
	})
	if IsDuplicateKeyErr(err) {
		return ErrAlreadyPresent
	}
	return err
}

func (s *LegacyUnitStore) SetLinkKey(ctx context.Context, id string, linkKey string) error {
	return s.guard(func() error {
		return setLinkKey(s.units(ctx), id, linkKey)
	})
}

func (s *LegacyUnitStore) SetStatusByLinkKey(ctx context.Context, linkKey string, status UnitStatus, at time.Time) (int64, error) {
	var n int64
	err := s.guard(func() error {
		res := s.units(ctx).Where("link_key = ?", linkKey).Updates(statusUpdates(status, at, false))
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

func (s *LegacyUnitStore) ApplyStatus(ctx context.Context, c StatusChange) (*SerializedUnit, bool, error) {
	var (
		unit    SerializedUnit
		created bool
	)
	err := s.guard(func() error {
		return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
			var row InventoryItem
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", c.Id).First(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				if !c.CreateIfMissing {
					return ErrUnitNotFound
				}
				row = inventoryItemFromUnit(unitFromChange(StoreLegacy, c))
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
				created = true
				unit = row.ToUnit()
				return nil
			}
			if err != nil {
				return err
			}

			updates := statusUpdates(c.Status, c.At, false)
			if c.ParentId != nil && row.VariantId == nil {
				updates["variant_id"] = *c.ParentId
			}
			if c.Identifier != nil && row.UnitIdentifier() == nil {
				updates["serial_number"] = *c.Identifier
			}
			if err := tx.Model(&InventoryItem{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return err
			}
			if err := tx.Where("id = ?", row.ID).First(&row).Error; err != nil {
				return err
			}
			unit = row.ToUnit()
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return &unit, created, nil
}

func updateValidationStates(db *gorm.DB, model interface{}, updates []ValidationUpdate) error {
	for start := 0; start < len(updates); start += listBatchSize {
		end := min(start+listBatchSize, len(updates))
		err := db.Transaction(func(tx *gorm.DB) error {
			for _, u := range updates[start:end] {
				if err := tx.Model(model).Where("id = ?", u.Id).Updates(map[string]interface{}{
					"validation_state":  u.State,
					"validation_reason": u.Reason,
				}).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func setLinkKey(q *gorm.DB, id string, linkKey string) error {
	// RowsAffected is 0 both for a missing row and an unchanged key, so it is not checked.
	return q.Where("id = ?", id).Update("link_key", linkKey).Error
}

func statusUpdates(status UnitStatus, at time.Time, hasActiveFlag bool) map[string]interface{} {
	updates := map[string]interface{}{"status": status}
	if hasActiveFlag {
		updates["is_active"] = status == UnitStatusActive
	}
	if status == UnitStatusSold || status == UnitStatusReturned {
		updates["last_activity_at"] = at
	}
	return updates
}

func unitFromChange(store StoreOrigin, c StatusChange) SerializedUnit {
	u := SerializedUnit{
		Id:            c.Id,
		Store:         store,
		ProductId:     c.ProductId,
		Identifier:    c.Identifier,
		OwnerParentId: c.ParentId,
		Status:        c.Status,
		CreatedAt:     c.At,
	}
	if c.Status == UnitStatusSold || c.Status == UnitStatusReturned {
		at := c.At
		u.LastActivityAt = &at
	}
	return u
}

// identifierTrimPattern matches the leading and trailing whitespace that
// serial.Normalize drops, so stored values compare equal on both sides.
const identifierTrimPattern = `^[[:space:]]+|[[:space:]]+$`

func normalizedColumn(col string) string {
	return "UPPER(REGEXP_REPLACE(" + col + ", '" + identifierTrimPattern + "', ''))"
}

func normalizeAll(identifiers []string) []string {
	out := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		if n := serial.Normalize(id); n != "" {
			out = append(out, n)
		}
	}
	return out
}
