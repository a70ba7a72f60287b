package config

import (
	"context"
	"errors"
	"strings"

	"github.com/mmdatafocus/imei_backend/appctx"
	"gorm.io/gorm"
)

var ErrUnitHardDelete = errors.New("serialized units are never hard-deleted; move them to a terminal status instead")

// ProtectedUnitTables are the two physical stores of serialized units.
var ProtectedUnitTables = []string{"inventory_items", "product_variants"}

// UnitRetentionGuardPlugin rejects gorm deletes against the unit stores.
// Sold and damaged units stay in place for audit.
//
// NOTE:
// - This does NOT apply to Raw/Exec SQL.
// - Internal maintenance bypass is explicit via appctx.ContextKeyAllowUnitDelete.
type UnitRetentionGuardPlugin struct {
	tables []string
}

func NewUnitRetentionGuardPlugin(tables ...string) *UnitRetentionGuardPlugin {
	if len(tables) == 0 {
		tables = ProtectedUnitTables
	}
	return &UnitRetentionGuardPlugin{tables: tables}
}

func (p *UnitRetentionGuardPlugin) Name() string { return "unit_retention_guard" }

func (p *UnitRetentionGuardPlugin) Initialize(db *gorm.DB) error {
	return db.Callback().Delete().Before("gorm:delete").Register("unit_retention_guard:delete", p.deleteCallback)
}

func (p *UnitRetentionGuardPlugin) deleteCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	if allowUnitDelete(db.Statement.Context) {
		return
	}
	table := db.Statement.Table
	if table == "" && db.Statement.Schema != nil {
		table = db.Statement.Schema.Table
	}
	for _, t := range p.tables {
		if strings.EqualFold(t, table) {
			_ = db.AddError(ErrUnitHardDelete)
			return
		}
	}
}

func allowUnitDelete(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, ok := appctx.GetBool(ctx, appctx.ContextKeyAllowUnitDelete)
	return ok && v
}
