package models

import (
	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	err := db.AutoMigrate(
		&ProductVariant{}, &InventoryItem{},
		&ValidationRecord{}, &ParentQuantityDrift{},
		&ReconciliationRun{}, &ReconciliationSkip{},
		&IdempotencyKey{},
	)
	if err != nil {
		return err
	}
	return backfillVariantIdentifiers(db)
}

// Older child rows kept the IMEI only inside the attribute bag.
func backfillVariantIdentifiers(db *gorm.DB) error {
	return db.Exec(`UPDATE product_variants
		SET identifier = JSON_UNQUOTE(JSON_EXTRACT(attributes, '$.imei'))
		WHERE variant_type = ? AND identifier IS NULL
		AND JSON_EXTRACT(attributes, '$.imei') IS NOT NULL`, VariantTypeIMEI).Error
}
