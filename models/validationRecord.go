package models

import (
	"time"

	"github.com/mmdatafocus/imei_backend/serial"
)

// ValidationRecord is one Validation Ledger row. Identifier is the normalized
// identifier and is unique across both stores.
type ValidationRecord struct {
	ID             uint          `gorm:"primary_key" json:"id"`
	Identifier     string        `gorm:"size:64;not null;uniqueIndex" json:"identifier"`
	Status         serial.Status `gorm:"size:20;not null;index" json:"status"`
	Reason         string        `gorm:"size:128" json:"reason"`
	SourceTable    string        `gorm:"size:64;index" json:"source_table"`
	SourceId       string        `gorm:"size:64" json:"source_id"`
	DuplicateCount int           `gorm:"not null;default:0" json:"duplicate_count"`
	LastRunId      string        `gorm:"size:36" json:"last_run_id"`
	LastCheckedAt  time.Time     `gorm:"index" json:"last_checked_at"`
}

func (ValidationRecord) TableName() string { return "imei_validations" }

type LedgerFilter struct {
	Status      serial.Status
	SourceTable string
	Limit       int
	Offset      int
}
