package models

import "time"

// ParentQuantityDrift is the audit row written for every parent quantity correction.
type ParentQuantityDrift struct {
	ID                uint      `gorm:"primary_key" json:"id"`
	ParentId          string    `gorm:"type:char(36);index;not null" json:"parent_id"`
	RunId             string    `gorm:"size:36;index" json:"run_id"`
	PreviousQuantity  int       `gorm:"not null" json:"previous_quantity"`
	CorrectedQuantity int       `gorm:"not null" json:"corrected_quantity"`
	ChildCount        int       `gorm:"not null" json:"child_count"`
	CorrectedAt       time.Time `gorm:"index;not null" json:"corrected_at"`
}

func (d ParentQuantityDrift) Drift() int {
	return d.CorrectedQuantity - d.PreviousQuantity
}
