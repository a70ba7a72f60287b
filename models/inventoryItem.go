package models

import (
	"time"

	"github.com/mmdatafocus/imei_backend/serial"
)

// InventoryItem is the legacy flat store: one row per physical unit.
type InventoryItem struct {
	ID               string         `gorm:"type:char(36);primaryKey" json:"id"`
	ProductId        string         `gorm:"type:char(36);index;not null" json:"product_id"`
	VariantId        *string        `gorm:"type:char(36);index" json:"variant_id"`
	SerialNumber     *string        `gorm:"size:64;index" json:"serial_number"`
	Status           UnitStatus     `gorm:"size:20;not null;default:active;index" json:"status"`
	ValidationState  serial.Status  `gorm:"size:20;index" json:"validation_state"`
	ValidationReason string         `gorm:"size:128" json:"validation_reason"`
	LinkKey          *string        `gorm:"type:char(36);index" json:"link_key"`
	SyncIdentity     *string        `gorm:"size:64;uniqueIndex" json:"sync_identity"`
	Attributes       UnitAttributes `gorm:"type:json" json:"attributes"`
	LastActivityAt   *time.Time     `json:"last_activity_at"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (InventoryItem) TableName() string { return TableInventoryItems }

func (i InventoryItem) UnitIdentifier() *string {
	if i.SerialNumber != nil {
		return i.SerialNumber
	}
	return i.Attributes.IMEI
}

func (i InventoryItem) ToUnit() SerializedUnit {
	return SerializedUnit{
		Id:               i.ID,
		Store:            StoreLegacy,
		ProductId:        i.ProductId,
		Identifier:       i.UnitIdentifier(),
		OwnerParentId:    i.VariantId,
		Status:           i.Status,
		ValidationState:  i.ValidationState,
		ValidationReason: i.ValidationReason,
		LinkKey:          i.LinkKey,
		SyncIdentity:     i.SyncIdentity,
		Attributes:       i.Attributes,
		LastActivityAt:   i.LastActivityAt,
		CreatedAt:        i.CreatedAt,
	}
}

func inventoryItemFromUnit(u SerializedUnit) InventoryItem {
	return InventoryItem{
		ID:               u.Id,
		ProductId:        u.ProductId,
		VariantId:        u.OwnerParentId,
		SerialNumber:     u.Identifier,
		Status:           u.Status,
		ValidationState:  u.ValidationState,
		ValidationReason: u.ValidationReason,
		LinkKey:          u.LinkKey,
		SyncIdentity:     u.SyncIdentity,
		Attributes:       u.Attributes,
		LastActivityAt:   u.LastActivityAt,
		CreatedAt:        u.CreatedAt,
	}
}
