package models

import (
	"time"

	"github.com/mmdatafocus/imei_backend/serial"
)

// ProductVariant holds both parent SKUs (variant_type parent/standard) and their
// serialized children (variant_type imei_child) in the variant store.
type ProductVariant struct {
	ID               string         `gorm:"type:char(36);primaryKey" json:"id"`
	ProductId        string         `gorm:"type:char(36);index;not null" json:"product_id"`
	ParentVariantId  *string        `gorm:"type:char(36);index" json:"parent_variant_id"`
	VariantType      VariantType    `gorm:"size:20;not null;default:standard;index" json:"variant_type"`
	Name             string         `gorm:"size:255" json:"name"`
	Sku              string         `gorm:"size:100;index" json:"sku"`
	Quantity         int            `gorm:"not null;default:0" json:"quantity"`
	IsActive         bool           `gorm:"not null;default:true" json:"is_active"`
	IsSerialized     bool           `gorm:"not null;default:false;index" json:"is_serialized"`
	SerializedSince  *time.Time     `json:"serialized_since"`
	LastReconciledAt *time.Time     `json:"last_reconciled_at"`
	Identifier       *string        `gorm:"size:64;index" json:"identifier"`
	Status           UnitStatus     `gorm:"size:20;index" json:"status"`
	ValidationState  serial.Status  `gorm:"size:20;index" json:"validation_state"`
	ValidationReason string         `gorm:"size:128" json:"validation_reason"`
	LinkKey          *string        `gorm:"type:char(36);index" json:"link_key"`
	SyncIdentity     *string        `gorm:"size:64;uniqueIndex" json:"sync_identity"`
	Attributes       UnitAttributes `gorm:"type:json" json:"attributes"`
	LastActivityAt   *time.Time     `json:"last_activity_at"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ProductVariant) TableName() string { return TableProductVariants }

func (v ProductVariant) IsUnit() bool {
	return v.VariantType == VariantTypeIMEI
}

// UnitIdentifier prefers the identifier column and falls back to the imei
// attribute that older rows carried.
func (v ProductVariant) UnitIdentifier() *string {
	if v.Identifier != nil {
		return v.Identifier
	}
	return v.Attributes.IMEI
}

func (v ProductVariant) ToUnit() SerializedUnit {
	return SerializedUnit{
		Id:               v.ID,
		Store:            StoreVariant,
		ProductId:        v.ProductId,
		Identifier:       v.UnitIdentifier(),
		OwnerParentId:    v.ParentVariantId,
		Status:           v.Status,
		ValidationState:  v.ValidationState,
		ValidationReason: v.ValidationReason,
		LinkKey:          v.LinkKey,
		SyncIdentity:     v.SyncIdentity,
		Attributes:       v.Attributes,
		LastActivityAt:   v.LastActivityAt,
		CreatedAt:        v.CreatedAt,
	}
}

func (v ProductVariant) ToParent() ParentSku {
	return ParentSku{
		Id:               v.ID,
		ProductId:        v.ProductId,
		Name:             v.Name,
		Sku:              v.Sku,
		DeclaredQuantity: v.Quantity,
		IsSerialized:     v.IsSerialized,
		SerializedSince:  v.SerializedSince,
		LastReconciledAt: v.LastReconciledAt,
	}
}

func variantFromUnit(u SerializedUnit) ProductVariant {
	return ProductVariant{
		ID:               u.Id,
		ProductId:        u.ProductId,
		ParentVariantId:  u.OwnerParentId,
		VariantType:      VariantTypeIMEI,
		Name:             u.DisplayName(),
		Quantity:         1,
		IsActive:         u.Status == UnitStatusActive,
		Identifier:       u.Identifier,
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
