package models

import (
	"time"

	"github.com/mmdatafocus/imei_backend/serial"
)

// SerializedUnit is the store-independent view of one physical unit.
type SerializedUnit struct {
	Id               string         `json:"id"`
	Store            StoreOrigin    `json:"store"`
	ProductId        string         `json:"product_id"`
	Identifier       *string        `json:"identifier"`
	OwnerParentId    *string        `json:"owner_parent_id"`
	Status           UnitStatus     `json:"status"`
	ValidationState  serial.Status  `json:"validation_state"`
	ValidationReason string         `json:"validation_reason"`
	LinkKey          *string        `json:"link_key,omitempty"`
	SyncIdentity     *string        `json:"sync_identity,omitempty"`
	Attributes       UnitAttributes `json:"attributes"`
	LastActivityAt   *time.Time     `json:"last_activity_at"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Ref identifies the record across both stores, e.g. "variant:<id>".
func (u SerializedUnit) Ref() string {
	return UnitRef(u.Store, u.Id)
}

func UnitRef(store StoreOrigin, id string) string {
	return string(store) + ":" + id
}

func (u SerializedUnit) NormalizedIdentifier() string {
	return serial.NormalizePtr(u.Identifier)
}

func (u SerializedUnit) ParentId() string {
	if u.OwnerParentId == nil {
		return ""
	}
	return *u.OwnerParentId
}

func (u SerializedUnit) LinkKeyValue() string {
	if u.LinkKey == nil {
		return ""
	}
	return *u.LinkKey
}

func (u SerializedUnit) DisplayName() string {
	if u.Identifier != nil && *u.Identifier != "" {
		return "IMEI " + *u.Identifier
	}
	return "Serialized unit"
}

// ParentSku is the aggregate bucket that owns serialized units.
type ParentSku struct {
	Id               string     `json:"id"`
	ProductId        string     `json:"product_id"`
	Name             string     `json:"name"`
	Sku              string     `json:"sku"`
	DeclaredQuantity int        `json:"declared_quantity"`
	IsSerialized     bool       `json:"is_serialized"`
	SerializedSince  *time.Time `json:"serialized_since"`
	LastReconciledAt *time.Time `json:"last_reconciled_at"`
}

type UnitFilter struct {
	// Identifier is compared after normalization; empty means all units.
	Identifier string
	ParentId   string
}

type ValidationUpdate struct {
	Id     string
	State  serial.Status
	Reason string
}

type StatusChange struct {
	Id         string
	Identifier *string
	ProductId  string
	ParentId   *string
	Status     UnitStatus
	At         time.Time
	// CreateIfMissing inserts the unit when Id is unknown (intake).
	CreateIfMissing bool
}
