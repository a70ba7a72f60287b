package models

import (
	"encoding/json"
	"errors"
	"strings"
)

type UnitStatus string

const (
	UnitStatusActive   UnitStatus = "active"
	UnitStatusSold     UnitStatus = "sold"
	UnitStatusReturned UnitStatus = "returned"
	UnitStatusDamaged  UnitStatus = "damaged"
)

func (s UnitStatus) IsValid() bool {
	switch s {
	case UnitStatusActive, UnitStatusSold, UnitStatusReturned, UnitStatusDamaged:
		return true
	}
	return false
}

// Terminal statuses remove a unit from active counts for good.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusSold || s == UnitStatusDamaged
}

func (s *UnitStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("unit status must be string")
	}
	v := UnitStatus(strings.ToLower(strings.TrimSpace(str)))
	if !v.IsValid() {
		return errors.New("invalid unit status")
	}
	*s = v
	return nil
}

type StoreOrigin string

const (
	StoreLegacy  StoreOrigin = "legacy"
	StoreVariant StoreOrigin = "variant"
)

func (s StoreOrigin) IsValid() bool {
	return s == StoreLegacy || s == StoreVariant
}

// Table returns the physical table behind a store.
func (s StoreOrigin) Table() string {
	switch s {
	case StoreLegacy:
		return TableInventoryItems
	case StoreVariant:
		return TableProductVariants
	}
	return ""
}

func (s StoreOrigin) Other() StoreOrigin {
	if s == StoreLegacy {
		return StoreVariant
	}
	return StoreLegacy
}

// StoreFromTable accepts either a table name or a store name.
func StoreFromTable(name string) (StoreOrigin, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case TableInventoryItems, string(StoreLegacy):
		return StoreLegacy, true
	case TableProductVariants, "lats_product_variants", string(StoreVariant):
		return StoreVariant, true
	}
	return "", false
}

type VariantType string

const (
	VariantTypeStandard VariantType = "standard"
	VariantTypeParent   VariantType = "parent"
	VariantTypeIMEI     VariantType = "imei_child"
)

const (
	TableInventoryItems  = "inventory_items"
	TableProductVariants = "product_variants"
)
