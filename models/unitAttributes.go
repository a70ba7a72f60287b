package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// UnitAttributes is the typed form of the per-unit attribute bag.
// Known keys map to named fields; anything else is kept in Extra and written
// back unchanged.
type UnitAttributes struct {
	IMEI          *string
	IMEIStatus    *string
	SerialNumber  *string
	CustomerName  *string
	CustomerPhone *string
	Condition     *string
	Color         *string
	Storage       *string
	Notes         *string
	Extra         map[string]string
}

func (a *UnitAttributes) known() map[string]**string {
	return map[string]**string{
		"imei":           &a.IMEI,
		"imei_status":    &a.IMEIStatus,
		"serial_number":  &a.SerialNumber,
		"customer_name":  &a.CustomerName,
		"customer_phone": &a.CustomerPhone,
		"condition":      &a.Condition,
		"color":          &a.Color,
		"storage":        &a.Storage,
		"notes":          &a.Notes,
	}
}

func (a UnitAttributes) IsZero() bool {
	for _, f := range a.known() {
		if *f != nil {
			return false
		}
	}
	return len(a.Extra) == 0
}

func (a UnitAttributes) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(a.Extra)+4)
	for k, v := range a.Extra {
		out[k] = v
	}
	for k, f := range a.known() {
		if *f != nil {
			out[k] = **f
		}
	}
	return json.Marshal(out)
}

func (a *UnitAttributes) UnmarshalJSON(b []byte) error {
	*a = UnitAttributes{}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("unit attributes: %w", err)
	}
	fields := a.known()
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, isNull := rawToString(raw[k])
		if f, ok := fields[strings.ToLower(k)]; ok {
			if isNull {
				continue
			}
			s := v
			*f = &s
			continue
		}
		if isNull {
			continue
		}
		if a.Extra == nil {
			a.Extra = map[string]string{}
		}
		a.Extra[k] = v
	}
	return nil
}

// rawToString keeps strings as-is and any other JSON value as its literal text.
func rawToString(raw json.RawMessage) (string, bool) {
	t := strings.TrimSpace(string(raw))
	if t == "null" || t == "" {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, false
	}
	return t, false
}

func (a UnitAttributes) Value() (driver.Value, error) {
	if a.IsZero() {
		return "{}", nil
	}
	b, err := a.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (a *UnitAttributes) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*a = UnitAttributes{}
		return nil
	case []byte:
		return a.UnmarshalJSON(v)
	case string:
		return a.UnmarshalJSON([]byte(v))
	default:
		return errors.New("unit attributes: unsupported scan type")
	}
}

func (UnitAttributes) GormDataType() string {
	return "json"
}
