// Package serial holds the identifier rules shared by the bulk reconciliation
// engine and the real-time intake paths. Nothing here touches storage.
package serial

import (
	"strings"
	"unicode/utf8"
)

type Status string

const (
	StatusValid     Status = "valid"
	StatusInvalid   Status = "invalid"
	StatusDuplicate Status = "duplicate"
	StatusEmpty     Status = "empty"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusValid, StatusInvalid, StatusDuplicate, StatusEmpty:
		return true
	}
	return false
}

// Quarantined reports whether units in this state must not be sold or synchronized.
func (s Status) Quarantined() bool {
	return s != StatusValid
}

const (
	ReasonOK          = "ok"
	ReasonEmptyOrNull = "empty_or_null"
	ReasonTooShort    = "too_short"
	ReasonTooLong     = "too_long"
	ReasonNonNumeric  = "non_numeric"

	// duplicate reasons are "duplicate_of:<survivor ref>"
	ReasonDuplicateOfPrefix = "duplicate_of:"
)

const (
	MinLength = 15
	MaxLength = 17
)

type Classification struct {
	Status Status `json:"status"`
	Reason string `json:"reason"`
}

// Classify applies the format policy to a raw identifier.
// Length is measured in characters after trimming surrounding whitespace.
func Classify(identifier string) Classification {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return Classification{Status: StatusEmpty, Reason: ReasonEmptyOrNull}
	}

	n := utf8.RuneCountInString(trimmed)
	switch {
	case n < MinLength:
		return Classification{Status: StatusInvalid, Reason: ReasonTooShort}
	case n > MaxLength:
		return Classification{Status: StatusInvalid, Reason: ReasonTooLong}
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return Classification{Status: StatusInvalid, Reason: ReasonNonNumeric}
		}
	}
	return Classification{Status: StatusValid, Reason: ReasonOK}
}

// ClassifyPtr treats a nil identifier as empty.
func ClassifyPtr(identifier *string) Classification {
	if identifier == nil {
		return Classification{Status: StatusEmpty, Reason: ReasonEmptyOrNull}
	}
	return Classify(*identifier)
}

// Normalize returns the comparison key for an identifier: trimmed and upper-cased.
// An empty result means the identifier cannot take part in uniqueness checks.
func Normalize(identifier string) string {
	return strings.ToUpper(strings.TrimSpace(identifier))
}

func NormalizePtr(identifier *string) string {
	if identifier == nil {
		return ""
	}
	return Normalize(*identifier)
}

func DuplicateReason(survivorRef string) string {
	return ReasonDuplicateOfPrefix + survivorRef
}
