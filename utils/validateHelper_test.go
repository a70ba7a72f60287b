package utils

import (
	"strings"
	"testing"
)

type triggerPayload struct {
	Identifier string `validate:"omitempty,max=8"`
	Source     string `validate:"required"`
}

func TestValidateStruct(t *testing.T) {
	if err := ValidateStruct(triggerPayload{Source: "pos"}); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	err := ValidateStruct(triggerPayload{Identifier: "123456789"})
	if err == nil {
		t.Fatalf("expected an error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "Identifier: max") || !strings.Contains(msg, "Source: required") {
		t.Fatalf("unexpected message %q", msg)
	}
	if strings.Index(msg, "Identifier") > strings.Index(msg, "Source") {
		t.Fatalf("fields should be listed in name order: %q", msg)
	}
}
