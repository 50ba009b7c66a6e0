package utils

import (
	"testing"

	"github.com/go-playground/validator/v10"
)

func TestProcessValidationErrors_MapsFieldToTag(t *testing.T) {
	type payload struct {
		Reason string `validate:"required"`
		Qty    int    `validate:"min=1"`
	}
	err := validator.New().Struct(&payload{})
	if err == nil {
		t.Fatal("expected validation failures")
	}
	out := ProcessValidationErrors(err)
	if out["Reason"] != "required" {
		t.Fatalf("Reason tag = %q, want required", out["Reason"])
	}
	if out["Qty"] != "min" {
		t.Fatalf("Qty tag = %q, want min", out["Qty"])
	}
}

func TestNilIfEmpty(t *testing.T) {
	if NilIfEmpty("") != nil {
		t.Fatal("empty string should map to nil")
	}
	got := NilIfEmpty("quality_issue")
	if got == nil || *got != "quality_issue" {
		t.Fatalf("non-empty string should round-trip, got %v", got)
	}
	if NilIfEmpty(0) != nil {
		t.Fatal("zero int should map to nil")
	}
}
