package domain

import (
	"errors"
	"testing"
)

func TestProductValidate(t *testing.T) {
	product := Product{ID: "product-1", Name: "Widget", PriceMinor: 100, Quantity: 5}
	if errs := product.Validate(); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestProductValidate_Invalid(t *testing.T) {
	product := Product{ID: "product-1", Name: "", PriceMinor: -1, Quantity: -2}

	errs := product.Validate()
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %v", errs)
	}
	if !errors.Is(errs[0], ErrProductNameRequired) {
		t.Fatalf("expected ErrProductNameRequired first, got %v", errs[0])
	}
}
