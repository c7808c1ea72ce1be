package orders

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ariefcatur/go-shop-orders/internal/inventory"
)

var (
	ErrValidation         = errors.New("orders: validation failed")
	ErrProductUnavailable = errors.New("orders: product unavailable")
	ErrInsufficientStock  = inventory.ErrInsufficientStock
	ErrNotFound           = errors.New("orders: order not found")
	ErrForbidden          = errors.New("orders: forbidden")
	ErrInvalidTransition  = errors.New("orders: invalid status transition")
	ErrStorage            = errors.New("orders: storage failure")
)

// ValidationError lists every rejected input field with a message for each.
type ValidationError struct {
	Problems map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Problems))
	for k := range e.Problems {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Problems[k])
	}
	return "validation: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type ProductUnavailableError struct {
	ProductID int64
}

func (e *ProductUnavailableError) Error() string {
	return fmt.Sprintf("product %d is not available", e.ProductID)
}

func (e *ProductUnavailableError) Unwrap() error { return ErrProductUnavailable }

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var domainErrors = []error{
	ErrValidation,
	ErrProductUnavailable,
	ErrInsufficientStock,
	ErrNotFound,
	ErrForbidden,
	ErrInvalidTransition,
	ErrStorage,
}

// classify leaves domain errors as they are and marks everything else as a storage failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, inventory.ErrInvalidQuantity) {
		return &ValidationError{Problems: map[string]string{"quantity": err.Error()}}
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// Code is the short machine-readable outcome used in logs, span status and API error bodies.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_FAILED"
	case errors.Is(err, ErrProductUnavailable):
		return "PRODUCT_UNAVAILABLE"
	case errors.Is(err, ErrInsufficientStock):
		return "INSUFFICIENT_STOCK"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	default:
		return "STORAGE_FAILURE"
	}
}
