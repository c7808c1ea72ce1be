package inventory

import (
	"context"
	"errors"
	"fmt"
)

// Stock is the transaction-scoped view of product stock. Every call made through one Stock
// value commits or rolls back together with the order writes of the same transaction.
type Stock interface {
	// LockProduct returns the product and holds a row lock on it until the transaction ends.
	LockProduct(ctx context.Context, productID int64) (Product, error)
	// DecrementStock subtracts qty only if the current stock covers it.
	DecrementStock(ctx context.Context, productID int64, qty int) (applied bool, err error)
	IncrementStock(ctx context.Context, productID int64, qty int) error
}

type Availability struct {
	Available   bool
	UnitPrice   int64
	ProductName string
	InStock     int
}

// Ledger owns the stock counters. It keeps no state of its own; the Stock handed in decides
// which transaction a call belongs to.
type Ledger struct{}

func (Ledger) CheckAvailability(ctx context.Context, s Stock, productID int64, qty int) (Availability, error) {
	if qty < 1 {
		return Availability{}, ErrInvalidQuantity
	}

	p, err := s.LockProduct(ctx, productID)
	if err != nil {
		return Availability{}, fmt.Errorf("s.LockProduct: %w", err)
	}
	if !p.Active() {
		return Availability{}, fmt.Errorf("product %d is %s: %w", productID, p.Status, ErrProductNotFound)
	}

	return Availability{
		Available:   p.Stock >= qty,
		UnitPrice:   p.PriceMinor,
		ProductName: p.Name,
		InStock:     p.Stock,
	}, nil
}

func (Ledger) Reserve(ctx context.Context, s Stock, productID int64, qty int) error {
	if qty < 1 {
		return ErrInvalidQuantity
	}

	applied, err := s.DecrementStock(ctx, productID, qty)
	if err != nil {
		return fmt.Errorf("s.DecrementStock: %w", err)
	}
	if applied {
		return nil
	}

	// nothing was written; read back what blocked the decrement
	p, err := s.LockProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("s.LockProduct: %w", err)
	}
	return &InsufficientStockError{
		ProductID:   productID,
		ProductName: p.Name,
		Available:   p.Stock,
		Requested:   qty,
	}
}

// Restore must be called once per line of a cancelled order; it is not idempotent.
func (Ledger) Restore(ctx context.Context, s Stock, productID int64, qty int) error {
	if qty < 1 {
		return ErrInvalidQuantity
	}
	if err := s.IncrementStock(ctx, productID, qty); err != nil {
		return fmt.Errorf("s.IncrementStock: %w", err)
	}
	return nil
}

// IsUnavailable reports whether err means the product cannot be sold at all.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrProductNotFound)
}
