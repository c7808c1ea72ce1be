package inventory

import (
	"errors"
	"fmt"
	"time"
)

type ProductStatus string

const (
	ProductActive   ProductStatus = "active"
	ProductInactive ProductStatus = "inactive"
)

// Product prices are integer minor currency units (paise, cents).
type Product struct {
	ID         int64         `json:"id"`
	Name       string        `json:"name"`
	PriceMinor int64         `json:"price"`
	Stock      int           `json:"current_stock"`
	Status     ProductStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func (p Product) Active() bool { return p.Status == ProductActive }

var (
	ErrProductNotFound   = errors.New("inventory: product not found")
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	ErrInvalidQuantity   = errors.New("inventory: quantity must be greater than zero")
)

// InsufficientStockError reports the stock seen when a reservation could not be satisfied.
type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Available   int
	Requested   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %q: available %d, requested %d",
		e.ProductName, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }
