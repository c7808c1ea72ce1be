package orders

import (
	"context"

	"github.com/ariefcatur/go-shop-orders/internal/inventory"
	kafkago "github.com/segmentio/kafka-go"
)

// Tx is the write side of one unit of work. Everything done through it commits or rolls back
// together.
type Tx interface {
	inventory.Stock

	// InsertOrder stores the order header and returns its id. Lines are ignored.
	InsertOrder(ctx context.Context, o Order) (int64, error)
	// InsertLines stores all lines of an order in one round trip.
	InsertLines(ctx context.Context, orderID int64, lines []Line) error
	SetPaymentLink(ctx context.Context, orderID int64, link string) error
	// LockOrder returns the order with its lines and holds it against concurrent writers.
	LockOrder(ctx context.Context, orderID int64) (Order, error)
	UpdateStatus(ctx context.Context, orderID int64, status Status) error
}

// Store returns ErrNotFound for missing orders and inventory.ErrProductNotFound for missing
// products.
type Store interface {
	// WithTx runs fn in a transaction. fn returning an error, or panicking, rolls it back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Order(ctx context.Context, orderID int64) (Order, error)
	OrderStatus(ctx context.Context, orderID int64) (Status, error)
	// ListOrders returns one page of orders, newest first, and the number of matching orders.
	ListOrders(ctx context.Context, f ListFilter) ([]Order, int, error)
	ListProducts(ctx context.Context) ([]inventory.Product, error)
}

type LinkBuilder interface {
	Link(totalMinor int64, orderID int64) string
}

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}
