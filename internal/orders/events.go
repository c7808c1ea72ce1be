package orders

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderCancelled     = "OrderCancelled"
	EventOrderStatusChanged = "OrderStatusChanged"

	EventVersion = 1
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type ItemQty struct {
	ProductID int64 `json:"product_id"`
	Qty       int   `json:"qty"`
}

type ItemPrice struct {
	ProductID  int64 `json:"product_id"`
	Qty        int   `json:"qty"`
	PriceMinor int64 `json:"price_minor"`
}

type OrderCreatedPayload struct {
	OrderID       int64         `json:"order_id"`
	UserID        *int64        `json:"user_id,omitempty"`
	Items         []ItemPrice   `json:"items"`
	TotalMinor    int64         `json:"total_minor"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	Status        Status        `json:"status"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type OrderCancelledPayload struct {
	OrderID   int64     `json:"order_id"`
	From      Status    `json:"from"`
	Restored  []ItemQty `json:"restored"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type OrderStatusChangedPayload struct {
	OrderID   int64     `json:"order_id"`
	From      Status    `json:"from"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusUpdate is the status an event leaves its order in, stamped with the row's updated_at.
type StatusUpdate struct {
	OrderID   int64
	Status    Status
	UpdatedAt time.Time
}

// StatusOf extracts the StatusUpdate carried by an event. Events without an updated_at fall back
// to OccurredAt. A zero OrderID means the event carries no status.
func StatusOf(env Envelope) (StatusUpdate, error) {
	var (
		u   StatusUpdate
		err error
	)
	switch env.EventType {
	case EventOrderCreated:
		p, perr := kafkax.UnwrapPayload[OrderCreatedPayload](env.Payload)
		u, err = StatusUpdate{OrderID: p.OrderID, Status: p.Status, UpdatedAt: p.UpdatedAt}, perr
	case EventOrderCancelled:
		p, perr := kafkax.UnwrapPayload[OrderCancelledPayload](env.Payload)
		u, err = StatusUpdate{OrderID: p.OrderID, Status: p.Status, UpdatedAt: p.UpdatedAt}, perr
	case EventOrderStatusChanged:
		p, perr := kafkax.UnwrapPayload[OrderStatusChangedPayload](env.Payload)
		u, err = StatusUpdate{OrderID: p.OrderID, Status: p.Status, UpdatedAt: p.UpdatedAt}, perr
	default:
		return StatusUpdate{}, nil
	}
	if err != nil {
		return StatusUpdate{}, err
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = env.OccurredAt
	}
	return u, nil
}

func newEnvelope(producer, eventType, traceID string, orderID int64, payload any) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  EventVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: strconv.FormatInt(orderID, 10),
		Payload:       kafkax.MustMarshal(payload),
	}
}

func eventHeaders(eventType string) []kafkago.Header {
	return []kafkago.Header{
		{Key: "x-event-type", Value: []byte(eventType)},
		{Key: "x-event-version", Value: []byte(strconv.Itoa(EventVersion))},
	}
}

func createdPayload(o Order) OrderCreatedPayload {
	items := make([]ItemPrice, 0, len(o.Lines))
	for _, l := range o.Lines {
		items = append(items, ItemPrice{ProductID: l.ProductID, Qty: l.Quantity, PriceMinor: l.UnitPrice})
	}
	return OrderCreatedPayload{
		OrderID:       o.ID,
		UserID:        o.UserID,
		Items:         items,
		TotalMinor:    o.TotalAmount,
		PaymentMethod: o.PaymentMethod,
		Status:        o.Status,
		UpdatedAt:     o.UpdatedAt,
	}
}

func statusChangedPayload(o Order, from Status) OrderStatusChangedPayload {
	return OrderStatusChangedPayload{OrderID: o.ID, From: from, Status: o.Status, UpdatedAt: o.UpdatedAt}
}
