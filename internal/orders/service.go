package orders

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-shop-orders/internal/inventory"
	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/logging"
	"github.com/ariefcatur/go-shop-orders/internal/metrics"
)

const (
	useCaseSubmit    = "order.submit"
	useCaseCancel    = "order.cancel"
	useCaseProcess   = "order.process"
	useCaseSetStatus = "order.set_status"
	spanPrefix       = "UC."

	defaultPage  = 1
	defaultLimit = 10
	maxLimit     = 100
)

type Service struct {
	store    Store
	ledger   inventory.Ledger
	links    LinkBuilder
	pub      Publisher
	producer string
	log      *zap.Logger
	metrics  *metrics.Workflow
	tracer   trace.Tracer
}

type Option func(*Service)

func WithPublisher(p Publisher, producer string) Option {
	return func(s *Service) {
		s.pub = p
		s.producer = producer
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithMetrics(m *metrics.Workflow) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

func NewService(store Store, links LinkBuilder, opts ...Option) *Service {
	s := &Service{
		store:    store,
		links:    links,
		producer: "order-api",
		log:      zap.NewNop(),
		tracer:   otel.Tracer("github.com/ariefcatur/go-shop-orders/internal/orders"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// demand is the total quantity requested for one product across all cart lines.
type demand struct {
	productID int64
	qty       int
}

// Submit places an order. Stock checks, stock decrements, the order row and its lines are
// written in one transaction; any failure leaves the store untouched.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (_ Order, err error) {
	ctx, done := s.begin(ctx, useCaseSubmit)
	var placed Order
	defer func() { done(err, placed.ID) }()

	req = normalize(req)
	if err := validateSubmit(req); err != nil {
		return Order{}, err
	}

	// Products are locked in ascending id order so two carts sharing products cannot deadlock.
	wanted := aggregate(req.Items)

	err = s.store.WithTx(ctx, func(tx Tx) error {
		priced := make(map[int64]inventory.Availability, len(wanted))
		for _, d := range wanted {
			av, err := s.ledger.CheckAvailability(ctx, tx, d.productID, d.qty)
			if inventory.IsUnavailable(err) {
				return &ProductUnavailableError{ProductID: d.productID}
			}
			if err != nil {
				return fmt.Errorf("ledger.CheckAvailability: %w", err)
			}
			if !av.Available {
				return &inventory.InsufficientStockError{
					ProductID:   d.productID,
					ProductName: av.ProductName,
					Available:   av.InStock,
					Requested:   d.qty,
				}
			}
			priced[d.productID] = av
		}

		lines := lo.Map(req.Items, func(it CartLine, _ int) Line {
			av := priced[it.ProductID]
			return Line{
				ProductID:   it.ProductID,
				ProductName: av.ProductName,
				Quantity:    it.Quantity,
				UnitPrice:   av.UnitPrice,
			}
		})

		orderID, err := tx.InsertOrder(ctx, Order{
			UserID:          req.UserID,
			CustomerName:    req.Customer.Name,
			CustomerPhone:   req.Customer.Phone,
			CustomerEmail:   req.Customer.Email,
			ShippingAddress: req.Customer.ShippingAddress,
			Notes:           req.Notes,
			TotalAmount:     Total(lines),
			PaymentMethod:   req.PaymentMethod,
			Status:          StatusPending,
		})
		if err != nil {
			return fmt.Errorf("tx.InsertOrder: %w", err)
		}
		if err := tx.InsertLines(ctx, orderID, lines); err != nil {
			return fmt.Errorf("tx.InsertLines: %w", err)
		}

		for _, l := range lines {
			if err := s.ledger.Reserve(ctx, tx, l.ProductID, l.Quantity); err != nil {
				return fmt.Errorf("ledger.Reserve: %w", err)
			}
		}

		if req.PaymentMethod == PaymentUPI {
			link := s.links.Link(Total(lines), orderID)
			if err := tx.SetPaymentLink(ctx, orderID, link); err != nil {
				return fmt.Errorf("tx.SetPaymentLink: %w", err)
			}
		}

		placed, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("tx.LockOrder: %w", err)
		}
		return nil
	})
	if err != nil {
		placed = Order{}
		return Order{}, classify(err)
	}

	s.publish(ctx, EventOrderCreated, placed.ID, createdPayload(placed))
	return placed, nil
}

// Cancel restores the stock of every line and marks the order cancelled in one transaction.
func (s *Service) Cancel(ctx context.Context, orderID int64, by Actor) (_ Order, err error) {
	ctx, done := s.begin(ctx, useCaseCancel)
	defer func() { done(err, orderID) }()

	var (
		cancelled Order
		from      Status
	)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("tx.LockOrder: %w", err)
		}
		if !by.IsAdmin() && !by.Owns(o) {
			return ErrForbidden
		}
		from = o.Status
		cancelled, err = s.cancelLocked(ctx, tx, o)
		return err
	})
	if err != nil {
		return Order{}, classify(err)
	}

	s.publish(ctx, EventOrderCancelled, orderID, cancelledPayload(cancelled, from))
	return cancelled, nil
}

func (s *Service) cancelLocked(ctx context.Context, tx Tx, o Order) (Order, error) {
	if !o.Status.Cancellable() {
		return Order{}, &TransitionError{From: o.Status, To: StatusCancelled}
	}
	// same ascending product order as Submit, so a cancel and a submit never wait on each other
	for _, d := range aggregate(cartLines(o.Lines)) {
		if err := s.ledger.Restore(ctx, tx, d.productID, d.qty); err != nil {
			return Order{}, fmt.Errorf("ledger.Restore: %w", err)
		}
	}
	if err := tx.UpdateStatus(ctx, o.ID, StatusCancelled); err != nil {
		return Order{}, fmt.Errorf("tx.UpdateStatus: %w", err)
	}
	updated, err := tx.LockOrder(ctx, o.ID)
	if err != nil {
		return Order{}, fmt.Errorf("tx.LockOrder: %w", err)
	}
	return updated, nil
}

// Process is the admin action that starts fulfilment of a pending order.
func (s *Service) Process(ctx context.Context, orderID int64, by Actor) (_ Order, err error) {
	ctx, done := s.begin(ctx, useCaseProcess)
	defer func() { done(err, orderID) }()

	if !by.IsAdmin() {
		return Order{}, ErrForbidden
	}

	var (
		processed Order
		from      Status
	)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("tx.LockOrder: %w", err)
		}
		from = o.Status
		if o.Status != StatusPending {
			return &TransitionError{From: o.Status, To: StatusProcessing}
		}
		processed, err = s.moveLocked(ctx, tx, o, StatusProcessing)
		return err
	})
	if err != nil {
		return Order{}, classify(err)
	}

	s.publish(ctx, EventOrderStatusChanged, orderID, statusChangedPayload(processed, from))
	return processed, nil
}

// SetStatus is the admin override. It still follows the state machine, and a move to cancelled
// restores stock exactly like Cancel.
func (s *Service) SetStatus(ctx context.Context, orderID int64, target string, by Actor) (_ Order, err error) {
	ctx, done := s.begin(ctx, useCaseSetStatus)
	defer func() { done(err, orderID) }()

	if !by.IsAdmin() {
		return Order{}, ErrForbidden
	}
	to, err := ParseStatus(target)
	if err != nil {
		return Order{}, err
	}

	var (
		updated Order
		from    Status
	)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("tx.LockOrder: %w", err)
		}
		from = o.Status
		if to == StatusCancelled {
			updated, err = s.cancelLocked(ctx, tx, o)
			return err
		}
		if !CanTransition(o.Status, to) {
			return &TransitionError{From: o.Status, To: to}
		}
		updated, err = s.moveLocked(ctx, tx, o, to)
		return err
	})
	if err != nil {
		return Order{}, classify(err)
	}

	if to == StatusCancelled {
		s.publish(ctx, EventOrderCancelled, orderID, cancelledPayload(updated, from))
	} else {
		s.publish(ctx, EventOrderStatusChanged, orderID, statusChangedPayload(updated, from))
	}
	return updated, nil
}

func (s *Service) moveLocked(ctx context.Context, tx Tx, o Order, to Status) (Order, error) {
	if err := tx.UpdateStatus(ctx, o.ID, to); err != nil {
		return Order{}, fmt.Errorf("tx.UpdateStatus: %w", err)
	}
	updated, err := tx.LockOrder(ctx, o.ID)
	if err != nil {
		return Order{}, fmt.Errorf("tx.LockOrder: %w", err)
	}
	return updated, nil
}

// Get returns an order to its owner or to an admin.
func (s *Service) Get(ctx context.Context, orderID int64, by Actor) (Order, error) {
	o, err := s.store.Order(ctx, orderID)
	if err != nil {
		return Order{}, classify(fmt.Errorf("store.Order: %w", err))
	}
	if !by.IsAdmin() && !by.Owns(o) {
		return Order{}, ErrForbidden
	}
	return o, nil
}

// Status is the public lookup used to poll an order after checkout.
func (s *Service) Status(ctx context.Context, orderID int64) (Status, error) {
	st, err := s.store.OrderStatus(ctx, orderID)
	if err != nil {
		return "", classify(fmt.Errorf("store.OrderStatus: %w", err))
	}
	return st, nil
}

// List scopes non-admin callers to their own orders. Admins may filter by any user.
func (s *Service) List(ctx context.Context, f ListFilter, by Actor) (Page, error) {
	if !by.IsAdmin() {
		if by.UserID == 0 {
			return Page{}, ErrForbidden
		}
		f.UserID = &by.UserID
	}
	if f.Page < 1 {
		f.Page = defaultPage
	}
	if f.Limit < 1 {
		f.Limit = defaultLimit
	}
	f.Limit = min(f.Limit, maxLimit)

	found, total, err := s.store.ListOrders(ctx, f)
	if err != nil {
		return Page{}, classify(fmt.Errorf("store.ListOrders: %w", err))
	}
	return Page{
		Orders: found,
		Page:   f.Page,
		Limit:  f.Limit,
		Total:  total,
		Pages:  (total + f.Limit - 1) / f.Limit,
	}, nil
}

// Products lists the products that can currently be ordered.
func (s *Service) Products(ctx context.Context) ([]inventory.Product, error) {
	ps, err := s.store.ListProducts(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("store.ListProducts: %w", err))
	}
	return lo.Filter(ps, func(p inventory.Product, _ int) bool { return p.Active() }), nil
}

// Total is the order amount for a set of lines, in minor units.
func Total(lines []Line) int64 {
	return lo.SumBy(lines, Line.Subtotal)
}

func aggregate(items []CartLine) []demand {
	qty := make(map[int64]int, len(items))
	for _, it := range items {
		qty[it.ProductID] += it.Quantity
	}
	ids := lo.Keys(qty)
	slices.Sort(ids)
	return lo.Map(ids, func(id int64, _ int) demand { return demand{productID: id, qty: qty[id]} })
}

func cartLines(lines []Line) []CartLine {
	return lo.Map(lines, func(l Line, _ int) CartLine {
		return CartLine{ProductID: l.ProductID, Quantity: l.Quantity}
	})
}

func cancelledPayload(o Order, from Status) OrderCancelledPayload {
	return OrderCancelledPayload{
		OrderID: o.ID,
		From:    from,
		Restored: lo.Map(o.Lines, func(l Line, _ int) ItemQty {
			return ItemQty{ProductID: l.ProductID, Qty: l.Quantity}
		}),
		Status:    o.Status,
		UpdatedAt: o.UpdatedAt,
	}
}

// begin opens the span for a use case and returns the func that closes it, counts the outcome
// and writes the use_case_done log line.
func (s *Service) begin(ctx context.Context, useCase string) (context.Context, func(err error, orderID int64)) {
	ctx, span := s.tracer.Start(ctx, spanPrefix+useCase, trace.WithAttributes(
		attribute.String("use_case", useCase),
	))
	start := time.Now()

	return ctx, func(err error, orderID int64) {
		elapsed := time.Since(start)
		outcome, status := "success", Code(err)
		if err != nil {
			outcome = "error"
		}

		if orderID != 0 {
			span.SetAttributes(attribute.Int64("order.id", orderID))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
		} else {
			span.SetStatus(codes.Ok, status)
		}
		span.End()

		s.metrics.Observe(useCase, outcome, elapsed)

		fields := []zap.Field{
			zap.String("use_case", useCase),
			zap.String("outcome", outcome),
			zap.String("status", status),
			zap.Float64("latency_seconds", elapsed.Seconds()),
		}
		if orderID != 0 {
			fields = append(fields, zap.Int64("order_id", orderID))
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
		}

		logger := logging.FromContextOr(ctx, s.log)
		switch {
		case err == nil:
			logger.Info("use_case_done", fields...)
		case errors.Is(err, ErrStorage):
			logger.Error("use_case_done", append(fields, zap.Error(err))...)
		default:
			logger.Info("use_case_done", append(fields, zap.Error(err))...)
		}
	}
}

// publish is best effort: the order is already committed, so a lost event only delays the
// status cache.
func (s *Service) publish(ctx context.Context, eventType string, orderID int64, payload any) {
	if s.pub == nil {
		return
	}
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		traceID = sc.TraceID().String()
	}
	env := newEnvelope(s.producer, eventType, traceID, orderID, payload)
	s.pub.Publish(PartitionKey(orderID), kafkax.MustMarshal(env), eventHeaders(eventType)...)
}
