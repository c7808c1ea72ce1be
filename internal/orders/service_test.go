package orders_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"

	"github.com/ariefcatur/go-shop-orders/internal/inventory"
	"github.com/ariefcatur/go-shop-orders/internal/memory"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/payment"
)

var (
	merchant = payment.MustNewUPI("merchant@paytm", "Usasya", "INR")
	admin    = orders.Actor{UserID: 1, Role: orders.RoleAdmin}
)

type recordingPublisher struct {
	mu   sync.Mutex
	envs []orders.Envelope
	keys []string
}

func (p *recordingPublisher) Publish(key, value []byte, _ ...kafkago.Header) {
	var env orders.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		panic(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	p.keys = append(p.keys, string(key))
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.envs))
	for _, e := range p.envs {
		out = append(out, e.EventType)
	}
	return out
}

type fixture struct {
	svc   *orders.Service
	store *memory.Store
	pub   *recordingPublisher
}

func newFixture(opts ...orders.Option) fixture {
	store := memory.NewStore()
	pub := &recordingPublisher{}
	opts = append([]orders.Option{orders.WithPublisher(pub, "order-api-test")}, opts...)
	return fixture{
		svc:   orders.NewService(store, merchant, opts...),
		store: store,
		pub:   pub,
	}
}

func (f fixture) product(id, price int64, stock int) {
	f.store.AddProduct(inventory.Product{
		ID:         id,
		Name:       fmt.Sprintf("%s %d", gofakeit.ProductName(), id),
		PriceMinor: price,
		Stock:      stock,
		Status:     inventory.ProductActive,
	})
}

func (f fixture) stock(t *testing.T, id int64) int {
	t.Helper()
	p, ok := f.store.Product(id)
	require.True(t, ok, "product %d", id)
	return p.Stock
}

func randomCustomer() orders.Customer {
	return orders.Customer{
		Name:            gofakeit.FirstName() + " " + gofakeit.LastName(),
		Phone:           gofakeit.Numerify("98########"),
		Email:           strings.ToLower(gofakeit.LetterN(8)) + "@example.com",
		ShippingAddress: fmt.Sprintf("%s, %s %s", gofakeit.Street(), gofakeit.City(), gofakeit.Zip()),
	}
}

func request(items ...orders.CartLine) orders.SubmitRequest {
	return orders.SubmitRequest{Customer: randomCustomer(), Items: items}
}

func line(productID int64, qty int) orders.CartLine {
	return orders.CartLine{ProductID: productID, Quantity: qty}
}

func ptr[T any](v T) *T { return &v }

func TestSubmit_reservesStockAndPricesOrder(t *testing.T) {
	f := newFixture()
	f.product(7, 1000, 5)

	o, err := f.svc.Submit(t.Context(), request(line(7, 2)))
	require.NoError(t, err)

	assert.Equal(t, int64(2000), o.TotalAmount)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, orders.PaymentUPI, o.PaymentMethod)
	assert.Equal(t, 3, f.stock(t, 7))
	require.Len(t, o.Lines, 1)
	assert.Equal(t, int64(7), o.Lines[0].ProductID)
	assert.Equal(t, 2, o.Lines[0].Quantity)
	assert.Equal(t, int64(1000), o.Lines[0].UnitPrice)
	assert.Equal(t, o.ID, o.Lines[0].OrderID)

	require.NotNil(t, o.PaymentLink)
	assert.Equal(t, merchant.Link(2000, o.ID), *o.PaymentLink)

	stored, err := f.svc.Get(t.Context(), o.ID, admin)
	require.NoError(t, err)
	if diff := cmp.Diff(o, stored); diff != "" {
		t.Errorf("stored order mismatch (-returned +stored):\n%s", diff)
	}

	assert.Equal(t, []string{orders.EventOrderCreated}, f.pub.types())
}

func TestSubmit_insufficientStock(t *testing.T) {
	f := newFixture()
	f.product(7, 1000, 1)

	_, err := f.svc.Submit(t.Context(), request(line(7, 2)))
	require.ErrorIs(t, err, orders.ErrInsufficientStock)

	var stockErr *inventory.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(7), stockErr.ProductID)
	assert.Equal(t, 1, stockErr.Available)
	assert.Equal(t, 2, stockErr.Requested)
	assert.NotEmpty(t, stockErr.ProductName)

	assert.Equal(t, 1, f.stock(t, 7))
	assert.Zero(t, f.store.OrderCount())
	assert.Empty(t, f.pub.types())
}

func TestSubmit_demandIsSummedPerProduct(t *testing.T) {
	f := newFixture()
	f.product(3, 250, 5)

	_, err := f.svc.Submit(t.Context(), request(line(3, 3), line(3, 3)))

	var stockErr *inventory.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 6, stockErr.Requested)
	assert.Equal(t, 5, f.stock(t, 3))

	o, err := f.svc.Submit(t.Context(), request(line(3, 2), line(3, 3)))
	require.NoError(t, err)
	assert.Len(t, o.Lines, 2)
	assert.Equal(t, int64(1250), o.TotalAmount)
	assert.Zero(t, f.stock(t, 3))
}

func TestSubmit_validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *orders.SubmitRequest)
		problem string
	}{
		{
			name:    "empty cart: fail",
			mutate:  func(r *orders.SubmitRequest) { r.Items = nil },
			problem: "items",
		},
		{
			name:    "zero quantity: fail",
			mutate:  func(r *orders.SubmitRequest) { r.Items[0].Quantity = 0 },
			problem: "items[0].quantity",
		},
		{
			name:    "huge quantity: fail",
			mutate:  func(r *orders.SubmitRequest) { r.Items = []orders.CartLine{line(1, math.MaxInt), line(1, 2)} },
			problem: "items[0].quantity",
		},
		{
			name:    "quantities of one product summing past the bound: fail",
			mutate:  func(r *orders.SubmitRequest) { r.Items = []orders.CartLine{line(1, 6000), line(1, 6000)} },
			problem: "items[1].quantity",
		},
		{
			name:    "non-positive product id: fail",
			mutate:  func(r *orders.SubmitRequest) { r.Items[0].ProductID = -4 },
			problem: "items[0].product_id",
		},
		{
			name:    "short name: fail",
			mutate:  func(r *orders.SubmitRequest) { r.Customer.Name = " A " },
			problem: "customer_name",
		},
		{
			name:    "bad phone: fail",
			mutate:  func(r *orders.SubmitRequest) { r.Customer.Phone = "call me" },
			problem: "customer_phone",
		},
		{
			name:    "bad email: fail",
			mutate:  func(r *orders.SubmitRequest) { r.Customer.Email = "not-an-email" },
			problem: "customer_email",
		},
		{
			name:    "short address: fail",
			mutate:  func(r *orders.SubmitRequest) { r.Customer.ShippingAddress = "Main St" },
			problem: "shipping_address",
		},
		{
			name:    "unknown payment method: fail",
			mutate:  func(r *orders.SubmitRequest) { r.PaymentMethod = "barter" },
			problem: "payment_method",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.product(1, 100, 10)

			req := request(line(1, 1))
			tt.mutate(&req)

			_, err := f.svc.Submit(t.Context(), req)
			require.ErrorIs(t, err, orders.ErrValidation)

			var verr *orders.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Problems, tt.problem)

			assert.Equal(t, 10, f.stock(t, 1))
			assert.Zero(t, f.store.OrderCount())
		})
	}
}

func TestSubmit_optionalFields(t *testing.T) {
	f := newFixture()
	f.product(1, 100, 10)

	req := request(line(1, 1))
	req.Customer.Email = ""
	req.Customer.Phone = "+91 98765 43210"
	req.PaymentMethod = orders.PaymentCOD
	req.UserID = ptr(int64(12))

	o, err := f.svc.Submit(t.Context(), req)
	require.NoError(t, err)
	assert.Nil(t, o.PaymentLink)
	assert.Equal(t, "+919876543210", o.CustomerPhone)
	require.NotNil(t, o.UserID)
	assert.Equal(t, int64(12), *o.UserID)
}

func TestSubmit_productUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(f fixture)
		cart    []orders.CartLine
		wantID  int64
	}{
		{
			name:    "missing product: fail",
			prepare: func(f fixture) { f.product(1, 100, 10) },
			cart:    []orders.CartLine{line(1, 1), line(99, 1)},
			wantID:  99,
		},
		{
			name: "inactive product: fail",
			prepare: func(f fixture) {
				f.product(1, 100, 10)
				f.product(2, 100, 10)
				f.store.SetStatus(2, inventory.ProductInactive)
			},
			cart:   []orders.CartLine{line(1, 1), line(2, 1)},
			wantID: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.prepare(f)

			_, err := f.svc.Submit(t.Context(), request(tt.cart...))
			require.ErrorIs(t, err, orders.ErrProductUnavailable)

			var unavailable *orders.ProductUnavailableError
			require.ErrorAs(t, err, &unavailable)
			assert.Equal(t, tt.wantID, unavailable.ProductID)

			assert.Equal(t, 10, f.stock(t, 1))
			assert.Zero(t, f.store.OrderCount())
		})
	}
}

var errDiskFull = errors.New("disk full")

// faultyStore fails the n-th stock decrement of every transaction.
type faultyStore struct {
	*memory.Store
	failAt int
}

func (s *faultyStore) WithTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx orders.Tx) error {
		return fn(&faultyTx{Tx: tx, failAt: s.failAt})
	})
}

type faultyTx struct {
	orders.Tx
	calls  int
	failAt int
}

func (t *faultyTx) DecrementStock(ctx context.Context, productID int64, qty int) (bool, error) {
	t.calls++
	if t.calls == t.failAt {
		return false, errDiskFull
	}
	return t.Tx.DecrementStock(ctx, productID, qty)
}

func TestSubmit_failedReservationRollsBackEverything(t *testing.T) {
	store := memory.NewStore()
	for id := int64(1); id <= 3; id++ {
		store.AddProduct(inventory.Product{ID: id, Name: fmt.Sprintf("p%d", id), PriceMinor: 100 * id, Stock: 10})
	}
	pub := &recordingPublisher{}
	svc := orders.NewService(&faultyStore{Store: store, failAt: 3}, merchant, orders.WithPublisher(pub, "test"))

	_, err := svc.Submit(t.Context(), request(line(1, 1), line(2, 2), line(3, 3)))
	require.ErrorIs(t, err, orders.ErrStorage)
	require.ErrorIs(t, err, errDiskFull)

	for id := int64(1); id <= 3; id++ {
		p, _ := store.Product(id)
		assert.Equal(t, 10, p.Stock, "product %d", id)
	}
	assert.Zero(t, store.OrderCount())
	assert.Empty(t, pub.types())
}

type panickingStore struct{ *memory.Store }

func (s panickingStore) WithTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx orders.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		panic("crash before commit")
	})
}

func TestSubmit_panicBeforeCommitLeavesNoTrace(t *testing.T) {
	store := memory.NewStore()
	store.AddProduct(inventory.Product{ID: 1, Name: "p1", PriceMinor: 100, Stock: 4})
	svc := orders.NewService(panickingStore{store}, merchant)

	assert.Panics(t, func() {
		_, _ = svc.Submit(t.Context(), request(line(1, 2)))
	})

	p, _ := store.Product(1)
	assert.Equal(t, 4, p.Stock)
	assert.Zero(t, store.OrderCount())
}

func TestSubmit_concurrentBuyersNeverOversell(t *testing.T) {
	const (
		stock   = 10
		buyers  = 25
		perUser = 1
	)
	f := newFixture()
	f.product(1, 500, stock)

	var (
		mu   sync.Mutex
		sold int
	)
	g, ctx := errgroup.WithContext(t.Context())
	for range buyers {
		g.Go(func() error {
			_, err := f.svc.Submit(ctx, request(line(1, perUser)))
			switch {
			case err == nil:
				mu.Lock()
				sold += perUser
				mu.Unlock()
				return nil
			case errors.Is(err, orders.ErrInsufficientStock):
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, stock, sold)
	assert.Zero(t, f.stock(t, 1))
	assert.Equal(t, stock/perUser, f.store.OrderCount())
}

func TestSubmit_lineKeepsPriceAfterProductChange(t *testing.T) {
	f := newFixture()
	f.product(1, 1999, 10)

	o, err := f.svc.Submit(t.Context(), request(line(1, 3)))
	require.NoError(t, err)

	f.store.SetPrice(1, 2999)

	stored, err := f.svc.Get(t.Context(), o.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, int64(1999), stored.Lines[0].UnitPrice)
	assert.Equal(t, int64(5997), stored.TotalAmount)
	assert.Equal(t, *o.PaymentLink, *stored.PaymentLink)

	next, err := f.svc.Submit(t.Context(), request(line(1, 1)))
	require.NoError(t, err)
	assert.Equal(t, int64(2999), next.TotalAmount)
}

func TestSubmit_totalMatchesLines(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := memory.NewStore()
		svc := orders.NewService(store, merchant)

		n := rapid.IntRange(1, 6).Draw(t, "products")
		for id := int64(1); id <= int64(n); id++ {
			store.AddProduct(inventory.Product{
				ID:         id,
				Name:       fmt.Sprintf("p%d", id),
				PriceMinor: rapid.Int64Range(0, 5_000_00).Draw(t, "price"),
				Stock:      1_000,
			})
		}

		cart := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) orders.CartLine {
			return orders.CartLine{
				ProductID: rapid.Int64Range(1, int64(n)).Draw(t, "product"),
				Quantity:  rapid.IntRange(1, 50).Draw(t, "qty"),
			}
		}), 1, 8).Draw(t, "cart")

		o, err := svc.Submit(context.Background(), request(cart...))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}

		var sum int64
		for i, l := range o.Lines {
			if l.ProductID != cart[i].ProductID || l.Quantity != cart[i].Quantity {
				t.Fatalf("line %d does not match cart entry: %+v vs %+v", i, l, cart[i])
			}
			sum += int64(l.Quantity) * l.UnitPrice
		}
		if sum != o.TotalAmount {
			t.Fatalf("total %d, lines sum to %d", o.TotalAmount, sum)
		}
		req, err := payment.ParseLink(*o.PaymentLink)
		if err != nil || req.AmountMinor != o.TotalAmount || req.OrderID != o.ID {
			t.Fatalf("payment link %q does not carry the order (%v)", *o.PaymentLink, err)
		}
	})
}

func TestCancel_restoresStockOnce(t *testing.T) {
	f := newFixture()
	f.product(1, 100, 10)
	f.product(2, 300, 4)

	owner := orders.Actor{UserID: 42, Role: orders.RoleCustomer}
	req := request(line(1, 3), line(2, 4), line(1, 2))
	req.UserID = ptr(owner.UserID)

	o, err := f.svc.Submit(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, 5, f.stock(t, 1))
	assert.Equal(t, 0, f.stock(t, 2))

	cancelled, err := f.svc.Cancel(t.Context(), o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, cancelled.Status)
	assert.Equal(t, 10, f.stock(t, 1))
	assert.Equal(t, 4, f.stock(t, 2))

	_, err = f.svc.Cancel(t.Context(), o.ID, owner)
	var terr *orders.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, orders.StatusCancelled, terr.From)
	assert.Equal(t, 10, f.stock(t, 1))
	assert.Equal(t, 4, f.stock(t, 2))

	assert.Equal(t, []string{orders.EventOrderCreated, orders.EventOrderCancelled}, f.pub.types())
}

// lockOrderStore records the product ids whose stock is written, in call order.
type lockOrderStore struct {
	*memory.Store
	mu        sync.Mutex
	increased []int64
}

func (s *lockOrderStore) WithTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx orders.Tx) error {
		return fn(&lockOrderTx{Tx: tx, s: s})
	})
}

type lockOrderTx struct {
	orders.Tx
	s *lockOrderStore
}

func (t *lockOrderTx) IncrementStock(ctx context.Context, productID int64, qty int) error {
	t.s.mu.Lock()
	t.s.increased = append(t.s.increased, productID)
	t.s.mu.Unlock()
	return t.Tx.IncrementStock(ctx, productID, qty)
}

func TestCancel_restoresInProductOrder(t *testing.T) {
	store := &lockOrderStore{Store: memory.NewStore()}
	for id := int64(1); id <= 3; id++ {
		store.AddProduct(inventory.Product{ID: id, Name: fmt.Sprintf("p%d", id), PriceMinor: 100, Stock: 10})
	}
	svc := orders.NewService(store, merchant)

	o, err := svc.Submit(t.Context(), request(line(3, 1), line(1, 2), line(2, 3), line(3, 4)))
	require.NoError(t, err)

	_, err = svc.Cancel(t.Context(), o.ID, admin)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, store.increased)
	for id := int64(1); id <= 3; id++ {
		p, _ := store.Product(id)
		assert.Equal(t, 10, p.Stock, "product %d", id)
	}
}

func TestCancel_concurrentCancelsRestoreOnce(t *testing.T) {
	f := newFixture()
	f.product(1, 100, 10)

	o, err := f.svc.Submit(t.Context(), request(line(1, 4)))
	require.NoError(t, err)

	var g errgroup.Group
	var ok, rejected int
	var mu sync.Mutex
	for range 8 {
		g.Go(func() error {
			_, err := f.svc.Cancel(t.Context(), o.ID, admin)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, orders.ErrInvalidTransition):
				rejected++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, rejected)
	assert.Equal(t, 10, f.stock(t, 1))
}

func TestCancel_accessAndExistence(t *testing.T) {
	f := newFixture()
	f.product(1, 100, 10)

	req := request(line(1, 1))
	req.UserID = ptr(int64(5))
	owned, err := f.svc.Submit(t.Context(), req)
	require.NoError(t, err)

	guest, err := f.svc.Submit(t.Context(), request(line(1, 1)))
	require.NoError(t, err)

	tests := []struct {
		name    string
		orderID int64
		actor   orders.Actor
		wantErr error
	}{
		{name: "missing order: fail", orderID: 404, actor: admin, wantErr: orders.ErrNotFound},
		{name: "other customer: fail", orderID: owned.ID, actor: orders.Actor{UserID: 6, Role: orders.RoleCustomer}, wantErr: orders.ErrForbidden},
		{name: "anonymous on guest order: fail", orderID: guest.ID, actor: orders.Actor{}, wantErr: orders.ErrForbidden},
		{name: "admin on guest order: ok", orderID: guest.ID, actor: admin},
		{name: "owner: ok", orderID: owned.ID, actor: orders.Actor{UserID: 5, Role: orders.RoleCustomer}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Cancel(t.Context(), tt.orderID, tt.actor)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
	assert.Equal(t, 10, f.stock(t, 1))
}

func TestCancel_blockedOnceShipped(t *testing.T) {
	for _, status := range []orders.Status{orders.StatusShipped, orders.StatusDelivered} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture()
			f.product(1, 100, 10)

			o, err := f.svc.Submit(t.Context(), request(line(1, 2)))
			require.NoError(t, err)

			for _, next := range []orders.Status{orders.StatusProcessing, orders.StatusShipped, orders.StatusDelivered} {
				_, err = f.svc.SetStatus(t.Context(), o.ID, string(next), admin)
				require.NoError(t, err)
				if next == status {
					break
				}
			}

			_, err = f.svc.Cancel(t.Context(), o.ID, admin)
			require.ErrorIs(t, err, orders.ErrInvalidTransition)

			st, err := f.svc.Status(t.Context(), o.ID)
			require.NoError(t, err)
			assert.Equal(t, status, st)
			assert.Equal(t, 8, f.stock(t, 1))
		})
	}
}

func TestProcess(t *testing.T) {
	f := newFixture()
	f.product(1, 100, 10)

	owner := orders.Actor{UserID: 9, Role: orders.RoleCustomer}
	req := request(line(1, 1))
	req.UserID = ptr(owner.UserID)
	o, err := f.svc.Submit(t.Context(), req)
	require.NoError(t, err)

	_, err = f.svc.Process(t.Context(), o.ID, owner)
	require.ErrorIs(t, err, orders.ErrForbidden)

	processed, err := f.svc.Process(t.Context(), o.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, processed.Status)

	_, err = f.svc.Process(t.Context(), o.ID, admin)
	var terr *orders.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, orders.TransitionError{From: orders.StatusProcessing, To: orders.StatusProcessing}, *terr)

	_, err = f.svc.Process(t.Context(), 999, admin)
	require.ErrorIs(t, err, orders.ErrNotFound)

	assert.Equal(t, []string{orders.EventOrderCreated, orders.EventOrderStatusChanged}, f.pub.types())
}

func TestSetStatus(t *testing.T) {
	tests := []struct {
		name    string
		path    []string
		target  string
		actor   orders.Actor
		want    orders.Status
		wantErr error
		stock   int
	}{
		{name: "unknown status: fail", target: "confirmed", actor: admin, wantErr: orders.ErrValidation, want: orders.StatusPending, stock: 7},
		{name: "skip ahead: fail", target: "shipped", actor: admin, wantErr: orders.ErrInvalidTransition, want: orders.StatusPending, stock: 7},
		{name: "non-admin: fail", target: "processing", actor: orders.Actor{UserID: 3}, wantErr: orders.ErrForbidden, want: orders.StatusPending, stock: 7},
		{name: "pending to processing: ok", target: "processing", actor: admin, want: orders.StatusProcessing, stock: 7},
		{name: "pending to cancelled restores stock: ok", target: "cancelled", actor: admin, want: orders.StatusCancelled, stock: 10},
		{name: "processing to cancelled restores stock: ok", path: []string{"processing"}, target: "cancelled", actor: admin, want: orders.StatusCancelled, stock: 10},
		{name: "delivered is terminal: fail", path: []string{"processing", "shipped", "delivered"}, target: "shipped", actor: admin, wantErr: orders.ErrInvalidTransition, want: orders.StatusDelivered, stock: 7},
		{name: "backwards: fail", path: []string{"processing"}, target: "pending", actor: admin, wantErr: orders.ErrInvalidTransition, want: orders.StatusProcessing, stock: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.product(1, 100, 10)

			o, err := f.svc.Submit(t.Context(), request(line(1, 3)))
			require.NoError(t, err)
			for _, step := range tt.path {
				_, err := f.svc.SetStatus(t.Context(), o.ID, step, admin)
				require.NoError(t, err)
			}

			_, err = f.svc.SetStatus(t.Context(), o.ID, tt.target, tt.actor)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			st, err := f.svc.Status(t.Context(), o.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, st)
			assert.Equal(t, tt.stock, f.stock(t, 1))
		})
	}
}

func TestGetAndList(t *testing.T) {
	f := newFixture()
	f.product(1, 100, 100)

	alice := orders.Actor{UserID: 10, Role: orders.RoleCustomer}
	bob := orders.Actor{UserID: 11, Role: orders.RoleCustomer}

	var aliceIDs []int64
	for range 12 {
		req := request(line(1, 1))
		req.UserID = ptr(alice.UserID)
		o, err := f.svc.Submit(t.Context(), req)
		require.NoError(t, err)
		aliceIDs = append(aliceIDs, o.ID)
	}
	req := request(line(1, 1))
	req.UserID = ptr(bob.UserID)
	bobs, err := f.svc.Submit(t.Context(), req)
	require.NoError(t, err)

	_, err = f.svc.Get(t.Context(), bobs.ID, alice)
	require.ErrorIs(t, err, orders.ErrForbidden)
	_, err = f.svc.Get(t.Context(), 12345, alice)
	require.ErrorIs(t, err, orders.ErrNotFound)

	page, err := f.svc.List(t.Context(), orders.ListFilter{UserID: &bob.UserID}, alice)
	require.NoError(t, err)
	assert.Equal(t, 12, page.Total)
	assert.Equal(t, 2, page.Pages)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 10, page.Limit)
	assert.Len(t, page.Orders, 10)
	for _, o := range page.Orders {
		assert.Equal(t, alice.UserID, *o.UserID)
	}

	second, err := f.svc.List(t.Context(), orders.ListFilter{Page: 2, Limit: 10}, alice)
	require.NoError(t, err)
	assert.Len(t, second.Orders, 2)

	seen := append(ordersIDs(page.Orders), ordersIDs(second.Orders)...)
	assert.ElementsMatch(t, aliceIDs, seen)

	all, err := f.svc.List(t.Context(), orders.ListFilter{Limit: 1000}, admin)
	require.NoError(t, err)
	assert.Equal(t, 100, all.Limit)
	assert.Equal(t, 13, all.Total)

	pending := orders.StatusPending
	onlyBob, err := f.svc.List(t.Context(), orders.ListFilter{UserID: &bob.UserID, Status: &pending}, admin)
	require.NoError(t, err)
	require.Len(t, onlyBob.Orders, 1)
	if diff := cmp.Diff(bobs, onlyBob.Orders[0], cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("listed order mismatch (-want +got):\n%s", diff)
	}

	_, err = f.svc.List(t.Context(), orders.ListFilter{}, orders.Actor{})
	require.ErrorIs(t, err, orders.ErrForbidden)
}

func ordersIDs(os []orders.Order) []int64 {
	ids := make([]int64, 0, len(os))
	for _, o := range os {
		ids = append(ids, o.ID)
	}
	return ids
}

func TestProducts_onlyActive(t *testing.T) {
	f := newFixture()
	f.product(1, 100, 1)
	f.product(2, 200, 0)
	f.product(3, 300, 5)
	f.store.SetStatus(3, inventory.ProductInactive)

	ps, err := f.svc.Products(t.Context())
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, int64(1), ps[0].ID)
	assert.Equal(t, int64(2), ps[1].ID)
}

func TestStatus_missing(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Status(t.Context(), 1)
	require.ErrorIs(t, err, orders.ErrNotFound)
}

func TestSubmit_logsOutcome(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	f := newFixture(orders.WithLogger(zap.New(core)))
	f.product(1, 100, 1)

	o, err := f.svc.Submit(t.Context(), request(line(1, 1)))
	require.NoError(t, err)
	_, err = f.svc.Submit(t.Context(), request(line(1, 1)))
	require.Error(t, err)

	entries := logs.FilterMessage("use_case_done").All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	assert.Equal(t, "order.submit", first["use_case"])
	assert.Equal(t, "success", first["outcome"])
	assert.Equal(t, o.ID, first["order_id"])

	second := entries[1].ContextMap()
	assert.Equal(t, "error", second["outcome"])
	assert.Equal(t, "INSUFFICIENT_STOCK", second["status"])
}

func TestEvents_envelope(t *testing.T) {
	f := newFixture()
	f.product(1, 100, 5)

	o, err := f.svc.Submit(t.Context(), request(line(1, 2)))
	require.NoError(t, err)
	_, err = f.svc.Cancel(t.Context(), o.ID, admin)
	require.NoError(t, err)

	require.Len(t, f.pub.envs, 2)
	for i, env := range f.pub.envs {
		assert.NotEmpty(t, env.EventID)
		assert.Equal(t, orders.EventVersion, env.EventVersion)
		assert.Equal(t, "order-api-test", env.Producer)
		assert.Equal(t, string(orders.PartitionKey(o.ID)), f.pub.keys[i])

		u, err := orders.StatusOf(env)
		require.NoError(t, err)
		assert.Equal(t, o.ID, u.OrderID)
		assert.Equal(t, []orders.Status{orders.StatusPending, orders.StatusCancelled}[i], u.Status)
		assert.False(t, u.UpdatedAt.IsZero())
	}
}
