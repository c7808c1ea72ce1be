// Package memory is an in-process implementation of orders.Store. Transactions run one at a
// time against a private copy of the data that replaces the live copy only on commit.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-shop-orders/internal/inventory"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

type state struct {
	products    map[int64]inventory.Product
	orders      map[int64]orders.Order
	nextProduct int64
	nextOrder   int64
	nextLine    int64
}

func (s *state) clone() *state {
	c := *s
	c.products = maps.Clone(s.products)
	c.orders = make(map[int64]orders.Order, len(s.orders))
	for id, o := range s.orders {
		c.orders[id] = cloneOrder(o)
	}
	return &c
}

type Store struct {
	mu  sync.RWMutex
	st  *state
	now func() time.Time
}

var _ orders.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		st: &state{
			products: make(map[int64]inventory.Product),
			orders:   make(map[int64]orders.Order),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// AddProduct stores p, assigning the next free id when p.ID is zero.
func (s *Store) AddProduct(p inventory.Product) inventory.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		s.st.nextProduct++
		p.ID = s.st.nextProduct
	}
	s.st.nextProduct = max(s.st.nextProduct, p.ID)
	if p.Status == "" {
		p.Status = inventory.ProductActive
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	s.st.products[p.ID] = p
	return p
}

func (s *Store) SetPrice(productID, priceMinor int64) {
	s.updateProduct(productID, func(p *inventory.Product) { p.PriceMinor = priceMinor })
}

func (s *Store) SetStatus(productID int64, status inventory.ProductStatus) {
	s.updateProduct(productID, func(p *inventory.Product) { p.Status = status })
}

func (s *Store) updateProduct(productID int64, fn func(p *inventory.Product)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.st.products[productID]
	if !ok {
		return
	}
	fn(&p)
	p.UpdatedAt = s.now()
	s.st.products[productID] = p
}

func (s *Store) Product(productID int64) (inventory.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.st.products[productID]
	return p, ok
}

func (s *Store) OrderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.st.orders)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&tx{st: work, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Order(ctx context.Context, orderID int64) (orders.Order, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.st.orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) OrderStatus(ctx context.Context, orderID int64) (orders.Status, error) {
	o, err := s.Order(ctx, orderID)
	if err != nil {
		return "", err
	}
	return o.Status, nil
}

func (s *Store) ListOrders(ctx context.Context, f orders.ListFilter) ([]orders.Order, int, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []orders.Order
	for _, o := range s.st.orders {
		if f.UserID != nil && (o.UserID == nil || *o.UserID != *f.UserID) {
			continue
		}
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		matched = append(matched, o)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if f.Limit < 1 {
		f.Limit = max(total, 1)
	}
	from := min((max(f.Page, 1)-1)*f.Limit, total)
	to := min(from+f.Limit, total)

	out := make([]orders.Order, 0, to-from)
	for _, o := range matched[from:to] {
		out = append(out, cloneOrder(o))
	}
	return out, total, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]inventory.Product, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	ps := slices.Collect(maps.Values(s.st.products))
	slices.SortFunc(ps, func(a, b inventory.Product) int { return cmp.Compare(a.ID, b.ID) })
	return ps, nil
}

type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) LockProduct(ctx context.Context, productID int64) (inventory.Product, error) {
	_ = ctx
	p, ok := t.st.products[productID]
	if !ok {
		return inventory.Product{}, inventory.ErrProductNotFound
	}
	return p, nil
}

func (t *tx) DecrementStock(ctx context.Context, productID int64, qty int) (bool, error) {
	_ = ctx
	p, ok := t.st.products[productID]
	if !ok {
		return false, inventory.ErrProductNotFound
	}
	if p.Stock < qty {
		return false, nil
	}
	p.Stock -= qty
	p.UpdatedAt = t.now()
	t.st.products[productID] = p
	return true, nil
}

func (t *tx) IncrementStock(ctx context.Context, productID int64, qty int) error {
	_ = ctx
	p, ok := t.st.products[productID]
	if !ok {
		return inventory.ErrProductNotFound
	}
	p.Stock += qty
	p.UpdatedAt = t.now()
	t.st.products[productID] = p
	return nil
}

func (t *tx) InsertOrder(ctx context.Context, o orders.Order) (int64, error) {
	_ = ctx
	t.st.nextOrder++
	o.ID = t.st.nextOrder
	o.Lines = nil
	now := t.now()
	o.CreatedAt, o.UpdatedAt = now, now
	t.st.orders[o.ID] = o
	return o.ID, nil
}

func (t *tx) InsertLines(ctx context.Context, orderID int64, lines []orders.Line) error {
	_ = ctx
	o, ok := t.st.orders[orderID]
	if !ok {
		return orders.ErrNotFound
	}
	for _, l := range lines {
		t.st.nextLine++
		l.ID = t.st.nextLine
		l.OrderID = orderID
		o.Lines = append(o.Lines, l)
	}
	t.st.orders[orderID] = o
	return nil
}

func (t *tx) SetPaymentLink(ctx context.Context, orderID int64, link string) error {
	return t.update(orderID, func(o *orders.Order) { o.PaymentLink = &link })
}

func (t *tx) LockOrder(ctx context.Context, orderID int64) (orders.Order, error) {
	_ = ctx
	o, ok := t.st.orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (t *tx) UpdateStatus(ctx context.Context, orderID int64, status orders.Status) error {
	return t.update(orderID, func(o *orders.Order) { o.Status = status })
}

func (t *tx) update(orderID int64, fn func(o *orders.Order)) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return orders.ErrNotFound
	}
	fn(&o)
	o.UpdatedAt = t.now()
	t.st.orders[orderID] = o
	return nil
}

func cloneOrder(o orders.Order) orders.Order {
	o.Lines = slices.Clone(o.Lines)
	if o.UserID != nil {
		id := *o.UserID
		o.UserID = &id
	}
	if o.PaymentLink != nil {
		link := *o.PaymentLink
		o.PaymentLink = &link
	}
	return o
}
