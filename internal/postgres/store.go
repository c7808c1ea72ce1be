package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"github.com/ariefcatur/go-shop-orders/internal/inventory"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

const (
	productColumns = `id, name, price, stock, status, created_at, updated_at`
	orderColumns   = `id, user_id, customer_name, customer_phone, COALESCE(customer_email, ''),
		shipping_address, COALESCE(notes, ''), total_amount, payment_method, status, payment_link,
		created_at, updated_at`
	lineColumns = `id, order_id, product_id, product_name, quantity, price`
)

// querier is the read side shared by the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

var _ orders.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx commits when fn returns nil and rolls back on error or panic. Rollback uses a context
// that outlives the caller's cancellation so the connection is always released clean.
func (s *Store) WithTx(ctx context.Context, fn func(tx orders.Tx) error) (txErr error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("pool.BeginTx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if txErr != nil {
			rollbackErr := tx.Rollback(context.WithoutCancel(ctx))
			if rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
				txErr = errors.Join(txErr, fmt.Errorf("tx.Rollback: %w", rollbackErr))
			}
		}
	}()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx.Commit: %w", err)
	}
	return nil
}

func (s *Store) Order(ctx context.Context, orderID int64) (orders.Order, error) {
	return getOrder(ctx, s.pool, orderID, false)
}

func (s *Store) OrderStatus(ctx context.Context, orderID int64) (orders.Status, error) {
	var st string
	err := s.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", orders.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("row.Scan: %w", err)
	}
	return orders.Status(st), nil
}

func (s *Store) ListOrders(ctx context.Context, f orders.ListFilter) ([]orders.Order, int, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != nil {
		args = append(args, *f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	limit := max(f.Limit, 1)
	offset := (max(f.Page, 1) - 1) * limit
	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders`+cond+
			fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pool.Query: %w", err)
	}
	found, err := pgx.CollectRows(rows, collectOrder)
	if err != nil {
		return nil, 0, fmt.Errorf("collect orders: %w", err)
	}
	if len(found) == 0 {
		return []orders.Order{}, total, nil
	}

	lines, err := getLines(ctx, s.pool, lo.Map(found, func(o orders.Order, _ int) int64 { return o.ID })...)
	if err != nil {
		return nil, 0, err
	}
	for i := range found {
		found[i].Lines = lines[found[i].ID]
	}
	return found, total, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]inventory.Product, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pool.Query: %w", err)
	}
	ps, err := pgx.CollectRows(rows, collectProduct)
	if err != nil {
		return nil, fmt.Errorf("collect products: %w", err)
	}
	return ps, nil
}

// CreateProduct inserts a catalog entry and returns it with its generated id and timestamps.
func (s *Store) CreateProduct(ctx context.Context, p inventory.Product) (inventory.Product, error) {
	if p.Status == "" {
		p.Status = inventory.ProductActive
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO products (name, price, stock, status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+productColumns,
		p.Name, p.PriceMinor, p.Stock, string(p.Status))
	created, err := scanProduct(row)
	if err != nil {
		return inventory.Product{}, fmt.Errorf("insert product: %w", err)
	}
	return created, nil
}

type txStore struct {
	tx pgx.Tx
}

func (t *txStore) LockProduct(ctx context.Context, productID int64) (inventory.Product, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Product{}, inventory.ErrProductNotFound
	}
	if err != nil {
		return inventory.Product{}, fmt.Errorf("lock product: %w", err)
	}
	return p, nil
}

func (t *txStore) DecrementStock(ctx context.Context, productID int64, qty int) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`, productID, qty)
	if err != nil {
		return false, fmt.Errorf("tx.Exec: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (t *txStore) IncrementStock(ctx context.Context, productID int64, qty int) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1`, productID, qty)
	if err != nil {
		return fmt.Errorf("tx.Exec: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return inventory.ErrProductNotFound
	}
	return nil
}

func (t *txStore) InsertOrder(ctx context.Context, o orders.Order) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, customer_name, customer_phone, customer_email, shipping_address,
			notes, total_amount, payment_method, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		o.UserID, o.CustomerName, o.CustomerPhone, nullIfEmpty(o.CustomerEmail), o.ShippingAddress,
		nullIfEmpty(o.Notes), o.TotalAmount, string(o.PaymentMethod), string(o.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

func (t *txStore) InsertLines(ctx context.Context, orderID int64, lines []orders.Line) (err error) {
	b := &pgx.Batch{}
	for _, l := range lines {
		b.Queue(`
			INSERT INTO order_items (order_id, product_id, product_name, quantity, price)
			VALUES ($1, $2, $3, $4, $5)`,
			orderID, l.ProductID, l.ProductName, l.Quantity, l.UnitPrice)
	}

	br := t.tx.SendBatch(ctx, b)
	defer func() {
		if closeErr := br.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("br.Close: %w", closeErr)
		}
	}()
	for i := range lines {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert line %d: %w", i, err)
		}
	}
	return nil
}

func (t *txStore) SetPaymentLink(ctx context.Context, orderID int64, link string) error {
	return t.updateOrder(ctx, `payment_link = $2`, orderID, link)
}

func (t *txStore) LockOrder(ctx context.Context, orderID int64) (orders.Order, error) {
	return getOrder(ctx, t.tx, orderID, true)
}

func (t *txStore) UpdateStatus(ctx context.Context, orderID int64, status orders.Status) error {
	return t.updateOrder(ctx, `status = $2`, orderID, string(status))
}

func (t *txStore) updateOrder(ctx context.Context, set string, orderID int64, value any) error {
	// clock_timestamp, not now(): the row lock is held here, so each later writer stamps a later time
	ct, err := t.tx.Exec(ctx, `UPDATE orders SET `+set+`, updated_at = clock_timestamp() WHERE id = $1`, orderID, value)
	if err != nil {
		return fmt.Errorf("tx.Exec: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrNotFound
	}
	return nil
}

func getOrder(ctx context.Context, q querier, orderID int64, lock bool) (orders.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrNotFound
	}
	if err != nil {
		return orders.Order{}, fmt.Errorf("select order: %w", err)
	}

	lines, err := getLines(ctx, q, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	o.Lines = lines[orderID]
	return o, nil
}

func getLines(ctx context.Context, q querier, orderIDs ...int64) (map[int64][]orders.Line, error) {
	rows, err := q.Query(ctx,
		`SELECT `+lineColumns+` FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, id`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("select lines: %w", err)
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (orders.Line, error) {
		var l orders.Line
		err := row.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.ProductName, &l.Quantity, &l.UnitPrice)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect lines: %w", err)
	}
	return lo.GroupBy(lines, func(l orders.Line) int64 { return l.OrderID }), nil
}

func collectProduct(row pgx.CollectableRow) (inventory.Product, error) { return scanProduct(row) }

func collectOrder(row pgx.CollectableRow) (orders.Order, error) { return scanOrder(row) }

func scanProduct(row pgx.Row) (inventory.Product, error) {
	var (
		p      inventory.Product
		status string
	)
	err := row.Scan(&p.ID, &p.Name, &p.PriceMinor, &p.Stock, &status, &p.CreatedAt, &p.UpdatedAt)
	p.Status = inventory.ProductStatus(status)
	return p, err
}

func scanOrder(row pgx.Row) (orders.Order, error) {
	var (
		o             orders.Order
		method, state string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.CustomerName, &o.CustomerPhone, &o.CustomerEmail,
		&o.ShippingAddress, &o.Notes, &o.TotalAmount, &method, &state, &o.PaymentLink,
		&o.CreatedAt, &o.UpdatedAt)
	o.PaymentMethod = orders.PaymentMethod(method)
	o.Status = orders.Status(state)
	return o, err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
