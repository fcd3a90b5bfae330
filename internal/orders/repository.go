package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/joao-fontenele/fruit-orders/internal/domain"
)

// ErrIntegrity marks storage failures caused by the data itself (constraint
// violations, values that do not fit a column) rather than by the database
// being unavailable.
var ErrIntegrity = errors.New("integrity violation")

var ErrNotFound = errors.New("order not found")

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts the order and all of its items in one transaction and
// returns the committed order as read back from the database.
//
// The transaction is detached from ctx cancellation: once started it either
// commits or rolls back as a whole, even if the caller goes away.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) (*domain.Order, error) {
	ctx = context.WithoutCancel(ctx)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var orderID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (receiver_name, phone, address, raw_message)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, order.ReceiverName, order.Phone, order.Address, order.RawMessage).Scan(&orderID)
	if err != nil {
		return nil, storageError("insert order", err)
	}

	for i, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, item_type, kg, box_count)
			VALUES ($1, $2, $3, $4)
		`, orderID, item.ItemType, item.Kg, item.BoxCount)
		if err != nil {
			return nil, storageError(fmt.Sprintf("insert order item %d", i), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageError("commit order", err)
	}

	return r.GetByID(ctx, orderID)
}

func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*domain.Order, error) {
	order := &domain.Order{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, receiver_name, phone, address, raw_message, created_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.ReceiverName, &order.Phone, &order.Address, &order.RawMessage, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select order %d: %w", id, err)
	}

	orders := []domain.Order{*order}
	if err := attachItems(ctx, r.db, orders); err != nil {
		return nil, err
	}

	return &orders[0], nil
}

// List returns orders newest first. Orders sharing a created_at are ordered
// by id descending. Both queries run in one read-only snapshot so a
// concurrent Create is either fully visible or not at all.
func (r *OrderRepository) List(ctx context.Context, page Page) ([]domain.Order, error) {
	if page.Skip < 0 || page.Limit < 0 {
		return nil, fmt.Errorf("invalid page skip=%d limit=%d", page.Skip, page.Limit)
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, receiver_name, phone, address, raw_message, created_at
		FROM orders
		ORDER BY created_at DESC, id DESC
		OFFSET $1
		LIMIT $2
	`, page.Skip, page.Limit)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	orders := []domain.Order{}
	for rows.Next() {
		var order domain.Order
		if err := rows.Scan(&order.ID, &order.ReceiverName, &order.Phone, &order.Address, &order.RawMessage, &order.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}

	if err := attachItems(ctx, tx, orders); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit read transaction: %w", err)
	}

	return orders, nil
}

// attachItems loads the items of all given orders with a single query and
// fills each order's Items in insertion order.
func attachItems(ctx context.Context, q querier, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}

	index := make(map[int64]int, len(orders))
	ids := make([]int64, len(orders))
	for i := range orders {
		orders[i].Items = []domain.OrderItem{}
		index[orders[i].ID] = i
		ids[i] = orders[i].ID
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, item_type, kg, box_count
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY id
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("select order items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var orderID int64
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &orderID, &item.ItemType, &item.Kg, &item.BoxCount); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		i := index[orderID]
		orders[i].Items = append(orders[i].Items, item)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate order items: %w", err)
	}

	return nil
}

// storageError wraps err with op and tags PostgreSQL data exceptions (class
// 22) and integrity constraint violations (class 23) with ErrIntegrity.
func storageError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23":
			return fmt.Errorf("%s: %w: %w", op, ErrIntegrity, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
