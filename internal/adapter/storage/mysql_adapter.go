package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

//go:embed schema.sql
var schema string

// MySQLAdapter stores carts, orders, products and import jobs in MySQL.
// The DSN must set parseTime=true and loc=UTC; timestamps written by the
// database use UTC_TIMESTAMP to match.
type MySQLAdapter struct {
	db    *sql.DB
	newID func() string
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, newID: uuid.NewString}
}

// Migrate creates missing tables.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) GetCartSnapshot(ctx context.Context, userID string) (*domain.CartSnapshot, error) {
	var snap domain.CartSnapshot
	err := m.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, updated_at
		FROM carts WHERE user_id = ?`, userID,
	).Scan(&snap.Cart.ID, &snap.Cart.UserID, &snap.Cart.CreatedAt, &snap.Cart.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT ci.id, ci.product_id, ci.quantity, ci.added_at,
		       p.store_id, p.name, COALESCE(p.description, ''), p.price, p.image_url,
		       p.stock, p.sold_count, p.is_visible
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = ?
		ORDER BY ci.added_at, ci.id`, snap.Cart.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("query cart items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.CartLine
		line.Item.CartID = snap.Cart.ID
		if err := rows.Scan(
			&line.Item.ID, &line.Item.ProductID, &line.Item.Quantity, &line.Item.AddedAt,
			&line.Product.StoreID, &line.Product.Name, &line.Product.Description, &line.Product.Price,
			&line.Product.ImageURL, &line.Product.Stock, &line.Product.SoldCount, &line.Product.IsVisible,
		); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		line.Product.ID = line.Item.ProductID
		snap.Lines = append(snap.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart items: %w", err)
	}
	return &snap, nil
}

// GetProduct returns nil for unknown products and for products of inactive stores.
func (m *MySQLAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := m.db.QueryRowContext(ctx, `
		SELECT p.id, p.store_id, p.name, COALESCE(p.description, ''), p.price, p.image_url,
		       p.stock, p.sold_count, p.is_visible, p.created_at, p.updated_at
		FROM products p
		JOIN stores s ON s.id = p.store_id
		WHERE p.id = ? AND s.is_active = TRUE`, productID,
	).Scan(&p.ID, &p.StoreID, &p.Name, &p.Description, &p.Price, &p.ImageURL,
		&p.Stock, &p.SoldCount, &p.IsVisible, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func (m *MySQLAdapter) AddCartItem(ctx context.Context, userID, productID string, quantity int, at time.Time) (domain.CartItem, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CartItem{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO carts (id, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at)`,
		m.newID(), userID, at, at,
	)
	if err != nil {
		return domain.CartItem{}, fmt.Errorf("upsert cart: %w", err)
	}

	item := domain.CartItem{ProductID: productID}
	if err := tx.QueryRowContext(ctx, `SELECT id FROM carts WHERE user_id = ?`, userID).Scan(&item.CartID); err != nil {
		return domain.CartItem{}, fmt.Errorf("query cart: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cart_items (id, cart_id, product_id, quantity, added_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE quantity = quantity + VALUES(quantity)`,
		m.newID(), item.CartID, productID, quantity, at,
	)
	if err != nil {
		return domain.CartItem{}, fmt.Errorf("upsert cart item: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT id, quantity, added_at FROM cart_items
		WHERE cart_id = ? AND product_id = ?`, item.CartID, productID,
	).Scan(&item.ID, &item.Quantity, &item.AddedAt)
	if err != nil {
		return domain.CartItem{}, fmt.Errorf("query cart item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.CartItem{}, fmt.Errorf("commit: %w", err)
	}
	return item, nil
}

func (m *MySQLAdapter) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT o.id, o.user_id, o.total, o.status, o.created_at, o.updated_at,
		       oi.id, oi.product_id, oi.quantity, oi.unit_price
		FROM orders o
		LEFT JOIN order_items oi ON oi.order_id = o.id
		WHERE o.user_id = ?
		ORDER BY o.created_at DESC, o.id, oi.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var (
			o         domain.Order
			itemID    sql.NullString
			productID sql.NullString
			quantity  sql.NullInt64
			unitPrice sql.NullInt64
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.Total, &o.Status, &o.CreatedAt, &o.UpdatedAt,
			&itemID, &productID, &quantity, &unitPrice); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if n := len(orders); n == 0 || orders[n-1].ID != o.ID {
			orders = append(orders, o)
		}
		if itemID.Valid {
			last := &orders[len(orders)-1]
			last.Items = append(last.Items, domain.OrderItem{
				ID:        itemID.String,
				OrderID:   o.ID,
				ProductID: productID.String,
				Quantity:  int(quantity.Int64),
				UnitPrice: unitPrice.Int64,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

// WithinTx runs fn in a database transaction, committing only when fn
// returns nil.
func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) InsertOrder(ctx context.Context, order domain.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, total, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		order.ID, order.UserID, order.Total, order.Status, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if len(order.Items) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(order.Items))
	args := make([]any, 0, len(order.Items)*5)
	for _, item := range order.Items {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?)")
		args = append(args, item.ID, order.ID, item.ProductID, item.Quantity, item.UnitPrice)
	}
	_, err = t.tx.ExecContext(ctx,
		"INSERT INTO order_items (id, order_id, product_id, quantity, unit_price) VALUES "+strings.Join(placeholders, ", "),
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}
	return nil
}

func (t *mysqlTx) Ledger() port.InventoryLedger {
	return NewInventoryLedger(t.tx)
}

func (t *mysqlTx) ClearCart(ctx context.Context, cartID string, items []domain.CartItem, at time.Time) error {
	if len(items) > 0 {
		conds := make([]string, 0, len(items))
		args := make([]any, 0, 1+2*len(items))
		args = append(args, cartID)
		for _, item := range items {
			conds = append(conds, "(id = ? AND quantity = ?)")
			args = append(args, item.ID, item.Quantity)
		}
		query := "DELETE FROM cart_items WHERE cart_id = ? AND (" + strings.Join(conds, " OR ") + ")"
		result, err := t.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("delete cart items: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete cart items: %w", err)
		}
		// Another checkout already took these rows or the quantities moved.
		if n != int64(len(items)) {
			return domain.ErrCartChanged
		}
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE carts SET updated_at = ? WHERE id = ?`, at, cartID); err != nil {
		return fmt.Errorf("touch cart: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) GetStoreByUser(ctx context.Context, userID string) (*domain.Store, error) {
	var s domain.Store
	err := m.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, is_active
		FROM stores WHERE user_id = ?
		ORDER BY created_at LIMIT 1`, userID,
	).Scan(&s.ID, &s.UserID, &s.Name, &s.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query store: %w", err)
	}
	return &s, nil
}
