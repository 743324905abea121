package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rl1809/storefront/internal/core/domain"
)

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InventoryLedger decrements stock with a single conditional UPDATE. The row
// lock taken by the UPDATE serializes concurrent reservations of one product,
// so a reservation either sees enough stock or affects no row.
type InventoryLedger struct {
	q execQueryer
}

// NewInventoryLedger binds the ledger to q, normally a *sql.Tx.
func NewInventoryLedger(q execQueryer) *InventoryLedger {
	return &InventoryLedger{q: q}
}

func (l *InventoryLedger) Reserve(ctx context.Context, productID string, quantity int) error {
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}

	result, err := l.q.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - ?, sold_count = sold_count + ?, updated_at = UTC_TIMESTAMP(3)
		WHERE id = ? AND stock >= ?`,
		quantity, quantity, productID, quantity,
	)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var (
		name  string
		stock int
	)
	err = l.q.QueryRowContext(ctx, `SELECT name, stock FROM products WHERE id = ?`, productID).Scan(&name, &stock)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	if err != nil {
		return fmt.Errorf("query stock: %w", err)
	}
	return &domain.InsufficientStockError{
		ProductID:   productID,
		ProductName: name,
		Available:   stock,
		Requested:   quantity,
	}
}
