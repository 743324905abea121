package port

import (
	"context"
	"time"

	"github.com/rl1809/storefront/internal/core/domain"
)

// CartReader loads a user's cart joined with current product data.
type CartReader interface {
	// GetCartSnapshot returns nil when the user has no cart
	GetCartSnapshot(ctx context.Context, userID string) (*domain.CartSnapshot, error)
}

type CartRepository interface {
	CartReader

	// GetProduct returns nil when the product does not exist
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)

	// AddCartItem creates the cart if needed and merges quantity into an existing line
	AddCartItem(ctx context.Context, userID, productID string, quantity int, at time.Time) (domain.CartItem, error)
}

type OrderReader interface {
	// ListOrders returns the user's orders, newest first, with their items
	ListOrders(ctx context.Context, userID string) ([]domain.Order, error)
}

// InventoryLedger adjusts stock inside the transaction it was obtained from.
type InventoryLedger interface {
	// Reserve decrements stock and increments sold count by quantity, failing
	// with *domain.InsufficientStockError when stock would go negative
	Reserve(ctx context.Context, productID string, quantity int) error
}

// Tx exposes the writes that make up one order placement.
type Tx interface {
	InsertOrder(ctx context.Context, order domain.Order) error
	Ledger() InventoryLedger

	// ClearCart removes exactly the given items from the cart, failing with
	// domain.ErrCartChanged if any of them is gone or has a different quantity
	ClearCart(ctx context.Context, cartID string, items []domain.CartItem, at time.Time) error
}

// UnitOfWork runs fn atomically: every write through tx commits together or
// none does.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type StoreReader interface {
	// GetStoreByUser returns nil when the user owns no store
	GetStoreByUser(ctx context.Context, userID string) (*domain.Store, error)
}

type ImportJobRepository interface {
	CreateImportJob(ctx context.Context, job domain.ImportJob) error

	// GetImportJob returns nil when the job does not exist
	GetImportJob(ctx context.Context, jobID string) (*domain.ImportJob, error)

	// TransitionImportJob moves a job from one status to another and sets its
	// progress, failing with domain.ErrInvalidTransition if the job is not in from
	TransitionImportJob(ctx context.Context, jobID string, from, to domain.ImportStatus, progress int) error

	// UpdateImportProgress raises progress of a PROCESSING job; it never lowers it
	UpdateImportProgress(ctx context.Context, jobID string, progress int) error

	// FinishImportJob writes the terminal outcome of a job currently in from
	FinishImportJob(ctx context.Context, jobID string, from domain.ImportStatus, outcome domain.ImportOutcome) error

	// ListStaleImportJobs returns jobs in status whose last update is older than olderThan
	ListStaleImportJobs(ctx context.Context, status domain.ImportStatus, olderThan time.Duration) ([]domain.ImportJob, error)

	// RequeueImportJob increments the attempt counter of a PENDING job and
	// returns the new value, failing with domain.ErrInvalidTransition when the
	// job is no longer PENDING
	RequeueImportJob(ctx context.Context, jobID string) (attempt int, err error)
}

// ProductCommitter writes validated products in one atomic batch.
type ProductCommitter interface {
	// BulkInsertProducts skips rows colliding with an existing unique key and
	// returns how many were actually inserted
	BulkInsertProducts(ctx context.Context, products []domain.Product) (int, error)
}
