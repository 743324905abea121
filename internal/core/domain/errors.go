package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart         = errors.New("cart is empty")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrTransactionFailed = errors.New("transaction failed")
	ErrProductNotFound   = errors.New("product not found")
	ErrInvalidQuantity   = errors.New("quantity must be greater than zero")
	ErrCartChanged       = errors.New("cart changed during checkout, please review it and try again")

	ErrInvalidFileType   = errors.New("only CSV files are accepted")
	ErrEmptyFile         = errors.New("no file uploaded")
	ErrStoreNotFound     = errors.New("user has no store")
	ErrJobNotFound       = errors.New("import job not found")
	ErrInvalidTransition = errors.New("invalid import status transition")
	ErrMalformedCSV      = errors.New("malformed csv")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrQueueUnavailable  = errors.New("task queue unavailable")
	ErrUnauthenticated   = errors.New("unauthenticated")
)

// InsufficientStockError names the first line that could not be covered.
type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Available   int
	Requested   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("product %q does not have enough stock: available %d, requested %d",
		e.ProductName, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// TransactionFailedError hides the storage cause from callers while keeping it
// reachable for logs.
type TransactionFailedError struct {
	Err error
}

func (e *TransactionFailedError) Error() string {
	return "order could not be placed, please try again"
}

func (e *TransactionFailedError) Is(target error) bool { return target == ErrTransactionFailed }

func (e *TransactionFailedError) Unwrap() error { return e.Err }

// Kind groups errors so callers can tell bad input from an unavailable system.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindUnauthenticated Kind = "unauthenticated"
	KindIntegrity       Kind = "integrity"
	KindUnavailable     Kind = "unavailable"
	KindInternal        Kind = "internal"
)

func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrEmptyCart),
		errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidFileType),
		errors.Is(err, ErrEmptyFile),
		errors.Is(err, ErrMalformedCSV):
		return KindValidation
	case errors.Is(err, ErrProductNotFound),
		errors.Is(err, ErrStoreNotFound),
		errors.Is(err, ErrJobNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransactionFailed),
		errors.Is(err, ErrCartChanged),
		errors.Is(err, ErrInvalidTransition):
		return KindIntegrity
	case errors.Is(err, ErrSourceUnavailable),
		errors.Is(err, ErrQueueUnavailable):
		return KindUnavailable
	default:
		return KindInternal
	}
}
