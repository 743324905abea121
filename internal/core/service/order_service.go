package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
	"github.com/rl1809/storefront/internal/telemetry"
)

// OrderService turns a user's cart into an order in a single transaction.
type OrderService struct {
	carts  port.CartReader
	orders port.OrderReader
	uow    port.UnitOfWork
	logger *zap.Logger
	tracer trace.Tracer

	placed metric.Int64Counter
	failed metric.Int64Counter

	now   func() time.Time
	newID func() string
}

func NewOrderService(carts port.CartReader, orders port.OrderReader, uow port.UnitOfWork, logger *zap.Logger) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderService{
		carts:  carts,
		orders: orders,
		uow:    uow,
		logger: logger.Named("orders"),
		tracer: otel.Tracer(telemetry.InstrumentationName),
		placed: telemetry.Counter("orders.placed", "Orders committed"),
		failed: telemetry.Counter("orders.failed", "Order placements rejected or rolled back"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// PlaceOrder converts the user's cart into a COMPLETED order. On success the
// order exists, every product's stock dropped by the ordered quantity and
// the cart is empty. On failure none of that happened.
func (s *OrderService) PlaceOrder(ctx context.Context, userID string) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.place", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	order, err := s.placeOrder(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(domain.KindOf(err)))))
		return domain.Order{}, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID), attribute.Int64("order.total", order.Total))
	s.placed.Add(ctx, 1)
	return order, nil
}

func (s *OrderService) placeOrder(ctx context.Context, userID string) (domain.Order, error) {
	snapshot, err := s.carts.GetCartSnapshot(ctx, userID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("load cart: %w", err)
	}
	if snapshot.Empty() {
		return domain.Order{}, domain.ErrEmptyCart
	}

	// Fail fast on the snapshot; the ledger re-checks under lock.
	for _, line := range snapshot.Lines {
		if line.Product.Stock < line.Item.Quantity {
			return domain.Order{}, &domain.InsufficientStockError{
				ProductID:   line.Product.ID,
				ProductName: line.Product.Name,
				Available:   line.Product.Stock,
				Requested:   line.Item.Quantity,
			}
		}
	}

	now := s.now()
	order := s.buildOrder(userID, snapshot, now)

	// Reserve in a stable order so two checkouts sharing products cannot deadlock.
	reservations := make([]domain.CartLine, len(snapshot.Lines))
	copy(reservations, snapshot.Lines)
	sort.Slice(reservations, func(i, j int) bool {
		return reservations[i].Product.ID < reservations[j].Product.ID
	})

	err = s.uow.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		ledger := tx.Ledger()
		for _, line := range reservations {
			if err := ledger.Reserve(ctx, line.Product.ID, line.Item.Quantity); err != nil {
				return err
			}
		}
		if err := tx.ClearCart(ctx, snapshot.Cart.ID, snapshot.Items(), now); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}
		return nil
	})
	if err != nil {
		var stockErr *domain.InsufficientStockError
		if errors.As(err, &stockErr) {
			s.logger.Info("order rejected, stock changed during checkout",
				zap.String("user_id", userID),
				zap.String("product_id", stockErr.ProductID),
				zap.Int("available", stockErr.Available),
				zap.Int("requested", stockErr.Requested))
			return domain.Order{}, stockErr
		}
		if errors.Is(err, domain.ErrCartChanged) {
			s.logger.Info("order rejected, cart changed during checkout", zap.String("user_id", userID))
			return domain.Order{}, domain.ErrCartChanged
		}
		s.logger.Error("order transaction rolled back", zap.String("user_id", userID), zap.Error(err))
		return domain.Order{}, &domain.TransactionFailedError{Err: err}
	}

	s.logger.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("user_id", userID),
		zap.Int("items", len(order.Items)),
		zap.Int64("total", order.Total))
	return order, nil
}

func (s *OrderService) buildOrder(userID string, snapshot *domain.CartSnapshot, now time.Time) domain.Order {
	order := domain.Order{
		ID:        s.newID(),
		UserID:    userID,
		Total:     snapshot.Total(),
		Status:    domain.OrderStatusCompleted,
		Items:     make([]domain.OrderItem, 0, len(snapshot.Lines)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, line := range snapshot.Lines {
		order.Items = append(order.Items, domain.OrderItem{
			ID:        s.newID(),
			OrderID:   order.ID,
			ProductID: line.Product.ID,
			Quantity:  line.Item.Quantity,
			UnitPrice: line.Product.Price,
		})
	}
	return order
}

// ListOrders returns the user's orders newest first.
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	orders, err := s.orders.ListOrders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}
