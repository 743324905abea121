package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

type CartService struct {
	repo   port.CartRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewCartService(repo port.CartRepository, logger *zap.Logger) *CartService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CartService{repo: repo, logger: logger.Named("cart"), now: time.Now}
}

// AddItem puts quantity units of a product in the user's cart, merging with
// an existing line. Stock is checked but not reserved.
func (s *CartService) AddItem(ctx context.Context, userID, productID string, quantity int) (domain.CartItem, error) {
	if quantity <= 0 {
		return domain.CartItem{}, domain.ErrInvalidQuantity
	}

	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.CartItem{}, fmt.Errorf("get product: %w", err)
	}
	if product == nil || !product.IsVisible {
		return domain.CartItem{}, domain.ErrProductNotFound
	}
	if product.Stock < quantity {
		return domain.CartItem{}, &domain.InsufficientStockError{
			ProductID:   product.ID,
			ProductName: product.Name,
			Available:   product.Stock,
			Requested:   quantity,
		}
	}

	item, err := s.repo.AddCartItem(ctx, userID, productID, quantity, s.now())
	if err != nil {
		return domain.CartItem{}, fmt.Errorf("add cart item: %w", err)
	}

	s.logger.Debug("cart item added",
		zap.String("user_id", userID),
		zap.String("product_id", productID),
		zap.Int("quantity", item.Quantity))
	return item, nil
}
