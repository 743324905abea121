package domain

import "time"

type Cart struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CartItem struct {
	ID        string
	CartID    string
	ProductID string
	Quantity  int
	AddedAt   time.Time
}

// CartLine is a cart item joined with the product as it was when the cart was read.
type CartLine struct {
	Item    CartItem
	Product Product
}

// CartSnapshot is a cart with its lines, read in one go so prices and stock
// are consistent with each other.
type CartSnapshot struct {
	Cart  Cart
	Lines []CartLine
}

func (s *CartSnapshot) Empty() bool {
	return s == nil || len(s.Lines) == 0
}

// Total sums snapshot price times quantity over every line.
func (s *CartSnapshot) Total() int64 {
	if s == nil {
		return 0
	}
	var total int64
	for _, l := range s.Lines {
		total += l.Product.Price * int64(l.Item.Quantity)
	}
	return total
}

// Items returns the cart items the snapshot was built from.
func (s *CartSnapshot) Items() []CartItem {
	if s == nil {
		return nil
	}
	items := make([]CartItem, 0, len(s.Lines))
	for _, l := range s.Lines {
		items = append(items, l.Item)
	}
	return items
}
