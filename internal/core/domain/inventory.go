package domain

import "time"

// Product is a catalog entry together with its stock counters.
// Stock never goes below zero and SoldCount only grows.
type Product struct {
	ID          string
	StoreID     string
	Name        string
	Description string
	Price       int64 // minor currency units
	ImageURL    string
	Stock       int
	SoldCount   int
	IsVisible   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store is the seller a product belongs to.
type Store struct {
	ID       string
	UserID   string
	Name     string
	IsActive bool
}
