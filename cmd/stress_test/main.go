package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/storefront/internal/adapter/handler"
)

const (
	initialStock  = 20
	totalRequests = 50
	unitPrice     = 1999
	tokenTTL      = 10 * time.Minute
)

// The stress test seeds one product directly in MySQL, gives every buyer a
// cart holding one unit, then checks out all carts at once against a running
// server. Exactly initialStock checkouts may succeed.
func main() {
	ctx := context.Background()

	baseURL := getEnv("API_URL", "http://localhost:8080")
	mysqlDSN := getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/storefront?parseTime=true&loc=UTC")
	secret := getEnv("JWT_SECRET", "")
	if secret == "" {
		log.Fatal("JWT_SECRET must match the server's")
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		log.Fatalf("failed to open mysql: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping mysql: %v", err)
	}

	storeID, productID := uuid.NewString(), uuid.NewString()
	if _, err := db.ExecContext(ctx, `INSERT INTO stores (id, user_id, name) VALUES (?, ?, ?)`,
		storeID, "stress-seller", "stress-store-"+storeID[:8]); err != nil {
		log.Fatalf("failed to seed store: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO products (id, store_id, name, price, stock)
		VALUES (?, ?, ?, ?, ?)`,
		productID, storeID, "stress-item", unitPrice, initialStock); err != nil {
		log.Fatalf("failed to seed product: %v", err)
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second)
	issuer := handler.NewJWTResolver(secret)

	// Fill every buyer's cart first so the checkout burst is the only contention.
	tokens := make([]string, totalRequests)
	for i := range tokens {
		token, err := issuer.Issue(fmt.Sprintf("stress-buyer-%s-%d", storeID[:8], i), tokenTTL)
		if err != nil {
			log.Fatalf("failed to sign token: %v", err)
		}
		tokens[i] = token

		resp, err := client.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetBody(map[string]any{"productId": productID, "quantity": 1}).
			Post("/api/cart/items")
		if err != nil {
			log.Fatalf("add to cart: %v", err)
		}
		if resp.StatusCode() != http.StatusOK {
			log.Fatalf("add to cart: %s %s", resp.Status(), resp.String())
		}
	}

	var (
		successCount  atomic.Int32
		conflictCount atomic.Int32
		otherCount    atomic.Int32
	)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()

			resp, err := client.R().
				SetContext(ctx).
				SetAuthToken(token).
				Post("/api/orders")
			switch {
			case err != nil:
				otherCount.Add(1)
			case resp.StatusCode() == http.StatusCreated:
				successCount.Add(1)
			case resp.StatusCode() == http.StatusConflict:
				conflictCount.Add(1)
			default:
				otherCount.Add(1)
			}
		}(tokens[i])
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	conflict := conflictCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Created:          %d\n", success)
	fmt.Printf("Out of stock:     %d\n", conflict)
	fmt.Printf("Other errors:     %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == initialStock && conflict == totalRequests-initialStock {
		fmt.Printf("PASS: Exactly %d orders succeeded, %d failed\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d conflict, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, conflict)
	}

	var finalStock, sold int
	if err := db.QueryRowContext(ctx, `SELECT stock, sold_count FROM products WHERE id = ?`, productID).
		Scan(&finalStock, &sold); err != nil {
		log.Fatalf("failed to read final stock: %v", err)
	}
	fmt.Printf("Final Stock: %d, Sold: %d\n", finalStock, sold)

	if finalStock == 0 && sold == initialStock {
		fmt.Println("PASS: Stock depleted to 0 without overselling")
	} else {
		fmt.Printf("FAIL: Expected stock 0 and %d sold, got %d and %d\n", initialStock, finalStock, sold)
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
