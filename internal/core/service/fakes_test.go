package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

// memStore is an in-memory cart/order store. Transactions hold the store
// lock for their whole duration and work on copies that replace the
// committed state only when fn succeeds.
type memStore struct {
	mu       sync.Mutex
	products map[string]domain.Product
	carts    map[string]domain.Cart
	items    map[string][]domain.CartItem
	orders   []domain.Order

	reserveLog [][]string
	clearErr   error
	snapshotFn func(*domain.CartSnapshot)
}

func newMemStore(products ...domain.Product) *memStore {
	s := &memStore{
		products: make(map[string]domain.Product),
		carts:    make(map[string]domain.Cart),
		items:    make(map[string][]domain.CartItem),
	}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *memStore) putCart(userID string, lines map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart := domain.Cart{ID: "cart-" + userID, UserID: userID}
	s.carts[userID] = cart
	ids := make([]string, 0, len(lines))
	for id := range lines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for i, id := range ids {
		s.items[cart.ID] = append(s.items[cart.ID], domain.CartItem{
			ID:        fmt.Sprintf("%s-item-%d", cart.ID, i),
			CartID:    cart.ID,
			ProductID: id,
			Quantity:  lines[id],
		})
	}
}

func (s *memStore) product(id string) domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id]
}

func (s *memStore) cartLen(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items[s.carts[userID].ID])
}

func (s *memStore) addItem(userID, productID string, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cartID := s.carts[userID].ID
	s.items[cartID] = append(s.items[cartID], domain.CartItem{
		ID:        fmt.Sprintf("%s-item-%d", cartID, len(s.items[cartID])),
		CartID:    cartID,
		ProductID: productID,
		Quantity:  quantity,
	})
}

func (s *memStore) setQuantity(userID, productID string, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cartID := s.carts[userID].ID
	items := append([]domain.CartItem(nil), s.items[cartID]...)
	for i := range items {
		if items[i].ProductID == productID {
			items[i].Quantity = quantity
		}
	}
	s.items[cartID] = items
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) GetCartSnapshot(ctx context.Context, userID string) (*domain.CartSnapshot, error) {
	s.mu.Lock()
	cart, ok := s.carts[userID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	snap := &domain.CartSnapshot{Cart: cart}
	for _, item := range s.items[cart.ID] {
		snap.Lines = append(snap.Lines, domain.CartLine{Item: item, Product: s.products[item.ProductID]})
	}
	hook := s.snapshotFn
	s.mu.Unlock()

	if hook != nil {
		hook(snap)
	}
	return snap, nil
}

func (s *memStore) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Order
	for i := len(s.orders) - 1; i >= 0; i-- {
		if s.orders[i].UserID == userID {
			out = append(out, s.orders[i])
		}
	}
	return out, nil
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:    s,
		products: make(map[string]domain.Product, len(s.products)),
		items:    make(map[string][]domain.CartItem, len(s.items)),
	}
	for k, v := range s.products {
		tx.products[k] = v
	}
	for k, v := range s.items {
		tx.items[k] = v
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.products = tx.products
	s.items = tx.items
	s.orders = append(s.orders, tx.orders...)
	s.reserveLog = append(s.reserveLog, tx.reserved)
	return nil
}

type memTx struct {
	store    *memStore
	products map[string]domain.Product
	items    map[string][]domain.CartItem
	orders   []domain.Order
	reserved []string
}

func (t *memTx) InsertOrder(ctx context.Context, order domain.Order) error {
	t.orders = append(t.orders, order)
	return nil
}

func (t *memTx) Ledger() port.InventoryLedger { return t }

func (t *memTx) Reserve(ctx context.Context, productID string, quantity int) error {
	p, ok := t.products[productID]
	if !ok {
		return domain.ErrProductNotFound
	}
	if p.Stock < quantity {
		return &domain.InsufficientStockError{
			ProductID:   p.ID,
			ProductName: p.Name,
			Available:   p.Stock,
			Requested:   quantity,
		}
	}
	p.Stock -= quantity
	p.SoldCount += quantity
	t.products[productID] = p
	t.reserved = append(t.reserved, productID)
	return nil
}

func (t *memTx) ClearCart(ctx context.Context, cartID string, items []domain.CartItem, at time.Time) error {
	if t.store.clearErr != nil {
		return t.store.clearErr
	}
	want := make(map[string]int, len(items))
	for _, item := range items {
		want[item.ID] = item.Quantity
	}
	var kept []domain.CartItem
	for _, item := range t.items[cartID] {
		qty, ok := want[item.ID]
		if !ok {
			kept = append(kept, item)
			continue
		}
		if qty != item.Quantity {
			return domain.ErrCartChanged
		}
		delete(want, item.ID)
	}
	if len(want) > 0 {
		return domain.ErrCartChanged
	}
	t.items[cartID] = kept
	return nil
}

// memJobs records every progress value written so tests can check ordering.
type memJobs struct {
	mu       sync.Mutex
	jobs     map[string]domain.ImportJob
	progress map[string][]int
	stores   map[string]domain.Store
}

func newMemJobs() *memJobs {
	return &memJobs{
		jobs:     make(map[string]domain.ImportJob),
		progress: make(map[string][]int),
		stores:   make(map[string]domain.Store),
	}
}

func (m *memJobs) GetStoreByUser(ctx context.Context, userID string) (*domain.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stores[userID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *memJobs) CreateImportJob(ctx context.Context, job domain.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *memJobs) GetImportJob(ctx context.Context, jobID string) (*domain.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (m *memJobs) job(jobID string) domain.ImportJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID]
}

func (m *memJobs) TransitionImportJob(ctx context.Context, jobID string, from, to domain.ImportStatus, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != from || !from.CanTransitionTo(to) {
		return domain.ErrInvalidTransition
	}
	job.Status = to
	m.setProgress(&job, progress)
	m.jobs[jobID] = job
	return nil
}

func (m *memJobs) UpdateImportProgress(ctx context.Context, jobID string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	if job.Status != domain.ImportStatusProcessing {
		return nil
	}
	m.setProgress(&job, progress)
	m.jobs[jobID] = job
	return nil
}

func (m *memJobs) FinishImportJob(ctx context.Context, jobID string, from domain.ImportStatus, outcome domain.ImportOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != from || !from.CanTransitionTo(outcome.Status) {
		return domain.ErrInvalidTransition
	}
	job.Status = outcome.Status
	m.setProgress(&job, outcome.Progress)
	job.TotalRows = outcome.TotalRows
	job.ProcessedRows = outcome.ProcessedRows
	job.ErrorRows = outcome.ErrorRows
	job.SkippedRows = outcome.SkippedRows
	job.ErrorReportKey = outcome.ErrorReportKey
	job.ErrorMessage = outcome.ErrorMessage
	m.jobs[jobID] = job
	return nil
}

func (m *memJobs) setProgress(job *domain.ImportJob, progress int) {
	if progress > job.Progress {
		job.Progress = progress
	}
	m.progress[job.ID] = append(m.progress[job.ID], job.Progress)
}

func (m *memJobs) ListStaleImportJobs(ctx context.Context, status domain.ImportStatus, olderThan time.Duration) ([]domain.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []domain.ImportJob
	for _, job := range m.jobs {
		if job.Status == status && job.UpdatedAt.Before(cutoff) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *memJobs) RequeueImportJob(ctx context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != domain.ImportStatusPending {
		return 0, domain.ErrInvalidTransition
	}
	job.Attempts++
	job.UpdatedAt = time.Now()
	m.jobs[jobID] = job
	return job.Attempts, nil
}

// age makes a job look untouched for d.
func (m *memJobs) age(jobID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	job.UpdatedAt = time.Now().Add(-d)
	m.jobs[jobID] = job
}

// memCatalog enforces the (store, name) uniqueness of products.
type memCatalog struct {
	mu       sync.Mutex
	products []domain.Product
	panicOn  string
}

func (c *memCatalog) BulkInsertProducts(ctx context.Context, products []domain.Product) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(c.products))
	for _, p := range c.products {
		seen[p.StoreID+"/"+p.Name] = true
	}
	inserted := 0
	for _, p := range products {
		if p.Name == c.panicOn {
			panic("catalog exploded")
		}
		if seen[p.StoreID+"/"+p.Name] {
			continue
		}
		seen[p.StoreID+"/"+p.Name] = true
		c.products = append(c.products, p)
		inserted++
	}
	return inserted, nil
}

type memBlob struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string]memBlob
	getErr  error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string]memBlob)}
}

func (b *memBlobs) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = memBlob{data: append([]byte(nil), data...), contentType: contentType, metadata: metadata}
	return "mem://" + key, nil
}

func (b *memBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return nil, b.getErr
	}
	obj, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSourceUnavailable, key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (b *memBlobs) object(key string) (memBlob, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[key]
	return obj, ok
}

// memQueue pushes each job attempt at most once, like the Redis queue.
type memQueue struct {
	mu     sync.Mutex
	tasks  []domain.ImportTask
	pushed map[string]bool
	err    error
}

func (q *memQueue) Enqueue(ctx context.Context, task domain.ImportTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	key := fmt.Sprintf("%s:%d", task.JobID, task.Attempt)
	if q.pushed[key] {
		return port.ErrAlreadyQueued
	}
	if q.pushed == nil {
		q.pushed = make(map[string]bool)
	}
	q.pushed[key] = true
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *memQueue) Dequeue(ctx context.Context) (domain.ImportTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return domain.ImportTask{}, errors.New("empty")
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, nil
}

func (q *memQueue) queued() []domain.ImportTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.ImportTask(nil), q.tasks...)
}
