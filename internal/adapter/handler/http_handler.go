package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/service"
	"github.com/rl1809/storefront/internal/port"
)

const (
	defaultMaxUpload = 10 << 20
	multipartSlack   = 1 << 20
	requestTimeout   = 30 * time.Second
)

type OrderPlacer interface {
	PlaceOrder(ctx context.Context, userID string) (domain.Order, error)
	ListOrders(ctx context.Context, userID string) ([]domain.Order, error)
}

type CartEditor interface {
	AddItem(ctx context.Context, userID, productID string, quantity int) (domain.CartItem, error)
}

type Importer interface {
	Upload(ctx context.Context, req service.UploadRequest) (service.UploadResult, error)
	GetJobStatus(ctx context.Context, userID, jobID string) (domain.JobStatus, error)
	WatchJob(ctx context.Context, userID, jobID string) (<-chan domain.JobStatus, func(), error)
}

type HTTPHandlerDeps struct {
	Orders   OrderPlacer
	Carts    CartEditor
	Imports  Importer
	Identity port.IdentityResolver
	Health   *HealthChecker
	// MaxUploadBytes defaults to 10 MiB.
	MaxUploadBytes int64
	Logger         *zap.Logger
}

type HTTPHandler struct {
	orders    OrderPlacer
	carts     CartEditor
	imports   Importer
	identity  port.IdentityResolver
	health    *HealthChecker
	maxUpload int64
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func NewHTTPHandler(deps HTTPHandlerDeps) *HTTPHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &HTTPHandler{
		orders:    deps.Orders,
		carts:     deps.Carts,
		imports:   deps.Imports,
		identity:  deps.Identity,
		health:    deps.Health,
		maxUpload: maxUpload,
		logger:    logger.Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Routes returns the HTTP API. Everything below /api requires a caller identity.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			r.Post("/orders", h.PlaceOrder)
			r.Get("/orders", h.ListOrders)
			r.Post("/cart/items", h.AddCartItem)
			r.Post("/imports", h.UploadCSV)
			r.Get("/imports/{jobID}", h.GetImportJob)
		})
		r.Get("/imports/{jobID}/stream", h.StreamImportJob)
	})
	return r
}

type orderItemResponse struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
}

type orderResponse struct {
	ID         string              `json:"id"`
	UserID     string              `json:"userId"`
	Status     string              `json:"status"`
	Total      string              `json:"total"`
	TotalMinor int64               `json:"totalMinor"`
	Items      []orderItemResponse `json:"items"`
	CreatedAt  time.Time           `json:"createdAt"`
}

func toOrderResponse(o domain.Order) orderResponse {
	resp := orderResponse{
		ID:         o.ID,
		UserID:     o.UserID,
		Status:     string(o.Status),
		Total:      formatMinor(o.Total),
		TotalMinor: o.Total,
		Items:      make([]orderItemResponse, 0, len(o.Items)),
		CreatedAt:  o.CreatedAt,
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ID:        it.ID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: formatMinor(it.UnitPrice),
		})
	}
	return resp
}

// formatMinor renders an amount in minor units with two decimals.
func formatMinor(v int64) string {
	return decimal.New(v, -2).StringFixed(2)
}

func (h *HTTPHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.PlaceOrder(r.Context(), userFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListOrders(r.Context(), userFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

type addCartItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type cartItemResponse struct {
	ID        string `json:"id"`
	CartID    string `json:"cartId"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

func (h *HTTPHandler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	var req addCartItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, domain.KindValidation, "invalid request body", nil)
		return
	}
	if req.ProductID == "" {
		writeErrorBody(w, http.StatusBadRequest, domain.KindValidation, "productId is required", nil)
		return
	}

	item, err := h.carts.AddItem(r.Context(), userFrom(r.Context()), req.ProductID, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cartItemResponse{
		ID:        item.ID,
		CartID:    item.CartID,
		ProductID: item.ProductID,
		Quantity:  item.Quantity,
	})
}

func (h *HTTPHandler) UploadCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartSlack)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorBody(w, http.StatusRequestEntityTooLarge, domain.KindValidation, "file too large", nil)
			return
		}
		writeErrorBody(w, http.StatusBadRequest, domain.KindValidation, "invalid multipart form", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		h.writeError(w, r, domain.ErrEmptyFile)
		return
	}
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, domain.KindValidation, "invalid file field", nil)
		return
	}
	defer file.Close()

	if header.Size > h.maxUpload {
		writeErrorBody(w, http.StatusRequestEntityTooLarge, domain.KindValidation, "file too large", nil)
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, domain.KindValidation, "could not read file", nil)
		return
	}
	if int64(len(data)) > h.maxUpload {
		writeErrorBody(w, http.StatusRequestEntityTooLarge, domain.KindValidation, "file too large", nil)
		return
	}

	result, err := h.imports.Upload(r.Context(), service.UploadRequest{
		UserID:      userFrom(r.Context()),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (h *HTTPHandler) GetImportJob(w http.ResponseWriter, r *http.Request) {
	status, err := h.imports.GetJobStatus(r.Context(), userFrom(r.Context()), chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	report, healthy := h.health.Report(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (h *HTTPHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
