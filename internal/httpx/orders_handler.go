package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/yudhapratama/go-apparel-orders.git/internal/catalog"
	"github.com/yudhapratama/go-apparel-orders.git/internal/orders"
	"github.com/yudhapratama/go-apparel-orders.git/internal/redisx"
)

// Settler is what the handler needs from the order core.
type Settler interface {
	PlaceOrder(ctx context.Context, req orders.PlaceOrderRequest) (*orders.Order, error)
	Cancel(ctx context.Context, orderID, reason string, who orders.Identity) (*orders.Order, error)
	MarkDelivered(ctx context.Context, orderID string) (*orders.Order, error)
}

type StatusReader interface {
	GetStatus(ctx context.Context, orderID string) (orders.Status, error)
}

type Catalog interface {
	ListProducts(ctx context.Context) ([]catalog.Product, error)
}

type OrdersHandler struct {
	Core    Settler
	Repo    StatusReader
	Catalog Catalog
	Redis   *redis.Client
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.placeOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/deliver", h.deliverOrder)
	r.Get("/products", h.listProducts)
}

// identity trusts the headers set by the auth layer in front of this
// service; session issuance is not this core's concern.
func identity(r *http.Request) orders.Identity {
	return orders.Identity{
		ID:      r.Header.Get("X-User-Id"),
		IsAdmin: r.Header.Get("X-Admin") == "true",
	}
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	req.UserID = identity(r).ID

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Core.PlaceOrder(ctx, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req cancelReq
	_ = json.NewDecoder(r.Body).Decode(&req)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Core.Cancel(ctx, orderID, req.Reason, identity(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) deliverOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Core.MarkDelivered(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// try cache first
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if h.Redis != nil {
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}

	status, err := h.Repo.GetStatus(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	body, _ := json.Marshal(map[string]any{"status": status})
	if h.Redis != nil {
		_ = h.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Catalog.ListProducts(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ps)
}
