package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yudhapratama/go-apparel-orders.git/internal/payments"
)

type Confirmer interface {
	Confirm(ctx context.Context, req payments.ConfirmRequest) (payments.ConfirmResult, error)
}

type PaymentsHandler struct {
	Gateway Confirmer
}

func (h *PaymentsHandler) Register(r *chi.Mux) {
	r.Post("/payments/confirm", h.confirm)
}

func (h *PaymentsHandler) confirm(w http.ResponseWriter, r *http.Request) {
	var req payments.ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.CorrelationID == "" || req.PaymentID == "" || req.Signature == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := h.Gateway.Confirm(ctx, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	// a replayed confirmation is a success-shaped no-op, not an error
	writeJSON(w, http.StatusOK, res)
}
