package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/yudhapratama/go-apparel-orders.git/internal/catalog"
	"github.com/yudhapratama/go-apparel-orders.git/internal/orders"
	"github.com/yudhapratama/go-apparel-orders.git/internal/payments"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps business errors to status codes. Business errors are
// surfaced verbatim so a multi-item failure still names the offending line.
func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var ins *catalog.InsufficientStockError
	var nf *catalog.CellNotFoundError
	switch {
	case errors.Is(err, orders.ErrEmptyItems), errors.Is(err, orders.ErrInvalidItem):
		return http.StatusBadRequest
	case errors.Is(err, payments.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, orders.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, orders.ErrOrderNotFound), errors.As(err, &nf):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrAlreadyCancelled), errors.Is(err, orders.ErrAlreadyDelivered), errors.As(err, &ins):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
