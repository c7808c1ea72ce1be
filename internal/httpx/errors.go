package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-shop-orders/internal/inventory"
	"github.com/ariefcatur/go-shop-orders/internal/logging"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps workflow errors to status codes. Storage failures are logged and answered
// with a generic body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, body := errorResponse(err)
	if code == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, code, body)
}

func errorResponse(err error) (int, errorBody) {
	body := errorBody{Error: err.Error(), Code: orders.Code(err)}

	var (
		verr  *orders.ValidationError
		uerr  *orders.ProductUnavailableError
		serr  *inventory.InsufficientStockError
		trerr *orders.TransitionError
	)
	switch {
	case errors.As(err, &verr):
		body.Error = "validation failed"
		body.Details = make(map[string]any, len(verr.Problems))
		for k, v := range verr.Problems {
			body.Details[k] = v
		}
		return http.StatusBadRequest, body
	case errors.As(err, &uerr):
		body.Details = map[string]any{"product_id": uerr.ProductID}
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &serr):
		body.Details = map[string]any{
			"product_id":   serr.ProductID,
			"product_name": serr.ProductName,
			"available":    serr.Available,
			"requested":    serr.Requested,
		}
		return http.StatusConflict, body
	case errors.Is(err, orders.ErrNotFound):
		body.Error = "order not found"
		return http.StatusNotFound, body
	case errors.Is(err, orders.ErrForbidden):
		body.Error = "access denied"
		return http.StatusForbidden, body
	case errors.As(err, &trerr):
		body.Details = map[string]any{"from": trerr.From, "to": trerr.To}
		return http.StatusConflict, body
	case errors.Is(err, orders.ErrInvalidTransition):
		return http.StatusConflict, body
	default:
		body.Error = "internal server error"
		body.Code = orders.Code(orders.ErrStorage)
		return http.StatusInternalServerError, body
	}
}
