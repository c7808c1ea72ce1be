package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-shop-orders/internal/logging"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
)

const maxIdempotencyKey = 255

// Idempotency is satisfied by *redisx.Idempotency.
type Idempotency interface {
	Begin(ctx context.Context, key string) ([]byte, error)
	Finish(ctx context.Context, key string, response []byte) error
	Abort(ctx context.Context, key string) error
}

// StatusCache is satisfied by *redisx.StatusCache.
type StatusCache interface {
	Get(ctx context.Context, orderID int64) (redisx.CachedStatus, bool, error)
	Apply(ctx context.Context, orderID int64, status string, at time.Time) (bool, error)
}

// OrdersHandler serves the order and product routes. Idem and Status are optional; without
// them every request goes to the service.
type OrdersHandler struct {
	Service *orders.Service
	Auth    *Auth
	Idem    Idempotency
	Status  StatusCache
}

type createOrderReq struct {
	orders.Customer
	Items         []orders.CartLine    `json:"items"`
	PaymentMethod orders.PaymentMethod `json:"payment_method"`
	Notes         string               `json:"notes"`
}

type orderResp struct {
	Message string       `json:"message"`
	Order   orders.Order `json:"order"`
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type listResp struct {
	Orders     []orders.Order `json:"orders"`
	Pagination pagination     `json:"pagination"`
}

type statusResp struct {
	OrderID int64         `json:"order_id"`
	Status  orders.Status `json:"status"`
}

type setStatusReq struct {
	Status string `json:"status"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Get("/orders/{id}/status", h.orderStatus)
	r.With(h.Auth.Optional).Post("/orders", h.createOrder)

	r.Group(func(r chi.Router) {
		r.Use(h.Auth.Required)
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{id}", h.getOrder)
		r.Patch("/orders/{id}/cancel", h.cancelOrder)
		r.With(RequireAdmin).Patch("/orders/{id}/process", h.processOrder)
		r.With(RequireAdmin).Patch("/orders/{id}/status", h.setStatus)
	})
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Code: orders.Code(orders.ErrValidation)})
		return
	}

	actor := actorFrom(r.Context())
	sub := orders.SubmitRequest{
		Customer:      req.Customer,
		Items:         req.Items,
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
	}
	if actor.UserID != 0 {
		id := actor.UserID
		sub.UserID = &id
	}

	key, proceed := h.beginIdempotent(w, r, actor)
	if !proceed {
		return
	}

	o, err := h.Service.Submit(r.Context(), sub)
	if err != nil {
		h.abortIdempotent(r, key)
		writeError(w, r, err)
		return
	}
	h.cacheStatus(r.Context(), o)

	body, err := json.Marshal(orderResp{Message: "Order created successfully", Order: o})
	if err != nil {
		h.abortIdempotent(r, key)
		writeError(w, r, err)
		return
	}
	h.finishIdempotent(r, key, body)
	writeRaw(w, http.StatusCreated, body)
}

// beginIdempotent reports whether the handler should go on. When it returns false the response
// has been written: a replay, a conflict or a bad key.
func (h *OrdersHandler) beginIdempotent(w http.ResponseWriter, r *http.Request, actor orders.Actor) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if raw == "" || h.Idem == nil {
		return "", true
	}
	if len(raw) > maxIdempotencyKey {
		writeError(w, r, &orders.ValidationError{Problems: map[string]string{
			"Idempotency-Key": "must be at most 255 characters",
		}})
		return "", false
	}

	// keys are per caller so two customers cannot collide or read each other's orders
	key := strconv.FormatInt(actor.UserID, 10) + ":" + raw
	stored, err := h.Idem.Begin(r.Context(), key)
	switch {
	case errors.Is(err, redisx.ErrInFlight):
		writeJSON(w, http.StatusConflict, errorBody{
			Error: "a request with this idempotency key is still in progress",
			Code:  "IDEMPOTENCY_IN_FLIGHT",
		})
		return "", false
	case err != nil:
		logging.FromContext(r.Context()).Warn("idempotency store unavailable", zap.Error(err))
		return "", true
	case stored != nil:
		w.Header().Set("Idempotent-Replayed", "true")
		writeRaw(w, http.StatusCreated, stored)
		return "", false
	}
	return key, true
}

func (h *OrdersHandler) finishIdempotent(r *http.Request, key string, body []byte) {
	if key == "" {
		return
	}
	if err := h.Idem.Finish(context.WithoutCancel(r.Context()), key, body); err != nil {
		logging.FromContext(r.Context()).Warn("idempotency finish failed", zap.Error(err))
	}
}

func (h *OrdersHandler) abortIdempotent(r *http.Request, key string) {
	if key == "" {
		return
	}
	if err := h.Idem.Abort(context.WithoutCancel(r.Context()), key); err != nil {
		logging.FromContext(r.Context()).Warn("idempotency abort failed", zap.Error(err))
	}
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}

	p, err := h.Service.List(r.Context(), f, actorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if p.Orders == nil {
		p.Orders = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, listResp{
		Orders:     p.Orders,
		Pagination: pagination{Page: p.Page, Limit: p.Limit, Total: p.Total, Pages: p.Pages},
	})
}

func parseListFilter(q url.Values) (orders.ListFilter, error) {
	var f orders.ListFilter
	problems := map[string]string{}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			problems["page"] = "must be a positive integer"
		}
		f.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			problems["limit"] = "must be a positive integer"
		}
		f.Limit = n
	}
	if v := q.Get("user_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			problems["user_id"] = "must be a positive integer"
		}
		f.UserID = &n
	}
	if v := q.Get("status"); v != "" {
		st, err := orders.ParseStatus(v)
		if err != nil {
			problems["status"] = "unknown status"
		}
		f.Status = &st
	}

	if len(problems) > 0 {
		return orders.ListFilter{}, &orders.ValidationError{Problems: problems}
	}
	return f, nil
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	o, err := h.Service.Get(r.Context(), id, actorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) orderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}

	if h.Status != nil {
		c, found, err := h.Status.Get(r.Context(), id)
		if err != nil {
			logging.FromContext(r.Context()).Warn("status cache read failed", zap.Error(err))
		}
		if found {
			writeJSON(w, http.StatusOK, statusResp{OrderID: id, Status: orders.Status(c.Status)})
			return
		}
	}

	st, err := h.Service.Status(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// only a final status is safe to stamp with this clock, since no later event can follow it
	if h.Status != nil && st.Terminal() {
		if _, err := h.Status.Apply(r.Context(), id, string(st), time.Now()); err != nil {
			logging.FromContext(r.Context()).Warn("status cache write failed", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, statusResp{OrderID: id, Status: st})
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	o, err := h.Service.Cancel(r.Context(), id, actorFrom(r.Context()))
	h.respondMutation(w, r, o, err, "Order cancelled successfully")
}

func (h *OrdersHandler) processOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	o, err := h.Service.Process(r.Context(), id, actorFrom(r.Context()))
	h.respondMutation(w, r, o, err, "Order processed successfully")
}

func (h *OrdersHandler) setStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req setStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Code: orders.Code(orders.ErrValidation)})
		return
	}
	o, err := h.Service.SetStatus(r.Context(), id, req.Status, actorFrom(r.Context()))
	h.respondMutation(w, r, o, err, "Order status updated successfully")
}

func (h *OrdersHandler) respondMutation(w http.ResponseWriter, r *http.Request, o orders.Order, err error, msg string) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.cacheStatus(r.Context(), o)
	writeJSON(w, http.StatusOK, orderResp{Message: msg, Order: o})
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Service.Products(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, o orders.Order) {
	if h.Status == nil {
		return
	}
	if _, err := h.Status.Apply(context.WithoutCancel(ctx), o.ID, string(o.Status), o.UpdatedAt); err != nil {
		logging.FromContext(ctx).Warn("status cache write failed", zap.Int64("order_id", o.ID), zap.Error(err))
	}
}

func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, r, &orders.ValidationError{Problems: map[string]string{"id": "must be a positive integer"}})
		return 0, false
	}
	return id, true
}

func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
