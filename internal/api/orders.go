package api

import (
	"errors"
	"net/http"

	"github.com/matheus3301/boostsync/internal/fetch"
	"github.com/matheus3301/boostsync/internal/order"
)

// WriteResult reports the outcome of a status write together with whatever
// the cache holds afterwards.
type WriteResult struct {
	Accepted bool         `json:"accepted"`
	Entry    *order.Entry `json:"entry,omitempty"`
}

// ListOrders handles GET /v1/orders.
func (h *Handler) ListOrders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"orders": h.Status.Entries()})
}

// GetOrder handles GET /v1/orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	e, ok := h.Status.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no cached status")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// PutOrder handles PUT /v1/orders/{id}, an optimistic local write. A
// rejected write is a normal answer, not an error.
func (h *Handler) PutOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	var req struct {
		Status  string        `json:"status"`
		Payload order.Payload `json:"payload"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	st, err := order.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	accepted := h.Status.Set(id, st, req.Payload, order.SourceLocal)
	writeJSON(w, http.StatusOK, h.result(id, accepted))
}

// RefreshOrder handles POST /v1/orders/{id}/refresh.
func (h *Handler) RefreshOrder(w http.ResponseWriter, r *http.Request) {
	if h.Refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "no server configured")
		return
	}
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	accepted, err := h.Refresher.Refresh(r.Context(), id)
	if err != nil {
		var httpErr *fetch.HTTPError
		switch {
		case errors.Is(err, fetch.ErrSuperseded):
			writeError(w, http.StatusConflict, err.Error())
		case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound:
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, h.result(id, accepted))
}

func (h *Handler) result(id string, accepted bool) WriteResult {
	res := WriteResult{Accepted: accepted}
	if e, ok := h.Status.Get(id); ok {
		res.Entry = &e
	}
	return res
}
