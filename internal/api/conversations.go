package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/matheus3301/boostsync/internal/chat"
	"go.uber.org/zap"
)

const defaultPageSize = 50

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid " + key)
	}
	return v, nil
}

// ListConversations handles GET /v1/conversations. Archived conversations
// are left out.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	convs, err := h.Store.ListConversations(limit, offset)
	if err != nil {
		h.logger.Error("list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list conversations failed")
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// ListMessages handles GET /v1/conversations/{id}/messages. Without a
// before cursor it returns the live timeline with day separators in the
// zone named by tz. With ?before=<unix ms> it pages stored history.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	if raw := r.URL.Query().Get("before"); raw != "" {
		before, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before")
			return
		}
		limit, err := queryInt(r, "limit", defaultPageSize)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		msgs, err := h.Store.ListMessages(id, before, limit)
		if err != nil {
			h.logger.Error("list messages", zap.Error(err), zap.String("conversation_id", id))
			writeError(w, http.StatusInternalServerError, "list messages failed")
			return
		}
		if msgs == nil {
			msgs = []chat.Message{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "hasMore": len(msgs) == limit})
		return
	}

	loc := time.Local
	if tz := r.URL.Query().Get("tz"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown time zone")
			return
		}
		loc = l
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": h.Messages.Timeline(id, loc)})
}

// SendMessage handles POST /v1/conversations/{id}/messages. The message is
// accepted optimistically and delivered in the background.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	var req struct {
		Content string    `json:"content"`
		Kind    chat.Kind `json:"kind"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusUnprocessableEntity, "content is required")
		return
	}
	tempID := h.Outbox.Send(id, req.Content, req.Kind)
	m, _ := h.Messages.Get(tempID)
	writeJSON(w, http.StatusAccepted, m)
}

// RetryMessage handles POST /v1/messages/{id}/retry.
func (h *Handler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	err := h.Outbox.Retry(id)
	switch {
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	}
}

// RefreshConversation handles POST /v1/conversations/{id}/refresh.
func (h *Handler) RefreshConversation(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "no server configured")
		return
	}
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	changed, err := h.Engine.RefreshMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": changed})
}
