package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/matheus3301/boostsync/internal/archive"
	"github.com/matheus3301/boostsync/internal/chat"
	intsync "github.com/matheus3301/boostsync/internal/sync"
	"go.uber.org/zap"
)

// CloseRequest is the optional body of POST /v1/conversations/{id}/archive.
// An empty body closes the conversation as completed.
type CloseRequest struct {
	Status chat.ConversationStatus `json:"status"`
}

// ArchiveConversation handles POST /v1/conversations/{id}/archive: the
// conversation is closed as completed or blocked, snapshotted with its live
// messages and removed from the conversation list.
func (h *Handler) ArchiveConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	if h.Archiver == nil {
		writeError(w, http.StatusServiceUnavailable, "archiving unavailable")
		return
	}
	req := CloseRequest{Status: chat.ConversationCompleted}
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status == "" {
		req.Status = chat.ConversationCompleted
	}

	entry, err := h.Archiver.Close(id, req.Status)
	switch {
	case errors.Is(err, intsync.ErrNotTerminal):
		writeError(w, http.StatusUnprocessableEntity, "status must be completed or blocked")
	case errors.Is(err, intsync.ErrNoConversation):
		writeError(w, http.StatusNotFound, "conversation not found")
	case err != nil:
		h.logger.Error("archive conversation", zap.Error(err), zap.String("conversation_id", id))
		writeError(w, http.StatusInternalServerError, "archive failed")
	default:
		writeJSON(w, http.StatusCreated, entry)
	}
}

// UnarchiveConversation handles DELETE /v1/conversations/{id}/archive.
func (h *Handler) UnarchiveConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	if !h.Archive.Remove(id) {
		writeError(w, http.StatusNotFound, "conversation not archived")
		return
	}
	if err := h.Store.SetConversationArchived(id, false); err != nil {
		h.logger.Warn("failed to clear archived flag", zap.Error(err), zap.String("conversation_id", id))
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListArchive handles GET /v1/archive: unexpired entries visible to the
// local user, newest first.
func (h *Handler) ListArchive(w http.ResponseWriter, _ *http.Request) {
	entries := h.Archive.GetAll(h.UserID)
	if entries == nil {
		entries = []archive.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archive": entries})
}
