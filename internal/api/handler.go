// Package api serves the daemon's local HTTP control surface.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/boostsync/internal/archive"
	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/fetch"
	"github.com/matheus3301/boostsync/internal/ids"
	"github.com/matheus3301/boostsync/internal/outbox"
	"github.com/matheus3301/boostsync/internal/status"
	"github.com/matheus3301/boostsync/internal/store"
	intsync "github.com/matheus3301/boostsync/internal/sync"
	"go.uber.org/zap"
)

// Deps are the components the handlers operate on. Refresher, Engine,
// Archiver, Connected and Metrics are optional; the routes that need them
// answer 503 when absent.
type Deps struct {
	UserID    string
	Status    *status.Reconciler
	Refresher *fetch.Refresher
	Messages  *chat.Reconciler
	Outbox    *outbox.Sender
	Engine    *intsync.Engine
	Archive   *archive.Store
	Archiver  *intsync.Archiver
	Store     *store.DB
	Connected func() bool
	Metrics   http.Handler
}

// Handler holds all API handler state.
type Handler struct {
	Deps
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Deps, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Deps: d, logger: logger}
}

// Router builds the route tree.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(h.requestLog)

	r.Get("/healthz", h.Health)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", h.Stats)

		r.Get("/orders", h.ListOrders)
		r.Get("/orders/{id}", h.GetOrder)
		r.Put("/orders/{id}", h.PutOrder)
		r.Post("/orders/{id}/refresh", h.RefreshOrder)

		r.Get("/conversations", h.ListConversations)
		r.Get("/conversations/{id}/messages", h.ListMessages)
		r.Post("/conversations/{id}/messages", h.SendMessage)
		r.Post("/conversations/{id}/refresh", h.RefreshConversation)
		r.Post("/conversations/{id}/archive", h.ArchiveConversation)
		r.Delete("/conversations/{id}/archive", h.UnarchiveConversation)

		r.Post("/messages/{id}/retry", h.RetryMessage)

		r.Get("/archive", h.ListArchive)
	})
	return r
}

func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())))
	})
}

// pathID normalizes the {id} URL parameter the same way wire ids are.
func pathID(r *http.Request) (string, bool) {
	return ids.Normalize(ids.String(chi.URLParam(r, "id")))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Status            status.Stats        `json:"status"`
	Messages          map[chat.Status]int `json:"messages"`
	Archived          int                 `json:"archived"`
	InFlightRefreshes int                 `json:"inFlightRefreshes"`
	PushConnected     bool                `json:"pushConnected"`
}

// Stats handles GET /v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{
		Status:   h.Status.Stats(),
		Messages: h.Messages.Counts(),
		Archived: h.Archive.Len(),
	}
	if h.Refresher != nil {
		resp.InFlightRefreshes = h.Refresher.InFlight()
	}
	if h.Connected != nil {
		resp.PushConnected = h.Connected()
	}
	writeJSON(w, http.StatusOK, resp)
}
