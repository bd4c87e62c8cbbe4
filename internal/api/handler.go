// Package api exposes the sync queue over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prudhvinik1/flowsync/internal/services"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	sync   *services.SyncService
	tokens TokenVerifier
	logger *slog.Logger
}

func NewHandler(sync *services.SyncService, tokens TokenVerifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{sync: sync, tokens: tokens, logger: logger.With("component", "api")}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.RequestLogger(&slogFormatter{logger: h.logger}))
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Route("/api/v1/sync", func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Post("/operations", h.queueOperation)
		r.Post("/operations/batch", h.queueOperations)
		r.Get("/operations/pending", h.pendingOperations)
		r.Get("/operations/{id}", h.getOperation)
		r.Get("/status", h.status)
	})

	return router
}

type queueResponse struct {
	ID uuid.UUID `json:"id"`
}

type batchRequest struct {
	Operations []services.OperationRequest `json:"operations"`
}

type batchResponse struct {
	IDs []uuid.UUID `json:"ids"`
}

func (h *Handler) queueOperation(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req services.OperationRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.sync.QueueOperation(r.Context(), userID, req.EntityType, req.EntityID, req.Kind, req.Payload, req.Metadata)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queueResponse{ID: id})
}

func (h *Handler) queueOperations(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}

	ids, err := h.sync.QueueOperations(r.Context(), userID, req.Operations)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batchResponse{IDs: ids})
}

func (h *Handler) pendingOperations(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	ops, err := h.sync.GetPendingOperations(r.Context(), userID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *Handler) getOperation(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid operation id")
		return
	}

	op, err := h.sync.GetOperation(r.Context(), userID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	status, err := h.sync.GetSyncStatus(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidOperation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrOperationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
