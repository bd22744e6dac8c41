package history

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/tryonlab/backend/internal/api"
	"github.com/tryonlab/backend/internal/middleware"
)

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// List handles GET /api/history?cursor=&limit=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var cursor *uuid.UUID
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			api.Error(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = &id
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			api.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	page, err := h.svc.List(r.Context(), userID, cursor, limit)
	if err != nil {
		h.log.Error("list history", "error", err, "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	api.JSON(w, http.StatusOK, page)
}

// Get handles GET /api/history/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	resultID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		api.Error(w, http.StatusBadRequest, "invalid result id")
		return
	}

	entry, err := h.svc.Get(r.Context(), userID, resultID)
	if err != nil {
		if errors.Is(err, ErrResultNotFound) {
			api.Error(w, http.StatusNotFound, "result not found")
			return
		}
		h.log.Error("get result", "error", err, "result_id", resultID)
		api.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	api.JSON(w, http.StatusOK, entry)
}

// Delete handles DELETE /api/history/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	resultID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		api.Error(w, http.StatusBadRequest, "invalid result id")
		return
	}

	if err := h.svc.Delete(r.Context(), userID, resultID); err != nil {
		if errors.Is(err, ErrResultNotFound) {
			api.Error(w, http.StatusNotFound, "result not found")
			return
		}
		h.log.Error("delete result", "error", err, "result_id", resultID)
		api.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	api.JSON(w, http.StatusOK, map[string]string{
		"id":      resultID.String(),
		"message": "result deleted",
	})
}
