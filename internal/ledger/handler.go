package ledger

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

// GetBalance handles GET /api/credits/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	balance, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			api.Error(w, http.StatusNotFound, "user not found")
			return
		}
		h.log.Error("get balance", "error", err, "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	api.JSON(w, http.StatusOK, balance)
}

// ListTransactions handles GET /api/credits/transactions?cursor=&limit=.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
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

	page, err := h.svc.ListTransactions(r.Context(), userID, cursor, limit)
	if err != nil {
		h.log.Error("list transactions", "error", err, "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	api.JSON(w, http.StatusOK, page)
}
