package tryon

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/tryonlab/backend/internal/api"
	"github.com/tryonlab/backend/internal/assets"
	"github.com/tryonlab/backend/internal/history"
	"github.com/tryonlab/backend/internal/ledger"
	"github.com/tryonlab/backend/internal/middleware"
	"github.com/tryonlab/backend/internal/models"
)

type StartRequest struct {
	SubjectAssetID uuid.UUID `json:"subjectAssetId"`
	GarmentAssetID uuid.UUID `json:"garmentAssetId"`
	Seed           *int64    `json:"seed,omitempty"`
}

type StartResponse struct {
	SessionID uuid.UUID `json:"sessionId"`
	Status    string    `json:"status"`
}

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

// Start handles POST /api/tryon.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SubjectAssetID == uuid.Nil || req.GarmentAssetID == uuid.Nil {
		api.Error(w, http.StatusBadRequest, "subjectAssetId and garmentAssetId are required")
		return
	}

	session, err := h.svc.Start(r.Context(), userID, req.SubjectAssetID, req.GarmentAssetID, req.Seed)
	if err != nil {
		h.writeStartError(w, err, userID)
		return
	}
	api.JSON(w, http.StatusAccepted, StartResponse{SessionID: session.ID, Status: session.Status})
}

// Retry handles POST /api/history/{id}/retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
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

	session, err := h.svc.StartRetry(r.Context(), userID, resultID)
	if err != nil {
		h.writeStartError(w, err, userID)
		return
	}
	api.JSON(w, http.StatusAccepted, StartResponse{SessionID: session.ID, Status: session.Status})
}

// GetStatus handles GET /api/tryon/sessions/{id}.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		api.Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	view, err := h.svc.GetStatus(r.Context(), userID, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			api.Error(w, http.StatusNotFound, "session not found")
			return
		}
		h.log.Error("get session status", "error", err, "session_id", sessionID)
		api.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	api.JSON(w, http.StatusOK, view)
}

func (h *Handler) writeStartError(w http.ResponseWriter, err error, userID uuid.UUID) {
	switch {
	case errors.Is(err, assets.ErrAssetNotFound):
		api.Error(w, http.StatusBadRequest, "asset not found")
	case errors.Is(err, ErrKindMismatch):
		api.Error(w, http.StatusBadRequest, "asset kind mismatch: expected a "+
			models.AssetKindSubject+" and a "+models.AssetKindGarment)
	case errors.Is(err, ErrCompositorNotConfigured):
		api.Error(w, http.StatusBadRequest, "image service is not configured")
	case errors.Is(err, ledger.ErrInsufficientCredits):
		api.Error(w, http.StatusBadRequest, "insufficient credits")
	case errors.Is(err, history.ErrResultNotFound):
		api.Error(w, http.StatusNotFound, "result not found")
	default:
		h.log.Error("start try-on", "error", err, "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "internal error")
	}
}
