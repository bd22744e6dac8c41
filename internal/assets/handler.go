package assets

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tryonlab/backend/internal/api"
	"github.com/tryonlab/backend/internal/middleware"
	"github.com/tryonlab/backend/internal/models"
)

// Accept a little more than the file limit so oversized uploads reach the
// size check and fail with a clear message instead of a parse error.
const maxMultipartMemory = 12 << 20

type assetResponse struct {
	ID               uuid.UUID  `json:"id"`
	Kind             string     `json:"kind"`
	StorageKey       string     `json:"storageKey"`
	URL              string     `json:"url"`
	OriginalFileName string     `json:"originalFileName"`
	MimeType         string     `json:"mimeType"`
	FileSize         int64      `json:"fileSize"`
	Width            int        `json:"width"`
	Height           int        `json:"height"`
	Version          int        `json:"version"`
	UploadedAt       time.Time  `json:"uploadedAt"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty"`
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

// Upload handles POST /api/assets/subjects and POST /api/assets/garments.
func (h *Handler) Upload(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserIDFromCtx(r.Context())
		if !ok {
			api.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		filename, data, ok := h.readFile(w, r)
		if !ok {
			return
		}

		a, err := h.svc.Upload(r.Context(), userID, kind, filename, data)
		if err != nil {
			h.writeError(w, err, userID)
			return
		}
		h.respondAsset(w, r, http.StatusCreated, a)
	}
}

// List handles GET /api/assets/subjects and GET /api/assets/garments.
func (h *Handler) List(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserIDFromCtx(r.Context())
		if !ok {
			api.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		list, err := h.svc.List(r.Context(), userID, kind)
		if err != nil {
			h.log.Error("list assets", "error", err, "user_id", userID, "kind", kind)
			api.Error(w, http.StatusInternalServerError, "internal error")
			return
		}

		resp := make([]assetResponse, 0, len(list))
		for _, a := range list {
			url, err := h.svc.ResolveURL(r.Context(), a)
			if err != nil {
				h.log.Error("resolve asset url", "error", err, "asset_id", a.ID)
				api.Error(w, http.StatusInternalServerError, "internal error")
				return
			}
			resp = append(resp, toResponse(a, url))
		}
		api.JSON(w, http.StatusOK, resp)
	}
}

// Replace handles PUT /api/assets/{id}. The kind comes from the stored row.
func (h *Handler) Replace(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	assetID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		api.Error(w, http.StatusBadRequest, "invalid asset id")
		return
	}

	filename, data, ok := h.readFile(w, r)
	if !ok {
		return
	}

	a, err := h.svc.Replace(r.Context(), userID, assetID, filename, data)
	if err != nil {
		h.writeError(w, err, userID)
		return
	}
	h.respondAsset(w, r, http.StatusOK, a)
}

// Delete handles DELETE /api/assets/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	assetID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		api.Error(w, http.StatusBadRequest, "invalid asset id")
		return
	}

	if err := h.svc.Delete(r.Context(), userID, assetID); err != nil {
		h.writeError(w, err, userID)
		return
	}
	api.JSON(w, http.StatusOK, map[string]string{
		"id":      assetID.String(),
		"message": "asset deleted",
	})
}

func (h *Handler) readFile(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid multipart body")
		return "", nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		api.Error(w, http.StatusBadRequest, "missing file field")
		return "", nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxFileSize+1))
	if err != nil {
		api.Error(w, http.StatusBadRequest, "unreadable file")
		return "", nil, false
	}
	return header.Filename, data, true
}

func (h *Handler) respondAsset(w http.ResponseWriter, r *http.Request, status int, a *models.Asset) {
	url, err := h.svc.ResolveURL(r.Context(), a)
	if err != nil {
		h.log.Error("resolve asset url", "error", err, "asset_id", a.ID)
		api.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	api.JSON(w, status, toResponse(a, url))
}

func (h *Handler) writeError(w http.ResponseWriter, err error, userID uuid.UUID) {
	switch {
	case errors.Is(err, ErrInvalidFile):
		api.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAssetNotFound):
		api.Error(w, http.StatusNotFound, "asset not found")
	default:
		h.log.Error("asset operation", "error", err, "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "internal error")
	}
}

func toResponse(a *models.Asset, url string) assetResponse {
	return assetResponse{
		ID:               a.ID,
		Kind:             a.Kind,
		StorageKey:       a.StorageKey,
		URL:              url,
		OriginalFileName: a.OriginalFileName,
		MimeType:         a.MimeType,
		FileSize:         a.FileSize,
		Width:            a.Width,
		Height:           a.Height,
		Version:          a.Version,
		UploadedAt:       a.UploadedAt,
		DeletedAt:        a.DeletedAt,
	}
}
