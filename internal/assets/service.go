// Package assets is the registry of user-uploaded source images: upload with
// content validation, listing, soft delete, and versioned replacement that
// never corrupts the display of completed results.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tryonlab/backend/internal/models"
)

const maxFileSize = 10 << 20 // 10MB

var (
	ErrAssetNotFound = errors.New("asset not found")
	// ErrInvalidFile covers type and size rejections. Wrapped errors carry
	// the specifics.
	ErrInvalidFile = errors.New("invalid file")
)

var allowedMimes = []string{"image/jpeg", "image/png", "image/webp"}

// categoryFor maps an asset kind to its storage namespace.
func categoryFor(kind string) string {
	if kind == models.AssetKindSubject {
		return "models"
	}
	return "clothing"
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// Repo is the persistence surface the service needs.
type Repo interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, a *models.Asset) error
	CreateTx(ctx context.Context, tx pgx.Tx, a *models.Asset) error
	GetOwned(ctx context.Context, userID, assetID uuid.UUID) (*models.Asset, error)
	Exists(ctx context.Context, userID, assetID uuid.UUID) (bool, error)
	ListByKind(ctx context.Context, userID uuid.UUID, kind string) ([]*models.Asset, error)
	SoftDelete(ctx context.Context, userID, assetID uuid.UUID) (bool, error)
	CountLiveResultReferences(ctx context.Context, assetID uuid.UUID) (int, error)
	UpdateInPlace(ctx context.Context, a *models.Asset) error
	MarkArchivedTx(ctx context.Context, tx pgx.Tx, assetID uuid.UUID) error
	SetStorageKey(ctx context.Context, assetID uuid.UUID, key string) error
	ListArchiveCandidates(ctx context.Context, deletedBefore time.Time, limit int) ([]*models.Asset, error)
}

// ObjectStore is the slice of the storage backend the registry uses.
type ObjectStore interface {
	Put(ctx context.Context, data []byte, category, filename string) (string, error)
	Delete(ctx context.Context, key string) error
	Archive(ctx context.Context, key string) (string, error)
	AccessURL(ctx context.Context, key string) (string, error)
}

type Service struct {
	repo  Repo
	store ObjectStore
	log   *slog.Logger
}

func NewService(repo Repo, store ObjectStore, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, store: store, log: log}
}

// validate sniffs the real content type and probes dimensions. The declared
// filename or Content-Type from the client is never trusted.
func validate(data []byte) (mime string, width, height int, err error) {
	if len(data) == 0 {
		return "", 0, 0, fmt.Errorf("%w: empty file", ErrInvalidFile)
	}
	if len(data) > maxFileSize {
		return "", 0, 0, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidFile, maxFileSize)
	}

	detected := mimetype.Detect(data)
	ok := false
	for _, m := range allowedMimes {
		if detected.Is(m) {
			mime = m
			ok = true
			break
		}
	}
	if !ok {
		return "", 0, 0, fmt.Errorf("%w: unsupported type %s", ErrInvalidFile, detected.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: undecodable image: %v", ErrInvalidFile, err)
	}
	return mime, cfg.Width, cfg.Height, nil
}

// Upload stores a new asset of the given kind.
func (s *Service) Upload(ctx context.Context, userID uuid.UUID, kind, filename string, data []byte) (*models.Asset, error) {
	mime, width, height, err := validate(data)
	if err != nil {
		return nil, err
	}

	key, err := s.store.Put(ctx, data, categoryFor(kind), uuid.NewString()+extensionFor(mime))
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	a := &models.Asset{
		UserID:           userID,
		Kind:             kind,
		StorageKey:       key,
		OriginalFileName: filename,
		MimeType:         mime,
		FileSize:         int64(len(data)),
		Width:            width,
		Height:           height,
		Version:          1,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	s.log.Info("asset uploaded", "asset_id", a.ID, "user_id", userID, "kind", kind, "size", a.FileSize)
	return a, nil
}

func (s *Service) Get(ctx context.Context, userID, assetID uuid.UUID) (*models.Asset, error) {
	return s.repo.GetOwned(ctx, userID, assetID)
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, kind string) ([]*models.Asset, error) {
	return s.repo.ListByKind(ctx, userID, kind)
}

// Delete soft-deletes the asset. Repeating the call for an already-deleted
// asset succeeds; the storage object stays put for completed results and is
// archived later by the janitor.
func (s *Service) Delete(ctx context.Context, userID, assetID uuid.UUID) error {
	hit, err := s.repo.SoftDelete(ctx, userID, assetID)
	if err != nil {
		return err
	}
	if hit {
		s.log.Info("asset deleted", "asset_id", assetID, "user_id", userID)
		return nil
	}
	exists, err := s.repo.Exists(ctx, userID, assetID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrAssetNotFound
	}
	return nil
}

// Replace swaps the asset's file for a new one. Which path it takes depends
// on whether any live result still references the asset:
//
//   - unreferenced: the old object is deleted and the same row is rewritten
//     in place at version+1, with the old key recorded in the history;
//   - referenced: the old row keeps its storage key and is flagged archived
//     so completed results keep displaying the original, and a new row is
//     created at version+1 carrying the new file.
func (s *Service) Replace(ctx context.Context, userID, assetID uuid.UUID, filename string, data []byte) (*models.Asset, error) {
	mime, width, height, err := validate(data)
	if err != nil {
		return nil, err
	}

	old, err := s.repo.GetOwned(ctx, userID, assetID)
	if err != nil {
		return nil, err
	}

	refs, err := s.repo.CountLiveResultReferences(ctx, assetID)
	if err != nil {
		return nil, err
	}

	newKey, err := s.store.Put(ctx, data, categoryFor(old.Kind), uuid.NewString()+extensionFor(mime))
	if err != nil {
		return nil, fmt.Errorf("store replacement: %w", err)
	}

	entry := models.ReplacementEntry{
		Timestamp:     time.Now().UTC(),
		OldStorageKey: old.StorageKey,
		OldVersion:    old.Version,
	}

	if refs == 0 {
		updated := *old
		updated.StorageKey = newKey
		updated.OriginalFileName = filename
		updated.MimeType = mime
		updated.FileSize = int64(len(data))
		updated.Width = width
		updated.Height = height
		updated.Version = old.Version + 1
		updated.ReplacementHistory = append(updated.ReplacementHistory, entry)
		if err := s.repo.UpdateInPlace(ctx, &updated); err != nil {
			// The row still points at the old object; abandon the new one.
			if delErr := s.store.Delete(ctx, newKey); delErr != nil {
				s.log.Error("delete abandoned replacement object", "key", newKey, "error", delErr)
			}
			return nil, err
		}
		// The row already serves the new file; a superseded object that
		// refuses to go just leaks until a later cleanup.
		if err := s.store.Delete(ctx, old.StorageKey); err != nil {
			s.log.Warn("delete superseded object", "key", old.StorageKey, "error", err)
		}
		s.log.Info("asset replaced in place", "asset_id", assetID, "version", updated.Version)
		return &updated, nil
	}

	// Referenced: archive the row, never its object.
	replacement := &models.Asset{
		UserID:             userID,
		Kind:               old.Kind,
		StorageKey:         newKey,
		OriginalFileName:   filename,
		MimeType:           mime,
		FileSize:           int64(len(data)),
		Width:              width,
		Height:             height,
		Version:            old.Version + 1,
		ReplacementHistory: append(append([]models.ReplacementEntry{}, old.ReplacementHistory...), entry),
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.repo.MarkArchivedTx(ctx, tx, assetID); err != nil {
		return nil, err
	}
	if err := s.repo.CreateTx(ctx, tx, replacement); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.log.Info("asset replaced with new row", "old_asset_id", assetID,
		"new_asset_id", replacement.ID, "version", replacement.Version, "references", refs)
	return replacement, nil
}

// ResolveURL turns a stored asset into a client-usable URL.
func (s *Service) ResolveURL(ctx context.Context, a *models.Asset) (string, error) {
	return s.store.AccessURL(ctx, a.StorageKey)
}

// ArchiveDeletedObjects moves objects of long-deleted, unreferenced assets
// into the archive namespace. Run from cron.
func (s *Service) ArchiveDeletedObjects(ctx context.Context, deletedBefore time.Time, limit int) (int, error) {
	candidates, err := s.repo.ListArchiveCandidates(ctx, deletedBefore, limit)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, a := range candidates {
		newKey, err := s.store.Archive(ctx, a.StorageKey)
		if err != nil {
			s.log.Error("janitor archive failed", "asset_id", a.ID, "key", a.StorageKey, "error", err)
			continue
		}
		if err := s.repo.SetStorageKey(ctx, a.ID, newKey); err != nil {
			s.log.Error("janitor key update failed", "asset_id", a.ID, "error", err)
			continue
		}
		archived++
	}
	if archived > 0 {
		s.log.Info("janitor archived deleted assets", "count", archived)
	}
	return archived, nil
}
