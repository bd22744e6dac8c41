package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Local stores objects on the local filesystem under baseDir. Access URLs are
// static paths served by the HTTP layer ("/uploads/...").
type Local struct {
	baseDir string
	urlBase string
	log     *slog.Logger
}

var _ Store = (*Local)(nil)

func NewLocal(baseDir string, log *slog.Logger) *Local {
	if log == nil {
		log = slog.Default()
	}
	return &Local{
		baseDir: baseDir,
		urlBase: "/" + filepath.ToSlash(baseDir),
		log:     log,
	}
}

func (l *Local) Put(_ context.Context, data []byte, category, filename string) (string, error) {
	key := category + "/" + filename
	path := filepath.Join(l.baseDir, category, filename)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create storage dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	l.log.Debug("file saved", "key", key, "size", len(data))
	return key, nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Delete is idempotent: a missing file is success.
func (l *Local) Delete(_ context.Context, key string) error {
	err := os.Remove(l.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (l *Local) Archive(_ context.Context, key string) (string, error) {
	key = normalizeKey(key)
	archivedKey := "archived/" + key
	dst := filepath.Join(l.baseDir, filepath.FromSlash(archivedKey))

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.Rename(l.path(key), dst); err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	l.log.Info("file archived", "key", key, "archived_key", archivedKey)
	return archivedKey, nil
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(l.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// AccessURL returns the static path the file server mounts the upload dir at.
func (l *Local) AccessURL(_ context.Context, key string) (string, error) {
	return l.urlBase + "/" + normalizeKey(key), nil
}

func (l *Local) Type() string { return "local" }

func (l *Local) path(key string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(normalizeKey(key)))
}
