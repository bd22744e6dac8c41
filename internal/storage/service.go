package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const downloadAttempts = 3

// Service wraps a Store with the download retry policy: remote reads are the
// most common failure point in the background task, so Download makes up to
// three attempts with linearly increasing backoff (1s, 2s) before giving up
// with ErrUnavailable.
type Service struct {
	store Store
	log   *slog.Logger

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log, sleep: time.Sleep}
}

func (s *Service) Put(ctx context.Context, data []byte, category, filename string) (string, error) {
	return s.store.Put(ctx, data, category, filename)
}

// Download reads an object, retrying transient failures.
func (s *Service) Download(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		data, err := s.store.Get(ctx, key)
		if err == nil {
			return data, nil
		}
		lastErr = err
		s.log.Warn("storage download attempt failed",
			"key", key, "attempt", attempt, "of", downloadAttempts, "error", err)

		if ctx.Err() != nil {
			break
		}
		if attempt < downloadAttempts {
			s.sleep(time.Duration(attempt) * time.Second)
		}
	}
	return nil, fmt.Errorf("%w: download %s after %d attempts: %v", ErrUnavailable, key, downloadAttempts, lastErr)
}

func (s *Service) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, key)
}

func (s *Service) Archive(ctx context.Context, key string) (string, error) {
	return s.store.Archive(ctx, key)
}

func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	return s.store.Exists(ctx, key)
}

func (s *Service) AccessURL(ctx context.Context, key string) (string, error) {
	return s.store.AccessURL(ctx, key)
}

func (s *Service) Type() string {
	return s.store.Type()
}
