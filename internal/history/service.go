// Package history reads and curates completed try-on results.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tryonlab/backend/internal/models"
)

var ErrResultNotFound = errors.New("result not found")

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// Repo is the persistence surface of the read side.
type Repo interface {
	GetOwned(ctx context.Context, userID, resultID uuid.UUID) (*models.Result, error)
	ListPage(ctx context.Context, userID uuid.UUID, cursor *uuid.UUID, limit int) ([]*models.Result, error)
	CountLive(ctx context.Context, userID uuid.UUID) (int, error)
	SoftDelete(ctx context.Context, userID, resultID uuid.UUID) (bool, error)
	Exists(ctx context.Context, userID, resultID uuid.UUID) (bool, error)
}

// URLResolver turns storage keys into client-usable URLs.
type URLResolver interface {
	AccessURL(ctx context.Context, key string) (string, error)
}

type Service struct {
	repo  Repo
	store URLResolver
	log   *slog.Logger
}

func NewService(repo Repo, store URLResolver, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, store: store, log: log}
}

// Entry is a result with its freshly resolved access URL.
type Entry struct {
	*models.Result
	URL string `json:"url"`
}

// Page is one page of history, newest first.
type Page struct {
	Items      []*Entry   `json:"items"`
	Total      int        `json:"total"`
	NextCursor *uuid.UUID `json:"nextCursor"`
	HasMore    bool       `json:"hasMore"`
}

// List pages through the user's results. The limit is clamped to [1, 50];
// zero or negative means the default. hasMore comes from fetching one extra
// row, never a second count of the same filter.
func (s *Service) List(ctx context.Context, userID uuid.UUID, cursor *uuid.UUID, limit int) (*Page, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	results, err := s.repo.ListPage(ctx, userID, cursor, limit+1)
	if err != nil {
		return nil, err
	}
	total, err := s.repo.CountLive(ctx, userID)
	if err != nil {
		return nil, err
	}

	page := &Page{Total: total}
	if len(results) > limit {
		results = results[:limit]
		page.HasMore = true
		last := results[len(results)-1].ID
		page.NextCursor = &last
	}

	page.Items = make([]*Entry, 0, len(results))
	for _, res := range results {
		entry, err := s.resolve(ctx, res)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, entry)
	}
	return page, nil
}

// Get returns one ownership-checked result with its URL.
func (s *Service) Get(ctx context.Context, userID, resultID uuid.UUID) (*Entry, error) {
	res, err := s.repo.GetOwned(ctx, userID, resultID)
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, res)
}

// Delete soft-deletes a result. Repeated deletes succeed; the stored object
// stays until the janitor's horizon passes.
func (s *Service) Delete(ctx context.Context, userID, resultID uuid.UUID) error {
	hit, err := s.repo.SoftDelete(ctx, userID, resultID)
	if err != nil {
		return err
	}
	if hit {
		s.log.Info("result deleted", "result_id", resultID, "user_id", userID)
		return nil
	}
	exists, err := s.repo.Exists(ctx, userID, resultID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrResultNotFound
	}
	return nil
}

func (s *Service) resolve(ctx context.Context, res *models.Result) (*Entry, error) {
	url, err := s.store.AccessURL(ctx, res.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("resolve result url: %w", err)
	}
	return &Entry{Result: res, URL: url}, nil
}
