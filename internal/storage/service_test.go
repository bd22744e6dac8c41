package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

// flakyStore fails Get a fixed number of times before succeeding.
type flakyStore struct {
	Store
	failures int
	calls    int
}

func (f *flakyStore) Get(_ context.Context, key string) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset")
	}
	return []byte("payload"), nil
}

func newRetryService(store Store) (*Service, *[]time.Duration) {
	svc := NewService(store, nil)
	var waits []time.Duration
	svc.sleep = func(d time.Duration) { waits = append(waits, d) }
	return svc, &waits
}

func TestDownloadRetriesThenSucceeds(t *testing.T) {
	store := &flakyStore{failures: 2}
	svc, waits := newRetryService(store)

	data, err := svc.Download(context.Background(), "models/x.png")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("data: got %q", data)
	}
	if store.calls != 3 {
		t.Errorf("attempts: got %d, want 3", store.calls)
	}
	// Backoff grows linearly between attempts.
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(*waits) != len(want) {
		t.Fatalf("waits: got %v, want %v", *waits, want)
	}
	for i := range want {
		if (*waits)[i] != want[i] {
			t.Errorf("wait %d: got %v, want %v", i, (*waits)[i], want[i])
		}
	}
}

func TestDownloadExhaustsRetries(t *testing.T) {
	store := &flakyStore{failures: 10}
	svc, _ := newRetryService(store)

	_, err := svc.Download(context.Background(), "models/x.png")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got: %v", err)
	}
	if store.calls != 3 {
		t.Errorf("attempts: got %d, want 3", store.calls)
	}
}

func TestDownloadStopsOnCanceledContext(t *testing.T) {
	store := &flakyStore{failures: 10}
	svc, waits := newRetryService(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Download(ctx, "models/x.png")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got: %v", err)
	}
	if store.calls != 1 {
		t.Errorf("attempts after cancel: got %d, want 1", store.calls)
	}
	if len(*waits) != 0 {
		t.Errorf("should not sleep after cancel, slept %v", *waits)
	}
}
