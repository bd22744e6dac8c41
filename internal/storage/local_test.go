package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalPutGet(t *testing.T) {
	l := NewLocal(t.TempDir(), nil)
	ctx := context.Background()

	key, err := l.Put(ctx, []byte("image-bytes"), "models", "a.png")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if key != "models/a.png" {
		t.Errorf("key: got %q, want %q", key, "models/a.png")
	}

	data, err := l.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Errorf("Get: got %q", data)
	}

	ok, err := l.Exists(ctx, key)
	if err != nil || !ok {
		t.Errorf("Exists: got (%v, %v), want (true, nil)", ok, err)
	}

	// Leading-slash keys resolve to the same object.
	if _, err := l.Get(ctx, "/"+key); err != nil {
		t.Errorf("Get with leading slash: %v", err)
	}
}

func TestLocalDeleteIdempotent(t *testing.T) {
	l := NewLocal(t.TempDir(), nil)
	ctx := context.Background()

	key, err := l.Put(ctx, []byte("x"), "clothing", "b.jpg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := l.Delete(ctx, key); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	// Second delete of the same key must also succeed.
	if err := l.Delete(ctx, key); err != nil {
		t.Errorf("second Delete: %v", err)
	}

	ok, _ := l.Exists(ctx, key)
	if ok {
		t.Error("object should be gone after delete")
	}
}

func TestLocalArchive(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir, nil)
	ctx := context.Background()

	key, err := l.Put(ctx, []byte("old"), "models", "c.webp")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	archivedKey, err := l.Archive(ctx, key)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if archivedKey != "archived/models/c.webp" {
		t.Errorf("archived key: got %q", archivedKey)
	}

	// Original gone, archived copy readable.
	if ok, _ := l.Exists(ctx, key); ok {
		t.Error("original should be gone after archive")
	}
	data, err := l.Get(ctx, archivedKey)
	if err != nil {
		t.Fatalf("Get archived: %v", err)
	}
	if string(data) != "old" {
		t.Errorf("archived content: got %q", data)
	}

	if _, err := os.Stat(filepath.Join(dir, "archived", "models", "c.webp")); err != nil {
		t.Errorf("archived file missing on disk: %v", err)
	}
}

func TestLocalAccessURL(t *testing.T) {
	l := NewLocal("uploads", nil)
	url, err := l.AccessURL(context.Background(), "models/d.png")
	if err != nil {
		t.Fatalf("AccessURL: %v", err)
	}
	if url != "/uploads/models/d.png" {
		t.Errorf("url: got %q", url)
	}
}
