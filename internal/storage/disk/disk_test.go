package disk

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/viewsync/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	return store
}

func TestDiskRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.PutObject(ctx, "docs/deadbeef", []byte("payload"), storage.ContentTypePDF); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, err := store.GetObject(ctx, "docs/deadbeef")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(obj.Payload) != "payload" {
		t.Fatalf("payload mismatch: %q", obj.Payload)
	}
	if obj.ContentType != storage.ContentTypePDF {
		t.Fatalf("content type mismatch: %q", obj.ContentType)
	}
}

func TestDiskOverwriteReplacesPayload(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.PutObject(ctx, "session/snapshot.json", []byte(`{"v":1}`), storage.ContentTypeJSON); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutObject(ctx, "session/snapshot.json", []byte(`{"v":2}`), storage.ContentTypeJSON); err != nil {
		t.Fatalf("second put: %v", err)
	}
	obj, err := store.GetObject(ctx, "session/snapshot.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(obj.Payload) != `{"v":2}` {
		t.Fatalf("expected latest payload, got %q", obj.Payload)
	}
}

func TestDiskMissingAndTraversal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.GetObject(ctx, "docs/none"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.PutObject(ctx, "../escape", []byte("x"), ""); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
