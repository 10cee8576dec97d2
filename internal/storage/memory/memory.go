package memory

import (
	"context"
	"sync"
	"time"

	"pkt.systems/viewsync/internal/storage"
)

// Store implements storage.Backend in-memory; intended for tests and local dev.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*entry
}

type entry struct {
	payload     []byte
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{objs: make(map[string]*entry)}
}

// PutObject stores payload under key.
func (s *Store) PutObject(ctx context.Context, key string, payload []byte, contentType string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objs[key] = &entry{
		payload:     append([]byte(nil), payload...),
		contentType: contentType,
		updated:     time.Now().UTC(),
	}
	return nil
}

// GetObject returns the payload stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (*storage.Object, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.objs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.Object{
		Payload:     append([]byte(nil), e.payload...),
		ContentType: e.contentType,
		Size:        int64(len(e.payload)),
		ModifiedAt:  e.updated,
	}, nil
}

// StatObject returns metadata for the object stored under key.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.Info, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.objs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.Info{
		ContentType: e.contentType,
		Size:        int64(len(e.payload)),
		ModifiedAt:  e.updated,
	}, nil
}

// Close satisfies storage.Backend but requires no action for the in-memory store.
func (s *Store) Close() error { return nil }

// Len reports how many objects are stored; used by tests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objs)
}
