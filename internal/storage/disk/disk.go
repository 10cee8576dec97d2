package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/viewsync/internal/storage"
)

// Config configures the on-disk store.
type Config struct {
	Root string
}

// Store implements storage.Backend on a local filesystem tree. Objects are
// written to a temp file and renamed into place so readers never observe a
// partial payload.
type Store struct {
	root string
}

type sidecar struct {
	ContentType string `json:"content_type"`
}

const sidecarSuffix = ".attrs.json"

// New constructs a disk store rooted at cfg.Root, creating it when missing.
func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("disk: root directory required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("disk: resolve %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("disk: create %s: %w", abs, err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) path(key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// PutObject stores payload under key atomically.
func (s *Store) PutObject(ctx context.Context, key string, payload []byte, contentType string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("disk: mkdir for %s: %w", key, err)
	}
	if err := writeAtomic(path, payload, 0o600); err != nil {
		return fmt.Errorf("disk: write %s: %w", key, err)
	}
	attrs, err := json.Marshal(sidecar{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("disk: encode attrs for %s: %w", key, err)
	}
	if err := writeAtomic(path+sidecarSuffix, attrs, 0o600); err != nil {
		return fmt.Errorf("disk: write attrs %s: %w", key, err)
	}
	return nil
}

// GetObject returns the payload stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (*storage.Object, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: read %s: %w", key, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("disk: stat %s: %w", key, err)
	}
	return &storage.Object{
		Payload:     payload,
		ContentType: s.contentType(path),
		Size:        int64(len(payload)),
		ModifiedAt:  info.ModTime().UTC(),
	}, nil
}

// StatObject returns metadata for the object stored under key.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.Info, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat %s: %w", key, err)
	}
	return &storage.Info{
		ContentType: s.contentType(path),
		Size:        info.Size(),
		ModifiedAt:  info.ModTime().UTC(),
	}, nil
}

func (s *Store) contentType(path string) string {
	raw, err := os.ReadFile(path + sidecarSuffix)
	if err != nil {
		return storage.ContentTypeOctetStream
	}
	var attrs sidecar
	if err := json.Unmarshal(raw, &attrs); err != nil || attrs.ContentType == "" {
		return storage.ContentTypeOctetStream
	}
	return attrs.ContentType
}

// Close satisfies storage.Backend and is a no-op for the disk store.
func (s *Store) Close() error { return nil }

// Root returns the resolved storage root; used by verification and tests.
func (s *Store) Root() string { return s.root }

func writeAtomic(path string, payload []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
