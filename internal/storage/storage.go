package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Content type constants used for payload blobs across backends.
const (
	ContentTypeJSON        = "application/json"
	ContentTypePDF         = "application/pdf"
	ContentTypeOctetStream = "application/octet-stream"
)

var (
	// ErrNotFound indicates the requested object is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidKey indicates the object key is malformed.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Object is a stored payload with its metadata.
type Object struct {
	Payload     []byte
	ContentType string
	Size        int64
	ModifiedAt  time.Time
}

// Info describes a stored object without its payload.
type Info struct {
	ContentType string
	Size        int64
	ModifiedAt  time.Time
}

// Backend is the blob store consumed by the upload pipeline and the session
// snapshot machinery. Document blobs are content-addressed: the key embeds
// the content hash, so PutObject for an existing key is a no-op overwrite of
// identical bytes and backends need no CAS discipline.
type Backend interface {
	PutObject(ctx context.Context, key string, payload []byte, contentType string) error
	GetObject(ctx context.Context, key string) (*Object, error)
	StatObject(ctx context.Context, key string) (*Info, error)
	Close() error
}

const (
	documentPrefix = "docs/"
	snapshotKey    = "session/snapshot.json"
)

// DocumentKey returns the storage key (and wire handle) for a content hash.
func DocumentKey(hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return "", fmt.Errorf("%w: empty content hash", ErrInvalidKey)
	}
	for _, r := range hash {
		if r >= '0' && r <= '9' || r >= 'a' && r <= 'f' {
			continue
		}
		return "", fmt.Errorf("%w: content hash %q is not lowercase hex", ErrInvalidKey, hash)
	}
	return documentPrefix + hash, nil
}

// SnapshotKey returns the fixed key under which the session snapshot lives.
func SnapshotKey() string {
	return snapshotKey
}

// ValidateKey rejects keys that could escape the backend's keyspace.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
