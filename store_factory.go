package viewsync

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/viewsync/internal/storage"
	"pkt.systems/viewsync/internal/storage/disk"
	"pkt.systems/viewsync/internal/storage/memory"
	"pkt.systems/viewsync/internal/storage/s3"
)

// openBackend resolves the Store DSN into a storage backend.
func openBackend(cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "disk", "file":
		root, err := diskRoot(u)
		if err != nil {
			return nil, err
		}
		return disk.New(disk.Config{Root: root})
	case "s3":
		return s3.New(buildS3Config(cfg, u))
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

// diskRoot extracts the filesystem root from a disk:// DSN. Both
// disk:///abs/path and disk://relative/path forms are accepted.
func diskRoot(u *url.URL) (string, error) {
	path := u.Path
	if u.Host != "" {
		path = filepath.Join(u.Host, path)
	}
	path = strings.TrimSpace(path)
	if path == "" || path == "/" {
		return "", fmt.Errorf("disk store requires a directory, got %q", u.String())
	}
	return path, nil
}

// buildS3Config merges DSN components with the Config's S3 settings. The DSN
// wins for bucket and prefix; query parameters override endpoint and region.
func buildS3Config(cfg Config, u *url.URL) s3.Config {
	out := s3.Config{
		Endpoint:       cfg.S3Endpoint,
		Region:         cfg.S3Region,
		Bucket:         u.Host,
		Prefix:         strings.Trim(u.Path, "/"),
		AccessKey:      cfg.S3AccessKeyID,
		SecretKey:      cfg.S3SecretAccessKey,
		Insecure:       cfg.S3Insecure,
		ForcePathStyle: cfg.S3ForcePathStyle,
	}
	q := u.Query()
	if v := q.Get("endpoint"); v != "" {
		out.Endpoint = v
	}
	if v := q.Get("region"); v != "" {
		out.Region = v
	}
	if q.Get("insecure") == "true" {
		out.Insecure = true
	}
	if q.Get("path-style") == "true" {
		out.ForcePathStyle = true
	}
	if out.AccessKey == "" {
		out.AccessKey = firstEnv("VIEWSYNC_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID")
	}
	if out.SecretKey == "" {
		out.SecretKey = firstEnv("VIEWSYNC_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY")
	}
	return out
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}
