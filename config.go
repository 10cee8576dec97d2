package viewsync

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"pkt.systems/viewsync/internal/model"
	"pkt.systems/viewsync/internal/upload"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9600"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultStore points the server at the in-memory backend when no store
	// is provided.
	DefaultStore = "mem://"
	// DefaultLeaseTTL is how long an unrefreshed place lease survives.
	DefaultLeaseTTL = model.DefaultLeaseTTL
	// DefaultMaxUploadBytes caps candidate files before hashing begins.
	DefaultMaxUploadBytes = int64(100 << 20)
	// DefaultFormatsTTL bounds how long a fetched convertible-format list is
	// reused.
	DefaultFormatsTTL = upload.DefaultFormatTTL
	// DefaultShutdownTimeout caps graceful shutdown (drain + HTTP server).
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a viewsync.Server instance.
type Config struct {
	// Listen is the server bind address (for example ":9600").
	Listen string
	// MetricsListen is the metrics endpoint bind address; empty disables
	// metrics.
	MetricsListen string
	// Store is the backend DSN (for example mem://, disk:///var/lib/viewsync,
	// s3://bucket/prefix).
	Store string
	// LeaseTTL is the place-lease duration handed to interacting clients.
	LeaseTTL time.Duration
	// MaxUploadBytes caps uploaded file size; 0 uses the default.
	MaxUploadBytes int64
	// ConvertEndpoint is the conversion service base URL; empty disables
	// conversion, admitting native PDFs only.
	ConvertEndpoint string
	// FormatsURL serves the convertible-format list; empty uses the builtin
	// list.
	FormatsURL string
	// FormatsTTL bounds format-list cache lifetime.
	FormatsTTL time.Duration
	// ShutdownTimeout caps graceful shutdown duration.
	ShutdownTimeout time.Duration

	// S3Endpoint overrides the S3 endpoint for s3:// stores.
	S3Endpoint string
	// S3Region sets the region for s3:// stores.
	S3Region string
	// S3AccessKeyID sets a static S3 access key credential.
	S3AccessKeyID string
	// S3SecretAccessKey sets a static S3 secret credential.
	S3SecretAccessKey string
	// S3ForcePathStyle forces path-style bucket addressing (MinIO).
	S3ForcePathStyle bool
	// S3Insecure disables TLS towards the S3 endpoint.
	S3Insecure bool
}

// Validate normalizes the configuration and fills defaults. It mutates the
// receiver and reports the first problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if c.LeaseTTL < 0 {
		return fmt.Errorf("config: lease ttl must not be negative")
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.MaxUploadBytes < 0 {
		return fmt.Errorf("config: max upload bytes must not be negative")
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.FormatsTTL <= 0 {
		c.FormatsTTL = DefaultFormatsTTL
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ConvertEndpoint != "" {
		u, err := url.Parse(c.ConvertEndpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: convert endpoint %q is not an absolute URL", c.ConvertEndpoint)
		}
	}
	return nil
}
