package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"pkt.systems/pslog"
)

// Format describes one convertible input format advertised by the conversion
// service.
type Format struct {
	MIME       string   `json:"mime"`
	Extensions []string `json:"extensions"`
}

// builtinFormats serves admission when the remote list is unreachable.
var builtinFormats = []Format{
	{MIME: "application/pdf", Extensions: []string{"pdf"}},
	{MIME: "image/png", Extensions: []string{"png"}},
	{MIME: "image/jpeg", Extensions: []string{"jpg", "jpeg"}},
	{MIME: "application/msword", Extensions: []string{"doc"}},
	{MIME: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Extensions: []string{"docx"}},
	{MIME: "application/vnd.ms-powerpoint", Extensions: []string{"ppt"}},
	{MIME: "application/vnd.openxmlformats-officedocument.presentationml.presentation", Extensions: []string{"pptx"}},
	{MIME: "text/plain", Extensions: []string{"txt"}},
}

const formatsCacheKey = "convertible"

// FormatSource fetches the convertible-format list from the conversion
// service and caches it so admission checks do not hammer the endpoint.
type FormatSource struct {
	url    string
	httpc  *http.Client
	cache  *gocache.Cache
	logger pslog.Logger
}

// FormatSourceConfig configures a FormatSource.
type FormatSourceConfig struct {
	// URL serves a JSON array of Format; empty means builtin formats only.
	URL string
	// TTL bounds how long a fetched list is reused.
	TTL        time.Duration
	HTTPClient *http.Client
	Logger     pslog.Logger
}

// DefaultFormatTTL is the cache lifetime for the fetched format list.
const DefaultFormatTTL = 15 * time.Minute

// NewFormatSource constructs a FormatSource.
func NewFormatSource(cfg FormatSourceConfig) *FormatSource {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultFormatTTL
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &FormatSource{
		url:    strings.TrimSpace(cfg.URL),
		httpc:  httpc,
		cache:  gocache.New(ttl, 2*ttl),
		logger: logger,
	}
}

// Formats returns the current convertible-format list, fetching and caching
// it as needed. The builtin list serves when no URL is configured or the
// fetch fails.
func (f *FormatSource) Formats(ctx context.Context) []Format {
	if f.url == "" {
		return builtinFormats
	}
	if cached, ok := f.cache.Get(formatsCacheKey); ok {
		return cached.([]Format)
	}
	formats, err := f.fetch(ctx)
	if err != nil {
		f.logger.Warn("upload.formats.fetch_failed", "url", f.url, "error", err)
		return builtinFormats
	}
	f.cache.Set(formatsCacheKey, formats, gocache.DefaultExpiration)
	return formats
}

// Admits reports whether the given MIME type or file extension is
// convertible.
func (f *FormatSource) Admits(ctx context.Context, mimeType, filename string) bool {
	mimeType = normalizeMIME(mimeType)
	ext := strings.ToLower(strings.TrimPrefix(extension(filename), "."))
	for _, format := range f.Formats(ctx) {
		if mimeType != "" && normalizeMIME(format.MIME) == mimeType {
			return true
		}
		for _, e := range format.Extensions {
			if ext != "" && strings.ToLower(e) == ext {
				return true
			}
		}
	}
	return false
}

func (f *FormatSource) fetch(ctx context.Context) ([]Format, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("formats endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var formats []Format
	if err := json.Unmarshal(body, &formats); err != nil {
		return nil, fmt.Errorf("decode formats: %w", err)
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("formats endpoint returned empty list")
	}
	return formats, nil
}

func normalizeMIME(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	return m
}

func extension(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i >= 0 {
		return filename[i:]
	}
	return ""
}
