package upload

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"pkt.systems/viewsync/internal/storage/memory"
)

type countingConverter struct {
	calls int32
	out   []byte
	err   error
}

func (c *countingConverter) Convert(ctx context.Context, payload []byte, mimeType string) ([]byte, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

func TestComputeHashEmptyInput(t *testing.T) {
	if got := ComputeHash(nil); got != EmptyContentHash {
		t.Fatalf("empty hash mismatch: %s", got)
	}
	if got := ComputeHash([]byte{}); got != EmptyContentHash {
		t.Fatalf("empty slice hash mismatch: %s", got)
	}
}

func TestComputeHashStable(t *testing.T) {
	a := ComputeHash([]byte("same bytes"))
	b := ComputeHash([]byte("same bytes"))
	if a != b {
		t.Fatalf("hash not stable: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if a == ComputeHash([]byte("different")) {
		t.Fatal("distinct inputs collided")
	}
}

func TestAdmissionTooLarge(t *testing.T) {
	_, err := New(context.Background(), Config{
		Name:     "big.pdf",
		MIMEType: "application/pdf",
		Payload:  make([]byte, 100),
		MaxBytes: 50,
		Store:    memory.New(),
	})
	var admission *AdmissionError
	if !errors.As(err, &admission) || admission.Code != AdmissionTooLarge {
		t.Fatalf("expected too_large, got %v", err)
	}
}

func TestAdmissionEmpty(t *testing.T) {
	_, err := New(context.Background(), Config{Name: "empty.pdf", Store: memory.New()})
	var admission *AdmissionError
	if !errors.As(err, &admission) || admission.Code != AdmissionEmpty {
		t.Fatalf("expected empty_file, got %v", err)
	}
}

func TestAdmissionUnsupportedType(t *testing.T) {
	formats := NewFormatSource(FormatSourceConfig{})
	_, err := New(context.Background(), Config{
		Name:     "archive.zip",
		MIMEType: "application/zip",
		Payload:  []byte("PK"),
		Formats:  formats,
		Store:    memory.New(),
	})
	var admission *AdmissionError
	if !errors.As(err, &admission) || admission.Code != AdmissionUnsupported {
		t.Fatalf("expected unsupported_type, got %v", err)
	}
}

func TestNativeTypeSkipsConversion(t *testing.T) {
	ctx := context.Background()
	conv := &countingConverter{out: []byte("should not be used")}
	store := memory.New()
	p, err := New(ctx, Config{
		Name:      "doc.pdf",
		MIMEType:  "application/pdf",
		Payload:   []byte("%PDF-1.7 native"),
		Converter: conv,
		Store:     store,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	handle, err := p.Store(ctx)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !strings.HasPrefix(handle, "docs/") {
		t.Fatalf("unexpected handle %q", handle)
	}
	if atomic.LoadInt32(&conv.calls) != 0 {
		t.Fatal("converter invoked for native type")
	}
	obj, err := store.GetObject(ctx, handle)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if string(obj.Payload) != "%PDF-1.7 native" {
		t.Fatalf("stored payload mismatch: %q", obj.Payload)
	}
}

func TestConversionRunsOnceAndHashPredatesIt(t *testing.T) {
	ctx := context.Background()
	conv := &countingConverter{out: []byte("%PDF converted")}
	p, err := New(ctx, Config{
		Name:      "scan.png",
		MIMEType:  "image/png",
		Payload:   []byte("rawpng"),
		Converter: conv,
		Store:     memory.New(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	// The dedup key is the hash of the original bytes, not the converted ones.
	if p.Hash() != ComputeHash([]byte("rawpng")) {
		t.Fatalf("hash covers wrong bytes")
	}
	for i := 0; i < 3; i++ {
		if _, err := p.Converted(ctx); err != nil {
			t.Fatalf("converted: %v", err)
		}
		if _, err := p.Store(ctx); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	if got := atomic.LoadInt32(&conv.calls); got != 1 {
		t.Fatalf("expected 1 conversion, got %d", got)
	}
}

func TestConversionFailurePropagates(t *testing.T) {
	ctx := context.Background()
	wantErr := errors.New("conversion exploded")
	p, err := New(ctx, Config{
		Name:      "scan.png",
		MIMEType:  "image/png",
		Payload:   []byte("rawpng"),
		Converter: &countingConverter{err: wantErr},
		Store:     memory.New(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if _, err := p.Store(ctx); !errors.Is(err, wantErr) {
		t.Fatalf("expected conversion error, got %v", err)
	}
	// Memoized: the error is stable and the converter is not retried.
	if _, err := p.Store(ctx); !errors.Is(err, wantErr) {
		t.Fatalf("expected memoized error, got %v", err)
	}
}

func TestFormatSourceFetchAndCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`[{"mime":"application/pdf","extensions":["pdf"]},{"mime":"image/tiff","extensions":["tif","tiff"]}]`))
	}))
	defer srv.Close()

	formats := NewFormatSource(FormatSourceConfig{URL: srv.URL})
	ctx := context.Background()
	if !formats.Admits(ctx, "image/tiff", "") {
		t.Fatal("fetched format not admitted")
	}
	if !formats.Admits(ctx, "", "scan.TIFF") {
		t.Fatal("extension match failed")
	}
	if formats.Admits(ctx, "application/zip", "a.zip") {
		t.Fatal("unknown format admitted")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
}

func TestFormatSourceFallsBackToBuiltins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	srv.Close() // unreachable endpoint

	formats := NewFormatSource(FormatSourceConfig{URL: srv.URL})
	if !formats.Admits(context.Background(), "application/pdf", "a.pdf") {
		t.Fatal("builtin fallback missing pdf")
	}
}
