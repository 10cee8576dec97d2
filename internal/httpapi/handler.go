// Package httpapi exposes the session over WebSocket and the upload pipeline
// over plain HTTP. It is a thin adapter: every arbitration decision stays in
// the model, every upload step in the pipeline.
package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/viewsync/api"
	"pkt.systems/viewsync/internal/session"
	"pkt.systems/viewsync/internal/storage"
	"pkt.systems/viewsync/internal/upload"
)

// Config wires the handler's collaborators.
type Config struct {
	Session        *session.Session
	Store          storage.Backend
	Formats        *upload.FormatSource
	Converter      upload.Converter
	MaxUploadBytes int64
	Logger         pslog.Logger
}

// Handler serves the viewsync HTTP surface.
type Handler struct {
	session        *session.Session
	store          storage.Backend
	formats        *upload.FormatSource
	converter      upload.Converter
	maxUploadBytes int64
	logger         pslog.Logger
	mux            *http.ServeMux
}

// New constructs the HTTP handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("httpapi: session required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("httpapi: store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	h := &Handler{
		session:        cfg.Session,
		store:          cfg.Store,
		formats:        cfg.Formats,
		converter:      cfg.Converter,
		maxUploadBytes: cfg.MaxUploadBytes,
		logger:         logger,
		mux:            http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /v1/session", h.handleSession)
	h.mux.HandleFunc("POST /v1/documents", h.handleUpload)
	h.mux.HandleFunc("GET /v1/documents/{hash}", h.handleFetch)
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload runs admission, hash, cache check, conversion, and storage on
// behalf of clients that do not run the pipeline locally. A content-hash hit
// in the blob store short-circuits conversion and storage entirely.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeFailure(w, Failure{Code: "missing_file", Detail: err.Error(), HTTPStatus: http.StatusBadRequest})
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		writeFailure(w, Failure{Code: "read_failed", Detail: err.Error(), HTTPStatus: http.StatusBadRequest})
		return
	}
	name := header.Filename
	mimeType := header.Header.Get("Content-Type")

	pipe, err := upload.New(r.Context(), upload.Config{
		Name:      name,
		MIMEType:  mimeType,
		Payload:   payload,
		MaxBytes:  h.maxUploadBytes,
		Formats:   h.formats,
		Converter: h.converter,
		Store:     h.store,
		Logger:    h.logger,
	})
	if err != nil {
		h.logger.Info("upload.rejected", "name", name, "error", err)
		writeFailure(w, failureFrom(err))
		return
	}

	hash := pipe.Hash()
	key, err := storage.DocumentKey(hash)
	if err != nil {
		writeFailure(w, failureFrom(err))
		return
	}
	if _, err := h.store.StatObject(r.Context(), key); err == nil {
		// Identical content was stored before: instant load, no conversion.
		h.logger.Info("upload.cache_hit", "name", name, "hash", hash)
		writeJSON(w, http.StatusOK, api.UploadResponse{
			ContentHash: hash,
			Handle:      key,
			Name:        name,
			Known:       true,
		})
		return
	}

	handle, err := pipe.Store(r.Context())
	if err != nil {
		h.logger.Warn("upload.failed", "name", name, "hash", hash, "error", err)
		writeFailure(w, failureFrom(err))
		return
	}
	writeJSON(w, http.StatusCreated, api.UploadResponse{
		ContentHash: hash,
		Handle:      handle,
		Name:        name,
		Known:       false,
	})
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimSpace(r.PathValue("hash"))
	key, err := storage.DocumentKey(hash)
	if err != nil {
		writeFailure(w, failureFrom(err))
		return
	}
	obj, err := h.store.GetObject(r.Context(), key)
	if err != nil {
		writeFailure(w, failureFrom(err))
		return
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(obj.Payload)))
	_, _ = w.Write(obj.Payload)
}

func newClientID() string {
	return uuid.Must(uuid.NewV7()).String()
}
