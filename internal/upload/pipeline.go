// Package upload implements the content-addressed upload pipeline: admission,
// hashing, optional conversion, and blob storage. A pipeline instance is
// bound to one candidate file and memoizes every step, so repeated accessor
// calls never repeat work.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/viewsync/internal/storage"
)

// EmptyContentHash is the digest reported for zero-length input. It equals
// SHA-256 of the empty string; returning the constant sidesteps digesting an
// empty buffer at all.
const EmptyContentHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// TargetMIME is the canonical document type stored and rendered.
const TargetMIME = storage.ContentTypePDF

// AdmissionError rejects a file before any hashing or upload work begins.
// It is reported to the initiating user only and never retried.
type AdmissionError struct {
	Code   string
	Detail string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("upload: %s: %s", e.Code, e.Detail)
}

// Admission error codes.
const (
	AdmissionTooLarge    = "too_large"
	AdmissionUnsupported = "unsupported_type"
	AdmissionEmpty       = "empty_file"
)

// Converter turns non-native bytes into the target document type.
type Converter interface {
	Convert(ctx context.Context, payload []byte, mimeType string) ([]byte, error)
}

// Config configures a pipeline instance for one candidate file.
type Config struct {
	Name     string
	MIMEType string
	Payload  []byte

	MaxBytes  int64
	Formats   *FormatSource
	Converter Converter
	Store     storage.Backend
	Logger    pslog.Logger
}

// Pipeline carries one file through hash, convert, and store. All accessors
// are idempotent per instance.
type Pipeline struct {
	name    string
	mime    string
	payload []byte

	converter Converter
	store     storage.Backend
	logger    pslog.Logger

	hashOnce sync.Once
	hash     string

	convertOnce sync.Once
	converted   []byte
	convertErr  error

	storeOnce sync.Once
	handle    string
	storeErr  error
}

// New admits the candidate file and returns a pipeline for it. Admission
// failures are *AdmissionError values.
func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if len(cfg.Payload) == 0 {
		return nil, &AdmissionError{Code: AdmissionEmpty, Detail: "file is empty"}
	}
	if cfg.MaxBytes > 0 && int64(len(cfg.Payload)) > cfg.MaxBytes {
		return nil, &AdmissionError{
			Code:   AdmissionTooLarge,
			Detail: fmt.Sprintf("%d bytes exceeds limit of %d", len(cfg.Payload), cfg.MaxBytes),
		}
	}
	if cfg.Formats != nil && !cfg.Formats.Admits(ctx, cfg.MIMEType, cfg.Name) {
		return nil, &AdmissionError{
			Code:   AdmissionUnsupported,
			Detail: fmt.Sprintf("type %q (%s) is not convertible", cfg.MIMEType, cfg.Name),
		}
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("upload: store required")
	}
	return &Pipeline{
		name:      cfg.Name,
		mime:      normalizeMIME(cfg.MIMEType),
		payload:   cfg.Payload,
		converter: cfg.Converter,
		store:     cfg.Store,
		logger:    logger,
	}, nil
}

// ComputeHash digests raw file bytes into the system-wide deduplication key.
func ComputeHash(payload []byte) string {
	if len(payload) == 0 {
		return EmptyContentHash
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Name returns the display name supplied at admission.
func (p *Pipeline) Name() string { return p.name }

// Hash returns the content hash of the original, pre-conversion bytes.
func (p *Pipeline) Hash() string {
	p.hashOnce.Do(func() {
		p.hash = ComputeHash(p.payload)
	})
	return p.hash
}

// Converted returns the canonical document bytes, invoking the conversion
// service once when the input is not already the target type.
func (p *Pipeline) Converted(ctx context.Context) ([]byte, error) {
	p.convertOnce.Do(func() {
		if p.mime == TargetMIME {
			p.converted = p.payload
			return
		}
		if p.converter == nil {
			p.convertErr = fmt.Errorf("upload: no converter for %s", p.mime)
			return
		}
		p.logger.Debug("upload.convert.begin", "name", p.name, "mime", p.mime, "bytes", len(p.payload))
		p.converted, p.convertErr = p.converter.Convert(ctx, p.payload, p.mime)
	})
	return p.converted, p.convertErr
}

// Store writes the canonical bytes to the blob store and returns the handle.
// Storage happens at most once per pipeline instance.
func (p *Pipeline) Store(ctx context.Context) (string, error) {
	p.storeOnce.Do(func() {
		payload, err := p.Converted(ctx)
		if err != nil {
			p.storeErr = err
			return
		}
		key, err := storage.DocumentKey(p.Hash())
		if err != nil {
			p.storeErr = err
			return
		}
		if err := p.store.PutObject(ctx, key, payload, TargetMIME); err != nil {
			p.storeErr = fmt.Errorf("upload: store document: %w", err)
			return
		}
		p.handle = key
		p.logger.Info("upload.stored",
			"name", p.name,
			"hash", p.Hash(),
			"handle", key,
			"bytes", len(payload),
		)
	})
	return p.handle, p.storeErr
}
