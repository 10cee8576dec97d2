package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"pkt.systems/viewsync/api"
	"pkt.systems/viewsync/internal/upload"
)

// ErrLoadRejected is returned when a drop's load request was not approved
// within the approval window, meaning another upload of the same content is
// already in flight.
var ErrLoadRejected = fmt.Errorf("client: load request rejected")

// HandleDrop runs the full file-drop flow: local admission, upload through
// the host (which hashes, converts, and stores), then the two-step
// load.request / load.start exchange with the session. A content-hash cache
// hit skips conversion and storage on the host and replays as a recovered
// load.
func (a *Agent) HandleDrop(ctx context.Context, name, mimeType string, payload []byte) error {
	if err := a.admit(ctx, name, mimeType, payload); err != nil {
		a.renderer.SetContention(true)
		return err
	}

	resp, err := a.uploadDocument(ctx, name, mimeType, payload)
	if err != nil {
		return err
	}
	a.logger.Info("agent.drop.uploaded",
		"name", resp.Name,
		"hash", resp.ContentHash,
		"known", resp.Known,
	)

	approved, timeout, err := a.requestLoad(resp.ContentHash)
	if err != nil {
		return err
	}
	select {
	case <-approved:
	case <-timeout:
		a.clearLoadWaiter(resp.ContentHash)
		a.renderer.SetContention(true)
		return ErrLoadRejected
	case <-ctx.Done():
		a.clearLoadWaiter(resp.ContentHash)
		return ctx.Err()
	}

	a.mu.Lock()
	a.sendLocked(api.TypeLoadStart, api.LoadStart{
		ContentHash: resp.ContentHash,
		Handle:      resp.Handle,
		Name:        resp.Name,
		Recovered:   resp.Known,
	})
	a.mu.Unlock()
	return nil
}

// admit mirrors the host's admission rules so obviously unloadable files are
// rejected before any bytes leave the machine.
func (a *Agent) admit(ctx context.Context, name, mimeType string, payload []byte) error {
	if len(payload) == 0 {
		return &upload.AdmissionError{Code: upload.AdmissionEmpty, Detail: "file is empty"}
	}
	if a.maxBytes > 0 && int64(len(payload)) > a.maxBytes {
		return &upload.AdmissionError{
			Code:   upload.AdmissionTooLarge,
			Detail: fmt.Sprintf("%d bytes exceeds limit of %d", len(payload), a.maxBytes),
		}
	}
	if a.formats != nil && !a.formats.Admits(ctx, mimeType, name) {
		return &upload.AdmissionError{
			Code:   upload.AdmissionUnsupported,
			Detail: fmt.Sprintf("no conversion for %s", mimeType),
		}
	}
	return nil
}

func (a *Agent) uploadDocument(ctx context.Context, name, mimeType string, payload []byte) (api.UploadResponse, error) {
	if a.serverURL == "" {
		return api.UploadResponse{}, fmt.Errorf("client: no server url configured")
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	hdr.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return api.UploadResponse{}, fmt.Errorf("client: build upload: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return api.UploadResponse{}, fmt.Errorf("client: build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return api.UploadResponse{}, fmt.Errorf("client: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serverURL+"/v1/documents", &buf)
	if err != nil {
		return api.UploadResponse{}, fmt.Errorf("client: upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return api.UploadResponse{}, fmt.Errorf("client: upload: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return api.UploadResponse{}, fmt.Errorf("client: read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return api.UploadResponse{}, fmt.Errorf("client: upload failed: %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	var out api.UploadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return api.UploadResponse{}, fmt.Errorf("client: decode upload response: %w", err)
	}
	return out, nil
}

// requestLoad registers an approval waiter and its timeout, then sends
// load.request. Both channels exist before the command leaves, so the
// approval window starts no later than the request itself.
func (a *Agent) requestLoad(contentHash string) (<-chan struct{}, <-chan time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.loadWaiters[contentHash]; exists {
		return nil, nil, fmt.Errorf("client: load of %s already in flight", contentHash)
	}
	waiter := make(chan struct{})
	a.loadWaiters[contentHash] = waiter
	timeout := a.clock.After(a.approvalWindow)
	a.sendLocked(api.TypeLoadRequest, api.LoadRequest{ContentHash: contentHash})
	return waiter, timeout, nil
}

func (a *Agent) clearLoadWaiter(contentHash string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.loadWaiters, contentHash)
}
