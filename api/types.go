// Package api defines the wire types exchanged between viewsync clients and
// the session host. Commands travel client to server, events travel server to
// every subscriber, both as JSON envelopes over the session WebSocket.
package api

import (
	"encoding/json"
	"fmt"
)

// Lock kinds carried in LockInfo.
const (
	LockNone  = "none"
	LockPlace = "place"
	LockLoad  = "load"
)

// Scroll layout modes.
const (
	ScrollModeVertical   = 0
	ScrollModeHorizontal = 1
	ScrollModeWrapped    = 2
	ScrollModePage       = 3
)

// Command envelope types (client to server).
const (
	TypeHello          = "hello"
	TypePlaceSet       = "place.set"
	TypeInteractionEnd = "interaction.end"
	TypeRotationSet    = "rotation.set"
	TypeScrollModeSet  = "scrollmode.set"
	TypeLoadRequest    = "load.request"
	TypeLoadStart      = "load.start"
)

// Event envelope types (server to subscribers).
const (
	TypeWelcome          = "welcome"
	TypePlaceUpdate      = "place.update"
	TypeRotationUpdate   = "rotation.update"
	TypeScrollModeUpdate = "scrollmode.update"
	TypeLoadApproved     = "load.approved"
	TypeLoadReady        = "load.ready"
	TypeLockReleased     = "lock.released"
)

// Envelope frames every message on the session socket.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into a typed envelope.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("api: encode %s: %w", msgType, err)
	}
	return Envelope{Type: msgType, Data: data}, nil
}

// Place is the shared navigation state: what every participant should be
// looking at. Top and Left are scale-independent transport units; Scale is an
// opaque zoom token that is propagated verbatim, never re-derived.
type Place struct {
	Page       int    `json:"page"`
	Top        int64  `json:"top"`
	Left       int64  `json:"left"`
	Scale      string `json:"scale"`
	Rotation   int    `json:"rotation"`
	ScrollMode int    `json:"scroll_mode"`
}

// DefaultPlace is the navigation state applied when a document loads.
func DefaultPlace() Place {
	return Place{Page: 1, Scale: "1", Rotation: 0, ScrollMode: ScrollModeVertical}
}

// Validate rejects places that no renderer could apply.
func (p Place) Validate() error {
	if p.Page < 1 {
		return fmt.Errorf("api: page must be 1-based, got %d", p.Page)
	}
	switch p.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("api: invalid rotation %d", p.Rotation)
	}
	if p.ScrollMode < ScrollModeVertical || p.ScrollMode > ScrollModePage {
		return fmt.Errorf("api: invalid scroll mode %d", p.ScrollMode)
	}
	return nil
}

// LockInfo mirrors the model's interaction lock for subscribers.
type LockInfo struct {
	HolderID    string `json:"holder_id,omitempty"`
	Kind        string `json:"kind"`
	AcquiredAt  int64  `json:"acquired_at,omitempty"` // virtual-clock unix millis
	ContentHash string `json:"content_hash,omitempty"`
}

// Held reports whether any client currently holds the lock.
func (l LockInfo) Held() bool {
	return l.Kind != "" && l.Kind != LockNone && l.HolderID != ""
}

// HandleEntry pairs a blob-store handle with the display name supplied at
// upload time. Entries are immutable once registered.
type HandleEntry struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
}

// Hello is sent by a client immediately after connecting. ClientID is
// optional; the host assigns one when empty.
type Hello struct {
	ClientID string `json:"client_id,omitempty"`
}

// Welcome acknowledges a Hello with the client's identity and the canonical
// state it must converge to.
type Welcome struct {
	ClientID   string                 `json:"client_id"`
	Seq        uint64                 `json:"seq"`
	Place      Place                  `json:"place"`
	Lock       LockInfo               `json:"lock"`
	ActiveHash string                 `json:"active_hash,omitempty"`
	Handles    map[string]HandleEntry `json:"handles,omitempty"`
}

// PlaceSet asks the model to move the shared place.
type PlaceSet struct {
	Place Place `json:"place"`
}

// RotationSet asks the model to rotate the shared view.
type RotationSet struct {
	Rotation int `json:"rotation"`
}

// ScrollModeSet asks the model to switch the layout mode.
type ScrollModeSet struct {
	Mode int `json:"mode"`
}

// LoadRequest asks for the load lock ahead of an upload.
type LoadRequest struct {
	ContentHash string `json:"content_hash"`
}

// LoadStart publishes an uploaded document. Recovered marks replays of
// already-known content (cache hits and snapshot resume); those bypass the
// supersession check because no upload race existed.
type LoadStart struct {
	ContentHash string `json:"content_hash"`
	Handle      string `json:"handle"`
	Name        string `json:"name"`
	Recovered   bool   `json:"recovered,omitempty"`
}

// PlaceUpdate broadcasts an approved navigation change. Origin identifies the
// client whose command was approved so it can recognize its own echo.
type PlaceUpdate struct {
	Origin string   `json:"origin"`
	Seq    uint64   `json:"seq"`
	Place  Place    `json:"place"`
	Lock   LockInfo `json:"lock"`
}

// RotationUpdate broadcasts an approved rotation change.
type RotationUpdate struct {
	Origin   string   `json:"origin"`
	Seq      uint64   `json:"seq"`
	Rotation int      `json:"rotation"`
	Lock     LockInfo `json:"lock"`
}

// ScrollModeUpdate broadcasts an approved layout change.
type ScrollModeUpdate struct {
	Origin string   `json:"origin"`
	Seq    uint64   `json:"seq"`
	Mode   int      `json:"mode"`
	Lock   LockInfo `json:"lock"`
}

// LoadApproved broadcasts that a client won the load lock for a hash.
type LoadApproved struct {
	Origin      string   `json:"origin"`
	Seq         uint64   `json:"seq"`
	ContentHash string   `json:"content_hash"`
	Lock        LockInfo `json:"lock"`
}

// LoadReady broadcasts the published document every client must show.
type LoadReady struct {
	Origin      string `json:"origin"`
	Seq         uint64 `json:"seq"`
	ContentHash string `json:"content_hash"`
	Handle      string `json:"handle"`
	Name        string `json:"name"`
	Place       Place  `json:"place"`
}

// LockReleased broadcasts that the interaction lock was cleared without a
// state change: lease expiry, drag release, or holder disconnect.
type LockReleased struct {
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
}

// LockReleased reasons.
const (
	ReleaseReasonExpired      = "expired"
	ReleaseReasonEnded        = "ended"
	ReleaseReasonDisconnected = "disconnected"
)

// UploadResponse is returned by the HTTP upload endpoint. Known reports a
// content-hash cache hit, in which case no conversion or storage ran.
type UploadResponse struct {
	ContentHash string `json:"content_hash"`
	Handle      string `json:"handle"`
	Name        string `json:"name"`
	Known       bool   `json:"known"`
}
