// Package client implements the arbitration agent that sits between a local
// renderer and the shared session. It translates raw viewer input into
// commands, applies approved events back to the renderer, suppresses echo
// loops, and keeps local chatter off the wire with throttling and
// de-duplication. The agent holds only derived copies of shared state; the
// session's model is the sole authority.
package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/viewsync/api"
	"pkt.systems/viewsync/internal/clock"
	"pkt.systems/viewsync/internal/quant"
	"pkt.systems/viewsync/internal/upload"
)

// Agent tuning defaults.
const (
	// DefaultQuietPeriod is how long after the last local input the agent
	// stays busy, deferring peer updates.
	DefaultQuietPeriod = 1 * time.Second
	// DefaultPublishInterval bounds the rate of place publishes.
	DefaultPublishInterval = 200 * time.Millisecond
	// DefaultPlaceEpsilon suppresses publishes whose quantized top and left
	// both moved less than this many transport units.
	DefaultPlaceEpsilon int64 = 2
	// DefaultApprovalWindow is how long a drop waits for its load.approved
	// echo before treating the request as rejected.
	DefaultApprovalWindow = 10 * time.Second
)

// Renderer is the agent's view of the local document viewer. Calls arrive on
// the goroutine delivering session events; implementations marshal onto their
// own UI thread as needed.
type Renderer interface {
	ApplyPlace(place api.Place)
	ApplyRotation(rotation int)
	ApplyScrollMode(mode int)
	ShowDocument(contentHash, handle, name string)
	SetContention(active bool)
}

// Sender delivers command envelopes to the session host.
type Sender interface {
	Send(env api.Envelope) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(env api.Envelope) error

// Send implements Sender.
func (f SenderFunc) Send(env api.Envelope) error { return f(env) }

// Config configures an Agent.
type Config struct {
	ClientID string
	Renderer Renderer
	Sender   Sender
	Clock    clock.Clock
	Logger   pslog.Logger

	// ServerURL and HTTPClient serve the upload endpoint for HandleDrop.
	ServerURL  string
	HTTPClient *http.Client

	// Formats and MaxUploadBytes drive the local pre-admission check.
	Formats        *upload.FormatSource
	MaxUploadBytes int64

	QuietPeriod     time.Duration
	PublishInterval time.Duration
	PlaceEpsilon    int64
	ApprovalWindow  time.Duration
}

// Agent is one client's arbitration agent.
type Agent struct {
	clientID string
	renderer Renderer
	sender   Sender
	clock    clock.Clock
	logger   pslog.Logger

	serverURL  string
	httpClient *http.Client
	formats    *upload.FormatSource
	maxBytes   int64

	quietPeriod     time.Duration
	publishInterval time.Duration
	placeEpsilon    int64
	approvalWindow  time.Duration

	mu sync.Mutex

	// Derived copies of shared state, never authoritative.
	seq        uint64
	place      api.Place
	lock       api.LockInfo
	activeHash string
	handles    map[string]api.HandleEntry

	busy      bool
	busyTimer clock.Timer
	deferred  *api.Place

	lastPublished  api.Place
	everPublished  bool
	lastPublishAt  time.Time
	pendingPublish *api.Place

	loadWaiters map[string]chan struct{}
}

// New constructs an agent around an established session identity. Welcome
// carries the canonical state observed at join.
func New(cfg Config, welcome api.Welcome) (*Agent, error) {
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("client: renderer required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("client: sender required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	a := &Agent{
		clientID:        welcome.ClientID,
		renderer:        cfg.Renderer,
		sender:          cfg.Sender,
		clock:           clk,
		logger:          logger.With("client", welcome.ClientID),
		serverURL:       cfg.ServerURL,
		httpClient:      cfg.HTTPClient,
		formats:         cfg.Formats,
		maxBytes:        cfg.MaxUploadBytes,
		quietPeriod:     cfg.QuietPeriod,
		publishInterval: cfg.PublishInterval,
		placeEpsilon:    cfg.PlaceEpsilon,
		approvalWindow:  cfg.ApprovalWindow,
		seq:             welcome.Seq,
		place:           welcome.Place,
		lock:            welcome.Lock,
		activeHash:      welcome.ActiveHash,
		handles:         make(map[string]api.HandleEntry),
		loadWaiters:     make(map[string]chan struct{}),
	}
	if a.quietPeriod <= 0 {
		a.quietPeriod = DefaultQuietPeriod
	}
	if a.publishInterval <= 0 {
		a.publishInterval = DefaultPublishInterval
	}
	if a.placeEpsilon <= 0 {
		a.placeEpsilon = DefaultPlaceEpsilon
	}
	if a.approvalWindow <= 0 {
		a.approvalWindow = DefaultApprovalWindow
	}
	if a.httpClient == nil {
		a.httpClient = http.DefaultClient
	}
	for hash, entry := range welcome.Handles {
		a.handles[hash] = entry
	}
	a.renderer.ApplyPlace(welcome.Place)
	if welcome.ActiveHash != "" {
		if entry, ok := a.handles[welcome.ActiveHash]; ok {
			a.renderer.ShowDocument(welcome.ActiveHash, entry.Handle, entry.DisplayName)
		}
	}
	return a, nil
}

// ClientID returns the session-assigned identity.
func (a *Agent) ClientID() string { return a.clientID }

// Place returns the last canonical place the agent observed.
func (a *Agent) Place() api.Place {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.place
}

// HandleScroll feeds a local scroll or drag sample. Offsets are viewer pixels
// at the supplied render scale; they are quantized before comparison and
// publication.
func (a *Agent) HandleScroll(page int, topPx, leftPx, scale float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidate := a.place
	candidate.Page = page
	candidate.Top = quant.Quantize(topPx, scale)
	candidate.Left = quant.Quantize(leftPx, scale)
	candidate.Scale = strconv.FormatFloat(scale, 'f', -1, 64)

	a.markBusyLocked()
	if !a.shouldPublishLocked(candidate) {
		return
	}
	if !a.preflightLocked() {
		return
	}
	a.publishPlaceLocked(candidate)
}

// HandleRotate publishes a rotation change. Rotation changes always publish;
// the dedupe epsilon applies to scroll jitter only.
func (a *Agent) HandleRotate(rotation int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markBusyLocked()
	if !a.preflightLocked() {
		return
	}
	a.sendLocked(api.TypeRotationSet, api.RotationSet{Rotation: rotation})
}

// HandleScrollMode publishes a layout mode change.
func (a *Agent) HandleScrollMode(mode int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markBusyLocked()
	if !a.preflightLocked() {
		return
	}
	a.sendLocked(api.TypeScrollModeSet, api.ScrollModeSet{Mode: mode})
}

// HandleInteractionEnd marks the end of a drag gesture: the lease is released
// early and any deferred peer update applies immediately.
func (a *Agent) HandleInteractionEnd() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushPendingLocked()
	a.sendLocked(api.TypeInteractionEnd, struct{}{})
	a.goIdleLocked()
}

// HandleEvent dispatches one session event into the agent.
func (a *Agent) HandleEvent(env api.Envelope) {
	switch env.Type {
	case api.TypePlaceUpdate:
		var ev api.PlaceUpdate
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			a.logger.Debug("agent.event.decode_failed", "type", env.Type, "error", err)
			return
		}
		a.onPlaceUpdate(ev)
	case api.TypeRotationUpdate:
		var ev api.RotationUpdate
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		a.onRotationUpdate(ev)
	case api.TypeScrollModeUpdate:
		var ev api.ScrollModeUpdate
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		a.onScrollModeUpdate(ev)
	case api.TypeLoadApproved:
		var ev api.LoadApproved
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		a.onLoadApproved(ev)
	case api.TypeLoadReady:
		var ev api.LoadReady
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		a.onLoadReady(ev)
	case api.TypeLockReleased:
		var ev api.LockReleased
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		a.onLockReleased(ev)
	default:
		a.logger.Debug("agent.event.unknown", "type", env.Type)
	}
}

func (a *Agent) onPlaceUpdate(ev api.PlaceUpdate) {
	a.mu.Lock()
	a.seq = ev.Seq
	a.lock = ev.Lock
	a.place = ev.Place
	if ev.Origin == a.clientID {
		// Own echo: the renderer already shows this state.
		a.mu.Unlock()
		a.renderer.SetContention(false)
		return
	}
	if a.busy {
		p := ev.Place
		a.deferred = &p
		a.mu.Unlock()
		a.renderer.SetContention(true)
		return
	}
	a.mu.Unlock()
	a.renderer.ApplyPlace(ev.Place)
}

func (a *Agent) onRotationUpdate(ev api.RotationUpdate) {
	a.mu.Lock()
	a.seq = ev.Seq
	a.lock = ev.Lock
	a.place.Rotation = ev.Rotation
	self := ev.Origin == a.clientID
	a.mu.Unlock()
	if self {
		a.renderer.SetContention(false)
		return
	}
	a.renderer.ApplyRotation(ev.Rotation)
}

func (a *Agent) onScrollModeUpdate(ev api.ScrollModeUpdate) {
	a.mu.Lock()
	a.seq = ev.Seq
	a.lock = ev.Lock
	a.place.ScrollMode = ev.Mode
	self := ev.Origin == a.clientID
	a.mu.Unlock()
	if self {
		a.renderer.SetContention(false)
		return
	}
	a.renderer.ApplyScrollMode(ev.Mode)
}

func (a *Agent) onLoadApproved(ev api.LoadApproved) {
	a.mu.Lock()
	a.seq = ev.Seq
	a.lock = ev.Lock
	if ev.Origin == a.clientID {
		if waiter, ok := a.loadWaiters[ev.ContentHash]; ok {
			close(waiter)
			delete(a.loadWaiters, ev.ContentHash)
		}
	}
	a.mu.Unlock()
}

func (a *Agent) onLoadReady(ev api.LoadReady) {
	a.mu.Lock()
	a.seq = ev.Seq
	a.lock = api.LockInfo{}
	a.place = ev.Place
	a.activeHash = ev.ContentHash
	a.handles[ev.ContentHash] = api.HandleEntry{Handle: ev.Handle, DisplayName: ev.Name}
	// A new document resets everything local; stale deferred navigation must
	// not land on it.
	a.deferred = nil
	a.pendingPublish = nil
	a.everPublished = false
	a.stopBusyTimerLocked()
	a.busy = false
	a.mu.Unlock()

	a.renderer.ShowDocument(ev.ContentHash, ev.Handle, ev.Name)
	a.renderer.ApplyPlace(ev.Place)
	a.renderer.SetContention(false)
}

func (a *Agent) onLockReleased(ev api.LockReleased) {
	a.mu.Lock()
	a.seq = ev.Seq
	a.lock = api.LockInfo{}
	a.mu.Unlock()
	a.renderer.SetContention(false)
}

// markBusyLocked enters or extends the busy window.
func (a *Agent) markBusyLocked() {
	a.busy = true
	a.stopBusyTimerLocked()
	a.busyTimer = a.clock.AfterFunc(a.quietPeriod, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.goIdleLocked()
	})
}

func (a *Agent) stopBusyTimerLocked() {
	if a.busyTimer != nil {
		a.busyTimer.Stop()
		a.busyTimer = nil
	}
}

// goIdleLocked leaves the busy window and applies the latest deferred peer
// update, if any.
func (a *Agent) goIdleLocked() {
	a.busy = false
	a.stopBusyTimerLocked()
	if a.deferred == nil {
		return
	}
	place := *a.deferred
	a.deferred = nil
	// Renderer calls must not hold the mutex; re-entrant input would
	// deadlock.
	a.mu.Unlock()
	a.renderer.ApplyPlace(place)
	a.renderer.SetContention(false)
	a.mu.Lock()
}

// shouldPublishLocked applies the dedupe epsilon against the last place this
// agent published. Page, scale, rotation, and scroll mode changes always
// publish.
func (a *Agent) shouldPublishLocked(candidate api.Place) bool {
	if !a.everPublished {
		return true
	}
	last := a.lastPublished
	if candidate.Page != last.Page || candidate.Scale != last.Scale ||
		candidate.Rotation != last.Rotation || candidate.ScrollMode != last.ScrollMode {
		return true
	}
	return quant.Delta(candidate.Top, last.Top) >= a.placeEpsilon ||
		quant.Delta(candidate.Left, last.Left) >= a.placeEpsilon
}

// preflightLocked is the best-effort admission check: skip sending when the
// last-known lock state already guarantees rejection. The model remains the
// authority; a stale view here only costs one silent round trip.
func (a *Agent) preflightLocked() bool {
	if !a.lock.Held() {
		return true
	}
	if a.lock.Kind == api.LockLoad {
		a.contentionLocked()
		return false
	}
	if a.lock.HolderID != a.clientID {
		a.contentionLocked()
		return false
	}
	return true
}

func (a *Agent) contentionLocked() {
	a.mu.Unlock()
	a.renderer.SetContention(true)
	a.mu.Lock()
}

// publishPlaceLocked sends immediately when outside the throttle interval,
// otherwise parks the candidate in the latest-wins pending slot.
func (a *Agent) publishPlaceLocked(place api.Place) {
	now := a.clock.Now()
	if a.pendingPublish == nil && now.Sub(a.lastPublishAt) >= a.publishInterval {
		a.sendPlaceLocked(place, now)
		return
	}
	first := a.pendingPublish == nil
	p := place
	a.pendingPublish = &p
	if first {
		delay := a.publishInterval - now.Sub(a.lastPublishAt)
		if delay < 0 {
			delay = 0
		}
		a.clock.AfterFunc(delay, func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.flushPendingLocked()
		})
	}
}

func (a *Agent) flushPendingLocked() {
	if a.pendingPublish == nil {
		return
	}
	place := *a.pendingPublish
	a.pendingPublish = nil
	a.sendPlaceLocked(place, a.clock.Now())
}

func (a *Agent) sendPlaceLocked(place api.Place, at time.Time) {
	a.lastPublished = place
	a.everPublished = true
	a.lastPublishAt = at
	a.sendLocked(api.TypePlaceSet, api.PlaceSet{Place: place})
}

func (a *Agent) sendLocked(msgType string, payload any) {
	env, err := api.NewEnvelope(msgType, payload)
	if err != nil {
		a.logger.Warn("agent.send.encode_failed", "type", msgType, "error", err)
		return
	}
	if err := a.sender.Send(env); err != nil {
		a.logger.Warn("agent.send.failed", "type", msgType, "error", err)
	}
}
