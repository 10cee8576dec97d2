// Package model implements the replicated arbitration state machine. One
// logical instance owns the shared place, the known-handles cache, the active
// document identity, and the single interaction lock; it consumes commands in
// total order and emits approved transitions. Rejections are silent: clients
// infer them from the absence of an approval echo.
//
// The model holds no mutex and must only be driven from the session's apply
// goroutine; that single delivery sequence is the concurrency control.
package model

import (
	"time"

	"pkt.systems/pslog"
	"pkt.systems/viewsync/api"
)

// DefaultLeaseTTL is the place-lease duration when none is configured.
const DefaultLeaseTTL = 5 * time.Second

// Config configures the model.
type Config struct {
	// LeaseTTL is how long an unrefreshed place lease survives.
	LeaseTTL time.Duration
	// Supersession decides late-StartLoad acceptance; nil means the default
	// rule.
	Supersession SupersessionPolicy
	Logger       pslog.Logger
	Metrics      *Metrics
}

// Model is the arbitration state machine.
type Model struct {
	leaseTTL     time.Duration
	supersession SupersessionPolicy
	logger       pslog.Logger
	metrics      *Metrics

	lock        Lock
	place       api.Place
	handles     map[string]api.HandleEntry
	activeHash  string
	activeName  string
	pendingHash string
	seq         uint64
}

// New constructs a model with empty state and default place.
func New(cfg Config) *Model {
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	policy := cfg.Supersession
	if policy == nil {
		policy = DefaultSupersessionPolicy
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Model{
		leaseTTL:     ttl,
		supersession: policy,
		logger:       logger,
		metrics:      cfg.Metrics,
		place:        api.DefaultPlace(),
		handles:      make(map[string]api.HandleEntry),
	}
}

// Apply processes one ordered command and returns its outcome. A zero
// outcome means the command was rejected or was a no-op.
func (m *Model) Apply(cmd Command) Outcome {
	m.seq = cmd.Seq
	switch op := cmd.Op.(type) {
	case SetPlace:
		return m.applySetPlace(cmd, op)
	case EndInteraction:
		return m.applyEndInteraction(cmd)
	case SetRotation:
		return m.applySetRotation(cmd, op)
	case SetScrollMode:
		return m.applySetScrollMode(cmd, op)
	case RequestLoad:
		return m.applyRequestLoad(cmd, op)
	case StartLoad:
		return m.applyStartLoad(cmd, op)
	case ClientDisconnected:
		return m.applyDisconnect(op)
	case ExpireLease:
		return m.applyExpireLease(op)
	default:
		m.logger.Warn("model.unknown_op", "seq", cmd.Seq, "origin", cmd.Origin)
		return Outcome{}
	}
}

// grantPlaceLease acquires or refreshes the place lease for origin. It
// returns false when a different client holds the lock, load or place alike.
func (m *Model) grantPlaceLease(cmd Command) (Outcome, bool) {
	if m.lock.Kind == api.LockLoad {
		m.metrics.reject(api.LockPlace)
		m.logger.Debug("lock.place.reject_load_active",
			"origin", cmd.Origin, "holder", m.lock.HolderID, "hash", m.lock.ContentHash)
		return Outcome{}, false
	}
	if m.lock.Kind == api.LockPlace && m.lock.HolderID != cmd.Origin {
		m.metrics.reject(api.LockPlace)
		m.logger.Debug("lock.place.reject_held",
			"origin", cmd.Origin, "holder", m.lock.HolderID)
		return Outcome{}, false
	}
	m.lock = Lock{
		HolderID:   cmd.Origin,
		Kind:       api.LockPlace,
		AcquiredAt: cmd.At,
		Epoch:      m.lock.Epoch + 1,
	}
	m.metrics.grant(api.LockPlace)
	m.metrics.setLock(api.LockPlace)
	return Outcome{
		ScheduleExpiry: &LeaseTimer{After: m.leaseTTL, Epoch: m.lock.Epoch},
	}, true
}

func (m *Model) applySetPlace(cmd Command, op SetPlace) Outcome {
	if err := op.Place.Validate(); err != nil {
		m.logger.Debug("place.set.invalid", "origin", cmd.Origin, "error", err)
		return Outcome{}
	}
	outcome, ok := m.grantPlaceLease(cmd)
	if !ok {
		return Outcome{}
	}
	m.place = op.Place
	m.logger.Debug("place.update",
		"origin", cmd.Origin, "seq", cmd.Seq, "page", op.Place.Page, "scale", op.Place.Scale)
	outcome.Events = append(outcome.Events, Event{
		Type: api.TypePlaceUpdate,
		Payload: api.PlaceUpdate{
			Origin: cmd.Origin,
			Seq:    cmd.Seq,
			Place:  m.place,
			Lock:   m.lock.Info(),
		},
	})
	return outcome
}

func (m *Model) applySetRotation(cmd Command, op SetRotation) Outcome {
	switch op.Rotation {
	case 0, 90, 180, 270:
	default:
		m.logger.Debug("rotation.set.invalid", "origin", cmd.Origin, "rotation", op.Rotation)
		return Outcome{}
	}
	outcome, ok := m.grantPlaceLease(cmd)
	if !ok {
		return Outcome{}
	}
	m.place.Rotation = op.Rotation
	outcome.Events = append(outcome.Events, Event{
		Type: api.TypeRotationUpdate,
		Payload: api.RotationUpdate{
			Origin:   cmd.Origin,
			Seq:      cmd.Seq,
			Rotation: op.Rotation,
			Lock:     m.lock.Info(),
		},
	})
	return outcome
}

func (m *Model) applySetScrollMode(cmd Command, op SetScrollMode) Outcome {
	if op.Mode < api.ScrollModeVertical || op.Mode > api.ScrollModePage {
		m.logger.Debug("scrollmode.set.invalid", "origin", cmd.Origin, "mode", op.Mode)
		return Outcome{}
	}
	outcome, ok := m.grantPlaceLease(cmd)
	if !ok {
		return Outcome{}
	}
	m.place.ScrollMode = op.Mode
	outcome.Events = append(outcome.Events, Event{
		Type: api.TypeScrollModeUpdate,
		Payload: api.ScrollModeUpdate{
			Origin: cmd.Origin,
			Seq:    cmd.Seq,
			Mode:   op.Mode,
			Lock:   m.lock.Info(),
		},
	})
	return outcome
}

func (m *Model) applyEndInteraction(cmd Command) Outcome {
	if m.lock.Kind != api.LockPlace || m.lock.HolderID != cmd.Origin {
		return Outcome{}
	}
	m.clearLock()
	m.metrics.release(api.ReleaseReasonEnded)
	m.logger.Debug("lock.place.ended", "origin", cmd.Origin, "seq", cmd.Seq)
	return Outcome{Events: []Event{{
		Type:    api.TypeLockReleased,
		Payload: api.LockReleased{Seq: cmd.Seq, Reason: api.ReleaseReasonEnded},
	}}}
}

func (m *Model) applyRequestLoad(cmd Command, op RequestLoad) Outcome {
	if op.ContentHash == "" {
		return Outcome{}
	}
	// A load for the same hash is already in flight: the duplicate upload
	// must not start. Any other lock state yields to the load, place leases
	// included, because place state resets once the load completes.
	if m.lock.Kind == api.LockLoad && m.lock.ContentHash == op.ContentHash {
		m.metrics.reject(api.LockLoad)
		m.logger.Debug("load.request.reject_duplicate",
			"origin", cmd.Origin, "holder", m.lock.HolderID, "hash", op.ContentHash)
		return Outcome{}
	}
	m.lock = Lock{
		HolderID:    cmd.Origin,
		Kind:        api.LockLoad,
		AcquiredAt:  cmd.At,
		ContentHash: op.ContentHash,
		Epoch:       m.lock.Epoch + 1,
	}
	m.pendingHash = op.ContentHash
	m.metrics.grant(api.LockLoad)
	m.metrics.setLock(api.LockLoad)
	m.logger.Info("load.approved", "origin", cmd.Origin, "seq", cmd.Seq, "hash", op.ContentHash)
	return Outcome{Events: []Event{{
		Type: api.TypeLoadApproved,
		Payload: api.LoadApproved{
			Origin:      cmd.Origin,
			Seq:         cmd.Seq,
			ContentHash: op.ContentHash,
			Lock:        m.lock.Info(),
		},
	}}}
}

func (m *Model) applyStartLoad(cmd Command, op StartLoad) Outcome {
	if op.ContentHash == "" || op.Handle == "" {
		return Outcome{}
	}
	if !m.supersession(m.pendingHash, op) {
		// A slower upload lost the race to a newer RequestLoad. Expected,
		// not an error.
		m.metrics.supersede()
		m.logger.Debug("load.superseded",
			"origin", cmd.Origin, "hash", op.ContentHash, "pending", m.pendingHash)
		return Outcome{}
	}
	entry, known := m.handles[op.ContentHash]
	if !known {
		entry = api.HandleEntry{Handle: op.Handle, DisplayName: op.Name}
		m.handles[op.ContentHash] = entry
	}
	m.clearLock()
	m.place = api.DefaultPlace()
	m.activeHash = op.ContentHash
	m.activeName = entry.DisplayName
	m.pendingHash = op.ContentHash
	m.metrics.load()
	m.logger.Info("load.ready",
		"origin", cmd.Origin,
		"seq", cmd.Seq,
		"hash", op.ContentHash,
		"handle", entry.Handle,
		"name", entry.DisplayName,
		"cached", known,
	)
	return Outcome{
		PersistSnapshot: true,
		Events: []Event{{
			Type: api.TypeLoadReady,
			Payload: api.LoadReady{
				Origin:      cmd.Origin,
				Seq:         cmd.Seq,
				ContentHash: op.ContentHash,
				Handle:      entry.Handle,
				Name:        entry.DisplayName,
				Place:       m.place,
			},
		}},
	}
}

func (m *Model) applyDisconnect(op ClientDisconnected) Outcome {
	if m.lock.HolderID != op.ClientID || m.lock.Kind == "" {
		return Outcome{}
	}
	m.clearLock()
	m.metrics.release(api.ReleaseReasonDisconnected)
	m.logger.Info("lock.released.disconnect", "client", op.ClientID)
	return Outcome{Events: []Event{{
		Type:    api.TypeLockReleased,
		Payload: api.LockReleased{Seq: m.seq, Reason: api.ReleaseReasonDisconnected},
	}}}
}

func (m *Model) applyExpireLease(op ExpireLease) Outcome {
	// Refreshing a lease bumps the epoch and schedules a new timer, so only
	// the timer from the latest grant can match here.
	if m.lock.Kind != api.LockPlace || m.lock.Epoch != op.Epoch {
		return Outcome{}
	}
	holder := m.lock.HolderID
	m.clearLock()
	m.metrics.release(api.ReleaseReasonExpired)
	m.logger.Debug("lock.place.expired", "holder", holder, "epoch", op.Epoch)
	return Outcome{Events: []Event{{
		Type:    api.TypeLockReleased,
		Payload: api.LockReleased{Seq: m.seq, Reason: api.ReleaseReasonExpired},
	}}}
}

func (m *Model) clearLock() {
	epoch := m.lock.Epoch
	m.lock = Lock{Epoch: epoch}
	m.metrics.setLock(api.LockNone)
}

// Place returns the last approved navigation state.
func (m *Model) Place() api.Place { return m.place }

// LockInfo returns the current lock in wire form.
func (m *Model) LockInfo() api.LockInfo { return m.lock.Info() }

// ActiveHash returns the content hash of the active document, or empty.
func (m *Model) ActiveHash() string { return m.activeHash }

// Handle returns the cached handle entry for a content hash.
func (m *Model) Handle(hash string) (api.HandleEntry, bool) {
	entry, ok := m.handles[hash]
	return entry, ok
}

// Handles returns a copy of the known-handles cache.
func (m *Model) Handles() map[string]api.HandleEntry {
	out := make(map[string]api.HandleEntry, len(m.handles))
	for k, v := range m.handles {
		out[k] = v
	}
	return out
}

// Snapshot captures the state persisted across sessions.
func (m *Model) Snapshot() Snapshot {
	return Snapshot{
		Seq:        m.seq,
		ActiveHash: m.activeHash,
		ActiveName: m.activeName,
		Handles:    m.Handles(),
	}
}

// Restore loads a previously persisted snapshot. The caller replays a
// recovered StartLoad afterwards to resume the last-open document; Restore
// itself only rebuilds the cache and identity.
func (m *Model) Restore(snap Snapshot) {
	m.handles = make(map[string]api.HandleEntry, len(snap.Handles))
	for k, v := range snap.Handles {
		m.handles[k] = v
	}
	m.activeHash = snap.ActiveHash
	m.activeName = snap.ActiveName
	m.seq = snap.Seq
}
