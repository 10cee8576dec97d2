package model

import (
	"time"

	"pkt.systems/viewsync/api"
)

// Command is one totally-ordered log entry delivered to the model. Seq and At
// are assigned by the session when the entry is appended; every replica of
// the log observes identical values, which is what makes lease expiry and
// supersession deterministic.
type Command struct {
	Seq    uint64
	At     time.Time
	Origin string
	Op     Op
}

// Op is the payload of a Command.
type Op interface {
	op()
}

// SetPlace moves the shared place, acquiring or refreshing the place lease.
type SetPlace struct {
	Place api.Place
}

// EndInteraction releases the caller's place lease early (drag release).
type EndInteraction struct{}

// SetRotation rotates the shared view; same lock class as SetPlace.
type SetRotation struct {
	Rotation int
}

// SetScrollMode switches the shared layout mode; same lock class as SetPlace.
type SetScrollMode struct {
	Mode int
}

// RequestLoad claims the load lock for a content hash ahead of an upload.
type RequestLoad struct {
	ContentHash string
}

// StartLoad publishes an uploaded document.
type StartLoad struct {
	ContentHash string
	Handle      string
	Name        string
	Recovered   bool
}

// ClientDisconnected clears any lock held by the departed client.
type ClientDisconnected struct {
	ClientID string
}

// ExpireLease is timer-injected at lease expiry. Epoch identifies the grant
// the timer was scheduled for; a stale epoch is a no-op.
type ExpireLease struct {
	Epoch int64
}

func (SetPlace) op()           {}
func (EndInteraction) op()     {}
func (SetRotation) op()        {}
func (SetScrollMode) op()      {}
func (RequestLoad) op()        {}
func (StartLoad) op()          {}
func (ClientDisconnected) op() {}
func (ExpireLease) op()        {}

// Event is an approved state transition emitted to every subscriber. Payload
// is one of the api event structs.
type Event struct {
	Type    string
	Payload any
}

// LeaseTimer asks the session to deliver ExpireLease{Epoch} after the lease
// duration has elapsed on the virtual clock.
type LeaseTimer struct {
	After time.Duration
	Epoch int64
}

// Outcome is everything one command application produced. A rejected command
// yields a zero Outcome: rejections are silent.
type Outcome struct {
	Events          []Event
	ScheduleExpiry  *LeaseTimer
	PersistSnapshot bool
}

// Lock is the single interaction lock. At most one client holds it; Kind
// none means nobody does. Epoch increments on every grant or refresh so
// expiry timers from superseded leases identify themselves as stale.
type Lock struct {
	HolderID    string
	Kind        string
	AcquiredAt  time.Time
	ContentHash string
	Epoch       int64
}

// Info converts the lock to its wire representation.
func (l Lock) Info() api.LockInfo {
	info := api.LockInfo{Kind: api.LockNone}
	if l.Kind == "" || l.HolderID == "" {
		return info
	}
	info.Kind = l.Kind
	info.HolderID = l.HolderID
	info.AcquiredAt = l.AcquiredAt.UnixMilli()
	info.ContentHash = l.ContentHash
	return info
}

// Snapshot is the state persisted across sessions. Place and lock state are
// deliberately absent: a restored session starts with a fresh place and no
// holder.
type Snapshot struct {
	Seq        uint64                     `json:"seq"`
	ActiveHash string                     `json:"active_hash,omitempty"`
	ActiveName string                     `json:"active_name,omitempty"`
	Handles    map[string]api.HandleEntry `json:"handles,omitempty"`
}

// SupersessionPolicy decides whether a StartLoad may proceed given the hash
// most recently approved via RequestLoad. The default accepts recovered
// replays unconditionally and otherwise requires the pending hash to match;
// it is a race-breaking heuristic, not a proven protocol, so it is held as
// replaceable policy.
type SupersessionPolicy func(pendingHash string, cmd StartLoad) bool

// DefaultSupersessionPolicy implements the stock supersession rule.
func DefaultSupersessionPolicy(pendingHash string, cmd StartLoad) bool {
	if cmd.Recovered {
		return true
	}
	return cmd.ContentHash == pendingHash
}
