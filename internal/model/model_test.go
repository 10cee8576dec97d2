package model

import (
	"testing"
	"time"

	"pkt.systems/viewsync/api"
)

type harness struct {
	t     *testing.T
	m     *Model
	now   time.Time
	seq   uint64
	timer *LeaseTimer // last scheduled expiry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		t:   t,
		m:   New(Config{LeaseTTL: 5 * time.Second}),
		now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (h *harness) apply(origin string, op Op) Outcome {
	h.seq++
	outcome := h.m.Apply(Command{Seq: h.seq, At: h.now, Origin: origin, Op: op})
	if outcome.ScheduleExpiry != nil {
		h.timer = outcome.ScheduleExpiry
	}
	return outcome
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// fireLease delivers the most recently scheduled expiry timer.
func (h *harness) fireLease() Outcome {
	h.t.Helper()
	if h.timer == nil {
		h.t.Fatal("no lease timer scheduled")
	}
	return h.apply("", ExpireLease{Epoch: h.timer.Epoch})
}

func place(page int) api.Place {
	p := api.DefaultPlace()
	p.Page = page
	return p
}

func eventTypes(o Outcome) []string {
	types := make([]string, 0, len(o.Events))
	for _, e := range o.Events {
		types = append(types, e.Type)
	}
	return types
}

func TestSetPlaceGrantsAndApplies(t *testing.T) {
	h := newHarness(t)

	out := h.apply("alice", SetPlace{Place: place(3)})
	if len(out.Events) != 1 || out.Events[0].Type != api.TypePlaceUpdate {
		t.Fatalf("expected place.update, got %v", eventTypes(out))
	}
	update := out.Events[0].Payload.(api.PlaceUpdate)
	if update.Origin != "alice" || update.Place.Page != 3 {
		t.Fatalf("unexpected update %+v", update)
	}
	if update.Lock.Kind != api.LockPlace || update.Lock.HolderID != "alice" {
		t.Fatalf("unexpected lock %+v", update.Lock)
	}
	if out.ScheduleExpiry == nil || out.ScheduleExpiry.After != 5*time.Second {
		t.Fatalf("expected lease timer, got %+v", out.ScheduleExpiry)
	}
	if h.m.Place().Page != 3 {
		t.Fatalf("place not applied: %+v", h.m.Place())
	}
}

func TestMutualExclusion(t *testing.T) {
	h := newHarness(t)

	h.apply("alice", SetPlace{Place: place(3)})

	// Contending commands from bob, every flavor of the place lock class,
	// are silently rejected while alice holds the lease.
	for _, op := range []Op{
		SetPlace{Place: place(9)},
		SetRotation{Rotation: 90},
		SetScrollMode{Mode: api.ScrollModeWrapped},
	} {
		if out := h.apply("bob", op); len(out.Events) != 0 {
			t.Fatalf("expected silent rejection for %T, got %v", op, eventTypes(out))
		}
	}
	if h.m.Place().Page != 3 || h.m.Place().Rotation != 0 {
		t.Fatalf("rejected commands mutated state: %+v", h.m.Place())
	}
	if lock := h.m.LockInfo(); lock.HolderID != "alice" {
		t.Fatalf("lock changed holder: %+v", lock)
	}

	// The holder can keep navigating; each command refreshes the lease.
	if out := h.apply("alice", SetRotation{Rotation: 180}); len(out.Events) != 1 {
		t.Fatalf("holder command rejected: %v", eventTypes(out))
	}
	if h.m.Place().Rotation != 180 {
		t.Fatalf("rotation not applied: %+v", h.m.Place())
	}
}

func TestLeaseExpiryAllowsTakeover(t *testing.T) {
	h := newHarness(t)

	h.apply("alice", SetPlace{Place: place(3)})
	if out := h.apply("bob", SetPlace{Place: place(7)}); len(out.Events) != 0 {
		t.Fatal("bob acquired while lease active")
	}

	h.advance(5 * time.Second)
	out := h.fireLease()
	if len(out.Events) != 1 || out.Events[0].Type != api.TypeLockReleased {
		t.Fatalf("expected lock.released, got %v", eventTypes(out))
	}
	if out.Events[0].Payload.(api.LockReleased).Reason != api.ReleaseReasonExpired {
		t.Fatalf("unexpected reason %+v", out.Events[0].Payload)
	}

	if out := h.apply("bob", SetPlace{Place: place(7)}); len(out.Events) != 1 {
		t.Fatal("bob's retry rejected after expiry")
	}
	if h.m.Place().Page != 7 {
		t.Fatalf("expected bob's page, got %+v", h.m.Place())
	}
}

func TestStaleLeaseTimerIsNoOp(t *testing.T) {
	h := newHarness(t)

	out := h.apply("alice", SetPlace{Place: place(2)})
	stale := *out.ScheduleExpiry

	// Refresh the lease; the earlier timer's epoch is now superseded.
	h.advance(2 * time.Second)
	h.apply("alice", SetPlace{Place: place(3)})

	h.advance(3 * time.Second)
	if out := h.apply("", ExpireLease{Epoch: stale.Epoch}); len(out.Events) != 0 {
		t.Fatalf("stale timer released the lease: %v", eventTypes(out))
	}
	if lock := h.m.LockInfo(); lock.HolderID != "alice" {
		t.Fatalf("lease lost to stale timer: %+v", lock)
	}
}

func TestEndInteractionReleasesEarly(t *testing.T) {
	h := newHarness(t)

	h.apply("alice", SetPlace{Place: place(2)})
	if out := h.apply("bob", EndInteraction{}); len(out.Events) != 0 {
		t.Fatal("non-holder ended the interaction")
	}
	out := h.apply("alice", EndInteraction{})
	if len(out.Events) != 1 || out.Events[0].Payload.(api.LockReleased).Reason != api.ReleaseReasonEnded {
		t.Fatalf("expected ended release, got %v", out.Events)
	}
	if out := h.apply("bob", SetPlace{Place: place(5)}); len(out.Events) != 1 {
		t.Fatal("bob rejected after early release")
	}
}

func TestDisconnectReleasesLock(t *testing.T) {
	h := newHarness(t)

	h.apply("alice", SetPlace{Place: place(2)})
	out := h.apply("", ClientDisconnected{ClientID: "alice"})
	if len(out.Events) != 1 || out.Events[0].Payload.(api.LockReleased).Reason != api.ReleaseReasonDisconnected {
		t.Fatalf("expected disconnect release, got %v", out.Events)
	}
	// No wait for lease expiry.
	if out := h.apply("bob", SetPlace{Place: place(4)}); len(out.Events) != 1 {
		t.Fatal("bob rejected after holder disconnect")
	}
}

func TestDisconnectOfBystanderKeepsLock(t *testing.T) {
	h := newHarness(t)

	h.apply("alice", SetPlace{Place: place(2)})
	if out := h.apply("", ClientDisconnected{ClientID: "carol"}); len(out.Events) != 0 {
		t.Fatal("bystander disconnect released the lock")
	}
	if lock := h.m.LockInfo(); lock.HolderID != "alice" {
		t.Fatalf("lock lost: %+v", lock)
	}
}

func TestLoadPreemptsPlace(t *testing.T) {
	h := newHarness(t)

	h.apply("alice", SetPlace{Place: place(2)})
	out := h.apply("bob", RequestLoad{ContentHash: "aa11"})
	if len(out.Events) != 1 || out.Events[0].Type != api.TypeLoadApproved {
		t.Fatalf("load did not pre-empt place: %v", eventTypes(out))
	}
	if lock := h.m.LockInfo(); lock.Kind != api.LockLoad || lock.HolderID != "bob" {
		t.Fatalf("unexpected lock %+v", lock)
	}
	// Place commands now bounce off the load lock, holder of the old lease
	// included.
	if out := h.apply("alice", SetPlace{Place: place(9)}); len(out.Events) != 0 {
		t.Fatal("place granted during load")
	}
}

func TestDuplicateConcurrentLoadRejected(t *testing.T) {
	h := newHarness(t)

	if out := h.apply("alice", RequestLoad{ContentHash: "aa11"}); len(out.Events) != 1 {
		t.Fatal("first load rejected")
	}
	if out := h.apply("bob", RequestLoad{ContentHash: "aa11"}); len(out.Events) != 0 {
		t.Fatal("duplicate concurrent load approved")
	}
	if lock := h.m.LockInfo(); lock.HolderID != "alice" {
		t.Fatalf("lock moved to duplicate requester: %+v", lock)
	}
}

func TestNewerLoadSupersedesOlder(t *testing.T) {
	h := newHarness(t)

	h.apply("alice", RequestLoad{ContentHash: "aa11"})
	if out := h.apply("bob", RequestLoad{ContentHash: "bb22"}); len(out.Events) != 1 {
		t.Fatal("different-hash load rejected")
	}

	// Alice's slower upload completes late; without the recovered flag it
	// must not resurrect itself.
	out := h.apply("alice", StartLoad{ContentHash: "aa11", Handle: "docs/aa11", Name: "old.pdf"})
	if len(out.Events) != 0 || out.PersistSnapshot {
		t.Fatalf("superseded start published: %v", eventTypes(out))
	}
	if _, known := h.m.Handle("aa11"); known {
		t.Fatal("superseded hash registered")
	}

	// Bob's upload wins.
	out = h.apply("bob", StartLoad{ContentHash: "bb22", Handle: "docs/bb22", Name: "new.pdf"})
	if len(out.Events) != 1 || out.Events[0].Type != api.TypeLoadReady {
		t.Fatalf("expected load.ready, got %v", eventTypes(out))
	}
	if h.m.ActiveHash() != "bb22" {
		t.Fatalf("active hash %q", h.m.ActiveHash())
	}
}

func TestStartLoadResetsPlaceAndClearsLock(t *testing.T) {
	h := newHarness(t)

	h.apply("alice", SetPlace{Place: place(42)})
	h.apply("alice", RequestLoad{ContentHash: "cc33"})
	out := h.apply("alice", StartLoad{ContentHash: "cc33", Handle: "docs/cc33", Name: "doc.pdf"})
	if !out.PersistSnapshot {
		t.Fatal("accepted load did not request snapshot persist")
	}
	ready := out.Events[0].Payload.(api.LoadReady)
	if ready.Place != api.DefaultPlace() {
		t.Fatalf("place not reset: %+v", ready.Place)
	}
	if h.m.Place() != api.DefaultPlace() {
		t.Fatalf("model place not reset: %+v", h.m.Place())
	}
	if lock := h.m.LockInfo(); lock.Held() {
		t.Fatalf("lock survives load: %+v", lock)
	}
}

func TestFirstHandleWins(t *testing.T) {
	h := newHarness(t)

	h.apply("alice", RequestLoad{ContentHash: "dd44"})
	h.apply("alice", StartLoad{ContentHash: "dd44", Handle: "docs/dd44", Name: "first.pdf"})

	// A recovered replay for the same hash with a different name converges
	// on the original entry.
	out := h.apply("bob", StartLoad{ContentHash: "dd44", Handle: "docs/other", Name: "second.pdf", Recovered: true})
	ready := out.Events[0].Payload.(api.LoadReady)
	if ready.Handle != "docs/dd44" || ready.Name != "first.pdf" {
		t.Fatalf("cache entry overwritten: %+v", ready)
	}
	entry, _ := h.m.Handle("dd44")
	if entry.Handle != "docs/dd44" || entry.DisplayName != "first.pdf" {
		t.Fatalf("handle mutated: %+v", entry)
	}
}

func TestRecoveredStartLoadBypassesSupersession(t *testing.T) {
	h := newHarness(t)

	h.apply("alice", RequestLoad{ContentHash: "ee55"})
	// Recovered replay of an entirely different document (snapshot resume).
	out := h.apply("", StartLoad{ContentHash: "ff66", Handle: "docs/ff66", Name: "resume.pdf", Recovered: true})
	if len(out.Events) != 1 || out.Events[0].Type != api.TypeLoadReady {
		t.Fatalf("recovered start dropped: %v", eventTypes(out))
	}
	if h.m.ActiveHash() != "ff66" {
		t.Fatalf("active hash %q", h.m.ActiveHash())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := newHarness(t)

	h.apply("alice", RequestLoad{ContentHash: "aa11"})
	h.apply("alice", StartLoad{ContentHash: "aa11", Handle: "docs/aa11", Name: "doc.pdf"})
	snap := h.m.Snapshot()

	restored := New(Config{LeaseTTL: 5 * time.Second})
	restored.Restore(snap)
	if restored.ActiveHash() != "aa11" {
		t.Fatalf("active hash lost: %q", restored.ActiveHash())
	}
	entry, ok := restored.Handle("aa11")
	if !ok || entry.Handle != "docs/aa11" || entry.DisplayName != "doc.pdf" {
		t.Fatalf("handle cache lost: %+v", entry)
	}
	// Restored sessions start with a fresh place and no lock.
	if restored.Place() != api.DefaultPlace() {
		t.Fatalf("place leaked into snapshot: %+v", restored.Place())
	}
	if restored.LockInfo().Held() {
		t.Fatalf("lock leaked into snapshot")
	}
}

func TestInvalidCommandsAreSilentlyDropped(t *testing.T) {
	h := newHarness(t)

	invalid := api.Place{Page: 0, Scale: "1"}
	if out := h.apply("alice", SetPlace{Place: invalid}); len(out.Events) != 0 {
		t.Fatal("invalid place accepted")
	}
	if out := h.apply("alice", SetRotation{Rotation: 45}); len(out.Events) != 0 {
		t.Fatal("invalid rotation accepted")
	}
	if out := h.apply("alice", SetScrollMode{Mode: 17}); len(out.Events) != 0 {
		t.Fatal("invalid scroll mode accepted")
	}
	if out := h.apply("alice", RequestLoad{}); len(out.Events) != 0 {
		t.Fatal("empty hash load approved")
	}
	if h.m.LockInfo().Held() {
		t.Fatal("invalid command acquired the lock")
	}
}

func TestConfigurableSupersessionPolicy(t *testing.T) {
	accepted := 0
	m := New(Config{
		LeaseTTL: time.Second,
		Supersession: func(pending string, cmd StartLoad) bool {
			accepted++
			return true // accept everything
		},
	})
	out := m.Apply(Command{Seq: 1, Origin: "alice", Op: StartLoad{ContentHash: "aa", Handle: "docs/aa", Name: "x"}})
	if len(out.Events) != 1 {
		t.Fatal("permissive policy still dropped the start")
	}
	if accepted != 1 {
		t.Fatalf("policy consulted %d times", accepted)
	}
}
