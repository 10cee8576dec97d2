package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"pkt.systems/viewsync/api"
	"pkt.systems/viewsync/internal/clock"
	"pkt.systems/viewsync/internal/model"
	"pkt.systems/viewsync/internal/storage/memory"
)

const leaseTTL = 5 * time.Second

func newTestSession(t *testing.T, clk clock.Clock, store *memory.Store) *Session {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	m := model.New(model.Config{LeaseTTL: leaseTTL})
	s, err := New(Config{Model: m, Clock: clk, Store: store})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func recvEnvelope(t *testing.T, sub *Subscriber) api.Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return api.Envelope{}
}

func expectNoEvent(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case env, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %s", env.Type)
		}
		t.Fatal("event stream closed")
	case <-time.After(50 * time.Millisecond):
	}
}

func testPlace(page int) api.Place {
	p := api.DefaultPlace()
	p.Page = page
	return p
}

func TestSubscribersSeeIdenticalOrderedEvents(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	s := newTestSession(t, clk, nil)

	subA, _, err := s.Join("alice")
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	subB, _, err := s.Join("bob")
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}

	if err := s.Submit("alice", model.SetPlace{Place: testPlace(2)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := s.Submit("alice", model.SetRotation{Rotation: 90}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := s.Submit("alice", model.EndInteraction{}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	want := []string{api.TypePlaceUpdate, api.TypeRotationUpdate, api.TypeLockReleased}
	for _, sub := range []*Subscriber{subA, subB} {
		for i, wantType := range want {
			env := recvEnvelope(t, sub)
			if env.Type != wantType {
				t.Fatalf("%s event %d: got %s, want %s", sub.ClientID(), i, env.Type, wantType)
			}
		}
	}
}

func TestOriginReceivesOwnEcho(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	s := newTestSession(t, clk, nil)

	sub, welcome, err := s.Join("alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if welcome.ClientID != "alice" || welcome.Place != api.DefaultPlace() {
		t.Fatalf("unexpected welcome %+v", welcome)
	}

	s.Submit("alice", model.SetPlace{Place: testPlace(4)})
	env := recvEnvelope(t, sub)
	var update api.PlaceUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.Origin != "alice" {
		t.Fatalf("echo lost origin: %+v", update)
	}
}

func TestLeaseExpiresExactlyAtTTL(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	s := newTestSession(t, clk, nil)

	sub, _, err := s.Join("observer")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	s.Submit("alice", model.SetPlace{Place: testPlace(2)})
	if env := recvEnvelope(t, sub); env.Type != api.TypePlaceUpdate {
		t.Fatalf("expected place.update, got %s", env.Type)
	}

	// One instant before the lease boundary nothing happens.
	clk.Advance(leaseTTL - time.Millisecond)
	expectNoEvent(t, sub)

	clk.Advance(time.Millisecond)
	env := recvEnvelope(t, sub)
	if env.Type != api.TypeLockReleased {
		t.Fatalf("expected lock.released, got %s", env.Type)
	}
	var released api.LockReleased
	if err := json.Unmarshal(env.Data, &released); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if released.Reason != api.ReleaseReasonExpired {
		t.Fatalf("unexpected reason %q", released.Reason)
	}

	// The lease is gone: another client acquires immediately.
	s.Submit("bob", model.SetPlace{Place: testPlace(8)})
	env = recvEnvelope(t, sub)
	var update api.PlaceUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.Origin != "bob" || update.Place.Page != 8 {
		t.Fatalf("takeover failed: %+v", update)
	}
}

func TestRefreshedLeaseOutlivesStaleTimer(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	s := newTestSession(t, clk, nil)

	sub, _, err := s.Join("observer")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	s.Submit("alice", model.SetPlace{Place: testPlace(1)})
	recvEnvelope(t, sub)

	// Refresh half way through; the original timer fires into a newer epoch
	// and must be a no-op.
	clk.Advance(leaseTTL / 2)
	s.Submit("alice", model.SetPlace{Place: testPlace(2)})
	recvEnvelope(t, sub)

	clk.Advance(leaseTTL / 2) // original timer boundary
	expectNoEvent(t, sub)

	clk.Advance(leaseTTL / 2) // refreshed timer boundary
	env := recvEnvelope(t, sub)
	if env.Type != api.TypeLockReleased {
		t.Fatalf("expected lock.released, got %s", env.Type)
	}
}

func TestLeaveReleasesHeldLock(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	s := newTestSession(t, clk, nil)

	subA, _, err := s.Join("alice")
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	subB, _, err := s.Join("bob")
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}
	s.Submit("alice", model.SetPlace{Place: testPlace(3)})
	recvEnvelope(t, subA)
	recvEnvelope(t, subB)

	s.Leave(subA)
	env := recvEnvelope(t, subB)
	if env.Type != api.TypeLockReleased {
		t.Fatalf("expected lock.released on leave, got %s", env.Type)
	}

	// No wait for lease expiry.
	s.Submit("bob", model.SetPlace{Place: testPlace(9)})
	if env := recvEnvelope(t, subB); env.Type != api.TypePlaceUpdate {
		t.Fatalf("expected place.update, got %s", env.Type)
	}
}

func TestSnapshotResumesLastDocument(t *testing.T) {
	store := memory.New()
	clk := clock.NewManual(time.Unix(1000, 0))

	s1 := newTestSession(t, clk, store)
	sub, _, err := s1.Join("alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	s1.Submit("alice", model.RequestLoad{ContentHash: "ab12"})
	recvEnvelope(t, sub)
	s1.Submit("alice", model.StartLoad{ContentHash: "ab12", Handle: "docs/ab12", Name: "report.pdf"})
	if env := recvEnvelope(t, sub); env.Type != api.TypeLoadReady {
		t.Fatalf("expected load.ready, got %s", env.Type)
	}
	s1.Close()

	s2 := newTestSession(t, clk, store)
	sub2, welcome, err := s2.Join("bob")
	if err != nil {
		t.Fatalf("join restored: %v", err)
	}
	if welcome.ActiveHash != "ab12" {
		t.Fatalf("restored session lost document: %+v", welcome)
	}
	entry, ok := welcome.Handles["ab12"]
	if !ok || entry.Handle != "docs/ab12" || entry.DisplayName != "report.pdf" {
		t.Fatalf("restored handles wrong: %+v", welcome.Handles)
	}
	_ = sub2
}

func TestConcurrentIdenticalDropsConverge(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	s := newTestSession(t, clk, nil)

	subA, _, _ := s.Join("alice")
	subB, _, _ := s.Join("bob")

	// Both clients hash identical bytes and race RequestLoad.
	s.Submit("alice", model.RequestLoad{ContentHash: "same1"})
	s.Submit("bob", model.RequestLoad{ContentHash: "same1"})

	// Exactly one approval reaches all subscribers.
	for _, sub := range []*Subscriber{subA, subB} {
		env := recvEnvelope(t, sub)
		if env.Type != api.TypeLoadApproved {
			t.Fatalf("expected load.approved, got %s", env.Type)
		}
		var approved api.LoadApproved
		if err := json.Unmarshal(env.Data, &approved); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if approved.Origin != "alice" {
			t.Fatalf("wrong winner %+v", approved)
		}
	}

	// The winner publishes; everyone converges on one entry.
	s.Submit("alice", model.StartLoad{ContentHash: "same1", Handle: "docs/same1", Name: "shared.pdf"})
	for _, sub := range []*Subscriber{subA, subB} {
		env := recvEnvelope(t, sub)
		if env.Type != api.TypeLoadReady {
			t.Fatalf("expected load.ready, got %s", env.Type)
		}
		var ready api.LoadReady
		if err := json.Unmarshal(env.Data, &ready); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ready.Handle != "docs/same1" || ready.ContentHash != "same1" {
			t.Fatalf("divergent ready %+v", ready)
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	m := model.New(model.Config{LeaseTTL: leaseTTL})
	s, err := New(Config{Model: m, Clock: clk, Store: memory.New(), SubscriberBuffer: 1})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	sub, _, err := s.Join("laggard")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	// Never read from sub; a second event overflows the buffer.
	s.Submit("alice", model.SetPlace{Place: testPlace(1)})
	s.Submit("alice", model.SetPlace{Place: testPlace(2)})
	s.Submit("alice", model.SetPlace{Place: testPlace(3)})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return // dropped, stream closed
			}
		case <-deadline:
			t.Fatal("slow subscriber never dropped")
		}
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	s := newTestSession(t, clk, nil)
	s.Close()
	if err := s.Submit("alice", model.EndInteraction{}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
