// Package session hosts the replication substrate the arbitration model runs
// on: a single apply goroutine consuming commands in one global sequence,
// virtual-clock timers that are delivered through that same sequence, ordered
// event fan-out to subscribers, and snapshot persistence to the blob store.
//
// Joins and leaves flow through the apply loop too, so the welcome state a
// client observes is consistent with the log position it joins at.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/viewsync/api"
	"pkt.systems/viewsync/internal/clock"
	"pkt.systems/viewsync/internal/model"
	"pkt.systems/viewsync/internal/storage"
)

// ErrClosed is returned when submitting to a stopped session.
var ErrClosed = errors.New("session: closed")

// DefaultSubscriberBuffer bounds per-subscriber event queues. A subscriber
// that falls this far behind is disconnected rather than allowed to stall
// the log.
const DefaultSubscriberBuffer = 256

const snapshotPersistTimeout = 10 * time.Second

// Config configures a Session.
type Config struct {
	Model            *model.Model
	Clock            clock.Clock
	Store            storage.Backend
	Logger           pslog.Logger
	SubscriberBuffer int
}

// Session is the single authoritative host of the arbitration model.
type Session struct {
	model  *model.Model
	clock  clock.Clock
	store  storage.Backend
	logger pslog.Logger
	buffer int

	cmds chan entry
	done chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once

	// Everything below is touched only by the apply goroutine.
	seq    uint64
	lastAt time.Time
	subs   map[*Subscriber]struct{}
}

type entry struct {
	origin string
	op     model.Op
	join   *joinRequest
	leave  *leaveRequest
}

type joinRequest struct {
	clientID string
	reply    chan joinReply
}

type joinReply struct {
	sub     *Subscriber
	welcome api.Welcome
}

type leaveRequest struct {
	sub  *Subscriber
	done chan struct{}
}

// Subscriber receives every event emitted at and after its join position.
type Subscriber struct {
	clientID string
	ch       chan api.Envelope
	dropped  bool
}

// ClientID returns the identity the subscriber joined with.
func (s *Subscriber) ClientID() string { return s.clientID }

// Events is the ordered event stream. The channel closes when the subscriber
// is dropped or the session stops.
func (s *Subscriber) Events() <-chan api.Envelope { return s.ch }

// New constructs a session around the supplied model.
func New(cfg Config) (*Session, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("session: model required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: store required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Session{
		model:  cfg.Model,
		clock:  clk,
		store:  cfg.Store,
		logger: logger,
		buffer: buffer,
		cmds:   make(chan entry, 1024),
		done:   make(chan struct{}),
		subs:   make(map[*Subscriber]struct{}),
	}, nil
}

// Start restores persisted state and begins applying commands. The last-open
// document, when present in the snapshot, is resumed by replaying a
// recovered StartLoad as the log's first entry.
func (s *Session) Start(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *Session) restore(ctx context.Context) error {
	obj, err := s.store.GetObject(ctx, storage.SnapshotKey())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: load snapshot: %w", err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(obj.Payload, &snap); err != nil {
		return fmt.Errorf("session: decode snapshot: %w", err)
	}
	s.model.Restore(snap)
	s.seq = snap.Seq
	s.logger.Info("session.restored",
		"seq", snap.Seq,
		"active_hash", snap.ActiveHash,
		"handles", len(snap.Handles),
	)
	if snap.ActiveHash != "" {
		if handle, ok := s.model.Handle(snap.ActiveHash); ok {
			s.cmds <- entry{op: model.StartLoad{
				ContentHash: snap.ActiveHash,
				Handle:      handle.Handle,
				Name:        handle.DisplayName,
				Recovered:   true,
			}}
		}
	}
	return nil
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			s.closeAll()
			return
		case e := <-s.cmds:
			s.applyOne(e)
		}
	}
}

// Submit appends a command to the ordered log on behalf of origin.
func (s *Session) Submit(origin string, op model.Op) error {
	select {
	case s.cmds <- entry{origin: origin, op: op}:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Join registers a subscriber and returns the canonical state it must
// converge to. An empty clientID is rejected; identity assignment is the
// transport's job.
func (s *Session) Join(clientID string) (*Subscriber, api.Welcome, error) {
	if clientID == "" {
		return nil, api.Welcome{}, fmt.Errorf("session: client id required")
	}
	req := &joinRequest{clientID: clientID, reply: make(chan joinReply, 1)}
	select {
	case s.cmds <- entry{join: req}:
	case <-s.done:
		return nil, api.Welcome{}, ErrClosed
	}
	select {
	case reply := <-req.reply:
		return reply.sub, reply.welcome, nil
	case <-s.done:
		return nil, api.Welcome{}, ErrClosed
	}
}

// Leave unregisters the subscriber and releases any lock its client held.
func (s *Session) Leave(sub *Subscriber) {
	if sub == nil {
		return
	}
	req := &leaveRequest{sub: sub, done: make(chan struct{})}
	select {
	case s.cmds <- entry{leave: req}:
	case <-s.done:
		return
	}
	select {
	case <-req.done:
	case <-s.done:
	}
}

// Close stops the apply loop and closes all subscriber streams.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Session) applyOne(e entry) {
	if e.join != nil {
		s.applyJoin(e.join)
		return
	}
	if e.leave != nil {
		s.applyLeave(e.leave)
		return
	}
	s.seq++
	at := s.clock.Now()
	if at.Before(s.lastAt) {
		at = s.lastAt
	}
	s.lastAt = at

	outcome := s.model.Apply(model.Command{
		Seq:    s.seq,
		At:     at,
		Origin: e.origin,
		Op:     e.op,
	})
	if outcome.ScheduleExpiry != nil {
		s.scheduleExpiry(*outcome.ScheduleExpiry)
	}
	if outcome.PersistSnapshot {
		s.persistSnapshot()
	}
	for _, event := range outcome.Events {
		s.broadcast(event)
	}
}

func (s *Session) applyJoin(req *joinRequest) {
	sub := &Subscriber{
		clientID: req.clientID,
		ch:       make(chan api.Envelope, s.buffer),
	}
	s.subs[sub] = struct{}{}
	welcome := api.Welcome{
		ClientID:   req.clientID,
		Seq:        s.seq,
		Place:      s.model.Place(),
		Lock:       s.model.LockInfo(),
		ActiveHash: s.model.ActiveHash(),
		Handles:    s.model.Handles(),
	}
	s.logger.Info("session.join", "client", req.clientID, "seq", s.seq, "subscribers", len(s.subs))
	req.reply <- joinReply{sub: sub, welcome: welcome}
}

func (s *Session) applyLeave(req *leaveRequest) {
	if _, ok := s.subs[req.sub]; ok {
		delete(s.subs, req.sub)
		close(req.sub.ch)
	}
	s.logger.Info("session.leave", "client", req.sub.clientID, "subscribers", len(s.subs))
	// The departure itself is a log entry: any lock the client held is
	// released at this position.
	s.applyOne(entry{op: model.ClientDisconnected{ClientID: req.sub.clientID}})
	close(req.done)
}

func (s *Session) scheduleExpiry(timer model.LeaseTimer) {
	s.clock.AfterFunc(timer.After, func() {
		select {
		case s.cmds <- entry{op: model.ExpireLease{Epoch: timer.Epoch}}:
		case <-s.done:
		}
	})
}

func (s *Session) persistSnapshot() {
	snap := s.model.Snapshot()
	snap.Seq = s.seq
	payload, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("session.snapshot.encode_failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotPersistTimeout)
	defer cancel()
	if err := s.store.PutObject(ctx, storage.SnapshotKey(), payload, storage.ContentTypeJSON); err != nil {
		s.logger.Error("session.snapshot.persist_failed", "error", err)
		return
	}
	s.logger.Debug("session.snapshot.persisted", "seq", snap.Seq, "handles", len(snap.Handles))
}

func (s *Session) broadcast(event model.Event) {
	envelope, err := api.NewEnvelope(event.Type, event.Payload)
	if err != nil {
		s.logger.Error("session.broadcast.encode_failed", "type", event.Type, "error", err)
		return
	}
	for sub := range s.subs {
		select {
		case sub.ch <- envelope:
		default:
			// Slow subscriber: drop it rather than stall the log. The
			// transport notices the closed stream and tears the client down,
			// which releases its lock via Leave.
			sub.dropped = true
			delete(s.subs, sub)
			close(sub.ch)
			s.logger.Warn("session.subscriber.dropped", "client", sub.clientID)
		}
	}
}

func (s *Session) closeAll() {
	for sub := range s.subs {
		close(sub.ch)
	}
	s.subs = make(map[*Subscriber]struct{})
}
