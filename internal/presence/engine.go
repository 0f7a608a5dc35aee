package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duochat/chat-app/internal/chat"
	"github.com/duochat/chat-app/internal/metrics"
	"github.com/duochat/chat-app/internal/store"
)

var (
	// ErrNoIdentity is returned when a connection carries no user id.
	ErrNoIdentity = errors.New("presence: connection has no user identity")
	// ErrInvalidPayload is returned for missing or malformed identifiers.
	ErrInvalidPayload = errors.New("presence: invalid payload")
	// ErrSelfMismatch is returned when an enterChat names a different self
	// than the connection's identity.
	ErrSelfMismatch = errors.New("presence: self id does not match connection")
	// ErrNotRegistered is returned for events from a user with no registered
	// connection.
	ErrNotRegistered = errors.New("presence: user is not registered")
)

// Config holds engine tuning parameters.
type Config struct {
	StoreTimeout   time.Duration // bound on each message store call
	SinkTimeout    time.Duration // bound on each event sink call
	ResyncInterval time.Duration // 0 disables periodic resync
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoreTimeout:   5 * time.Second,
		SinkTimeout:    3 * time.Second,
		ResyncInterval: 30 * time.Second,
	}
}

// Engine owns the registry and the pairing tracker. Every read-modify-write
// sequence over them runs under mu; notices are staged in a Batch and
// flushed after mu is released.
type Engine struct {
	mu          sync.Mutex
	reg         *Registry
	tracker     *Tracker
	broadcaster *Broadcaster
	receipts    *ReceiptCoordinator
	store       store.Store
	sinks       []EventSink
	config      Config
	logger      *zap.Logger
	now         func() time.Time
	inflight    sync.WaitGroup
}

// NewEngine creates an Engine persisting messages through st.
func NewEngine(config Config, st store.Store, logger *zap.Logger, sinks ...EventSink) *Engine {
	logger = logger.Named("presence")
	reg := NewRegistry()
	return &Engine{
		reg:         reg,
		tracker:     NewTracker(),
		broadcaster: NewBroadcaster(reg, logger),
		receipts:    NewReceiptCoordinator(st, config.StoreTimeout, logger),
		store:       st,
		sinks:       sinks,
		config:      config,
		logger:      logger,
		now:         time.Now,
	}
}

// AddSink registers an additional event sink. It must be called before the
// engine receives traffic.
func (e *Engine) AddSink(s EventSink) {
	e.sinks = append(e.sinks, s)
}

// Registry exposes the connection registry for read-only use.
func (e *Engine) Registry() *Registry { return e.reg }

// Tracker exposes the pairing tracker for read-only use.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Status returns self's current status toward peer.
func (e *Engine) Status(self, peer string) ChatStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Resolve(e.reg, e.tracker, self, peer)
}

// OnlineUsers returns the sorted online-user snapshot.
func (e *Engine) OnlineUsers() []string {
	return e.reg.Snapshot()
}

// Connect registers conn as the authoritative connection for its user and
// broadcasts the online list. A previous connection for the same user stops
// receiving events but is not closed.
func (e *Engine) Connect(conn Conn) error {
	defer observe("connect", time.Now())

	user := conn.UserID()
	if user == "" {
		return ErrNoIdentity
	}

	batch := e.broadcaster.NewBatch()

	e.mu.Lock()
	prev := e.reg.Register(user, conn)
	if prev == nil {
		// Users viewing this one move from offline to active.
		for _, v := range e.tracker.Viewers(user) {
			batch.SendStatus(v, user, e.resolve(v, user))
		}
	} else if peer, ok := e.tracker.GetPeer(user); ok {
		batch.SendStatus(user, peer, e.resolve(user, peer))
		batch.SendStatus(peer, user, e.resolve(peer, user))
	}
	batch.BroadcastOnlineList()
	e.updateGauges()
	e.mu.Unlock()

	if prev != nil && prev.ID() != conn.ID() {
		e.logger.Info("duplicate connection, replacing",
			zap.String("user_id", user),
			zap.String("previous_conn_id", prev.ID()),
			zap.String("conn_id", conn.ID()))
	}

	e.commit(batch, []Event{e.event(EventOnline, user, "", conn)}, nil)
	return nil
}

// EnterChat records that conn's user is viewing peerID, notifies both sides
// and, on the transition into a mutual pairing, marks both directions of the
// conversation read. Only the user's authoritative connection may change the
// pairing.
func (e *Engine) EnterChat(conn Conn, peerID, selfID string) error {
	defer observe("enter_chat", time.Now())

	self := conn.UserID()
	if self == "" {
		return ErrNoIdentity
	}
	if peerID == "" || selfID == "" {
		return fmt.Errorf("presence: enter chat: missing id: %w", ErrInvalidPayload)
	}
	if selfID != self {
		return fmt.Errorf("presence: enter chat: self=%s conn_user=%s: %w", selfID, self, ErrSelfMismatch)
	}
	if peerID == self {
		return fmt.Errorf("presence: enter chat: peer equals self: %w", ErrInvalidPayload)
	}

	batch := e.broadcaster.NewBatch()
	var (
		events []Event
		flips  []readFlip
	)

	e.mu.Lock()
	if !e.authoritative(conn) {
		e.mu.Unlock()
		return fmt.Errorf("presence: enter chat: user=%s conn=%s: %w", self, conn.ID(), ErrNotRegistered)
	}

	wasMutual := e.tracker.IsMutual(self, peerID)
	prev, _ := e.tracker.SetPair(self, peerID)

	// The old peer hears about the departure before anything is sent for
	// the new one.
	if prev != "" && prev != peerID {
		batch.NotifyLeft(self, prev)
		batch.SendStatus(prev, self, e.resolve(prev, self))
		events = append(events, e.event(EventLeft, self, prev, conn))
	}

	selfStatus := e.resolve(self, peerID)
	batch.SendStatus(self, peerID, selfStatus)
	batch.SendStatus(peerID, self, e.resolve(peerID, self))

	if e.reg.IsOnline(peerID) {
		batch.NotifyEntered(self, peerID)
	}
	if selfStatus == StatusConnect {
		batch.NotifyEntered(peerID, self)
		if !wasMutual {
			flips = []readFlip{
				{reader: self, sender: peerID},
				{reader: peerID, sender: self},
			}
		}
	}
	e.updateGauges()
	e.mu.Unlock()

	events = append(events, e.event(EventEntered, self, peerID, conn))
	e.commit(batch, events, flips)
	return nil
}

// LeaveChat clears conn's user pairing if it still points at peerID. A leave
// for any other peer is stale and ignored.
func (e *Engine) LeaveChat(conn Conn, peerID string) error {
	defer observe("leave_chat", time.Now())

	self := conn.UserID()
	if self == "" {
		return ErrNoIdentity
	}
	if peerID == "" {
		return fmt.Errorf("presence: leave chat: missing peer: %w", ErrInvalidPayload)
	}

	batch := e.broadcaster.NewBatch()

	e.mu.Lock()
	if !e.authoritative(conn) {
		e.mu.Unlock()
		return fmt.Errorf("presence: leave chat: user=%s conn=%s: %w", self, conn.ID(), ErrNotRegistered)
	}
	cur, ok := e.tracker.GetPeer(self)
	if !ok || cur != peerID {
		e.mu.Unlock()
		e.logger.Debug("ignoring stale leave",
			zap.String("user_id", self),
			zap.String("peer_id", peerID),
			zap.String("current_peer", cur))
		return nil
	}

	batch.NotifyLeft(self, peerID)
	e.tracker.ClearPair(self)
	batch.SendStatus(self, peerID, e.resolve(self, peerID))
	batch.SendStatus(peerID, self, e.resolve(peerID, self))
	e.updateGauges()
	e.mu.Unlock()

	e.commit(batch, []Event{e.event(EventLeft, self, peerID, conn)}, nil)
	return nil
}

// Logout is an explicit sign-out from conn. It returns false when conn was
// already superseded by a newer connection, in which case nothing changes.
func (e *Engine) Logout(conn Conn) bool {
	defer observe("logout", time.Now())
	return e.detach(conn)
}

// Disconnect handles a closed connection with the same cascade as Logout.
// It is a no-op for superseded connections.
func (e *Engine) Disconnect(conn Conn) bool {
	defer observe("disconnect", time.Now())
	return e.detach(conn)
}

func (e *Engine) detach(conn Conn) bool {
	user := conn.UserID()
	if user == "" {
		return false
	}

	batch := e.broadcaster.NewBatch()
	var events []Event

	e.mu.Lock()
	if !e.reg.Unregister(user, conn.ID()) {
		e.mu.Unlock()
		e.logger.Debug("ignoring detach of superseded connection",
			zap.String("user_id", user),
			zap.String("conn_id", conn.ID()))
		return false
	}

	peer := e.tracker.ClearPair(user)
	notify := e.tracker.Viewers(user)
	if peer != "" {
		batch.NotifyLeft(user, peer)
		events = append(events, e.event(EventLeft, user, peer, conn))
		notify = prependUnique(peer, notify)
	}
	for _, u := range notify {
		batch.SendStatus(u, user, e.resolve(u, user))
	}
	batch.BroadcastOnlineList()
	e.updateGauges()
	e.mu.Unlock()

	events = append(events, e.event(EventOffline, user, "", conn))
	e.commit(batch, events, nil)
	return true
}

// MarkRead flips unread messages from senderID to readerID, but only while
// the two users are mutually paired. bothInChat reports whether they were.
func (e *Engine) MarkRead(ctx context.Context, readerID, senderID string) (res store.ReadResult, bothInChat bool, err error) {
	defer observe("mark_read", time.Now())

	res = store.ReadResult{MessageIDs: []string{}}
	if readerID == "" || senderID == "" || readerID == senderID {
		return res, false, fmt.Errorf("presence: mark read: %w", ErrInvalidPayload)
	}

	e.mu.Lock()
	mutual := e.tracker.IsMutual(readerID, senderID)
	e.mu.Unlock()
	if !mutual {
		return res, false, nil
	}

	res, err = e.receipts.Flip(ctx, readerID, senderID, TriggerRequest)
	if err != nil {
		return res, true, err
	}
	if res.ModifiedCount > 0 {
		batch := e.broadcaster.NewBatch()
		batch.NotifyReadReceipts(senderID, readerID, res.MessageIDs)
		e.broadcaster.Flush(batch)
	}
	return res, true, nil
}

// SendMessage validates and stores msg, pre-read when sender and receiver are
// mutually paired, and delivers it to the receiver's connection.
func (e *Engine) SendMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	defer observe("send_message", time.Now())

	if msg.SenderID == "" || msg.ReceiverID == "" || msg.SenderID == msg.ReceiverID {
		return store.Message{}, fmt.Errorf("presence: send message: bad participants: %w", ErrInvalidPayload)
	}
	msg.Text = strings.TrimSpace(msg.Text)
	if err := chat.ValidateMessage(msg.Text, msg.Image); err != nil {
		return store.Message{}, fmt.Errorf("presence: send message: %v: %w", err, ErrInvalidPayload)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = e.now().UTC()

	e.mu.Lock()
	msg.IsRead = e.tracker.IsMutual(msg.SenderID, msg.ReceiverID)
	e.mu.Unlock()

	if e.config.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.StoreTimeout)
		defer cancel()
	}
	if err := e.store.Create(ctx, &msg); err != nil {
		metrics.StoreErrors.WithLabelValues("create").Inc()
		return store.Message{}, fmt.Errorf("presence: send message: %w", err)
	}
	if msg.IsRead {
		metrics.ReadReceiptFlips.WithLabelValues(TriggerSend).Inc()
	}

	batch := e.broadcaster.NewBatch()
	batch.DeliverMessage(msg)
	e.broadcaster.Flush(batch)
	return msg, nil
}

// History limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// History returns up to limit of the most recent messages between userID and
// peerID, oldest first. A non-positive limit means DefaultHistoryLimit.
func (e *Engine) History(ctx context.Context, userID, peerID string, limit int) ([]store.Message, error) {
	defer observe("history", time.Now())

	if userID == "" || peerID == "" || userID == peerID {
		return nil, fmt.Errorf("presence: history: bad participants: %w", ErrInvalidPayload)
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	if e.config.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.StoreTimeout)
		defer cancel()
	}
	msgs, err := e.store.Conversation(ctx, userID, peerID, limit)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("conversation").Inc()
		return nil, fmt.Errorf("presence: history: %w", err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs, nil
}

// Wait blocks until every in-flight read-receipt write has finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// authoritative reports whether conn is the registered connection for its
// user. Must be called with e.mu held.
func (e *Engine) authoritative(conn Conn) bool {
	cur, ok := e.reg.Lookup(conn.UserID())
	return ok && cur.ID() == conn.ID()
}

// resolve must be called with e.mu held.
func (e *Engine) resolve(self, peer string) ChatStatus {
	return Resolve(e.reg, e.tracker, self, peer)
}

// updateGauges must be called with e.mu held.
func (e *Engine) updateGauges() {
	metrics.OnlineUsers.Set(float64(e.reg.Len()))
	metrics.ActivePairings.Set(float64(e.tracker.Len()))
}

func (e *Engine) event(t EventType, user, peer string, conn Conn) Event {
	return Event{Type: t, UserID: user, PeerID: peer, ConnectionID: conn.ID(), At: e.now().UTC()}
}

// commit runs outside the lock: it flushes notices, publishes events and
// starts the read-receipt writes.
func (e *Engine) commit(batch *Batch, events []Event, flips []readFlip) {
	e.broadcaster.Flush(batch)
	e.publish(events)

	for _, f := range flips {
		e.inflight.Add(1)
		go func(f readFlip) {
			defer e.inflight.Done()
			e.flipAndNotify(f)
		}(f)
	}
}

func (e *Engine) flipAndNotify(f readFlip) {
	res, err := e.receipts.Flip(context.Background(), f.reader, f.sender, TriggerConnect)
	if err != nil || res.ModifiedCount == 0 {
		return
	}
	batch := e.broadcaster.NewBatch()
	batch.NotifyReadReceipts(f.sender, f.reader, res.MessageIDs)
	e.broadcaster.Flush(batch)
}

func (e *Engine) publish(events []Event) {
	if len(e.sinks) == 0 {
		return
	}
	for _, evt := range events {
		ctx, cancel := e.sinkContext()
		for _, s := range e.sinks {
			s.PresenceEvent(ctx, evt)
		}
		cancel()
	}
}

func (e *Engine) sinkContext() (context.Context, context.CancelFunc) {
	if e.config.SinkTimeout > 0 {
		return context.WithTimeout(context.Background(), e.config.SinkTimeout)
	}
	return context.WithCancel(context.Background())
}

func observe(event string, start time.Time) {
	metrics.EventLatency.WithLabelValues(event).Observe(time.Since(start).Seconds())
}

func prependUnique(first string, rest []string) []string {
	out := make([]string, 0, len(rest)+1)
	out = append(out, first)
	for _, r := range rest {
		if r != first {
			out = append(out, r)
		}
	}
	return out
}
