package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/huddle/telemetry"
)

const tracerName = "huddle/chat"

// Options tunes a Room. Zero values fall back to defaults.
type Options struct {
	HistoryLimit      int
	SendQueue         int
	MaxMessageSize    int64
	RateLimitBurst    int
	RateLimitInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	if o.RateLimitBurst <= 0 {
		o.RateLimitBurst = 5
	}
	if o.RateLimitInterval <= 0 {
		o.RateLimitInterval = time.Second
	}
	return o
}

// Room is the single global chat room. Every state change that is visible to
// members (join, leave, persist+broadcast) happens under mu, so all members
// observe the same order of events.
type Room struct {
	identities IdentityStore
	messages   MessageStore
	verifier   TokenVerifier
	presence   *Presence
	opts       Options

	mu        sync.Mutex
	members   map[string]*Conn
	mediators []Mediator
}

// NewRoom wires a room to its stores.
func NewRoom(identities IdentityStore, messages MessageStore, verifier TokenVerifier, presence *Presence, opts Options) *Room {
	if presence == nil {
		presence = NewPresence()
	}
	return &Room{
		identities: identities,
		messages:   messages,
		verifier:   verifier,
		presence:   presence,
		opts:       opts.withDefaults(),
		members:    make(map[string]*Conn),
	}
}

// Use registers a mediator that observes user text events after broadcast.
func (r *Room) Use(m Mediator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mediators = append(r.mediators, m)
}

// Presence exposes the registry backing this room.
func (r *Room) Presence() *Presence { return r.presence }

// Conn is one authenticated member of the room.
type Conn struct {
	ID       string
	Identity Identity

	expiresAt time.Time
	send      chan []byte

	mu     sync.Mutex
	closed bool
}

// Outbox delivers encoded frames in order. It is closed when the connection leaves the room.
func (c *Conn) Outbox() <-chan []byte { return c.send }

// enqueue reports false when the connection is closed or its queue is full.
func (c *Conn) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Authenticate resolves a session token to an identity without joining the room.
func (r *Room) Authenticate(ctx context.Context, token string) (*Identity, time.Time, error) {
	if token == "" {
		return nil, time.Time{}, fmt.Errorf("%w: missing session token", ErrUnauthenticated)
	}
	userID, exp, err := r.verifier.Verify(token)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	id, err := r.resolve(ctx, userID)
	if err != nil {
		return nil, time.Time{}, err
	}
	return id, exp, nil
}

func (r *Room) resolve(ctx context.Context, userID string) (*Identity, error) {
	id, err := r.identities.FindByID(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("%w: identity %s no longer exists", ErrUnauthenticated, userID)
	case err != nil:
		return nil, fmt.Errorf("%w: resolve identity: %v", ErrPersistence, err)
	}
	return id, nil
}

// Connect authenticates token and joins the room. The new connection's outbox
// starts with previous-messages; every other member receives user-joined.
func (r *Room) Connect(ctx context.Context, token string) (*Conn, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "room.connect")
	defer span.End()

	id, exp, err := r.Authenticate(ctx, token)
	if err != nil {
		telemetry.Inc(telemetry.AuthFailures)
		telemetry.RecordError(span, err)
		return nil, err
	}

	c := &Conn{
		ID:        uuid.NewString(),
		Identity:  *id,
		expiresAt: exp,
		send:      make(chan []byte, r.opts.SendQueue),
	}
	span.SetAttributes(attribute.String("connection_id", c.ID), attribute.String("user_id", id.ID))

	rec := ConnectionRecord{ID: c.ID, UserID: id.ID, Status: StatusConnected, ConnectedAt: time.Now().UTC()}
	if err := r.identities.RecordConnection(ctx, id.ID, rec); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("record connection failed",
			slog.String("component", "chat_room"),
			slog.String("user_id", id.ID),
			slog.Any("err", err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.replayLocked(ctx, c); err != nil {
		if uerr := r.identities.UpdateConnectionStatus(ctx, id.ID, c.ID, StatusDisconnected); uerr != nil {
			telemetry.LoggerWithCorr(ctx).Warn("mark connection disconnected failed",
				slog.String("component", "chat_room"),
				slog.String("connection_id", c.ID),
				slog.Any("err", uerr))
		}
		telemetry.RecordError(span, err)
		return nil, err
	}
	r.members[c.ID] = c
	count := r.presence.Join(id.ID, c.ID)
	telemetry.SetRoomSize(count)
	telemetry.Inc(telemetry.ConnectionsOpened)

	if frame, err := EncodeFrame(EventUserJoined, PresenceChange{Identity: id.Profile(), RoomCount: count}); err == nil {
		r.broadcastLocked(ctx, frame, c)
	}

	telemetry.LoggerWithCorr(ctx).Info("member joined",
		slog.String("component", "chat_room"),
		slog.String("user", id.Username),
		slog.String("connection_id", c.ID),
		slog.Int("room_count", count))
	telemetry.SetSpanSuccess(span)
	return c, nil
}

// ReplayHistory re-sends the recent history window to c.
func (r *Room) ReplayHistory(ctx context.Context, c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replayLocked(ctx, c)
}

func (r *Room) replayLocked(ctx context.Context, c *Conn) error {
	history, err := r.messages.FindRecent(ctx, r.opts.HistoryLimit)
	if err != nil {
		return fmt.Errorf("%w: load history: %v", ErrPersistence, err)
	}
	if history == nil {
		history = []Event{}
	}
	frame, err := EncodeFrame(EventPreviousMessages, history)
	if err != nil {
		return err
	}
	if !c.enqueue(frame) {
		return fmt.Errorf("replay to %s: send queue unavailable", c.ID)
	}
	return nil
}

// SendText persists a text message from c and broadcasts it to every member,
// including the sender. Mediators see the stored event afterwards.
func (r *Room) SendText(ctx context.Context, c *Conn, text string) (*Event, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "room.send_text", attribute.String("user_id", c.Identity.ID))
	defer span.End()

	ev := Event{Kind: KindText, SenderID: c.Identity.ID, Text: text}
	if err := ev.Validate(); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if !c.expiresAt.IsZero() && time.Now().After(c.expiresAt) {
		telemetry.Inc(telemetry.AuthFailures)
		return nil, fmt.Errorf("%w: session expired", ErrUnauthenticated)
	}
	sender, err := r.resolve(ctx, c.Identity.ID)
	if err != nil {
		if Classify(err) == ErrorClassUnauthenticated {
			telemetry.Inc(telemetry.AuthFailures)
		}
		telemetry.RecordError(span, err)
		return nil, err
	}

	stored, err := r.commit(ctx, ev, sender)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	r.observe(ctx, *stored)
	telemetry.SetSpanSuccess(span)
	return stored, nil
}

// SendFile records an uploaded file on behalf of senderID and broadcasts it.
func (r *Room) SendFile(ctx context.Context, senderID string, fd FileDescriptor) (*Event, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "room.send_file", attribute.String("user_id", senderID))
	defer span.End()

	ev := Event{Kind: KindFile, SenderID: senderID, File: &fd}
	if err := ev.Validate(); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	sender, err := r.resolve(ctx, senderID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	stored, err := r.commit(ctx, ev, sender)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetSpanSuccess(span)
	return stored, nil
}

// PostAs persists and broadcasts text authored by senderID without a live
// connection. Mediators are not consulted.
func (r *Room) PostAs(ctx context.Context, senderID, text string) (*Event, error) {
	ev := Event{Kind: KindText, SenderID: senderID, Text: text}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	sender, err := r.resolve(ctx, senderID)
	if err != nil {
		return nil, err
	}
	return r.commit(ctx, ev, sender)
}

func (r *Room) commit(ctx context.Context, ev Event, sender *Identity) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Stamped under mu so timestamps follow commit order.
	ev.Timestamp = time.Now().UTC()
	var (
		stored *Event
		err    error
	)
	telemetry.TimeFunc(telemetry.PersistDuration, func() {
		stored, err = r.messages.Create(ctx, ev)
	})
	if err != nil {
		telemetry.Inc(telemetry.PersistFailures)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if stored.Sender == nil {
		p := sender.Profile()
		stored.Sender = &p
	}
	telemetry.IncLabel(telemetry.MessagesPersisted, string(stored.Kind))

	frame, err := EncodeFrame(eventName(stored.Kind), stored)
	if err != nil {
		return nil, err
	}
	r.broadcastLocked(ctx, frame, nil)
	return stored, nil
}

func (r *Room) observe(ctx context.Context, ev Event) {
	r.mu.Lock()
	mediators := append([]Mediator(nil), r.mediators...)
	r.mu.Unlock()
	for _, m := range mediators {
		m.Observe(ctx, ev)
	}
}

// broadcastLocked enqueues frame on every member except skip. Members whose
// queue is full are removed from the room.
func (r *Room) broadcastLocked(ctx context.Context, frame []byte, skip *Conn) {
	var slow []*Conn
	for _, c := range r.members {
		if c == skip {
			continue
		}
		if !c.enqueue(frame) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		telemetry.Inc(telemetry.BroadcastsDropped)
		telemetry.LoggerWithCorr(ctx).Warn("dropping slow member",
			slog.String("component", "chat_room"),
			slog.String("connection_id", c.ID),
			slog.String("user", c.Identity.Username))
		r.leaveLocked(context.WithoutCancel(ctx), c)
	}
}

// Disconnect removes c from the room and announces user-left. It reports
// whether this call performed the removal; later calls are no-ops.
func (r *Room) Disconnect(ctx context.Context, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(ctx, c)
}

func (r *Room) leaveLocked(ctx context.Context, c *Conn) bool {
	if _, ok := r.members[c.ID]; !ok {
		return false
	}
	delete(r.members, c.ID)
	c.close()
	count := r.presence.Leave(c.ID)
	telemetry.SetRoomSize(count)

	if err := r.identities.UpdateConnectionStatus(ctx, c.Identity.ID, c.ID, StatusDisconnected); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("mark connection disconnected failed",
			slog.String("component", "chat_room"),
			slog.String("connection_id", c.ID),
			slog.Any("err", err))
	}

	if frame, err := EncodeFrame(EventUserLeft, PresenceChange{Identity: c.Identity.Profile(), RoomCount: count}); err == nil {
		r.broadcastLocked(ctx, frame, nil)
	}
	telemetry.LoggerWithCorr(ctx).Info("member left",
		slog.String("component", "chat_room"),
		slog.String("user", c.Identity.Username),
		slog.String("connection_id", c.ID),
		slog.Int("room_count", count))
	return true
}

// Shutdown closes every connection without announcing departures.
func (r *Room) Shutdown(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.members {
		delete(r.members, id)
		c.close()
		r.presence.Leave(c.ID)
		if err := r.identities.UpdateConnectionStatus(ctx, c.Identity.ID, c.ID, StatusDisconnected); err != nil {
			slog.Warn("mark connection disconnected failed", slog.String("component", "chat_room"), slog.Any("err", err))
		}
	}
	telemetry.SetRoomSize(0)
	slog.Info("chat room shut down", slog.String("component", "chat_room"))
}

// deliver enqueues a frame to a single member, removing it if the queue is full.
func (r *Room) deliver(ctx context.Context, c *Conn, frame []byte) {
	if c.enqueue(frame) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[c.ID]; ok {
		telemetry.Inc(telemetry.BroadcastsDropped)
		r.leaveLocked(context.WithoutCancel(ctx), c)
	}
}
