package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/huddle/chat"
	"github.com/onnwee/huddle/testutil"
)

type harness struct {
	identities *testutil.MemoryIdentities
	messages   *testutil.MemoryMessages
	tokens     *testutil.StaticVerifier
	room       *chat.Room
}

func newHarness(t *testing.T, opts chat.Options) *harness {
	t.Helper()
	ids := testutil.NewMemoryIdentities()
	msgs := testutil.NewMemoryMessages(ids)
	tokens := testutil.NewStaticVerifier()
	return &harness{
		identities: ids,
		messages:   msgs,
		tokens:     tokens,
		room:       chat.NewRoom(ids, msgs, tokens, chat.NewPresence(), opts),
	}
}

// login registers a user and returns a session token for it.
func (h *harness) login(name string) (chat.Identity, string) {
	id := h.identities.Add(name, "pw")
	token := "tok-" + name
	h.tokens.Issue(token, id.ID, time.Hour)
	return id, token
}

func (h *harness) connect(t *testing.T, name string) *chat.Conn {
	t.Helper()
	_, token := h.login(name)
	c, err := h.room.Connect(context.Background(), token)
	if err != nil {
		t.Fatalf("Connect(%s) error: %v", name, err)
	}
	return c
}

func nextFrame(t *testing.T, c *chat.Conn) chat.Frame {
	t.Helper()
	select {
	case raw, ok := <-c.Outbox():
		if !ok {
			t.Fatalf("outbox of %s closed", c.Identity.Username)
		}
		var f chat.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("bad frame %s: %v", raw, err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame on %s", c.Identity.Username)
	}
	return chat.Frame{}
}

func expectNoFrame(t *testing.T, c *chat.Conn) {
	t.Helper()
	select {
	case raw, ok := <-c.Outbox():
		if ok {
			t.Fatalf("unexpected frame on %s: %s", c.Identity.Username, raw)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func decode[T any](t *testing.T, f chat.Frame) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(f.Data, &v); err != nil {
		t.Fatalf("decode %s payload: %v", f.Event, err)
	}
	return v
}

func TestRoomHelloScenario(t *testing.T) {
	h := newHarness(t, chat.Options{})
	ctx := context.Background()

	a := h.connect(t, "alice")
	if f := nextFrame(t, a); f.Event != chat.EventPreviousMessages {
		t.Fatalf("alice first frame = %s, want previous-messages", f.Event)
	}

	b := h.connect(t, "bob")
	if f := nextFrame(t, b); f.Event != chat.EventPreviousMessages {
		t.Fatalf("bob first frame = %s, want previous-messages", f.Event)
	}
	joined := nextFrame(t, a)
	if joined.Event != chat.EventUserJoined {
		t.Fatalf("alice second frame = %s, want user-joined", joined.Event)
	}
	pc := decode[chat.PresenceChange](t, joined)
	if pc.RoomCount != 2 || pc.Identity.Username != "bob" {
		t.Errorf("user-joined = %+v, want bob with count 2", pc)
	}
	expectNoFrame(t, b)

	if _, err := h.room.SendText(ctx, a, "hello"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	for _, c := range []*chat.Conn{a, b} {
		f := nextFrame(t, c)
		if f.Event != chat.EventChatMessage {
			t.Fatalf("%s got %s, want chat-message", c.Identity.Username, f.Event)
		}
		ev := decode[chat.Event](t, f)
		if ev.Text != "hello" || ev.Sender == nil || ev.Sender.Username != "alice" {
			t.Errorf("%s got %+v", c.Identity.Username, ev)
		}
	}
	if h.messages.Len() != 1 {
		t.Errorf("store has %d events, want 1", h.messages.Len())
	}
}

func TestRoomReplaysRecentWindowInOrder(t *testing.T) {
	h := newHarness(t, chat.Options{HistoryLimit: 50})
	ctx := context.Background()
	poster, _ := h.login("poster")
	for i := 1; i <= 60; i++ {
		if _, err := h.room.PostAs(ctx, poster.ID, fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("PostAs() error: %v", err)
		}
	}

	c := h.connect(t, "late")
	f := nextFrame(t, c)
	history := decode[[]chat.Event](t, f)
	if len(history) != 50 {
		t.Fatalf("history length = %d, want 50", len(history))
	}
	if history[0].Text != "msg-11" || history[49].Text != "msg-60" {
		t.Errorf("history spans %q..%q, want msg-11..msg-60", history[0].Text, history[49].Text)
	}
	for i := 1; i < len(history); i++ {
		if history[i].ID <= history[i-1].ID {
			t.Fatalf("history not chronological at %d", i)
		}
	}
	if history[0].Sender == nil || history[0].Sender.Username != "poster" {
		t.Errorf("history sender not resolved: %+v", history[0].Sender)
	}
}

func TestRoomDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, chat.Options{})
	ctx := context.Background()

	a := h.connect(t, "alice")
	nextFrame(t, a)
	b := h.connect(t, "bob")
	nextFrame(t, b)
	nextFrame(t, a) // user-joined

	if !h.room.Disconnect(ctx, b) {
		t.Fatal("first Disconnect() = false, want true")
	}
	if h.room.Disconnect(ctx, b) {
		t.Fatal("second Disconnect() = true, want false")
	}

	left := nextFrame(t, a)
	if left.Event != chat.EventUserLeft {
		t.Fatalf("got %s, want user-left", left.Event)
	}
	if pc := decode[chat.PresenceChange](t, left); pc.RoomCount != 1 {
		t.Errorf("user-left count = %d, want 1", pc.RoomCount)
	}
	expectNoFrame(t, a)

	if got := h.room.Presence().Count(); got != 1 {
		t.Errorf("presence count = %d, want 1", got)
	}
	if got := h.identities.Status(b.Identity.ID, b.ID); got != chat.StatusDisconnected {
		t.Errorf("connection status = %q, want disconnected", got)
	}
	if _, ok := <-b.Outbox(); ok {
		t.Error("disconnected outbox still open")
	}
}

func TestRoomConnectRejectsBadCredentials(t *testing.T) {
	h := newHarness(t, chat.Options{})
	ctx := context.Background()

	if _, err := h.room.Connect(ctx, ""); !errors.Is(err, chat.ErrUnauthenticated) {
		t.Errorf("empty token error = %v, want ErrUnauthenticated", err)
	}
	if _, err := h.room.Connect(ctx, "forged"); !errors.Is(err, chat.ErrUnauthenticated) {
		t.Errorf("forged token error = %v, want ErrUnauthenticated", err)
	}

	ghost, token := h.login("ghost")
	h.identities.Remove(ghost.ID)
	if _, err := h.room.Connect(ctx, token); !errors.Is(err, chat.ErrUnauthenticated) {
		t.Errorf("deleted identity error = %v, want ErrUnauthenticated", err)
	}
	if got := h.room.Presence().Count(); got != 0 {
		t.Errorf("presence count = %d, want 0", got)
	}
}

func TestRoomSendTextFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("identity removed", func(t *testing.T) {
		h := newHarness(t, chat.Options{})
		a := h.connect(t, "alice")
		nextFrame(t, a)
		b := h.connect(t, "bob")
		nextFrame(t, b)
		nextFrame(t, a)

		h.identities.Remove(a.Identity.ID)
		if _, err := h.room.SendText(ctx, a, "hello"); !errors.Is(err, chat.ErrUnauthenticated) {
			t.Fatalf("SendText() error = %v, want ErrUnauthenticated", err)
		}
		if h.messages.Len() != 0 {
			t.Error("message persisted despite failed authentication")
		}
		expectNoFrame(t, b)
	})

	t.Run("session expired", func(t *testing.T) {
		h := newHarness(t, chat.Options{})
		id := h.identities.Add("carol", "pw")
		h.tokens.Issue("short", id.ID, 30*time.Millisecond)
		c, err := h.room.Connect(ctx, "short")
		if err != nil {
			t.Fatalf("Connect() error: %v", err)
		}
		nextFrame(t, c)
		time.Sleep(50 * time.Millisecond)
		if _, err := h.room.SendText(ctx, c, "late"); !errors.Is(err, chat.ErrUnauthenticated) {
			t.Fatalf("SendText() error = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		h := newHarness(t, chat.Options{})
		a := h.connect(t, "alice")
		nextFrame(t, a)
		b := h.connect(t, "bob")
		nextFrame(t, b)
		nextFrame(t, a)

		h.messages.FailCreate = true
		if _, err := h.room.SendText(ctx, a, "hello"); !errors.Is(err, chat.ErrPersistence) {
			t.Fatalf("SendText() error = %v, want ErrPersistence", err)
		}
		expectNoFrame(t, a)
		expectNoFrame(t, b)
	})

	t.Run("blank text", func(t *testing.T) {
		h := newHarness(t, chat.Options{})
		a := h.connect(t, "alice")
		nextFrame(t, a)
		if _, err := h.room.SendText(ctx, a, "  "); !errors.Is(err, chat.ErrValidation) {
			t.Fatalf("SendText() error = %v, want ErrValidation", err)
		}
	})
}

func TestRoomSendFileBroadcastsFileMessage(t *testing.T) {
	h := newHarness(t, chat.Options{})
	a := h.connect(t, "alice")
	nextFrame(t, a)

	fd := chat.FileDescriptor{Name: "1700000000-cat.png", OriginalName: "cat.png", Path: "/uploads/1700000000-cat.png"}
	ev, err := h.room.SendFile(context.Background(), a.Identity.ID, fd)
	if err != nil {
		t.Fatalf("SendFile() error: %v", err)
	}
	if ev.Kind != chat.KindFile {
		t.Errorf("kind = %q, want file", ev.Kind)
	}
	f := nextFrame(t, a)
	if f.Event != chat.EventFileMessage {
		t.Fatalf("got %s, want file-message", f.Event)
	}
	if got := decode[chat.Event](t, f); got.File == nil || got.File.OriginalName != "cat.png" {
		t.Errorf("file payload = %+v", got.File)
	}
}

func TestRoomDropsSlowMember(t *testing.T) {
	h := newHarness(t, chat.Options{SendQueue: 2})
	ctx := context.Background()

	a := h.connect(t, "alice")
	nextFrame(t, a)
	slow := h.connect(t, "slow")
	nextFrame(t, a) // user-joined; slow keeps previous-messages queued

	// The second message overflows the slow queue.
	for i := 0; i < 2; i++ {
		if _, err := h.room.SendText(ctx, a, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("SendText() error: %v", err)
		}
		nextFrame(t, a)
	}

	left := nextFrame(t, a)
	if left.Event != chat.EventUserLeft {
		t.Fatalf("got %s, want user-left for slow member", left.Event)
	}
	if pc := decode[chat.PresenceChange](t, left); pc.Identity.Username != "slow" || pc.RoomCount != 1 {
		t.Errorf("user-left = %+v", pc)
	}
	if h.room.Presence().Has(slow.ID) {
		t.Error("slow member still present")
	}
}

type recordingMediator struct {
	mu     sync.Mutex
	events []chat.Event
}

func (m *recordingMediator) Observe(_ context.Context, ev chat.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *recordingMediator) seen() []chat.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Event(nil), m.events...)
}

func TestRoomMediatorSeesUserTextOnly(t *testing.T) {
	h := newHarness(t, chat.Options{})
	rec := &recordingMediator{}
	h.room.Use(rec)
	ctx := context.Background()

	a := h.connect(t, "alice")
	nextFrame(t, a)
	bot, _ := h.login("bot")

	if _, err := h.room.SendText(ctx, a, "@bot hi"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	if _, err := h.room.PostAs(ctx, bot.ID, "@bot loop"); err != nil {
		t.Fatalf("PostAs() error: %v", err)
	}
	if _, err := h.room.SendFile(ctx, a.Identity.ID, chat.FileDescriptor{Name: "f", OriginalName: "f", Path: "/uploads/f"}); err != nil {
		t.Fatalf("SendFile() error: %v", err)
	}

	seen := rec.seen()
	if len(seen) != 1 || seen[0].Text != "@bot hi" || seen[0].ID == 0 {
		t.Errorf("mediator saw %+v, want only the stored user text", seen)
	}
}

func TestRoomShutdownClosesMembers(t *testing.T) {
	h := newHarness(t, chat.Options{})
	a := h.connect(t, "alice")
	nextFrame(t, a)

	h.room.Shutdown(context.Background())

	if _, ok := <-a.Outbox(); ok {
		t.Error("outbox still open after Shutdown")
	}
	if got := h.room.Presence().Count(); got != 0 {
		t.Errorf("presence count = %d, want 0", got)
	}
	if h.room.Disconnect(context.Background(), a) {
		t.Error("Disconnect after Shutdown reported a removal")
	}
}

// gatedIdentities holds FindByID for gated users until their gate is closed.
type gatedIdentities struct {
	*testutil.MemoryIdentities

	mu      sync.Mutex
	gates   map[string]chan struct{}
	entered chan string
}

func (g *gatedIdentities) hold(userID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan struct{})
	g.gates[userID] = ch
	return ch
}

func (g *gatedIdentities) FindByID(ctx context.Context, id string) (*chat.Identity, error) {
	g.mu.Lock()
	gate := g.gates[id]
	g.mu.Unlock()
	if gate != nil {
		g.entered <- id
		<-gate
	}
	return g.MemoryIdentities.FindByID(ctx, id)
}

func TestRoomTimestampsFollowCommitOrder(t *testing.T) {
	ids := testutil.NewMemoryIdentities()
	msgs := testutil.NewMemoryMessages(ids)
	tokens := testutil.NewStaticVerifier()
	gated := &gatedIdentities{MemoryIdentities: ids, gates: map[string]chan struct{}{}, entered: make(chan string, 1)}
	room := chat.NewRoom(gated, msgs, tokens, nil, chat.Options{})
	ctx := context.Background()

	conns := map[string]*chat.Conn{}
	var aliceID string
	for _, name := range []string{"alice", "bob"} {
		id := ids.Add(name, "pw")
		tokens.Issue("tok-"+name, id.ID, time.Hour)
		c, err := room.Connect(ctx, "tok-"+name)
		if err != nil {
			t.Fatalf("Connect(%s) error: %v", name, err)
		}
		conns[name] = c
		if name == "alice" {
			aliceID = id.ID
		}
	}

	// alice starts sending first but stalls resolving her identity.
	release := gated.hold(aliceID)
	done := make(chan error, 1)
	go func() {
		_, err := room.SendText(ctx, conns["alice"], "started first")
		done <- err
	}()
	<-gated.entered
	time.Sleep(5 * time.Millisecond)
	if _, err := room.SendText(ctx, conns["bob"], "committed first"); err != nil {
		t.Fatalf("bob SendText() error: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("alice SendText() error: %v", err)
	}

	carol := ids.Add("carol", "pw")
	tokens.Issue("tok-carol", carol.ID, time.Hour)
	c, err := room.Connect(ctx, "tok-carol")
	if err != nil {
		t.Fatalf("Connect(carol) error: %v", err)
	}
	history := decode[[]chat.Event](t, nextFrame(t, c))
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Text != "committed first" || history[1].Text != "started first" {
		t.Errorf("history = %q, %q; want commit order", history[0].Text, history[1].Text)
	}
	if history[1].Timestamp.Before(history[0].Timestamp) {
		t.Errorf("replay not chronological: %q at %v after %q at %v",
			history[1].Text, history[1].Timestamp, history[0].Text, history[0].Timestamp)
	}
}

func TestRoomFailedConnectClosesConnectionRecord(t *testing.T) {
	h := newHarness(t, chat.Options{})
	h.messages.FailFindRecent = true
	id, token := h.login("alice")

	c, err := h.room.Connect(context.Background(), token)
	if !errors.Is(err, chat.ErrPersistence) || c != nil {
		t.Fatalf("Connect() = %v, %v; want persistence failure", c, err)
	}
	recs := h.identities.Connections[id.ID]
	if len(recs) != 1 {
		t.Fatalf("connection records = %+v, want 1", recs)
	}
	if got := h.identities.Status(id.ID, recs[0].ID); got != chat.StatusDisconnected {
		t.Errorf("record status = %q, want %q", got, chat.StatusDisconnected)
	}
	if got := h.room.Presence().Count(); got != 0 {
		t.Errorf("presence count = %d, want 0", got)
	}
}

func TestRoomReplayHistoryResendsWindow(t *testing.T) {
	h := newHarness(t, chat.Options{HistoryLimit: 2})
	ctx := context.Background()
	a := h.connect(t, "alice")
	if history := decode[[]chat.Event](t, nextFrame(t, a)); len(history) != 0 {
		t.Fatalf("initial history = %+v, want empty", history)
	}
	for _, text := range []string{"one", "two", "three"} {
		if _, err := h.room.SendText(ctx, a, text); err != nil {
			t.Fatalf("SendText(%s) error: %v", text, err)
		}
		nextFrame(t, a)
	}

	if err := h.room.ReplayHistory(ctx, a); err != nil {
		t.Fatalf("ReplayHistory() error: %v", err)
	}
	f := nextFrame(t, a)
	if f.Event != chat.EventPreviousMessages {
		t.Fatalf("frame = %s, want previous-messages", f.Event)
	}
	history := decode[[]chat.Event](t, f)
	if len(history) != 2 || history[0].Text != "two" || history[1].Text != "three" {
		t.Errorf("replayed history = %+v, want two, three", history)
	}

	h.room.Disconnect(ctx, a)
	if err := h.room.ReplayHistory(ctx, a); err == nil {
		t.Error("ReplayHistory() to a departed member should fail")
	}
}
