package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/huddle/chat"
)

// MemoryIdentities is an in-memory chat.IdentityStore. Passwords are compared verbatim.
type MemoryIdentities struct {
	mu          sync.Mutex
	users       map[string]chat.Identity
	passwords   map[string]string
	Connections map[string][]chat.ConnectionRecord
}

// NewMemoryIdentities returns an empty identity store.
func NewMemoryIdentities() *MemoryIdentities {
	return &MemoryIdentities{
		users:       make(map[string]chat.Identity),
		passwords:   make(map[string]string),
		Connections: make(map[string][]chat.ConnectionRecord),
	}
}

// Add registers a user and returns it.
func (m *MemoryIdentities) Add(username, password string) chat.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := chat.Identity{ID: uuid.NewString(), Username: username}
	m.users[id.ID] = id
	m.passwords[id.ID] = password
	return id
}

// Remove deletes a user, simulating an account removed mid-session.
func (m *MemoryIdentities) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
}

func (m *MemoryIdentities) FindByCredentials(_ context.Context, username, password string) (*chat.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		if strings.EqualFold(u.Username, username) && m.passwords[id] == password {
			out := u
			return &out, nil
		}
	}
	return nil, chat.ErrUnauthenticated
}

func (m *MemoryIdentities) FindByID(_ context.Context, id string) (*chat.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, chat.ErrNotFound)
	}
	return &u, nil
}

func (m *MemoryIdentities) RecordConnection(_ context.Context, userID string, rec chat.ConnectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, chat.ErrNotFound)
	}
	m.Connections[userID] = append(m.Connections[userID], rec)
	return nil
}

func (m *MemoryIdentities) UpdateConnectionStatus(_ context.Context, userID, connectionID string, status chat.ConnectionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.Connections[userID]
	for i := range recs {
		if recs[i].ID == connectionID {
			recs[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("connection %s: %w", connectionID, chat.ErrNotFound)
}

// UpdateAvatar records avatar paths for id.
func (m *MemoryIdentities) UpdateAvatar(_ context.Context, id, avatar, thumbnail string) (*chat.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, chat.ErrNotFound)
	}
	u.Avatar, u.AvatarThumbnail = avatar, thumbnail
	m.users[id] = u
	return &u, nil
}

// List returns every user ordered by name.
func (m *MemoryIdentities) List(_ context.Context) ([]chat.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chat.Identity, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username) })
	return out, nil
}

// Promote marks id as an administrator.
func (m *MemoryIdentities) Promote(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.IsAdmin = true
		m.users[id] = u
	}
}

// Status returns the recorded status of connectionID, or "" if unknown.
func (m *MemoryIdentities) Status(userID, connectionID string) chat.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.Connections[userID] {
		if rec.ID == connectionID {
			return rec.Status
		}
	}
	return ""
}

// MemoryMessages is an in-memory chat.MessageStore that resolves senders
// through its identity store, like the SQL join does.
type MemoryMessages struct {
	mu         sync.Mutex
	identities *MemoryIdentities
	events     []chat.Event
	nextID     int64

	// FailCreate makes every Create return an error.
	FailCreate bool
	// FailFindRecent makes every FindRecent return an error.
	FailFindRecent bool
}

// NewMemoryMessages returns an empty message log.
func NewMemoryMessages(identities *MemoryIdentities) *MemoryMessages {
	return &MemoryMessages{identities: identities}
}

var errInjected = errors.New("injected store failure")

func (m *MemoryMessages) Create(ctx context.Context, ev chat.Event) (*chat.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreate {
		return nil, errInjected
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	m.nextID++
	ev.ID = m.nextID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Sender = nil
	m.events = append(m.events, ev)
	return m.resolve(ctx, ev), nil
}

func (m *MemoryMessages) FindRecent(ctx context.Context, limit int) ([]chat.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFindRecent {
		return nil, errInjected
	}
	ordered := append([]chat.Event(nil), m.events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
	start := 0
	if limit > 0 && len(ordered) > limit {
		start = len(ordered) - limit
	}
	out := make([]chat.Event, 0, len(ordered)-start)
	for _, ev := range ordered[start:] {
		out = append(out, *m.resolve(ctx, ev))
	}
	return out, nil
}

func (m *MemoryMessages) FindByID(ctx context.Context, id int64) (*chat.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			return m.resolve(ctx, ev), nil
		}
	}
	return nil, fmt.Errorf("message %d: %w", id, chat.ErrNotFound)
}

func (m *MemoryMessages) FindByRange(ctx context.Context, start, end *time.Time) ([]chat.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chat.Event
	for _, ev := range m.events {
		if start != nil && ev.Timestamp.Before(*start) {
			continue
		}
		if end != nil && ev.Timestamp.After(*end) {
			continue
		}
		out = append(out, *m.resolve(ctx, ev))
	}
	return out, nil
}

// PurgeMessages implements chat.RetentionStore.
func (m *MemoryMessages) PurgeMessages(_ context.Context, olderThan *time.Time, keepLatest int, dryRun bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	protected := make(map[int64]bool)
	sorted := append([]chat.Event(nil), m.events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID > sorted[j].ID })
	for i := 0; i < keepLatest && i < len(sorted); i++ {
		protected[sorted[i].ID] = true
	}
	var kept []chat.Event
	var purged int64
	for _, ev := range m.events {
		eligible := olderThan == nil || ev.Timestamp.Before(*olderThan)
		if eligible && !protected[ev.ID] {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	if !dryRun {
		m.events = kept
	}
	return purged, nil
}

// Len returns the number of stored events.
func (m *MemoryMessages) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Backdate shifts the timestamp of event id into the past by d.
func (m *MemoryMessages) Backdate(id int64, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].Timestamp = m.events[i].Timestamp.Add(-d)
		}
	}
}

func (m *MemoryMessages) resolve(ctx context.Context, ev chat.Event) *chat.Event {
	out := ev
	if m.identities != nil {
		if u, err := m.identities.FindByID(ctx, ev.SenderID); err == nil {
			p := u.Profile()
			out.Sender = &p
		}
	}
	return &out
}

// StaticVerifier maps tokens directly to user ids.
type StaticVerifier struct {
	mu      sync.Mutex
	tokens  map[string]string
	expires map[string]time.Time
}

// NewStaticVerifier returns a verifier with no tokens.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{tokens: make(map[string]string), expires: make(map[string]time.Time)}
}

// Issue registers token for userID, valid for ttl (zero means an hour).
func (v *StaticVerifier) Issue(token, userID string, ttl time.Duration) {
	if ttl == 0 {
		ttl = time.Hour
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = userID
	v.expires[token] = time.Now().Add(ttl)
}

func (v *StaticVerifier) Verify(token string) (string, time.Time, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.tokens[token]
	if !ok {
		return "", time.Time{}, errors.New("unknown token")
	}
	if exp := v.expires[token]; time.Now().After(exp) {
		return "", time.Time{}, errors.New("token expired")
	}
	return id, v.expires[token], nil
}
