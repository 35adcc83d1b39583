package chat

import (
	"sort"
	"sync"
)

// Presence is the authoritative in-memory set of live connections. Join and
// Leave return the count after applying their change, computed under the same
// lock, so callers can announce exactly that value.
type Presence struct {
	mu    sync.Mutex
	conns map[string]string // connection id -> identity id
}

// NewPresence returns an empty registry.
func NewPresence() *Presence {
	return &Presence{conns: make(map[string]string)}
}

// Join registers connectionID for identityID. Joining twice is a no-op.
func (p *Presence) Join(identityID, connectionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[connectionID] = identityID
	return len(p.conns)
}

// Leave removes connectionID. Unknown ids are ignored.
func (p *Presence) Leave(connectionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, connectionID)
	return len(p.conns)
}

// Count is the current room size.
func (p *Presence) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Has reports whether connectionID is joined.
func (p *Presence) Has(connectionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[connectionID]
	return ok
}

// Members returns the distinct identity ids currently online, sorted.
func (p *Presence) Members() []string {
	p.mu.Lock()
	seen := make(map[string]struct{}, len(p.conns))
	for _, id := range p.conns {
		seen[id] = struct{}{}
	}
	p.mu.Unlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
