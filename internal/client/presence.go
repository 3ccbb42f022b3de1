package client

import (
	"sort"
	"sync"

	"tutorchat-ws/internal/domain"
)

// PresenceTracker is the local view of who is online. A snapshot replaces
// it wholesale; deltas adjust it.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]domain.Identity
	synced bool
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]domain.Identity)}
}

func (p *PresenceTracker) Snapshot(identities []domain.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.online = make(map[string]domain.Identity, len(identities))
	for _, identity := range identities {
		p.online[identity.Key()] = identity
	}
	p.synced = true
}

// Joined reports whether the identity was newly added. Deltas before the
// connection's snapshot are ignored.
func (p *PresenceTracker) Joined(identity domain.Identity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.synced {
		return false
	}
	key := identity.Key()
	if _, ok := p.online[key]; ok {
		return false
	}
	p.online[key] = identity
	return true
}

// Left reports whether the identity was present.
func (p *PresenceTracker) Left(identity domain.Identity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.synced {
		return false
	}
	key := identity.Key()
	if _, ok := p.online[key]; !ok {
		return false
	}
	delete(p.online, key)
	return true
}

// Reset drops the view until the next snapshot arrives.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.online = make(map[string]domain.Identity)
	p.synced = false
}

func (p *PresenceTracker) IsOnline(identity domain.Identity) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.online[identity.Key()]
	return ok
}

func (p *PresenceTracker) Synced() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.synced
}

func (p *PresenceTracker) Online() []domain.Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]string, 0, len(p.online))
	for key := range p.online {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	identities := make([]domain.Identity, 0, len(keys))
	for _, key := range keys {
		identities = append(identities, p.online[key])
	}
	return identities
}
