package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tutorchat-ws/internal/domain"
)

// PresenceStore keeps the refcounted presence and room membership sets and
// the typing TTL entries. The Redis client implements it so that several
// gateway instances agree; MemoryStore is the single-instance fallback.
type PresenceStore interface {
	Acquire(ctx context.Context, set, member string) (int64, error)
	Release(ctx context.Context, set, member string) (int64, error)
	Members(ctx context.Context, set string) (map[string]int64, error)
	Count(ctx context.Context, set, member string) (int64, error)
	SetLabel(ctx context.Context, member, label string) error
	Labels(ctx context.Context, members []string) (map[string]string, error)

	SetTyping(ctx context.Context, chatID int64, member string, ttl time.Duration) error
	ClearTyping(ctx context.Context, chatID int64, member string) error
	TypingMembers(ctx context.Context, chatID int64) ([]string, error)
}

// presenceKeeper is implemented by presence stores shared between gateway
// instances. ReapDead returns, per set, the members whose count dropped to
// zero when the references of dead instances were released.
type presenceKeeper interface {
	Heartbeat(ctx context.Context, ttl time.Duration) error
	ReapDead(ctx context.Context) (map[string][]string, error)
}

// EventBus carries fan-out events to every gateway instance, including the
// one publishing.
type EventBus interface {
	Publish(ctx context.Context, event domain.FanoutEvent) error
}

type MemoryStore struct {
	mu     sync.Mutex
	sets   map[string]map[string]int64
	labels map[string]string
	typing map[string]time.Time
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets:   make(map[string]map[string]int64),
		labels: make(map[string]string),
		typing: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (m *MemoryStore) Acquire(_ context.Context, set, member string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.sets[set]
	if !ok {
		members = make(map[string]int64)
		m.sets[set] = members
	}
	members[member]++
	return members[member], nil
}

func (m *MemoryStore) Release(_ context.Context, set, member string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.sets[set]
	if !ok {
		return 0, nil
	}
	members[member]--
	count := members[member]
	if count <= 0 {
		delete(members, member)
		if len(members) == 0 {
			delete(m.sets, set)
		}
		return 0, nil
	}
	return count, nil
}

func (m *MemoryStore) Members(_ context.Context, set string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]int64, len(m.sets[set]))
	for member, count := range m.sets[set] {
		result[member] = count
	}
	return result, nil
}

func (m *MemoryStore) Count(_ context.Context, set, member string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets[set][member], nil
}

func (m *MemoryStore) SetLabel(_ context.Context, member, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[member] = label
	return nil
}

func (m *MemoryStore) Labels(_ context.Context, members []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]string, len(members))
	for _, member := range members {
		if label, ok := m.labels[member]; ok {
			result[member] = label
		}
	}
	return result, nil
}

func (m *MemoryStore) SetTyping(_ context.Context, chatID int64, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing[typingKey(chatID, member)] = m.now().Add(ttl)
	return nil
}

func (m *MemoryStore) ClearTyping(_ context.Context, chatID int64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.typing, typingKey(chatID, member))
	return nil
}

func (m *MemoryStore) TypingMembers(_ context.Context, chatID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := typingKey(chatID, "")
	now := m.now()
	var members []string
	for key, expires := range m.typing {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !now.Before(expires) {
			delete(m.typing, key)
			continue
		}
		members = append(members, strings.TrimPrefix(key, prefix))
	}
	return members, nil
}

func typingKey(chatID int64, member string) string {
	return fmt.Sprintf("%d/%s", chatID, member)
}
