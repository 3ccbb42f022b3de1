package client

import (
	"context"
	"log"
	"sync"
	"time"

	"tutorchat-ws/internal/domain"
)

// Sender is the outbound half of the connection.
type Sender interface {
	Send(ctx context.Context, eventType domain.EventType, payload interface{}) error
	IsConnected() bool
}

type typingBurst struct {
	seq   uint64
	timer *time.Timer
}

// Coordinator tracks room membership and typing bursts. A burst sends one
// typing_start, and one typing_stop after the idle interval or an explicit
// stop, whichever comes first.
type Coordinator struct {
	sender  Sender
	idle    time.Duration
	peerTTL time.Duration
	now     func() time.Time

	mu     sync.Mutex
	rooms  map[int64]struct{}
	bursts map[int64]*typingBurst
	peers  map[int64]map[string]peerTyping
}

type peerTyping struct {
	identity domain.Identity
	until    time.Time
}

func NewCoordinator(sender Sender, idle time.Duration) *Coordinator {
	if idle <= 0 {
		idle = time.Second
	}
	return &Coordinator{
		sender:  sender,
		idle:    idle,
		peerTTL: 5 * time.Second,
		now:     time.Now,
		rooms:   make(map[int64]struct{}),
		bursts:  make(map[int64]*typingBurst),
		peers:   make(map[int64]map[string]peerTyping),
	}
}

func (c *Coordinator) JoinRoom(ctx context.Context, chatID int64) error {
	c.mu.Lock()
	c.rooms[chatID] = struct{}{}
	c.mu.Unlock()

	return c.sender.Send(ctx, domain.EventJoinChat, domain.ChatRef{ConversationID: chatID})
}

func (c *Coordinator) LeaveRoom(ctx context.Context, chatID int64) error {
	if err := c.StopTyping(ctx, chatID); err != nil {
		log.Printf("Failed to stop typing in chat %d: %v", chatID, err)
	}

	c.mu.Lock()
	delete(c.rooms, chatID)
	delete(c.peers, chatID)
	c.mu.Unlock()

	return c.sender.Send(ctx, domain.EventLeaveChat, domain.ChatRef{ConversationID: chatID})
}

// Rejoin re-announces every room after a reconnect.
func (c *Coordinator) Rejoin(ctx context.Context) error {
	for _, chatID := range c.Rooms() {
		if err := c.sender.Send(ctx, domain.EventJoinChat, domain.ChatRef{ConversationID: chatID}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) Rooms() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]int64, 0, len(c.rooms))
	for chatID := range c.rooms {
		rooms = append(rooms, chatID)
	}
	sortIDs(rooms)
	return rooms
}

func (c *Coordinator) InRoom(chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.rooms[chatID]
	return ok
}

// Keystroke starts a burst or extends the current one.
func (c *Coordinator) Keystroke(ctx context.Context, chatID int64) error {
	c.mu.Lock()
	burst, active := c.bursts[chatID]
	if !active {
		burst = &typingBurst{}
		c.bursts[chatID] = burst
	} else {
		burst.timer.Stop()
	}
	burst.seq++
	seq := burst.seq
	burst.timer = time.AfterFunc(c.idle, func() { c.expire(chatID, burst, seq) })
	c.mu.Unlock()

	if active {
		return nil
	}
	return c.sender.Send(ctx, domain.EventTypingStart, domain.ChatRef{ConversationID: chatID})
}

// StopTyping ends the burst now, if there is one.
func (c *Coordinator) StopTyping(ctx context.Context, chatID int64) error {
	c.mu.Lock()
	burst, ok := c.bursts[chatID]
	if ok {
		burst.timer.Stop()
		delete(c.bursts, chatID)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return c.sender.Send(ctx, domain.EventTypingStop, domain.ChatRef{ConversationID: chatID})
}

func (c *Coordinator) Typing(chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.bursts[chatID]
	return ok
}

func (c *Coordinator) expire(chatID int64, burst *typingBurst, seq uint64) {
	c.mu.Lock()
	current, ok := c.bursts[chatID]
	if !ok || current != burst || burst.seq != seq {
		c.mu.Unlock()
		return
	}
	delete(c.bursts, chatID)
	c.mu.Unlock()

	if err := c.sender.Send(context.Background(), domain.EventTypingStop, domain.ChatRef{ConversationID: chatID}); err != nil {
		log.Printf("Failed to send typing_stop for chat %d: %v", chatID, err)
	}
}

// ApplyIndicator records a peer's typing state from a typing_indicator.
func (c *Coordinator) ApplyIndicator(payload domain.TypingIndicatorPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := payload.Identity.Key()
	if !payload.IsTyping {
		if peers, ok := c.peers[payload.ConversationID]; ok {
			delete(peers, key)
		}
		return
	}

	peers, ok := c.peers[payload.ConversationID]
	if !ok {
		peers = make(map[string]peerTyping)
		c.peers[payload.ConversationID] = peers
	}
	peers[key] = peerTyping{identity: payload.Identity, until: c.now().Add(c.peerTTL)}
}

// ClearPeer drops an identity's typing state in one chat, or in every chat
// when chatID is zero.
func (c *Coordinator) ClearPeer(chatID int64, identity domain.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := identity.Key()
	for id, peers := range c.peers {
		if chatID == 0 || id == chatID {
			delete(peers, key)
		}
	}
}

func (c *Coordinator) PeersTyping(chatID int64) []domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()

	peers := c.peers[chatID]
	now := c.now()
	identities := make([]domain.Identity, 0, len(peers))
	for key, entry := range peers {
		if now.After(entry.until) {
			delete(peers, key)
			continue
		}
		identities = append(identities, entry.identity)
	}
	sortIdentities(identities)
	return identities
}

// Reset forgets peer typing and abandons local bursts without signalling.
// Rooms are kept for Rejoin.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for chatID, burst := range c.bursts {
		burst.timer.Stop()
		delete(c.bursts, chatID)
	}
	c.peers = make(map[int64]map[string]peerTyping)
}
