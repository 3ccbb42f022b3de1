package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"tutorchat-ws/internal/auth"
	"tutorchat-ws/internal/domain"
	"tutorchat-ws/internal/service"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	presenceSet = "chat:presence"
	chatStripes = 64
)

func roomSet(chatID int64) string {
	return "chat:room:" + strconv.FormatInt(chatID, 10)
}

func chatKey(chatID int64) string {
	return "chat:" + strconv.FormatInt(chatID, 10)
}

type chatApplicationService interface {
	ListChats(ctx context.Context, actor domain.Identity) ([]domain.ChatView, error)
	CreateOrGetChat(ctx context.Context, actor domain.Identity, req domain.CreateChatRequest) (*domain.Chat, bool, error)
	ChatForParticipant(ctx context.Context, actor domain.Identity, chatID int64) (*domain.Chat, error)
	ListMessages(ctx context.Context, actor domain.Identity, chatID int64, page int, limit int) ([]domain.Message, int, error)
	SendMessage(ctx context.Context, actor domain.Identity, payload domain.SendMessagePayload, recipientPresent func(*domain.Chat, domain.Identity) bool) (*service.ChatDelivery, error)
	MarkRead(ctx context.Context, actor domain.Identity, chatID int64) (*domain.Chat, time.Time, error)
	ClearChat(ctx context.Context, actor domain.Identity, chatID int64) (*domain.Chat, error)
	DisplayName(ctx context.Context, identity domain.Identity) (string, error)
}

// frameWriter is the write side of a websocket connection.
type frameWriter interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type WSConnection struct {
	ID       string
	Identity domain.Identity
	Conn     frameWriter

	// Guarded by WSManager.mutex.
	rooms  map[int64]struct{}
	typing map[int64]struct{}

	writeMux sync.Mutex
}

type WSManager struct {
	service    chatApplicationService
	presence   PresenceStore
	bus        EventBus
	instanceID string
	typingTTL  time.Duration

	connections map[string]*WSConnection
	identities  map[string]map[string]*WSConnection
	rooms       map[int64]map[string]*WSConnection
	mutex       sync.RWMutex

	// chatLocks serialize persist and publish per chat so every participant
	// receives a chat's messages in the order they were stored.
	chatLocks [chatStripes]sync.Mutex
}

func NewWSManager(chatService chatApplicationService, presence PresenceStore, instanceID string, typingTTL time.Duration) *WSManager {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &WSManager{
		service:     chatService,
		presence:    presence,
		instanceID:  instanceID,
		typingTTL:   typingTTL,
		connections: make(map[string]*WSConnection),
		identities:  make(map[string]map[string]*WSConnection),
		rooms:       make(map[int64]map[string]*WSConnection),
	}
}

// SetEventBus routes fan-out through bus. Without one, events are delivered
// to local connections only.
func (w *WSManager) SetEventBus(bus EventBus) {
	w.bus = bus
}

func (w *WSManager) InstanceID() string {
	return w.instanceID
}

func (w *WSManager) HandleConnection(c *websocket.Conn) {
	defer c.Close()

	identity, ok := c.Locals(auth.LocalsIdentity).(domain.Identity)
	if !ok {
		log.Printf("WebSocket connection without identity, closing")
		return
	}
	expiresAt, _ := c.Locals(auth.LocalsExpiresAt).(time.Time)

	ctx := context.Background()
	conn := w.register(ctx, c, identity)
	defer w.unregister(ctx, conn)

	if !expiresAt.IsZero() {
		timer := time.AfterFunc(time.Until(expiresAt), func() {
			log.Printf("Session expired for %s on connection %s", conn.Identity, conn.ID)
			w.closeConnection(conn, domain.CloseSessionExpired, "session_expired")
		})
		defer timer.Stop()
	}

	log.Printf("WebSocket client connected: %s (connection %s)", conn.Identity, conn.ID)

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			log.Printf("WebSocket read error for %s: %v", conn.Identity, err)
			break
		}

		var msg domain.WebSocketMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("Malformed frame from %s: %v", conn.Identity, err)
			w.sendError(conn, "Malformed message", "bad_frame")
			continue
		}

		w.handleIncomingMessage(ctx, conn, &msg)
	}

	log.Printf("WebSocket client disconnected: %s (connection %s)", conn.Identity, conn.ID)
}

func (w *WSManager) register(ctx context.Context, writer frameWriter, identity domain.Identity) *WSConnection {
	if identity.Name == "" && w.service != nil {
		if name, err := w.service.DisplayName(ctx, identity); err == nil {
			identity.Name = name
		}
	}

	conn := &WSConnection{
		ID:       uuid.NewString(),
		Identity: identity,
		Conn:     writer,
		rooms:    make(map[int64]struct{}),
		typing:   make(map[int64]struct{}),
	}

	// Fan-out reaching the connection before the preamble is written waits on
	// writeMux, so connection_established is always the first frame and the
	// online snapshot precedes every presence delta.
	conn.writeMux.Lock()
	w.addConnection(conn)

	key := identity.Key()
	count, err := w.presence.Acquire(ctx, presenceSet, key)
	if err != nil {
		log.Printf("Failed to acquire presence for %s: %v", key, err)
	}
	if identity.Name != "" {
		if err := w.presence.SetLabel(ctx, key, identity.Name); err != nil {
			log.Printf("Failed to store display name for %s: %v", key, err)
		}
	}

	w.sendLocked(conn, domain.EventConnectionEstablished, domain.ConnectionEstablishedPayload{
		Identity:     identity,
		ConnectionID: conn.ID,
		Instance:     w.instanceID,
	})
	if online, err := w.OnlineIdentities(ctx); err != nil {
		log.Printf("Failed to load online users: %v", err)
		w.sendLocked(conn, domain.EventError, domain.ErrorPayload{Message: "Failed to load online users", Code: "internal"})
	} else {
		w.sendLocked(conn, domain.EventOnlineUsersList, online)
	}
	conn.writeMux.Unlock()

	if count == 1 {
		w.publish(ctx, domain.FanoutEvent{
			Message:        w.envelope(domain.EventUserOnline, identity),
			Broadcast:      true,
			ExceptIdentity: &identity,
		})
	}
	return conn
}

func (w *WSManager) unregister(ctx context.Context, conn *WSConnection) {
	rooms, typing := w.removeConnection(conn)

	for _, chatID := range typing {
		if err := w.presence.ClearTyping(ctx, chatID, conn.Identity.Key()); err != nil {
			log.Printf("Failed to clear typing for %s in chat %d: %v", conn.Identity, chatID, err)
		}
		w.publishTyping(ctx, chatID, conn.Identity, false)
	}

	for _, chatID := range rooms {
		if _, err := w.presence.Release(ctx, roomSet(chatID), conn.Identity.Key()); err != nil {
			log.Printf("Failed to release room %d for %s: %v", chatID, conn.Identity, err)
		}
		w.publish(ctx, domain.FanoutEvent{
			Message: w.envelope(domain.EventUserLeftChat, domain.RoomMembershipPayload{ConversationID: chatID, Identity: conn.Identity}),
			Room:    chatID,
			Key:     chatKey(chatID),
		})
	}

	count, err := w.presence.Release(ctx, presenceSet, conn.Identity.Key())
	if err != nil {
		log.Printf("Failed to release presence for %s: %v", conn.Identity, err)
		return
	}
	if count == 0 {
		w.publish(ctx, domain.FanoutEvent{
			Message:   w.envelope(domain.EventUserOffline, conn.Identity),
			Broadcast: true,
		})
	}
}

func (w *WSManager) addConnection(conn *WSConnection) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.connections[conn.ID] = conn
	key := conn.Identity.Key()
	if _, exists := w.identities[key]; !exists {
		w.identities[key] = make(map[string]*WSConnection)
	}
	w.identities[key][conn.ID] = conn
	log.Printf("Added connection %s for %s. Connections for identity: %d",
		conn.ID, key, len(w.identities[key]))
}

// removeConnection drops conn from every index and returns the rooms it had
// joined and the chats it was typing in.
func (w *WSManager) removeConnection(conn *WSConnection) ([]int64, []int64) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	delete(w.connections, conn.ID)
	key := conn.Identity.Key()
	if conns, exists := w.identities[key]; exists {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(w.identities, key)
		}
	}

	rooms := make([]int64, 0, len(conn.rooms))
	for chatID := range conn.rooms {
		rooms = append(rooms, chatID)
		if members, exists := w.rooms[chatID]; exists {
			delete(members, conn.ID)
			if len(members) == 0 {
				delete(w.rooms, chatID)
			}
		}
	}
	typing := make([]int64, 0, len(conn.typing))
	for chatID := range conn.typing {
		typing = append(typing, chatID)
	}
	conn.rooms = make(map[int64]struct{})
	conn.typing = make(map[int64]struct{})

	log.Printf("Removed connection %s for %s", conn.ID, key)
	return rooms, typing
}

func (w *WSManager) handleIncomingMessage(ctx context.Context, conn *WSConnection, msg *domain.WebSocketMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic handling %s from %s: %v", msg.Type, conn.Identity, r)
		}
	}()

	switch msg.Type {
	case domain.EventJoinChat:
		var ref domain.ChatRef
		if !w.parse(conn, msg, &ref) {
			return
		}
		w.handleJoinChat(ctx, conn, ref.ConversationID)

	case domain.EventLeaveChat:
		var ref domain.ChatRef
		if !w.parse(conn, msg, &ref) {
			return
		}
		w.handleLeaveChat(ctx, conn, ref.ConversationID)

	case domain.EventSendMessage:
		var payload domain.SendMessagePayload
		if !w.parse(conn, msg, &payload) {
			return
		}
		w.handleSendMessage(ctx, conn, payload)

	case domain.EventTypingStart, domain.EventTypingStop:
		var ref domain.ChatRef
		if !w.parse(conn, msg, &ref) {
			return
		}
		w.handleTyping(ctx, conn, ref.ConversationID, msg.Type == domain.EventTypingStart)

	case domain.EventMarkRead:
		var ref domain.ChatRef
		if !w.parse(conn, msg, &ref) {
			return
		}
		chat, readAt, err := w.service.MarkRead(ctx, conn.Identity, ref.ConversationID)
		if err != nil {
			w.sendChatError(conn, err)
			return
		}
		w.PublishRead(ctx, chat, conn.Identity, readAt)

	case domain.EventGetOnlineUsers:
		w.sendOnlineUsers(ctx, conn)

	case domain.EventPing:
		w.send(conn, domain.EventPong, nil)

	default:
		log.Printf("Unknown message type: %s from %s", msg.Type, conn.Identity)
		w.sendError(conn, "Unknown message type: "+string(msg.Type), "unknown_type")
	}
}

func (w *WSManager) handleJoinChat(ctx context.Context, conn *WSConnection, chatID int64) {
	chat, err := w.service.ChatForParticipant(ctx, conn.Identity, chatID)
	if err != nil {
		w.sendChatError(conn, err)
		return
	}

	membership := domain.RoomMembershipPayload{ConversationID: chat.ID, Identity: conn.Identity}
	if w.joinRoom(conn, chat.ID) {
		if _, err := w.presence.Acquire(ctx, roomSet(chat.ID), conn.Identity.Key()); err != nil {
			log.Printf("Failed to acquire room %d for %s: %v", chat.ID, conn.Identity, err)
		}
		w.publish(ctx, domain.FanoutEvent{
			Message:          w.envelope(domain.EventUserJoinedChat, membership),
			Room:             chat.ID,
			ExceptConnection: conn.ID,
			Key:              chatKey(chat.ID),
		})
	}
	w.send(conn, domain.EventChatJoined, membership)

	typing, err := w.presence.TypingMembers(ctx, chat.ID)
	if err != nil {
		log.Printf("Failed to read typing state for chat %d: %v", chat.ID, err)
		return
	}
	for _, member := range typing {
		identity, err := domain.ParseIdentityKey(member)
		if err != nil || identity.Same(conn.Identity) {
			continue
		}
		w.send(conn, domain.EventTypingIndicator, domain.TypingIndicatorPayload{
			ConversationID: chat.ID,
			Identity:       identity,
			IsTyping:       true,
		})
	}
}

func (w *WSManager) handleLeaveChat(ctx context.Context, conn *WSConnection, chatID int64) {
	wasMember, wasTyping := w.leaveRoom(conn, chatID)
	membership := domain.RoomMembershipPayload{ConversationID: chatID, Identity: conn.Identity}
	if !wasMember {
		w.send(conn, domain.EventUserLeftChat, membership)
		return
	}

	if wasTyping {
		if err := w.presence.ClearTyping(ctx, chatID, conn.Identity.Key()); err != nil {
			log.Printf("Failed to clear typing for %s in chat %d: %v", conn.Identity, chatID, err)
		}
		w.publishTyping(ctx, chatID, conn.Identity, false)
	}
	if _, err := w.presence.Release(ctx, roomSet(chatID), conn.Identity.Key()); err != nil {
		log.Printf("Failed to release room %d for %s: %v", chatID, conn.Identity, err)
	}

	w.send(conn, domain.EventUserLeftChat, membership)
	w.publish(ctx, domain.FanoutEvent{
		Message: w.envelope(domain.EventUserLeftChat, membership),
		Room:    chatID,
		Key:     chatKey(chatID),
	})
}

func (w *WSManager) lockChat(chatID int64) func() {
	stripe := &w.chatLocks[uint64(chatID)%chatStripes]
	stripe.Lock()
	return stripe.Unlock
}

func (w *WSManager) handleSendMessage(ctx context.Context, conn *WSConnection, payload domain.SendMessagePayload) {
	unlock := w.lockChat(payload.ConversationID)
	defer unlock()

	delivery, err := w.service.SendMessage(ctx, conn.Identity, payload, func(chat *domain.Chat, recipient domain.Identity) bool {
		return w.inRoom(ctx, chat.ID, recipient)
	})
	if err != nil {
		w.sendChatError(conn, err)
		return
	}

	if w.stopTyping(conn, delivery.Chat.ID) {
		if err := w.presence.ClearTyping(ctx, delivery.Chat.ID, conn.Identity.Key()); err != nil {
			log.Printf("Failed to clear typing for %s in chat %d: %v", conn.Identity, delivery.Chat.ID, err)
		}
		w.publishTyping(ctx, delivery.Chat.ID, conn.Identity, false)
	}

	w.publish(ctx, domain.FanoutEvent{
		Message:    w.envelope(domain.EventMessageReceived, delivery.Message),
		Identities: []domain.Identity{conn.Identity, delivery.Recipient},
		Key:        chatKey(delivery.Chat.ID),
	})

	if delivery.ReadAt != nil {
		w.publish(ctx, domain.FanoutEvent{
			Message: w.envelope(domain.EventMessagesRead, domain.MessagesReadPayload{
				ConversationID: delivery.Chat.ID,
				ReadBy:         delivery.Recipient,
				ReadAt:         *delivery.ReadAt,
			}),
			Identities: []domain.Identity{conn.Identity, delivery.Recipient},
			Key:        chatKey(delivery.Chat.ID),
		})
	}
}

func (w *WSManager) handleTyping(ctx context.Context, conn *WSConnection, chatID int64, isTyping bool) {
	if !w.connectionInRoom(conn, chatID) {
		w.sendError(conn, "Join the chat first", "not_in_room")
		return
	}

	key := conn.Identity.Key()
	if isTyping {
		if err := w.presence.SetTyping(ctx, chatID, key, w.typingTTL); err != nil {
			log.Printf("Failed to set typing for %s in chat %d: %v", key, chatID, err)
		}
		w.mutex.Lock()
		conn.typing[chatID] = struct{}{}
		w.mutex.Unlock()
		w.publishTyping(ctx, chatID, conn.Identity, true)
		return
	}

	w.stopTyping(conn, chatID)
	if err := w.presence.ClearTyping(ctx, chatID, key); err != nil {
		log.Printf("Failed to clear typing for %s in chat %d: %v", key, chatID, err)
	}
	w.publishTyping(ctx, chatID, conn.Identity, false)
}

func (w *WSManager) publishTyping(ctx context.Context, chatID int64, identity domain.Identity, isTyping bool) {
	w.publish(ctx, domain.FanoutEvent{
		Message: w.envelope(domain.EventTypingIndicator, domain.TypingIndicatorPayload{
			ConversationID: chatID,
			Identity:       identity,
			IsTyping:       isTyping,
		}),
		Room:           chatID,
		ExceptIdentity: &identity,
		Key:            chatKey(chatID),
	})
}

// PublishRead tells both participants that reader has read the chat.
func (w *WSManager) PublishRead(ctx context.Context, chat *domain.Chat, reader domain.Identity, readAt time.Time) {
	w.publish(ctx, domain.FanoutEvent{
		Message: w.envelope(domain.EventMessagesRead, domain.MessagesReadPayload{
			ConversationID: chat.ID,
			ReadBy:         reader,
			ReadAt:         readAt,
		}),
		Identities: []domain.Identity{chat.User(), chat.Tutor()},
		Key:        chatKey(chat.ID),
	})
}

// PublishCleared sends chat_cleared to the peer and chat_cleared_for_user to
// every session of the participant who cleared the chat.
func (w *WSManager) PublishCleared(ctx context.Context, chat *domain.Chat, actor domain.Identity) {
	ref := domain.ChatRef{ConversationID: chat.ID}
	w.publish(ctx, domain.FanoutEvent{
		Message:    w.envelope(domain.EventChatCleared, ref),
		Identities: []domain.Identity{chat.Peer(actor)},
		Key:        chatKey(chat.ID),
	})
	w.publish(ctx, domain.FanoutEvent{
		Message:    w.envelope(domain.EventChatClearedForUser, ref),
		Identities: []domain.Identity{actor},
		Key:        chatKey(chat.ID),
	})
}

// OnlineIdentities returns the presence set with display names, ordered by key.
func (w *WSManager) OnlineIdentities(ctx context.Context) ([]domain.Identity, error) {
	members, err := w.presence.Members(ctx, presenceSet)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(members))
	for key := range members {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	labels, err := w.presence.Labels(ctx, keys)
	if err != nil {
		log.Printf("Failed to read display names: %v", err)
		labels = map[string]string{}
	}

	online := make([]domain.Identity, 0, len(keys))
	for _, key := range keys {
		identity, err := domain.ParseIdentityKey(key)
		if err != nil {
			log.Printf("Skipping malformed presence key %q: %v", key, err)
			continue
		}
		identity.Name = labels[key]
		online = append(online, identity)
	}
	return online, nil
}

// KeepPresence heartbeats this instance in a shared presence store and
// announces users whose remaining connections were held by instances that
// stopped heartbeating. It returns when ctx is done.
func (w *WSManager) KeepPresence(ctx context.Context, interval time.Duration) {
	keeper, ok := w.presence.(presenceKeeper)
	if !ok || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.keepPresence(ctx, keeper, 3*interval)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *WSManager) keepPresence(ctx context.Context, keeper presenceKeeper, ttl time.Duration) {
	if err := keeper.Heartbeat(ctx, ttl); err != nil {
		log.Printf("Presence heartbeat failed: %v", err)
	}

	released, err := keeper.ReapDead(ctx)
	if err != nil {
		log.Printf("Failed to reap stale presence: %v", err)
		return
	}
	for _, member := range released[presenceSet] {
		identity, err := domain.ParseIdentityKey(member)
		if err != nil {
			log.Printf("Skipping malformed presence key %q: %v", member, err)
			continue
		}
		log.Printf("Reaped presence of %s left by a stopped instance", identity)
		w.publish(ctx, domain.FanoutEvent{
			Message:   w.envelope(domain.EventUserOffline, identity),
			Broadcast: true,
		})
	}
}

func (w *WSManager) sendOnlineUsers(ctx context.Context, conn *WSConnection) {
	online, err := w.OnlineIdentities(ctx)
	if err != nil {
		log.Printf("Failed to load online users: %v", err)
		w.sendError(conn, "Failed to load online users", "internal")
		return
	}
	w.send(conn, domain.EventOnlineUsersList, online)
}

// inRoom reports whether identity has any connection joined to the chat on
// any instance. Falls back to local state when the store is unavailable.
func (w *WSManager) inRoom(ctx context.Context, chatID int64, identity domain.Identity) bool {
	count, err := w.presence.Count(ctx, roomSet(chatID), identity.Key())
	if err == nil {
		return count > 0
	}
	log.Printf("Failed to read room %d membership: %v", chatID, err)

	w.mutex.RLock()
	defer w.mutex.RUnlock()
	for _, conn := range w.rooms[chatID] {
		if conn.Identity.Same(identity) {
			return true
		}
	}
	return false
}

func (w *WSManager) joinRoom(conn *WSConnection, chatID int64) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if _, joined := conn.rooms[chatID]; joined {
		return false
	}
	conn.rooms[chatID] = struct{}{}
	if _, exists := w.rooms[chatID]; !exists {
		w.rooms[chatID] = make(map[string]*WSConnection)
	}
	w.rooms[chatID][conn.ID] = conn
	return true
}

func (w *WSManager) leaveRoom(conn *WSConnection, chatID int64) (bool, bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if _, joined := conn.rooms[chatID]; !joined {
		return false, false
	}
	delete(conn.rooms, chatID)
	_, typing := conn.typing[chatID]
	delete(conn.typing, chatID)

	if members, exists := w.rooms[chatID]; exists {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(w.rooms, chatID)
		}
	}
	return true, typing
}

func (w *WSManager) connectionInRoom(conn *WSConnection, chatID int64) bool {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	_, joined := conn.rooms[chatID]
	return joined
}

func (w *WSManager) stopTyping(conn *WSConnection, chatID int64) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	_, typing := conn.typing[chatID]
	delete(conn.typing, chatID)
	return typing
}

func (w *WSManager) publish(ctx context.Context, event domain.FanoutEvent) {
	if w.bus == nil {
		w.Deliver(event)
		return
	}
	if err := w.bus.Publish(ctx, event); err != nil {
		log.Printf("Event bus publish failed for %s, delivering locally: %v", event.Message.Type, err)
		w.Deliver(event)
	}
}

// Deliver writes event to the local connections in its audience. It is the
// kafka.EventHandler for events arriving from the bus.
func (w *WSManager) Deliver(event domain.FanoutEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in Deliver: %v", r)
		}
	}()

	targets := w.resolve(&event)
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, conn := range targets {
		wg.Add(1)
		go func(c *WSConnection) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Recovered from panic while delivering to %s: %v", c.Identity, r)
				}
			}()

			if err := c.safeWriteJSON(event.Message); err != nil {
				log.Printf("Failed to deliver %s to %s: %v", event.Message.Type, c.Identity, err)
				// The read loop exits and unregisters the connection.
				_ = c.Conn.Close()
			}
		}(conn)
	}
	wg.Wait()
}

func (w *WSManager) resolve(event *domain.FanoutEvent) []*WSConnection {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	seen := make(map[string]struct{})
	var targets []*WSConnection
	add := func(conn *WSConnection) {
		if _, dup := seen[conn.ID]; dup {
			return
		}
		seen[conn.ID] = struct{}{}
		if event.Excludes(conn.ID, conn.Identity) {
			return
		}
		targets = append(targets, conn)
	}

	if event.Broadcast {
		for _, conn := range w.connections {
			add(conn)
		}
	}
	if event.Room != 0 {
		for _, conn := range w.rooms[event.Room] {
			add(conn)
		}
	}
	for _, identity := range event.Identities {
		for _, conn := range w.identities[identity.Key()] {
			add(conn)
		}
	}
	return targets
}

func (w *WSManager) envelope(eventType domain.EventType, data interface{}) domain.WebSocketMessage {
	msg, err := domain.NewWebSocketMessage(eventType, data)
	if err != nil {
		log.Printf("Failed to encode %s: %v", eventType, err)
		return domain.WebSocketMessage{Type: eventType, Timestamp: time.Now().UTC()}
	}
	return *msg
}

func (w *WSManager) send(conn *WSConnection, eventType domain.EventType, data interface{}) {
	if err := conn.safeWriteJSON(w.envelope(eventType, data)); err != nil {
		log.Printf("Failed to send %s to %s: %v", eventType, conn.Identity, err)
	}
}

// sendLocked is send for callers already holding conn.writeMux.
func (w *WSManager) sendLocked(conn *WSConnection, eventType domain.EventType, data interface{}) {
	if err := conn.writeJSONLocked(w.envelope(eventType, data)); err != nil {
		log.Printf("Failed to send %s to %s: %v", eventType, conn.Identity, err)
	}
}

func (w *WSManager) sendError(conn *WSConnection, message, code string) {
	w.send(conn, domain.EventError, domain.ErrorPayload{Message: message, Code: code})
}

func (w *WSManager) sendChatError(conn *WSConnection, err error) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		w.sendError(conn, "Forbidden", "forbidden")
	case errors.Is(err, service.ErrInvalidInput):
		w.sendError(conn, "Invalid request", "invalid_input")
	case errors.Is(err, pgx.ErrNoRows):
		w.sendError(conn, "Chat not found", "not_found")
	default:
		log.Printf("Chat operation failed for %s: %v", conn.Identity, err)
		w.sendError(conn, "Failed to process chat request", "internal")
	}
}

func (w *WSManager) parse(conn *WSConnection, msg *domain.WebSocketMessage, v interface{}) bool {
	if err := msg.ParseData(v); err != nil {
		log.Printf("Invalid %s payload from %s: %v", msg.Type, conn.Identity, err)
		w.sendError(conn, "Invalid payload for "+string(msg.Type), "bad_payload")
		return false
	}
	return true
}

func (w *WSManager) closeConnection(conn *WSConnection, code int, reason string) {
	conn.writeMux.Lock()
	defer conn.writeMux.Unlock()

	if err := conn.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason)); err != nil {
		log.Printf("Failed to send close frame to %s: %v", conn.Identity, err)
	}
	_ = conn.Conn.Close()
}

// ConnectionCount returns the number of local connections.
func (w *WSManager) ConnectionCount() int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return len(w.connections)
}

// safeWriteJSON writes JSON to WebSocket connection with mutex protection and panic recovery
func (conn *WSConnection) safeWriteJSON(message interface{}) error {
	conn.writeMux.Lock()
	defer conn.writeMux.Unlock()
	return conn.writeJSONLocked(message)
}

func (conn *WSConnection) writeJSONLocked(message interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeWriteJSON for %s: %v", conn.Identity, r)
			err = errors.New("write panicked")
		}
	}()

	return conn.Conn.WriteJSON(message)
}
