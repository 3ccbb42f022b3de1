package client

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"tutorchat-ws/internal/domain"
)

type Banner int

const (
	BannerNone Banner = iota
	BannerReconnecting
	BannerReconnectFailed
	BannerAuthFailed
)

func (b Banner) String() string {
	switch b {
	case BannerReconnecting:
		return "Reconnecting..."
	case BannerReconnectFailed:
		return "Connection lost. Reconnect manually."
	case BannerAuthFailed:
		return "Session expired. Sign in again."
	default:
		return ""
	}
}

type UpdateKind int

const (
	UpdateConnection UpdateKind = iota
	UpdateMessage
	UpdateRead
	UpdateCleared
	UpdatePresence
	UpdateTyping
	UpdateError
)

// Update tells the UI something changed. It carries just enough to redraw.
type Update struct {
	Kind           UpdateKind
	ConversationID int64
	Message        *domain.Message
	Identity       domain.Identity
	Banner         Banner
	Err            error
}

// Session routes connection events into the presence tracker, the store and
// the typing coordinator. Run must be the only consumer of the Manager's
// events.
type Session struct {
	Manager  *Manager
	Presence *PresenceTracker
	Store    *Store
	Rooms    *Coordinator

	mu      sync.RWMutex
	banner  Banner
	updates chan Update
}

func NewSession(manager *Manager, store *Store, rooms *Coordinator, presence *PresenceTracker) *Session {
	return &Session{
		Manager:  manager,
		Presence: presence,
		Store:    store,
		Rooms:    rooms,
		updates:  make(chan Update, 128),
	}
}

// Updates is best effort; a slow reader misses redraw hints, never state.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

func (s *Session) Banner() Banner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.banner
}

func (s *Session) Run(ctx context.Context) error {
	events := s.Manager.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-events:
			s.handle(ctx, event)
		}
	}
}

func (s *Session) handle(ctx context.Context, event Event) {
	switch event.Kind {
	case EventConnected, EventReconnected:
		if event.Handle != nil {
			s.Store.SetSelf(event.Handle.Identity)
		}
		s.setBanner(BannerNone)
		// A manual Connect after the retries gave up needs the same resync
		// as an automatic reconnect whenever there is state to restore.
		if event.Kind == EventReconnected || len(s.Rooms.Rooms()) > 0 || s.Store.Tracked() {
			s.resync(ctx)
		}
	case EventDisconnected:
		s.Presence.Reset()
		s.Rooms.Reset()
		if event.Reason != "client" {
			s.setBanner(BannerReconnecting)
		}
	case EventReconnecting:
		s.setBanner(BannerReconnecting)
	case EventReconnectFailed:
		s.setBanner(BannerReconnectFailed)
	case EventAuthFailed:
		s.setBanner(BannerAuthFailed)
	case EventMessage:
		if event.Message != nil {
			if err := s.dispatch(*event.Message); err != nil {
				log.Printf("Ignoring %s frame: %v", event.Message.Type, err)
			}
		}
	}
}

// resync rejoins rooms and reloads what may have been missed while offline.
func (s *Session) resync(ctx context.Context) {
	if err := s.Rooms.Rejoin(ctx); err != nil {
		log.Printf("Failed to rejoin rooms: %v", err)
	}

	go func() {
		if _, err := s.Store.LoadChats(ctx); err != nil && !errors.Is(err, ErrStaleResponse) {
			log.Printf("Failed to refresh chats: %v", err)
		}
		if active := s.Store.Active(); active != 0 {
			if _, err := s.Store.LoadPage(ctx, active, 1); err != nil && !errors.Is(err, ErrStaleResponse) {
				log.Printf("Failed to reload chat %d: %v", active, err)
			}
			s.notify(Update{Kind: UpdateMessage, ConversationID: active})
		}
	}()
}

func (s *Session) dispatch(msg domain.WebSocketMessage) error {
	switch msg.Type {
	case domain.EventOnlineUsersList:
		var online []domain.Identity
		if err := msg.ParseData(&online); err != nil {
			return &ProtocolError{Type: msg.Type, Reason: "bad payload", Err: err}
		}
		s.Presence.Snapshot(online)
		s.notify(Update{Kind: UpdatePresence})

	case domain.EventUserOnline:
		var identity domain.Identity
		if err := msg.ParseData(&identity); err != nil {
			return &ProtocolError{Type: msg.Type, Reason: "bad payload", Err: err}
		}
		if s.Presence.Joined(identity) {
			s.notify(Update{Kind: UpdatePresence, Identity: identity})
		}

	case domain.EventUserOffline:
		var identity domain.Identity
		if err := msg.ParseData(&identity); err != nil {
			return &ProtocolError{Type: msg.Type, Reason: "bad payload", Err: err}
		}
		s.Rooms.ClearPeer(0, identity)
		if s.Presence.Left(identity) {
			s.notify(Update{Kind: UpdatePresence, Identity: identity})
		}

	case domain.EventMessageReceived:
		var message domain.Message
		if err := msg.ParseData(&message); err != nil {
			return &ProtocolError{Type: msg.Type, Reason: "bad payload", Err: err}
		}
		s.Rooms.ClearPeer(message.ConversationID, message.Sender)
		if s.Store.Append(message) {
			s.notify(Update{Kind: UpdateMessage, ConversationID: message.ConversationID, Message: &message})
		}

	case domain.EventMessagesRead:
		var payload domain.MessagesReadPayload
		if err := msg.ParseData(&payload); err != nil {
			return &ProtocolError{Type: msg.Type, Reason: "bad payload", Err: err}
		}
		s.Store.ApplyRead(payload)
		s.notify(Update{Kind: UpdateRead, ConversationID: payload.ConversationID, Identity: payload.ReadBy})

	case domain.EventChatCleared, domain.EventChatClearedForUser:
		var ref domain.ChatRef
		if err := msg.ParseData(&ref); err != nil {
			return &ProtocolError{Type: msg.Type, Reason: "bad payload", Err: err}
		}
		s.Store.Clear(ref.ConversationID)
		s.notify(Update{Kind: UpdateCleared, ConversationID: ref.ConversationID})

	case domain.EventTypingIndicator:
		var payload domain.TypingIndicatorPayload
		if err := msg.ParseData(&payload); err != nil {
			return &ProtocolError{Type: msg.Type, Reason: "bad payload", Err: err}
		}
		s.Rooms.ApplyIndicator(payload)
		s.notify(Update{Kind: UpdateTyping, ConversationID: payload.ConversationID, Identity: payload.Identity})

	case domain.EventUserLeftChat:
		var payload domain.RoomMembershipPayload
		if err := msg.ParseData(&payload); err != nil {
			return &ProtocolError{Type: msg.Type, Reason: "bad payload", Err: err}
		}
		s.Rooms.ClearPeer(payload.ConversationID, payload.Identity)

	case domain.EventChatJoined, domain.EventUserJoinedChat, domain.EventPong, domain.EventConnectionEstablished:

	case domain.EventError:
		var payload domain.ErrorPayload
		if err := msg.ParseData(&payload); err != nil {
			return &ProtocolError{Type: msg.Type, Reason: "bad payload", Err: err}
		}
		log.Printf("Server error (%s): %s", payload.Code, payload.Message)
		s.notify(Update{Kind: UpdateError, Err: errors.New(payload.Message)})

	default:
		return &ProtocolError{Type: msg.Type, Reason: "unknown event type"}
	}
	return nil
}

// Open activates a conversation: joins its room, zeroes its unread counter
// and loads the first page.
func (s *Session) Open(ctx context.Context, chatID int64) ([]domain.Message, error) {
	if err := s.Rooms.JoinRoom(ctx, chatID); err != nil && !errors.Is(err, ErrNotConnected) {
		return nil, err
	}
	if err := s.Store.Open(ctx, chatID); err != nil {
		return nil, err
	}
	return s.Store.LoadPage(ctx, chatID, 1)
}

func (s *Session) CloseChat(ctx context.Context, chatID int64) error {
	s.Store.Close(chatID)
	err := s.Rooms.LeaveRoom(ctx, chatID)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// SendText ends any typing burst before sending.
func (s *Session) SendText(ctx context.Context, chatID int64, text string) error {
	if err := s.Rooms.StopTyping(ctx, chatID); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Printf("Failed to stop typing: %v", err)
	}
	return s.Store.Send(ctx, chatID, text)
}

func (s *Session) SendImage(ctx context.Context, chatID int64, fileName string, content io.Reader) error {
	if err := s.Rooms.StopTyping(ctx, chatID); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Printf("Failed to stop typing: %v", err)
	}
	return s.Store.SendImage(ctx, chatID, fileName, content)
}

func (s *Session) setBanner(banner Banner) {
	s.mu.Lock()
	changed := s.banner != banner
	s.banner = banner
	s.mu.Unlock()

	if changed {
		s.notify(Update{Kind: UpdateConnection, Banner: banner})
	}
}

func (s *Session) notify(update Update) {
	select {
	case s.updates <- update:
	default:
	}
}
