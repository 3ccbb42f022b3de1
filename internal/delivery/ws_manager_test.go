package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"tutorchat-ws/internal/domain"
	"tutorchat-ws/internal/service"

	"github.com/jackc/pgx/v5"
)

type fakeWriter struct {
	mu     sync.Mutex
	frames []domain.WebSocketMessage
	closed bool
	raw    [][]byte
}

func (f *fakeWriter) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg domain.WebSocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
	return nil
}

func (f *fakeWriter) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = append(f.raw, data)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWriter) ofType(eventType domain.EventType) []domain.WebSocketMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.WebSocketMessage
	for _, frame := range f.frames {
		if frame.Type == eventType {
			out = append(out, frame)
		}
	}
	return out
}

func (f *fakeWriter) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

type stubChatService struct {
	chat       *domain.Chat
	chatErr    error
	sendErr    error
	nextID     int64
	readAt     time.Time
	cleared    bool
	lastActor  domain.Identity
	lastPage   int
	lastLimit  int
	messages   []domain.Message
	total      int
	created    bool
	createErr  error
	listResult []domain.ChatView
}

func (s *stubChatService) ListChats(_ context.Context, actor domain.Identity) ([]domain.ChatView, error) {
	s.lastActor = actor
	return s.listResult, nil
}

func (s *stubChatService) CreateOrGetChat(_ context.Context, actor domain.Identity, _ domain.CreateChatRequest) (*domain.Chat, bool, error) {
	s.lastActor = actor
	if s.createErr != nil {
		return nil, false, s.createErr
	}
	return s.chat, s.created, nil
}

func (s *stubChatService) ChatForParticipant(_ context.Context, actor domain.Identity, chatID int64) (*domain.Chat, error) {
	s.lastActor = actor
	if s.chatErr != nil {
		return nil, s.chatErr
	}
	if s.chat == nil || s.chat.ID != chatID || !s.chat.HasParticipant(actor) {
		return nil, pgx.ErrNoRows
	}
	return s.chat, nil
}

func (s *stubChatService) ListMessages(_ context.Context, actor domain.Identity, _ int64, page int, limit int) ([]domain.Message, int, error) {
	s.lastActor = actor
	s.lastPage = page
	s.lastLimit = limit
	if s.chatErr != nil {
		return nil, 0, s.chatErr
	}
	return s.messages, s.total, nil
}

func (s *stubChatService) SendMessage(ctx context.Context, actor domain.Identity, payload domain.SendMessagePayload, recipientPresent func(*domain.Chat, domain.Identity) bool) (*service.ChatDelivery, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	chat, err := s.ChatForParticipant(ctx, actor, payload.ConversationID)
	if err != nil {
		return nil, service.ErrForbidden
	}

	s.nextID++
	recipient := chat.Peer(actor)
	message := &domain.Message{
		ID:             s.nextID,
		ConversationID: chat.ID,
		Sender:         actor,
		Content:        payload.Content,
		Kind:           domain.MessageText,
		ReadBy:         []domain.ReadMarker{},
		CreatedAt:      time.Now().UTC(),
	}
	delivery := &service.ChatDelivery{Chat: chat, Message: message, Recipient: recipient}
	if recipientPresent != nil && recipientPresent(chat, recipient) {
		at := message.CreatedAt
		message.MarkReadBy(recipient, at)
		delivery.ReadAt = &at
	}
	return delivery, nil
}

func (s *stubChatService) MarkRead(ctx context.Context, actor domain.Identity, chatID int64) (*domain.Chat, time.Time, error) {
	chat, err := s.ChatForParticipant(ctx, actor, chatID)
	if err != nil {
		return nil, time.Time{}, err
	}
	return chat, s.readAt, nil
}

func (s *stubChatService) ClearChat(ctx context.Context, actor domain.Identity, chatID int64) (*domain.Chat, error) {
	chat, err := s.ChatForParticipant(ctx, actor, chatID)
	if err != nil {
		return nil, err
	}
	s.cleared = true
	return chat, nil
}

func (s *stubChatService) DisplayName(_ context.Context, identity domain.Identity) (string, error) {
	return "name-" + identity.Key(), nil
}

var (
	testUser  = domain.Identity{Kind: domain.KindUser, ID: 1}
	testTutor = domain.Identity{Kind: domain.KindTutor, ID: 2}
)

func newTestManager() (*WSManager, *stubChatService) {
	chatService := &stubChatService{
		chat:   &domain.Chat{ID: 7, UserID: testUser.ID, TutorID: testTutor.ID},
		readAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	return NewWSManager(chatService, NewMemoryStore(), "test-instance", 5*time.Second), chatService
}

func incoming(t *testing.T, eventType domain.EventType, data interface{}) *domain.WebSocketMessage {
	t.Helper()
	msg, err := domain.NewWebSocketMessage(eventType, data)
	if err != nil {
		t.Fatalf("NewWebSocketMessage: %v", err)
	}
	return msg
}

func TestRegisterSendsEstablishedThenSnapshot(t *testing.T) {
	manager, _ := newTestManager()
	writer := &fakeWriter{}
	manager.register(context.Background(), writer, testUser)

	if len(writer.frames) < 2 {
		t.Fatalf("expected at least two frames, got %d", len(writer.frames))
	}
	if writer.frames[0].Type != domain.EventConnectionEstablished || writer.frames[1].Type != domain.EventOnlineUsersList {
		t.Fatalf("unexpected frame order: %s, %s", writer.frames[0].Type, writer.frames[1].Type)
	}

	var online []domain.Identity
	if err := writer.frames[1].ParseData(&online); err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	if len(online) != 1 || !online[0].Same(testUser) || online[0].Name != "name-user:1" {
		t.Fatalf("unexpected snapshot: %+v", online)
	}
}

func TestPresenceFiresOnlyOnFirstAndLastConnection(t *testing.T) {
	manager, _ := newTestManager()
	ctx := context.Background()

	observer := &fakeWriter{}
	manager.register(ctx, observer, testTutor)
	observer.reset()

	first := manager.register(ctx, &fakeWriter{}, testUser)
	second := manager.register(ctx, &fakeWriter{}, testUser)

	if got := len(observer.ofType(domain.EventUserOnline)); got != 1 {
		t.Fatalf("expected one user_online for two tabs, got %d", got)
	}

	manager.unregister(ctx, first)
	if got := len(observer.ofType(domain.EventUserOffline)); got != 0 {
		t.Fatalf("expected no user_offline while a tab remains, got %d", got)
	}

	manager.unregister(ctx, second)
	offline := observer.ofType(domain.EventUserOffline)
	if len(offline) != 1 {
		t.Fatalf("expected one user_offline, got %d", len(offline))
	}
	var who domain.Identity
	if err := offline[0].ParseData(&who); err != nil || !who.Same(testUser) {
		t.Fatalf("unexpected offline identity %+v (%v)", who, err)
	}
}

func TestJoinChatAcksCallerAndNotifiesRoom(t *testing.T) {
	manager, _ := newTestManager()
	ctx := context.Background()

	tutorWriter := &fakeWriter{}
	tutorConn := manager.register(ctx, tutorWriter, testTutor)
	manager.handleIncomingMessage(ctx, tutorConn, incoming(t, domain.EventJoinChat, domain.ChatRef{ConversationID: 7}))

	userWriter := &fakeWriter{}
	userConn := manager.register(ctx, userWriter, testUser)
	manager.handleIncomingMessage(ctx, userConn, incoming(t, domain.EventJoinChat, domain.ChatRef{ConversationID: 7}))

	if got := len(userWriter.ofType(domain.EventChatJoined)); got != 1 {
		t.Fatalf("expected chat_joined for caller, got %d", got)
	}
	if got := len(userWriter.ofType(domain.EventUserJoinedChat)); got != 0 {
		t.Fatalf("caller should not see its own user_joined_chat, got %d", got)
	}
	if got := len(tutorWriter.ofType(domain.EventUserJoinedChat)); got != 1 {
		t.Fatalf("expected user_joined_chat for room member, got %d", got)
	}
}

func TestJoinChatRejectsNonParticipant(t *testing.T) {
	manager, _ := newTestManager()
	ctx := context.Background()

	writer := &fakeWriter{}
	conn := manager.register(ctx, writer, domain.Identity{Kind: domain.KindUser, ID: 99})
	manager.handleIncomingMessage(ctx, conn, incoming(t, domain.EventJoinChat, domain.ChatRef{ConversationID: 7}))

	errs := writer.ofType(domain.EventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error frame, got %d", len(errs))
	}
	var payload domain.ErrorPayload
	if err := errs[0].ParseData(&payload); err != nil || payload.Code != "not_found" {
		t.Fatalf("unexpected error payload %+v (%v)", payload, err)
	}
	if manager.connectionInRoom(conn, 7) {
		t.Fatalf("non participant must not be joined")
	}
}

func TestSendMessageMarksReadWhenRecipientInRoom(t *testing.T) {
	manager, _ := newTestManager()
	ctx := context.Background()

	tutorWriter := &fakeWriter{}
	tutorConn := manager.register(ctx, tutorWriter, testTutor)
	manager.handleIncomingMessage(ctx, tutorConn, incoming(t, domain.EventJoinChat, domain.ChatRef{ConversationID: 7}))

	userWriter := &fakeWriter{}
	userConn := manager.register(ctx, userWriter, testUser)
	manager.handleIncomingMessage(ctx, userConn, incoming(t, domain.EventSendMessage, domain.SendMessagePayload{ConversationID: 7, Content: "hello"}))

	for name, writer := range map[string]*fakeWriter{"user": userWriter, "tutor": tutorWriter} {
		if got := len(writer.ofType(domain.EventMessageReceived)); got != 1 {
			t.Fatalf("%s: expected one message_received, got %d", name, got)
		}
		reads := writer.ofType(domain.EventMessagesRead)
		if len(reads) != 1 {
			t.Fatalf("%s: expected one messages_read, got %d", name, len(reads))
		}
		var payload domain.MessagesReadPayload
		if err := reads[0].ParseData(&payload); err != nil || !payload.ReadBy.Same(testTutor) {
			t.Fatalf("%s: unexpected read payload %+v (%v)", name, payload, err)
		}
	}
}

func TestSendMessageReachesRecipientOutsideRoom(t *testing.T) {
	manager, _ := newTestManager()
	ctx := context.Background()

	tutorWriter := &fakeWriter{}
	manager.register(ctx, tutorWriter, testTutor)

	userConn := manager.register(ctx, &fakeWriter{}, testUser)
	manager.handleIncomingMessage(ctx, userConn, incoming(t, domain.EventSendMessage, domain.SendMessagePayload{ConversationID: 7, Content: "hello"}))

	received := tutorWriter.ofType(domain.EventMessageReceived)
	if len(received) != 1 {
		t.Fatalf("expected message_received outside the room, got %d", len(received))
	}
	var message domain.Message
	if err := received[0].ParseData(&message); err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	if message.Content != "hello" || message.IsReadBy(testTutor) {
		t.Fatalf("unexpected message %+v", message)
	}
	if got := len(tutorWriter.ofType(domain.EventMessagesRead)); got != 0 {
		t.Fatalf("expected no read receipt, got %d", got)
	}
}

func TestSendMessageErrorStaysOnConnection(t *testing.T) {
	manager, chatService := newTestManager()
	chatService.sendErr = service.ErrInvalidInput
	ctx := context.Background()

	writer := &fakeWriter{}
	conn := manager.register(ctx, writer, testUser)
	manager.handleIncomingMessage(ctx, conn, incoming(t, domain.EventSendMessage, domain.SendMessagePayload{ConversationID: 7}))

	errs := writer.ofType(domain.EventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error frame, got %d", len(errs))
	}
	if writer.closed {
		t.Fatalf("connection must stay open after a rejected message")
	}
}

func TestTypingRequiresRoomAndClearsOnDisconnect(t *testing.T) {
	manager, _ := newTestManager()
	ctx := context.Background()

	userWriter := &fakeWriter{}
	userConn := manager.register(ctx, userWriter, testUser)
	manager.handleIncomingMessage(ctx, userConn, incoming(t, domain.EventTypingStart, domain.ChatRef{ConversationID: 7}))
	if got := len(userWriter.ofType(domain.EventError)); got != 1 {
		t.Fatalf("expected not_in_room error, got %d errors", got)
	}

	tutorWriter := &fakeWriter{}
	tutorConn := manager.register(ctx, tutorWriter, testTutor)
	manager.handleIncomingMessage(ctx, tutorConn, incoming(t, domain.EventJoinChat, domain.ChatRef{ConversationID: 7}))
	manager.handleIncomingMessage(ctx, userConn, incoming(t, domain.EventJoinChat, domain.ChatRef{ConversationID: 7}))
	manager.handleIncomingMessage(ctx, userConn, incoming(t, domain.EventTypingStart, domain.ChatRef{ConversationID: 7}))

	if got := len(userWriter.ofType(domain.EventTypingIndicator)); got != 0 {
		t.Fatalf("typer should not see its own indicator, got %d", got)
	}
	indicators := tutorWriter.ofType(domain.EventTypingIndicator)
	if len(indicators) != 1 {
		t.Fatalf("expected one typing indicator, got %d", len(indicators))
	}

	manager.unregister(ctx, userConn)

	indicators = tutorWriter.ofType(domain.EventTypingIndicator)
	if len(indicators) != 2 {
		t.Fatalf("expected typing stop on disconnect, got %d indicators", len(indicators))
	}
	var last domain.TypingIndicatorPayload
	if err := indicators[1].ParseData(&last); err != nil || last.IsTyping || !last.Identity.Same(testUser) {
		t.Fatalf("unexpected final indicator %+v (%v)", last, err)
	}
	if got := len(tutorWriter.ofType(domain.EventUserLeftChat)); got != 1 {
		t.Fatalf("expected user_left_chat on disconnect, got %d", got)
	}

	typing, _ := manager.presence.TypingMembers(ctx, 7)
	if len(typing) != 0 {
		t.Fatalf("expected no typing entries after disconnect, got %v", typing)
	}
}

func TestJoinChatReplaysActiveTyping(t *testing.T) {
	manager, _ := newTestManager()
	ctx := context.Background()

	userConn := manager.register(ctx, &fakeWriter{}, testUser)
	manager.handleIncomingMessage(ctx, userConn, incoming(t, domain.EventJoinChat, domain.ChatRef{ConversationID: 7}))
	manager.handleIncomingMessage(ctx, userConn, incoming(t, domain.EventTypingStart, domain.ChatRef{ConversationID: 7}))

	tutorWriter := &fakeWriter{}
	tutorConn := manager.register(ctx, tutorWriter, testTutor)
	manager.handleIncomingMessage(ctx, tutorConn, incoming(t, domain.EventJoinChat, domain.ChatRef{ConversationID: 7}))

	indicators := tutorWriter.ofType(domain.EventTypingIndicator)
	if len(indicators) != 1 {
		t.Fatalf("expected replayed typing indicator, got %d", len(indicators))
	}
}

func TestMarkReadPublishesToBothParticipants(t *testing.T) {
	manager, _ := newTestManager()
	ctx := context.Background()

	userWriter := &fakeWriter{}
	tutorWriter := &fakeWriter{}
	manager.register(ctx, userWriter, testUser)
	tutorConn := manager.register(ctx, tutorWriter, testTutor)

	manager.handleIncomingMessage(ctx, tutorConn, incoming(t, domain.EventMarkRead, domain.ChatRef{ConversationID: 7}))

	if len(userWriter.ofType(domain.EventMessagesRead)) != 1 || len(tutorWriter.ofType(domain.EventMessagesRead)) != 1 {
		t.Fatalf("expected messages_read on both sides")
	}
}

func TestPublishClearedSplitsPeerAndSelf(t *testing.T) {
	manager, chatService := newTestManager()
	ctx := context.Background()

	userWriter := &fakeWriter{}
	tutorWriter := &fakeWriter{}
	manager.register(ctx, userWriter, testUser)
	manager.register(ctx, tutorWriter, testTutor)

	manager.PublishCleared(ctx, chatService.chat, testUser)

	if len(tutorWriter.ofType(domain.EventChatCleared)) != 1 || len(tutorWriter.ofType(domain.EventChatClearedForUser)) != 0 {
		t.Fatalf("peer should get chat_cleared only")
	}
	if len(userWriter.ofType(domain.EventChatClearedForUser)) != 1 || len(userWriter.ofType(domain.EventChatCleared)) != 0 {
		t.Fatalf("actor should get chat_cleared_for_user only")
	}
}

func TestUnknownEventKeepsConnection(t *testing.T) {
	manager, _ := newTestManager()
	ctx := context.Background()

	writer := &fakeWriter{}
	conn := manager.register(ctx, writer, testUser)
	manager.handleIncomingMessage(ctx, conn, &domain.WebSocketMessage{Type: "dance"})
	manager.handleIncomingMessage(ctx, conn, incoming(t, domain.EventPing, nil))

	if got := len(writer.ofType(domain.EventError)); got != 1 {
		t.Fatalf("expected one error frame, got %d", got)
	}
	if got := len(writer.ofType(domain.EventPong)); got != 1 {
		t.Fatalf("expected pong after unknown event, got %d", got)
	}
}

type recordingBus struct {
	events []domain.FanoutEvent
}

func (b *recordingBus) Publish(_ context.Context, event domain.FanoutEvent) error {
	b.events = append(b.events, event)
	return nil
}

func TestPublishGoesThroughBusWhenConfigured(t *testing.T) {
	manager, _ := newTestManager()
	bus := &recordingBus{}
	manager.SetEventBus(bus)
	ctx := context.Background()

	observer := &fakeWriter{}
	manager.register(ctx, observer, testTutor)
	manager.register(ctx, &fakeWriter{}, testUser)

	if got := len(observer.ofType(domain.EventUserOnline)); got != 0 {
		t.Fatalf("bus events must not be delivered locally before consumption, got %d", got)
	}
	if len(bus.events) != 2 || bus.events[1].Message.Type != domain.EventUserOnline {
		t.Fatalf("unexpected bus events: %+v", bus.events)
	}

	manager.Deliver(bus.events[1])
	if got := len(observer.ofType(domain.EventUserOnline)); got != 1 {
		t.Fatalf("expected delivery once consumed, got %d", got)
	}
}

func TestCloseConnectionSendsCloseFrame(t *testing.T) {
	manager, _ := newTestManager()
	writer := &fakeWriter{}
	conn := manager.register(context.Background(), writer, testUser)

	manager.closeConnection(conn, domain.CloseSessionExpired, "session_expired")

	if !writer.closed || len(writer.raw) != 1 {
		t.Fatalf("expected close frame and closed connection")
	}
	code := int(writer.raw[0][0])<<8 | int(writer.raw[0][1])
	if code != domain.CloseSessionExpired {
		t.Fatalf("expected close code %d, got %d", domain.CloseSessionExpired, code)
	}
}

func TestMemoryStoreRefcountAndTypingExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	store.Acquire(ctx, "set", "a")
	store.Acquire(ctx, "set", "a")
	if count, _ := store.Release(ctx, "set", "a"); count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
	if count, _ := store.Release(ctx, "set", "a"); count != 0 {
		t.Fatalf("expected count 0, got %d", count)
	}
	if count, _ := store.Release(ctx, "set", "a"); count != 0 {
		t.Fatalf("release of absent member must stay at 0, got %d", count)
	}
	if members, _ := store.Members(ctx, "set"); len(members) != 0 {
		t.Fatalf("expected empty set, got %v", members)
	}

	store.SetTyping(ctx, 7, "user:1", time.Second)
	if members, _ := store.TypingMembers(ctx, 7); len(members) != 1 {
		t.Fatalf("expected one typing member, got %v", members)
	}
	now = now.Add(2 * time.Second)
	if members, _ := store.TypingMembers(ctx, 7); len(members) != 0 {
		t.Fatalf("expected typing entry to expire, got %v", members)
	}
}

// gatedStore holds the next Acquire or Members call on the presence set
// until the test opens the gate. Members reads before blocking.
type gatedStore struct {
	*MemoryStore

	mu      sync.Mutex
	armed   string
	entered chan struct{}
	gate    chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan struct{}, 1),
		gate:        make(chan struct{}),
	}
}

func (g *gatedStore) arm(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = call
}

func (g *gatedStore) hold(call, set string) {
	g.mu.Lock()
	fire := g.armed == call && set == presenceSet
	if fire {
		g.armed = ""
	}
	g.mu.Unlock()

	if fire {
		g.entered <- struct{}{}
		<-g.gate
	}
}

func (g *gatedStore) Acquire(ctx context.Context, set, member string) (int64, error) {
	g.hold("acquire", set)
	return g.MemoryStore.Acquire(ctx, set, member)
}

func (g *gatedStore) Members(ctx context.Context, set string) (map[string]int64, error) {
	members, err := g.MemoryStore.Members(ctx, set)
	g.hold("members", set)
	return members, err
}

func newGatedManager() (*WSManager, *gatedStore) {
	store := newGatedStore()
	chatService := &stubChatService{chat: &domain.Chat{ID: 7, UserID: testUser.ID, TutorID: testTutor.ID}}
	return NewWSManager(chatService, store, "test-instance", 5*time.Second), store
}

func frameTypes(w *fakeWriter) []domain.EventType {
	w.mu.Lock()
	defer w.mu.Unlock()

	types := make([]domain.EventType, 0, len(w.frames))
	for _, frame := range w.frames {
		types = append(types, frame.Type)
	}
	return types
}

func TestBroadcastDuringRegisterWaitsForPreamble(t *testing.T) {
	manager, store := newGatedManager()
	ctx := context.Background()
	store.arm("acquire")

	writer := &fakeWriter{}
	registered := make(chan struct{})
	go func() {
		manager.register(ctx, writer, testUser)
		close(registered)
	}()
	<-store.entered

	delivered := make(chan struct{})
	go func() {
		manager.Deliver(domain.FanoutEvent{
			Message:   manager.envelope(domain.EventUserOnline, testTutor),
			Broadcast: true,
		})
		close(delivered)
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	<-registered
	<-delivered

	types := frameTypes(writer)
	want := []domain.EventType{domain.EventConnectionEstablished, domain.EventOnlineUsersList, domain.EventUserOnline}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
}

func TestOfflineDuringSnapshotArrivesAfterIt(t *testing.T) {
	manager, store := newGatedManager()
	ctx := context.Background()

	tutorConn := manager.register(ctx, &fakeWriter{}, testTutor)
	store.arm("members")

	writer := &fakeWriter{}
	registered := make(chan struct{})
	go func() {
		manager.register(ctx, writer, testUser)
		close(registered)
	}()
	<-store.entered

	left := make(chan struct{})
	go func() {
		manager.unregister(ctx, tutorConn)
		close(left)
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	<-registered
	<-left

	types := frameTypes(writer)
	if len(types) != 3 || types[1] != domain.EventOnlineUsersList || types[2] != domain.EventUserOffline {
		t.Fatalf("expected snapshot then user_offline, got %v", types)
	}

	var online []domain.Identity
	if err := writer.ofType(domain.EventOnlineUsersList)[0].ParseData(&online); err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	stale := false
	for _, identity := range online {
		stale = stale || identity.Same(testTutor)
	}
	if !stale {
		t.Fatalf("expected the snapshot to predate the tutor leaving, got %+v", online)
	}
}

func TestConcurrentSendersSeeOneOrder(t *testing.T) {
	manager, _ := newTestManager()
	ctx := context.Background()

	userWriter := &fakeWriter{}
	tutorWriter := &fakeWriter{}
	userConn := manager.register(ctx, userWriter, testUser)
	tutorConn := manager.register(ctx, tutorWriter, testTutor)

	var wg sync.WaitGroup
	for _, conn := range []*WSConnection{userConn, tutorConn} {
		wg.Add(1)
		go func(c *WSConnection) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				manager.handleIncomingMessage(ctx, c, incoming(t, domain.EventSendMessage, domain.SendMessagePayload{ConversationID: 7, Content: "hi"}))
			}
		}(conn)
	}
	wg.Wait()

	ids := func(w *fakeWriter) []int64 {
		var out []int64
		for _, frame := range w.ofType(domain.EventMessageReceived) {
			var message domain.Message
			if err := frame.ParseData(&message); err != nil {
				t.Fatalf("ParseData: %v", err)
			}
			out = append(out, message.ID)
		}
		return out
	}

	userIDs, tutorIDs := ids(userWriter), ids(tutorWriter)
	if len(userIDs) != 10 || len(tutorIDs) != 10 {
		t.Fatalf("expected 10 messages each, got %d and %d", len(userIDs), len(tutorIDs))
	}
	for i := range userIDs {
		if userIDs[i] != tutorIDs[i] || userIDs[i] != int64(i+1) {
			t.Fatalf("participants disagree on order: user %v tutor %v", userIDs, tutorIDs)
		}
	}
}

// reapingStore reports members released from a stopped instance.
type reapingStore struct {
	*MemoryStore

	heartbeats []time.Duration
	released   map[string][]string
}

func (r *reapingStore) Heartbeat(_ context.Context, ttl time.Duration) error {
	r.heartbeats = append(r.heartbeats, ttl)
	return nil
}

func (r *reapingStore) ReapDead(context.Context) (map[string][]string, error) {
	released := r.released
	r.released = nil
	return released, nil
}

func TestKeepPresenceAnnouncesReapedUsers(t *testing.T) {
	store := &reapingStore{
		MemoryStore: NewMemoryStore(),
		released: map[string][]string{
			presenceSet: {testTutor.Key()},
			roomSet(7):  {testTutor.Key()},
		},
	}
	manager := NewWSManager(&stubChatService{}, store, "test-instance", 5*time.Second)
	ctx := context.Background()

	observer := &fakeWriter{}
	manager.register(ctx, observer, testUser)
	observer.reset()

	manager.keepPresence(ctx, store, 30*time.Second)

	if len(store.heartbeats) != 1 || store.heartbeats[0] != 30*time.Second {
		t.Fatalf("expected one heartbeat with the ttl, got %v", store.heartbeats)
	}
	offline := observer.ofType(domain.EventUserOffline)
	if len(offline) != 1 {
		t.Fatalf("expected one user_offline, got %d", len(offline))
	}
	var who domain.Identity
	if err := offline[0].ParseData(&who); err != nil || !who.Same(testTutor) {
		t.Fatalf("unexpected offline identity %+v (%v)", who, err)
	}
}
