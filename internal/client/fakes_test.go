package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"tutorchat-ws/internal/domain"
)

var (
	testUser  = domain.Identity{Kind: domain.KindUser, ID: 1}
	testTutor = domain.Identity{Kind: domain.KindTutor, ID: 2}
)

type fakeConn struct {
	frames    chan domain.WebSocketMessage
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []domain.WebSocketMessage
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan domain.WebSocketMessage, 32),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// newEstablishedConn queues the handshake frame a gateway sends first.
func newEstablishedConn(identity domain.Identity, connectionID string) *fakeConn {
	conn := newFakeConn()
	conn.push(domain.EventConnectionEstablished, domain.ConnectionEstablishedPayload{
		Identity:     identity,
		ConnectionID: connectionID,
		Instance:     "test",
	})
	return conn
}

func (c *fakeConn) push(eventType domain.EventType, payload interface{}) {
	msg, err := domain.NewWebSocketMessage(eventType, payload)
	if err != nil {
		panic(err)
	}
	c.frames <- *msg
}

func (c *fakeConn) drop(err error) {
	c.errs <- err
}

func (c *fakeConn) ReadMessage() (domain.WebSocketMessage, error) {
	select {
	case msg := <-c.frames:
		return msg, nil
	case err := <-c.errs:
		return domain.WebSocketMessage{}, err
	case <-c.closed:
		return domain.WebSocketMessage{}, &NetworkError{Op: "read", Err: io.EOF}
	}
}

func (c *fakeConn) WriteMessage(msg domain.WebSocketMessage) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sent() []domain.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()

	types := make([]domain.EventType, 0, len(c.written))
	for _, msg := range c.written {
		types = append(types, msg.Type)
	}
	return types
}

// fakeDialer answers each Dial with the next scripted result.
type fakeDialer struct {
	mu      sync.Mutex
	calls   int
	results []func() (Conn, error)

	// fallback answers once the script runs out.
	fallback func() (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, credential string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	var next func() (Conn, error)
	if len(d.results) > 0 {
		next = d.results[0]
		d.results = d.results[1:]
	} else {
		next = d.fallback
	}
	d.mu.Unlock()

	if next == nil {
		return nil, &NetworkError{Op: "dial", Err: errors.New("connection refused")}
	}
	return next()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func dialConn(conn Conn) func() (Conn, error) {
	return func() (Conn, error) { return conn, nil }
}

func dialErr(err error) func() (Conn, error) {
	return func() (Conn, error) { return nil, err }
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

func newTestManager(dialer Dialer) (*Manager, *sleepRecorder) {
	manager := NewManager(dialer, Options{HandshakeTimeout: time.Second})
	recorder := &sleepRecorder{}
	manager.sleep = recorder.sleep
	return manager, recorder
}

// waitForEvent reads manager events until one of the given kind arrives.
func waitForEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Kind == kind {
				return event
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func eventually(t *testing.T, condition func() bool, message string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", message)
}

type sentFrame struct {
	eventType domain.EventType
	payload   interface{}
}

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	frames    []sentFrame
}

func (s *fakeSender) Send(ctx context.Context, eventType domain.EventType, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return ErrNotConnected
	}
	s.frames = append(s.frames, sentFrame{eventType: eventType, payload: payload})
	return nil
}

func (s *fakeSender) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSender) count(eventType domain.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, frame := range s.frames {
		if frame.eventType == eventType {
			n++
		}
	}
	return n
}

func (s *fakeSender) last() sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

type pageCall struct {
	chatID int64
	page   int
	limit  int
}

// fakeHistory serves pages from a newest-first log. When gate is set each
// FetchPage blocks until the test releases it.
type fakeHistory struct {
	mu      sync.Mutex
	pages   map[int][]domain.Message
	total   int
	chats   []domain.ChatView
	fail    error
	calls   []pageCall
	gate    chan struct{}
	started chan struct{}
}

func (h *fakeHistory) ListChats(ctx context.Context) ([]domain.ChatView, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chats, h.fail
}

func (h *fakeHistory) FetchPage(ctx context.Context, chatID int64, page, limit int) (*domain.MessagesPage, error) {
	h.mu.Lock()
	h.calls = append(h.calls, pageCall{chatID: chatID, page: page, limit: limit})
	gate, started := h.gate, h.started
	h.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		return nil, h.fail
	}

	totalPages := (h.total + limit - 1) / limit
	return &domain.MessagesPage{
		Messages:   h.pages[page],
		Pagination: domain.PaginationMeta{Page: page, Limit: limit, Total: h.total, TotalPages: totalPages},
	}, nil
}

type fakeUploader struct {
	err   error
	calls int
}

func (u *fakeUploader) Upload(ctx context.Context, fileName string, content io.Reader) (*domain.UploadResponse, error) {
	u.calls++
	if u.err != nil {
		return nil, u.err
	}
	return &domain.UploadResponse{URL: "https://cdn.example.com/chat/" + fileName, FileName: fileName}, nil
}

func textMessage(id, chatID int64, sender domain.Identity, content string) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: chatID,
		Sender:         sender,
		Content:        content,
		Kind:           domain.MessageText,
		CreatedAt:      time.Date(2024, 3, 1, 10, 0, int(id), 0, time.UTC),
	}
}
