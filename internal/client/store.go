package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"tutorchat-ws/internal/domain"
)

type LoadState int

const (
	Unloaded LoadState = iota
	Loading
	Loaded
	LoadingMore
)

func (s LoadState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case LoadingMore:
		return "loading_more"
	default:
		return "unknown"
	}
}

// HistoryAPI is the request/response side the store pages from.
type HistoryAPI interface {
	ListChats(ctx context.Context) ([]domain.ChatView, error)
	FetchPage(ctx context.Context, chatID int64, page, limit int) (*domain.MessagesPage, error)
}

type Uploader interface {
	Upload(ctx context.Context, fileName string, content io.Reader) (*domain.UploadResponse, error)
}

type conversation struct {
	id       int64
	peer     domain.Identity
	state    LoadState
	messages []domain.Message
	seen     map[int64]struct{}
	page     int
	hasMore  bool
	summary  *domain.MessageSummary
	unread   int
	updated  time.Time
	loadSeq  uint64
}

// Store holds the per-conversation message logs. Logs only grow from
// server-acknowledged messages and stay in server order (created_at, id).
type Store struct {
	self     domain.Identity
	api      HistoryAPI
	uploader Uploader
	sender   Sender
	pageSize int

	mu      sync.Mutex
	convs   map[int64]*conversation
	active  int64
	listSeq uint64
}

func NewStore(self domain.Identity, api HistoryAPI, uploader Uploader, sender Sender, pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Store{
		self:     self,
		api:      api,
		uploader: uploader,
		sender:   sender,
		pageSize: pageSize,
		convs:    make(map[int64]*conversation),
	}
}

// SetSelf updates the local identity once the handshake reports it.
func (s *Store) SetSelf(identity domain.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = identity
}

func (s *Store) ensure(chatID int64) *conversation {
	conv, ok := s.convs[chatID]
	if !ok {
		conv = &conversation{id: chatID, seen: make(map[int64]struct{})}
		s.convs[chatID] = conv
	}
	return conv
}

// LoadChats refreshes summaries and unread counters from the server.
func (s *Store) LoadChats(ctx context.Context) ([]domain.ChatView, error) {
	s.mu.Lock()
	s.listSeq++
	seq := s.listSeq
	s.mu.Unlock()

	views, err := s.api.ListChats(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil || seq != s.listSeq {
		return nil, ErrStaleResponse
	}

	for _, view := range views {
		conv := s.ensure(view.ID)
		conv.peer = view.Peer
		conv.summary = view.LastMessage
		conv.updated = view.UpdatedAt
		conv.unread = view.Unread
		if s.active == view.ID {
			conv.unread = 0
		}
	}
	return s.chatsLocked(), nil
}

// LoadPage fetches page n of a conversation's history. Page 1 restarts the
// conversation; later pages prepend older messages. A response that arrives
// after cancellation or a newer load is dropped and the prior state kept.
func (s *Store) LoadPage(ctx context.Context, chatID int64, page int) ([]domain.Message, error) {
	if page < 1 {
		return nil, fmt.Errorf("invalid page %d", page)
	}

	s.mu.Lock()
	conv := s.ensure(chatID)
	prev := conv.state
	switch {
	case page == 1:
		conv.state = Loading
	case prev == Loaded:
		conv.state = LoadingMore
	case prev == Loading || prev == LoadingMore:
		s.mu.Unlock()
		return nil, ErrLoadInProgress
	default:
		s.mu.Unlock()
		return nil, ErrNotLoaded
	}
	conv.loadSeq++
	seq := conv.loadSeq
	s.mu.Unlock()

	result, err := s.api.FetchPage(ctx, chatID, page, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq != conv.loadSeq {
		log.Printf("Dropping page %d of chat %d: superseded", page, chatID)
		return nil, ErrStaleResponse
	}
	if ctx.Err() != nil {
		conv.state = conv.fallback()
		log.Printf("Dropping page %d of chat %d: %v", page, chatID, ctx.Err())
		return nil, ErrStaleResponse
	}
	if err != nil {
		conv.state = conv.fallback()
		return nil, err
	}

	// Server pages are newest first.
	fetched := make([]domain.Message, 0, len(result.Messages))
	for i := len(result.Messages) - 1; i >= 0; i-- {
		fetched = append(fetched, result.Messages[i])
	}

	if page == 1 {
		conv.restart(fetched)
	} else {
		conv.prepend(fetched)
	}
	conv.page = page
	conv.hasMore = result.Pagination.Page < result.Pagination.TotalPages
	conv.state = Loaded
	if n := len(conv.messages); n > 0 {
		last := conv.messages[n-1]
		conv.summary = last.Summary()
	}

	return cloneMessages(conv.messages), nil
}

// LoadMore fetches the page after the last one loaded.
func (s *Store) LoadMore(ctx context.Context, chatID int64) ([]domain.Message, error) {
	s.mu.Lock()
	next := 1
	if conv, ok := s.convs[chatID]; ok && conv.page > 0 {
		next = conv.page + 1
	}
	s.mu.Unlock()

	return s.LoadPage(ctx, chatID, next)
}

// restart replaces the log with page 1, keeping live messages that arrived
// after the newest fetched one.
func (c *conversation) restart(fetched []domain.Message) {
	var newest int64
	if len(fetched) > 0 {
		newest = fetched[len(fetched)-1].ID
	}

	inPage := make(map[int64]struct{}, len(fetched))
	for _, msg := range fetched {
		inPage[msg.ID] = struct{}{}
	}

	messages := append([]domain.Message(nil), fetched...)
	for _, msg := range c.messages {
		if _, ok := inPage[msg.ID]; ok {
			continue
		}
		if msg.ID > newest {
			messages = append(messages, msg)
		}
	}

	c.messages = messages
	c.seen = make(map[int64]struct{}, len(messages))
	for _, msg := range messages {
		c.seen[msg.ID] = struct{}{}
	}
}

func (c *conversation) prepend(fetched []domain.Message) {
	older := make([]domain.Message, 0, len(fetched))
	for _, msg := range fetched {
		if _, ok := c.seen[msg.ID]; ok {
			continue
		}
		c.seen[msg.ID] = struct{}{}
		older = append(older, msg)
	}
	c.messages = append(older, c.messages...)
}

// Append inserts a server-acknowledged message at its server position,
// which is the tail unless frames arrived out of order. It reports false
// when the id is already present.
func (s *Store) Append(msg domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.ensure(msg.ConversationID)
	if _, ok := conv.seen[msg.ID]; ok {
		return false
	}
	conv.seen[msg.ID] = struct{}{}

	i := sort.Search(len(conv.messages), func(i int) bool { return serverBefore(msg, conv.messages[i]) })
	conv.messages = append(conv.messages, domain.Message{})
	copy(conv.messages[i+1:], conv.messages[i:])
	conv.messages[i] = msg

	last := conv.messages[len(conv.messages)-1]
	conv.summary = last.Summary()
	conv.updated = last.CreatedAt

	if !msg.Sender.Same(s.self) && s.active != msg.ConversationID {
		conv.unread++
	}
	return true
}

// Open makes the conversation active and zeroes its unread counter.
func (s *Store) Open(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	s.active = chatID
	s.ensure(chatID).unread = 0
	s.mu.Unlock()

	err := s.sender.Send(ctx, domain.EventMarkRead, domain.ChatRef{ConversationID: chatID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (s *Store) Close(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == chatID {
		s.active = 0
	}
}

func (s *Store) Active() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// MarkRead zeroes the local counter and tells the server.
func (s *Store) MarkRead(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	s.ensure(chatID).unread = 0
	s.mu.Unlock()

	return s.sender.Send(ctx, domain.EventMarkRead, domain.ChatRef{ConversationID: chatID})
}

// ApplyRead records a messages_read receipt.
func (s *Store) ApplyRead(payload domain.MessagesReadPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.ensure(payload.ConversationID)
	for i := range conv.messages {
		msg := &conv.messages[i]
		if msg.CreatedAt.After(payload.ReadAt) {
			continue
		}
		msg.MarkReadBy(payload.ReadBy, payload.ReadAt)
	}
	if payload.ReadBy.Same(s.self) {
		conv.unread = 0
	}
}

// Clear empties a conversation and drops any load in flight for it.
func (s *Store) Clear(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.ensure(chatID)
	conv.messages = nil
	conv.seen = make(map[int64]struct{})
	conv.summary = nil
	conv.unread = 0
	conv.hasMore = false
	conv.loadSeq++
	if conv.state != Unloaded {
		conv.state = Loaded
		conv.page = 1
	}
}

// Send transmits a text message. Nothing is inserted locally; the message
// appears when the server echoes it back.
func (s *Store) Send(ctx context.Context, chatID int64, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if !s.sender.IsConnected() {
		return ErrNotConnected
	}

	return s.sender.Send(ctx, domain.EventSendMessage, domain.SendMessagePayload{
		ConversationID: chatID,
		Content:        content,
		Kind:           domain.MessageText,
	})
}

// SendImage uploads first and only sends when the upload succeeded.
func (s *Store) SendImage(ctx context.Context, chatID int64, fileName string, content io.Reader) error {
	if !s.sender.IsConnected() {
		return ErrNotConnected
	}
	if s.uploader == nil {
		return &UploadError{FileName: fileName, Err: errors.New("uploads are not configured")}
	}

	uploaded, err := s.uploader.Upload(ctx, fileName, content)
	if err != nil {
		return &UploadError{FileName: fileName, Err: err}
	}

	return s.sender.Send(ctx, domain.EventSendMessage, domain.SendMessagePayload{
		ConversationID: chatID,
		Content:        uploaded.URL,
		Kind:           domain.MessageImage,
		FileURL:        uploaded.URL,
		FileName:       uploaded.FileName,
	})
}

// Tracked reports whether any conversation is known locally.
func (s *Store) Tracked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs) > 0
}

func (s *Store) Messages(chatID int64) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[chatID]
	if !ok {
		return nil
	}
	return cloneMessages(conv.messages)
}

func (s *Store) State(chatID int64) LoadState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.convs[chatID]; ok {
		return conv.state
	}
	return Unloaded
}

func (s *Store) HasMore(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.convs[chatID]; ok {
		return conv.hasMore
	}
	return false
}

func (s *Store) Summary(chatID int64) *domain.MessageSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.convs[chatID]; ok {
		return conv.summary
	}
	return nil
}

func (s *Store) Unread(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.convs[chatID]; ok {
		return conv.unread
	}
	return 0
}

// Badge is the sum of unread counters across conversations.
func (s *Store) Badge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, conv := range s.convs {
		total += conv.unread
	}
	return total
}

// Chats lists known conversations, most recently updated first.
func (s *Store) Chats() []domain.ChatView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatsLocked()
}

func (s *Store) chatsLocked() []domain.ChatView {
	views := make([]domain.ChatView, 0, len(s.convs))
	for _, conv := range s.convs {
		views = append(views, domain.ChatView{
			ID:          conv.id,
			Peer:        conv.peer,
			LastMessage: conv.summary,
			Unread:      conv.unread,
			UpdatedAt:   conv.updated,
		})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].UpdatedAt.Equal(views[j].UpdatedAt) {
			return views[i].ID > views[j].ID
		}
		return views[i].UpdatedAt.After(views[j].UpdatedAt)
	})
	return views
}

// fallback is the state a failed or cancelled load returns to: Loaded once
// any page has been applied, whatever loads overlapped since.
func (c *conversation) fallback() LoadState {
	if c.page > 0 {
		return Loaded
	}
	return Unloaded
}

// serverBefore orders messages the way history pages do.
func serverBefore(a, b domain.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func cloneMessages(messages []domain.Message) []domain.Message {
	out := make([]domain.Message, len(messages))
	copy(out, messages)
	for i := range out {
		out[i].ReadBy = append([]domain.ReadMarker(nil), out[i].ReadBy...)
	}
	return out
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func sortIdentities(identities []domain.Identity) {
	sort.Slice(identities, func(i, j int) bool { return identities[i].Key() < identities[j].Key() })
}
