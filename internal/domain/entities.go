package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type IdentityKind string

const (
	KindUser  IdentityKind = "user"
	KindTutor IdentityKind = "tutor"
)

func (k IdentityKind) Valid() bool {
	return k == KindUser || k == KindTutor
}

// Identity is a chat participant. Name is a display snapshot and takes no
// part in equality or keys.
type Identity struct {
	Kind IdentityKind `json:"kind"`
	ID   int64        `json:"id"`
	Name string       `json:"name,omitempty"`
}

func (i Identity) Key() string {
	return string(i.Kind) + ":" + strconv.FormatInt(i.ID, 10)
}

func (i Identity) Same(other Identity) bool {
	return i.Kind == other.Kind && i.ID == other.ID
}

func (i Identity) String() string {
	return i.Key()
}

// ParseIdentityKey is the inverse of Identity.Key.
func ParseIdentityKey(key string) (Identity, error) {
	kind, rawID, ok := strings.Cut(key, ":")
	if !ok {
		return Identity{}, fmt.Errorf("malformed identity key %q", key)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return Identity{}, fmt.Errorf("malformed identity id in %q", key)
	}
	identity := Identity{Kind: IdentityKind(kind), ID: id}
	if !identity.Kind.Valid() {
		return Identity{}, fmt.Errorf("unknown identity kind %q", kind)
	}
	return identity, nil
}

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
)

func (k MessageKind) Valid() bool {
	return k == MessageText || k == MessageImage
}

// Chat is the single conversation between one user and one tutor.
type Chat struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"userId"`
	TutorID     int64           `json:"tutorId"`
	LastMessage *MessageSummary `json:"lastMessage"`
	UserUnread  int             `json:"userUnread"`
	TutorUnread int             `json:"tutorUnread"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (c *Chat) User() Identity {
	return Identity{Kind: KindUser, ID: c.UserID}
}

func (c *Chat) Tutor() Identity {
	return Identity{Kind: KindTutor, ID: c.TutorID}
}

func (c *Chat) HasParticipant(identity Identity) bool {
	return identity.Same(c.User()) || identity.Same(c.Tutor())
}

// Peer returns the other participant. The caller must be a participant.
func (c *Chat) Peer(identity Identity) Identity {
	if identity.Same(c.User()) {
		return c.Tutor()
	}
	return c.User()
}

func (c *Chat) UnreadFor(identity Identity) int {
	if identity.Kind == KindTutor {
		return c.TutorUnread
	}
	return c.UserUnread
}

// ChatView is a chat as seen by one participant.
type ChatView struct {
	ID          int64           `json:"id"`
	Peer        Identity        `json:"peer"`
	LastMessage *MessageSummary `json:"lastMessage"`
	Unread      int             `json:"unread"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (c *Chat) ViewFor(identity Identity) ChatView {
	return ChatView{
		ID:          c.ID,
		Peer:        c.Peer(identity),
		LastMessage: c.LastMessage,
		Unread:      c.UnreadFor(identity),
		UpdatedAt:   c.UpdatedAt,
	}
}

type MessageSummary struct {
	Content string      `json:"content"`
	Kind    MessageKind `json:"kind"`
	Sender  Identity    `json:"sender"`
	At      time.Time   `json:"at"`
}

type ReadMarker struct {
	Reader Identity  `json:"reader"`
	ReadAt time.Time `json:"readAt"`
}

type Message struct {
	ID             int64        `json:"id"`
	ConversationID int64        `json:"conversationId"`
	Sender         Identity     `json:"sender"`
	Content        string       `json:"content"`
	Kind           MessageKind  `json:"kind"`
	FileURL        string       `json:"fileUrl,omitempty"`
	FileName       string       `json:"fileName,omitempty"`
	ReadBy         []ReadMarker `json:"readBy"`
	EditedAt       *time.Time   `json:"editedAt,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

func (m *Message) Summary() *MessageSummary {
	return &MessageSummary{
		Content: m.Content,
		Kind:    m.Kind,
		Sender:  m.Sender,
		At:      m.CreatedAt,
	}
}

func (m *Message) IsReadBy(identity Identity) bool {
	for _, marker := range m.ReadBy {
		if marker.Reader.Same(identity) {
			return true
		}
	}
	return false
}

// MarkReadBy records a read marker once per reader. Reports whether it changed.
func (m *Message) MarkReadBy(identity Identity, at time.Time) bool {
	if m.Sender.Same(identity) || m.IsReadBy(identity) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadMarker{Reader: identity, ReadAt: at})
	return true
}

type PaginationMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}
