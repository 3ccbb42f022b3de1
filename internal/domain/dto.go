package domain

import (
	"encoding/json"
	"time"
)

type EventType string

// Client to server.
const (
	EventJoinChat       EventType = "join_chat"
	EventLeaveChat      EventType = "leave_chat"
	EventSendMessage    EventType = "send_message"
	EventTypingStart    EventType = "typing_start"
	EventTypingStop     EventType = "typing_stop"
	EventMarkRead       EventType = "mark_read"
	EventGetOnlineUsers EventType = "get_online_users"
	EventPing           EventType = "ping"
)

// Server to client.
const (
	EventConnectionEstablished EventType = "connection_established"
	EventMessageReceived       EventType = "message_received"
	EventMessagesRead          EventType = "messages_read"
	EventChatCleared           EventType = "chat_cleared"
	EventChatClearedForUser    EventType = "chat_cleared_for_user"
	EventOnlineUsersList       EventType = "online_users_list"
	EventUserOnline            EventType = "user_online"
	EventUserOffline           EventType = "user_offline"
	EventTypingIndicator       EventType = "typing_indicator"
	EventChatJoined            EventType = "chat_joined"
	EventUserJoinedChat        EventType = "user_joined_chat"
	EventUserLeftChat          EventType = "user_left_chat"
	EventError                 EventType = "error"
	EventPong                  EventType = "pong"
)

// WebSocketMessage is the envelope for every frame in both directions.
type WebSocketMessage struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewWebSocketMessage(eventType EventType, data interface{}) (*WebSocketMessage, error) {
	msg := &WebSocketMessage{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
	if data == nil {
		return msg, nil
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	msg.Data = encoded
	return msg, nil
}

func (m *WebSocketMessage) ParseData(v interface{}) error {
	if len(m.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(m.Data, v)
}

type ChatRef struct {
	ConversationID int64 `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationID int64       `json:"conversationId"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
	FileURL        string      `json:"fileUrl,omitempty"`
	FileName       string      `json:"fileName,omitempty"`
}

type MessagesReadPayload struct {
	ConversationID int64     `json:"conversationId"`
	ReadBy         Identity  `json:"readBy"`
	ReadAt         time.Time `json:"readAt"`
}

type TypingIndicatorPayload struct {
	ConversationID int64    `json:"conversationId"`
	Identity       Identity `json:"identity"`
	IsTyping       bool     `json:"isTyping"`
}

type RoomMembershipPayload struct {
	ConversationID int64    `json:"conversationId"`
	Identity       Identity `json:"identity"`
}

type ConnectionEstablishedPayload struct {
	Identity     Identity `json:"identity"`
	ConnectionID string   `json:"connectionId"`
	Instance     string   `json:"instance"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// REST bodies.

type CreateChatRequest struct {
	TutorID int64 `json:"tutorId,omitempty"`
	UserID  int64 `json:"userId,omitempty"`
}

type MessagesPage struct {
	Messages   []Message      `json:"messages"`
	Pagination PaginationMeta `json:"pagination"`
}

type UploadResponse struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
}

// Close codes the gateway uses for server-initiated disconnects.
const (
	CloseSessionExpired = 4001
	CloseKicked         = 4003
)
