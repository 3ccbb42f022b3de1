package kafka

import (
	"testing"

	"tutorchat-ws/internal/domain"
)

func TestTopicForEventRoutesByConcern(t *testing.T) {
	cases := map[domain.EventType]string{
		domain.EventUserOnline:         TopicPresenceEvents,
		domain.EventUserOffline:        TopicPresenceEvents,
		domain.EventTypingIndicator:    TopicTypingEvents,
		domain.EventMessageReceived:    TopicChatEvents,
		domain.EventMessagesRead:       TopicChatEvents,
		domain.EventChatCleared:        TopicChatEvents,
		domain.EventChatClearedForUser: TopicChatEvents,
		domain.EventUserJoinedChat:     TopicChatEvents,
	}
	for eventType, want := range cases {
		if got := TopicForEvent(eventType); got != want {
			t.Fatalf("TopicForEvent(%s) = %s, want %s", eventType, got, want)
		}
	}
}

func TestTopicsCoverEveryRoutedTopic(t *testing.T) {
	topics := map[string]bool{}
	for _, topic := range Topics() {
		topics[topic] = true
	}
	for _, eventType := range []domain.EventType{domain.EventUserOnline, domain.EventTypingIndicator, domain.EventMessageReceived} {
		if !topics[TopicForEvent(eventType)] {
			t.Fatalf("consumer does not subscribe to %s", TopicForEvent(eventType))
		}
	}
}

type recordingHandler struct {
	events []domain.FanoutEvent
}

func (h *recordingHandler) Deliver(event domain.FanoutEvent) {
	h.events = append(h.events, event)
}

func TestHandleMessageDecodesFanoutEvent(t *testing.T) {
	handler := &recordingHandler{}
	consumer := &KafkaConsumer{handler: handler}

	consumer.handleMessage(TopicChatEvents, []byte(`{"message":{"type":"message_received","data":{"id":3},"timestamp":"2026-03-01T09:00:00Z"},"identities":[{"kind":"user","id":1}],"key":"chat:7"}`))
	consumer.handleMessage(TopicChatEvents, []byte(`not json`))
	consumer.handleMessage(TopicChatEvents, []byte(`{"message":{}}`))

	if len(handler.events) != 1 {
		t.Fatalf("expected one delivered event, got %d", len(handler.events))
	}
	event := handler.events[0]
	if event.Message.Type != domain.EventMessageReceived || len(event.Identities) != 1 || event.Key != "chat:7" {
		t.Fatalf("unexpected event %+v", event)
	}
}
