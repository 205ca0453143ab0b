package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	EventTypeMessageReceive = "im.message.receive_v1"
	urlVerificationType     = "url_verification"
)

// ChatEvent is an inbound callback from the chat platform. Both the 2.0 schema
// (token and event type in header) and the legacy 1.0 shape are accepted.
type ChatEvent struct {
	Schema    string          `json:"schema,omitempty"`
	Header    ChatEventHeader `json:"header"`
	Type      string          `json:"type,omitempty"`
	Token     string          `json:"token,omitempty"`
	Challenge string          `json:"challenge,omitempty"`
	Encrypt   string          `json:"encrypt,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

type ChatEventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	Token      string `json:"token"`
	CreateTime string `json:"create_time,omitempty"`
	AppID      string `json:"app_id,omitempty"`
	TenantKey  string `json:"tenant_key,omitempty"`
}

type MessageEvent struct {
	Sender struct {
		SenderID   UserID `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message ChatMessage `json:"message"`
}

type ChatMessage struct {
	MessageID   string    `json:"message_id"`
	ChatID      string    `json:"chat_id"`
	ChatType    string    `json:"chat_type"`
	MessageType string    `json:"message_type"`
	Content     string    `json:"content"`
	Mentions    []Mention `json:"mentions"`
}

type Mention struct {
	Key  string `json:"key"`
	ID   UserID `json:"id"`
	Name string `json:"name"`
}

type UserID struct {
	OpenID  string `json:"open_id"`
	UserID  string `json:"user_id"`
	UnionID string `json:"union_id"`
}

func ParseChatEvent(body []byte) (ChatEvent, error) {
	var evt ChatEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return ChatEvent{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return evt, nil
}

func (e ChatEvent) IsURLVerification() bool {
	return e.Challenge != "" || e.Type == urlVerificationType
}

// VerificationToken returns the shared token carried by the callback.
func (e ChatEvent) VerificationToken() string {
	if e.Header.Token != "" {
		return e.Header.Token
	}
	return e.Token
}

func (e ChatEvent) EventType() string {
	return e.Header.EventType
}

func (e ChatEvent) MessageEvent() (MessageEvent, error) {
	var msg MessageEvent
	if len(e.Event) == 0 {
		return msg, fmt.Errorf("%w: event body is missing", ErrInvalidInput)
	}
	if err := json.Unmarshal(e.Event, &msg); err != nil {
		return msg, fmt.Errorf("%w: decode message event: %v", ErrInvalidInput, err)
	}
	return msg, nil
}

// Trigger builds the ingress record for a message event. The message id is the
// dedup key; the event id is used only when the message id is absent.
func (e ChatEvent) Trigger(receivedAt time.Time) (Trigger, error) {
	msg, err := e.MessageEvent()
	if err != nil {
		return Trigger{}, err
	}
	triggerID := strings.TrimSpace(msg.Message.MessageID)
	if triggerID == "" {
		triggerID = strings.TrimSpace(e.Header.EventID)
	}
	if triggerID == "" {
		return Trigger{}, fmt.Errorf("%w: message id is missing", ErrInvalidInput)
	}
	text, textErr := MessageText(msg.Message.Content)
	mentions := make([]string, 0, len(msg.Message.Mentions))
	for _, m := range msg.Message.Mentions {
		mentions = append(mentions, m.ID.OpenID)
	}
	trigger := Trigger{
		TriggerID:   triggerID,
		SourceRef:   strings.TrimSpace(msg.Message.ChatID),
		PayloadText: text,
		Mentioned:   len(msg.Message.Mentions) > 0,
		MentionIDs:  mentions,
		ReceivedAt:  receivedAt,
	}
	if textErr != nil {
		trigger.PayloadText = ""
	}
	return trigger, nil
}

// MessageText pulls the text field out of a message's JSON content string.
func MessageText(content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", nil
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return "", fmt.Errorf("%w: message content: %v", ErrInvalidInput, err)
	}
	return parsed.Text, nil
}
