package relay

import (
	"errors"
	"testing"
	"time"
)

const sampleMessageEvent = `{
  "schema": "2.0",
  "header": {
    "event_id": "5e3702a84e847582be8db7fb73283c02",
    "event_type": "im.message.receive_v1",
    "token": "verify-me",
    "app_id": "cli_app"
  },
  "event": {
    "sender": {"sender_id": {"open_id": "ou_sender"}, "sender_type": "user"},
    "message": {
      "message_id": "om_123",
      "chat_id": "oc_chat",
      "chat_type": "group",
      "message_type": "text",
      "content": "{\"text\":\"@_user_1 please process https://acme.feishu.cn/docx/abcXYZ\"}",
      "mentions": [{"key": "@_user_1", "id": {"open_id": "ou_bot"}, "name": "relay"}]
    }
  }
}`

func TestParseChatEventMessageTrigger(t *testing.T) {
	evt, err := ParseChatEvent([]byte(sampleMessageEvent))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.IsURLVerification() {
		t.Fatalf("message event must not look like url verification")
	}
	if evt.VerificationToken() != "verify-me" || evt.EventType() != EventTypeMessageReceive {
		t.Fatalf("unexpected header: %+v", evt.Header)
	}
	at := time.Unix(1_700_000_000, 0)
	trigger, err := evt.Trigger(at)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if trigger.TriggerID != "om_123" || trigger.SourceRef != "oc_chat" {
		t.Fatalf("unexpected trigger ids: %+v", trigger)
	}
	if trigger.PayloadText != "@_user_1 please process https://acme.feishu.cn/docx/abcXYZ" {
		t.Fatalf("unexpected text %q", trigger.PayloadText)
	}
	if !trigger.Mentioned || len(trigger.MentionIDs) != 1 || trigger.MentionIDs[0] != "ou_bot" {
		t.Fatalf("unexpected mentions: %+v", trigger)
	}
	if !trigger.ReceivedAt.Equal(at) {
		t.Fatalf("unexpected received time %v", trigger.ReceivedAt)
	}
}

func TestChatEventURLVerificationAndLegacyToken(t *testing.T) {
	evt, err := ParseChatEvent([]byte(`{"challenge":"ajls384kdjx98XX","token":"legacy","type":"url_verification"}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !evt.IsURLVerification() {
		t.Fatalf("expected url verification")
	}
	if evt.VerificationToken() != "legacy" {
		t.Fatalf("expected legacy top-level token, got %q", evt.VerificationToken())
	}
}

func TestChatEventTriggerFallsBackToEventID(t *testing.T) {
	evt, err := ParseChatEvent([]byte(`{"header":{"event_id":"ev_1","event_type":"im.message.receive_v1"},"event":{"message":{"chat_id":"oc_1","content":"not json"}}}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	trigger, err := evt.Trigger(time.Now())
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if trigger.TriggerID != "ev_1" || trigger.PayloadText != "" || trigger.Mentioned {
		t.Fatalf("unexpected trigger %+v", trigger)
	}
}

func TestChatEventTriggerRejectsMissingIDs(t *testing.T) {
	cases := []string{
		`{"header":{"event_type":"im.message.receive_v1"}}`,
		`{"header":{"event_type":"im.message.receive_v1"},"event":{"message":{"chat_id":"oc_1"}}}`,
		`{"header":{"event_type":"im.message.receive_v1"},"event":"nope"}`,
	}
	for _, raw := range cases {
		evt, err := ParseChatEvent([]byte(raw))
		if err != nil {
			t.Fatalf("parse failed for %s: %v", raw, err)
		}
		if _, err := evt.Trigger(time.Now()); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %s, got %v", raw, err)
		}
	}
}

func TestParseChatEventRejectsGarbage(t *testing.T) {
	if _, err := ParseChatEvent([]byte("{")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMessageText(t *testing.T) {
	text, err := MessageText(`{"text":"hello"}`)
	if err != nil || text != "hello" {
		t.Fatalf("unexpected result %q %v", text, err)
	}
	if text, err := MessageText(""); err != nil || text != "" {
		t.Fatalf("expected empty content to give empty text, got %q %v", text, err)
	}
	if _, err := MessageText("plain"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
