package relay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type EventKind string

const (
	EventMessage   EventKind = "message"
	EventError     EventKind = "error"
	EventInterrupt EventKind = "interrupt"
	EventDone      EventKind = "done"
	EventPing      EventKind = "ping"
	EventUnknown   EventKind = "unknown"
)

// Event is one classified item read from a workflow stream.
type Event struct {
	ID        string
	Kind      EventKind
	Name      string
	Message   string
	NodeTitle string
	Error     string
	Interrupt *Interrupt
	Raw       string
}

type Interrupt struct {
	EventID   string `json:"event_id"`
	Type      int    `json:"type"`
	Data      string `json:"data,omitempty"`
	NodeTitle string `json:"-"`
}

// EventStream yields events until it returns io.EOF.
type EventStream interface {
	Next() (Event, error)
	Close() error
}

type sseFrame struct {
	id    string
	event string
	data  []string
}

func (f sseFrame) empty() bool {
	return f.id == "" && f.event == "" && len(f.data) == 0
}

type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{body: body, reader: bufio.NewReaderSize(body, 64*1024)}
}

func (s *sseStream) Next() (Event, error) {
	for {
		if s.done {
			return Event{}, io.EOF
		}
		frame, err := s.readFrame()
		if err != nil && !errors.Is(err, io.EOF) {
			return Event{}, err
		}
		if errors.Is(err, io.EOF) {
			s.done = true
			if frame.empty() {
				return Event{}, io.EOF
			}
		}
		if frame.empty() {
			continue
		}
		return decodeFrame(frame)
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

func (s *sseStream) readFrame() (sseFrame, error) {
	var frame sseFrame
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return frame, err
		}
		if errors.Is(err, io.EOF) && line == "" {
			return frame, io.EOF
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !frame.empty() {
				return frame, nil
			}
			if errors.Is(err, io.EOF) {
				return frame, io.EOF
			}
			continue
		}
		if !strings.HasPrefix(line, ":") {
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				frame.id = value
			case "event":
				frame.event = value
			case "data":
				frame.data = append(frame.data, value)
			}
		}
		if errors.Is(err, io.EOF) {
			return frame, io.EOF
		}
	}
}

type messagePayload struct {
	Content   string `json:"content"`
	NodeTitle string `json:"node_title"`
}

type errorPayload struct {
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type interruptPayload struct {
	InterruptData Interrupt `json:"interrupt_data"`
	NodeTitle     string    `json:"node_title"`
}

func decodeFrame(frame sseFrame) (Event, error) {
	data := strings.Join(frame.data, "\n")
	evt := Event{ID: frame.id, Name: frame.event, Raw: data}
	switch strings.ToLower(strings.TrimSpace(frame.event)) {
	case "message":
		var payload messagePayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return Event{}, fmt.Errorf("decode message event %q: %w", frame.id, err)
		}
		evt.Kind = EventMessage
		evt.Message = payload.Content
		evt.NodeTitle = payload.NodeTitle
	case "error":
		evt.Kind = EventError
		var payload errorPayload
		if err := json.Unmarshal([]byte(data), &payload); err == nil && strings.TrimSpace(payload.ErrorMessage) != "" {
			evt.Error = payload.ErrorMessage
			if payload.ErrorCode != 0 {
				evt.Error = fmt.Sprintf("%s (code %d)", payload.ErrorMessage, payload.ErrorCode)
			}
		} else {
			evt.Error = strings.TrimSpace(data)
		}
	case "interrupt":
		var payload interruptPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return Event{}, fmt.Errorf("decode interrupt event %q: %w", frame.id, err)
		}
		if strings.TrimSpace(payload.InterruptData.EventID) == "" {
			return Event{}, fmt.Errorf("interrupt event %q: missing event_id", frame.id)
		}
		interrupt := payload.InterruptData
		interrupt.NodeTitle = payload.NodeTitle
		evt.Kind = EventInterrupt
		evt.NodeTitle = payload.NodeTitle
		evt.Interrupt = &interrupt
	case "done":
		evt.Kind = EventDone
	case "ping":
		evt.Kind = EventPing
	default:
		evt.Kind = EventUnknown
	}
	return evt, nil
}
