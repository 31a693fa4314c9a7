// Package protocol defines the events exchanged over a chat connection and
// their wire encoding. Every frame is a JSON object {"event": name, "data": payload}.
//
// Inbound frames decode into a closed set of variants validated at the
// boundary; outbound frames are encoded once to bytes so that every subscriber
// of a broadcast receives an identical payload.
package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"kairo/internal/models"
)

const (
	EventJoin             = "join"
	EventHistory          = "history"
	EventMessage          = "message"
	EventUserJoined       = "user-joined"
	EventUserLeft         = "user-left"
	EventPrivateMessage   = "private-message"
	EventMessageDelivered = "message-delivered"
	EventMessageRead      = "message-read"
	EventMessageStatus    = "message-status"
	EventMessageUpdated   = "message-updated"
	EventMessageDeleted   = "message-deleted"
	EventError            = "error"
)

// Frame is the raw wire envelope.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is a validated client event.
type Inbound interface {
	Event() string
	inbound()
}

// Join asks to subscribe to a channel.
type Join struct {
	Room string `json:"room"`
}

// Send posts text to the connection's current channel.
type Send struct {
	Text string `json:"text"`
}

// SendPrivate posts text to a private thread.
type SendPrivate struct {
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
}

// Acknowledge reports that a private message reached the given status on the receiver's side.
type Acknowledge struct {
	Status    models.Status `json:"-"`
	MessageID int64         `json:"messageId"`
}

func (Join) Event() string        { return EventJoin }
func (Send) Event() string        { return EventMessage }
func (SendPrivate) Event() string { return EventPrivateMessage }

func (a Acknowledge) Event() string {
	if a.Status == models.StatusRead {
		return EventMessageRead
	}
	return EventMessageDelivered
}

func (Join) inbound()        {}
func (Send) inbound()        {}
func (SendPrivate) inbound() {}
func (Acknowledge) inbound() {}

// DecodeError carries the event name of a frame that failed validation, when known.
type DecodeError struct {
	Event string
	Err   error
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses and validates one client frame.
func Decode(data []byte) (Inbound, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, &DecodeError{Err: models.Wrap(models.CodeInvalidPayload, "malformed frame", err)}
	}

	in, err := decodeData(frame.Event, frame.Data)
	if err != nil {
		return nil, &DecodeError{Event: frame.Event, Err: err}
	}
	return in, nil
}

func decodeData(event string, data json.RawMessage) (Inbound, error) {
	switch event {
	case EventJoin:
		var p struct {
			Room string `json:"room"`
		}
		if err := unmarshalObject(data, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Room) == "" {
			return nil, models.InvalidPayload("room is required")
		}
		return Join{Room: p.Room}, nil

	case EventMessage:
		// Clients may send the bare text or {"text": ...}.
		var text string
		if err := json.Unmarshal(data, &text); err == nil {
			return Send{Text: text}, nil
		}
		var p struct {
			Text *string `json:"text"`
		}
		if err := unmarshalObject(data, &p); err != nil {
			return nil, err
		}
		if p.Text == nil {
			return nil, models.InvalidPayload("text is required")
		}
		return Send{Text: *p.Text}, nil

	case EventPrivateMessage:
		var p struct {
			ReceiverID flexID `json:"receiverId"`
			Text       string `json:"text"`
		}
		if err := unmarshalObject(data, &p); err != nil {
			return nil, err
		}
		if p.ReceiverID == "" {
			return nil, models.InvalidPayload("receiverId is required")
		}
		return SendPrivate{ReceiverID: string(p.ReceiverID), Text: p.Text}, nil

	case EventMessageDelivered, EventMessageRead:
		var p struct {
			MessageID flexID `json:"messageId"`
		}
		if err := unmarshalObject(data, &p); err != nil {
			return nil, err
		}
		id, err := strconv.ParseInt(string(p.MessageID), 10, 64)
		if err != nil || id <= 0 {
			return nil, models.InvalidPayload("messageId must be a positive integer")
		}
		status := models.StatusDelivered
		if event == EventMessageRead {
			status = models.StatusRead
		}
		return Acknowledge{Status: status, MessageID: id}, nil

	case "":
		return nil, models.InvalidPayload("event is required")
	}
	return nil, models.InvalidPayload("unsupported event %q", event)
}

func unmarshalObject(data json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return models.InvalidPayload("payload must be an object")
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return models.Wrap(models.CodeInvalidPayload, "invalid payload", err)
	}
	return nil
}

// flexID accepts identifiers sent either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// History is the payload of the history event.
type History struct {
	Channel  string           `json:"channel"`
	Messages []models.Message `json:"messages"`
}

// StatusChange is the payload of the message-status event.
type StatusChange struct {
	ID     int64         `json:"id"`
	Status models.Status `json:"status"`
	ReadAt *time.Time    `json:"readAt,omitempty"`
}

// ErrorPayload is the payload of the error event.
type ErrorPayload struct {
	Event     string      `json:"event,omitempty"`
	Code      models.Code `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Encode serializes an outbound event.
func Encode(event string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data})
}

// mustEncode is for payload types built from this package and models, which always marshal.
func mustEncode(event string, data any) []byte {
	b, err := Encode(event, data)
	if err != nil {
		panic(err)
	}
	return b
}

func HistoryFrame(channel string, messages []models.Message) []byte {
	if messages == nil {
		messages = []models.Message{}
	}
	return mustEncode(EventHistory, History{Channel: channel, Messages: messages})
}

// MessageFrame encodes a message under event (message, private-message or message-updated).
func MessageFrame(event string, msg models.Message) []byte {
	return mustEncode(event, msg)
}

// NoticeFrame encodes a presence notice (user-joined or user-left).
func NoticeFrame(event, text string) []byte {
	return mustEncode(event, text)
}

func StatusFrame(msg models.Message) []byte {
	return mustEncode(EventMessageStatus, StatusChange{ID: msg.ID, Status: msg.Status, ReadAt: msg.ReadAt})
}

func DeletedFrame(id int64) []byte {
	return mustEncode(EventMessageDeleted, id)
}

// ErrorFrame encodes err for the connection that triggered event.
// Unclassified errors are reported without their details.
func ErrorFrame(event string, err error) []byte {
	code := models.CodeOf(err)
	message := err.Error()
	if code == models.CodeInternal {
		message = "internal error"
	}
	return mustEncode(EventError, ErrorPayload{
		Event:     event,
		Code:      code,
		Message:   message,
		Retryable: models.IsRetryable(err),
	})
}
