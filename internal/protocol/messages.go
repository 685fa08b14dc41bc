package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies media-control websocket frame variants.
type MessageType string

const (
	TypeCommand MessageType = "command"
	TypeReply   MessageType = "reply"
	TypeEvent   MessageType = "event"
)

// Command methods understood by the media server.
const (
	MethodAllocate = "allocate"
	MethodDestroy  = "destroy"
	MethodPlay     = "play"
	MethodAPI      = "api"
	MethodJoin     = "join"
	MethodFilter   = "filter"
)

// Event names delivered on the event stream.
const (
	EventCustom  = "CUSTOM"
	EventDestroy = "destroy"
)

// Event headers the conference coordinator reads.
const (
	HeaderAction         = "Action"
	HeaderMemberID       = "Member-ID"
	HeaderConferenceSize = "Conference-Size"
	HeaderEventTimestamp = "Event-Date-Timestamp"
	HeaderConferenceUUID = "Conference-Unique-ID"
	HeaderConferenceName = "Conference-Name"
	SubclassConference   = "conference::maintenance"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidFrame    = errors.New("invalid frame")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type Command struct {
	Type     MessageType     `json:"type"`
	ID       string          `json:"id"`
	Endpoint string          `json:"endpoint,omitempty"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params,omitempty"`
}

type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Reply struct {
	Type   MessageType     `json:"type"`
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ReplyError     `json:"error,omitempty"`
}

// Event is a single media-server event. Conference membership events carry
// Name=CUSTOM, Subclass=conference::maintenance and an Action header.
type Event struct {
	Name     string            `json:"name"`
	Subclass string            `json:"subclass,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

func (e Event) Header(key string) string {
	return e.Headers[key]
}

func (e Event) Action() string {
	return e.Headers[HeaderAction]
}

type EventFrame struct {
	Type     MessageType `json:"type"`
	Endpoint string      `json:"endpoint"`
	Event    Event       `json:"event"`
}

type AllocateParams struct {
	CallSID string `json:"call_sid"`
}

type AllocateResult struct {
	Endpoint string `json:"endpoint"`
}

type PlayParams struct {
	Paths []string `json:"paths"`
}

type APIParams struct {
	Command string `json:"command"`
	Args    string `json:"args,omitempty"`
}

type APIResult struct {
	Body string `json:"body"`
}

type JoinParams struct {
	Conference string   `json:"conference"`
	Flags      []string `json:"flags,omitempty"`
}

type JoinResult struct {
	MemberID   int    `json:"member_id"`
	InstanceID string `json:"instance_id"`
}

type FilterParams struct {
	Header string `json:"header"`
	Value  string `json:"value"`
}

// NewCommand builds a command frame with params marshalled in place.
func NewCommand(id, endpoint, method string, params any) (Command, error) {
	cmd := Command{Type: TypeCommand, ID: id, Endpoint: endpoint, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Command{}, fmt.Errorf("marshal %s params: %w", method, err)
		}
		cmd.Params = raw
	}
	return cmd, nil
}

// ParseServerMessage decodes a frame sent by the media server into a Reply or
// an EventFrame.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeReply:
		var msg Reply
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ID == "" {
			return nil, fmt.Errorf("%w: reply without id", ErrInvalidFrame)
		}
		return msg, nil
	case TypeEvent:
		var msg EventFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Endpoint == "" || msg.Event.Name == "" {
			return nil, fmt.Errorf("%w: event without endpoint or name", ErrInvalidFrame)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseCommand decodes a command frame; used by media-server fakes.
func ParseCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid command: %w", err)
	}
	if cmd.Type != TypeCommand {
		return Command{}, ErrUnsupportedType
	}
	if cmd.ID == "" || cmd.Method == "" {
		return Command{}, fmt.Errorf("%w: command without id or method", ErrInvalidFrame)
	}
	return cmd, nil
}
