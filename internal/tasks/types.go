package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ent0n29/featureserver/internal/media"
	"github.com/ent0n29/featureserver/internal/signaling"
	"github.com/ent0n29/featureserver/internal/webhook"
)

// Verb is the name an application uses for an instruction.
type Verb string

const (
	VerbPlay       Verb = "play"
	VerbSay        Verb = "say"
	VerbPause      Verb = "pause"
	VerbHangup     Verb = "hangup"
	VerbTag        Verb = "tag"
	VerbRedirect   Verb = "redirect"
	VerbDial       Verb = "dial"
	VerbConference Verb = "conference"
)

// Kind tags the concrete task variant built by the factory. A dial verb may
// produce KindDial or KindConference.
type Kind int

const (
	KindPlay Kind = iota + 1
	KindSay
	KindPause
	KindHangup
	KindTag
	KindRedirect
	KindDial
	KindConference
)

func (k Kind) String() string {
	switch k {
	case KindPlay:
		return "play"
	case KindSay:
		return "say"
	case KindPause:
		return "pause"
	case KindHangup:
		return "hangup"
	case KindTag:
		return "tag"
	case KindRedirect:
		return "redirect"
	case KindDial:
		return "dial"
	case KindConference:
		return "conference"
	default:
		return "unknown"
	}
}

// Precondition declares what a task needs before Exec may run.
type Precondition int

const (
	PreconditionNone Precondition = iota
	// PreconditionEndpoint requires a live media endpoint.
	PreconditionEndpoint
)

// Descriptor is a single-key verb object such as {"play": {...}}. It is the
// serialized form of a task in application payloads and migration snapshots.
type Descriptor map[string]json.RawMessage

// NewDescriptor builds a descriptor from a verb and its marshalled data.
func NewDescriptor(verb Verb, data any) (Descriptor, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return Descriptor{string(verb): raw}, nil
}

// Verb returns the single key, or "" when the descriptor is malformed.
func (d Descriptor) Verb() Verb {
	if len(d) != 1 {
		return ""
	}
	for k := range d {
		return Verb(k)
	}
	return ""
}

func (d Descriptor) Data() json.RawMessage {
	return d[string(d.Verb())]
}

// Task is the lifecycle every verb implements.
type Task interface {
	Name() Verb
	Kind() Kind
	Preconditions() Precondition
	// Exec runs the verb and returns when its effect on the call is complete
	// or the task was killed.
	Exec(ctx context.Context, cs CallSession, ep media.Endpoint) error
	// Kill requests cooperative early termination. It is safe to call at any
	// time, including before Exec, and more than once.
	Kill(cs CallSession)
	// Done is closed when the task has fully finished.
	Done() <-chan struct{}
	Descriptor() Descriptor
}

// Requestor calls the application's webhooks.
type Requestor interface {
	Request(ctx context.Context, hook webhook.Hook, params any) (json.RawMessage, error)
	Post(ctx context.Context, target string, body any, wantStatus int) error
	BaseURL() string
}

// CallSession is the call a task runs against.
type CallSession interface {
	AccountSID() string
	CallSID() string
	// CallInfo returns the call's webhook parameters.
	CallInfo() map[string]any
	Logger() *slog.Logger
	Requestor() Requestor
	// LocalSIPAddress is this process's signaling address (host:port).
	LocalSIPAddress() string
	// ServiceURL is the externally reachable base URL of this process.
	ServiceURL() string
	// IsTransferredCall reports whether the call arrived by migration.
	IsTransferredCall() bool
	Dialog() signaling.Dialog
	Endpoint() media.Endpoint
	// ReplaceEndpoint allocates a fresh media endpoint for the call.
	ReplaceEndpoint(ctx context.Context) (media.Endpoint, error)
	ReferCall(ctx context.Context, target string) (bool, error)
	// RemainingTaskData returns the current verb and those queued after it.
	RemainingTaskData() []Descriptor
	// ApplicationSnapshot returns the serializable application context.
	ApplicationSnapshot() any
	// ReplaceApplication discards queued verbs and runs descs instead.
	ReplaceApplication(descs []Descriptor) error
	Hangup(ctx context.Context) error
	SetCustomerData(data map[string]any)
	Synthesizer() Synthesizer
}

func isJSONObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
