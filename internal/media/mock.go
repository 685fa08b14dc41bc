package media

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ent0n29/featureserver/internal/protocol"
)

// Op is one recorded command on a MockEndpoint.
type Op struct {
	Method string
	Args   []string
}

// MockEndpoint is an in-process Endpoint. It records every command and lets
// callers inject events, which makes it usable both in tests and for running
// the server without a media server (MEDIA_MODE=mock).
type MockEndpoint struct {
	id  string
	hub *eventHub

	mu  sync.Mutex
	ops []Op

	// PlayFunc overrides playback; the default returns immediately.
	PlayFunc func(ctx context.Context, paths []string) error
	// APIFunc overrides API replies; the default reports no conference.
	APIFunc func(command, args string) (string, error)
	// JoinErr fails the next joins when set.
	JoinErr error
	// JoinResult is returned by Join.
	JoinResult JoinResult
}

func NewMockEndpoint(id string) *MockEndpoint {
	if id == "" {
		id = uuid.NewString()
	}
	return &MockEndpoint{
		id:         id,
		hub:        newEventHub(slog.Default()),
		JoinResult: JoinResult{MemberID: 1, InstanceID: uuid.NewString()},
	}
}

func (m *MockEndpoint) record(method string, args ...string) {
	m.mu.Lock()
	m.ops = append(m.ops, Op{Method: method, Args: args})
	m.mu.Unlock()
}

// Ops returns a copy of the recorded commands.
func (m *MockEndpoint) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Op(nil), m.ops...)
}

// OpsFor returns recorded commands with the given method.
func (m *MockEndpoint) OpsFor(method string) []Op {
	var out []Op
	for _, op := range m.Ops() {
		if op.Method == method {
			out = append(out, op)
		}
	}
	return out
}

func (m *MockEndpoint) ID() string { return m.id }

func (m *MockEndpoint) Play(ctx context.Context, paths ...string) error {
	if m.hub.isDestroyed() {
		return ErrClosed
	}
	m.record(protocol.MethodPlay, paths...)
	if m.PlayFunc != nil {
		return m.PlayFunc(ctx, paths)
	}
	return ctx.Err()
}

func (m *MockEndpoint) API(_ context.Context, command, args string) (string, error) {
	if m.hub.isDestroyed() {
		return "", ErrClosed
	}
	m.record(protocol.MethodAPI, command, args)
	if m.APIFunc != nil {
		return m.APIFunc(command, args)
	}
	if command == "conference" && strings.HasSuffix(args, "list count") {
		name := strings.TrimSuffix(args, " list count")
		return fmt.Sprintf("-ERR Conference %s not found", name), nil
	}
	return "+OK", nil
}

func (m *MockEndpoint) Join(_ context.Context, conference string, opts JoinOptions) (JoinResult, error) {
	if m.hub.isDestroyed() {
		return JoinResult{}, ErrClosed
	}
	m.record(protocol.MethodJoin, append([]string{conference}, opts.Flags...)...)
	if m.JoinErr != nil {
		return JoinResult{}, m.JoinErr
	}
	return m.JoinResult, nil
}

func (m *MockEndpoint) Filter(_ context.Context, header, value string) error {
	m.record(protocol.MethodFilter, header, value)
	m.hub.setFilter(header, value)
	return nil
}

func (m *MockEndpoint) Subscribe() (<-chan protocol.Event, func()) {
	return m.hub.subscribe()
}

func (m *MockEndpoint) Destroyed() <-chan struct{} {
	return m.hub.destroyed
}

func (m *MockEndpoint) Destroy(context.Context) error {
	m.record(protocol.MethodDestroy)
	m.hub.markDestroyed()
	return nil
}

// Emit delivers ev to subscribers as if the media server had sent it.
func (m *MockEndpoint) Emit(ev protocol.Event) {
	m.hub.deliver(ev)
}

// MockAllocator hands out MockEndpoints and remembers them by call SID.
type MockAllocator struct {
	mu        sync.Mutex
	endpoints map[string][]*MockEndpoint
}

func NewMockAllocator() *MockAllocator {
	return &MockAllocator{endpoints: make(map[string][]*MockEndpoint)}
}

func (a *MockAllocator) Allocate(_ context.Context, callSID string) (Endpoint, error) {
	ep := NewMockEndpoint("")
	a.mu.Lock()
	a.endpoints[callSID] = append(a.endpoints[callSID], ep)
	a.mu.Unlock()
	return ep, nil
}

// Endpoints returns the endpoints allocated for callSID, oldest first.
func (a *MockAllocator) Endpoints(callSID string) []*MockEndpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*MockEndpoint(nil), a.endpoints[callSID]...)
}

func (a *MockAllocator) Close() error { return nil }
