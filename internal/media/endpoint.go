package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ent0n29/featureserver/internal/protocol"
)

var (
	// ErrClosed is returned for commands on a destroyed endpoint or a closed client.
	ErrClosed = errors.New("media: endpoint closed")
	// ErrDisconnected fails in-flight commands when the control channel drops.
	ErrDisconnected = errors.New("media: control channel disconnected")
)

const subscriptionBuffer = 256

// CommandError is a negative reply from the media server.
type CommandError struct {
	Method string
	Code   string
	Msg    string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("media %s failed: %s: %s", e.Method, e.Code, e.Msg)
}

// JoinOptions controls how an endpoint enters a conference.
type JoinOptions struct {
	// Flags are media-server member flags such as "endconf".
	Flags []string
}

type JoinResult struct {
	MemberID   int
	InstanceID string
}

// Endpoint is the media leg of one call.
type Endpoint interface {
	ID() string
	// Play blocks until the media server finishes (or breaks) playback.
	Play(ctx context.Context, paths ...string) error
	API(ctx context.Context, command, args string) (string, error)
	Join(ctx context.Context, conference string, opts JoinOptions) (JoinResult, error)
	// Filter restricts the events delivered to subscribers to those whose
	// header equals value.
	Filter(ctx context.Context, header, value string) error
	// Subscribe returns a stream of events; the returned func detaches it.
	Subscribe() (<-chan protocol.Event, func())
	// Destroyed is closed once the media server tears the endpoint down.
	Destroyed() <-chan struct{}
	Destroy(ctx context.Context) error
}

// Allocator creates endpoints for calls.
type Allocator interface {
	Allocate(ctx context.Context, callSID string) (Endpoint, error)
	Close() error
}

// eventHub fans endpoint events out to subscribers after applying filters.
type eventHub struct {
	logger *slog.Logger

	mu          sync.Mutex
	filters     map[string]string
	subs        map[int]chan protocol.Event
	next        int
	destroyed   chan struct{}
	destroyOnce sync.Once
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{
		logger:    logger,
		filters:   make(map[string]string),
		subs:      make(map[int]chan protocol.Event),
		destroyed: make(chan struct{}),
	}
}

func (h *eventHub) setFilter(header, value string) {
	h.mu.Lock()
	h.filters[header] = value
	h.mu.Unlock()
}

func (h *eventHub) subscribe() (<-chan protocol.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan protocol.Event, subscriptionBuffer)
	if h.subs == nil {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *eventHub) deliver(ev protocol.Event) {
	if ev.Name == protocol.EventDestroy {
		h.markDestroyed()
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for header, want := range h.filters {
		if ev.Headers[header] != want {
			return
		}
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("media event dropped, subscriber full", "event", ev.Name, "action", ev.Action())
		}
	}
}

func (h *eventHub) markDestroyed() {
	h.destroyOnce.Do(func() {
		close(h.destroyed)
		h.mu.Lock()
		for id, ch := range h.subs {
			close(ch)
			delete(h.subs, id)
		}
		h.subs = nil
		h.mu.Unlock()
	})
}

func (h *eventHub) isDestroyed() bool {
	select {
	case <-h.destroyed:
		return true
	default:
		return false
	}
}
