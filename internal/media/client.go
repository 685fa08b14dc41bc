package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/featureserver/internal/observability"
	"github.com/ent0n29/featureserver/internal/protocol"
	"github.com/ent0n29/featureserver/internal/reliability"
)

const (
	commandWriteTimeout = 5 * time.Second
	reconnectBase       = 250 * time.Millisecond
)

// ClientOptions configures the media-control websocket client.
type ClientOptions struct {
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	ReconnectMax time.Duration
}

// Client speaks the JSON command/reply/event protocol to the media server
// over one websocket, shared by every endpoint of this process.
type Client struct {
	wsURL   string
	dialer  websocket.Dialer
	logger  *slog.Logger
	metrics *observability.Metrics
	backoff time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan protocol.Reply
	endpoints map[string]*wsEndpoint

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Dial connects to the media server and starts the read loop. The client
// reconnects with capped exponential backoff until Close.
func Dial(ctx context.Context, rawURL string, opts ClientOptions) (*Client, error) {
	wsURL, err := normalizeControlURL(rawURL)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 10 * time.Second
	}
	c := &Client{
		wsURL: wsURL,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
		logger:    opts.Logger.With("component", "media"),
		metrics:   opts.Metrics,
		backoff:   opts.ReconnectMax,
		pending:   make(map[string]chan protocol.Reply),
		endpoints: make(map[string]*wsEndpoint),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.run(conn)
	return c, nil
}

func normalizeControlURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("media control url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse MEDIA_CONTROL_URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported media control url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("media control dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("media control dial failed: %w", err)
	}
	return conn, nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	for {
		c.readLoop(conn)
		c.failPending()

		conn = c.reconnect()
		if conn == nil {
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("media control read failed", "error", err)
			}
			return
		}
		msg, err := protocol.ParseServerMessage(raw)
		if err != nil {
			c.logger.Warn("media control frame ignored", "error", err)
			continue
		}
		switch m := msg.(type) {
		case protocol.Reply:
			c.mu.Lock()
			ch, ok := c.pending[m.ID]
			delete(c.pending, m.ID)
			c.mu.Unlock()
			if ok {
				ch <- m
			}
		case protocol.EventFrame:
			c.mu.Lock()
			ep, ok := c.endpoints[m.Endpoint]
			if ok && m.Event.Name == protocol.EventDestroy {
				delete(c.endpoints, m.Endpoint)
			}
			c.mu.Unlock()
			if ok {
				ep.hub.deliver(m.Event)
			}
		}
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan protocol.Reply)
	c.conn = nil
	c.mu.Unlock()
	for id, ch := range pending {
		ch <- protocol.Reply{ID: id, Error: &protocol.ReplyError{Code: "disconnected", Message: ErrDisconnected.Error()}}
	}
}

func (c *Client) reconnect() *websocket.Conn {
	for attempt := 0; ; attempt++ {
		wait := reliability.ExponentialBackoff(attempt, reconnectBase, c.backoff)
		select {
		case <-c.closed:
			return nil
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("media control reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}
		c.metrics.ObserveMediaReconnect()
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info("media control reconnected", "attempt", attempt+1)
		return conn
	}
}

// call sends one command and waits for its reply.
func (c *Client) call(ctx context.Context, endpoint, method string, params, out any) error {
	id := uuid.NewString()
	cmd, err := protocol.NewCommand(id, endpoint, method, params)
	if err != nil {
		return err
	}

	ch := make(chan protocol.Reply, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(conn, cmd); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("media %s write: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	case reply := <-ch:
		if reply.Error != nil && reply.Error.Code == "disconnected" {
			return ErrDisconnected
		}
		if !reply.OK {
			ce := &CommandError{Method: method, Code: "unknown", Msg: "command rejected"}
			if reply.Error != nil {
				ce.Code, ce.Msg = reply.Error.Code, reply.Error.Message
			}
			if reliability.IsTerminalMediaReply(ce.Code) {
				return fmt.Errorf("%w: %v", ErrClosed, ce)
			}
			return ce
		}
		if out != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, out); err != nil {
				return fmt.Errorf("decode media %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) write(conn *websocket.Conn, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(commandWriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(payload)
}

// Allocate asks the media server for an endpoint bound to callSID.
func (c *Client) Allocate(ctx context.Context, callSID string) (Endpoint, error) {
	var res protocol.AllocateResult
	if err := c.call(ctx, "", protocol.MethodAllocate, protocol.AllocateParams{CallSID: callSID}, &res); err != nil {
		return nil, err
	}
	if strings.TrimSpace(res.Endpoint) == "" {
		return nil, errors.New("media allocate returned no endpoint id")
	}
	ep := &wsEndpoint{id: res.Endpoint, client: c, hub: newEventHub(c.logger.With("endpoint", res.Endpoint))}
	c.mu.Lock()
	c.endpoints[ep.id] = ep
	c.mu.Unlock()
	return ep, nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	<-c.done
	return nil
}

type wsEndpoint struct {
	id     string
	client *Client
	hub    *eventHub
}

func (e *wsEndpoint) ID() string { return e.id }

func (e *wsEndpoint) call(ctx context.Context, method string, params, out any) error {
	if e.hub.isDestroyed() {
		return ErrClosed
	}
	return e.client.call(ctx, e.id, method, params, out)
}

func (e *wsEndpoint) Play(ctx context.Context, paths ...string) error {
	return e.call(ctx, protocol.MethodPlay, protocol.PlayParams{Paths: paths}, nil)
}

func (e *wsEndpoint) API(ctx context.Context, command, args string) (string, error) {
	var res protocol.APIResult
	if err := e.call(ctx, protocol.MethodAPI, protocol.APIParams{Command: command, Args: args}, &res); err != nil {
		return "", err
	}
	return res.Body, nil
}

func (e *wsEndpoint) Join(ctx context.Context, conference string, opts JoinOptions) (JoinResult, error) {
	var res protocol.JoinResult
	params := protocol.JoinParams{Conference: conference, Flags: opts.Flags}
	if err := e.call(ctx, protocol.MethodJoin, params, &res); err != nil {
		return JoinResult{}, err
	}
	return JoinResult{MemberID: res.MemberID, InstanceID: res.InstanceID}, nil
}

func (e *wsEndpoint) Filter(ctx context.Context, header, value string) error {
	if err := e.call(ctx, protocol.MethodFilter, protocol.FilterParams{Header: header, Value: value}, nil); err != nil {
		return err
	}
	e.hub.setFilter(header, value)
	return nil
}

func (e *wsEndpoint) Subscribe() (<-chan protocol.Event, func()) {
	return e.hub.subscribe()
}

func (e *wsEndpoint) Destroyed() <-chan struct{} {
	return e.hub.destroyed
}

func (e *wsEndpoint) Destroy(ctx context.Context) error {
	if e.hub.isDestroyed() {
		return nil
	}
	err := e.client.call(ctx, e.id, protocol.MethodDestroy, nil, nil)
	e.client.mu.Lock()
	delete(e.client.endpoints, e.id)
	e.client.mu.Unlock()
	e.hub.markDestroyed()
	return err
}
