package media

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/featureserver/internal/observability"
	"github.com/ent0n29/featureserver/internal/protocol"
)

// fakeMediaServer answers commands and can push events to the client.
type fakeMediaServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	commands []protocol.Command
	ready    chan struct{}
}

func newFakeMediaServer(t *testing.T) (*fakeMediaServer, *httptest.Server) {
	t.Helper()
	f := &fakeMediaServer{t: t, ready: make(chan struct{}, 4)}
	ts := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(ts.Close)
	return f, ts
}

func (f *fakeMediaServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.ready <- struct{}{}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := protocol.ParseCommand(raw)
		if err != nil {
			continue
		}
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.mu.Unlock()

		reply := protocol.Reply{Type: protocol.TypeReply, ID: cmd.ID, OK: true}
		switch cmd.Method {
		case protocol.MethodAllocate:
			reply.Result, _ = json.Marshal(protocol.AllocateResult{Endpoint: "ep-1"})
		case protocol.MethodJoin:
			reply.Result, _ = json.Marshal(protocol.JoinResult{MemberID: 12, InstanceID: "inst-1"})
		case protocol.MethodAPI:
			var p protocol.APIParams
			_ = json.Unmarshal(cmd.Params, &p)
			if p.Command == "explode" {
				reply.OK = false
				reply.Error = &protocol.ReplyError{Code: "endpoint_destroyed", Message: "gone"}
			} else {
				reply.Result, _ = json.Marshal(protocol.APIResult{Body: "+OK " + p.Args})
			}
		}
		f.send(reply)
	}
}

func (f *fakeMediaServer) send(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.conn.WriteJSON(v); err != nil {
		f.t.Errorf("fake server write: %v", err)
	}
}

func (f *fakeMediaServer) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.Close()
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestClientCommandsAndEvents(t *testing.T) {
	fake, ts := newFakeMediaServer(t)
	ctx := context.Background()

	c, err := Dial(ctx, wsURL(ts), ClientOptions{Logger: observability.DiscardLogger()})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	ep, err := c.Allocate(ctx, "CA1")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if ep.ID() != "ep-1" {
		t.Fatalf("ID() = %q, want ep-1", ep.ID())
	}

	res, err := ep.Join(ctx, "conf:acct:sales", JoinOptions{Flags: []string{"endconf"}})
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if res.MemberID != 12 || res.InstanceID != "inst-1" {
		t.Fatalf("Join() = %+v, want member 12 inst-1", res)
	}

	body, err := ep.API(ctx, "conference", "conf:acct:sales list count")
	if err != nil || body != "+OK conf:acct:sales list count" {
		t.Fatalf("API() = %q, %v", body, err)
	}

	if err := ep.Filter(ctx, protocol.HeaderConferenceUUID, "inst-1"); err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	events, cancel := ep.Subscribe()
	defer cancel()

	fake.send(protocol.EventFrame{Type: protocol.TypeEvent, Endpoint: "ep-1", Event: protocol.Event{
		Name: protocol.EventCustom, Subclass: protocol.SubclassConference,
		Headers: map[string]string{protocol.HeaderConferenceUUID: "other", protocol.HeaderAction: "add-member"},
	}})
	fake.send(protocol.EventFrame{Type: protocol.TypeEvent, Endpoint: "ep-1", Event: protocol.Event{
		Name: protocol.EventCustom, Subclass: protocol.SubclassConference,
		Headers: map[string]string{protocol.HeaderConferenceUUID: "inst-1", protocol.HeaderAction: "start-talking"},
	}})

	select {
	case ev := <-events:
		if ev.Action() != "start-talking" {
			t.Fatalf("event action = %q, want start-talking (filtered event leaked)", ev.Action())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}

	fake.send(protocol.EventFrame{Type: protocol.TypeEvent, Endpoint: "ep-1", Event: protocol.Event{Name: protocol.EventDestroy}})
	select {
	case <-ep.Destroyed():
	case <-time.After(2 * time.Second):
		t.Fatalf("Destroyed() not closed after destroy event")
	}
	if _, err := ep.API(ctx, "uuid_break", "ep-1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("API() after destroy error = %v, want ErrClosed", err)
	}
}

func TestClientTerminalReplyMapsToErrClosed(t *testing.T) {
	_, ts := newFakeMediaServer(t)
	ctx := context.Background()
	c, err := Dial(ctx, wsURL(ts), ClientOptions{Logger: observability.DiscardLogger()})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	ep, err := c.Allocate(ctx, "CA1")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if _, err := ep.API(ctx, "explode", ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("API() error = %v, want ErrClosed", err)
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	fake, ts := newFakeMediaServer(t)
	ctx := context.Background()
	c, err := Dial(ctx, wsURL(ts), ClientOptions{
		Logger:       observability.DiscardLogger(),
		ReconnectMax: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()
	<-fake.ready

	fake.dropConnection()
	select {
	case <-fake.ready:
	case <-time.After(3 * time.Second):
		t.Fatalf("client did not reconnect")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := c.Allocate(ctx, "CA2")
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Allocate() after reconnect error = %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNormalizeControlURL(t *testing.T) {
	got, err := normalizeControlURL("http://media:8021")
	if err != nil || got != "ws://media:8021/" {
		t.Fatalf("normalizeControlURL() = %q, %v, want ws://media:8021/", got, err)
	}
	if _, err := normalizeControlURL("ftp://x"); err == nil {
		t.Fatalf("normalizeControlURL(ftp) error = nil, want error")
	}
}
