// Package taskstest provides in-memory call sessions and requestors for
// testing tasks.
package taskstest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/ent0n29/featureserver/internal/media"
	"github.com/ent0n29/featureserver/internal/observability"
	"github.com/ent0n29/featureserver/internal/signaling"
	"github.com/ent0n29/featureserver/internal/tasks"
	"github.com/ent0n29/featureserver/internal/webhook"
)

// Request is one recorded webhook call.
type Request struct {
	Hook   webhook.Hook
	Params map[string]any
}

// Post is one recorded Post call.
type Post struct {
	URL    string
	Body   any
	Status int
}

// Requestor answers hooks from a table keyed by URL. Responses listed for a
// URL are returned in order; the last one repeats.
type Requestor struct {
	Base string

	mu        sync.Mutex
	responses map[string][]json.RawMessage
	errs      map[string]error
	requests  []Request
	posts     []Post
	postErr   map[string]error
	notify    chan Request
}

func NewRequestor(base string) *Requestor {
	return &Requestor{
		Base:      base,
		responses: make(map[string][]json.RawMessage),
		errs:      make(map[string]error),
		postErr:   make(map[string]error),
		notify:    make(chan Request, 64),
	}
}

// Respond queues bodies for url, resolved against Base when relative.
func (r *Requestor) Respond(url string, bodies ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range bodies {
		var raw json.RawMessage
		if b != "" {
			raw = json.RawMessage(b)
		}
		r.responses[r.resolve(url)] = append(r.responses[r.resolve(url)], raw)
	}
}

func (r *Requestor) Fail(url string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[r.resolve(url)] = err
}

func (r *Requestor) FailPost(url string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postErr[url] = err
}

func (r *Requestor) resolve(url string) string {
	if len(url) > 0 && url[0] == '/' {
		return r.Base + url
	}
	return url
}

func (r *Requestor) Request(_ context.Context, hook webhook.Hook, params any) (json.RawMessage, error) {
	hook.URL = r.resolve(hook.URL)
	var flat map[string]any
	if raw, err := json.Marshal(params); err == nil {
		_ = json.Unmarshal(raw, &flat)
	}
	req := Request{Hook: hook, Params: flat}

	r.mu.Lock()
	r.requests = append(r.requests, req)
	err := r.errs[hook.URL]
	var body json.RawMessage
	if queue := r.responses[hook.URL]; len(queue) > 0 {
		body = queue[0]
		if len(queue) > 1 {
			r.responses[hook.URL] = queue[1:]
		}
	}
	r.mu.Unlock()

	select {
	case r.notify <- req:
	default:
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (r *Requestor) Post(_ context.Context, target string, body any, wantStatus int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = append(r.posts, Post{URL: target, Body: body, Status: wantStatus})
	return r.postErr[target]
}

func (r *Requestor) BaseURL() string { return r.Base }

// Requests returns every recorded request.
func (r *Requestor) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

// RequestsTo returns recorded requests whose resolved URL is url.
func (r *Requestor) RequestsTo(url string) []Request {
	url = r.resolve(url)
	var out []Request
	for _, req := range r.Requests() {
		if req.Hook.URL == url {
			out = append(out, req)
		}
	}
	return out
}

func (r *Requestor) Posts() []Post {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Post(nil), r.posts...)
}

// Notifications yields every request as it happens, for tests that wait on
// asynchronous webhooks.
func (r *Requestor) Notifications() <-chan Request {
	return r.notify
}

// Session is a scriptable tasks.CallSession.
type Session struct {
	Account     string
	Call        string
	Info        map[string]any
	Log         *slog.Logger
	Req         *Requestor
	LocalSIP    string
	Service     string
	Transferred bool
	Dlg         signaling.Dialog
	Synth       tasks.Synthesizer
	Remaining   []tasks.Descriptor
	AppSnapshot any

	// ReferResult and ReferErr script ReferCall.
	ReferResult bool
	ReferErr    error

	mu           sync.Mutex
	ep           media.Endpoint
	refers       []string
	replaced     [][]tasks.Descriptor
	customerData map[string]any
	hungUp       bool
	newEndpoints []*media.MockEndpoint
}

func NewSession(ep media.Endpoint) *Session {
	return &Session{
		Account:   "acct1",
		Call:      "CA-test",
		Info:      map[string]any{"call_sid": "CA-test", "account_sid": "acct1"},
		Log:       observability.DiscardLogger(),
		Req:       NewRequestor("http://app.test"),
		LocalSIP:  "10.0.0.1:5060",
		Service:   "http://10.0.0.1:3000",
		Dlg:       signaling.NewDetachedDialog("dlg-test"),
		Synth:     tasks.EngineSynthesizer{Engine: "flite", Voice: "kal"},
		Remaining: []tasks.Descriptor{},
		ep:        ep,
	}
}

func (s *Session) AccountSID() string             { return s.Account }
func (s *Session) CallSID() string                { return s.Call }
func (s *Session) CallInfo() map[string]any       { return s.Info }
func (s *Session) Logger() *slog.Logger           { return s.Log }
func (s *Session) Requestor() tasks.Requestor     { return s.Req }
func (s *Session) LocalSIPAddress() string        { return s.LocalSIP }
func (s *Session) ServiceURL() string             { return s.Service }
func (s *Session) IsTransferredCall() bool        { return s.Transferred }
func (s *Session) Dialog() signaling.Dialog       { return s.Dlg }
func (s *Session) Synthesizer() tasks.Synthesizer { return s.Synth }
func (s *Session) RemainingTaskData() []tasks.Descriptor {
	return s.Remaining
}
func (s *Session) ApplicationSnapshot() any { return s.AppSnapshot }

func (s *Session) Endpoint() media.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ep
}

// ReplaceEndpoint swaps in a fresh MockEndpoint.
func (s *Session) ReplaceEndpoint(context.Context) (media.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep := media.NewMockEndpoint("")
	s.ep = ep
	s.newEndpoints = append(s.newEndpoints, ep)
	return ep, nil
}

// ReplacedEndpoints returns endpoints handed out by ReplaceEndpoint.
func (s *Session) ReplacedEndpoints() []*media.MockEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*media.MockEndpoint(nil), s.newEndpoints...)
}

func (s *Session) ReferCall(_ context.Context, target string) (bool, error) {
	s.mu.Lock()
	s.refers = append(s.refers, target)
	s.mu.Unlock()
	return s.ReferResult, s.ReferErr
}

func (s *Session) Refers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.refers...)
}

func (s *Session) ReplaceApplication(descs []tasks.Descriptor) error {
	if len(descs) == 0 {
		return errors.New("empty application")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, descs)
	return nil
}

func (s *Session) Replaced() [][]tasks.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]tasks.Descriptor(nil), s.replaced...)
}

func (s *Session) Hangup(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hungUp = true
	return nil
}

func (s *Session) HungUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hungUp
}

func (s *Session) SetCustomerData(data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customerData = data
}

func (s *Session) CustomerData() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customerData
}
