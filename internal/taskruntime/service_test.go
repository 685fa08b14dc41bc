package taskruntime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/featureserver/internal/conference"
	"github.com/ent0n29/featureserver/internal/media"
	"github.com/ent0n29/featureserver/internal/observability"
	"github.com/ent0n29/featureserver/internal/protocol"
	"github.com/ent0n29/featureserver/internal/session"
	"github.com/ent0n29/featureserver/internal/store"
	"github.com/ent0n29/featureserver/internal/tasks"
	"github.com/ent0n29/featureserver/internal/tasks/taskstest"
	"github.com/ent0n29/featureserver/internal/webhook"
)

const callHookURL = "http://app.test/call"

type serviceFixture struct {
	svc       *Service
	apps      *StaticApplications
	store     *store.InMemoryStore
	alloc     *media.MockAllocator
	requestor *taskstest.Requestor
	sessions  *session.Manager
}

func newServiceFixture(t *testing.T, cfg Config) *serviceFixture {
	t.Helper()
	fx := &serviceFixture{
		apps:      NewStaticApplications(),
		store:     store.NewInMemoryStore(),
		alloc:     media.NewMockAllocator(),
		requestor: taskstest.NewRequestor("http://app.test"),
		sessions:  session.NewManager(time.Minute),
	}
	factory := tasks.NewFactory()
	factory.RegisterConference(conference.Constructor(conference.Deps{Store: fx.store}))
	if cfg.LocalSIPAddress == "" {
		cfg.LocalSIPAddress = "10.0.0.1:5060"
	}
	fx.svc = New(cfg, Deps{
		Applications: fx.apps,
		Snapshots:    fx.store,
		Factory:      factory,
		Sessions:     fx.sessions,
		Allocator:    fx.alloc,
		Logger:       observability.DiscardLogger(),
		Requestors:   func(webhook.Hook) tasks.Requestor { return fx.requestor },
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = fx.svc.Close(ctx)
	})
	return fx
}

func defaultApp() session.Application {
	return session.Application{
		AccountSID:     "acct1",
		ApplicationSID: "app1",
		CallHook:       webhook.Hook{URL: callHookURL},
	}
}

func waitEnded(t *testing.T, call *session.Call) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for call.Status() != session.StatusEnded {
		if time.Now().After(deadline) {
			t.Fatalf("call %s did not end", call.CallSID())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAdmitRunsApplication(t *testing.T) {
	fx := newServiceFixture(t, Config{})
	fx.apps.SetDefault(defaultApp())
	fx.requestor.Respond(callHookURL, `[{"play":{"url":"http://a/hello.wav"}},{"hangup":{}}]`)

	call, err := fx.svc.Admit(context.Background(), InboundCall{CallID: "dlg-1", From: "+15551230000", To: "+15559870000"})
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	waitEnded(t, call)

	eps := fx.alloc.Endpoints(call.CallSID())
	if len(eps) != 1 {
		t.Fatalf("allocated endpoints = %d, want 1", len(eps))
	}
	if plays := eps[0].OpsFor(protocol.MethodPlay); len(plays) != 1 || plays[0].Args[0] != "http://a/hello.wav" {
		t.Fatalf("plays = %+v, want hello.wav", plays)
	}
	reqs := fx.requestor.RequestsTo(callHookURL)
	if len(reqs) != 1 {
		t.Fatalf("call hook requests = %d, want 1", len(reqs))
	}
	if reqs[0].Params["from"] != "15551230000" || reqs[0].Params["call_status"] != "trying" {
		t.Fatalf("call hook params = %v", reqs[0].Params)
	}
	if _, err := fx.sessions.Get(call.CallSID()); err != nil {
		t.Fatalf("Sessions.Get() error = %v, want ended call retained", err)
	}
}

func TestAdmitRejectsAtCapacity(t *testing.T) {
	fx := newServiceFixture(t, Config{MaxCalls: 1})
	fx.apps.SetDefault(defaultApp())
	fx.requestor.Respond(callHookURL, `[{"pause":{"length":30}}]`)

	if _, err := fx.svc.Admit(context.Background(), InboundCall{CallID: "dlg-1", To: "1"}); err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}
	_, err := fx.svc.Admit(context.Background(), InboundCall{CallID: "dlg-2", To: "1"})
	if !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("second Admit() error = %v, want ErrAtCapacity", err)
	}
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Reason == "" {
		t.Fatalf("second Admit() error = %v, want *Rejection with reason", err)
	}
}

func TestAdmitRejectsUnroutedCall(t *testing.T) {
	fx := newServiceFixture(t, Config{})
	_, err := fx.svc.Admit(context.Background(), InboundCall{CallID: "dlg-1", To: "15550000000"})
	if !errors.Is(err, ErrNoApplication) {
		t.Fatalf("Admit() error = %v, want ErrNoApplication", err)
	}
	if fx.sessions.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", fx.sessions.ActiveCount())
	}
}

func TestAdmitRejectsEmptyApplication(t *testing.T) {
	fx := newServiceFixture(t, Config{})
	fx.apps.SetDefault(defaultApp())
	fx.requestor.Respond(callHookURL, `[]`)

	_, err := fx.svc.Admit(context.Background(), InboundCall{CallID: "dlg-1", To: "1"})
	if !errors.Is(err, ErrNoTasks) {
		t.Fatalf("Admit() error = %v, want ErrNoTasks", err)
	}
}

func TestAdmitRejectsFailedCallHook(t *testing.T) {
	fx := newServiceFixture(t, Config{})
	fx.apps.SetDefault(defaultApp())
	hookErr := errors.New("connection refused")
	fx.requestor.Fail(callHookURL, hookErr)

	_, err := fx.svc.Admit(context.Background(), InboundCall{CallID: "dlg-1", To: "1"})
	if !errors.Is(err, hookErr) {
		t.Fatalf("Admit() error = %v, want wrapped hook error", err)
	}
}

func TestAdmitRehydratesMigratedCall(t *testing.T) {
	fx := newServiceFixture(t, Config{})
	app, _ := json.Marshal(defaultApp())
	play, _ := tasks.NewDescriptor(tasks.VerbPlay, map[string]string{"url": "http://a/resumed.wav"})
	payload, _ := json.Marshal(conference.Snapshot{Application: app, Tasks: []tasks.Descriptor{play}})
	if err := fx.store.Put(context.Background(), "tok-1", payload, time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	in := InboundCall{CallID: "dlg-9", To: "1", RequestURI: "sip:context-tok-1@10.0.0.1:5060"}
	call, err := fx.svc.Admit(context.Background(), in)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if !call.IsTransferredCall() {
		t.Fatalf("IsTransferredCall() = false, want true")
	}
	if call.AccountSID() != "acct1" {
		t.Fatalf("AccountSID() = %q, want %q", call.AccountSID(), "acct1")
	}
	waitEnded(t, call)
	eps := fx.alloc.Endpoints(call.CallSID())
	if len(eps) != 1 || len(eps[0].OpsFor(protocol.MethodPlay)) != 1 {
		t.Fatalf("resumed play did not run")
	}
	if len(fx.requestor.RequestsTo(callHookURL)) != 0 {
		t.Fatalf("call hook requested for migrated call")
	}

	in.CallID = "dlg-10"
	if _, err := fx.svc.Admit(context.Background(), in); !errors.Is(err, ErrSnapshotExpired) {
		t.Fatalf("second Admit() error = %v, want ErrSnapshotExpired", err)
	}
}

func TestHangupStopsRunningCall(t *testing.T) {
	fx := newServiceFixture(t, Config{})
	fx.apps.SetDefault(defaultApp())
	fx.requestor.Respond(callHookURL, `[{"pause":{"length":30}},{"play":{"url":"http://a/never.wav"}}]`)

	call, err := fx.svc.Admit(context.Background(), InboundCall{CallID: "dlg-1", To: "1"})
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := fx.svc.Hangup(call.CallSID()); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	waitEnded(t, call)
	if len(fx.alloc.Endpoints(call.CallSID())) != 0 {
		t.Fatalf("queued play ran after hangup")
	}
	if err := fx.svc.Hangup("missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Hangup(missing) error = %v, want ErrNotFound", err)
	}
}

func TestNotifyStartConferenceRequiresWaitingCall(t *testing.T) {
	fx := newServiceFixture(t, Config{})
	fx.apps.SetDefault(defaultApp())
	fx.requestor.Respond(callHookURL, `[{"pause":{"length":30}}]`)

	call, err := fx.svc.Admit(context.Background(), InboundCall{CallID: "dlg-1", To: "1"})
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := fx.svc.NotifyStartConference(call.CallSID(), "10.0.0.2:5060"); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("NotifyStartConference() error = %v, want ErrNotWaiting", err)
	}
	if err := fx.svc.NotifyStartConference("missing", "10.0.0.2:5060"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("NotifyStartConference(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCallStatusHookReportsProgress(t *testing.T) {
	fx := newServiceFixture(t, Config{CallStatusEnabled: true})
	app := defaultApp()
	app.CallStatusHook = &webhook.Hook{URL: "http://app.test/status"}
	fx.apps.SetDefault(app)
	fx.requestor.Respond(callHookURL, `[{"hangup":{}}]`)

	call, err := fx.svc.Admit(context.Background(), InboundCall{CallID: "dlg-1", To: "1"})
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	waitEnded(t, call)

	deadline := time.Now().Add(2 * time.Second)
	for len(fx.requestor.RequestsTo("http://app.test/status")) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("status requests = %d, want 2", len(fx.requestor.RequestsTo("http://app.test/status")))
		}
		time.Sleep(5 * time.Millisecond)
	}
	seen := map[any]bool{}
	for _, r := range fx.requestor.RequestsTo("http://app.test/status") {
		seen[r.Params["call_status"]] = true
	}
	if !seen["in-progress"] || !seen["completed"] {
		t.Fatalf("status events = %v, want in-progress and completed", seen)
	}
}
