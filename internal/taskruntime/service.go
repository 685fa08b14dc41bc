package taskruntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/featureserver/internal/conference"
	"github.com/ent0n29/featureserver/internal/media"
	"github.com/ent0n29/featureserver/internal/observability"
	"github.com/ent0n29/featureserver/internal/session"
	"github.com/ent0n29/featureserver/internal/signaling"
	"github.com/ent0n29/featureserver/internal/store"
	"github.com/ent0n29/featureserver/internal/tasks"
	"github.com/ent0n29/featureserver/internal/webhook"
)

var (
	ErrAtCapacity      = errors.New("call capacity reached")
	ErrNoTasks         = errors.New("no application provided")
	ErrSnapshotExpired = errors.New("migration snapshot not found")
	ErrNotWaiting      = errors.New("call is not waiting for a conference")
)

// Rejection is an admission failure with the reason reported to the
// signaling layer.
type Rejection struct {
	Reason string
	Err    error
}

func (r *Rejection) Error() string { return r.Reason + ": " + r.Err.Error() }
func (r *Rejection) Unwrap() error { return r.Err }

func reject(reason string, err error) error {
	return &Rejection{Reason: reason, Err: err}
}

type Config struct {
	LocalSIPAddress   string
	ServiceURL        string
	SignalingURL      string
	WebhookTimeout    time.Duration
	CallStatusEnabled bool
	// MaxCalls caps concurrently active calls; 0 disables the cap.
	MaxCalls  int
	TTSEngine string
	TTSVoice  string
}

// InboundCall is a new call offered by the signaling layer.
type InboundCall struct {
	CallSID         string `json:"call_sid,omitempty"`
	CallID          string `json:"call_id"`
	Direction       string `json:"direction,omitempty"`
	From            string `json:"from"`
	To              string `json:"to"`
	CallerName      string `json:"caller_name,omitempty"`
	RequestURI      string `json:"request_uri,omitempty"`
	ApplicationSID  string `json:"application_sid,omitempty"`
	OriginatingUser string `json:"originating_user,omitempty"`
}

// Deps are the collaborators the service drives.
type Deps struct {
	Applications ApplicationSource
	Snapshots    store.Snapshots
	Factory      *tasks.Factory
	Sessions     *session.Manager
	Allocator    media.Allocator
	Metrics      *observability.Metrics
	Logger       *slog.Logger
	// Requestors builds the webhook client for an application; tests swap it.
	Requestors func(hook webhook.Hook) tasks.Requestor
}

// Service admits calls and runs their verbs.
type Service struct {
	cfg       Config
	deps      Deps
	signaling signaling.Poster
	synth     tasks.Synthesizer

	mu             sync.Mutex
	runningCancels map[string]context.CancelFunc
	wg             sync.WaitGroup
}

func New(cfg Config, deps Deps) *Service {
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Requestors == nil {
		timeout := cfg.WebhookTimeout
		deps.Requestors = func(hook webhook.Hook) tasks.Requestor {
			return webhook.NewClient(hook, timeout)
		}
	}
	s := &Service{
		cfg:            cfg,
		deps:           deps,
		synth:          tasks.EngineSynthesizer{Engine: cfg.TTSEngine, Voice: cfg.TTSVoice},
		runningCancels: make(map[string]context.CancelFunc),
	}
	if cfg.SignalingURL != "" {
		s.signaling = webhook.NewClient(webhook.Hook{URL: cfg.SignalingURL}, cfg.WebhookTimeout)
	}
	return s
}

// Admit resolves the call's application, builds its verbs and starts
// executing them. A call whose request URI carries a migration token resumes
// the snapshot left by the process that redirected it.
func (s *Service) Admit(ctx context.Context, in InboundCall) (*session.Call, error) {
	if s.cfg.MaxCalls > 0 && s.deps.Sessions.ActiveCount() >= s.cfg.MaxCalls {
		s.deps.Metrics.ObserveCallEvent("rejected")
		return nil, reject("at capacity", ErrAtCapacity)
	}
	if in.CallSID == "" {
		in.CallSID = uuid.NewString()
	}
	if in.CallID == "" {
		in.CallID = in.CallSID
	}
	in.From = normalizeNumber(in.From)
	in.To = normalizeNumber(in.To)
	logger := s.deps.Logger.With("callSid", in.CallSID, "callId", in.CallID)

	var (
		app         session.Application
		list        []tasks.Task
		transferred bool
		err         error
	)
	if token, ok := conference.TokenFromTarget(in.RequestURI); ok {
		app, list, err = s.rehydrate(ctx, token)
		transferred = true
	} else {
		app, list, err = s.fetchApplication(ctx, in, logger)
	}
	if err != nil {
		logger.Info("rejecting call", "to", in.To, "error", err)
		s.deps.Metrics.ObserveCallEvent("rejected")
		return nil, err
	}

	call := session.NewCall(session.Params{
		CallSID:         in.CallSID,
		CallID:          in.CallID,
		Direction:       in.Direction,
		From:            in.From,
		To:              in.To,
		CallerName:      in.CallerName,
		Application:     app,
		Logger:          logger,
		Requestor:       s.deps.Requestors(app.CallHook),
		Dialog:          s.dialogFor(in.CallID),
		Allocator:       s.deps.Allocator,
		Factory:         s.deps.Factory,
		Synthesizer:     s.synth,
		LocalSIPAddress: s.cfg.LocalSIPAddress,
		ServiceURL:      s.cfg.ServiceURL,
		Transferred:     transferred,
		OnEnd:           s.callEnded,
	})
	call.SetTasks(list)
	if err := s.deps.Sessions.Add(call); err != nil {
		s.deps.Metrics.ObserveCallEvent("rejected")
		return nil, reject("duplicate call", err)
	}

	event := "admitted"
	if transferred {
		event = "rehydrated"
	}
	s.deps.Metrics.ObserveCallEvent(event)
	s.deps.Metrics.SetActiveCalls(s.deps.Sessions.ActiveCount())
	logger.Info("call admitted", "application", app.ApplicationSID, "tasks", len(list), "transferred", transferred)
	s.notifyCallStatus(call, "in-progress")

	runCtx, cancel := context.WithCancel(context.Background())
	s.setRunningCancel(in.CallSID, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.clearRunningCancel(in.CallSID)
		call.Run(runCtx)
	}()
	return call, nil
}

func (s *Service) fetchApplication(ctx context.Context, in InboundCall, logger *slog.Logger) (session.Application, []tasks.Task, error) {
	app, err := s.deps.Applications.Lookup(ctx, in)
	if err != nil {
		return session.Application{}, nil, reject("no configured application", err)
	}
	if app.CallHook.IsZero() {
		return session.Application{}, nil, reject("no configured application", ErrNoApplication)
	}
	logger.Info("retrieved application for incoming call", "to", in.To, "application", app.ApplicationSID)

	params := map[string]any{
		"call_sid":        in.CallSID,
		"call_id":         in.CallID,
		"account_sid":     app.AccountSID,
		"application_sid": app.ApplicationSID,
		"direction":       directionOf(in),
		"from":            in.From,
		"to":              in.To,
		"caller_name":     in.CallerName,
		"call_status":     "trying",
	}
	raw, err := s.deps.Requestors(app.CallHook).Request(ctx, app.CallHook, params)
	if err != nil {
		return session.Application{}, nil, reject("error retrieving application", err)
	}
	list, err := s.deps.Factory.MakeFromPayload(raw)
	if err != nil {
		return session.Application{}, nil, reject("error parsing application", err)
	}
	if len(list) == 0 {
		return session.Application{}, nil, reject("no application provided", ErrNoTasks)
	}
	return app, list, nil
}

// rehydrate claims a migration snapshot. Each snapshot can be claimed once.
func (s *Service) rehydrate(ctx context.Context, token string) (session.Application, []tasks.Task, error) {
	payload, err := s.deps.Snapshots.Take(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return session.Application{}, nil, reject("unknown migration context", ErrSnapshotExpired)
		}
		return session.Application{}, nil, reject("error retrieving migration context", err)
	}
	snap, err := conference.DecodeSnapshot(payload)
	if err != nil {
		return session.Application{}, nil, reject("invalid migration context", err)
	}
	var app session.Application
	if len(snap.Application) > 0 {
		if err := json.Unmarshal(snap.Application, &app); err != nil {
			return session.Application{}, nil, reject("invalid migration context", err)
		}
	}
	list, err := s.deps.Factory.MakeAll(snap.Tasks)
	if err != nil {
		return session.Application{}, nil, reject("invalid migration context", err)
	}
	if len(list) == 0 {
		return session.Application{}, nil, reject("no application provided", ErrNoTasks)
	}
	return app, list, nil
}

func (s *Service) dialogFor(callID string) signaling.Dialog {
	if s.signaling == nil {
		return signaling.NewDetachedDialog(callID)
	}
	return signaling.NewHTTPDialog(s.cfg.SignalingURL, callID, s.signaling)
}

func (s *Service) callEnded(call *session.Call) {
	s.deps.Metrics.ObserveCallEvent("ended")
	s.deps.Metrics.SetActiveCalls(s.deps.Sessions.ActiveCount())
	s.notifyCallStatus(call, "completed")
}

// notifyCallStatus reports call progress to the application's status hook.
func (s *Service) notifyCallStatus(call *session.Call, status string) {
	hook := call.Application().CallStatusHook
	if !s.cfg.CallStatusEnabled || hook == nil || hook.IsZero() {
		return
	}
	params := call.StatusHookParams(status)
	requestor := s.deps.Requestors(*hook)
	logger := call.Logger()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WebhookTimeout)
		defer cancel()
		if _, err := requestor.Request(ctx, *hook, params); err != nil {
			s.deps.Metrics.ObserveWebhookError("call_status")
			logger.Info("call status notification failed", "status", status, "error", err)
		}
	}()
}

// Hangup handles the far end hanging up: the call's context is cancelled and
// its current verb killed.
func (s *Service) Hangup(callSID string) error {
	call, err := s.deps.Sessions.Get(callSID)
	if err != nil {
		return err
	}
	if cancel := s.getRunningCancel(callSID); cancel != nil {
		cancel()
	}
	call.Terminate()
	return nil
}

// NotifyStartConference tells a call waiting on a conference where it is now
// hosted.
func (s *Service) NotifyStartConference(callSID, hostAddress string) error {
	call, err := s.deps.Sessions.Get(callSID)
	if err != nil {
		return err
	}
	if !call.NotifyStartConference(hostAddress) {
		return ErrNotWaiting
	}
	return nil
}

func (s *Service) setRunningCancel(callSID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningCancels[callSID] = cancel
}

func (s *Service) getRunningCancel(callSID string) context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningCancels[callSID]
}

func (s *Service) clearRunningCancel(callSID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runningCancels, callSID)
}

// Close ends every running call and waits for their task loops, bounded by
// ctx.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	sids := make([]string, 0, len(s.runningCancels))
	for sid := range s.runningCancels {
		sids = append(sids, sid)
	}
	s.mu.Unlock()
	for _, sid := range sids {
		_ = s.Hangup(sid)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d calls to end: %w", len(sids), ctx.Err())
	}
}

func directionOf(in InboundCall) string {
	if in.Direction == "" {
		return "inbound"
	}
	return in.Direction
}
