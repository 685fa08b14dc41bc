package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/featureserver/internal/conference"
	"github.com/ent0n29/featureserver/internal/media"
	"github.com/ent0n29/featureserver/internal/signaling"
	"github.com/ent0n29/featureserver/internal/tasks"
)

const teardownTimeout = 5 * time.Second

// ErrNoEndpoint is returned when a task needs media but none can be allocated.
var ErrNoEndpoint = errors.New("no media endpoint available")

// Params describe a call at admission.
type Params struct {
	CallSID         string
	CallID          string
	Direction       string
	From            string
	To              string
	CallerName      string
	Application     Application
	Logger          *slog.Logger
	Requestor       tasks.Requestor
	Dialog          signaling.Dialog
	Allocator       media.Allocator
	Factory         *tasks.Factory
	Synthesizer     tasks.Synthesizer
	LocalSIPAddress string
	ServiceURL      string
	Transferred     bool
	// OnEnd runs once after the task loop exits.
	OnEnd func(*Call)
}

// Call is one live call and the verbs it is executing.
type Call struct {
	p         Params
	logger    *slog.Logger
	info      map[string]any
	startedAt time.Time

	mu           sync.Mutex
	status       Status
	endedAt      time.Time
	ep           media.Endpoint
	queue        []tasks.Task
	current      tasks.Task
	stopped      bool
	customerData map[string]any
}

func NewCall(p Params) *Call {
	if p.Direction == "" {
		p.Direction = "inbound"
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Dialog == nil {
		p.Dialog = signaling.NewDetachedDialog(p.CallID)
	}
	if p.Synthesizer == nil {
		p.Synthesizer = tasks.EngineSynthesizer{Engine: "flite", Voice: "kal"}
	}
	c := &Call{
		p:         p,
		logger:    p.Logger.With("callSid", p.CallSID, "callId", p.CallID),
		startedAt: time.Now().UTC(),
		status:    StatusActive,
	}
	c.info = map[string]any{
		"call_sid":        p.CallSID,
		"call_id":         p.CallID,
		"account_sid":     p.Application.AccountSID,
		"application_sid": p.Application.ApplicationSID,
		"direction":       p.Direction,
		"from":            p.From,
		"to":              p.To,
		"caller_name":     p.CallerName,
		"call_status":     "in-progress",
	}
	return c
}

func (c *Call) AccountSID() string             { return c.p.Application.AccountSID }
func (c *Call) CallSID() string                { return c.p.CallSID }
func (c *Call) Logger() *slog.Logger           { return c.logger }
func (c *Call) Requestor() tasks.Requestor     { return c.p.Requestor }
func (c *Call) LocalSIPAddress() string        { return c.p.LocalSIPAddress }
func (c *Call) ServiceURL() string             { return c.p.ServiceURL }
func (c *Call) IsTransferredCall() bool        { return c.p.Transferred }
func (c *Call) Dialog() signaling.Dialog       { return c.p.Dialog }
func (c *Call) Synthesizer() tasks.Synthesizer { return c.p.Synthesizer }
func (c *Call) Application() Application       { return c.p.Application }
func (c *Call) ApplicationSnapshot() any       { return c.p.Application }
func (c *Call) StatusHookParams(status string) map[string]any {
	params := c.CallInfo()
	params["call_status"] = status
	return params
}

// CallInfo returns a copy of the call's webhook parameters, including any
// customer data attached by a tag verb.
func (c *Call) CallInfo() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.info)+1)
	for k, v := range c.info {
		out[k] = v
	}
	if c.customerData != nil {
		out["customerData"] = c.customerData
	}
	return out
}

func (c *Call) SetCustomerData(data map[string]any) {
	c.mu.Lock()
	c.customerData = data
	c.mu.Unlock()
}

func (c *Call) Endpoint() media.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep
}

// SetTasks queues the call's initial verbs.
func (c *Call) SetTasks(list []tasks.Task) {
	c.mu.Lock()
	c.queue = append([]tasks.Task(nil), list...)
	c.mu.Unlock()
}

// RemainingTaskData returns the verb in progress followed by the queued
// ones, which is what a receiving process needs to resume the call.
func (c *Call) RemainingTaskData() []tasks.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]tasks.Descriptor, 0, len(c.queue)+1)
	if c.current != nil {
		out = append(out, c.current.Descriptor())
	}
	for _, t := range c.queue {
		out = append(out, t.Descriptor())
	}
	return out
}

// ReplaceApplication discards the queued verbs and runs descs next.
func (c *Call) ReplaceApplication(descs []tasks.Descriptor) error {
	list, err := c.p.Factory.MakeAll(descs)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.logger.Info("replacing application", "tasks", len(list))
	c.queue = list
	return nil
}

func (c *Call) ReferCall(ctx context.Context, target string) (bool, error) {
	return c.p.Dialog.Refer(ctx, target)
}

// Hangup ends the call from our side; queued verbs are dropped.
func (c *Call) Hangup(ctx context.Context) error {
	c.stop()
	return c.p.Dialog.Hangup(ctx)
}

// Terminate handles a hangup from the far end: the verb in progress is
// killed and nothing else runs.
func (c *Call) Terminate() {
	current := c.stop()
	if current != nil {
		c.logger.Info("killing current task", "task", current.Name())
		current.Kill(c)
	}
}

func (c *Call) stop() tasks.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.queue = nil
	return c.current
}

// ReplaceEndpoint allocates a fresh endpoint and releases the old one.
func (c *Call) ReplaceEndpoint(ctx context.Context) (media.Endpoint, error) {
	if c.p.Allocator == nil {
		return nil, ErrNoEndpoint
	}
	ep, err := c.p.Allocator.Allocate(ctx, c.p.CallSID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	old := c.ep
	c.ep = ep
	c.mu.Unlock()
	if old != nil {
		_ = old.Destroy(ctx)
	}
	return ep, nil
}

func (c *Call) ensureEndpoint(ctx context.Context) (media.Endpoint, error) {
	c.mu.Lock()
	ep := c.ep
	c.mu.Unlock()
	if ep != nil {
		select {
		case <-ep.Destroyed():
		default:
			return ep, nil
		}
	}
	return c.ReplaceEndpoint(ctx)
}

func (c *Call) next() (tasks.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
	if c.stopped || len(c.queue) == 0 {
		return nil, false
	}
	t := c.queue[0]
	c.queue = c.queue[1:]
	c.current = t
	return t, true
}

// Run executes queued verbs until the queue drains, the call is stopped or
// ctx ends. A failing verb is logged and the next one runs.
func (c *Call) Run(ctx context.Context) {
	defer c.finish()
	for ctx.Err() == nil {
		t, ok := c.next()
		if !ok {
			break
		}
		var ep media.Endpoint
		if t.Preconditions() == tasks.PreconditionEndpoint {
			var err error
			if ep, err = c.ensureEndpoint(ctx); err != nil {
				c.logger.Error("failed to allocate endpoint", "task", t.Name(), "error", err)
				break
			}
		}
		c.logger.Debug("executing task", "task", t.Name())
		if err := t.Exec(ctx, c, ep); err != nil {
			c.logger.Info("task failed", "task", t.Name(), "error", err)
		}
	}
}

func (c *Call) finish() {
	c.mu.Lock()
	c.current = nil
	c.stopped = true
	c.status = StatusEnded
	c.endedAt = time.Now().UTC()
	ep := c.ep
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if c.p.Dialog.Connected() {
		if err := c.p.Dialog.Hangup(ctx); err != nil {
			c.logger.Info("hangup at end of application failed", "error", err)
		}
	}
	if ep != nil {
		_ = ep.Destroy(ctx)
	}
	c.logger.Info("call ended")
	if c.p.OnEnd != nil {
		c.p.OnEnd(c)
	}
}

// NotifyStartConference forwards a wait-list notification to the
// conference verb in progress.
func (c *Call) NotifyStartConference(hostAddress string) bool {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()
	ct, ok := current.(*conference.Task)
	if !ok {
		return false
	}
	return ct.NotifyStartConference(hostAddress)
}

func (c *Call) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Call) endedSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endedAt, c.status == StatusEnded
}

func (c *Call) Summary() Summary {
	c.mu.Lock()
	s := Summary{
		CallSID:        c.p.CallSID,
		CallID:         c.p.CallID,
		AccountSID:     c.p.Application.AccountSID,
		ApplicationSID: c.p.Application.ApplicationSID,
		Direction:      c.p.Direction,
		From:           c.p.From,
		To:             c.p.To,
		Status:         c.status,
		Transferred:    c.p.Transferred,
		Remaining:      len(c.queue),
		StartedAt:      c.startedAt,
	}
	if c.status == StatusEnded {
		ended := c.endedAt
		s.EndedAt = &ended
	}
	current := c.current
	c.mu.Unlock()

	if current != nil {
		s.CurrentTask = string(current.Name())
		if ct, ok := current.(*conference.Task); ok {
			info := ct.Info()
			s.Conference = &info
		}
	}
	return s
}
