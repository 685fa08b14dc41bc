package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ent0n29/featureserver/internal/webhook"
)

// Base carries the state every task variant shares. Variants embed it, call
// Init from their constructor and Finish when Exec returns.
type Base struct {
	verb       Verb
	kind       Kind
	pre        Precondition
	desc       Descriptor
	actionHook *webhook.Hook

	killed   atomic.Bool
	killCh   chan struct{}
	killOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// Init prepares an embedded Base. It must be called once, before the task
// is shared.
func (b *Base) Init(verb Verb, kind Kind, pre Precondition, data json.RawMessage, actionHook *webhook.Hook) {
	b.verb = verb
	b.kind = kind
	b.pre = pre
	b.desc = Descriptor{string(verb): data}
	b.actionHook = actionHook
	b.killCh = make(chan struct{})
	b.done = make(chan struct{})
}

func (b *Base) Name() Verb                  { return b.verb }
func (b *Base) Kind() Kind                  { return b.kind }
func (b *Base) Preconditions() Precondition { return b.pre }
func (b *Base) Descriptor() Descriptor      { return b.desc }
func (b *Base) Done() <-chan struct{}       { return b.done }
func (b *Base) Killed() bool                { return b.killed.Load() }

// KillSignal is closed by MarkKilled.
func (b *Base) KillSignal() <-chan struct{} { return b.killCh }

// MarkKilled flags the task as killed. It reports true only the first time.
func (b *Base) MarkKilled() bool {
	first := false
	b.killOnce.Do(func() {
		first = true
		b.killed.Store(true)
		close(b.killCh)
	})
	return first
}

// Finish closes Done. Extra calls are ignored.
func (b *Base) Finish() {
	b.doneOnce.Do(func() { close(b.done) })
}

func (b *Base) ActionHook() *webhook.Hook { return b.actionHook }

// PerformAction invokes the action hook, if any, with the call info merged
// with params. A non-empty response replaces the rest of the application.
func (b *Base) PerformAction(ctx context.Context, cs CallSession, params map[string]any) error {
	if b.actionHook == nil || b.actionHook.IsZero() {
		return nil
	}
	payload := make(map[string]any, len(params)+8)
	for k, v := range cs.CallInfo() {
		payload[k] = v
	}
	for k, v := range params {
		payload[k] = v
	}
	raw, err := cs.Requestor().Request(ctx, *b.actionHook, payload)
	if err != nil {
		return fmt.Errorf("%s action hook: %w", b.verb, err)
	}
	if len(raw) == 0 {
		return nil
	}
	descs, err := Normalize(raw)
	if err != nil {
		return fmt.Errorf("%s action hook response: %w", b.verb, err)
	}
	if len(descs) == 0 {
		return nil
	}
	return cs.ReplaceApplication(descs)
}

// commonFields are accepted by every verb.
type commonFields struct {
	ActionHook *webhook.Hook `json:"actionHook,omitempty"`
}
