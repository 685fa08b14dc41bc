package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/ent0n29/featureserver/internal/media"
	"github.com/ent0n29/featureserver/internal/webhook"
)

// HookVerbs are the only verbs allowed in wait and enter hook responses.
var HookVerbs = []Verb{VerbPlay, VerbSay, VerbPause}

// Runner executes a short list of tasks in order on one endpoint. Killing it
// kills the task in flight and skips the rest.
type Runner struct {
	tasks []Task

	mu      sync.Mutex
	current Task
	killed  bool
}

func NewRunner(tasks []Task) *Runner {
	return &Runner{tasks: tasks}
}

// Run executes the tasks. Cancelling ctx behaves like Kill, and Run does not
// return until that kill has been delivered.
func (r *Runner) Run(ctx context.Context, cs CallSession, ep media.Endpoint) error {
	cancelled := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(cancelled)
		r.Kill(cs)
	})
	defer func() {
		if !stop() {
			<-cancelled
		}
	}()

	for _, t := range r.tasks {
		r.mu.Lock()
		if r.killed {
			r.mu.Unlock()
			return nil
		}
		r.current = t
		r.mu.Unlock()

		err := t.Exec(ctx, cs, ep)

		r.mu.Lock()
		r.current = nil
		killed := r.killed
		r.mu.Unlock()
		if killed {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}
	}
	return nil
}

func (r *Runner) Kill(cs CallSession) {
	r.mu.Lock()
	if r.killed {
		r.mu.Unlock()
		return
	}
	r.killed = true
	current := r.current
	r.mu.Unlock()
	if current != nil {
		current.Kill(cs)
	}
}

// FetchHookTasks calls hook and builds its response, rejecting any verb not
// in allowed. An empty response yields no tasks.
func FetchHookTasks(ctx context.Context, cs CallSession, f *Factory, hook webhook.Hook, params any, allowed ...Verb) ([]Task, error) {
	raw, err := cs.Requestor().Request(ctx, hook, params)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	descs, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	for _, d := range descs {
		if !verbAllowed(d.Verb(), allowed) {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedHookVerb, d.Verb())
		}
	}
	return f.MakeAll(descs)
}

func verbAllowed(v Verb, allowed []Verb) bool {
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}
