package conference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/featureserver/internal/media"
	"github.com/ent0n29/featureserver/internal/store"
	"github.com/ent0n29/featureserver/internal/tasks"
	"github.com/ent0n29/featureserver/internal/webhook"
)

const (
	holdSilence         = "silence_stream://750"
	waitListTimeout     = 5 * time.Second
	startConferencePath = "/v1/startConference/"
)

// CallbackURL is where a waiting call is told that its conference started.
func CallbackURL(serviceURL, callSID string) string {
	return serviceURL + startConferencePath + callSID
}

// doWait parks the call on the wait list until the conference starts or the
// call is killed. While parked the wait hook is played in a loop.
func (t *Task) doWait(ctx context.Context, cs tasks.CallSession, ep media.Endpoint) error {
	key := WaitListKey(t.ConfName())
	url := CallbackURL(cs.ServiceURL(), cs.CallSID())

	added, err := t.deps.Store.Add(ctx, key, url)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrWaitListAdd, t.ConfName(), err)
	}
	if added != 1 {
		return fmt.Errorf("%w %s: %d", ErrWaitListAdd, t.ConfName(), added)
	}
	t.log().Debug("added to the wait list", "name", t.ConfName())

	hookCtx, stopHook := context.WithCancel(ctx)
	defer stopHook()
	var hookErr chan error
	if h := t.opts.WaitHook; h != nil && !h.IsZero() {
		hookErr = make(chan error, 1)
		go func() { hookErr <- t.waitHookLoop(hookCtx, cs, ep, *h) }()
	}

	for {
		select {
		case host := <-t.joinCh:
			stopHook()
			if hookErr != nil {
				// The hold prompt must be broken before the call moves on.
				<-hookErr
			}
			t.log().Info("time to join conference", "name", t.ConfName(), "host", host)
			t.joinAfterWait(ctx, host)
			return t.doJoin(ctx, cs, ep)
		case <-t.KillSignal():
			stopHook()
			t.removeFromWaitList(key, url)
			return nil
		case <-ctx.Done():
			t.removeFromWaitList(key, url)
			return nil
		case err := <-hookErr:
			hookErr = nil
			if err != nil {
				stopHook()
				t.removeFromWaitList(key, url)
				return err
			}
		}
	}
}

// waitHookLoop plays the wait hook until it returns nothing or ctx ends.
// Only a misconfigured hook is reported.
func (t *Task) waitHookLoop(ctx context.Context, cs tasks.CallSession, ep media.Endpoint, hook webhook.Hook) error {
	for ctx.Err() == nil {
		if err := ep.Play(ctx, holdSilence); err != nil {
			return nil
		}
		n, err := t.playHook(ctx, cs, ep, hook)
		if err != nil {
			if errors.Is(err, tasks.ErrUnsupportedHookVerb) {
				return err
			}
			if ctx.Err() == nil {
				t.log().Info("failed retrieving wait hook", "name", t.ConfName(), "error", err)
			}
			return nil
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

// playHook fetches hook and plays what it returns. It reports the number of
// tasks played.
func (t *Task) playHook(ctx context.Context, cs tasks.CallSession, ep media.Endpoint, hook webhook.Hook) (int, error) {
	list, err := tasks.FetchHookTasks(ctx, cs, t.factory, hook, cs.CallInfo(), tasks.HookVerbs...)
	if err != nil {
		return 0, err
	}
	if len(list) == 0 {
		return 0, nil
	}
	t.log().Debug("executing hook tasks", "count", len(list))
	return len(list), tasks.NewRunner(list).Run(ctx, cs, ep)
}

// joinAfterWait records the host and adopts the settings of whoever
// provisioned the conference.
func (t *Task) joinAfterWait(ctx context.Context, host string) {
	d, err := t.deps.Store.Read(ctx, t.ConfName())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.action = ActionJoin
	t.state = StateJoin
	t.hostAddress = host
	switch {
	case err == nil:
		t.startTime = d.StartTime
		t.statusEvents = append([]string(nil), d.StatusEvents...)
		t.statusHook = d.StatusHook
	case errors.Is(err, store.ErrNotFound):
		t.startTime = t.deps.Now()
	default:
		t.logger.Info("could not read conference after wait", "name", t.confName, "error", err)
		t.startTime = t.deps.Now()
	}
}

func (t *Task) removeFromWaitList(key, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), waitListTimeout)
	defer cancel()
	n, err := t.deps.Store.Remove(ctx, key, url)
	if err != nil {
		t.log().Info("error removing from wait list", "name", t.ConfName(), "error", err)
		return
	}
	t.log().Debug("removed from wait list", "name", t.ConfName(), "count", n)
}
