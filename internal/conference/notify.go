package conference

import (
	"context"
	"time"

	"github.com/ent0n29/featureserver/internal/tasks"
)

const statusHookTimeout = 15 * time.Second

// notify fires a lifecycle event at the status hook if the conference
// subscribed to it. Delivery is asynchronous and failures are only logged.
func (t *Task) notify(cs tasks.CallSession, event string, extra map[string]any) {
	t.mu.Lock()
	if t.statusHook == nil || !contains(t.statusEvents, event) {
		t.mu.Unlock()
		return
	}
	hook := *t.statusHook
	now := t.deps.Now()

	params := make(map[string]any, len(extra)+len(t.statusParams)+4)
	for k, v := range extra {
		params[k] = v
	}
	params["event"] = event
	if !t.startTime.IsZero() {
		params["duration"] = now.Sub(t.startTime).Seconds()
	}
	if _, ok := params["time"]; !ok {
		params["time"] = formatTime(now)
	}
	if _, ok := params["members"]; !ok && t.haveCount {
		params["members"] = t.participants
	}
	for k, v := range t.statusParams {
		params[k] = v
	}
	logger := t.logger
	t.mu.Unlock()

	t.deps.Metrics.ObserveLifecycle(event)
	requestor := cs.Requestor()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), statusHookTimeout)
		defer cancel()
		if _, err := requestor.Request(ctx, hook, params); err != nil {
			t.deps.Metrics.ObserveWebhookError("conference_status")
			logger.Info("conference status notification failed", "event", event, "error", err)
		}
	}()
}

// formatTime renders an instant the way status hooks expect it
// (UTC, millisecond precision).
func formatTime(ts time.Time) string {
	return ts.UTC().Format("2006-01-02T15:04:05.000Z")
}
