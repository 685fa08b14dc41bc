package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/featureserver/internal/media"
	"github.com/ent0n29/featureserver/internal/signaling"
)

type hangupData struct {
	Headers map[string]string `json:"headers,omitempty"`
}

// Hangup ends the call.
type Hangup struct {
	Base
	headers map[string]string
}

func newHangup(_ *Factory, data json.RawMessage, _ Task) (Task, error) {
	var d hangupData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	t := &Hangup{headers: d.Headers}
	t.Init(VerbHangup, KindHangup, PreconditionNone, data, nil)
	return t, nil
}

func (t *Hangup) Exec(ctx context.Context, cs CallSession, _ media.Endpoint) error {
	defer t.Finish()
	return cs.Hangup(ctx)
}

func (t *Hangup) Kill(CallSession) { t.MarkKilled() }

type tagData struct {
	Data map[string]any `json:"data"`
}

// Tag attaches application data to the call; it is sent with later webhooks.
type Tag struct {
	Base
	data map[string]any
}

func newTag(_ *Factory, data json.RawMessage, _ Task) (Task, error) {
	var d tagData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if d.Data == nil {
		return nil, errors.New("tag requires data")
	}
	t := &Tag{data: d.Data}
	t.Init(VerbTag, KindTag, PreconditionNone, data, nil)
	return t, nil
}

func (t *Tag) Exec(_ context.Context, cs CallSession, _ media.Endpoint) error {
	defer t.Finish()
	cs.SetCustomerData(t.data)
	return nil
}

func (t *Tag) Kill(CallSession) { t.MarkKilled() }

// Redirect fetches a new application from its action hook.
type Redirect struct {
	Base
}

func newRedirect(_ *Factory, data json.RawMessage, _ Task) (Task, error) {
	var d commonFields
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if d.ActionHook == nil || d.ActionHook.IsZero() {
		return nil, errors.New("redirect requires actionHook")
	}
	t := &Redirect{}
	t.Init(VerbRedirect, KindRedirect, PreconditionNone, data, d.ActionHook)
	return t, nil
}

func (t *Redirect) Exec(ctx context.Context, cs CallSession, _ media.Endpoint) error {
	defer t.Finish()
	return t.PerformAction(ctx, cs, nil)
}

func (t *Redirect) Kill(CallSession) { t.MarkKilled() }

type dialData struct {
	commonFields
	Target    []signaling.BridgeTarget `json:"target"`
	CallerID  string                   `json:"callerId,omitempty"`
	TimeLimit int                      `json:"timeLimit,omitempty"`
}

// Dial bridges the call to one or more targets through the signaling layer.
type Dial struct {
	Base
	targets  []signaling.BridgeTarget
	callerID string
}

func newDial(_ *Factory, data json.RawMessage, _ Task) (Task, error) {
	var d dialData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if len(d.Target) == 0 {
		return nil, errors.New("dial requires at least one target")
	}
	for i, tgt := range d.Target {
		switch tgt.Type {
		case "phone", "user", "sip":
		case "conference":
			return nil, fmt.Errorf("target %d: conference must be the only dial target", i)
		default:
			return nil, fmt.Errorf("target %d: unsupported type %q", i, tgt.Type)
		}
	}
	t := &Dial{targets: d.Target, callerID: d.CallerID}
	t.Init(VerbDial, KindDial, PreconditionNone, data, d.ActionHook)
	return t, nil
}

func (t *Dial) Exec(ctx context.Context, cs CallSession, _ media.Endpoint) error {
	defer t.Finish()
	status := "completed"
	if err := cs.Dialog().Bridge(ctx, t.targets, t.callerID); err != nil {
		cs.Logger().Info("dial: bridge failed", "error", err)
		status = "failed"
	}
	if t.Killed() {
		return nil
	}
	return t.PerformAction(ctx, cs, map[string]any{"dial_call_status": status})
}

func (t *Dial) Kill(CallSession) { t.MarkKilled() }
