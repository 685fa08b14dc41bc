package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ent0n29/featureserver/internal/media"
)

type pauseData struct {
	Length int `json:"length"`
}

// Pause waits for a number of seconds.
type Pause struct {
	Base
	length time.Duration
}

func newPause(_ *Factory, data json.RawMessage, _ Task) (Task, error) {
	var d pauseData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if d.Length <= 0 {
		return nil, errors.New("pause requires a positive length")
	}
	t := &Pause{length: time.Duration(d.Length) * time.Second}
	t.Init(VerbPause, KindPause, PreconditionNone, data, nil)
	return t, nil
}

func (t *Pause) Exec(ctx context.Context, _ CallSession, _ media.Endpoint) error {
	defer t.Finish()
	timer := time.NewTimer(t.length)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-t.KillSignal():
	case <-ctx.Done():
	}
	return nil
}

func (t *Pause) Kill(CallSession) {
	t.MarkKilled()
}
