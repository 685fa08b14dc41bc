package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/featureserver/internal/media"
)

// stringList accepts either a single string or an array of strings.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("expected a string or an array of strings")
	}
	*s = many
	return nil
}

// playback is shared by verbs that hold the endpoint while media plays, so
// Kill can break the active playback.
type playback struct {
	mu sync.Mutex
	ep media.Endpoint
}

func (p *playback) attach(ep media.Endpoint) {
	p.mu.Lock()
	p.ep = ep
	p.mu.Unlock()
}

func (p *playback) interrupt(cs CallSession) {
	p.mu.Lock()
	ep := p.ep
	p.mu.Unlock()
	if ep == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := ep.API(ctx, "uuid_break", ep.ID()); err != nil && !errors.Is(err, media.ErrClosed) {
		cs.Logger().Info("error killing audio", "error", err)
	}
}

type playData struct {
	commonFields
	URL        stringList `json:"url"`
	Loop       int        `json:"loop,omitempty"`
	EarlyMedia bool       `json:"earlyMedia,omitempty"`
}

// Play streams one or more audio URLs to the caller.
type Play struct {
	Base
	playback
	urls []string
	loop int
}

func newPlay(_ *Factory, data json.RawMessage, _ Task) (Task, error) {
	var d playData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if len(d.URL) == 0 {
		return nil, errors.New("play requires url")
	}
	if d.Loop <= 0 {
		d.Loop = 1
	}
	t := &Play{urls: d.URL, loop: d.Loop}
	t.Init(VerbPlay, KindPlay, PreconditionEndpoint, data, d.ActionHook)
	return t, nil
}

func (t *Play) Exec(ctx context.Context, cs CallSession, ep media.Endpoint) error {
	defer t.Finish()
	t.attach(ep)
	for i := 0; i < t.loop && !t.Killed(); i++ {
		if err := ep.Play(ctx, t.urls...); err != nil {
			if t.Killed() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("play: %w", err)
		}
	}
	if t.Killed() {
		return nil
	}
	return t.PerformAction(ctx, cs, map[string]any{"playback_status": "completed"})
}

func (t *Play) Kill(cs CallSession) {
	if t.MarkKilled() {
		t.interrupt(cs)
	}
}
