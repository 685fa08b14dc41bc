package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/featureserver/internal/media"
)

type synthesizerOptions struct {
	Vendor   string `json:"vendor,omitempty"`
	Language string `json:"language,omitempty"`
	Voice    string `json:"voice,omitempty"`
}

type sayData struct {
	commonFields
	Text        stringList          `json:"text"`
	Loop        int                 `json:"loop,omitempty"`
	EarlyMedia  bool                `json:"earlyMedia,omitempty"`
	Synthesizer *synthesizerOptions `json:"synthesizer,omitempty"`
}

// Say synthesizes text segments and plays them in order.
type Say struct {
	Base
	playback
	text  []string
	loop  int
	synth synthesizerOptions
}

func newSay(_ *Factory, data json.RawMessage, _ Task) (Task, error) {
	var d sayData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if len(d.Text) == 0 {
		return nil, errors.New("say requires text")
	}
	if d.Loop <= 0 {
		d.Loop = 1
	}
	t := &Say{text: d.Text, loop: d.Loop}
	t.Init(VerbSay, KindSay, PreconditionEndpoint, data, d.ActionHook)
	if d.Synthesizer != nil {
		t.synth = *d.Synthesizer
	}
	return t, nil
}

func (t *Say) Exec(ctx context.Context, cs CallSession, ep media.Endpoint) error {
	defer t.Finish()
	t.attach(ep)

	// Each segment is synthesized once and replayed on later loops.
	paths := make([]string, 0, len(t.text))
	for loop := 0; loop < t.loop && !t.Killed(); loop++ {
		for i, text := range t.text {
			if t.Killed() {
				break
			}
			if len(paths) <= i {
				path, err := cs.Synthesizer().Synthesize(ctx, SynthesisRequest{
					Text:     text,
					Vendor:   t.synth.Vendor,
					Language: t.synth.Language,
					Voice:    t.synth.Voice,
				})
				if err != nil {
					cs.Logger().Info("say: synthesis failed", "error", err)
					return nil
				}
				paths = append(paths, path)
			}
			if err := ep.Play(ctx, paths[i]); err != nil {
				if t.Killed() || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("say: %w", err)
			}
		}
	}
	if t.Killed() {
		return nil
	}
	return t.PerformAction(ctx, cs, nil)
}

func (t *Say) Kill(cs CallSession) {
	if t.MarkKilled() {
		t.interrupt(cs)
	}
}
