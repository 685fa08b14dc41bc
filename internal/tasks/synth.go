package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type SynthesisRequest struct {
	Text     string
	Vendor   string
	Language string
	Voice    string
}

// Synthesizer turns text into a playable media path.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (string, error)
}

// EngineSynthesizer renders text through the media server's built-in speech
// engines using speak:<engine>|<voice>|<text> paths.
type EngineSynthesizer struct {
	Engine string
	Voice  string
}

func (s EngineSynthesizer) Synthesize(_ context.Context, req SynthesisRequest) (string, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "", errors.New("empty text")
	}
	engine := s.Engine
	switch strings.ToLower(strings.TrimSpace(req.Vendor)) {
	case "":
	case "google":
		engine = "google_tts"
	default:
		engine = strings.ToLower(strings.TrimSpace(req.Vendor))
	}
	voice := req.Voice
	if voice == "" {
		voice = s.Voice
	}
	if engine == "" {
		return "", errors.New("no speech engine configured")
	}
	text = strings.ReplaceAll(text, "|", " ")
	return fmt.Sprintf("speak:%s|%s|%s", engine, voice, text), nil
}
