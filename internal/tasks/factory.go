package tasks

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Constructor builds a task from a verb's data object.
type Constructor func(f *Factory, data json.RawMessage, parent Task) (Task, error)

// Factory turns descriptors into tasks. The conference constructor is
// registered by the caller so this package stays independent of it.
type Factory struct {
	mu           sync.RWMutex
	constructors map[Verb]Constructor
	conference   Constructor
}

// NewFactory returns a factory with the built-in verbs registered.
func NewFactory() *Factory {
	f := &Factory{constructors: make(map[Verb]Constructor)}
	f.Register(VerbPlay, newPlay)
	f.Register(VerbSay, newSay)
	f.Register(VerbPause, newPause)
	f.Register(VerbHangup, newHangup)
	f.Register(VerbTag, newTag)
	f.Register(VerbRedirect, newRedirect)
	f.Register(VerbDial, newDial)
	return f
}

func (f *Factory) Register(verb Verb, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[verb] = c
}

// RegisterConference installs the constructor used both for the conference
// verb and for a dial whose only target is a conference.
func (f *Factory) RegisterConference(c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conference = c
	f.constructors[VerbConference] = c
}

// Make validates desc and instantiates its task.
func (f *Factory) Make(desc Descriptor, parent Task) (Task, error) {
	if len(desc) != 1 {
		return nil, fmt.Errorf("%w: descriptor must have exactly one verb", ErrMalformedPayload)
	}
	verb := desc.Verb()
	data := desc.Data()
	if !isJSONObject(data) {
		return nil, fmt.Errorf("%w: %s data must be an object", ErrMalformedPayload, verb)
	}

	f.mu.RLock()
	c, ok := f.constructors[verb]
	conference := f.conference
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", ErrMalformedPayload, ErrUnknownVerb, verb)
	}

	if verb == VerbDial && isConferenceDial(data) {
		if conference == nil {
			return nil, fmt.Errorf("%w: %w %q", ErrMalformedPayload, ErrUnknownVerb, VerbConference)
		}
		c = conference
	}

	t, err := c(f, data, parent)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, verb, err)
	}
	return t, nil
}

// MakeAll builds every descriptor, failing on the first bad one.
func (f *Factory) MakeAll(descs []Descriptor) ([]Task, error) {
	out := make([]Task, 0, len(descs))
	for i, d := range descs {
		t, err := f.Make(d, nil)
		if err != nil {
			return nil, fmt.Errorf("verb %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// MakeFromPayload normalizes and builds an application payload.
func (f *Factory) MakeFromPayload(raw json.RawMessage) ([]Task, error) {
	descs, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	return f.MakeAll(descs)
}

type dialTargets struct {
	Target []struct {
		Type string `json:"type"`
	} `json:"target"`
}

func isConferenceDial(data json.RawMessage) bool {
	var d dialTargets
	if err := json.Unmarshal(data, &d); err != nil {
		return false
	}
	return len(d.Target) == 1 && d.Target[0].Type == "conference"
}
