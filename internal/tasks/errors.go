package tasks

import "errors"

var (
	// ErrMalformedPayload marks descriptors that fail shape checks.
	ErrMalformedPayload = errors.New("malformed application payload")
	// ErrUnknownVerb is wrapped together with ErrMalformedPayload.
	ErrUnknownVerb = errors.New("unknown verb")
	// ErrUnsupportedHookVerb is returned when a restricted hook answers with a
	// verb outside its allowed set.
	ErrUnsupportedHookVerb = errors.New("unsupported verb in hook response")
)
