package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Normalize accepts an application payload in either of its two shapes,
// [{"verb":"play","url":...}] or [{"play":{"url":...}}], and returns
// single-key descriptors.
func Normalize(raw json.RawMessage) ([]Descriptor, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, fmt.Errorf("%w: payload must be an array", ErrMalformedPayload)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	out := make([]Descriptor, 0, len(items))
	for i, item := range items {
		if !isJSONObject(item) {
			return nil, fmt.Errorf("%w: element %d is not an object", ErrMalformedPayload, i)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrMalformedPayload, i, err)
		}

		if rawVerb, ok := fields["verb"]; ok {
			var verb string
			if err := json.Unmarshal(rawVerb, &verb); err != nil || verb == "" {
				return nil, fmt.Errorf("%w: element %d has invalid verb", ErrMalformedPayload, i)
			}
			delete(fields, "verb")
			data, err := json.Marshal(fields)
			if err != nil {
				return nil, err
			}
			out = append(out, Descriptor{verb: data})
			continue
		}
		if len(fields) != 1 {
			return nil, fmt.Errorf("%w: element %d must have exactly one verb", ErrMalformedPayload, i)
		}
		out = append(out, Descriptor(fields))
	}
	return out, nil
}
