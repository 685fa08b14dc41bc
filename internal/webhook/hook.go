package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Hook identifies a webhook target. Applications may specify a hook as a bare
// URL string or as an object; relative URLs are resolved against the
// application's base URL by the Client.
type Hook struct {
	URL      string `json:"url"`
	Method   string `json:"method,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (h *Hook) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var url string
		if err := json.Unmarshal(b, &url); err != nil {
			return err
		}
		*h = Hook{URL: strings.TrimSpace(url)}
		return nil
	}
	type plain Hook
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*h = Hook(p)
	h.URL = strings.TrimSpace(h.URL)
	return nil
}

// IsZero reports whether the hook has no target.
func (h Hook) IsZero() bool {
	return strings.TrimSpace(h.URL) == ""
}

// Relative reports whether the hook needs a base URL to be dialed.
func (h Hook) Relative() bool {
	return strings.HasPrefix(h.URL, "/")
}

func (h Hook) method() string {
	m := strings.ToUpper(strings.TrimSpace(h.Method))
	if m == "" {
		return "POST"
	}
	return m
}

var errEmptyHook = errors.New("webhook url is empty")
