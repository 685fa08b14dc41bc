package webhook

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

// Query parameters whose values never reach logs or error strings.
var secretParams = []string{"token", "password", "secret", "key", "signature", "sig", "auth"}

// RedactURL masks userinfo passwords and secret-looking query values so a hook
// URL can be logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "REDACTED")
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for name := range q {
			if isSecretParam(name) {
				q.Set(name, "REDACTED")
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}

func isSecretParam(name string) bool {
	name = strings.ToLower(name)
	for _, s := range secretParams {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// redactBody masks caller identifiers an application may echo back in an
// error response body.
func redactBody(body string) string {
	body = emailPattern.ReplaceAllString(body, "[REDACTED_EMAIL]")
	return phonePattern.ReplaceAllString(body, "[REDACTED_PHONE]")
}

// LogValue keeps hook credentials out of structured logs.
func (h Hook) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("url", RedactURL(h.URL))}
	if h.Method != "" {
		attrs = append(attrs, slog.String("method", h.Method))
	}
	if h.Username != "" {
		attrs = append(attrs, slog.String("username", h.Username))
	}
	return slog.GroupValue(attrs...)
}
