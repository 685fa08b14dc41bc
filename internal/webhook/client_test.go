package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHookUnmarshalAcceptsStringAndObject(t *testing.T) {
	var h Hook
	if err := json.Unmarshal([]byte(`" /conf/wait "`), &h); err != nil {
		t.Fatalf("Unmarshal(string) error = %v", err)
	}
	if h.URL != "/conf/wait" || !h.Relative() {
		t.Fatalf("hook = %+v, want relative /conf/wait", h)
	}

	if err := json.Unmarshal([]byte(`{"url":"https://x.test/a","method":"GET","username":"u"}`), &h); err != nil {
		t.Fatalf("Unmarshal(object) error = %v", err)
	}
	if h.URL != "https://x.test/a" || h.Method != "GET" || h.Username != "u" {
		t.Fatalf("hook = %+v, want object fields", h)
	}
	if h.Relative() {
		t.Fatalf("Relative() = true for absolute url")
	}
}

func TestRequestResolvesRelativeHookAndPostsJSON(t *testing.T) {
	var gotPath, gotMethod, gotUser string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotUser, _, _ = r.BasicAuth()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"verb":"play","url":"silence_stream://1000"}]`)
	}))
	defer srv.Close()

	c := NewClient(Hook{URL: srv.URL + "/call"}, time.Second)
	if c.BaseURL() != srv.URL {
		t.Fatalf("BaseURL() = %q, want %q", c.BaseURL(), srv.URL)
	}
	raw, err := c.Request(context.Background(), Hook{URL: "/conf/wait", Username: "acct"}, map[string]any{"callSid": "CA1"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if gotPath != "/conf/wait" || gotMethod != http.MethodPost || gotUser != "acct" {
		t.Fatalf("request = %s %s user=%q, want POST /conf/wait user=acct", gotMethod, gotPath, gotUser)
	}
	if gotBody["callSid"] != "CA1" {
		t.Fatalf("body callSid = %v, want CA1", gotBody["callSid"])
	}
	var verbs []map[string]any
	if err := json.Unmarshal(raw, &verbs); err != nil || len(verbs) != 1 {
		t.Fatalf("response = %s, want one verb", raw)
	}
}

func TestRequestGETEncodesQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("event")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(Hook{URL: srv.URL}, time.Second)
	raw, err := c.Request(context.Background(), Hook{URL: srv.URL + "/status", Method: "get"}, map[string]any{"event": "start", "members": 1})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if raw != nil {
		t.Fatalf("raw = %s, want nil for empty body", raw)
	}
	if gotQuery != "start" {
		t.Fatalf("event query = %q, want start", gotQuery)
	}
}

func TestRequestReportsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Hook{URL: srv.URL}, time.Second)
	_, err := c.Request(context.Background(), Hook{URL: srv.URL}, nil)
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("Request() error = %v, want ErrStatus", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable || !se.Retryable {
		t.Fatalf("status error = %+v, want retryable 503", se)
	}
}

func TestRequestRejectsEmptyHook(t *testing.T) {
	c := NewClient(Hook{}, time.Second)
	if _, err := c.Request(context.Background(), Hook{URL: "/relative"}, nil); err == nil {
		t.Fatalf("Request() error = nil, want error without base url")
	}
}

func TestPostRequiresExactStatus(t *testing.T) {
	status := http.StatusAccepted
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewClient(Hook{}, time.Second)
	if err := c.Post(context.Background(), srv.URL, map[string]string{"a": "b"}, http.StatusAccepted); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	status = http.StatusOK
	if err := c.Post(context.Background(), srv.URL, nil, http.StatusAccepted); !errors.Is(err, ErrStatus) {
		t.Fatalf("Post() error = %v, want ErrStatus", err)
	}
}
