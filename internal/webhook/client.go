package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/featureserver/internal/reliability"
)

// ErrStatus is wrapped by StatusError so callers can errors.Is on it.
var ErrStatus = errors.New("unexpected webhook status")

// StatusError reports a non-success HTTP response from a hook.
type StatusError struct {
	URL       string
	Code      int
	Retryable bool
	Body      string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook %s status %d", RedactURL(e.URL), e.Code)
	}
	return fmt.Sprintf("webhook %s status %d: %s", RedactURL(e.URL), e.Code, redactBody(e.Body))
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Client issues webhook requests on behalf of one application. It is the
// "requestor" used both to fetch verbs and to deliver notifications.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient builds a client whose base URL is the origin of the application's
// call hook, so hooks like "/conf/wait" resolve against it.
func NewClient(callHook Hook, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: originOf(callHook.URL),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Resolve returns the hook with a relative URL expanded against the base URL.
func (c *Client) Resolve(h Hook) Hook {
	if h.Relative() && c.baseURL != "" {
		h.URL = c.baseURL + h.URL
	}
	return h
}

// Request invokes the hook with params and returns the raw JSON body, which is
// nil when the hook answered with an empty body.
func (c *Client) Request(ctx context.Context, hook Hook, params any) (json.RawMessage, error) {
	hook = c.Resolve(hook)
	if hook.IsZero() {
		return nil, errEmptyHook
	}

	var (
		req *http.Request
		err error
	)
	switch hook.method() {
	case http.MethodGet:
		target, qerr := withQuery(hook.URL, params)
		if qerr != nil {
			return nil, qerr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	default:
		payload, merr := json.Marshal(params)
		if merr != nil {
			return nil, fmt.Errorf("marshal webhook params: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, hook.method(), hook.URL, bytes.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if hook.Username != "" || hook.Password != "" {
		req.SetBasicAuth(hook.Username, hook.Password)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send webhook request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &StatusError{
			URL:       hook.URL,
			Code:      res.StatusCode,
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
			Body:      strings.TrimSpace(string(body)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("webhook %s returned non-json body", RedactURL(hook.URL))
	}
	return json.RawMessage(body), nil
}

// Post sends body to an absolute URL and requires the exact wantStatus.
func (c *Client) Post(ctx context.Context, target string, body any, wantStatus int) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))

	if res.StatusCode != wantStatus {
		return &StatusError{
			URL:       target,
			Code:      res.StatusCode,
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}
	return nil
}

func originOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func withQuery(target string, params any) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse webhook url: %w", err)
	}
	if params == nil {
		return u.String(), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal webhook params: %w", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		return "", fmt.Errorf("webhook GET params must be an object: %w", err)
	}
	q := u.Query()
	for k, v := range flat {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			q.Set(k, val)
		case map[string]any, []any:
			b, _ := json.Marshal(val)
			q.Set(k, string(b))
		default:
			q.Set(k, fmt.Sprint(val))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
