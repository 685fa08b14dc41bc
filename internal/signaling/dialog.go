package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ent0n29/featureserver/internal/webhook"
)

// ErrNoSignaling is returned by a detached dialog for operations that need
// the signaling layer.
var ErrNoSignaling = errors.New("signaling layer not configured")

// BridgeTarget is one leg requested by the dial verb.
type BridgeTarget struct {
	Type   string `json:"type"`
	Number string `json:"number,omitempty"`
	Name   string `json:"name,omitempty"`
	SIPURI string `json:"sipUri,omitempty"`
}

// Dialog is the signaling side of one call.
type Dialog interface {
	CallID() string
	Connected() bool
	// Refer asks the far end to redirect the call to target. It reports
	// whether the redirect was accepted.
	Refer(ctx context.Context, target string) (bool, error)
	Bridge(ctx context.Context, targets []BridgeTarget, callerID string) error
	Hangup(ctx context.Context) error
}

// Poster is the subset of the webhook client the HTTP dialog needs.
type Poster interface {
	Post(ctx context.Context, target string, body any, wantStatus int) error
}

// HTTPDialog drives the external signaling service over HTTP.
type HTTPDialog struct {
	baseURL string
	callID  string
	client  Poster

	mu     sync.Mutex
	hungUp bool
}

func NewHTTPDialog(baseURL, callID string, client Poster) *HTTPDialog {
	return &HTTPDialog{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		callID:  callID,
		client:  client,
	}
}

func (d *HTTPDialog) CallID() string { return d.callID }

func (d *HTTPDialog) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.hungUp
}

func (d *HTTPDialog) endpoint(action string) string {
	return fmt.Sprintf("%s/v1/dialogs/%s/%s", d.baseURL, url.PathEscape(d.callID), action)
}

func (d *HTTPDialog) Refer(ctx context.Context, target string) (bool, error) {
	err := d.client.Post(ctx, d.endpoint("refer"), map[string]string{"referTo": target}, http.StatusAccepted)
	if err != nil {
		if errors.Is(err, webhook.ErrStatus) {
			return false, nil
		}
		return false, fmt.Errorf("refer %s: %w", d.callID, err)
	}
	return true, nil
}

func (d *HTTPDialog) Bridge(ctx context.Context, targets []BridgeTarget, callerID string) error {
	body := map[string]any{"targets": targets, "callerId": callerID}
	if err := d.client.Post(ctx, d.endpoint("bridge"), body, http.StatusOK); err != nil {
		return fmt.Errorf("bridge %s: %w", d.callID, err)
	}
	return nil
}

func (d *HTTPDialog) Hangup(ctx context.Context) error {
	d.mu.Lock()
	if d.hungUp {
		d.mu.Unlock()
		return nil
	}
	d.hungUp = true
	d.mu.Unlock()
	if err := d.client.Post(ctx, d.endpoint("hangup"), map[string]string{}, http.StatusOK); err != nil {
		return fmt.Errorf("hangup %s: %w", d.callID, err)
	}
	return nil
}

// DetachedDialog is used when no signaling service is configured. It tracks
// hangup locally and refuses redirects and bridges.
type DetachedDialog struct {
	callID string

	mu     sync.Mutex
	hungUp bool
	refers []string
}

func NewDetachedDialog(callID string) *DetachedDialog {
	return &DetachedDialog{callID: callID}
}

func (d *DetachedDialog) CallID() string { return d.callID }

func (d *DetachedDialog) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.hungUp
}

func (d *DetachedDialog) Refer(_ context.Context, target string) (bool, error) {
	d.mu.Lock()
	d.refers = append(d.refers, target)
	d.mu.Unlock()
	return false, ErrNoSignaling
}

// Refers returns the redirect targets that were requested.
func (d *DetachedDialog) Refers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.refers...)
}

func (d *DetachedDialog) Bridge(context.Context, []BridgeTarget, string) error {
	return ErrNoSignaling
}

func (d *DetachedDialog) Hangup(context.Context) error {
	d.mu.Lock()
	d.hungUp = true
	d.mu.Unlock()
	return nil
}
