package conference

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/featureserver/internal/store"
	"github.com/ent0n29/featureserver/internal/tasks"
	"github.com/ent0n29/featureserver/internal/webhook"
)

// RegistryKey namespaces a conference name by account. It is also the
// conference name on the media server.
func RegistryKey(accountSID, name string) string {
	return fmt.Sprintf("conf:%s:%s", accountSID, name)
}

// WaitListKey is the wait-list key of a registered conference.
func WaitListKey(confName string) string {
	return confName + ":waitlist"
}

// decide chooses START, JOIN or WAIT from the registry.
func (t *Task) decide(ctx context.Context, cs tasks.CallSession) error {
	confName := RegistryKey(cs.AccountSID(), t.friendlyName)
	params := make(map[string]any, len(cs.CallInfo())+2)
	for k, v := range cs.CallInfo() {
		params[k] = v
	}
	params["conferenceSid"] = confName
	params["friendlyName"] = t.friendlyName

	t.mu.Lock()
	t.confName = confName
	t.statusParams = params
	t.mu.Unlock()

	d, err := t.deps.Store.Read(ctx, confName)
	switch {
	case err == nil:
		t.log().Info("conference is already started", "name", confName, "host", d.HostAddress)
		t.adopt(d, ActionJoin)
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("read conference %s: %w", confName, err)
	}

	if !t.startOnEnter() {
		t.log().Info("conference does not exist, wait for moderator", "name", confName)
		t.mu.Lock()
		t.action = ActionWait
		t.state = StateWait
		t.mu.Unlock()
		return nil
	}

	t.log().Info("conference does not exist, provision it now", "name", confName)
	desc := store.ConferenceDescriptor{
		HostAddress: cs.LocalSIPAddress(),
		StartTime:   t.deps.Now().UTC(),
	}
	t.mu.Lock()
	if len(t.statusEvents) > 0 && t.statusHook != nil {
		hook := resolveHook(cs, *t.statusHook)
		desc.StatusEvents = append([]string(nil), t.statusEvents...)
		desc.StatusHook = &hook
	}
	t.mu.Unlock()

	added, err := t.deps.Store.CreateIfAbsent(ctx, confName, desc)
	if err != nil {
		return fmt.Errorf("provision conference %s: %w", confName, err)
	}
	if added {
		t.log().Info("conference successfully provisioned", "name", confName)
		t.mu.Lock()
		t.action = ActionStart
		t.state = StateStart
		t.hostAddress = desc.HostAddress
		t.startTime = desc.StartTime
		t.mu.Unlock()
		return nil
	}

	t.log().Info("conference provision failed, someone beat me to it", "name", confName)
	d, err = t.deps.Store.Read(ctx, confName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			t.log().Error("conference provision failed again", "name", confName)
			return fmt.Errorf("%w: %s vanished after losing create race", ErrProvisionRace, confName)
		}
		return fmt.Errorf("read conference %s: %w", confName, err)
	}
	t.adopt(d, ActionJoin)
	return nil
}

// adopt takes the provisioner's settings. A joiner's own status hook settings
// are ignored once the conference exists.
func (t *Task) adopt(d store.ConferenceDescriptor, action Action) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.action = action
	t.state = StateJoin
	t.hostAddress = d.HostAddress
	t.startTime = d.StartTime
	t.statusEvents = append([]string(nil), d.StatusEvents...)
	t.statusHook = d.StatusHook
}

// resolveHook makes a relative hook absolute so other processes can call it.
func resolveHook(cs tasks.CallSession, h webhook.Hook) webhook.Hook {
	if h.Relative() {
		h.URL = cs.Requestor().BaseURL() + h.URL
	}
	return h
}
