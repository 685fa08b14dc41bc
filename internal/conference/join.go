package conference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/ent0n29/featureserver/internal/media"
	"github.com/ent0n29/featureserver/internal/protocol"
	"github.com/ent0n29/featureserver/internal/tasks"
	"github.com/ent0n29/featureserver/internal/webhook"
)

const (
	beepTone        = "tone_stream://v=-7;%(100,0,941.0,1477.0);v=-7;>=2;+=.1;%(1400,0,350,440)"
	registryTimeout = 5 * time.Second
)

var conferenceAbsent = regexp.MustCompile(`^No active conferences|Conference.*not found`)

// doJoin joins a running conference, migrating the call first when the
// conference lives on another process.
func (t *Task) doJoin(ctx context.Context, cs tasks.CallSession, ep media.Endpoint) error {
	t.mu.Lock()
	host := t.hostAddress
	t.mu.Unlock()

	if host != cs.LocalSIPAddress() && !cs.IsTransferredCall() {
		t.log().Info("conference is hosted elsewhere", "name", t.ConfName(), "local", cs.LocalSIPAddress(), "host", host)
		if err := t.migrate(ctx, cs, host); err != nil {
			return err
		}
		// The far end now owns the call; the hangup that follows kills us.
		t.log().Info("refer of conference succeeded", "name", t.ConfName())
		t.setState(StateMoved)
		return nil
	}
	t.log().Info("conference is hosted locally", "name", t.ConfName())
	return t.joinLocal(ctx, cs, ep, false)
}

// doStart joins the conference this call just provisioned and releases the
// calls waiting for it.
func (t *Task) doStart(ctx context.Context, cs tasks.CallSession, ep media.Endpoint) error {
	err := t.joinLocal(ctx, cs, ep, true)
	joined, live := t.joinStatus()
	if !joined {
		t.deprovision("start abandoned")
		return err
	}
	if err != nil {
		return err
	}
	if !live {
		// Leave accounting already ran; waiting calls stay parked for the
		// next provisioner.
		t.log().Info("call left before wait list was released", "name", t.ConfName())
		return nil
	}
	t.notifyWaitList(ctx, cs)
	return nil
}

// joinStatus reports whether the endpoint joined and whether it is still a
// member that has not been killed.
func (t *Task) joinStatus() (joined, live bool) {
	t.mu.Lock()
	joined = t.joined
	live = joined && t.state == StateJoined && !t.finalChecked
	t.mu.Unlock()
	return joined, live && !t.Killed()
}

// joinLocal puts the endpoint into the local media conference.
func (t *Task) joinLocal(ctx context.Context, cs tasks.CallSession, ep media.Endpoint, start bool) error {
	name := t.ConfName()
	if start {
		out, err := ep.API(ctx, "conference", name+" list count")
		switch {
		case err != nil:
			t.log().Info("conference existence check failed", "name", name, "error", err)
		case !conferenceAbsent.MatchString(out):
			t.log().Info("asked to start conference but it unexpectedly exists", "name", name, "result", out)
		}
		t.mu.Lock()
		t.participants = 1
		t.haveCount = true
		t.mu.Unlock()
		t.notify(cs, "start", nil)
	}

	if h := t.opts.EnterHook; h != nil && !h.IsZero() {
		if _, err := t.playHook(ctx, cs, ep, *h); err != nil {
			if errors.Is(err, tasks.ErrUnsupportedHookVerb) {
				return err
			}
			t.log().Error("error playing enter hook", "name", name, "error", err)
		}
		if t.Killed() || !cs.Dialog().Connected() {
			t.log().Debug("caller hung up during entry prompt", "name", name)
			return nil
		}
	}

	t.mu.Lock()
	abandoned := t.finalChecked || t.Killed()
	t.mu.Unlock()
	if abandoned {
		t.log().Debug("killed before joining conference", "name", name)
		return nil
	}

	var opts media.JoinOptions
	if t.opts.EndConferenceOnExit {
		opts.Flags = []string{"endconf"}
	}
	res, err := ep.Join(ctx, name, opts)
	if err != nil {
		t.log().Error("failed to join conference", "name", name, "error", err)
		return fmt.Errorf("%w %s: %w", ErrJoinFailed, name, err)
	}
	t.log().Debug("successfully joined conference", "name", name, "member_id", res.MemberID, "instance", res.InstanceID)

	if err := ep.Filter(ctx, protocol.HeaderConferenceUUID, res.InstanceID); err != nil {
		t.log().Info("failed to filter conference events", "name", name, "error", err)
	}
	events, unsubscribe := ep.Subscribe()

	t.mu.Lock()
	t.memberID = res.MemberID
	t.instanceID = res.InstanceID
	t.joined = true
	late := t.finalChecked
	if !late {
		t.unsubscribe = unsubscribe
	}
	t.mu.Unlock()

	if late {
		// Killed while the join was in flight.
		unsubscribe()
		t.leave(cs)
		return nil
	}
	go t.consumeEvents(cs, events)

	if t.opts.Beep {
		if _, err := ep.API(ctx, "conference", name+" play "+beepTone); err != nil {
			t.log().Debug("failed to play beep", "name", name, "error", err)
		}
	}
	if t.opts.MaxParticipants > 1 {
		args := fmt.Sprintf("%s set max_members %d", name, t.opts.MaxParticipants)
		if _, err := ep.API(ctx, "conference", args); err != nil {
			t.log().Error("error setting max participants", "name", name, "max", t.opts.MaxParticipants, "error", err)
		}
	}
	t.setState(StateJoined)
	t.notify(cs, "join", nil)
	return nil
}

// notifyWaitList tells every waiting call where the conference is hosted,
// then clears the list.
func (t *Task) notifyWaitList(ctx context.Context, cs tasks.CallSession) {
	key := WaitListKey(t.ConfName())
	members, err := t.deps.Store.List(ctx, key)
	if err != nil {
		t.log().Error("error reading wait list", "name", t.ConfName(), "error", err)
		return
	}
	if len(members) == 0 {
		return
	}
	t.log().Info("notifying wait list", "name", t.ConfName(), "members", len(members))
	body := map[string]string{"conferenceSipAddress": cs.LocalSIPAddress()}
	for _, url := range members {
		if err := cs.Requestor().Post(ctx, url, body, http.StatusAccepted); err != nil {
			t.deps.Metrics.ObserveWaitListNotifyError()
			t.log().Info("failed notifying waiting call", "name", t.ConfName(), "url", webhook.RedactURL(url), "error", err)
		}
	}
	if err := t.deps.Store.Clear(ctx, key); err != nil {
		t.log().Error("error clearing wait list", "name", t.ConfName(), "error", err)
	}
}

// finalMemberCheck runs leave accounting once, if the call ever joined.
func (t *Task) finalMemberCheck(cs tasks.CallSession) {
	t.mu.Lock()
	if t.finalChecked {
		t.mu.Unlock()
		return
	}
	t.finalChecked = true
	joined := t.joined
	t.mu.Unlock()
	if joined {
		t.leave(cs)
	}
}

// leave reports the departure and tears the conference down when this was
// the last member. A forced ejection reports a size of 0, which also counts.
func (t *Task) leave(cs tasks.CallSession) {
	t.mu.Lock()
	count, known := t.participants, t.haveCount
	t.mu.Unlock()
	t.log().Debug("leaving conference", "name", t.ConfName(), "members", count)

	t.notify(cs, "leave", nil)
	if known && count <= 1 {
		t.notify(cs, "end", nil)
		t.deprovision("last member left")
	}
}

func (t *Task) deprovision(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	removed, err := t.deps.Store.Delete(ctx, t.ConfName())
	if err != nil {
		t.log().Error("error deprovisioning conference", "name", t.ConfName(), "error", err)
		return
	}
	t.log().Info("conference deprovisioned", "name", t.ConfName(), "reason", reason, "removed", removed)
}
