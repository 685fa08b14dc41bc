package conference

import (
	"context"
	"strconv"
	"time"

	"github.com/ent0n29/featureserver/internal/media"
	"github.com/ent0n29/featureserver/internal/protocol"
	"github.com/ent0n29/featureserver/internal/tasks"
)

const replaceEndpointTimeout = 10 * time.Second

type memberAction int

const (
	memberOther memberAction = iota
	memberDeleted
	memberStartTalking
	memberStopTalking
)

func parseMemberAction(action string) memberAction {
	switch action {
	case "del-member":
		return memberDeleted
	case "start-talking":
		return memberStartTalking
	case "stop-talking":
		return memberStopTalking
	default:
		return memberOther
	}
}

func (t *Task) consumeEvents(cs tasks.CallSession, events <-chan protocol.Event) {
	for ev := range events {
		t.handleEvent(cs, ev)
	}
}

// handleEvent translates one media event for this conference instance.
func (t *Task) handleEvent(cs tasks.CallSession, ev protocol.Event) {
	if ev.Subclass != protocol.SubclassConference {
		t.log().Debug("unhandled custom event", "subclass", ev.Subclass)
		return
	}
	size, sizeErr := strconv.Atoi(ev.Header(protocol.HeaderConferenceSize))
	member, memberErr := strconv.Atoi(ev.Header(protocol.HeaderMemberID))

	t.mu.Lock()
	if sizeErr == nil {
		t.participants = size
		t.haveCount = true
	}
	mine := memberErr == nil && t.joined && member == t.memberID
	t.mu.Unlock()

	switch parseMemberAction(ev.Action()) {
	case memberDeleted:
		if mine {
			t.log().Info("dropped from conference, task is complete", "name", t.ConfName())
			go t.replaceEndpointAndEnd(cs)
		}
	case memberStartTalking:
		if mine {
			t.notify(cs, "start-talking", talkingParams(ev, size, sizeErr == nil))
		}
	case memberStopTalking:
		if mine {
			t.notify(cs, "stop-talking", talkingParams(ev, size, sizeErr == nil))
		}
	default:
		t.log().Debug("unhandled conference event", "action", ev.Action(), "members", size)
	}
}

// talkingParams stamps a talking event with the media server's own clock,
// which reports microseconds since the epoch.
func talkingParams(ev protocol.Event, size int, haveSize bool) map[string]any {
	params := map[string]any{}
	if us, err := strconv.ParseInt(ev.Header(protocol.HeaderEventTimestamp), 10, 64); err == nil {
		params["time"] = formatTime(time.UnixMicro(us))
	}
	if haveSize {
		params["members"] = size
	}
	return params
}

// watchEndpoint ends the task when the media server tears down the endpoint
// underneath us, e.g. a moderator ended the conference.
func (t *Task) watchEndpoint(cs tasks.CallSession, ep media.Endpoint) {
	select {
	case <-ep.Destroyed():
		if t.Killed() {
			return
		}
		t.log().Info("kicked from conference, task is complete", "name", t.ConfName())
		t.replaceEndpointAndEnd(cs)
	case <-t.ended:
	}
}

// replaceEndpointAndEnd gives the call a fresh endpoint so the application
// can continue after ejection, then kills the task.
func (t *Task) replaceEndpointAndEnd(cs tasks.CallSession) {
	if t.Killed() {
		return
	}
	t.replaceOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), replaceEndpointTimeout)
		defer cancel()
		ep, err := cs.ReplaceEndpoint(ctx)
		if err != nil {
			t.log().Error("replace endpoint failed", "name", t.ConfName(), "error", err)
			return
		}
		t.mu.Lock()
		t.ep = ep
		t.mu.Unlock()
	})
	t.Kill(cs)
}
