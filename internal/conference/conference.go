// Package conference implements the distributed conference verb: deciding
// whether a call starts, joins or waits for a named conference, joining the
// local media conference or migrating the call to the process that hosts it,
// and reporting membership changes to the application's status hook.
package conference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/featureserver/internal/media"
	"github.com/ent0n29/featureserver/internal/observability"
	"github.com/ent0n29/featureserver/internal/store"
	"github.com/ent0n29/featureserver/internal/tasks"
	"github.com/ent0n29/featureserver/internal/webhook"
)

var (
	ErrNameRequired    = errors.New("conference name required")
	ErrProvisionRace   = errors.New("conference provisioning failed")
	ErrJoinFailed      = errors.New("failed to join conference")
	ErrMigrationFailed = errors.New("conference migration failed")
	ErrWaitListAdd     = errors.New("failed adding to conference wait list")
)

// Action is the branch chosen for a call.
type Action string

const (
	ActionNone  Action = ""
	ActionStart Action = "start"
	ActionJoin  Action = "join"
	ActionWait  Action = "wait"
)

// State tracks a conference task's progress.
type State string

const (
	StateInit   State = "init"
	StateStart  State = "start"
	StateJoin   State = "join"
	StateWait   State = "wait"
	StateJoined State = "joined"
	StateMoved  State = "moved"
	StateEnded  State = "ended"
)

// Lifecycle events reported to the status hook.
var lifecycleEvents = []string{"start", "end", "join", "leave", "start-talking", "stop-talking"}

// Store is the shared state the coordinator needs.
type Store interface {
	store.Registry
	store.WaitList
	store.Snapshots
}

// Deps are the process-wide collaborators injected into every task.
type Deps struct {
	Store        Store
	Metrics      *observability.Metrics
	MigrationTTL time.Duration
	Now          func() time.Time
}

// Constructor returns the factory constructor for conference tasks.
func Constructor(deps Deps) tasks.Constructor {
	return func(f *tasks.Factory, data json.RawMessage, _ tasks.Task) (tasks.Task, error) {
		return New(deps, f, data)
	}
}

type options struct {
	Name                   string        `json:"name"`
	Beep                   bool          `json:"beep,omitempty"`
	StartConferenceOnEnter *bool         `json:"startConferenceOnEnter,omitempty"`
	EndConferenceOnExit    bool          `json:"endConferenceOnExit,omitempty"`
	MaxParticipants        int           `json:"maxParticipants,omitempty"`
	WaitHook               *webhook.Hook `json:"waitHook,omitempty"`
	EnterHook              *webhook.Hook `json:"enterHook,omitempty"`
	StatusHook             *webhook.Hook `json:"statusHook,omitempty"`
	StatusEvents           []string      `json:"statusEvents,omitempty"`
	ActionHook             *webhook.Hook `json:"actionHook,omitempty"`
}

type dialEnvelope struct {
	Target []json.RawMessage `json:"target"`
}

// parseOptions reads conference attributes from either a conference verb or
// a dial whose single target is a conference. Target attributes win.
func parseOptions(data json.RawMessage) (options, error) {
	var o options
	if err := json.Unmarshal(data, &o); err != nil {
		return options{}, err
	}
	var d dialEnvelope
	if err := json.Unmarshal(data, &d); err == nil && len(d.Target) == 1 {
		o.Name = ""
		if err := json.Unmarshal(d.Target[0], &o); err != nil {
			return options{}, fmt.Errorf("conference target: %w", err)
		}
	}
	if o.Name == "" {
		return options{}, ErrNameRequired
	}
	return o, nil
}

// Task is one call's participation in a named conference.
type Task struct {
	tasks.Base

	deps         Deps
	factory      *tasks.Factory
	friendlyName string
	opts         options

	joinCh      chan string
	ended       chan struct{}
	endOnce     sync.Once
	replaceOnce sync.Once

	mu           sync.Mutex
	logger       *slog.Logger
	started      bool
	confName     string
	action       Action
	state        State
	hostAddress  string
	participants int
	haveCount    bool
	joined       bool
	finalChecked bool
	memberID     int
	instanceID   string
	statusEvents []string
	statusHook   *webhook.Hook
	startTime    time.Time
	callMoved    bool
	statusParams map[string]any
	ep           media.Endpoint
	unsubscribe  func()
}

// New builds a conference task from a conference verb or a dial whose
// single target is a conference.
func New(deps Deps, f *tasks.Factory, data json.RawMessage) (*Task, error) {
	o, err := parseOptions(data)
	if err != nil {
		return nil, err
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MigrationTTL <= 0 {
		deps.MigrationTTL = 30 * time.Second
	}
	t := &Task{
		deps:         deps,
		factory:      f,
		friendlyName: o.Name,
		opts:         o,
		joinCh:       make(chan string, 1),
		ended:        make(chan struct{}),
		state:        StateInit,
		logger:       slog.Default(),
	}
	if o.StatusHook != nil && !o.StatusHook.IsZero() {
		t.statusHook = o.StatusHook
		for _, e := range lifecycleEvents {
			if contains(o.StatusEvents, e) {
				t.statusEvents = append(t.statusEvents, e)
			}
		}
	}
	t.Init(tasks.VerbConference, tasks.KindConference, tasks.PreconditionEndpoint, data, o.ActionHook)
	return t, nil
}

func (t *Task) startOnEnter() bool {
	return t.opts.StartConferenceOnEnter == nil || *t.opts.StartConferenceOnEnter
}

// Exec runs the conference for this call and returns once the call has left
// it (or was handed to another process).
func (t *Task) Exec(ctx context.Context, cs tasks.CallSession, ep media.Endpoint) error {
	defer t.Finish()

	t.mu.Lock()
	if t.Killed() {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.ep = ep
	t.logger = cs.Logger().With("conference", t.friendlyName)
	t.mu.Unlock()

	go t.watchEndpoint(cs, ep)

	if err := t.decide(ctx, cs); err != nil {
		t.log().Info("conference setup failed", "error", err)
		t.Kill(cs)
		return err
	}
	t.deps.Metrics.ObserveConferenceAction(string(t.Action()))

	var err error
	switch t.Action() {
	case ActionJoin:
		err = t.doJoin(ctx, cs, ep)
	case ActionWait:
		err = t.doWait(ctx, cs, ep)
	case ActionStart:
		err = t.doStart(ctx, cs, ep)
	}
	if err != nil {
		t.log().Info("error in conference", "name", t.ConfName(), "error", err)
		t.Kill(cs)
		return err
	}

	select {
	case <-t.ended:
	case <-ctx.Done():
		t.Kill(cs)
	}
	t.log().Debug("conference is over", "name", t.ConfName())

	t.mu.Lock()
	moved := t.callMoved
	t.state = StateEnded
	t.mu.Unlock()
	if moved || ctx.Err() != nil {
		return nil
	}
	return t.PerformAction(ctx, cs, nil)
}

// Kill ends the task. Caller hangup and forced ejection both arrive here.
func (t *Task) Kill(cs tasks.CallSession) {
	if !t.MarkKilled() {
		return
	}
	t.mu.Lock()
	if !t.started && cs != nil {
		t.logger = cs.Logger().With("conference", t.friendlyName)
	}
	t.mu.Unlock()
	t.log().Info("conference kill", "name", t.ConfName())
	t.terminate(cs)
}

func (t *Task) terminate(cs tasks.CallSession) {
	t.endOnce.Do(func() {
		t.finalMemberCheck(cs)

		t.mu.Lock()
		unsub := t.unsubscribe
		t.unsubscribe = nil
		started := t.started
		t.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		close(t.ended)
		if !started {
			t.Finish()
		}
	})
}

// NotifyStartConference tells a waiting call the conference has started on
// hostAddress. It reports false when the task is not waiting.
func (t *Task) NotifyStartConference(hostAddress string) bool {
	t.mu.Lock()
	waiting := t.state == StateWait
	t.mu.Unlock()
	if !waiting || t.Killed() {
		return false
	}
	select {
	case t.joinCh <- hostAddress:
		t.log().Info("conference has now started", "name", t.ConfName(), "host", hostAddress)
		return true
	default:
		return false
	}
}

// Info is a point-in-time view of the task.
type Info struct {
	Name         string `json:"name"`
	FriendlyName string `json:"friendly_name"`
	Action       Action `json:"action"`
	State        State  `json:"state"`
	HostAddress  string `json:"host_address,omitempty"`
	MemberID     int    `json:"member_id,omitempty"`
	InstanceID   string `json:"instance_id,omitempty"`
	Participants int    `json:"participants,omitempty"`
	Moved        bool   `json:"moved"`
	Endpoint     string `json:"endpoint,omitempty"`
}

func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		Name:         t.confName,
		FriendlyName: t.friendlyName,
		Action:       t.action,
		State:        t.state,
		HostAddress:  t.hostAddress,
		MemberID:     t.memberID,
		InstanceID:   t.instanceID,
		Participants: t.participants,
		Moved:        t.callMoved,
	}
	if t.ep != nil {
		info.Endpoint = t.ep.ID()
	}
	return info
}

func (t *Task) Action() Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.action
}

func (t *Task) ConfName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confName
}

func (t *Task) log() *slog.Logger {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logger
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
