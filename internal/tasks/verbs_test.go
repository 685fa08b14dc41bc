package tasks_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ent0n29/featureserver/internal/media"
	"github.com/ent0n29/featureserver/internal/protocol"
	"github.com/ent0n29/featureserver/internal/tasks"
	"github.com/ent0n29/featureserver/internal/tasks/taskstest"
)

func mustMake(t *testing.T, f *tasks.Factory, raw string) tasks.Task {
	t.Helper()
	var d tasks.Descriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	task, err := f.Make(d, nil)
	if err != nil {
		t.Fatalf("Make(%s) error = %v", raw, err)
	}
	return task
}

func TestPlayLoopsAndRunsActionHook(t *testing.T) {
	ep := media.NewMockEndpoint("ep")
	cs := taskstest.NewSession(ep)
	cs.Req.Respond("/after-play", `[{"hangup":{}}]`)

	task := mustMake(t, tasks.NewFactory(), `{"play":{"url":["a.wav","b.wav"],"loop":2,"actionHook":"/after-play"}}`)
	if err := task.Exec(context.Background(), cs, ep); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if plays := ep.OpsFor(protocol.MethodPlay); len(plays) != 2 || len(plays[0].Args) != 2 {
		t.Fatalf("plays = %+v, want 2 plays of 2 urls", plays)
	}
	replaced := cs.Replaced()
	if len(replaced) != 1 || replaced[0][0].Verb() != tasks.VerbHangup {
		t.Fatalf("replaced = %v, want hangup application", replaced)
	}
	select {
	case <-task.Done():
	default:
		t.Fatalf("Done() not closed after Exec")
	}
}

func TestPlayKillBreaksPlayback(t *testing.T) {
	ep := media.NewMockEndpoint("ep")
	ep.PlayFunc = func(ctx context.Context, _ []string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	cs := taskstest.NewSession(ep)
	task := mustMake(t, tasks.NewFactory(), `{"play":{"url":"long.wav","loop":5,"actionHook":"/never"}}`)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- task.Exec(ctx, cs, ep) }()

	time.Sleep(20 * time.Millisecond)
	task.Kill(cs)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Exec() error = %v, want nil after kill", err)
	}
	breaks := 0
	for _, op := range ep.OpsFor(protocol.MethodAPI) {
		if op.Args[0] == "uuid_break" && op.Args[1] == "ep" {
			breaks++
		}
	}
	if breaks != 1 {
		t.Fatalf("uuid_break count = %d, want 1", breaks)
	}
	if got := len(cs.Req.RequestsTo("/never")); got != 0 {
		t.Fatalf("action hook calls = %d, want 0 after kill", got)
	}
	task.Kill(cs)
}

func TestSaySynthesizesOncePerSegment(t *testing.T) {
	ep := media.NewMockEndpoint("ep")
	cs := taskstest.NewSession(ep)
	task := mustMake(t, tasks.NewFactory(), `{"say":{"text":["hello","world"],"loop":2,"synthesizer":{"vendor":"google","voice":"en-US-Wavenet-C"}}}`)

	if err := task.Exec(context.Background(), cs, ep); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	plays := ep.OpsFor(protocol.MethodPlay)
	if len(plays) != 4 {
		t.Fatalf("plays = %d, want 4", len(plays))
	}
	if plays[0].Args[0] != "speak:google_tts|en-US-Wavenet-C|hello" {
		t.Fatalf("first path = %q, want google speak path", plays[0].Args[0])
	}
	if plays[3].Args[0] != "speak:google_tts|en-US-Wavenet-C|world" {
		t.Fatalf("last path = %q, want world", plays[3].Args[0])
	}
}

func TestPauseEndsOnKill(t *testing.T) {
	cs := taskstest.NewSession(nil)
	task := mustMake(t, tasks.NewFactory(), `{"pause":{"length":30}}`)
	go func() {
		time.Sleep(10 * time.Millisecond)
		task.Kill(cs)
	}()
	start := time.Now()
	if err := task.Exec(context.Background(), cs, nil); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("pause did not end on kill")
	}
}

func TestTagHangupAndRedirect(t *testing.T) {
	cs := taskstest.NewSession(nil)
	cs.Req.Respond("/next", `[{"verb":"say","text":"moved"}]`)
	f := tasks.NewFactory()
	ctx := context.Background()

	if err := mustMake(t, f, `{"tag":{"data":{"tier":"gold"}}}`).Exec(ctx, cs, nil); err != nil {
		t.Fatalf("tag Exec() error = %v", err)
	}
	if cs.CustomerData()["tier"] != "gold" {
		t.Fatalf("customer data = %v, want tier=gold", cs.CustomerData())
	}

	if err := mustMake(t, f, `{"redirect":{"actionHook":"/next"}}`).Exec(ctx, cs, nil); err != nil {
		t.Fatalf("redirect Exec() error = %v", err)
	}
	reqs := cs.Req.RequestsTo("/next")
	if len(reqs) != 1 || reqs[0].Params["call_sid"] != "CA-test" {
		t.Fatalf("redirect requests = %+v, want one with call info", reqs)
	}
	if r := cs.Replaced(); len(r) != 1 || r[0][0].Verb() != tasks.VerbSay {
		t.Fatalf("replaced = %v, want say", r)
	}

	if err := mustMake(t, f, `{"hangup":{}}`).Exec(ctx, cs, nil); err != nil {
		t.Fatalf("hangup Exec() error = %v", err)
	}
	if !cs.HungUp() {
		t.Fatalf("HungUp() = false, want true")
	}
}

func TestDialReportsBridgeFailure(t *testing.T) {
	cs := taskstest.NewSession(nil)
	cs.Req.Respond("/dial-done", "")
	task := mustMake(t, tasks.NewFactory(), `{"dial":{"target":[{"type":"phone","number":"15551234"}],"actionHook":"/dial-done"}}`)
	if err := task.Exec(context.Background(), cs, nil); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	reqs := cs.Req.RequestsTo("/dial-done")
	if len(reqs) != 1 || reqs[0].Params["dial_call_status"] != "failed" {
		t.Fatalf("dial action = %+v, want dial_call_status=failed", reqs)
	}
}

func TestEngineSynthesizerDefaults(t *testing.T) {
	s := tasks.EngineSynthesizer{Engine: "flite", Voice: "kal"}
	path, err := s.Synthesize(context.Background(), tasks.SynthesisRequest{Text: "a|b"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if path != "speak:flite|kal|a b" {
		t.Fatalf("path = %q, want speak:flite|kal|a b", path)
	}
	if _, err := s.Synthesize(context.Background(), tasks.SynthesisRequest{Text: "  "}); err == nil {
		t.Fatalf("Synthesize(empty) error = nil, want error")
	}
}
