package tasks_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/featureserver/internal/media"
	"github.com/ent0n29/featureserver/internal/protocol"
	"github.com/ent0n29/featureserver/internal/tasks"
	"github.com/ent0n29/featureserver/internal/tasks/taskstest"
	"github.com/ent0n29/featureserver/internal/webhook"
)

func TestRunnerRunsInOrder(t *testing.T) {
	ep := media.NewMockEndpoint("ep")
	cs := taskstest.NewSession(ep)
	f := tasks.NewFactory()
	r := tasks.NewRunner([]tasks.Task{
		mustMake(t, f, `{"play":{"url":"one.wav"}}`),
		mustMake(t, f, `{"play":{"url":"two.wav"}}`),
	})
	if err := r.Run(context.Background(), cs, ep); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	plays := ep.OpsFor(protocol.MethodPlay)
	if len(plays) != 2 || plays[0].Args[0] != "one.wav" || plays[1].Args[0] != "two.wav" {
		t.Fatalf("plays = %+v, want one.wav then two.wav", plays)
	}
}

func TestRunnerCancelSkipsRemaining(t *testing.T) {
	ep := media.NewMockEndpoint("ep")
	started := make(chan struct{}, 1)
	ep.PlayFunc = func(ctx context.Context, _ []string) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	cs := taskstest.NewSession(ep)
	f := tasks.NewFactory()
	r := tasks.NewRunner([]tasks.Task{
		mustMake(t, f, `{"play":{"url":"hold.wav"}}`),
		mustMake(t, f, `{"play":{"url":"after.wav"}}`),
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx, cs, ep) }()
	<-started
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after cancel")
	}
	if plays := ep.OpsFor(protocol.MethodPlay); len(plays) != 1 {
		t.Fatalf("plays = %d, want 1", len(plays))
	}
}

func TestFetchHookTasksRejectsUnsupportedVerb(t *testing.T) {
	ep := media.NewMockEndpoint("ep")
	cs := taskstest.NewSession(ep)
	cs.Req.Respond("/wait", `[{"verb":"play","url":"a.wav"},{"verb":"dial","target":[{"type":"phone","number":"1"}]}]`)

	_, err := tasks.FetchHookTasks(context.Background(), cs, tasks.NewFactory(), webhook.Hook{URL: "/wait"}, nil, tasks.HookVerbs...)
	if !errors.Is(err, tasks.ErrUnsupportedHookVerb) {
		t.Fatalf("FetchHookTasks() error = %v, want ErrUnsupportedHookVerb", err)
	}
	if plays := ep.OpsFor(protocol.MethodPlay); len(plays) != 0 {
		t.Fatalf("plays = %d, want none for rejected response", len(plays))
	}
}

func TestFetchHookTasksEmptyResponse(t *testing.T) {
	cs := taskstest.NewSession(nil)
	cs.Req.Respond("/wait", "")
	got, err := tasks.FetchHookTasks(context.Background(), cs, tasks.NewFactory(), webhook.Hook{URL: "/wait"}, nil, tasks.HookVerbs...)
	if err != nil || len(got) != 0 {
		t.Fatalf("FetchHookTasks() = %v, %v, want no tasks", got, err)
	}
}

func TestRunnerCancelWaitsForInterrupt(t *testing.T) {
	ep := media.NewMockEndpoint("ep")
	started := make(chan struct{}, 1)
	ep.PlayFunc = func(ctx context.Context, _ []string) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	breaking := make(chan struct{})
	release := make(chan struct{})
	ep.APIFunc = func(command, _ string) (string, error) {
		if command == "uuid_break" {
			close(breaking)
			<-release
		}
		return "+OK", nil
	}
	cs := taskstest.NewSession(ep)
	r := tasks.NewRunner([]tasks.Task{mustMake(t, tasks.NewFactory(), `{"play":{"url":"hold.wav"}}`)})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx, cs, ep) }()
	<-started
	cancel()
	<-breaking

	select {
	case <-errCh:
		t.Fatalf("Run() returned before uuid_break completed")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after uuid_break completed")
	}
}
