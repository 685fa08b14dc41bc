package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/featureserver/internal/webhook"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	prefix := "test:" + uuid.NewString()

	t.Run("registry create once", func(t *testing.T) {
		key := "conf:" + prefix + ":sales"
		start := time.Now().UTC().Truncate(time.Millisecond)
		d := ConferenceDescriptor{
			HostAddress:  "10.0.0.5:5060",
			StartTime:    start,
			StatusEvents: []string{"start", "end"},
			StatusHook:   &webhook.Hook{URL: "/conf/status"},
		}

		const racers = 8
		var wg sync.WaitGroup
		wins := make(chan int, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				attempt := d
				if i > 0 {
					attempt.HostAddress = "10.0.0.99:5060"
				}
				ok, err := s.CreateIfAbsent(ctx, key, attempt)
				if err != nil {
					t.Errorf("CreateIfAbsent() error = %v", err)
					return
				}
				if ok {
					wins <- i
				}
			}(i)
		}
		wg.Wait()
		close(wins)
		if n := len(wins); n != 1 {
			t.Fatalf("winners = %d, want 1", n)
		}

		got, err := s.Read(ctx, key)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if got.StatusHook == nil || got.StatusHook.URL != "/conf/status" {
			t.Fatalf("StatusHook = %+v, want /conf/status", got.StatusHook)
		}
		if len(got.StatusEvents) != 2 {
			t.Fatalf("StatusEvents = %v, want 2 entries", got.StatusEvents)
		}

		deleted, err := s.Delete(ctx, key)
		if err != nil || !deleted {
			t.Fatalf("Delete() = %v, %v, want true", deleted, err)
		}
		deleted, err = s.Delete(ctx, key)
		if err != nil || deleted {
			t.Fatalf("second Delete() = %v, %v, want false", deleted, err)
		}
		if _, err := s.Read(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Read() after delete error = %v, want ErrNotFound", err)
		}
	})

	t.Run("wait list ordered set", func(t *testing.T) {
		key := prefix + ":waitlist"
		for _, m := range []string{"http://fs/a", "http://fs/b", "http://fs/c"} {
			n, err := s.Add(ctx, key, m)
			if err != nil || n != 1 {
				t.Fatalf("Add(%q) = %d, %v, want 1", m, n, err)
			}
			time.Sleep(time.Millisecond)
		}
		if n, err := s.Add(ctx, key, "http://fs/a"); err != nil || n != 0 {
			t.Fatalf("duplicate Add() = %d, %v, want 0", n, err)
		}

		members, err := s.List(ctx, key)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(members) != 3 || members[0] != "http://fs/a" || members[2] != "http://fs/c" {
			t.Fatalf("List() = %v, want a,b,c in order", members)
		}

		if n, err := s.Remove(ctx, key, "http://fs/b"); err != nil || n != 1 {
			t.Fatalf("Remove() = %d, %v, want 1", n, err)
		}
		if n, err := s.Remove(ctx, key, "http://fs/b"); err != nil || n != 0 {
			t.Fatalf("second Remove() = %d, %v, want 0", n, err)
		}
		if err := s.Clear(ctx, key); err != nil {
			t.Fatalf("Clear() error = %v", err)
		}
		members, err = s.List(ctx, key)
		if err != nil || len(members) != 0 {
			t.Fatalf("List() after clear = %v, %v, want empty", members, err)
		}
	})

	t.Run("snapshot taken once", func(t *testing.T) {
		token := uuid.NewString()
		if err := s.Put(ctx, token, []byte(`{"tasks":[]}`), time.Minute); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		payload, err := s.Take(ctx, token)
		if err != nil {
			t.Fatalf("Take() error = %v", err)
		}
		if string(payload) != `{"tasks":[]}` {
			t.Fatalf("payload = %s, want stored payload", payload)
		}
		if _, err := s.Take(ctx, token); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second Take() error = %v, want ErrNotFound", err)
		}
	})
}
