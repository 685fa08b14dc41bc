package store

import (
	"context"
	"time"
)

// OpObserver receives per-operation latencies.
type OpObserver interface {
	ObserveStoreOp(op string, d time.Duration)
}

type instrumented struct {
	Store
	obs OpObserver
}

// Instrument wraps s so every coordination call reports its latency to obs.
func Instrument(s Store, obs OpObserver) Store {
	if obs == nil {
		return s
	}
	return &instrumented{Store: s, obs: obs}
}

func (s *instrumented) observe(op string, start time.Time) {
	s.obs.ObserveStoreOp(op, time.Since(start))
}

func (s *instrumented) CreateIfAbsent(ctx context.Context, key string, d ConferenceDescriptor) (bool, error) {
	defer s.observe("create_if_absent", time.Now())
	return s.Store.CreateIfAbsent(ctx, key, d)
}

func (s *instrumented) Read(ctx context.Context, key string) (ConferenceDescriptor, error) {
	defer s.observe("read", time.Now())
	return s.Store.Read(ctx, key)
}

func (s *instrumented) Delete(ctx context.Context, key string) (bool, error) {
	defer s.observe("delete", time.Now())
	return s.Store.Delete(ctx, key)
}

func (s *instrumented) Add(ctx context.Context, key, member string) (int, error) {
	defer s.observe("waitlist_add", time.Now())
	return s.Store.Add(ctx, key, member)
}

func (s *instrumented) List(ctx context.Context, key string) ([]string, error) {
	defer s.observe("waitlist_list", time.Now())
	return s.Store.List(ctx, key)
}

func (s *instrumented) Remove(ctx context.Context, key, member string) (int, error) {
	defer s.observe("waitlist_remove", time.Now())
	return s.Store.Remove(ctx, key, member)
}

func (s *instrumented) Clear(ctx context.Context, key string) error {
	defer s.observe("waitlist_clear", time.Now())
	return s.Store.Clear(ctx, key)
}

func (s *instrumented) Put(ctx context.Context, token string, payload []byte, ttl time.Duration) error {
	defer s.observe("snapshot_put", time.Now())
	return s.Store.Put(ctx, token, payload, ttl)
}

func (s *instrumented) Take(ctx context.Context, token string) ([]byte, error) {
	defer s.observe("snapshot_take", time.Now())
	return s.Store.Take(ctx, token)
}
