package store

import (
	"context"
	"sync"
	"time"
)

type snapshotEntry struct {
	payload   []byte
	expiresAt time.Time
}

// InMemoryStore is a process-local store for development and tests. It only
// coordinates calls within one process.
type InMemoryStore struct {
	mu          sync.Mutex
	conferences map[string]ConferenceDescriptor
	waitLists   map[string][]string
	snapshots   map[string]snapshotEntry
	now         func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conferences: make(map[string]ConferenceDescriptor),
		waitLists:   make(map[string][]string),
		snapshots:   make(map[string]snapshotEntry),
		now:         time.Now,
	}
}

func (s *InMemoryStore) Backend() string { return "memory" }

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateIfAbsent(_ context.Context, key string, d ConferenceDescriptor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conferences[key]; ok {
		return false, nil
	}
	d.StatusEvents = append([]string(nil), d.StatusEvents...)
	s.conferences[key] = d
	return true, nil
}

func (s *InMemoryStore) Read(_ context.Context, key string) (ConferenceDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.conferences[key]
	if !ok {
		return ConferenceDescriptor{}, ErrNotFound
	}
	d.StatusEvents = append([]string(nil), d.StatusEvents...)
	return d, nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conferences[key]; !ok {
		return false, nil
	}
	delete(s.conferences, key)
	return true, nil
}

func (s *InMemoryStore) Add(_ context.Context, key, member string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.waitLists[key] {
		if m == member {
			return 0, nil
		}
	}
	s.waitLists[key] = append(s.waitLists[key], member)
	return 1, nil
}

func (s *InMemoryStore) List(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.waitLists[key]...), nil
}

func (s *InMemoryStore) Remove(_ context.Context, key, member string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.waitLists[key]
	for i, m := range arr {
		if m != member {
			continue
		}
		arr = append(arr[:i:i], arr[i+1:]...)
		if len(arr) == 0 {
			delete(s.waitLists, key)
		} else {
			s.waitLists[key] = arr
		}
		return 1, nil
	}
	return 0, nil
}

func (s *InMemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waitLists, key)
	return nil
}

func (s *InMemoryStore) Put(_ context.Context, token string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[token] = snapshotEntry{
		payload:   append([]byte(nil), payload...),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *InMemoryStore) Take(_ context.Context, token string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.snapshots[token]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.snapshots, token)
	if !s.now().Before(e.expiresAt) {
		return nil, ErrNotFound
	}
	return e.payload, nil
}

func (s *InMemoryStore) ReapExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, e := range s.snapshots {
		if !now.Before(e.expiresAt) {
			delete(s.snapshots, token)
			n++
		}
	}
	return n, nil
}
