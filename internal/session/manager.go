package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound  = errors.New("call not found")
	ErrDuplicate = errors.New("call already exists")
)

// Manager indexes live calls by call SID. Ended calls stay visible for the
// retention period so their final state can still be queried.
type Manager struct {
	mu        sync.RWMutex
	calls     map[string]*Call
	retention time.Duration
	onExpire  func(*Call)
	now       func() time.Time
}

func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = time.Minute
	}
	return &Manager{
		calls:     make(map[string]*Call),
		retention: retention,
		now:       time.Now,
	}
}

// SetExpireHook registers a callback invoked for each reaped call.
func (m *Manager) SetExpireHook(hook func(*Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Add(c *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[c.CallSID()]; ok {
		return ErrDuplicate
	}
	m.calls[c.CallSID()] = c
	return nil
}

func (m *Manager) Get(callSID string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[callSID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// List returns summaries of every tracked call, oldest first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.calls {
		if c.Status() == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reapEnded()
			}
		}
	}()
}

func (m *Manager) reapEnded() {
	now := m.now()
	var expired []*Call

	m.mu.Lock()
	for sid, c := range m.calls {
		endedAt, ended := c.endedSince()
		if !ended || now.Sub(endedAt) < m.retention {
			continue
		}
		delete(m.calls, sid)
		expired = append(expired, c)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}
