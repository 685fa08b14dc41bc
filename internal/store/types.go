package store

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/featureserver/internal/webhook"
)

// ErrNotFound is returned when a key is absent (or a snapshot has expired).
var ErrNotFound = errors.New("store: not found")

// ConferenceDescriptor is the registry value for a live conference. It is
// written once by the process that won provisioning and only ever deleted.
type ConferenceDescriptor struct {
	HostAddress  string        `json:"hostAddress"`
	StartTime    time.Time     `json:"startTime"`
	StatusEvents []string      `json:"statusEvents,omitempty"`
	StatusHook   *webhook.Hook `json:"statusHook,omitempty"`
}

// Registry records which process hosts a named conference. CreateIfAbsent
// must be a single atomic operation on every backend.
type Registry interface {
	CreateIfAbsent(ctx context.Context, key string, d ConferenceDescriptor) (bool, error)
	Read(ctx context.Context, key string) (ConferenceDescriptor, error)
	Delete(ctx context.Context, key string) (bool, error)
}

// WaitList is an insertion-ordered set of callback URLs per conference.
type WaitList interface {
	// Add returns the number of members newly added (0 or 1).
	Add(ctx context.Context, key, member string) (int, error)
	List(ctx context.Context, key string) ([]string, error)
	Remove(ctx context.Context, key, member string) (int, error)
	Clear(ctx context.Context, key string) error
}

// Snapshots holds migration payloads for a bounded time.
type Snapshots interface {
	Put(ctx context.Context, token string, payload []byte, ttl time.Duration) error
	// Take returns the payload and deletes it; expired entries are ErrNotFound.
	Take(ctx context.Context, token string) ([]byte, error)
}

// Store is the shared coordination state of the cluster.
type Store interface {
	Registry
	WaitList
	Snapshots
	Backend() string
	Ping(ctx context.Context) error
	Close() error
}

// Reaper is implemented by backends without native key expiry.
type Reaper interface {
	ReapExpired(ctx context.Context, now time.Time) (int, error)
}
