package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	DatabaseURL string
	RedisURL    string
}

// New opens the configured backend. "auto" prefers postgres, then redis, and
// falls back to the in-process store.
func New(ctx context.Context, opts Options) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend == "" || backend == "auto" {
		switch {
		case strings.TrimSpace(opts.DatabaseURL) != "":
			backend = "postgres"
		case strings.TrimSpace(opts.RedisURL) != "":
			backend = "redis"
		default:
			backend = "memory"
		}
	}

	switch backend {
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, opts.DatabaseURL)
	case "redis":
		return NewRedisStore(ctx, opts.RedisURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

// StartReaper periodically deletes expired snapshots for backends without
// native expiry. It is a no-op for other backends.
func StartReaper(ctx context.Context, s Store, interval time.Duration, logger *slog.Logger) {
	r, ok := unwrap(s).(Reaper)
	if !ok || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				n, err := r.ReapExpired(ctx, now)
				if err != nil {
					logger.Warn("snapshot reap failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Debug("reaped expired snapshots", "count", n)
				}
			}
		}
	}()
}

func unwrap(s Store) Store {
	if in, ok := s.(*instrumented); ok {
		return in.Store
	}
	return s
}
