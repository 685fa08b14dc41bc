package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/featureserver/internal/conference"
	"github.com/ent0n29/featureserver/internal/config"
	"github.com/ent0n29/featureserver/internal/httpapi"
	"github.com/ent0n29/featureserver/internal/media"
	"github.com/ent0n29/featureserver/internal/observability"
	"github.com/ent0n29/featureserver/internal/session"
	"github.com/ent0n29/featureserver/internal/store"
	"github.com/ent0n29/featureserver/internal/taskruntime"
	"github.com/ent0n29/featureserver/internal/tasks"
	"github.com/ent0n29/featureserver/internal/webhook"
)

const janitorInterval = 5 * time.Second

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Calls        *taskruntime.Service
	Applications *taskruntime.StaticApplications
	Store        store.Store
	Metrics      *observability.Metrics
	Logger       *slog.Logger
	MediaMode    string

	// Cleanup should be called on shutdown to end calls and release the store
	// and media connections.
	Cleanup func(ctx context.Context) error
}

// Build wires the feature server. Background loops (store reaper, session
// janitor) run until ctx is cancelled.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	rawStore, err := store.New(ctx, store.Options{
		Backend:     cfg.StoreBackend,
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
	})
	if err != nil {
		return nil, fmt.Errorf("coordination store init failed: %w", err)
	}
	st := store.Instrument(rawStore, metrics)
	store.StartReaper(ctx, st, cfg.SnapshotReapInterval, logger)

	allocator, mediaMode, err := newAllocator(ctx, cfg, logger, metrics)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	factory := tasks.NewFactory()
	factory.RegisterConference(conference.Constructor(conference.Deps{
		Store:        st,
		Metrics:      metrics,
		MigrationTTL: cfg.MigrationTTL,
	}))

	apps := taskruntime.NewStaticApplications()
	if app, ok := defaultApplication(cfg); ok {
		apps.SetDefault(app)
	}

	sessions := session.NewManager(cfg.CallRetention)
	sessions.SetExpireHook(func(_ *session.Call) {
		metrics.ObserveCallEvent("expired")
		metrics.SetActiveCalls(sessions.ActiveCount())
	})
	sessions.StartJanitor(ctx, janitorInterval)

	calls := taskruntime.New(taskruntime.Config{
		LocalSIPAddress:   cfg.LocalSIPAddress,
		ServiceURL:        cfg.ServiceURL,
		SignalingURL:      cfg.SignalingURL,
		WebhookTimeout:    cfg.WebhookTimeout,
		CallStatusEnabled: cfg.CallStatusEnabled,
		MaxCalls:          cfg.MaxCalls,
		TTSEngine:         cfg.TTSEngine,
		TTSVoice:          cfg.TTSVoice,
	}, taskruntime.Deps{
		Applications: apps,
		Snapshots:    st,
		Factory:      factory,
		Sessions:     sessions,
		Allocator:    allocator,
		Metrics:      metrics,
		Logger:       logger,
	})

	cfg.MediaMode = mediaMode
	api := httpapi.New(cfg, calls, sessions, st)

	cleanup := func(ctx context.Context) error {
		var errs []string
		if err := calls.Close(ctx); err != nil {
			errs = append(errs, err.Error())
		}
		if err := allocator.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := st.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Calls:        calls,
		Applications: apps,
		Store:        st,
		Metrics:      metrics,
		Logger:       logger,
		MediaMode:    mediaMode,
		Cleanup:      cleanup,
	}, nil
}

// newAllocator connects to the media server. "auto" uses the control channel
// when MEDIA_CONTROL_URL is set and falls back to mock endpoints otherwise.
func newAllocator(ctx context.Context, cfg config.Config, logger *slog.Logger, metrics *observability.Metrics) (media.Allocator, string, error) {
	mode := cfg.MediaMode
	if mode == "" || mode == "auto" {
		mode = "mock"
		if cfg.MediaControlURL != "" {
			mode = "ws"
		}
	}
	switch mode {
	case "mock":
		logger.Warn("media server not configured, using mock endpoints")
		return media.NewMockAllocator(), mode, nil
	case "ws":
		client, err := media.Dial(ctx, cfg.MediaControlURL, media.ClientOptions{
			Logger:       logger,
			Metrics:      metrics,
			ReconnectMax: cfg.MediaReconnectMax,
		})
		if err != nil {
			return nil, "", fmt.Errorf("media control connect failed: %w", err)
		}
		return client, mode, nil
	default:
		return nil, "", fmt.Errorf("invalid MEDIA_MODE: %q", cfg.MediaMode)
	}
}

func defaultApplication(cfg config.Config) (session.Application, bool) {
	if cfg.DefaultCallHook == "" {
		return session.Application{}, false
	}
	app := session.Application{
		AccountSID:     cfg.DefaultAccountSID,
		ApplicationSID: cfg.DefaultApplicationSID,
		CallHook:       webhook.Hook{URL: cfg.DefaultCallHook, Method: cfg.DefaultCallHookMethod},
	}
	if cfg.DefaultCallStatusHook != "" {
		app.CallStatusHook = &webhook.Hook{URL: cfg.DefaultCallStatusHook, Method: cfg.DefaultCallHookMethod}
	}
	return app, true
}
