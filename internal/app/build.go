package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/novel2anime/internal/config"
	"github.com/ent0n29/novel2anime/internal/httpapi"
	"github.com/ent0n29/novel2anime/internal/lifecycle"
	"github.com/ent0n29/novel2anime/internal/localstore"
	"github.com/ent0n29/novel2anime/internal/navigator"
	"github.com/ent0n29/novel2anime/internal/notify"
	"github.com/ent0n29/novel2anime/internal/observability"
	"github.com/ent0n29/novel2anime/internal/playback"
	"github.com/ent0n29/novel2anime/internal/taskapi"
	"github.com/ent0n29/novel2anime/internal/tasks"
	"github.com/ent0n29/novel2anime/internal/viewer"
)

// mockClipLength is how long clips from the mock backend play by themselves.
const mockClipLength = 1500 * time.Millisecond

// Options override parts of the wiring. The zero value builds from config.
type Options struct {
	// Registerer receives the metrics. Nil uses the default registry.
	Registerer prometheus.Registerer
	// Backend replaces the audio backend named by AUDIO_BACKEND.
	Backend playback.Backend
}

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Store     *tasks.Store
	Lifecycle *lifecycle.Manager
	Navigator *navigator.Navigator
	Playback  *playback.Engine
	Viewer    *viewer.Viewer
	Prefs     *localstore.Prefs
	State     localstore.Store
	Notifier  notify.Service
	Metrics   *observability.Metrics

	// Cleanup stops pollers and audio and closes the state backend.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	return BuildWith(ctx, cfg, Options{})
}

func BuildWith(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metrics := observability.NewMetricsWith(reg, cfg.MetricsNamespace)

	state, err := localstore.NewStore(ctx, cfg.StateURL)
	if err != nil {
		return nil, fmt.Errorf("state store init failed: %w", err)
	}
	prefs := localstore.NewPrefs(state)

	backend := opts.Backend
	if backend == nil {
		backend, err = resolveBackend(cfg)
		if err != nil {
			_ = state.Close()
			return nil, err
		}
	}

	store := tasks.NewStore()
	store.SetEventHook(func(e tasks.Event) {
		metrics.ObserveStoreEvent(e.Name())
	})

	engine := playback.New(playback.Options{
		Backend:            backend,
		Metrics:            metrics,
		Volume:             cfg.AudioDefaultVolume,
		RequireInteraction: cfg.AudioRequireInteraction,
	})
	nav := navigator.New(store, prefs, engine.SceneChanged)
	notifier := notify.New(cfg.NtfyTopic, cfg.NtfyTimeout)

	manager := lifecycle.NewManager(lifecycle.Options{
		API:          taskapi.NewClient(cfg.TaskAPIBaseURL, cfg.TaskAPITimeout, metrics),
		Store:        store,
		Prefs:        prefs,
		Metrics:      metrics,
		Notifier:     notifier,
		MinLength:    cfg.NovelMinLength,
		MaxLength:    cfg.NovelMaxLength,
		PollInterval: cfg.TaskPollInterval,
		OnSelect: func(string) {
			engine.Stop()
		},
		OnArtifacts: func(string) {
			nav.Restore()
		},
	})
	view := viewer.New(store, nav, engine)

	api := httpapi.New(cfg, httpapi.Deps{
		Store:     store,
		Lifecycle: manager,
		Viewer:    view,
		Metrics:   metrics,
		StateMode: state.Mode(),
	})

	cleanup := func() error {
		manager.Close()
		engine.Close()
		if err := state.Close(); err != nil {
			return fmt.Errorf("close state store: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Store:     store,
		Lifecycle: manager,
		Navigator: nav,
		Playback:  engine,
		Viewer:    view,
		Prefs:     prefs,
		State:     state,
		Notifier:  notifier,
		Metrics:   metrics,
		Cleanup:   cleanup,
	}, nil
}

// Start loads the task list, reopens the persisted selection and starts
// pollers for unfinished tasks. A list failure is returned; the rest is
// logged.
func (b *BuildResult) Start(ctx context.Context) error {
	if _, err := b.Lifecycle.ListTasks(ctx); err != nil {
		return fmt.Errorf("initial task list: %w", err)
	}
	if id, err := b.Lifecycle.RestoreSelection(ctx); err != nil {
		log.Printf("app: restore selection %s failed: %v", id, err)
	}
	if n := b.Lifecycle.WatchActive(); n > 0 {
		log.Printf("app: polling %d unfinished task(s)", n)
	}
	return nil
}

func resolveBackend(cfg config.Config) (playback.Backend, error) {
	switch cfg.AudioBackend {
	case "", "clock":
		client := &http.Client{Timeout: cfg.AudioFetchTimeout}
		return playback.NewClockBackend(client, cfg.AudioTempDir), nil
	case "mock":
		b := playback.NewMockBackend()
		b.AutoFinish = mockClipLength
		return b, nil
	default:
		return nil, errors.New("unsupported audio backend: " + cfg.AudioBackend)
	}
}
