package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/novel2anime/internal/config"
	"github.com/ent0n29/novel2anime/internal/lifecycle"
	"github.com/ent0n29/novel2anime/internal/observability"
	"github.com/ent0n29/novel2anime/internal/playback"
	"github.com/ent0n29/novel2anime/internal/taskapi"
	"github.com/ent0n29/novel2anime/internal/tasks"
	"github.com/ent0n29/novel2anime/internal/viewer"
)

// Deps are the components the control API drives.
type Deps struct {
	Store     *tasks.Store
	Lifecycle *lifecycle.Manager
	Viewer    *viewer.Viewer
	Metrics   *observability.Metrics
	// StateMode names the persisted-state backend for health output.
	StateMode string
}

type Server struct {
	cfg       config.Config
	store     *tasks.Store
	lifecycle *lifecycle.Manager
	viewer    *viewer.Viewer
	metrics   *observability.Metrics
	stateMode string
	upgrader  websocket.Upgrader
	viewers   atomic.Int64
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		store:     deps.Store,
		lifecycle: deps.Lifecycle,
		viewer:    deps.Viewer,
		metrics:   deps.Metrics,
		stateMode: deps.StateMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the viewer unless opted out.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/tasks", s.handleListTasks)
	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Delete("/v1/tasks/{id}", s.handleDeleteTask)
	r.Post("/v1/tasks/{id}/select", s.handleSelectTask)
	r.Post("/v1/tasks/{id}/artifacts", s.handleLoadArtifacts)
	r.Get("/v1/state", s.handleState)

	r.Get("/v1/scene", s.handleScene)
	r.Put("/v1/scene", s.handleGoToScene)
	r.Post("/v1/scene/{action}", s.handleSceneAction)

	r.Get("/v1/playback", s.handlePlayback)
	r.Post("/v1/playback/dialogue", s.handleToggleDialogue)
	r.Post("/v1/playback/narration", s.handlePlayNarration)
	r.Put("/v1/playback/volume", s.handleSetVolume)
	r.Post("/v1/playback/{action}", s.handlePlaybackAction)

	r.Get("/v1/events/ws", s.handleEventsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"state_mode": s.stateModeName(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"state_mode":     s.stateModeName(),
		"active_pollers": len(s.lifecycle.ActivePollers()),
		"viewers":        s.viewers.Load(),
	})
}

func (s *Server) stateModeName() string {
	if mode := strings.TrimSpace(s.stateMode); mode != "" {
		return mode
	}
	return "memory"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondFailure maps domain errors onto status codes.
func respondFailure(w http.ResponseWriter, err error) {
	var (
		ve *lifecycle.ValidationError
		ae *taskapi.APIError
		me *playback.MediaError
	)
	switch {
	case errors.As(err, &ve):
		respondError(w, http.StatusBadRequest, "validation_failed", ve.Reason)
	case errors.Is(err, tasks.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, viewer.ErrNotFound):
		respondError(w, http.StatusNotFound, "scene_not_found", err.Error())
	case errors.Is(err, viewer.ErrNoAudio):
		respondError(w, http.StatusConflict, "no_audio", err.Error())
	case errors.Is(err, playback.ErrNoSession):
		respondError(w, http.StatusConflict, "no_session", err.Error())
	case errors.As(err, &me):
		respondError(w, http.StatusConflict, "media_failed", err.Error())
	case errors.As(err, &ae):
		respondError(w, http.StatusBadGateway, "upstream_failed", err.Error())
	case errors.Is(err, context.Canceled):
		respondError(w, http.StatusConflict, "superseded", err.Error())
	case errors.Is(err, playback.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
