package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/novel2anime/internal/app"
	"github.com/ent0n29/novel2anime/internal/config"
	"github.com/ent0n29/novel2anime/internal/playback"
	"github.com/ent0n29/novel2anime/internal/protocol"
	"github.com/ent0n29/novel2anime/internal/taskapi/apitest"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

type harness struct {
	api     *apitest.Server
	built   *app.BuildResult
	backend *playback.MockBackend
	ts      *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := apitest.NewServer()
	cfg := config.Default()
	cfg.TaskAPIBaseURL = api.URL()
	cfg.TaskAPITimeout = 2 * time.Second
	cfg.TaskPollInterval = 20 * time.Millisecond
	cfg.AudioRequireInteraction = true

	backend := playback.NewMockBackend()
	built, err := app.BuildWith(context.Background(), cfg, app.Options{
		Registerer: prometheus.NewRegistry(),
		Backend:    backend,
	})
	if err != nil {
		t.Fatalf("BuildWith() error = %v", err)
	}
	ts := httptest.NewServer(built.API.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = built.Cleanup()
		api.Close()
	})
	return &harness{api: api, built: built, backend: backend, ts: ts}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

// openSeeded seeds a finished task with scenes and selects it over HTTP.
func (h *harness) openSeeded(t *testing.T, id string, scenes int) {
	t.Helper()
	h.api.Seed(id, "Story", tasks.StatusDone, 0, scenes)
	if code, _ := h.do(t, http.MethodGet, "/v1/tasks", nil); code != http.StatusOK {
		t.Fatalf("GET /v1/tasks status = %d", code)
	}
	if code, body := h.do(t, http.MethodPost, "/v1/tasks/"+id+"/select", nil); code != http.StatusOK {
		t.Fatalf("select status = %d body = %v", code, body)
	}
	if n := h.built.Store.State().Artifacts.Len(); n != scenes {
		t.Fatalf("loaded scenes = %d, want %d", n, scenes)
	}
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodGet, "/healthz", nil)
	if code != http.StatusOK || body["state_mode"] != "memory" {
		t.Fatalf("healthz = %d %v", code, body)
	}
	code, body = h.do(t, http.MethodGet, "/readyz", nil)
	if code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("readyz = %d %v", code, body)
	}
}

func TestPerfLatencyFiltersByStage(t *testing.T) {
	h := newHarness(t)
	if code, _ := h.do(t, http.MethodGet, "/v1/tasks", nil); code != http.StatusOK {
		t.Fatalf("GET /v1/tasks status = %d", code)
	}
	code, body := h.do(t, http.MethodGet, "/v1/perf/latency?stage=api_", nil)
	if code != http.StatusOK {
		t.Fatalf("perf status = %d", code)
	}
	stages, _ := body["stages"].([]any)
	if len(stages) == 0 {
		t.Fatalf("perf stages = %v, want api_list", body["stages"])
	}
	for _, raw := range stages {
		st, _ := raw.(map[string]any)
		name, _ := st["stage"].(string)
		if !strings.HasPrefix(name, "api_") {
			t.Fatalf("stage %q survived the api_ filter", name)
		}
	}
	if _, ok := body["active_pollers"]; !ok {
		t.Fatalf("perf body missing active_pollers: %v", body)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodPost, "/v1/tasks", map[string]string{"name": "x", "novel": "too short"})
	if code != http.StatusBadRequest || body["code"] != "validation_failed" {
		t.Fatalf("create short novel = %d %v, want 400 validation_failed", code, body)
	}
	if n := h.api.Count(apitest.RouteCreate); n != 0 {
		t.Fatalf("remote create calls = %d, want 0", n)
	}
	if msg := h.built.Store.State().Error; msg != "" {
		t.Fatalf("store error = %q, want empty", msg)
	}
}

func TestCreateTaskPollsToDone(t *testing.T) {
	h := newHarness(t)
	novel := strings.Repeat("The river ran quiet that night. ", 10)
	code, body := h.do(t, http.MethodPost, "/v1/tasks", map[string]string{"name": "River", "novel": novel})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %v", code, body)
	}
	id, _ := body["id"].(string)
	if id == "" || body["status"] != "doing" {
		t.Fatalf("created task = %v", body)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if task, _ := h.built.Store.State().Task(id); task.Status == tasks.StatusDone {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached done", id)
}

func TestUpstreamFailureMapsTo502(t *testing.T) {
	h := newHarness(t)
	h.api.FailNext(apitest.RouteList, http.StatusInternalServerError, 1)
	code, body := h.do(t, http.MethodGet, "/v1/tasks", nil)
	if code != http.StatusBadGateway || body["code"] != "upstream_failed" {
		t.Fatalf("list = %d %v, want 502 upstream_failed", code, body)
	}
	if h.built.Store.State().Error == "" {
		t.Fatalf("store error not set after user-initiated failure")
	}
}

func TestSelectUnknownTaskIs404(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodPost, "/v1/tasks/missing/select", nil)
	if code != http.StatusNotFound || body["code"] != "task_not_found" {
		t.Fatalf("select missing = %d %v", code, body)
	}
}

func TestSceneNavigation(t *testing.T) {
	h := newHarness(t)
	h.openSeeded(t, "s1", 3)

	steps := []struct {
		method string
		path   string
		body   any
		want   float64
	}{
		{http.MethodPost, "/v1/scene/next", nil, 1},
		{http.MethodPost, "/v1/scene/last", nil, 2},
		{http.MethodPost, "/v1/scene/next", nil, 2},
		{http.MethodPut, "/v1/scene", map[string]int{"index": 99}, 2},
		{http.MethodPost, "/v1/scene/key", map[string]string{"key": "home"}, 0},
		{http.MethodPut, "/v1/scene", map[string]int{"index": 1}, 1},
	}
	for _, s := range steps {
		code, body := h.do(t, s.method, s.path, s.body)
		if code != http.StatusOK || body["index"] != s.want {
			t.Fatalf("%s %s = %d index %v, want %v", s.method, s.path, code, body["index"], s.want)
		}
	}
	if pos, ok := h.built.Prefs.ScenePosition("s1"); !ok || pos != 1 {
		t.Fatalf("persisted position = %d, %v; want 1", pos, ok)
	}
}

func TestPlaybackRoutes(t *testing.T) {
	h := newHarness(t)
	h.openSeeded(t, "p1", 2)

	code, body := h.do(t, http.MethodPost, "/v1/playback/autoplay", nil)
	if code != http.StatusConflict || body["code"] != "media_failed" {
		t.Fatalf("autoplay before interaction = %d %v, want 409 media_failed", code, body)
	}

	code, body = h.do(t, http.MethodPost, "/v1/playback/dialogue", map[string]int{"scene": 0, "dialogue": 1})
	if code != http.StatusOK || body["currentlyPlayingId"] != playback.DialogueID(0, 1) || body["status"] != "playing" {
		t.Fatalf("toggle dialogue = %d %v", code, body)
	}
	if code, body = h.do(t, http.MethodPost, "/v1/playback/pause", nil); code != http.StatusOK || body["status"] != "paused" {
		t.Fatalf("pause = %d %v", code, body)
	}
	if code, body = h.do(t, http.MethodPost, "/v1/playback/resume", nil); code != http.StatusOK || body["status"] != "playing" {
		t.Fatalf("resume = %d %v", code, body)
	}
	if code, body = h.do(t, http.MethodPut, "/v1/playback/volume", map[string]float64{"volume": 1.7}); code != http.StatusOK || body["volume"] != 1.0 {
		t.Fatalf("volume = %d %v", code, body)
	}
	if code, body = h.do(t, http.MethodPost, "/v1/playback/stop", nil); code != http.StatusOK || body["status"] != "idle" {
		t.Fatalf("stop = %d %v", code, body)
	}
	if code, body = h.do(t, http.MethodPost, "/v1/playback/pause", nil); code != http.StatusConflict || body["code"] != "no_session" {
		t.Fatalf("pause when idle = %d %v", code, body)
	}
	if n := h.backend.Live(); n != 0 {
		t.Fatalf("live clips after stop = %d, want 0", n)
	}

	code, body = h.do(t, http.MethodPost, "/v1/playback/narration", map[string]int{"scene": 1})
	if code != http.StatusConflict || body["code"] != "no_audio" {
		t.Fatalf("silent narration = %d %v, want 409 no_audio", code, body)
	}
}

func TestEventsStream(t *testing.T) {
	h := newHarness(t)
	h.openSeeded(t, "w1", 3)

	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	read := func(want func(any) bool) {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage() error = %v", err)
			}
			msg, err := protocol.ParseServerMessage(data)
			if err != nil {
				t.Fatalf("ParseServerMessage(%s) error = %v", data, err)
			}
			if want(msg) {
				return
			}
		}
	}

	read(func(m any) bool { _, ok := m.(*protocol.StateSnapshot); return ok })

	if err := conn.WriteJSON(map[string]any{"type": "client_control", "action": "next"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	read(func(m any) bool {
		s, ok := m.(*protocol.StateSnapshot)
		return ok && s.State.SceneIndex == 1
	})

	if err := conn.WriteJSON(map[string]any{"type": "client_control", "action": "rewind"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	read(func(m any) bool {
		e, ok := m.(*protocol.ErrorEvent)
		return ok && e.Code == "invalid_client_message"
	})
}

func TestEventsStreamRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t)
	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/events/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("Dial() with foreign origin succeeded")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", res)
	}
}
