// Package apitest provides an in-process stand-in for the remote task API.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ent0n29/novel2anime/internal/audio"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

// Route names used by Count and FailNext.
const (
	RouteCreate    = "create"
	RouteGet       = "get"
	RouteList      = "list"
	RouteDelete    = "delete"
	RouteArtifacts = "artifacts"
	RouteAudio     = "audio"
)

type task struct {
	id         string
	name       string
	novel      string
	status     tasks.Status
	statusDesc string
	doneAfter  int
	polls      int
	createdAt  time.Time
	scenes     []tasks.Scene
}

type failure struct {
	status int
	left   int
}

// Server scripts task progress per poll count. A task created with
// doneAfter=N reports "doing" for N-1 gets and "done" from the Nth on.
type Server struct {
	mu               sync.Mutex
	tasks            map[string]*task
	order            []string
	counts           map[string]int
	failures         map[string]*failure
	defaultDoneAfter int
	rawStatus        map[string]string
	gate             map[string]chan struct{}

	sample []byte
	http   *httptest.Server
}

func NewServer() *Server {
	sample, err := audio.ToneWAV(time.Second, 44100, 440, 0.3)
	if err != nil {
		panic(fmt.Sprintf("apitest: sample clip: %v", err))
	}
	s := &Server{
		tasks:            make(map[string]*task),
		counts:           make(map[string]int),
		failures:         make(map[string]*failure),
		rawStatus:        make(map[string]string),
		gate:             make(map[string]chan struct{}),
		defaultDoneAfter: 1,
		sample:           sample,
	}
	s.http = httptest.NewServer(s.Router())
	return s
}

func (s *Server) URL() string { return s.http.URL }

func (s *Server) Close() { s.http.Close() }

// SampleURL is the address of the generated sample clip.
func (s *Server) SampleURL() string { return s.http.URL + "/audio/sample.wav" }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/tasks/", s.handleCreate)
	r.Get("/v1/tasks/", s.handleList)
	r.Get("/v1/tasks/{id}", s.handleGet)
	r.Delete("/v1/tasks/{id}", s.handleDelete)
	r.Get("/v1/tasks/{id}/artifacts", s.handleArtifacts)
	r.Get("/audio/sample.wav", s.handleSample)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		n := len(s.tasks)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tasks": n})
	})
	return r
}

// SetDefaultDoneAfter sets the poll count at which newly created tasks finish.
func (s *Server) SetDefaultDoneAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultDoneAfter = n
}

// Seed registers a task directly. doneAfter <= 0 keeps the given status.
func (s *Server) Seed(id, name string, status tasks.Status, doneAfter, scenes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &task{
		id:        id,
		name:      name,
		status:    status,
		doneAfter: doneAfter,
		createdAt: time.Now(),
	}
	t.scenes = s.scenesLocked(scenes)
	s.tasks[id] = t
	s.order = append(s.order, id)
}

// SetRawStatus makes gets for id report an arbitrary status string.
func (s *Server) SetRawStatus(id, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawStatus[id] = raw
}

// FailNext makes the next n requests on route answer with status.
func (s *Server) FailNext(route string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = &failure{status: status, left: n}
}

// Hold blocks requests on route until the returned release func is called.
func (s *Server) Hold(route string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gate[route] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate[route] == ch {
				delete(s.gate, route)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Count returns how many requests hit route.
func (s *Server) Count(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[route]
}

// Polls returns how many gets a task received.
func (s *Server) Polls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.polls
	}
	return 0
}

// IDs returns task ids in creation order.
func (s *Server) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// enter counts the request, waits on any hold, and reports an injected failure.
func (s *Server) enter(w http.ResponseWriter, r *http.Request, route string) bool {
	s.mu.Lock()
	s.counts[route]++
	gate := s.gate[route]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return false
		}
	}

	s.mu.Lock()
	f := s.failures[route]
	if f != nil && f.left > 0 {
		f.left--
		status := f.status
		s.mu.Unlock()
		writeJSON(w, status, map[string]string{"error": "injected failure"})
		return false
	}
	s.mu.Unlock()
	return true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, RouteCreate) {
		return
	}
	var req struct {
		Name  string `json:"name"`
		Novel string `json:"novel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Novel == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Novel text is required"})
		return
	}

	s.mu.Lock()
	id := uuid.NewString()
	t := &task{
		id:         id,
		name:       req.Name,
		novel:      req.Novel,
		status:     tasks.StatusDoing,
		statusDesc: "queued",
		doneAfter:  s.defaultDoneAfter,
		createdAt:  time.Now(),
	}
	t.scenes = s.scenesLocked(sceneCount(req.Novel))
	s.tasks[id] = t
	s.order = append(s.order, id)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, RouteGet) {
		return
	}
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Task not found"})
		return
	}
	t.polls++
	if t.doneAfter > 0 && t.polls >= t.doneAfter {
		t.status = tasks.StatusDone
		t.statusDesc = "completed"
	} else if t.status == tasks.StatusDoing {
		t.statusDesc = fmt.Sprintf("rendering (%d/%d)", t.polls, t.doneAfter)
	}
	body := wireTask(t)
	if raw, ok := s.rawStatus[id]; ok {
		body["status"] = raw
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, RouteList) {
		return
	}
	s.mu.Lock()
	out := make([]map[string]any, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok {
			out = append(out, wireTask(t))
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, RouteDelete) {
		return
	}
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "Task not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Task deleted"})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, RouteArtifacts) {
		return
	}
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	t, ok := s.tasks[id]
	var scenes []tasks.Scene
	var done bool
	if ok {
		scenes = t.scenes
		done = t.status == tasks.StatusDone
	}
	s.mu.Unlock()
	switch {
	case !ok:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Task not found"})
	case !done:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Task not completed yet"})
	default:
		writeJSON(w, http.StatusOK, tasks.Artifacts{Scenes: scenes})
	}
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, RouteAudio) {
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.sample)
}

// scenesLocked builds n scenes. Even scenes carry narration audio and a third
// dialogue line.
func (s *Server) scenesLocked(n int) []tasks.Scene {
	voice := ""
	if s.http != nil {
		voice = s.http.URL + "/audio/sample.wav"
	}
	out := make([]tasks.Scene, 0, n)
	for i := 0; i < n; i++ {
		sc := tasks.Scene{
			ImageURL:  fmt.Sprintf("data:image/svg+xml;base64,scene-%d", i),
			Narration: fmt.Sprintf("Scene %d narration.", i+1),
			Dialogues: []tasks.Dialogue{
				{Character: "Grandma", Line: "Welcome home!", VoiceURL: voice},
				{Character: "Ming", Line: "I missed you!", VoiceURL: voice},
			},
		}
		if i%2 == 0 {
			sc.NarrationVoiceURL = voice
			sc.Dialogues = append(sc.Dialogues, tasks.Dialogue{Character: "Narrator", Line: "Sunlight filled the room.", VoiceURL: voice})
		}
		out = append(out, sc)
	}
	return out
}

func sceneCount(novel string) int {
	n := len([]rune(novel)) / 200
	return max(1, min(n, 8))
}

func wireTask(t *task) map[string]any {
	return map[string]any{
		"id":         t.id,
		"name":       t.name,
		"status":     string(t.status),
		"statusDesc": t.statusDesc,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
