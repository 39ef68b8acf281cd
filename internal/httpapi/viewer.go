package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/novel2anime/internal/tasks"
)

type sceneResponse struct {
	TaskID      string       `json:"taskId"`
	Index       int          `json:"index"`
	Total       int          `json:"total"`
	HasNext     bool         `json:"hasNext"`
	HasPrevious bool         `json:"hasPrevious"`
	Scene       *tasks.Scene `json:"scene,omitempty"`
}

type goToSceneRequest struct {
	Index *int `json:"index"`
}

type keyRequest struct {
	Key string `json:"key"`
}

type dialogueRequest struct {
	Scene    *int `json:"scene"`
	Dialogue *int `json:"dialogue"`
}

type narrationRequest struct {
	Scene *int `json:"scene"`
}

type volumeRequest struct {
	Volume *float64 `json:"volume"`
}

func (s *Server) sceneView() sceneResponse {
	nav := s.viewer.Navigator()
	out := sceneResponse{
		TaskID:      s.store.State().CurrentTaskID,
		Index:       nav.Index(),
		Total:       nav.Total(),
		HasNext:     nav.HasNext(),
		HasPrevious: nav.HasPrevious(),
	}
	if sc, ok := nav.Current(); ok {
		out.Scene = &sc
	}
	return out
}

func (s *Server) handleScene(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.sceneView())
}

// handleGoToScene moves to an explicit index. Out-of-range indices leave the
// cursor where it is and still answer 200 with the unchanged view.
func (s *Server) handleGoToScene(w http.ResponseWriter, r *http.Request) {
	var req goToSceneRequest
	if err := decodeJSON(r, &req); err != nil || req.Index == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "index is required")
		return
	}
	s.viewer.Navigator().GoToScene(*req.Index)
	respondJSON(w, http.StatusOK, s.sceneView())
}

func (s *Server) handleSceneAction(w http.ResponseWriter, r *http.Request) {
	nav := s.viewer.Navigator()
	switch chi.URLParam(r, "action") {
	case "next":
		nav.Next()
	case "previous":
		nav.Previous()
	case "first":
		nav.First()
	case "last":
		nav.Last()
	case "key":
		var req keyRequest
		if err := decodeJSON(r, &req); err != nil || req.Key == "" {
			respondError(w, http.StatusBadRequest, "invalid_request", "key is required")
			return
		}
		nav.HandleKey(req.Key)
	default:
		respondError(w, http.StatusNotFound, "unknown_action", "unknown scene action")
		return
	}
	respondJSON(w, http.StatusOK, s.sceneView())
}

func (s *Server) handlePlayback(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.viewer.Engine().State())
}

func (s *Server) handlePlaybackAction(w http.ResponseWriter, r *http.Request) {
	engine := s.viewer.Engine()
	var err error
	switch chi.URLParam(r, "action") {
	case "pause":
		err = engine.Pause()
	case "resume":
		engine.MarkInteraction()
		err = engine.Resume()
	case "stop":
		engine.Stop()
	case "autoplay":
		err = s.viewer.AutoPlay(r.Context())
	case "autoplay-stop":
		engine.StopAutoPlay()
	case "interact":
		engine.MarkInteraction()
	default:
		respondError(w, http.StatusNotFound, "unknown_action", "unknown playback action")
		return
	}
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, engine.State())
}

func (s *Server) handleToggleDialogue(w http.ResponseWriter, r *http.Request) {
	var req dialogueRequest
	if err := decodeJSON(r, &req); err != nil || req.Scene == nil || req.Dialogue == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "scene and dialogue are required")
		return
	}
	if err := s.viewer.ToggleDialogue(r.Context(), *req.Scene, *req.Dialogue); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.viewer.Engine().State())
}

func (s *Server) handlePlayNarration(w http.ResponseWriter, r *http.Request) {
	var req narrationRequest
	if err := decodeJSON(r, &req); err != nil || req.Scene == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "scene is required")
		return
	}
	if err := s.viewer.PlayNarration(r.Context(), *req.Scene); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.viewer.Engine().State())
}

func (s *Server) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if err := decodeJSON(r, &req); err != nil || req.Volume == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "volume is required")
		return
	}
	v := s.viewer.Engine().SetVolume(*req.Volume)
	respondJSON(w, http.StatusOK, map[string]float64{"volume": v})
}
