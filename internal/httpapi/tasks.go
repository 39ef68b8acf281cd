package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/novel2anime/internal/tasks"
)

type createTaskRequest struct {
	Name  string `json:"name"`
	Novel string `json:"novel"`
}

type taskCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
}

type listTasksResponse struct {
	Tasks  []tasks.Task `json:"tasks"`
	Counts taskCounts   `json:"counts"`
}

func countsOf(st tasks.State) taskCounts {
	return taskCounts{
		Pending:    st.CountByStatus(tasks.StatusPending),
		InProgress: st.CountByStatus(tasks.StatusDoing),
		Completed:  st.CountByStatus(tasks.StatusDone),
	}
}

// handleListTasks reloads the list from the task API. ?cached=1 skips the
// remote call and answers from the store.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("cached") != "1" {
		if _, err := s.lifecycle.ListTasks(r.Context()); err != nil {
			respondFailure(w, err)
			return
		}
		s.lifecycle.WatchActive()
	}
	st := s.store.State()
	list := st.Tasks
	if list == nil {
		list = []tasks.Task{}
	}
	respondJSON(w, http.StatusOK, listTasksResponse{Tasks: list, Counts: countsOf(st)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "novel is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.lifecycle.CreateTask(r.Context(), req.Name, req.Novel)
	if err != nil {
		respondFailure(w, err)
		return
	}
	s.lifecycle.StartPolling(task.ID, 0)
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := s.lifecycle.GetTask(r.Context(), id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if err := s.lifecycle.DeleteTask(r.Context(), id); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

// handleSelectTask selects the task and opens it: finished tasks get their
// artifacts loaded, unfinished ones are polled until they finish.
func (s *Server) handleSelectTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if _, err := s.lifecycle.OpenTask(r.Context(), id); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.store.State())
}

func (s *Server) handleLoadArtifacts(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if s.store.State().CurrentTaskID != id {
		if err := s.lifecycle.SelectTask(id); err != nil {
			respondFailure(w, err)
			return
		}
	}
	art, err := s.lifecycle.LoadArtifacts(r.Context(), id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, art)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.store.State())
}

func taskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return "", false
	}
	return id, true
}
