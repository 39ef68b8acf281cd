package tasks

// State is the single authoritative view of known tasks, the selection, the
// loaded artifact bundle and global flags. Values are treated as immutable:
// the reducer never edits a slice it received and always builds new ones.
type State struct {
	Tasks         []Task     `json:"tasks"`
	CurrentTaskID string     `json:"currentTaskId,omitempty"`
	SceneIndex    int        `json:"currentScene"`
	Artifacts     *Artifacts `json:"animeData,omitempty"`
	Loading       bool       `json:"isLoading"`
	Error         string     `json:"error,omitempty"`
	Version       uint64     `json:"version"`
}

// Task looks up a task by id.
func (s State) Task(id string) (Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// CurrentTask returns the selected task when it is present in the task list.
func (s State) CurrentTask() (Task, bool) {
	if s.CurrentTaskID == "" {
		return Task{}, false
	}
	return s.Task(s.CurrentTaskID)
}

// CurrentScene returns the scene under the cursor, if artifacts are loaded.
func (s State) CurrentScene() (Scene, bool) {
	if s.Artifacts.Len() == 0 || s.SceneIndex < 0 || s.SceneIndex >= s.Artifacts.Len() {
		return Scene{}, false
	}
	return s.Artifacts.Scenes[s.SceneIndex], true
}

// CountByStatus returns how many known tasks are in the given status.
func (s State) CountByStatus(status Status) int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Event is a discrete store transition.
type Event interface {
	Name() string
}

type SetLoading struct{ Loading bool }

// SetError records a user-facing error. A non-empty message also clears the
// loading flag; an empty message only clears the error.
type SetError struct{ Message string }

// ReplaceTasks swaps the whole task list.
type ReplaceTasks struct{ Tasks []Task }

// AddTask prepends a task, or merges into the existing entry with the same id.
type AddTask struct{ Task Task }

// UpdateTask applies a polled status. StatusDesc is left untouched when nil.
type UpdateTask struct {
	ID         string
	Status     Status
	StatusDesc *string
}

type DeleteTask struct{ ID string }

// SelectTask changes the selection (empty ID clears it) and drops any loaded
// artifacts.
type SelectTask struct{ ID string }

// SetArtifacts installs the bundle fetched for TaskID. It is ignored unless
// TaskID is the current selection.
type SetArtifacts struct {
	TaskID    string
	Artifacts *Artifacts
}

type SetSceneIndex struct{ Index int }

type Reset struct{}

func (SetLoading) Name() string    { return "set_loading" }
func (SetError) Name() string      { return "set_error" }
func (ReplaceTasks) Name() string  { return "replace_tasks" }
func (AddTask) Name() string       { return "add_task" }
func (UpdateTask) Name() string    { return "update_task" }
func (DeleteTask) Name() string    { return "delete_task" }
func (SelectTask) Name() string    { return "select_task" }
func (SetArtifacts) Name() string  { return "set_artifacts" }
func (SetSceneIndex) Name() string { return "set_scene_index" }
func (Reset) Name() string         { return "reset" }

// Reduce is the pure transition function of the task store.
func Reduce(s State, e Event) State {
	switch ev := e.(type) {
	case SetLoading:
		s.Loading = ev.Loading
	case SetError:
		s.Error = ev.Message
		if ev.Message != "" {
			s.Loading = false
		}
	case ReplaceTasks:
		s.Tasks = replaceTasks(s.Tasks, ev.Tasks)
	case AddTask:
		s.Tasks = addTask(s.Tasks, ev.Task)
	case UpdateTask:
		s.Tasks = updateTask(s.Tasks, ev)
	case DeleteTask:
		s.Tasks = deleteTask(s.Tasks, ev.ID)
		if ev.ID != "" && s.CurrentTaskID == ev.ID {
			s.CurrentTaskID = ""
			s.Artifacts = nil
			s.SceneIndex = 0
		}
	case SelectTask:
		s.CurrentTaskID = ev.ID
		s.Artifacts = nil
		s.SceneIndex = 0
	case SetArtifacts:
		if ev.TaskID == "" || ev.TaskID != s.CurrentTaskID {
			return s
		}
		s.Artifacts = ev.Artifacts.Clone()
		s.SceneIndex = 0
	case SetSceneIndex:
		if ev.Index >= 0 && ev.Index < s.Artifacts.Len() {
			s.SceneIndex = ev.Index
		}
	case Reset:
		return State{Version: s.Version}
	}
	return s
}

func sanitizeStatus(st Status) Status {
	if !st.Valid() {
		return StatusPending
	}
	return st
}

// laterStatus never lets a known task move backwards in the status order.
func laterStatus(current, next Status) Status {
	next = sanitizeStatus(next)
	if current.Rank() > next.Rank() {
		return current
	}
	return next
}

func replaceTasks(current, incoming []Task) []Task {
	known := make(map[string]Status, len(current))
	for _, t := range current {
		known[t.ID] = t.Status
	}
	out := make([]Task, 0, len(incoming))
	seen := make(map[string]struct{}, len(incoming))
	for _, t := range incoming {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		if prev, ok := known[t.ID]; ok {
			t.Status = laterStatus(prev, t.Status)
		} else {
			t.Status = sanitizeStatus(t.Status)
		}
		out = append(out, t)
	}
	return out
}

func addTask(current []Task, task Task) []Task {
	task.Status = sanitizeStatus(task.Status)
	for i, t := range current {
		if t.ID != task.ID {
			continue
		}
		out := append([]Task(nil), current...)
		task.Status = laterStatus(t.Status, task.Status)
		if task.CreatedAt.IsZero() {
			task.CreatedAt = t.CreatedAt
		}
		out[i] = task
		return out
	}
	out := make([]Task, 0, len(current)+1)
	out = append(out, task)
	return append(out, current...)
}

func updateTask(current []Task, ev UpdateTask) []Task {
	for i, t := range current {
		if t.ID != ev.ID {
			continue
		}
		next := t
		next.Status = laterStatus(t.Status, ev.Status)
		if ev.StatusDesc != nil {
			next.StatusDesc = *ev.StatusDesc
		}
		if next == t {
			return current
		}
		out := append([]Task(nil), current...)
		out[i] = next
		return out
	}
	return current
}

func deleteTask(current []Task, id string) []Task {
	for i, t := range current {
		if t.ID != id {
			continue
		}
		out := make([]Task, 0, len(current)-1)
		out = append(out, current[:i]...)
		return append(out, current[i+1:]...)
	}
	return current
}
