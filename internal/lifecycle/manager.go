// Package lifecycle drives remote task operations and per-task polling, and
// turns their results into task store events.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/novel2anime/internal/localstore"
	"github.com/ent0n29/novel2anime/internal/observability"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

// API is the remote task service.
type API interface {
	CreateTask(ctx context.Context, name, novel string) (string, error)
	GetTask(ctx context.Context, id string) (tasks.Task, error)
	ListTasks(ctx context.Context) ([]tasks.Task, error)
	DeleteTask(ctx context.Context, id string) error
	GetArtifacts(ctx context.Context, id string) (*tasks.Artifacts, error)
}

// Notifier hears about tasks that reached done.
type Notifier interface {
	TaskCompleted(ctx context.Context, t tasks.Task)
}

// ValidationError is locally rejected input. It never reaches the network
// or the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Reason }

const (
	flightList      = "list"
	flightArtifacts = "artifacts"
)

type Options struct {
	API      API
	Store    *tasks.Store
	Prefs    *localstore.Prefs
	Metrics  *observability.Metrics
	Notifier Notifier

	MinLength    int
	MaxLength    int
	PollInterval time.Duration

	// OnSelect runs after the selection changes, with "" when cleared.
	OnSelect func(taskID string)
	// OnArtifacts runs after artifacts for the selected task are installed.
	OnArtifacts func(taskID string)

	Now func() time.Time
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type flight struct {
	cancel context.CancelFunc
}

type Manager struct {
	api         API
	store       *tasks.Store
	prefs       *localstore.Prefs
	metrics     *observability.Metrics
	notifier    Notifier
	minLen      int
	maxLen      int
	interval    time.Duration
	onSelect    func(string)
	onArtifacts func(string)
	now         func() time.Time

	mu       sync.Mutex
	pollers  map[string]*poller
	inflight map[string]*flight

	wg sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		api:         opts.API,
		store:       opts.Store,
		prefs:       opts.Prefs,
		metrics:     opts.Metrics,
		notifier:    opts.Notifier,
		minLen:      opts.MinLength,
		maxLen:      opts.MaxLength,
		interval:    opts.PollInterval,
		onSelect:    opts.OnSelect,
		onArtifacts: opts.OnArtifacts,
		now:         opts.Now,
		pollers:     make(map[string]*poller),
		inflight:    make(map[string]*flight),
	}
	if m.prefs == nil {
		m.prefs = localstore.NewPrefs(nil)
	}
	if m.minLen <= 0 {
		m.minLen = 100
	}
	if m.maxLen < m.minLen {
		m.maxLen = 10000
	}
	if m.interval <= 0 {
		m.interval = 5 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Validate checks novel text bounds in characters: the trimmed text must meet
// the minimum and the raw text must not exceed the maximum.
func (m *Manager) Validate(text string) error {
	trimmed := utf8.RuneCountInString(strings.TrimSpace(text))
	switch {
	case trimmed == 0:
		return &ValidationError{Field: "novel", Reason: "Novel text cannot be empty"}
	case trimmed < m.minLen:
		return &ValidationError{Field: "novel", Reason: fmt.Sprintf("Novel text is too short (minimum %d characters)", m.minLen)}
	case utf8.RuneCountInString(text) > m.maxLen:
		return &ValidationError{Field: "novel", Reason: fmt.Sprintf("Novel text is too long (maximum %d characters)", m.maxLen)}
	}
	return nil
}

// CreateTask validates, submits and records the new task as doing. Nothing is
// added to the store when the API call fails.
func (m *Manager) CreateTask(ctx context.Context, name, text string) (tasks.Task, error) {
	if err := m.Validate(text); err != nil {
		return tasks.Task{}, err
	}
	name = strings.TrimSpace(name)

	m.store.Dispatch(tasks.SetError{}, tasks.SetLoading{Loading: true})
	id, err := m.api.CreateTask(ctx, name, text)
	if err != nil {
		m.userError("create task", err)
		return tasks.Task{}, err
	}

	t := tasks.Task{
		ID:        id,
		Name:      name,
		Status:    tasks.StatusDoing,
		CreatedAt: m.now(),
	}
	if t.Name == "" {
		t.Name = tasks.PlaceholderName(id)
	}
	m.store.Dispatch(tasks.AddTask{Task: t}, tasks.SetLoading{Loading: false})
	m.prefs.PrependTaskID(id)
	log.Printf("lifecycle: created task %s", id)
	return t, nil
}

// ListTasks replaces the store's task list with the server's, newest first.
// A newer ListTasks call supersedes this one.
func (m *Manager) ListTasks(ctx context.Context) ([]tasks.Task, error) {
	ctx, commit, done := m.begin(ctx, flightList)
	defer done()

	m.store.Dispatch(tasks.SetLoading{Loading: true})
	list, err := m.api.ListTasks(ctx)
	if err != nil {
		if !commit(func() { m.userError("load tasks", err) }) {
			return nil, context.Canceled
		}
		return nil, err
	}

	slices.Reverse(list)
	var ids []string
	ok := commit(func() {
		current := m.store.State()
		now := m.now()
		for i := range list {
			if list[i].Name == "" {
				list[i].Name = tasks.PlaceholderName(list[i].ID)
			}
			if known, found := current.Task(list[i].ID); found && !known.CreatedAt.IsZero() {
				list[i].CreatedAt = known.CreatedAt
			} else {
				list[i].CreatedAt = now
			}
		}
		st := m.store.Dispatch(tasks.ReplaceTasks{Tasks: list}, tasks.SetLoading{Loading: false})
		list = st.Tasks
		ids = make([]string, len(list))
		for i, t := range list {
			ids[i] = t.ID
		}
	})
	if !ok {
		return nil, context.Canceled
	}
	m.prefs.SetTaskIDs(ids)
	return list, nil
}

// GetTask refreshes one task on user request; failures land in the store's
// error field.
func (m *Manager) GetTask(ctx context.Context, id string) (tasks.Task, error) {
	t, err := m.refresh(ctx, id)
	if err != nil {
		m.userError("refresh task", err)
		return tasks.Task{}, err
	}
	return t, nil
}

// refresh fetches the task and applies its status. Updates for ids that are
// no longer in the store are dropped by the reducer.
func (m *Manager) refresh(ctx context.Context, id string) (tasks.Task, error) {
	remote, err := m.api.GetTask(ctx, id)
	if err != nil {
		return tasks.Task{}, err
	}
	before, _ := m.store.State().Task(id)
	desc := remote.StatusDesc
	st := m.store.Dispatch(tasks.UpdateTask{ID: id, Status: remote.Status, StatusDesc: &desc})
	after, known := st.Task(id)
	if !known {
		return remote, nil
	}
	if before.Status != tasks.StatusDone && after.Status == tasks.StatusDone {
		log.Printf("lifecycle: task %s done", id)
		m.notifyDone(after)
	}
	return after, nil
}

// DeleteTask removes the task remotely, then locally, and clears the
// selection when it pointed at the deleted task.
func (m *Manager) DeleteTask(ctx context.Context, id string) error {
	m.store.Dispatch(tasks.SetLoading{Loading: true})
	if err := m.api.DeleteTask(ctx, id); err != nil {
		m.userError("delete task", err)
		return err
	}
	m.StopPolling(id)
	wasSelected := m.store.State().CurrentTaskID == id
	m.store.Dispatch(tasks.DeleteTask{ID: id}, tasks.SetLoading{Loading: false})
	m.prefs.RemoveTaskID(id)
	m.prefs.ClearScenePosition(id)
	if wasSelected {
		m.cancelFlight(flightArtifacts)
		m.prefs.SetCurrentTask("")
		if m.onSelect != nil {
			m.onSelect("")
		}
	}
	log.Printf("lifecycle: deleted task %s", id)
	return nil
}

// SelectTask changes the selection and drops loaded artifacts. An empty id
// clears the selection; an id missing from the store is rejected.
func (m *Manager) SelectTask(id string) error {
	if id != "" {
		if _, ok := m.store.State().Task(id); !ok {
			return fmt.Errorf("select %s: %w", id, tasks.ErrTaskNotFound)
		}
	}
	m.cancelFlight(flightArtifacts)
	m.store.Dispatch(tasks.SelectTask{ID: id})
	m.prefs.SetCurrentTask(id)
	if m.onSelect != nil {
		m.onSelect(id)
	}
	return nil
}

// LoadArtifacts fetches the bundle for id and installs it if id is still the
// selection. A newer LoadArtifacts or selection change supersedes it.
func (m *Manager) LoadArtifacts(ctx context.Context, id string) (*tasks.Artifacts, error) {
	return m.loadArtifacts(ctx, id, false)
}

// loadArtifacts reports failures through the store's error field unless
// background is set, in which case they are only logged.
func (m *Manager) loadArtifacts(ctx context.Context, id string, background bool) (*tasks.Artifacts, error) {
	ctx, commit, done := m.begin(ctx, flightArtifacts)
	defer done()

	m.store.Dispatch(tasks.SetLoading{Loading: true})
	art, err := m.api.GetArtifacts(ctx, id)
	if err != nil {
		report := func() { m.userError("load artifacts", err) }
		if background {
			report = func() {
				log.Printf("lifecycle: load artifacts for %s failed: %v", id, err)
				m.store.Dispatch(tasks.SetLoading{Loading: false})
			}
		}
		if !commit(report) {
			return nil, context.Canceled
		}
		return nil, err
	}
	var installed bool
	ok := commit(func() {
		st := m.store.Dispatch(tasks.SetArtifacts{TaskID: id, Artifacts: art}, tasks.SetLoading{Loading: false})
		installed = st.CurrentTaskID == id && st.Artifacts != nil
	})
	if !ok {
		return nil, context.Canceled
	}
	if installed && m.onArtifacts != nil {
		m.onArtifacts(id)
	}
	return art, nil
}

// OpenTask selects id, refreshes it and loads its artifacts when it is done.
// Unfinished tasks get a poller that loads the artifacts once they finish.
func (m *Manager) OpenTask(ctx context.Context, id string) (tasks.Task, error) {
	if err := m.SelectTask(id); err != nil {
		return tasks.Task{}, err
	}
	t, err := m.GetTask(ctx, id)
	if err != nil {
		return tasks.Task{}, err
	}
	if t.Status.Terminal() {
		if _, err := m.LoadArtifacts(ctx, id); err != nil {
			return t, err
		}
		return t, nil
	}
	m.StartPolling(id, m.interval)
	return t, nil
}

// RestoreSelection reopens the persisted selection once the list is loaded.
// A persisted id that is no longer listed is forgotten.
func (m *Manager) RestoreSelection(ctx context.Context) (string, error) {
	id := m.prefs.CurrentTask()
	if id == "" {
		return "", nil
	}
	if _, ok := m.store.State().Task(id); !ok {
		m.prefs.SetCurrentTask("")
		return "", nil
	}
	if _, err := m.OpenTask(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

func (m *Manager) notifyDone(t tasks.Task) {
	if m.notifier == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.notifier.TaskCompleted(context.Background(), t)
	}()
}

// userError surfaces a user-initiated failure. Cancellation only clears the
// loading flag.
func (m *Manager) userError(op string, err error) {
	if errors.Is(err, context.Canceled) {
		m.store.Dispatch(tasks.SetLoading{Loading: false})
		return
	}
	log.Printf("lifecycle: %s failed: %v", op, err)
	m.store.Dispatch(tasks.SetError{Message: fmt.Sprintf("%s: %v", op, err)})
}

// begin registers a call for key, canceling any older call for the same key.
// commit runs fn only while this call is still the newest one.
func (m *Manager) begin(parent context.Context, key string) (context.Context, func(fn func()) bool, func()) {
	ctx, cancel := context.WithCancel(parent)
	f := &flight{cancel: cancel}

	m.mu.Lock()
	if prev := m.inflight[key]; prev != nil {
		prev.cancel()
	}
	m.inflight[key] = f
	m.mu.Unlock()

	commit := func(fn func()) bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.inflight[key] != f {
			return false
		}
		fn()
		return true
	}
	done := func() {
		m.mu.Lock()
		if m.inflight[key] == f {
			delete(m.inflight, key)
		}
		m.mu.Unlock()
		cancel()
	}
	return ctx, commit, done
}

func (m *Manager) cancelFlight(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f := m.inflight[key]; f != nil {
		f.cancel()
		delete(m.inflight, key)
	}
}

// Close stops every poller and in-flight call and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	for id, p := range m.pollers {
		p.cancel()
		delete(m.pollers, id)
	}
	for key, f := range m.inflight {
		f.cancel()
		delete(m.inflight, key)
	}
	m.metrics.SetActivePollers(0)
	m.mu.Unlock()
	m.wg.Wait()
}
