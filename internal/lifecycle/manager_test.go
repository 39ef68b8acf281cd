package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/novel2anime/internal/localstore"
	"github.com/ent0n29/novel2anime/internal/taskapi"
	"github.com/ent0n29/novel2anime/internal/taskapi/apitest"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

const testInterval = 20 * time.Millisecond

type recordingNotifier struct {
	mu   sync.Mutex
	done []string
}

func (r *recordingNotifier) TaskCompleted(_ context.Context, t tasks.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, t.ID)
}

func (r *recordingNotifier) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.done...)
}

type fixture struct {
	srv      *apitest.Server
	store    *tasks.Store
	prefs    *localstore.Prefs
	notifier *recordingNotifier
	mgr      *Manager
	loaded   chan string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		srv:      apitest.NewServer(),
		store:    tasks.NewStore(),
		prefs:    localstore.NewPrefs(localstore.NewInMemoryStore()),
		notifier: &recordingNotifier{},
		loaded:   make(chan string, 8),
	}
	f.mgr = NewManager(Options{
		API:          taskapi.NewClient(f.srv.URL(), 2*time.Second, nil),
		Store:        f.store,
		Prefs:        f.prefs,
		Notifier:     f.notifier,
		MinLength:    100,
		MaxLength:    10000,
		PollInterval: testInterval,
		OnArtifacts:  func(id string) { f.loaded <- id },
	})
	t.Cleanup(func() {
		f.mgr.Close()
		f.srv.Close()
	})
	return f
}

func novel(n int) string { return strings.Repeat("a", n) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestValidateBoundaries(t *testing.T) {
	m := NewManager(Options{MinLength: 100, MaxLength: 10000})
	cases := []struct {
		name string
		text string
		ok   bool
	}{
		{"empty", "", false},
		{"whitespace", "   \n\t ", false},
		{"99 chars", novel(99), false},
		{"100 chars", novel(100), true},
		{"padded 99 chars", "  " + novel(99) + "  ", false},
		{"10000 chars", novel(10000), true},
		{"10001 chars", novel(10001), false},
		{"100 multibyte chars", strings.Repeat("é", 100), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.Validate(tc.text)
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() error = %v, want ok=%v", err, tc.ok)
			}
			if err != nil {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("Validate() error = %T, want *ValidationError", err)
				}
			}
		})
	}
}

func TestCreateTaskRejectsShortNovelWithoutNetwork(t *testing.T) {
	f := newFixture(t)
	before := f.store.State()

	_, err := f.mgr.CreateTask(context.Background(), "short", novel(50))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("CreateTask() error = %v, want *ValidationError", err)
	}
	if n := f.srv.Count(apitest.RouteCreate); n != 0 {
		t.Fatalf("create requests = %d, want 0", n)
	}
	after := f.store.State()
	if len(after.Tasks) != 0 || after.Error != "" || after.Version != before.Version {
		t.Fatalf("store changed after validation failure: %+v", after)
	}
}

func TestCreatePollDoneThenArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.mgr.CreateTask(ctx, "Chapter One", novel(400))
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if created.Status != tasks.StatusDoing {
		t.Fatalf("created status = %q, want doing", created.Status)
	}
	st := f.store.State()
	if len(st.Tasks) != 1 || st.Tasks[0].ID != created.ID || st.Loading {
		t.Fatalf("store after create = %+v", st)
	}
	if ids := f.prefs.TaskIDs(); len(ids) != 1 || ids[0] != created.ID {
		t.Fatalf("persisted ids = %v", ids)
	}

	f.mgr.StartPolling(created.ID, testInterval)
	if err := f.mgr.Wait(ctx, created.ID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	got, _ := f.store.State().Task(created.ID)
	if got.Status != tasks.StatusDone {
		t.Fatalf("status after polling = %q, want done", got.Status)
	}
	if f.mgr.Polling(created.ID) {
		t.Fatalf("poller still registered after done")
	}
	polls := f.srv.Polls(created.ID)
	time.Sleep(3 * testInterval)
	if f.srv.Polls(created.ID) != polls {
		t.Fatalf("polling continued after done")
	}
	waitFor(t, "completion notice", func() bool { return len(f.notifier.ids()) == 1 })

	if err := f.mgr.SelectTask(created.ID); err != nil {
		t.Fatalf("SelectTask() error = %v", err)
	}
	art, err := f.mgr.LoadArtifacts(ctx, created.ID)
	if err != nil {
		t.Fatalf("LoadArtifacts() error = %v", err)
	}
	st = f.store.State()
	if st.Artifacts == nil || st.Artifacts.Len() != art.Len() || st.SceneIndex != 0 {
		t.Fatalf("store after artifacts = %+v", st)
	}
	select {
	case id := <-f.loaded:
		if id != created.ID {
			t.Fatalf("artifacts hook id = %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("artifacts hook did not run")
	}
}

func TestConcurrentPollersAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("A", "a", tasks.StatusDoing, 1, 2)
	f.srv.Seed("B", "b", tasks.StatusDoing, 3, 2)
	if _, err := f.mgr.ListTasks(context.Background()); err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}

	f.mgr.StartPolling("A", testInterval)
	f.mgr.StartPolling("B", testInterval)
	ctx := context.Background()
	_ = f.mgr.Wait(ctx, "A")
	_ = f.mgr.Wait(ctx, "B")

	if got := f.srv.Polls("A"); got != 1 {
		t.Fatalf("A polls = %d, want 1", got)
	}
	if got := f.srv.Polls("B"); got != 3 {
		t.Fatalf("B polls = %d, want 3", got)
	}
	for _, id := range []string{"A", "B"} {
		if task, _ := f.store.State().Task(id); task.Status != tasks.StatusDone {
			t.Fatalf("%s status = %q, want done", id, task.Status)
		}
	}
}

func TestCancelPollingStopsRequests(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("slow", "s", tasks.StatusDoing, 1000, 1)
	cancel := f.mgr.StartPolling("slow", testInterval)
	waitFor(t, "first poll", func() bool { return f.srv.Polls("slow") >= 1 })
	cancel()
	polls := f.srv.Polls("slow")
	time.Sleep(4 * testInterval)
	if got := f.srv.Polls("slow"); got > polls+1 {
		t.Fatalf("polls after cancel = %d, want at most %d", got, polls+1)
	}
	if f.mgr.Polling("slow") {
		t.Fatalf("Polling() = true after cancel")
	}
}

func TestPollErrorsKeepPolling(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("flaky", "f", tasks.StatusDoing, 1, 1)
	if _, err := f.mgr.ListTasks(context.Background()); err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	f.srv.FailNext(apitest.RouteGet, 503, 2)
	f.mgr.StartPolling("flaky", testInterval)
	if err := f.mgr.Wait(context.Background(), "flaky"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if task, _ := f.store.State().Task("flaky"); task.Status != tasks.StatusDone {
		t.Fatalf("status = %q, want done", task.Status)
	}
	if msg := f.store.State().Error; msg != "" {
		t.Fatalf("poll errors reached the store: %q", msg)
	}
}

func TestDeleteSelectedTaskClearsSelectionAndIgnoresStaleGet(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("x", "x", tasks.StatusDone, 0, 2)
	ctx := context.Background()
	if _, err := f.mgr.ListTasks(ctx); err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if err := f.mgr.SelectTask("x"); err != nil {
		t.Fatalf("SelectTask() error = %v", err)
	}
	f.prefs.SetScenePosition("x", 1)
	if ids := f.prefs.TaskIDs(); len(ids) != 1 || ids[0] != "x" {
		t.Fatalf("persisted task ids = %v, want [x]", ids)
	}

	release := f.srv.Hold(apitest.RouteGet)
	staleDone := make(chan struct{})
	go func() {
		defer close(staleDone)
		_, _ = f.mgr.refresh(ctx, "x")
	}()
	waitFor(t, "held get", func() bool { return f.srv.Count(apitest.RouteGet) == 1 })

	if err := f.mgr.DeleteTask(ctx, "x"); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	release()
	<-staleDone

	st := f.store.State()
	if len(st.Tasks) != 0 || st.CurrentTaskID != "" || st.Artifacts != nil {
		t.Fatalf("store after delete = %+v", st)
	}
	if f.prefs.CurrentTask() != "" {
		t.Fatalf("persisted selection = %q, want empty", f.prefs.CurrentTask())
	}
	if _, ok := f.prefs.ScenePosition("x"); ok {
		t.Fatalf("scene position kept for deleted task")
	}
	for _, id := range f.prefs.TaskIDs() {
		if id == "x" {
			t.Fatalf("persisted task ids = %v, still holds deleted task", f.prefs.TaskIDs())
		}
	}
}

func TestDeleteFailureKeepsTask(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("keep", "k", tasks.StatusDoing, 1000, 1)
	ctx := context.Background()
	_, _ = f.mgr.ListTasks(ctx)
	f.mgr.StartPolling("keep", testInterval)
	f.srv.FailNext(apitest.RouteDelete, 500, 1)

	if err := f.mgr.DeleteTask(ctx, "keep"); err == nil {
		t.Fatalf("DeleteTask() error = nil, want failure")
	}
	st := f.store.State()
	if _, ok := st.Task("keep"); !ok {
		t.Fatalf("task removed after failed delete")
	}
	if st.Error == "" || st.Loading {
		t.Fatalf("error=%q loading=%v after failed delete", st.Error, st.Loading)
	}
	if !f.mgr.Polling("keep") {
		t.Fatalf("Polling(keep) = false after failed delete, want true")
	}
	before := f.srv.Polls("keep")
	waitFor(t, "polling to continue", func() bool { return f.srv.Polls("keep") > before })
}

func TestBackgroundArtifactFailureOnlyLogs(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("bg", "bg", tasks.StatusDoing, 1, 2)
	ctx := context.Background()
	_, _ = f.mgr.ListTasks(ctx)
	if err := f.mgr.SelectTask("bg"); err != nil {
		t.Fatalf("SelectTask() error = %v", err)
	}
	f.srv.FailNext(apitest.RouteArtifacts, 500, 1)

	f.mgr.StartPolling("bg", testInterval)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.mgr.Wait(waitCtx, "bg"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if n := f.srv.Count(apitest.RouteArtifacts); n != 1 {
		t.Fatalf("artifact requests = %d, want 1", n)
	}
	st := f.store.State()
	if st.Error != "" || st.Loading || st.Artifacts != nil {
		t.Fatalf("store after background failure = error %q loading %v artifacts %v", st.Error, st.Loading, st.Artifacts)
	}
	if task, _ := st.Task("bg"); task.Status != tasks.StatusDone {
		t.Fatalf("task status = %q, want done", task.Status)
	}
}

func TestListTasksNewestFirstAndPlaceholders(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("first", "", tasks.StatusDone, 0, 1)
	f.srv.Seed("second", "Named", tasks.StatusDoing, 5, 1)

	list, err := f.mgr.ListTasks(context.Background())
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "second" || list[1].ID != "first" {
		t.Fatalf("ListTasks() order = %+v", list)
	}
	if list[1].Name != tasks.PlaceholderName("first") {
		t.Fatalf("placeholder name = %q", list[1].Name)
	}
	if ids := f.prefs.TaskIDs(); len(ids) != 2 || ids[0] != "second" {
		t.Fatalf("persisted ids = %v", ids)
	}
}

func TestSupersededListReturnsCanceled(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("t1", "one", tasks.StatusDone, 0, 1)
	release := f.srv.Hold(apitest.RouteList)
	ctx := context.Background()

	firstErr := make(chan error, 1)
	go func() {
		_, err := f.mgr.ListTasks(ctx)
		firstErr <- err
	}()
	waitFor(t, "first list in flight", func() bool { return f.srv.Count(apitest.RouteList) == 1 })

	secondErr := make(chan error, 1)
	go func() {
		_, err := f.mgr.ListTasks(ctx)
		secondErr <- err
	}()

	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("superseded ListTasks() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("superseded call did not return")
	}
	waitFor(t, "second list in flight", func() bool { return f.srv.Count(apitest.RouteList) == 2 })
	release()
	if err := <-secondErr; err != nil {
		t.Fatalf("second ListTasks() error = %v", err)
	}
	st := f.store.State()
	if st.Error != "" || st.Loading || len(st.Tasks) != 1 {
		t.Fatalf("store after superseded list = %+v", st)
	}
}

func TestOpenTaskPollsUntilDoneThenLoadsArtifacts(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("p", "pending", tasks.StatusDoing, 3, 3)
	ctx := context.Background()
	_, _ = f.mgr.ListTasks(ctx)

	task, err := f.mgr.OpenTask(ctx, "p")
	if err != nil {
		t.Fatalf("OpenTask() error = %v", err)
	}
	if task.Status != tasks.StatusDoing {
		t.Fatalf("OpenTask() status = %q, want doing", task.Status)
	}
	select {
	case id := <-f.loaded:
		if id != "p" {
			t.Fatalf("artifacts hook id = %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("artifacts never loaded")
	}
	if st := f.store.State(); st.Artifacts.Len() != 3 {
		t.Fatalf("scenes = %d, want 3", st.Artifacts.Len())
	}
}

func TestRestoreSelectionForgetsUnknownTask(t *testing.T) {
	f := newFixture(t)
	f.prefs.SetCurrentTask("gone")
	id, err := f.mgr.RestoreSelection(context.Background())
	if err != nil || id != "" {
		t.Fatalf("RestoreSelection() = %q, %v; want \"\", nil", id, err)
	}
	if f.prefs.CurrentTask() != "" {
		t.Fatalf("stale selection kept")
	}
}

func TestWatchActiveStartsPollersForDoingTasks(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("d1", "", tasks.StatusDoing, 1000, 1)
	f.srv.Seed("d2", "", tasks.StatusDone, 0, 1)
	_, _ = f.mgr.ListTasks(context.Background())

	if n := f.mgr.WatchActive(); n != 1 {
		t.Fatalf("WatchActive() = %d, want 1", n)
	}
	if got := f.mgr.ActivePollers(); len(got) != 1 || got[0] != "d1" {
		t.Fatalf("ActivePollers() = %v, want [d1]", got)
	}
	if n := f.mgr.WatchActive(); n != 0 {
		t.Fatalf("second WatchActive() = %d, want 0", n)
	}
}

func TestSelectUnknownTask(t *testing.T) {
	f := newFixture(t)
	if err := f.mgr.SelectTask("nope"); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("SelectTask() error = %v, want ErrTaskNotFound", err)
	}
	if err := f.mgr.SelectTask(""); err != nil {
		t.Fatalf("SelectTask(\"\") error = %v", err)
	}
}
