package tasks

import (
	"fmt"
	"sync"
	"testing"
)

func TestStoreDispatchAppliesInOrder(t *testing.T) {
	s := NewStore()
	var names []string
	s.SetEventHook(func(e Event) { names = append(names, e.Name()) })

	st := s.Dispatch(
		AddTask{Task: Task{ID: "a", Status: StatusDoing}},
		SelectTask{ID: "a"},
		UpdateTask{ID: "a", Status: StatusDone},
	)
	if st.Version != 3 {
		t.Fatalf("Version = %d, want 3", st.Version)
	}
	if cur, ok := st.CurrentTask(); !ok || cur.Status != StatusDone {
		t.Fatalf("CurrentTask() = %+v, %v; want done task", cur, ok)
	}
	want := []string{"add_task", "select_task", "update_task"}
	if len(names) != len(want) {
		t.Fatalf("hook names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("hook names = %v, want %v", names, want)
		}
	}
}

func TestStoreSubscribeReceivesLatest(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	initial := <-ch
	if initial.Version != 0 {
		t.Fatalf("initial Version = %d, want 0", initial.Version)
	}

	s.Dispatch(AddTask{Task: Task{ID: "a", Status: StatusDoing}})
	s.Dispatch(AddTask{Task: Task{ID: "b", Status: StatusDoing}})

	latest := <-ch
	if latest.Version != 2 || len(latest.Tasks) != 2 {
		t.Fatalf("latest = %+v, want version 2 with two tasks", latest)
	}
}

func TestStoreConcurrentDispatch(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%d", i)
			s.Dispatch(AddTask{Task: Task{ID: id, Status: StatusDoing}}, UpdateTask{ID: id, Status: StatusDone})
		}(i)
	}
	wg.Wait()

	st := s.State()
	if st.Version != 100 {
		t.Fatalf("Version = %d, want 100", st.Version)
	}
	for _, task := range st.Tasks {
		if task.Status != StatusDone {
			t.Fatalf("task %s status = %q, want done", task.ID, task.Status)
		}
	}
}

func TestStoreReplayedEventKeepsVersion(t *testing.T) {
	s := NewStore()
	add := AddTask{Task: Task{ID: "a", Status: StatusDoing}}
	first := s.Dispatch(add, SetLoading{Loading: true})
	if first.Version != 2 {
		t.Fatalf("Version = %d, want 2", first.Version)
	}

	ch, cancel := s.Subscribe()
	defer cancel()
	<-ch

	var hooked int
	s.SetEventHook(func(Event) { hooked++ })
	again := s.Dispatch(add, SetLoading{Loading: true}, SelectTask{ID: ""})
	if again.Version != first.Version {
		t.Fatalf("Version after replay = %d, want %d", again.Version, first.Version)
	}
	if hooked != 3 {
		t.Fatalf("hook calls = %d, want 3", hooked)
	}
	select {
	case st := <-ch:
		t.Fatalf("replay published version %d, want no publish", st.Version)
	default:
	}

	if st := s.Dispatch(UpdateTask{ID: "a", Status: StatusDone}); st.Version != first.Version+1 {
		t.Fatalf("Version after change = %d, want %d", st.Version, first.Version+1)
	}
}
