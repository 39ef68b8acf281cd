package tasks

import (
	"errors"
	"reflect"
	"sync"
)

var ErrTaskNotFound = errors.New("task not found")

// Store serializes events through Reduce and fans snapshots out to
// subscribers. It is the only mutable holder of State.
type Store struct {
	mu    sync.RWMutex
	state State

	subscribers map[int]chan State
	nextSubID   int
	onEvent     func(Event)
}

func NewStore() *Store {
	return &Store{subscribers: make(map[int]chan State)}
}

// SetEventHook registers a callback invoked for every applied event.
func (s *Store) SetEventHook(hook func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = hook
}

// Dispatch applies events in order and returns the resulting state. Version
// counts state changes, so an event that leaves the state as it was does not
// bump it and is not published.
func (s *Store) Dispatch(events ...Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, e := range events {
		if e == nil {
			continue
		}
		next := Reduce(s.state, e)
		if !reflect.DeepEqual(next, s.state) {
			next.Version++
			s.state = next
			changed = true
		}
		if s.onEvent != nil {
			s.onEvent(e)
		}
	}
	if changed {
		s.publishLocked()
	}
	return s.state
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe returns a channel that always holds the latest state. Slow readers
// skip intermediate snapshots rather than blocking dispatch.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = ch
	ch <- s.state
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

func (s *Store) publishLocked() {
	for _, ch := range s.subscribers {
		select {
		case ch <- s.state:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- s.state
		}
	}
}
