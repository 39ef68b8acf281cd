package lifecycle

import (
	"context"
	"log"
	"slices"
	"time"

	"github.com/ent0n29/novel2anime/internal/tasks"
)

// StartPolling refreshes id every interval until it reports done or the
// returned cancel runs. A second call for the same id replaces the first.
// Errors are logged and the loop keeps going.
func (m *Manager) StartPolling(id string, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = m.interval
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if prev := m.pollers[id]; prev != nil {
		prev.cancel()
	}
	m.pollers[id] = p
	m.metrics.SetActivePollers(len(m.pollers))
	m.wg.Add(1)
	m.mu.Unlock()

	go m.poll(ctx, id, interval, p)
	return func() { m.release(id, p) }
}

func (m *Manager) poll(ctx context.Context, id string, interval time.Duration, p *poller) {
	defer m.wg.Done()
	defer close(p.done)
	defer m.release(id, p)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t, err := m.refresh(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.metrics.ObservePollTick("error")
			log.Printf("lifecycle: poll task %s failed: %v", id, err)
			continue
		}
		m.metrics.ObservePollTick("ok")
		if !t.Status.Terminal() {
			continue
		}
		if m.store.State().CurrentTaskID == id {
			// Failures are logged inside; a background load never sets the
			// store's error.
			_, _ = m.loadArtifacts(ctx, id, true)
		}
		return
	}
}

func (m *Manager) release(id string, p *poller) {
	p.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollers[id] == p {
		delete(m.pollers, id)
		m.metrics.SetActivePollers(len(m.pollers))
	}
}

// StopPolling cancels the poller for id, if any.
func (m *Manager) StopPolling(id string) {
	m.mu.Lock()
	p := m.pollers[id]
	m.mu.Unlock()
	if p != nil {
		m.release(id, p)
	}
}

func (m *Manager) Polling(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pollers[id]
	return ok
}

// ActivePollers lists the ids being polled, sorted.
func (m *Manager) ActivePollers() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pollers))
	for id := range m.pollers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// WatchActive starts a poller for every doing task that lacks one and stops
// pollers whose task left the store. Returns the number of pollers started.
func (m *Manager) WatchActive() int {
	st := m.store.State()
	started := 0
	for _, t := range st.Tasks {
		if t.Status != tasks.StatusDoing || m.Polling(t.ID) {
			continue
		}
		m.StartPolling(t.ID, m.interval)
		started++
	}
	for _, id := range m.ActivePollers() {
		if _, ok := st.Task(id); !ok {
			m.StopPolling(id)
		}
	}
	return started
}

// Wait blocks until the poller for id exits. It returns at once when id is
// not being polled.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	p := m.pollers[id]
	m.mu.Unlock()
	if p == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
