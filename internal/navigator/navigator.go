// Package navigator moves the scene cursor over the loaded artifact bundle
// and remembers the last-viewed scene per task.
package navigator

import (
	"github.com/ent0n29/novel2anime/internal/localstore"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

// Key names accepted by HandleKey, matching terminal key event strings.
const (
	KeyLeft  = "left"
	KeyRight = "right"
	KeyHome  = "home"
	KeyEnd   = "end"
)

type Navigator struct {
	store         *tasks.Store
	prefs         *localstore.Prefs
	onSceneChange func(index int)
}

// New builds a navigator. onSceneChange runs after every accepted move and
// is how playback learns to drop its queue.
func New(store *tasks.Store, prefs *localstore.Prefs, onSceneChange func(index int)) *Navigator {
	return &Navigator{store: store, prefs: prefs, onSceneChange: onSceneChange}
}

// GoToScene moves to i and persists it for the current task. Out-of-range
// indices and calls without artifacts are no-ops. Reports whether it moved.
func (n *Navigator) GoToScene(i int) bool {
	st := n.store.State()
	total := st.Artifacts.Len()
	if total == 0 || i < 0 || i >= total || st.CurrentTaskID == "" {
		return false
	}
	if i == st.SceneIndex {
		return false
	}
	next := n.store.Dispatch(tasks.SetSceneIndex{Index: i})
	if next.SceneIndex != i || next.CurrentTaskID != st.CurrentTaskID {
		return false
	}
	if n.prefs != nil {
		n.prefs.SetScenePosition(st.CurrentTaskID, i)
	}
	if n.onSceneChange != nil {
		n.onSceneChange(i)
	}
	return true
}

func (n *Navigator) Next() bool     { return n.GoToScene(n.Index() + 1) }
func (n *Navigator) Previous() bool { return n.GoToScene(n.Index() - 1) }
func (n *Navigator) First() bool    { return n.GoToScene(0) }
func (n *Navigator) Last() bool     { return n.GoToScene(n.Total() - 1) }

func (n *Navigator) Current() (tasks.Scene, bool) {
	return n.store.State().CurrentScene()
}

func (n *Navigator) Index() int { return n.store.State().SceneIndex }

func (n *Navigator) Total() int { return n.store.State().Artifacts.Len() }

func (n *Navigator) HasNext() bool {
	st := n.store.State()
	return st.SceneIndex+1 < st.Artifacts.Len()
}

func (n *Navigator) HasPrevious() bool {
	st := n.store.State()
	return st.Artifacts.Len() > 0 && st.SceneIndex > 0
}

// Restore reapplies the persisted scene for the current task once artifacts
// are loaded. A missing or out-of-range position leaves the cursor at 0.
func (n *Navigator) Restore() int {
	st := n.store.State()
	if n.prefs == nil || st.CurrentTaskID == "" || st.Artifacts.Len() == 0 {
		return st.SceneIndex
	}
	i, ok := n.prefs.ScenePosition(st.CurrentTaskID)
	if !ok || i < 0 || i >= st.Artifacts.Len() || i == st.SceneIndex {
		return st.SceneIndex
	}
	next := n.store.Dispatch(tasks.SetSceneIndex{Index: i})
	if n.onSceneChange != nil {
		n.onSceneChange(next.SceneIndex)
	}
	return next.SceneIndex
}

// HandleKey maps directional keys onto navigation. Unknown keys are ignored.
func (n *Navigator) HandleKey(key string) bool {
	switch key {
	case KeyLeft:
		return n.Previous()
	case KeyRight:
		return n.Next()
	case KeyHome:
		return n.First()
	case KeyEnd:
		return n.Last()
	default:
		return false
	}
}
