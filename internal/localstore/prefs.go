package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"
)

const (
	KeyTasks         = "novel2anime_tasks"
	KeyCurrentTask   = "novel2anime_current_task"
	KeyScenePosition = "novel2anime_scene_position"
)

const prefsTimeout = 2 * time.Second

// Prefs wraps a Store with typed accessors for the persisted client keys.
// Every value is an advisory cache: read failures degrade to defaults and
// write failures are logged, never returned.
type Prefs struct {
	store Store
	mu    sync.Mutex
}

func NewPrefs(store Store) *Prefs {
	if store == nil {
		store = NewInMemoryStore()
	}
	return &Prefs{store: store}
}

func (p *Prefs) Store() Store { return p.store }

func (p *Prefs) TaskIDs() []string {
	var ids []string
	p.read(KeyTasks, &ids)
	return ids
}

func (p *Prefs) SetTaskIDs(ids []string) {
	if ids == nil {
		ids = []string{}
	}
	p.write(KeyTasks, ids)
}

// PrependTaskID records a newly created task at the head of the id list.
func (p *Prefs) PrependTaskID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	p.read(KeyTasks, &ids)
	out := make([]string, 0, len(ids)+1)
	out = append(out, id)
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	p.write(KeyTasks, out)
}

func (p *Prefs) RemoveTaskID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	p.read(KeyTasks, &ids)
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	p.write(KeyTasks, out)
}

func (p *Prefs) CurrentTask() string {
	var id string
	p.read(KeyCurrentTask, &id)
	return id
}

// SetCurrentTask persists the selection; an empty id removes the key.
func (p *Prefs) SetCurrentTask(id string) {
	if id == "" {
		p.remove(KeyCurrentTask)
		return
	}
	p.write(KeyCurrentTask, id)
}

// ScenePosition returns the last-viewed scene for a task.
func (p *Prefs) ScenePosition(taskID string) (int, bool) {
	positions := map[string]int{}
	p.read(KeyScenePosition, &positions)
	i, ok := positions[taskID]
	return i, ok
}

func (p *Prefs) SetScenePosition(taskID string, index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	positions := p.scenePositions()
	if cur, ok := positions[taskID]; ok && cur == index {
		return
	}
	positions[taskID] = index
	p.write(KeyScenePosition, positions)
}

func (p *Prefs) ClearScenePosition(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	positions := p.scenePositions()
	if _, ok := positions[taskID]; !ok {
		return
	}
	delete(positions, taskID)
	p.write(KeyScenePosition, positions)
}

// scenePositions never returns nil; a stored null decodes to an empty map.
func (p *Prefs) scenePositions() map[string]int {
	positions := map[string]int{}
	p.read(KeyScenePosition, &positions)
	if positions == nil {
		positions = map[string]int{}
	}
	return positions
}

func (p *Prefs) read(key string, dst any) {
	ctx, cancel := context.WithTimeout(context.Background(), prefsTimeout)
	defer cancel()
	raw, err := p.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("localstore: read %s failed: %v", key, err)
		}
		return
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		log.Printf("localstore: decode %s failed: %v", key, err)
	}
}

func (p *Prefs) write(key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Printf("localstore: encode %s failed: %v", key, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), prefsTimeout)
	defer cancel()
	if err := p.store.Set(ctx, key, raw); err != nil {
		log.Printf("localstore: write %s failed: %v", key, err)
	}
}

func (p *Prefs) remove(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), prefsTimeout)
	defer cancel()
	if err := p.store.Delete(ctx, key); err != nil {
		log.Printf("localstore: remove %s failed: %v", key, err)
	}
}
