// Package viewer resolves scene audio for the selected task and hands it to
// the playback engine.
package viewer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/novel2anime/internal/navigator"
	"github.com/ent0n29/novel2anime/internal/playback"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

var (
	ErrNotFound = errors.New("scene or dialogue not loaded")
	ErrNoAudio  = errors.New("line has no audio")
)

type Viewer struct {
	store  *tasks.Store
	nav    *navigator.Navigator
	engine *playback.Engine
}

func New(store *tasks.Store, nav *navigator.Navigator, engine *playback.Engine) *Viewer {
	return &Viewer{store: store, nav: nav, engine: engine}
}

func (v *Viewer) Navigator() *navigator.Navigator { return v.nav }
func (v *Viewer) Engine() *playback.Engine        { return v.engine }

func (v *Viewer) scene(i int) (tasks.Scene, error) {
	st := v.store.State()
	if st.Artifacts == nil || i < 0 || i >= len(st.Artifacts.Scenes) {
		return tasks.Scene{}, fmt.Errorf("scene %d: %w", i, ErrNotFound)
	}
	return st.Artifacts.Scenes[i], nil
}

// ToggleDialogue plays, pauses or resumes one dialogue line. It counts as a
// user gesture for the playback gate.
func (v *Viewer) ToggleDialogue(ctx context.Context, scene, dialogue int) error {
	sc, err := v.scene(scene)
	if err != nil {
		return err
	}
	if dialogue < 0 || dialogue >= len(sc.Dialogues) {
		return fmt.Errorf("scene %d dialogue %d: %w", scene, dialogue, ErrNotFound)
	}
	src := sc.Dialogues[dialogue].VoiceURL
	if src == "" {
		return fmt.Errorf("scene %d dialogue %d: %w", scene, dialogue, ErrNoAudio)
	}
	v.engine.MarkInteraction()
	return v.engine.ToggleDialogue(ctx, src, scene, dialogue)
}

// PlayNarration toggles the scene's narration clip.
func (v *Viewer) PlayNarration(ctx context.Context, scene int) error {
	sc, err := v.scene(scene)
	if err != nil {
		return err
	}
	if sc.NarrationVoiceURL == "" {
		return fmt.Errorf("scene %d narration: %w", scene, ErrNoAudio)
	}
	v.engine.MarkInteraction()
	return v.engine.PlayNarration(ctx, sc.NarrationVoiceURL, scene)
}

// AutoPlay queues the current scene. It does not count as a gesture, so it
// fails with a not-allowed MediaError until the viewer has interacted.
func (v *Viewer) AutoPlay(ctx context.Context) error {
	idx := v.nav.Index()
	sc, err := v.scene(idx)
	if err != nil {
		return err
	}
	return v.engine.StartAutoPlay(ctx, idx, sc.NarrationVoiceURL, sc.Dialogues)
}
