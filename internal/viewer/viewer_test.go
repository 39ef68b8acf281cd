package viewer

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/novel2anime/internal/navigator"
	"github.com/ent0n29/novel2anime/internal/playback"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

func setup(t *testing.T, requireInteraction bool) (*Viewer, *playback.MockBackend, *tasks.Store) {
	t.Helper()
	store := tasks.NewStore()
	store.Dispatch(
		tasks.AddTask{Task: tasks.Task{ID: "t", Status: tasks.StatusDone}},
		tasks.SelectTask{ID: "t"},
		tasks.SetArtifacts{TaskID: "t", Artifacts: &tasks.Artifacts{Scenes: []tasks.Scene{
			{
				Narration:         "Morning.",
				NarrationVoiceURL: "narr-0",
				Dialogues: []tasks.Dialogue{
					{Character: "A", Line: "Hi", VoiceURL: "d-0-0"},
					{Character: "B", Line: "...", VoiceURL: ""},
				},
			},
			{Narration: "Night.", Dialogues: []tasks.Dialogue{{Character: "A", Line: "Bye", VoiceURL: "d-1-0"}}},
		}}},
	)
	backend := playback.NewMockBackend()
	engine := playback.New(playback.Options{Backend: backend, Volume: 1, RequireInteraction: requireInteraction})
	t.Cleanup(engine.Close)
	nav := navigator.New(store, nil, engine.SceneChanged)
	return New(store, nav, engine), backend, store
}

func TestToggleDialogueResolvesVoice(t *testing.T) {
	v, backend, _ := setup(t, true)
	if err := v.ToggleDialogue(context.Background(), 0, 0); err != nil {
		t.Fatalf("ToggleDialogue() error = %v", err)
	}
	if c := backend.Last(); c == nil || c.Src != "d-0-0" {
		t.Fatalf("loaded clip = %+v, want d-0-0", c)
	}
	if !v.Engine().IsDialoguePlaying(0, 0) {
		t.Fatalf("dialogue 0/0 not playing")
	}
}

func TestToggleDialogueErrors(t *testing.T) {
	v, _, _ := setup(t, false)
	ctx := context.Background()
	if err := v.ToggleDialogue(ctx, 5, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("out-of-range scene error = %v, want ErrNotFound", err)
	}
	if err := v.ToggleDialogue(ctx, 0, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("out-of-range dialogue error = %v, want ErrNotFound", err)
	}
	if err := v.ToggleDialogue(ctx, 0, 1); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("silent dialogue error = %v, want ErrNoAudio", err)
	}
	if err := v.PlayNarration(ctx, 1); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("silent narration error = %v, want ErrNoAudio", err)
	}
}

func TestAutoPlayNeedsInteraction(t *testing.T) {
	v, backend, _ := setup(t, true)
	ctx := context.Background()

	err := v.AutoPlay(ctx)
	var me *playback.MediaError
	if !errors.As(err, &me) || me.Reason != playback.ReasonNotAllowed {
		t.Fatalf("AutoPlay() before interaction error = %v, want not-allowed", err)
	}

	v.Engine().MarkInteraction()
	if err := v.AutoPlay(ctx); err != nil {
		t.Fatalf("AutoPlay() error = %v", err)
	}
	if c := backend.Last(); c == nil || c.Src != "narr-0" {
		t.Fatalf("first auto-play clip = %+v, want narr-0", c)
	}
	if q := v.Engine().State().Queue; len(q) != 3 {
		t.Fatalf("queue = %v, want narration plus both dialogues", q)
	}
}

func TestNavigationStopsPlayback(t *testing.T) {
	v, _, _ := setup(t, false)
	ctx := context.Background()
	if err := v.AutoPlay(ctx); err != nil {
		t.Fatalf("AutoPlay() error = %v", err)
	}
	if !v.Navigator().Next() {
		t.Fatalf("Next() did not move")
	}
	st := v.Engine().State()
	if st.Status != playback.StatusIdle || st.AutoPlaying {
		t.Fatalf("playback after scene change = %+v, want idle", st)
	}
}
