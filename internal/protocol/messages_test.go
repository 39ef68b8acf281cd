package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ent0n29/novel2anime/internal/playback"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","action":"toggle_dialogue","dialogue":2,"ts_ms":456}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionToggleDialogue || control.Dialogue == nil || *control.Dialogue != 2 {
		t.Fatalf("unexpected client control: %+v", control)
	}
	if control.TSMs != 456 {
		t.Fatalf("TSMs = %d, want %d", control.TSMs, 456)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControlValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"next", `{"type":"client_control","action":"next"}`, true},
		{"goto", `{"type":"client_control","action":"goto","scene":3}`, true},
		{"goto without scene", `{"type":"client_control","action":"goto"}`, false},
		{"goto negative", `{"type":"client_control","action":"goto","scene":-1}`, false},
		{"toggle without dialogue", `{"type":"client_control","action":"toggle_dialogue"}`, false},
		{"empty action", `{"type":"client_control"}`, false},
		{"unknown action", `{"type":"client_control","action":"rewind"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.raw))
			if (err == nil) != tc.ok {
				t.Fatalf("ParseClientMessage() error = %v, want ok=%v", err, tc.ok)
			}
		})
	}

	_, err := ParseClientMessage([]byte(`{"type":"client_control","action":"rewind"}`))
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("error = %v, want ErrUnsupportedAction", err)
	}
}

func TestParseClientMessageKey(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_key","key":"right"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if k, ok := msg.(ClientKey); !ok || k.Key != "right" {
		t.Fatalf("message = %#v, want ClientKey{right}", msg)
	}
	if _, err := ParseClientMessage([]byte(`{"type":"client_key"}`)); err == nil {
		t.Fatalf("empty key accepted")
	}
}

func TestParseServerMessageSnapshots(t *testing.T) {
	st := tasks.State{
		Tasks:         []tasks.Task{{ID: "a", Name: "A", Status: tasks.StatusDone}},
		CurrentTaskID: "a",
		SceneIndex:    1,
		Version:       7,
	}
	raw, err := json.Marshal(NewStateSnapshot(st))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	msg, err := ParseServerMessage(raw)
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	snap, ok := msg.(*StateSnapshot)
	if !ok || snap.State.CurrentTaskID != "a" || snap.State.Version != 7 || len(snap.State.Tasks) != 1 {
		t.Fatalf("state snapshot = %#v", msg)
	}

	raw, _ = json.Marshal(NewPlaybackSnapshot(playback.State{Status: playback.StatusPlaying, Volume: 0.5}))
	msg, err = ParseServerMessage(raw)
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	if p, ok := msg.(*PlaybackSnapshot); !ok || p.Playback.Status != playback.StatusPlaying {
		t.Fatalf("playback snapshot = %#v", msg)
	}
}
