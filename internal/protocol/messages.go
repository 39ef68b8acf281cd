package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/novel2anime/internal/playback"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl    MessageType = "client_control"
	TypeClientKey        MessageType = "client_key"
	TypeStateSnapshot    MessageType = "state_snapshot"
	TypePlaybackSnapshot MessageType = "playback_snapshot"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

// Control actions accepted from viewers.
const (
	ActionNext           = "next"
	ActionPrevious       = "previous"
	ActionFirst          = "first"
	ActionLast           = "last"
	ActionGoTo           = "goto"
	ActionToggleDialogue = "toggle_dialogue"
	ActionPlayNarration  = "play_narration"
	ActionAutoPlay       = "autoplay"
	ActionPause          = "pause"
	ActionResume         = "resume"
	ActionStop           = "stop"
)

var (
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrUnsupportedAction = errors.New("unsupported control action")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientControl drives navigation and playback. Scene and Dialogue apply to
// goto and toggle_dialogue.
type ClientControl struct {
	Type     MessageType `json:"type"`
	Action   string      `json:"action"`
	Scene    *int        `json:"scene,omitempty"`
	Dialogue *int        `json:"dialogue,omitempty"`
	TSMs     int64       `json:"ts_ms,omitempty"`
}

// ClientKey forwards a raw key name (left, right, home, end).
type ClientKey struct {
	Type MessageType `json:"type"`
	Key  string      `json:"key"`
}

type StateSnapshot struct {
	Type  MessageType `json:"type"`
	State tasks.State `json:"state"`
}

type PlaybackSnapshot struct {
	Type     MessageType    `json:"type"`
	Playback playback.State `json:"playback"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewStateSnapshot(st tasks.State) StateSnapshot {
	return StateSnapshot{Type: TypeStateSnapshot, State: st}
}

func NewPlaybackSnapshot(st playback.State) PlaybackSnapshot {
	return PlaybackSnapshot{Type: TypePlaybackSnapshot, Playback: st}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := validateControl(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientKey:
		var msg ClientKey
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Key == "" {
			return nil, errors.New("invalid client_key")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes a snapshot or event pushed by the server.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	var out any
	switch env.Type {
	case TypeStateSnapshot:
		out = &StateSnapshot{}
	case TypePlaybackSnapshot:
		out = &PlaybackSnapshot{}
	case TypeSystemEvent:
		out = &SystemEvent{}
	case TypeErrorEvent:
		out = &ErrorEvent{}
	default:
		return nil, ErrUnsupportedType
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

func validateControl(msg ClientControl) error {
	switch msg.Action {
	case "":
		return errors.New("invalid client_control")
	case ActionNext, ActionPrevious, ActionFirst, ActionLast,
		ActionPlayNarration, ActionAutoPlay, ActionPause, ActionResume, ActionStop:
		return nil
	case ActionGoTo:
		if msg.Scene == nil || *msg.Scene < 0 {
			return errors.New("goto requires a non-negative scene")
		}
		return nil
	case ActionToggleDialogue:
		if msg.Dialogue == nil || *msg.Dialogue < 0 {
			return errors.New("toggle_dialogue requires a non-negative dialogue")
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAction, msg.Action)
	}
}
