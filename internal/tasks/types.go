package tasks

import (
	"fmt"
	"time"
)

// Status is the client-observed progress of a generation task. The values form
// a total order: pending < doing < done.
type Status string

const (
	StatusPending Status = "pending"
	StatusDoing   Status = "doing"
	StatusDone    Status = "done"
)

// Rank orders statuses by progress. Unknown values rank below pending.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusDoing:
		return 2
	case StatusDone:
		return 3
	default:
		return 0
	}
}

func (s Status) Valid() bool { return s.Rank() > 0 }

// Terminal reports whether polling for a task in this status should stop.
func (s Status) Terminal() bool { return s == StatusDone }

// ParseStatus maps a wire status onto the closed status set. An empty value is
// treated as pending; anything else outside the set is rejected.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case "":
		return StatusPending, nil
	case StatusPending, StatusDoing, StatusDone:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("unknown task status %q", raw)
	}
}

type Task struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	StatusDesc string    `json:"statusDesc"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PlaceholderName derives a display name for tasks the server returned unnamed.
func PlaceholderName(id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return "Project " + short
}

type Dialogue struct {
	Character string `json:"character"`
	Line      string `json:"line"`
	VoiceURL  string `json:"voiceURL"`
}

type Scene struct {
	ImageURL          string     `json:"imageURL"`
	Narration         string     `json:"narration"`
	NarrationVoiceURL string     `json:"narrationVoiceURL,omitempty"`
	Dialogues         []Dialogue `json:"dialogues"`
}

// Artifacts is the ordered scene bundle produced for a finished task.
type Artifacts struct {
	Scenes []Scene `json:"scenes"`
}

func (a *Artifacts) Len() int {
	if a == nil {
		return 0
	}
	return len(a.Scenes)
}

func (a *Artifacts) Clone() *Artifacts {
	if a == nil {
		return nil
	}
	out := &Artifacts{Scenes: make([]Scene, len(a.Scenes))}
	for i, s := range a.Scenes {
		out.Scenes[i] = s
		if s.Dialogues != nil {
			out.Scenes[i].Dialogues = append([]Dialogue(nil), s.Dialogues...)
		}
	}
	return out
}
