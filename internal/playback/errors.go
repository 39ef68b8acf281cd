package playback

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/novel2anime/internal/audio"
)

type Reason string

const (
	ReasonAborted           Reason = "aborted"
	ReasonNetwork           Reason = "network"
	ReasonDecode            Reason = "decode"
	ReasonUnsupportedSource Reason = "unsupported-source"
	ReasonNotAllowed        Reason = "not-allowed"
)

var ErrNoSession = errors.New("no active audio session")

// MediaError aborts the current audio session only.
type MediaError struct {
	Reason Reason
	ID     string
	Err    error
}

func (e *MediaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media %s: %s", e.ID, e.Reason)
	}
	return fmt.Sprintf("media %s: %s: %v", e.ID, e.Reason, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

func mediaError(id string, err error) *MediaError {
	var me *MediaError
	if errors.As(err, &me) {
		if me.ID == "" {
			me.ID = id
		}
		return me
	}
	reason := ReasonDecode
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		reason = ReasonAborted
	case errors.Is(err, audio.ErrNetwork):
		reason = ReasonNetwork
	case errors.Is(err, audio.ErrUnsupportedSource):
		reason = ReasonUnsupportedSource
	case errors.Is(err, audio.ErrDecode):
		reason = ReasonDecode
	}
	return &MediaError{Reason: reason, ID: id, Err: err}
}
