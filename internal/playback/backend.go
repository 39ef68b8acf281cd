package playback

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ent0n29/novel2anime/internal/audio"
)

// Backend opens clips. It is the only component touching audio resources.
type Backend interface {
	Load(ctx context.Context, src string) (Clip, error)
}

// Clip is one loaded audio resource.
//
// Play starts or resumes output and returns once playback has begun. Done
// yields nil on natural completion or the playback error, at most once.
// Close releases everything the clip holds and may be called repeatedly.
type Clip interface {
	Play() error
	Pause() error
	SetVolume(v float64)
	Done() <-chan error
	Close() error
}

// ClockBackend plays clips against a wall clock for their measured duration.
// It is used on hosts without an audio device: sessions, completion and
// resource handling behave as with real output.
type ClockBackend struct {
	fetcher *audio.Fetcher
}

func NewClockBackend(client *http.Client, tempDir string) *ClockBackend {
	return &ClockBackend{fetcher: &audio.Fetcher{Client: client, TempDir: tempDir}}
}

func (b *ClockBackend) Load(ctx context.Context, src string) (Clip, error) {
	m, err := b.fetcher.Materialize(ctx, src)
	if err != nil {
		return nil, err
	}
	info, err := audio.ProbeFile(m.Path)
	if err != nil {
		m.Release()
		return nil, err
	}
	return &clockClip{
		file:      m,
		remaining: info.Duration,
		done:      make(chan error, 1),
		volume:    1,
	}, nil
}

type clockClip struct {
	mu        sync.Mutex
	file      *audio.Materialized
	remaining time.Duration
	started   time.Time
	timer     *time.Timer
	done      chan error
	volume    float64
	finished  bool
	closed    bool
}

var errClipClosed = errors.New("clip closed")

func (c *clockClip) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClipClosed
	}
	if c.timer != nil || c.finished {
		return nil
	}
	c.started = time.Now()
	c.timer = time.AfterFunc(c.remaining, c.finish)
	return nil
}

func (c *clockClip) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClipClosed
	}
	if c.timer == nil {
		return nil
	}
	if c.timer.Stop() {
		c.remaining -= time.Since(c.started)
		if c.remaining < 0 {
			c.remaining = 0
		}
	}
	c.timer = nil
	return nil
}

func (c *clockClip) SetVolume(v float64) {
	c.mu.Lock()
	c.volume = v
	c.mu.Unlock()
}

func (c *clockClip) Done() <-chan error { return c.done }

func (c *clockClip) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.finished {
		return
	}
	c.finished = true
	c.timer = nil
	c.done <- nil
}

func (c *clockClip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.file.Release()
	return nil
}
