package playback

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MockBackend hands out scripted clips. With AutoFinish > 0 each clip ends on
// its own that long after it starts playing; otherwise the caller finishes or
// fails clips explicitly.
type MockBackend struct {
	AutoFinish time.Duration

	mu       sync.Mutex
	clips    []*MockClip
	loadErr  map[string]error
	playErr  map[string]error
	holds    map[string]chan struct{}
	loadSeen chan string
}

func NewMockBackend() *MockBackend {
	return &MockBackend{
		loadErr:  make(map[string]error),
		playErr:  make(map[string]error),
		holds:    make(map[string]chan struct{}),
		loadSeen: make(chan string, 64),
	}
}

// FailLoad makes every Load of src fail with err.
func (b *MockBackend) FailLoad(src string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadErr[src] = err
}

// FailPlay makes Play on clips for src fail with err.
func (b *MockBackend) FailPlay(src string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.playErr[src] = err
}

// Hold blocks Load of src until release is called or the load is canceled.
func (b *MockBackend) Hold(src string) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.holds[src] = ch
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.holds, src)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Loads yields each src as Load is entered.
func (b *MockBackend) Loads() <-chan string { return b.loadSeen }

func (b *MockBackend) Load(ctx context.Context, src string) (Clip, error) {
	select {
	case b.loadSeen <- src:
	default:
	}
	b.mu.Lock()
	hold := b.holds[src]
	loadErr := b.loadErr[src]
	b.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if loadErr != nil {
		return nil, loadErr
	}

	c := &MockClip{Src: src, done: make(chan error, 1), volume: 1, backend: b}
	b.mu.Lock()
	b.clips = append(b.clips, c)
	b.mu.Unlock()
	return c, nil
}

// Clips returns every clip loaded so far, in load order.
func (b *MockBackend) Clips() []*MockClip {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*MockClip(nil), b.clips...)
}

// Last returns the most recently loaded clip.
func (b *MockBackend) Last() *MockClip {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clips) == 0 {
		return nil
	}
	return b.clips[len(b.clips)-1]
}

// Live counts loaded clips that have not been closed.
func (b *MockBackend) Live() int {
	b.mu.Lock()
	clips := append([]*MockClip(nil), b.clips...)
	b.mu.Unlock()
	n := 0
	for _, c := range clips {
		if !c.Closed() {
			n++
		}
	}
	return n
}

type MockClip struct {
	Src string

	mu      sync.Mutex
	backend *MockBackend
	done    chan error
	volume  float64
	playing bool
	plays   int
	ended   bool
	closed  bool
	timer   *time.Timer
}

func (c *MockClip) Play() error {
	c.backend.mu.Lock()
	playErr := c.backend.playErr[c.Src]
	auto := c.backend.AutoFinish
	c.backend.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClipClosed
	}
	if playErr != nil {
		return playErr
	}
	c.playing = true
	c.plays++
	if auto > 0 && c.timer == nil {
		c.timer = time.AfterFunc(auto, c.Finish)
	}
	return nil
}

func (c *MockClip) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClipClosed
	}
	c.playing = false
	return nil
}

func (c *MockClip) SetVolume(v float64) {
	c.mu.Lock()
	c.volume = v
	c.mu.Unlock()
}

func (c *MockClip) Done() <-chan error { return c.done }

// Finish simulates natural completion.
func (c *MockClip) Finish() { c.end(nil) }

// Fail simulates a playback error after start.
func (c *MockClip) Fail(err error) {
	if err == nil {
		err = errors.New("mock playback failure")
	}
	c.end(err)
}

func (c *MockClip) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended || c.closed {
		return
	}
	c.ended = true
	c.playing = false
	c.done <- err
}

func (c *MockClip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.closed = true
	c.playing = false
	return nil
}

func (c *MockClip) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

func (c *MockClip) Plays() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plays
}

func (c *MockClip) Volume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

func (c *MockClip) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
