// Package playback owns the single audio session and the per-scene auto-play
// queue.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/novel2anime/internal/audio"
	"github.com/ent0n29/novel2anime/internal/observability"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
)

// allowedTransitions is the session state machine. Every state may fall back
// to idle on stop, completion or error.
var allowedTransitions = map[Status]map[Status]bool{
	StatusIdle:    {StatusLoading: true},
	StatusLoading: {StatusPlaying: true, StatusIdle: true},
	StatusPlaying: {StatusPaused: true, StatusIdle: true},
	StatusPaused:  {StatusPlaying: true, StatusIdle: true},
}

var ErrClosed = errors.New("playback engine closed")

// State is a point-in-time view of the engine.
type State struct {
	CurrentID     string   `json:"currentlyPlayingId,omitempty"`
	Status        Status   `json:"status"`
	IsPlaying     bool     `json:"isPlaying"`
	Volume        float64  `json:"volume"`
	AutoPlaying   bool     `json:"autoPlaying"`
	AutoPlayScene int      `json:"autoPlayScene"`
	Queue         []string `json:"queue,omitempty"`
	QueueCursor   int      `json:"queueCursor"`
	Permitted     bool     `json:"playbackPermitted"`
	LastError     string   `json:"lastError,omitempty"`
}

type Options struct {
	Backend Backend
	Metrics *observability.Metrics
	// Volume is the initial volume, clamped to [0,1].
	Volume float64
	// RequireInteraction blocks playback until MarkInteraction is called.
	RequireInteraction bool
}

type queueItem struct {
	id  string
	src string
}

type Engine struct {
	backend Backend
	metrics *observability.Metrics

	mu         sync.Mutex
	status     Status
	currentID  string
	clip       Clip
	stop       chan struct{}
	cancelLoad context.CancelFunc
	gen        uint64
	volume     float64
	lastErr    *MediaError

	queue      []queueItem
	cursor     int
	queueScene int
	queueGen   uint64

	requireInteraction bool
	interacted         bool
	closed             bool

	subMu       sync.Mutex
	subscribers map[int]chan State
	nextSubID   int

	wg sync.WaitGroup
}

func New(opts Options) *Engine {
	return &Engine{
		backend:            opts.Backend,
		metrics:            opts.Metrics,
		status:             StatusIdle,
		volume:             clampVolume(opts.Volume),
		queueScene:         -1,
		requireInteraction: opts.RequireInteraction,
		subscribers:        make(map[int]chan State),
	}
}

// PlayAudio starts a manual session for src under id, replacing any current
// session and discarding the auto-play queue. It returns once playback has
// actually started or failed.
func (e *Engine) PlayAudio(ctx context.Context, src, id string) error {
	e.mu.Lock()
	e.clearQueueLocked()
	e.mu.Unlock()
	return e.start(ctx, src, id, false, 0)
}

// ToggleDialogue pauses or resumes the dialogue when it is the current
// session and starts it otherwise. It always discards the auto-play queue.
func (e *Engine) ToggleDialogue(ctx context.Context, src string, scene, dialogue int) error {
	return e.toggle(ctx, src, DialogueID(scene, dialogue))
}

// PlayNarration behaves like ToggleDialogue for a scene's narration.
func (e *Engine) PlayNarration(ctx context.Context, src string, scene int) error {
	return e.toggle(ctx, src, NarrationID(scene))
}

func (e *Engine) toggle(ctx context.Context, src, id string) error {
	e.mu.Lock()
	e.clearQueueLocked()
	if e.currentID == id {
		status := e.status
		e.mu.Unlock()
		switch status {
		case StatusPlaying:
			return e.Pause()
		case StatusPaused:
			return e.Resume()
		case StatusLoading:
			e.notify()
			return nil
		}
	} else {
		e.mu.Unlock()
	}
	return e.start(ctx, src, id, false, 0)
}

// StartAutoPlay queues the scene's narration (when it has audio) followed by
// every dialogue in order, and starts the first entry. Entries advance only
// on natural completion. A dialogue without audio fails to load and halts the
// queue like any other failed item.
func (e *Engine) StartAutoPlay(ctx context.Context, scene int, narrationSrc string, dialogues []tasks.Dialogue) error {
	items := make([]queueItem, 0, len(dialogues)+1)
	if narrationSrc != "" {
		items = append(items, queueItem{id: NarrationID(scene), src: narrationSrc})
	}
	for j, d := range dialogues {
		items = append(items, queueItem{id: DialogueID(scene, j), src: d.VoiceURL})
	}

	e.mu.Lock()
	e.clearQueueLocked()
	if len(items) == 0 {
		e.mu.Unlock()
		e.notify()
		return nil
	}
	e.queue = items
	e.queueScene = scene
	qgen := e.queueGen
	e.mu.Unlock()

	return e.start(ctx, items[0].src, items[0].id, true, qgen)
}

// StopAutoPlay discards the queue and stops the session it was playing.
// A manually started session is left alone.
func (e *Engine) StopAutoPlay() {
	e.mu.Lock()
	owned := len(e.queue) > 0 && e.cursor < len(e.queue) && e.queue[e.cursor].id == e.currentID
	e.clearQueueLocked()
	if owned {
		e.teardownLocked("stopped")
	}
	e.mu.Unlock()
	e.notify()
}

// SceneChanged discards the queue and releases the current session.
func (e *Engine) SceneChanged(scene int) {
	e.mu.Lock()
	e.clearQueueLocked()
	if e.status != StatusIdle {
		e.teardownLocked("scene_change")
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) Pause() error {
	e.mu.Lock()
	switch {
	case e.status == StatusPaused:
		e.mu.Unlock()
		return nil
	case e.status != StatusPlaying || e.clip == nil:
		e.mu.Unlock()
		return ErrNoSession
	}
	if err := e.clip.Pause(); err != nil {
		id := e.currentID
		e.mu.Unlock()
		log.Printf("playback: pause %s failed: %v", id, err)
		return err
	}
	e.transitionLocked(StatusPaused)
	e.mu.Unlock()
	e.notify()
	return nil
}

// Resume restarts a paused session. A clip that rejects the resume leaves
// the state untouched; the failure is only logged.
func (e *Engine) Resume() error {
	e.mu.Lock()
	switch {
	case e.status == StatusPlaying:
		e.mu.Unlock()
		return nil
	case e.status != StatusPaused || e.clip == nil:
		e.mu.Unlock()
		return ErrNoSession
	}
	id := e.currentID
	if !e.permittedLocked() {
		e.mu.Unlock()
		e.metrics.ObserveMediaError(string(ReasonNotAllowed))
		return &MediaError{Reason: ReasonNotAllowed, ID: id}
	}
	if err := e.clip.Play(); err != nil {
		e.mu.Unlock()
		log.Printf("playback: resume %s rejected: %v", id, err)
		return nil
	}
	e.transitionLocked(StatusPlaying)
	e.mu.Unlock()
	e.notify()
	return nil
}

// Stop releases the current session and discards the queue. Safe when idle.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.clearQueueLocked()
	e.teardownLocked("stopped")
	e.mu.Unlock()
	e.notify()
}

// SetVolume clamps v to [0,1], stores it and applies it to the live session.
func (e *Engine) SetVolume(v float64) float64 {
	e.mu.Lock()
	if math.IsNaN(v) {
		v = e.volume
	}
	v = clampVolume(v)
	e.volume = v
	if e.clip != nil {
		e.clip.SetVolume(v)
	}
	e.mu.Unlock()
	e.notify()
	return v
}

func (e *Engine) IsDialoguePlaying(scene, dialogue int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentID == DialogueID(scene, dialogue) && e.status == StatusPlaying
}

func (e *Engine) IsDialogueCurrent(scene, dialogue int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentID == DialogueID(scene, dialogue)
}

// PlaybackPermitted reports whether a new session may start right now.
func (e *Engine) PlaybackPermitted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.permittedLocked()
}

// MarkInteraction records the user gesture that unlocks playback.
func (e *Engine) MarkInteraction() {
	e.mu.Lock()
	changed := !e.interacted
	e.interacted = true
	e.mu.Unlock()
	if changed {
		e.notify()
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

// Subscribe returns a channel holding the latest engine state.
func (e *Engine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	ch <- e.State()
	e.subMu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.subscribers[id] = ch
	e.subMu.Unlock()
	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if c, ok := e.subscribers[id]; ok {
			delete(e.subscribers, id)
			close(c)
		}
	}
}

// Close releases the session and waits for background watchers.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.clearQueueLocked()
	e.teardownLocked("closed")
	e.mu.Unlock()
	e.wg.Wait()
	e.notify()
}

// start runs one session up to confirmed playback. Queue-driven starts carry
// the queue generation they belong to and abort when it has moved on.
func (e *Engine) start(ctx context.Context, src, id string, fromQueue bool, qgen uint64) error {
	started := time.Now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if fromQueue && qgen != e.queueGen {
		e.mu.Unlock()
		return context.Canceled
	}
	if !e.permittedLocked() {
		me := &MediaError{Reason: ReasonNotAllowed, ID: id}
		e.clearQueueLocked()
		e.lastErr = me
		e.mu.Unlock()
		e.metrics.ObserveMediaError(string(ReasonNotAllowed))
		log.Printf("playback: %v", me)
		e.notify()
		return me
	}
	e.teardownLocked("superseded")
	gen := e.gen
	loadCtx, cancel := context.WithCancel(ctx)
	e.cancelLoad = cancel
	e.currentID = id
	e.lastErr = nil
	e.transitionLocked(StatusLoading)
	e.mu.Unlock()
	e.notify()

	var (
		clip Clip
		err  error
	)
	if strings.TrimSpace(src) == "" {
		err = fmt.Errorf("%w: empty audio reference", audio.ErrUnsupportedSource)
	} else {
		clip, err = e.backend.Load(loadCtx, src)
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		cancel()
		if clip != nil {
			_ = clip.Close()
		}
		return context.Canceled
	}
	e.cancelLoad = nil
	cancel()
	if err == nil {
		clip.SetVolume(e.volume)
		if playErr := clip.Play(); playErr != nil {
			_ = clip.Close()
			err = playErr
		}
	}
	if err != nil {
		me := e.failLocked(id, err)
		e.mu.Unlock()
		e.notify()
		return me
	}
	stop := make(chan struct{})
	e.clip = clip
	e.stop = stop
	e.transitionLocked(StatusPlaying)
	e.wg.Add(1)
	go e.watch(gen, clip, stop)
	e.mu.Unlock()

	e.metrics.ObserveAudioStart(time.Since(started))
	e.notify()
	return nil
}

// watch waits for the clip to end and advances the queue on natural completion.
func (e *Engine) watch(gen uint64, clip Clip, stop <-chan struct{}) {
	defer e.wg.Done()

	var err error
	select {
	case err = <-clip.Done():
	case <-stop:
		return
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.failLocked(e.currentID, err)
		e.mu.Unlock()
		e.notify()
		return
	}

	finished := e.currentID
	e.stop = nil
	e.releaseLocked()
	e.metrics.ObservePlaybackSession("completed")
	next, qgen, ok := e.advanceLocked(finished)
	e.mu.Unlock()
	e.notify()

	if !ok {
		return
	}
	if err := e.start(context.Background(), next.src, next.id, true, qgen); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
		log.Printf("playback: auto-play stopped at %s: %v", next.id, err)
	}
}

// advanceLocked moves the cursor past the finished entry. Reaching the end
// clears the queue.
func (e *Engine) advanceLocked(finished string) (queueItem, uint64, bool) {
	if len(e.queue) == 0 || e.cursor >= len(e.queue) || e.queue[e.cursor].id != finished {
		return queueItem{}, 0, false
	}
	e.cursor++
	if e.cursor >= len(e.queue) {
		e.clearQueueLocked()
		return queueItem{}, 0, false
	}
	return e.queue[e.cursor], e.queueGen, true
}

func (e *Engine) teardownLocked(reason string) {
	if e.status != StatusIdle {
		e.metrics.ObservePlaybackSession(reason)
	}
	e.releaseLocked()
}

// releaseLocked frees every resource of the current session and bumps the
// generation so in-flight loads and watchers for it become no-ops.
func (e *Engine) releaseLocked() {
	e.gen++
	if e.cancelLoad != nil {
		e.cancelLoad()
		e.cancelLoad = nil
	}
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
	if e.clip != nil {
		if err := e.clip.Close(); err != nil {
			log.Printf("playback: release %s failed: %v", e.currentID, err)
		}
		e.clip = nil
	}
	e.currentID = ""
	e.transitionLocked(StatusIdle)
}

// failLocked ends the session on a media error and halts auto-play.
func (e *Engine) failLocked(id string, err error) *MediaError {
	me := mediaError(id, err)
	e.releaseLocked()
	e.clearQueueLocked()
	e.lastErr = me
	e.metrics.ObserveMediaError(string(me.Reason))
	e.metrics.ObservePlaybackSession("failed")
	log.Printf("playback: %s failed: %v", id, err)
	return me
}

func (e *Engine) clearQueueLocked() {
	if len(e.queue) == 0 && e.queueScene < 0 {
		return
	}
	e.queue = nil
	e.cursor = 0
	e.queueScene = -1
	e.queueGen++
}

func (e *Engine) transitionLocked(next Status) {
	if e.status == next {
		return
	}
	if !allowedTransitions[e.status][next] {
		log.Printf("playback: refused transition %s -> %s", e.status, next)
		return
	}
	e.status = next
}

func (e *Engine) permittedLocked() bool {
	return !e.requireInteraction || e.interacted
}

func (e *Engine) stateLocked() State {
	st := State{
		CurrentID:     e.currentID,
		Status:        e.status,
		IsPlaying:     e.status == StatusPlaying,
		Volume:        e.volume,
		AutoPlaying:   len(e.queue) > 0,
		AutoPlayScene: e.queueScene,
		QueueCursor:   e.cursor,
		Permitted:     e.permittedLocked(),
	}
	if len(e.queue) > 0 {
		st.Queue = make([]string, len(e.queue))
		for i, it := range e.queue {
			st.Queue[i] = it.id
		}
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

func (e *Engine) notify() {
	st := e.State()
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
}

func clampVolume(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
