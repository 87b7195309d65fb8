// Package player replays a recorded keystroke log as a controllable,
// time-accurate animation of the answer text.
//
// Forward playback shows each event's snapshot (or the memoized text the
// timeline derives for it). Seeking always rebuilds the text from the log
// prefix, so a seek is correct however sparse the snapshots are.
package player

import (
	"math"
	"sync"
	"time"

	"keyreplay/internal/clock"
	"keyreplay/internal/keystroke"
)

// State is the playback state.
type State int

const (
	Idle State = iota
	Playing
	Paused
	Complete
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Speeds are the multipliers offered by speed selectors.
var Speeds = []float64{0.5, 1, 1.5, 2, 4}

// Frame is a read-only view of the player.
type Frame struct {
	State      State   `json:"state"`
	Text       string  `json:"text"`
	Progress   float64 `json:"progress"`
	Speed      float64 `json:"speed"`
	Language   string  `json:"language"`
	DurationMs int64   `json:"durationMs"`
	CanPlay    bool    `json:"canPlay"`
}

// Options configures a Player.
type Options struct {
	// Clock schedules playback steps. Defaults to clock.Real().
	Clock clock.Clock

	// Speed is the initial multiplier. Defaults to 1.
	Speed float64

	// OnFrame is called after every visible change.
	OnFrame func(Frame)

	// OnComplete is called once each time playback reaches the end.
	OnComplete func()
}

// Player drives one replay timeline. It holds at most one pending step.
type Player struct {
	mu         sync.Mutex
	clock      clock.Clock
	timeline   *keystroke.Timeline
	language   string
	text       string
	progress   float64
	state      State
	speed      float64
	task       clock.Task
	gen        uint64
	closed     bool
	onFrame    func(Frame)
	onComplete func()

	// Frames are queued under mu in the order they were produced and
	// delivered by a single drainer outside it.
	qmu      sync.Mutex
	queue    []notice
	draining bool
}

type notice struct {
	frame     Frame
	completed bool
}

// New returns an idle Player over events.
func New(initialText string, events []keystroke.Event, language string, opts Options) *Player {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if !validSpeed(opts.Speed) {
		opts.Speed = 1
	}
	p := &Player{
		clock:      opts.Clock,
		speed:      opts.Speed,
		onFrame:    opts.OnFrame,
		onComplete: opts.OnComplete,
	}
	p.loadLocked(initialText, events, language)
	return p
}

// Load replaces the event log. Any pending step is cancelled and the
// player returns to Idle.
func (p *Player) Load(initialText string, events []keystroke.Event, language string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.cancelLocked()
	p.loadLocked(initialText, events, language)
	p.queueLocked(false)
	p.mu.Unlock()
	p.drain()
}

// Play starts or resumes playback from the current position. It does
// nothing for an empty log or while already playing. Playing from
// Complete starts over.
func (p *Player) Play() {
	p.mu.Lock()
	if p.closed || p.state == Playing || p.timeline.Len() == 0 {
		p.mu.Unlock()
		return
	}
	if p.state == Complete {
		p.progress = 0
	}
	p.startLocked()
	p.queueLocked(false)
	p.mu.Unlock()
	p.drain()
}

// Pause stops playback, keeping the text and position last shown.
func (p *Player) Pause() {
	p.mu.Lock()
	if p.closed || p.state != Playing {
		p.mu.Unlock()
		return
	}
	p.cancelLocked()
	p.state = Paused
	p.queueLocked(false)
	p.mu.Unlock()
	p.drain()
}

// Reset stops playback and shows the initial text at position 0.
func (p *Player) Reset() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.cancelLocked()
	p.text = p.timeline.Initial()
	p.progress = 0
	p.state = Idle
	p.queueLocked(false)
	p.mu.Unlock()
	p.drain()
}

// Seek jumps to percent of the timeline, clamped to [0, 100], and pauses
// there. The text is rebuilt from every event at or before that point.
func (p *Player) Seek(percent float64) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	percent = clampPercent(percent)
	p.cancelLocked()

	tl := p.timeline
	idx := tl.IndexAtOrBefore(tl.TimeAt(percent))
	p.text = keystroke.ReconstructFrom(tl.Initial(), tl.Prefix(idx+1))
	p.progress = percent
	p.state = Paused
	p.queueLocked(false)
	p.mu.Unlock()
	p.drain()
}

// SetSpeed changes the playback multiplier. Non-positive or non-finite
// values are ignored. While playing, the pending step is rescheduled from
// the current position at the new speed.
func (p *Player) SetSpeed(multiplier float64) {
	p.mu.Lock()
	if p.closed || !validSpeed(multiplier) {
		p.mu.Unlock()
		return
	}
	p.speed = multiplier
	if p.state == Playing {
		p.startLocked()
	}
	p.queueLocked(false)
	p.mu.Unlock()
	p.drain()
}

// Close cancels any pending step. A closed player ignores every call.
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
	if p.state == Playing {
		p.state = Paused
	}
	p.closed = true
}

// Refresh delivers the current frame to OnFrame, in order with the frames
// playback produces.
func (p *Player) Refresh() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queueLocked(false)
	p.mu.Unlock()
	p.drain()
}

// Frame returns the current view.
func (p *Player) Frame() Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frameLocked()
}

// State returns the playback state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Text returns the text currently shown.
func (p *Player) Text() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text
}

// Progress returns the position in percent.
func (p *Player) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// Speed returns the playback multiplier.
func (p *Player) Speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

func (p *Player) loadLocked(initialText string, events []keystroke.Event, language string) {
	p.timeline = keystroke.NewTimeline(initialText, events)
	p.language = language
	p.text = initialText
	p.progress = 0
	p.state = Idle
}

// startLocked schedules the first event at or after the current position
// immediately.
func (p *Player) startLocked() {
	p.cancelLocked()
	tl := p.timeline
	idx := tl.IndexAtOrAfter(tl.TimeAt(p.progress))
	p.state = Playing
	p.scheduleLocked(idx, 0)
}

func (p *Player) scheduleLocked(idx int, delay time.Duration) {
	gen := p.gen
	p.task = p.clock.AfterFunc(delay, func() { p.step(gen, idx) })
}

// cancelLocked stops the pending step. Bumping the generation also
// invalidates a step whose timer fired but has not yet taken the lock.
func (p *Player) cancelLocked() {
	if p.task != nil {
		p.task.Stop()
		p.task = nil
	}
	p.gen++
}

func (p *Player) step(gen uint64, idx int) {
	p.mu.Lock()
	if p.closed || gen != p.gen || p.state != Playing {
		p.mu.Unlock()
		return
	}
	p.task = nil

	tl := p.timeline
	ev := tl.Event(idx)
	p.text = tl.TextAt(idx)
	p.progress = tl.PercentAt(ev.RelativeTimestampMs)

	completed := false
	if idx+1 < tl.Len() {
		next := tl.Event(idx + 1)
		p.scheduleLocked(idx+1, p.delay(next.RelativeTimestampMs-ev.RelativeTimestampMs))
	} else {
		p.state = Complete
		p.progress = 100
		completed = true
	}
	p.queueLocked(completed)
	p.mu.Unlock()
	p.drain()
}

func (p *Player) delay(ms int64) time.Duration {
	return time.Duration(float64(ms) / p.speed * float64(time.Millisecond))
}

func (p *Player) frameLocked() Frame {
	return Frame{
		State:      p.state,
		Text:       p.text,
		Progress:   p.progress,
		Speed:      p.speed,
		Language:   p.language,
		DurationMs: p.timeline.DurationMs(),
		CanPlay:    p.timeline.Len() > 0,
	}
}

// queueLocked records the current frame for delivery.
func (p *Player) queueLocked(completed bool) {
	p.qmu.Lock()
	p.queue = append(p.queue, notice{frame: p.frameLocked(), completed: completed})
	p.qmu.Unlock()
}

// drain delivers queued frames in order. A caller that finds another
// goroutine draining, or a callback re-entering the player, leaves its
// frames to the active drainer.
func (p *Player) drain() {
	p.qmu.Lock()
	if p.draining {
		p.qmu.Unlock()
		return
	}
	p.draining = true
	for len(p.queue) > 0 {
		n := p.queue[0]
		p.queue = p.queue[1:]
		p.qmu.Unlock()

		if p.onFrame != nil {
			p.onFrame(n.frame)
		}
		if n.completed && p.onComplete != nil {
			p.onComplete()
		}

		p.qmu.Lock()
	}
	p.draining = false
	p.qmu.Unlock()
}

func validSpeed(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return min(max(v, 0), 100)
}
