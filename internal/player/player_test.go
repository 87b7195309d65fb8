package player

import (
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyreplay/internal/clock"
	"keyreplay/internal/keystroke"
)

func helloLog() []keystroke.Event {
	return keystroke.Materialize("", []keystroke.Event{
		keystroke.NewInsert(0, "H", 0),
		keystroke.NewInsert(1, "e", 100),
		keystroke.NewInsert(2, "l", 200),
		keystroke.NewInsert(3, "l", 300),
		keystroke.NewInsert(4, "o", 400),
	})
}

type harness struct {
	p         *Player
	clock     *clock.Fake
	frames    []Frame
	completed int
}

func newHarness(t *testing.T, initial string, events []keystroke.Event) *harness {
	t.Helper()
	h := &harness{clock: clock.NewFake(time.Unix(0, 0))}
	h.p = New(initial, events, "go", Options{
		Clock:      h.clock,
		OnFrame:    func(f Frame) { h.frames = append(h.frames, f) },
		OnComplete: func() { h.completed++ },
	})
	t.Cleanup(h.p.Close)
	return h
}

func (h *harness) texts() []string {
	var out []string
	for _, f := range h.frames {
		if len(out) == 0 || out[len(out)-1] != f.Text {
			out = append(out, f.Text)
		}
	}
	return out
}

func TestPlayer_InitialState(t *testing.T) {
	h := newHarness(t, "", helloLog())

	f := h.p.Frame()
	assert.Equal(t, Idle, f.State)
	assert.Equal(t, "", f.Text)
	assert.Equal(t, 0.0, f.Progress)
	assert.Equal(t, 1.0, f.Speed)
	assert.Equal(t, "go", f.Language)
	assert.Equal(t, int64(400), f.DurationMs)
	assert.True(t, f.CanPlay)
}

func TestPlayer_PlaysToCompletion(t *testing.T) {
	h := newHarness(t, "", helloLog())

	h.p.Play()
	assert.Equal(t, Playing, h.p.State())

	var seen []string
	for i := 0; i < 4; i++ {
		h.clock.Advance(100 * time.Millisecond)
		seen = append(seen, h.p.Text())
	}

	assert.Equal(t, []string{"He", "Hel", "Hell", "Hello"}, seen)
	assert.Equal(t, []string{"", "H", "He", "Hel", "Hell", "Hello"}, h.texts())
	assert.Equal(t, Complete, h.p.State())
	assert.Equal(t, 100.0, h.p.Progress())
	assert.Equal(t, 1, h.completed)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestPlayer_ProgressTracksEventTime(t *testing.T) {
	h := newHarness(t, "", helloLog())
	h.p.Play()
	h.clock.Advance(0)
	assert.Equal(t, 0.0, h.p.Progress())
	h.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 25.0, h.p.Progress())
	h.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 50.0, h.p.Progress())
}

func TestPlayer_TerminalPropertyRandomLogs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for n := 1; n <= 20; n++ {
		events := make([]keystroke.Event, n)
		var ts int64
		for i := range events {
			ts += int64(rng.Intn(300))
			events[i] = keystroke.NewInsert(i, "x", ts)
		}
		h := newHarness(t, "", events)
		h.p.SetSpeed(Speeds[rng.Intn(len(Speeds))])
		h.p.Play()
		h.clock.Advance(time.Hour)

		require.Equal(t, Complete, h.p.State(), "n=%d", n)
		require.Equal(t, 100.0, h.p.Progress(), "n=%d", n)
		require.Equal(t, 1, h.completed, "n=%d", n)
		require.Equal(t, keystroke.Reconstruct(events), h.p.Text(), "n=%d", n)
	}
}

func TestPlayer_SeekHalfway(t *testing.T) {
	h := newHarness(t, "", helloLog())

	h.p.Seek(50)

	assert.Equal(t, "Hel", h.p.Text())
	assert.Equal(t, 50.0, h.p.Progress())
	assert.Equal(t, Paused, h.p.State())
}

func TestPlayer_SeekJustBeforeEvent(t *testing.T) {
	h := newHarness(t, "", helloLog())

	// 49.9% of 400ms is 199.6ms, still before the event at 200ms.
	h.p.Seek(49.9)
	assert.Equal(t, "He", h.p.Text())
	assert.Equal(t, 49.9, h.p.Progress())

	h.p.Seek(50)
	assert.Equal(t, "Hel", h.p.Text())
}

func TestPlayer_PlayAfterSeekResumesWithNextEvent(t *testing.T) {
	h := newHarness(t, "", helloLog())

	// 200.4ms is past the event at 200ms, so playback resumes at 300ms.
	h.p.Seek(50.1)
	h.frames = nil
	h.p.Play()
	h.clock.Advance(0)

	assert.Equal(t, "Hell", h.p.Text())
	assert.Equal(t, 75.0, h.p.Progress())
	assert.Equal(t, []string{"Hel", "Hell"}, h.texts())
}

func TestPlayer_RefreshRedeliversFrame(t *testing.T) {
	h := newHarness(t, "", helloLog())
	h.p.Seek(50)
	h.frames = nil

	h.p.Refresh()

	require.Len(t, h.frames, 1)
	assert.Equal(t, "Hel", h.frames[0].Text)
	assert.Equal(t, Paused, h.frames[0].State)
}

func TestPlayer_SeekClamps(t *testing.T) {
	h := newHarness(t, "", helloLog())

	h.p.Seek(250)
	assert.Equal(t, 100.0, h.p.Progress())
	assert.Equal(t, "Hello", h.p.Text())

	h.p.Seek(-10)
	assert.Equal(t, 0.0, h.p.Progress())
	assert.Equal(t, "H", h.p.Text())
}

func TestPlayer_SeekMatchesReconstruction(t *testing.T) {
	events := helloLog()
	// Drop the snapshots so seeking cannot lean on them.
	for i := range events {
		events[i].Snapshot = nil
	}
	h := newHarness(t, "", events)
	tl := keystroke.NewTimeline("", events)

	for p := 0.0; p <= 100; p += 2.5 {
		h.p.Seek(p)
		idx := tl.IndexAtOrBefore(tl.TimeAt(p))
		assert.Equal(t, keystroke.Reconstruct(events[:idx+1]), h.p.Text(), "seek %.1f", p)
	}
}

func TestPlayer_SeekIgnoresStaleSnapshots(t *testing.T) {
	events := helloLog()
	events[2] = events[2].WithSnapshot("WRONG")
	h := newHarness(t, "", events)

	h.p.Seek(50)
	assert.Equal(t, "Hel", h.p.Text())
}

func TestPlayer_SeekStopsPlayback(t *testing.T) {
	h := newHarness(t, "", helloLog())
	h.p.Play()
	h.clock.Advance(100 * time.Millisecond)

	h.p.Seek(75)
	assert.Equal(t, Paused, h.p.State())
	assert.Equal(t, "Hell", h.p.Text())

	h.clock.Advance(time.Second)
	assert.Equal(t, "Hell", h.p.Text())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestPlayer_PlayAfterSeekResumesFromPosition(t *testing.T) {
	h := newHarness(t, "", helloLog())
	h.p.Seek(50)
	h.p.Play()

	h.clock.Advance(0)
	assert.Equal(t, "Hel", h.p.Text())
	h.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, "Hell", h.p.Text())
}

func TestPlayer_PauseAndResume(t *testing.T) {
	h := newHarness(t, "", helloLog())
	h.p.Play()
	h.clock.Advance(100 * time.Millisecond)

	h.p.Pause()
	assert.Equal(t, Paused, h.p.State())
	assert.Equal(t, "He", h.p.Text())
	assert.Equal(t, 25.0, h.p.Progress())
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(time.Second)
	assert.Equal(t, "He", h.p.Text())

	h.p.Play()
	h.clock.Advance(300 * time.Millisecond)
	assert.Equal(t, "Hello", h.p.Text())
	assert.Equal(t, Complete, h.p.State())
	assert.Equal(t, 1, h.completed)
}

func TestPlayer_PauseWhenNotPlayingIsNoop(t *testing.T) {
	h := newHarness(t, "", helloLog())
	h.p.Pause()
	assert.Equal(t, Idle, h.p.State())
}

func TestPlayer_Reset(t *testing.T) {
	h := newHarness(t, "init", helloLog())
	h.p.Play()
	h.clock.Advance(200 * time.Millisecond)

	h.p.Reset()
	assert.Equal(t, Idle, h.p.State())
	assert.Equal(t, "init", h.p.Text())
	assert.Equal(t, 0.0, h.p.Progress())

	h.clock.Advance(time.Second)
	assert.Equal(t, "init", h.p.Text())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestPlayer_SetSpeedWhilePlaying(t *testing.T) {
	h := newHarness(t, "", helloLog())
	h.p.Play()
	h.clock.Advance(100 * time.Millisecond)
	require.Equal(t, "He", h.p.Text())

	h.p.SetSpeed(2)
	assert.Equal(t, 2.0, h.p.Speed())
	assert.Equal(t, Playing, h.p.State())
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(50 * time.Millisecond)
	assert.Equal(t, "Hel", h.p.Text())
	h.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, "Hello", h.p.Text())
	assert.Equal(t, Complete, h.p.State())
}

func TestPlayer_SlowSpeed(t *testing.T) {
	h := newHarness(t, "", helloLog())
	h.p.SetSpeed(0.5)
	h.p.Play()
	h.clock.Advance(0)
	require.Equal(t, "H", h.p.Text())

	h.clock.Advance(199 * time.Millisecond)
	assert.Equal(t, "H", h.p.Text())
	h.clock.Advance(time.Millisecond)
	assert.Equal(t, "He", h.p.Text())
}

func TestPlayer_SetSpeedRejectsInvalid(t *testing.T) {
	h := newHarness(t, "", helloLog())
	h.p.SetSpeed(0)
	h.p.SetSpeed(-2)
	assert.Equal(t, 1.0, h.p.Speed())
}

func TestPlayer_SetSpeedWhilePausedDoesNotStart(t *testing.T) {
	h := newHarness(t, "", helloLog())
	h.p.SetSpeed(4)
	assert.Equal(t, Idle, h.p.State())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestPlayer_EmptyLog(t *testing.T) {
	h := newHarness(t, "Start", nil)

	h.p.Play()
	assert.Equal(t, Idle, h.p.State())
	assert.Equal(t, "Start", h.p.Text())
	assert.False(t, h.p.Frame().CanPlay)
	assert.Equal(t, 0, h.clock.Pending())

	h.p.Seek(40)
	assert.Equal(t, "Start", h.p.Text())
	assert.Equal(t, 0, h.completed)
}

func TestPlayer_InitialTextWithDeleteLog(t *testing.T) {
	h := newHarness(t, "Hi", []keystroke.Event{keystroke.NewDelete(1, 1, 0)})

	h.p.Seek(100)
	assert.Equal(t, "i", h.p.Text())

	h.p.Reset()
	assert.Equal(t, "Hi", h.p.Text())
	h.p.Play()
	h.clock.Advance(0)
	assert.Equal(t, "i", h.p.Text())
	assert.Equal(t, Complete, h.p.State())
}

func TestPlayer_PlayFromCompleteStartsOver(t *testing.T) {
	h := newHarness(t, "", helloLog())
	h.p.Play()
	h.clock.Advance(time.Second)
	require.Equal(t, Complete, h.p.State())

	h.p.Play()
	h.clock.Advance(0)
	assert.Equal(t, "H", h.p.Text())
	h.clock.Advance(time.Second)
	assert.Equal(t, 2, h.completed)
}

func TestPlayer_LoadCancelsPendingStep(t *testing.T) {
	h := newHarness(t, "", helloLog())
	h.p.Play()
	h.clock.Advance(100 * time.Millisecond)

	h.p.Load("other", []keystroke.Event{keystroke.NewInsert(5, "!", 0)}, "python")
	assert.Equal(t, Idle, h.p.State())
	assert.Equal(t, "other", h.p.Text())
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(time.Second)
	assert.Equal(t, "other", h.p.Text())
	assert.Equal(t, "python", h.p.Frame().Language)
	assert.Equal(t, 0, h.completed)
}

func TestPlayer_CloseCancelsPendingStep(t *testing.T) {
	h := newHarness(t, "", helloLog())
	h.p.Play()
	h.clock.Advance(100 * time.Millisecond)
	frames := len(h.frames)

	h.p.Close()
	assert.Equal(t, 0, h.clock.Pending())
	h.clock.Advance(time.Second)
	h.p.Play()

	assert.Equal(t, "He", h.p.Text())
	assert.Len(t, h.frames, frames)
}

// A step whose timer already fired must not apply once the player moved on.
func TestPlayer_StaleStepIsIgnored(t *testing.T) {
	h := newHarness(t, "", helloLog())
	h.p.Play()
	h.clock.Advance(0)

	h.p.mu.Lock()
	stale := h.p.gen
	h.p.mu.Unlock()

	h.p.Pause()
	h.p.step(stale, 3)
	assert.Equal(t, "H", h.p.Text())
}

func TestPlayer_IndependentInstances(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	a := New("", helloLog(), "", Options{Clock: fc})
	b := New("", helloLog(), "", Options{Clock: fc})
	defer a.Close()
	defer b.Close()

	a.Play()
	b.Play()
	fc.Advance(100 * time.Millisecond)
	a.Pause()
	fc.Advance(300 * time.Millisecond)

	assert.Equal(t, "He", a.Text())
	assert.Equal(t, "Hello", b.Text())
	assert.Equal(t, Complete, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "playing", Playing.String())
	assert.Equal(t, "paused", Paused.String())
	assert.Equal(t, "complete", Complete.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestFrameJSONUsesStateName(t *testing.T) {
	b, err := json.Marshal(Frame{State: Playing, Speed: 1})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"playing"`)
}

// handoffClock passes every scheduled function to the test, which runs it
// on a goroutine of its choosing.
type handoffClock struct{ fns chan func() }

type noopTask struct{}

func (noopTask) Stop() bool { return false }

func (c *handoffClock) Now() time.Time { return time.Unix(0, 0) }

func (c *handoffClock) AfterFunc(_ time.Duration, f func()) clock.Task {
	c.fns <- f
	return noopTask{}
}

func TestPlayer_FramesDeliveredInOrderAcrossGoroutines(t *testing.T) {
	c := &handoffClock{fns: make(chan func(), 8)}
	inStep := make(chan struct{})
	release := make(chan struct{})

	var (
		mu     sync.Mutex
		states []State
	)
	p := New("", helloLog(), "go", Options{
		Clock: c,
		OnFrame: func(f Frame) {
			if f.State == Playing && f.Text == "H" {
				close(inStep)
				<-release
			}
			mu.Lock()
			states = append(states, f.State)
			mu.Unlock()
		},
	})
	t.Cleanup(p.Close)

	p.Play()
	go (<-c.fns)()

	<-inStep
	p.Pause()
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Playing, Playing, Paused}, states)
	assert.Equal(t, Paused, p.State())
}
