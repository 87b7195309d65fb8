// Package recorder turns edit interactions on a text surface into a
// timestamped keystroke event log.
//
// Two inputs feed a Recorder. OnKeyDown is the source of truth for the event
// log; OnContentChange is the source of truth for the live text. Pasted or
// IME-composed input reaches only OnContentChange, so it appears in the
// submitted text but not in the replay.
package recorder

import (
	"log/slog"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"keyreplay/internal/clock"
	"keyreplay/internal/debounce"
	"keyreplay/internal/keystroke"
)

// Deletion keys. Both are recorded as a Delete at the caret.
const (
	KeyBackspace = "Backspace"
	KeyDelete    = "Delete"
)

// Output is what the recorder reports to its caller after input settles.
type Output struct {
	QuestionID string
	Text       string
	Events     []keystroke.Event
	Language   string
}

// Options configures a Recorder.
type Options struct {
	// Clock provides session-relative time and the debounce timer.
	// Defaults to clock.Real().
	Clock clock.Clock

	// Debounce is the quiescence window before OnOutput is called.
	// Defaults to debounce.DefaultWindow.
	Debounce time.Duration

	// OnOutput receives the settled (text, events, language). It is
	// called without the recorder's lock held.
	OnOutput func(Output)

	// OnEvent, if set, is called for every recorded event.
	OnEvent func(keystroke.Event)

	Logger *slog.Logger
}

// Session is the recording state of one question. It is replaced whenever
// the active question changes.
type Session struct {
	QuestionID string
	StartTime  time.Time
	Events     []keystroke.Event
	Text       string
}

// Recorder records keystrokes for one question at a time.
type Recorder struct {
	mu       sync.Mutex
	clock    clock.Clock
	session  *Session
	language string
	emitter  *debounce.Emitter[*Session]
	onOutput func(Output)
	onEvent  func(keystroke.Event)
	logger   *slog.Logger
	closed   bool
}

// New returns a Recorder with no active session.
func New(opts Options) *Recorder {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Recorder{
		clock:    opts.Clock,
		onOutput: opts.OnOutput,
		onEvent:  opts.OnEvent,
		logger:   opts.Logger.With("component", "recorder"),
	}
	r.emitter = debounce.New(opts.Clock, opts.Debounce, r.deliver)
	return r
}

// Reset starts a fresh session when questionID differs from the active
// one. Any pending delivery for the previous session is discarded. It
// reports whether a new session was started.
func (r *Recorder) Reset(questionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	if r.session != nil && r.session.QuestionID == questionID {
		return false
	}
	r.emitter.Cancel()
	r.startLocked(questionID)
	return true
}

// SetLanguage sets the label reported alongside the event log.
func (r *Recorder) SetLanguage(lang string) {
	r.mu.Lock()
	r.language = lang
	s := r.session
	r.mu.Unlock()

	if s != nil {
		r.emitter.Call(s)
	}
}

// OnKeyDown records a key press at caret. It returns the recorded event
// and true, or false when the key does not produce an event (navigation,
// modifiers, composed input, multi-character keys).
func (r *Recorder) OnKeyDown(key string, caret int) (keystroke.Event, bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return keystroke.Event{}, false
	}

	var ev keystroke.Event
	switch {
	case key == KeyBackspace || key == KeyDelete:
		ev = keystroke.NewDelete(max(caret, 0), 1, 0)
	case isPrintable(key):
		ev = keystroke.NewInsert(max(caret, 0), key, 0)
	default:
		r.mu.Unlock()
		return keystroke.Event{}, false
	}

	if r.session == nil {
		r.startLocked("")
	}
	s := r.session
	ev.RelativeTimestampMs = r.elapsedLocked()
	s.Text = keystroke.Apply(s.Text, ev)
	ev = ev.WithSnapshot(s.Text)
	s.Events = append(s.Events, ev)
	onEvent := r.onEvent
	r.mu.Unlock()

	if onEvent != nil {
		onEvent(ev)
	}
	r.emitter.Call(s)
	return ev, true
}

// OnContentChange replaces the live text with what the input surface
// reports. The event log is left untouched.
func (r *Recorder) OnContentChange(text string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.session == nil {
		r.startLocked("")
	}
	s := r.session
	s.Text = text
	r.mu.Unlock()

	r.emitter.Call(s)
}

// Text returns the live text of the active session.
func (r *Recorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return ""
	}
	return r.session.Text
}

// Events returns a copy of the active session's event log.
func (r *Recorder) Events() []keystroke.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	return keystroke.CloneAll(r.session.Events)
}

// QuestionID returns the question of the active session.
func (r *Recorder) QuestionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return ""
	}
	return r.session.QuestionID
}

// Snapshot returns the current output without waiting for the debounce
// window. The session is retained so a failed submission can be retried
// with the same data.
func (r *Recorder) Snapshot() Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputLocked(r.session)
}

// Flush delivers any pending output immediately.
func (r *Recorder) Flush() {
	r.emitter.Flush()
}

// Close discards pending output and stops recording.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.emitter.Cancel()
}

func (r *Recorder) startLocked(questionID string) {
	r.session = &Session{
		QuestionID: questionID,
		StartTime:  r.clock.Now(),
	}
	r.logger.Debug("recording session started", "question_id", questionID)
}

// elapsedLocked returns the session-relative timestamp of a new event,
// never earlier than the previous one.
func (r *Recorder) elapsedLocked() int64 {
	s := r.session
	ts := r.clock.Now().Sub(s.StartTime).Milliseconds()
	if n := len(s.Events); n > 0 {
		ts = max(ts, s.Events[n-1].RelativeTimestampMs)
	}
	return max(ts, 0)
}

func (r *Recorder) deliver(s *Session) {
	r.mu.Lock()
	if r.closed || s != r.session || r.onOutput == nil {
		r.mu.Unlock()
		return
	}
	out := r.outputLocked(s)
	fn := r.onOutput
	r.mu.Unlock()

	fn(out)
}

func (r *Recorder) outputLocked(s *Session) Output {
	if s == nil {
		return Output{Language: r.language}
	}
	return Output{
		QuestionID: s.QuestionID,
		Text:       s.Text,
		Events:     keystroke.CloneAll(s.Events),
		Language:   r.language,
	}
}

func isPrintable(key string) bool {
	if utf8.RuneCountInString(key) != 1 {
		return false
	}
	r, _ := utf8.DecodeRuneInString(key)
	return r != utf8.RuneError && unicode.IsPrint(r)
}
