package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	Type       string  `json:"type"`
	State      string  `json:"state"`
	Text       string  `json:"text"`
	Progress   float64 `json:"progress"`
	Speed      float64 `json:"speed"`
	DurationMs int64   `json:"durationMs"`
	EventCount int     `json:"eventCount"`
	Status     string  `json:"status"`
	Error      string  `json:"error"`
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

// readUntil reads messages until match returns true.
func readUntil(t *testing.T, ws *websocket.Conn, match func(message) bool) message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err)
		var m message
		require.NoError(t, json.Unmarshal(raw, &m))
		if match(m) {
			return m
		}
	}
}

func (e *testEnv) seedShortReplay(t *testing.T) string {
	t.Helper()
	a := e.createAnswer(t, `{"questionId": "q1", "initialText": "ab"}`)
	body := `{"text": "abcd", "events": [
		{"type": "INSERT", "position": 2, "value": "c", "relativeTimestamp": 0},
		{"type": "INSERT", "position": 3, "value": "d", "relativeTimestamp": 10}
	]}`
	resp, _ := e.do(t, http.MethodPost, "/answers/"+a.ID+"/keystrokes", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return a.ID
}

func TestReplaySocketPlaysToCompletion(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedShortReplay(t)
	ws := env.dial(t, "/answers/"+id+"/replay/ws")

	first := readUntil(t, ws, func(m message) bool { return m.Type == "frame" })
	assert.Equal(t, "idle", first.State)
	assert.Equal(t, "ab", first.Text)
	assert.Equal(t, int64(10), first.DurationMs)

	send(t, ws, replayCommand{Op: "play"})
	done := readUntil(t, ws, func(m message) bool { return m.Type == "frame" && m.State == "complete" })
	assert.Equal(t, "abcd", done.Text)
	assert.Equal(t, float64(100), done.Progress)

	readUntil(t, ws, func(m message) bool { return m.Type == "complete" })
}

func TestReplaySocketSeekAndSpeed(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedShortReplay(t)
	ws := env.dial(t, "/answers/"+id+"/replay/ws")
	readUntil(t, ws, func(m message) bool { return m.Type == "frame" })

	send(t, ws, replayCommand{Op: "seek", Percent: 50})
	f := readUntil(t, ws, func(m message) bool { return m.Type == "frame" })
	assert.Equal(t, "paused", f.State)
	assert.Equal(t, "abc", f.Text)
	assert.Equal(t, float64(50), f.Progress)

	send(t, ws, replayCommand{Op: "speed", Speed: 2})
	f = readUntil(t, ws, func(m message) bool { return m.Type == "frame" })
	assert.Equal(t, float64(2), f.Speed)
	assert.Equal(t, "paused", f.State)

	send(t, ws, replayCommand{Op: "reset"})
	f = readUntil(t, ws, func(m message) bool { return m.Type == "frame" })
	assert.Equal(t, "idle", f.State)
	assert.Equal(t, "ab", f.Text)

	send(t, ws, replayCommand{Op: "rewind"})
	e := readUntil(t, ws, func(m message) bool { return m.Type == "error" })
	assert.Contains(t, e.Error, "rewind")
}

func TestReplaySocketUnknownAnswer(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/answers/missing/replay/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecordSocketSubmits(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAnswer(t, `{"questionId": "q1", "initialText": "x", "language": "go"}`)
	ws := env.dial(t, "/answers/"+a.ID+"/record/ws")

	send(t, ws, recordCommand{Op: "keydown", Key: "H", Caret: 1})
	send(t, ws, recordCommand{Op: "keydown", Key: "Shift", Caret: 2})
	send(t, ws, recordCommand{Op: "keydown", Key: "i", Caret: 2})
	send(t, ws, recordCommand{Op: "change", Text: "xHi"})

	out := readUntil(t, ws, func(m message) bool { return m.Type == "output" && m.EventCount == 2 })
	assert.Equal(t, "xHi", out.Text)

	send(t, ws, recordCommand{Op: "submit"})
	sub := readUntil(t, ws, func(m message) bool { return m.Type == "submitted" })
	assert.Equal(t, "saved", sub.Status)
	assert.Equal(t, 2, sub.EventCount)

	replay, err := env.store.GetReplay(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "xHi", replay.Text)
	assert.Equal(t, "go", replay.Language)
	require.Len(t, replay.Keystrokes, 2)
	require.NotNil(t, replay.Keystrokes[1].Snapshot)
	assert.Equal(t, "xHi", *replay.Keystrokes[1].Snapshot)
}
