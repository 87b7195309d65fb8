package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"keyreplay/internal/player"
)

// replayCommand is a client message on the replay socket.
type replayCommand struct {
	Op      string  `json:"op"`
	Percent float64 `json:"percent"`
	Speed   float64 `json:"speed"`
}

type frameMessage struct {
	Type string `json:"type"`
	player.Frame
}

type completeMessage struct {
	Type string `json:"type"`
}

// handleReplaySocket runs one Player per connection. The player lives
// exactly as long as the socket.
func (s *Server) handleReplaySocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	replay, err := s.loadReplay(r, id)
	if err != nil {
		s.storeError(w, "get replay", err)
		return
	}

	conn, err := s.upgrade(w, r)
	if err != nil {
		s.logger.Warn("replay upgrade failed", "answer_id", id, "error", err)
		return
	}
	defer conn.close()

	ctx := r.Context()
	s.metrics.ReplayOpened(ctx)
	defer s.metrics.ReplayClosed(ctx)

	p := player.New(replay.InitialText, replay.Keystrokes, replay.Language, player.Options{
		Clock:      s.clock,
		Speed:      s.defaultSpeed,
		OnFrame:    func(f player.Frame) { conn.push(frameMessage{Type: "frame", Frame: f}) },
		OnComplete: func() { conn.push(completeMessage{Type: "complete"}) },
	})
	defer p.Close()

	s.logger.Debug("replay session opened", "answer_id", id, "events", len(replay.Keystrokes))
	conn.push(frameMessage{Type: "frame", Frame: p.Frame()})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd replayCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			conn.pushError("malformed command")
			continue
		}
		switch cmd.Op {
		case "play":
			p.Play()
		case "pause":
			p.Pause()
		case "reset":
			p.Reset()
		case "seek":
			p.Seek(cmd.Percent)
		case "speed":
			p.SetSpeed(cmd.Speed)
		case "frame":
			p.Refresh()
		default:
			conn.pushError("unknown op " + cmd.Op)
		}
	}
}
