package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"keyreplay/internal/keystroke"
	"keyreplay/internal/recorder"
	"keyreplay/internal/store"
	"keyreplay/internal/submit"
)

// recordCommand is a client message on the record socket.
type recordCommand struct {
	Op       string `json:"op"`
	Key      string `json:"key"`
	Caret    int    `json:"caret"`
	Text     string `json:"text"`
	Language string `json:"language"`
}

type outputMessage struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Language   string `json:"language"`
	EventCount int    `json:"eventCount"`
}

type submittedMessage struct {
	Type string `json:"type"`
	submitResponse
}

// handleRecordSocket records edits for one answer. The recorder starts
// from the answer's initial text and reports settled output back to the
// client; "submit" hands the session to the submitter.
func (s *Server) handleRecordSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	answer, err := s.store.GetAnswer(r.Context(), id)
	if err != nil {
		s.storeError(w, "get answer", err)
		return
	}

	conn, err := s.upgrade(w, r)
	if err != nil {
		s.logger.Warn("record upgrade failed", "answer_id", id, "error", err)
		return
	}
	defer conn.close()

	ctx := r.Context()
	rec := recorder.New(recorder.Options{
		Clock:    s.clock,
		Debounce: s.debounce,
		Logger:   s.logger,
		OnOutput: func(out recorder.Output) {
			conn.push(outputMessage{
				Type:       "output",
				Text:       out.Text,
				Language:   out.Language,
				EventCount: len(out.Events),
			})
		},
		OnEvent: func(keystroke.Event) { s.metrics.RecordEvents(ctx, 1) },
	})
	defer rec.Close()

	rec.Reset(answer.QuestionID)
	rec.SetLanguage(answer.Language)
	if answer.InitialText != "" {
		rec.OnContentChange(answer.InitialText)
	}

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd recordCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			conn.pushError("malformed command")
			continue
		}
		switch cmd.Op {
		case "keydown":
			rec.OnKeyDown(cmd.Key, cmd.Caret)
		case "change":
			rec.OnContentChange(cmd.Text)
		case "language":
			rec.SetLanguage(cmd.Language)
		case "flush":
			rec.Flush()
		case "submit":
			s.submitRecording(ctx, conn, id, rec.Snapshot())
		default:
			conn.pushError("unknown op " + cmd.Op)
		}
	}
}

func (s *Server) submitRecording(ctx context.Context, conn *socket, answerID string, out recorder.Output) {
	sub := &store.Submission{
		AnswerID: answerID,
		Text:     out.Text,
		Language: out.Language,
		Events:   out.Events,
	}
	err := s.submitter.Submit(ctx, sub)
	switch {
	case err == nil:
		conn.push(submittedMessage{Type: "submitted", submitResponse: submitResponse{Status: "saved", EventCount: len(sub.Events)}})
	case errors.Is(err, submit.ErrDeferred):
		conn.push(submittedMessage{Type: "submitted", submitResponse: submitResponse{Status: "queued", EventCount: len(sub.Events)}})
	default:
		s.logger.Warn("recorded submission failed", "answer_id", answerID, "error", err)
		conn.pushError(err.Error())
	}
}
