package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"keyreplay/internal/keystroke"
	"keyreplay/internal/schema"
	"keyreplay/internal/store"
	"keyreplay/internal/submit"
)

type createAnswerRequest struct {
	ID          string `json:"id"`
	QuestionID  string `json:"questionId"`
	InitialText string `json:"initialText"`
	Language    string `json:"language"`
}

type answerResponse struct {
	ID          string    `json:"id"`
	QuestionID  string    `json:"questionId"`
	InitialText string    `json:"initialText"`
	Language    string    `json:"language"`
	Text        string    `json:"text"`
	EventCount  int       `json:"eventCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func newAnswerResponse(a *store.Answer) answerResponse {
	return answerResponse{
		ID:          a.ID,
		QuestionID:  a.QuestionID,
		InitialText: a.InitialText,
		Language:    a.Language,
		Text:        a.Text,
		EventCount:  a.EventCount,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

type submitRequest struct {
	Text     string            `json:"text"`
	Language string            `json:"language"`
	Events   []keystroke.Event `json:"events"`
}

type submitResponse struct {
	Status     string `json:"status"`
	EventCount int    `json:"eventCount"`
}

func (s *Server) handleCreateAnswer(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := schema.ValidateAnswer(raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req createAnswerRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed answer: "+err.Error())
		return
	}

	a := &store.Answer{
		ID:          req.ID,
		QuestionID:  req.QuestionID,
		InitialText: req.InitialText,
		Language:    req.Language,
	}
	if err := s.store.CreateAnswer(r.Context(), a); err != nil {
		if errors.Is(err, store.ErrExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("create answer failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create answer failed")
		return
	}
	s.logger.Info("answer created", "answer_id", a.ID, "question_id", a.QuestionID)
	writeJSON(w, http.StatusCreated, newAnswerResponse(a))
}

func (s *Server) handleGetAnswer(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAnswer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, "get answer", err)
		return
	}
	writeJSON(w, http.StatusOK, newAnswerResponse(a))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := schema.ValidateSubmission(raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req submitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed submission: "+err.Error())
		return
	}

	sub := &store.Submission{
		AnswerID: mux.Vars(r)["id"],
		Text:     req.Text,
		Language: req.Language,
		Events:   req.Events,
	}
	s.respondSubmit(w, s.submitter.Submit(r.Context(), sub), len(sub.Events))
}

func (s *Server) respondSubmit(w http.ResponseWriter, err error, events int) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, submitResponse{Status: "saved", EventCount: events})
	case errors.Is(err, submit.ErrDeferred):
		writeJSON(w, http.StatusAccepted, submitResponse{Status: "queued", EventCount: events})
	case errors.Is(err, submit.ErrInvalid), errors.Is(err, keystroke.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrSubmitted):
		writeError(w, http.StatusConflict, "answer already submitted")
	default:
		s.storeError(w, "submit", err)
	}
}

func (s *Server) handleGetReplay(w http.ResponseWriter, r *http.Request) {
	replay, err := s.loadReplay(r, mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, "get replay", err)
		return
	}
	writeJSON(w, http.StatusOK, replay)
}

// loadReplay reads through the cache. Cache failures fall back to the
// store. Only replays that already carry keystrokes are cached: a saved log
// never changes, while an empty one may still be submitted.
func (s *Server) loadReplay(r *http.Request, id string) (*store.Replay, error) {
	ctx := r.Context()
	if cached, ok, err := s.cache.Get(ctx, id); err != nil {
		s.logger.Warn("replay cache read failed", "answer_id", id, "error", err)
	} else if ok {
		return cached, nil
	}

	replay, err := s.store.GetReplay(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(replay.Keystrokes) == 0 {
		return replay, nil
	}
	if err := s.cache.Set(ctx, replay); err != nil {
		s.logger.Warn("replay cache write failed", "answer_id", id, "error", err)
	}
	return replay, nil
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "answer not found")
		return
	}
	s.logger.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, op+" failed")
}
