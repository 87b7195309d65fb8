package wal

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"keyreplay/internal/store"
)

// Outbox records submissions before they reach the store so that a failed
// or interrupted save can be retried.
type Outbox struct {
	wal *WAL

	mu     sync.Mutex
	latest map[string]uint64 // newest submission per answer
	open   map[uint64]bool   // unacknowledged newest submissions
}

// PendingSubmission is a submission that has not been acknowledged.
type PendingSubmission struct {
	Seq        uint64
	RecordedAt time.Time
	Submission store.Submission
}

type ackPayload struct {
	Seq uint64 `json:"seq"`
}

// OpenOutbox opens the outbox at path, keyed by secret.
func OpenOutbox(path, secret string) (*Outbox, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	w, err := Open(path, key)
	if err != nil {
		return nil, err
	}
	entries, err := w.ReadAll()
	if err != nil {
		w.Close()
		return nil, err
	}
	pending, latest, err := scan(entries)
	if err != nil {
		w.Close()
		return nil, err
	}
	o := &Outbox{wal: w, latest: latest, open: make(map[uint64]bool, len(pending))}
	for _, p := range pending {
		o.open[p.Seq] = true
	}
	return o, nil
}

// Append durably records sub and returns its sequence number.
func (o *Outbox) Append(sub *store.Submission) (uint64, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return 0, fmt.Errorf("wal: encode submission: %w", err)
	}
	seq, err := o.wal.Append(EntrySubmission, payload)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.latest[sub.AnswerID]; ok {
		delete(o.open, prev)
	}
	o.latest[sub.AnswerID] = seq
	o.open[seq] = true
	return seq, nil
}

// Superseded reports whether a submission for answerID newer than seq has
// been appended.
func (o *Outbox) Superseded(answerID string, seq uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	latest, ok := o.latest[answerID]
	return ok && latest > seq
}

// Backlog returns the number of pending submissions.
func (o *Outbox) Backlog() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.open)
}

// Stale returns how many entries Compact would drop.
func (o *Outbox) Stale() int {
	o.mu.Lock()
	open := len(o.open)
	o.mu.Unlock()
	return max(int(o.wal.EntryCount())-open, 0)
}

// Ack marks the submission with sequence seq as persisted.
func (o *Outbox) Ack(seq uint64) error {
	payload, err := json.Marshal(ackPayload{Seq: seq})
	if err != nil {
		return fmt.Errorf("wal: encode ack: %w", err)
	}
	if _, err := o.wal.Append(EntryAck, payload); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.open, seq)
	o.mu.Unlock()
	return nil
}

// Pending returns unacknowledged submissions in sequence order. A submission
// superseded by a later one for the same answer is not pending.
func (o *Outbox) Pending() ([]PendingSubmission, error) {
	entries, err := o.wal.ReadAll()
	if err != nil {
		return nil, err
	}
	pending, _, err := scan(entries)
	return pending, err
}

// scan returns the pending submissions in entries and the newest
// submission sequence per answer.
func scan(entries []Entry) ([]PendingSubmission, map[string]uint64, error) {
	subs := make(map[uint64]PendingSubmission)
	latest := make(map[string]uint64)
	acked := make(map[uint64]bool)

	for _, e := range entries {
		switch e.Type {
		case EntrySubmission:
			var sub store.Submission
			if err := json.Unmarshal(e.Payload, &sub); err != nil {
				return nil, nil, fmt.Errorf("wal: decode submission %d: %w", e.Sequence, err)
			}
			subs[e.Sequence] = PendingSubmission{
				Seq:        e.Sequence,
				RecordedAt: time.Unix(0, e.Timestamp),
				Submission: sub,
			}
			latest[sub.AnswerID] = e.Sequence
		case EntryAck:
			var ack ackPayload
			if err := json.Unmarshal(e.Payload, &ack); err != nil {
				return nil, nil, fmt.Errorf("wal: decode ack %d: %w", e.Sequence, err)
			}
			acked[ack.Seq] = true
		}
	}

	var out []PendingSubmission
	for seq, p := range subs {
		if acked[seq] || latest[p.Submission.AnswerID] != seq {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, latest, nil
}

// Compact rewrites the log keeping only pending submissions. Answers with
// nothing pending are forgotten.
func (o *Outbox) Compact() error {
	return o.wal.Rewrite(func(entries []Entry) ([]Entry, error) {
		pending, _, err := scan(entries)
		if err != nil {
			return nil, err
		}
		keep := make(map[uint64]bool, len(pending))
		latest := make(map[string]uint64, len(pending))
		for _, p := range pending {
			keep[p.Seq] = true
			latest[p.Submission.AnswerID] = p.Seq
		}
		o.mu.Lock()
		o.latest = latest
		o.open = maps.Clone(keep)
		o.mu.Unlock()

		var out []Entry
		for _, e := range entries {
			if e.Type == EntrySubmission && keep[e.Sequence] {
				out = append(out, e)
			}
		}
		return out, nil
	})
}

// Size returns the log size in bytes.
func (o *Outbox) Size() int64 {
	return o.wal.Size()
}

// Path returns the log file path.
func (o *Outbox) Path() string {
	return o.wal.Path()
}

// Close closes the log.
func (o *Outbox) Close() error {
	return o.wal.Close()
}
