// Package submit hands recorder output to the store, journaling it in the
// outbox first so that a failed save is retried instead of lost.
package submit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"keyreplay/internal/cache"
	"keyreplay/internal/keystroke"
	"keyreplay/internal/observe"
	"keyreplay/internal/store"
	"keyreplay/internal/wal"
)

// ErrDeferred is returned when the store rejected a save for a transient
// reason but the submission is journaled and will be retried.
var ErrDeferred = errors.New("submit: save deferred")

// ErrInvalid wraps submissions rejected before reaching the store.
var ErrInvalid = errors.New("submit: invalid submission")

// DefaultCompactAfter is the number of settled outbox entries that triggers
// a compaction on the next retry pass.
const DefaultCompactAfter = 256

// Options configures a Submitter. Only Store is required by New.
type Options struct {
	Outbox  *wal.Outbox
	Cache   cache.ReplayCache
	Metrics *observe.Metrics
	Logger  *slog.Logger

	// CompactAfter overrides DefaultCompactAfter.
	CompactAfter int
}

// Submitter persists submissions.
type Submitter struct {
	store        store.Store
	outbox       *wal.Outbox
	cache        cache.ReplayCache
	metrics      *observe.Metrics
	logger       *slog.Logger
	compactAfter int

	// saves of one answer are serialized across Submit and RetryPending
	locks [32]sync.Mutex
}

// New returns a Submitter writing to st.
func New(st store.Store, opts Options) *Submitter {
	if opts.Cache == nil {
		opts.Cache = cache.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CompactAfter <= 0 {
		opts.CompactAfter = DefaultCompactAfter
	}
	return &Submitter{
		store:        st,
		outbox:       opts.Outbox,
		cache:        opts.Cache,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "submit"),
		compactAfter: opts.CompactAfter,
	}
}

func (s *Submitter) lock(answerID string) func() {
	h := fnv.New32a()
	h.Write([]byte(answerID))
	mu := &s.locks[h.Sum32()%uint32(len(s.locks))]
	mu.Lock()
	return mu.Unlock
}

// Submit validates sub and saves it. With an outbox configured the
// submission is journaled before the save and acknowledged after it; a
// transient store failure then yields ErrDeferred. A different log for an
// answer that was already saved fails with store.ErrSubmitted.
func (s *Submitter) Submit(ctx context.Context, sub *store.Submission) error {
	if sub == nil || sub.AnswerID == "" {
		s.record(ctx, observe.StatusInvalid, 0)
		return fmt.Errorf("%w: missing answer id", ErrInvalid)
	}
	if err := keystroke.ValidateAll(sub.Events); err != nil {
		s.record(ctx, observe.StatusInvalid, 0)
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	defer s.lock(sub.AnswerID)()

	var seq uint64
	if s.outbox != nil {
		var err error
		if seq, err = s.outbox.Append(sub); err != nil {
			return fmt.Errorf("submit: journal: %w", err)
		}
	}

	err := s.store.SaveKeystrokes(ctx, sub)
	switch {
	case err == nil:
		s.settle(ctx, seq, sub)
		s.record(ctx, observe.StatusOK, len(sub.Events))
		s.logger.Info("submission saved",
			"answer_id", sub.AnswerID,
			"events", len(sub.Events),
		)
		return nil
	case permanent(err):
		s.ack(seq)
		s.record(ctx, statusFor(err), 0)
		return err
	case s.outbox != nil:
		s.record(ctx, observe.StatusFailed, 0)
		s.logger.Warn("save failed, will retry",
			"answer_id", sub.AnswerID,
			"seq", seq,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrDeferred, err)
	default:
		s.record(ctx, observe.StatusFailed, 0)
		return fmt.Errorf("submit: save: %w", err)
	}
}

// RetryPending saves every journaled submission that has not been
// acknowledged. It returns how many were saved. Entries rejected
// permanently by the store, or superseded by a newer submission for the same
// answer, are acknowledged and dropped. The outbox is compacted once enough
// settled entries have built up.
func (s *Submitter) RetryPending(ctx context.Context) (int, error) {
	if s.outbox == nil {
		return 0, nil
	}
	pending, err := s.outbox.Pending()
	if err != nil {
		return 0, fmt.Errorf("submit: read outbox: %w", err)
	}

	saved, settled := 0, 0
	var errs []error
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := s.retry(ctx, p)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("seq %d: %w", p.Seq, err))
		case ok:
			saved++
			settled++
		default:
			settled++
		}
	}

	if settled > 0 || s.outbox.Stale() >= s.compactAfter {
		if err := s.outbox.Compact(); err != nil {
			errs = append(errs, fmt.Errorf("submit: compact outbox: %w", err))
		}
	}
	if saved > 0 {
		s.logger.Info("retried pending submissions", "saved", saved, "remaining", len(pending)-settled)
	}
	return saved, errors.Join(errs...)
}

// retry saves one pending submission. It reports false with a nil error when
// the entry was dropped instead of saved.
func (s *Submitter) retry(ctx context.Context, p wal.PendingSubmission) (bool, error) {
	sub := p.Submission
	defer s.lock(sub.AnswerID)()

	if s.outbox.Superseded(sub.AnswerID, p.Seq) {
		s.ack(p.Seq)
		return false, nil
	}
	err := s.store.SaveKeystrokes(ctx, &sub)
	switch {
	case err == nil:
		s.settle(ctx, p.Seq, &sub)
		s.record(ctx, observe.StatusRetried, len(sub.Events))
		return true, nil
	case permanent(err):
		s.logger.Warn("dropping unsaveable submission",
			"answer_id", sub.AnswerID,
			"seq", p.Seq,
			"error", err,
		)
		s.ack(p.Seq)
		s.record(ctx, statusFor(err), 0)
		return false, nil
	default:
		return false, err
	}
}

// Run retries pending submissions every interval until ctx is done.
func (s *Submitter) Run(ctx context.Context, interval time.Duration) error {
	if s.outbox == nil {
		<-ctx.Done()
		return nil
	}
	if _, err := s.RetryPending(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("retry pass failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.RetryPending(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("retry pass failed", "error", err)
			}
		}
	}
}

// settle acknowledges seq and invalidates the cached replay.
func (s *Submitter) settle(ctx context.Context, seq uint64, sub *store.Submission) {
	s.ack(seq)
	if err := s.cache.Delete(ctx, sub.AnswerID); err != nil {
		s.logger.Warn("cache invalidation failed", "answer_id", sub.AnswerID, "error", err)
	}
}

func (s *Submitter) ack(seq uint64) {
	if s.outbox == nil {
		return
	}
	if err := s.outbox.Ack(seq); err != nil {
		s.logger.Error("outbox ack failed", "seq", seq, "error", err)
	}
}

func (s *Submitter) record(ctx context.Context, status string, events int) {
	if s.metrics != nil {
		s.metrics.RecordSubmission(ctx, status, events)
	}
}

func permanent(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrSubmitted) ||
		errors.Is(err, keystroke.ErrInvalidEvent)
}

func statusFor(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return observe.StatusNotFound
	case errors.Is(err, store.ErrSubmitted):
		return observe.StatusConflict
	}
	return observe.StatusInvalid
}
