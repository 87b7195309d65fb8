// Package cache keeps serialized replay payloads close to the HTTP layer.
package cache

import (
	"context"

	"keyreplay/internal/store"
)

// ReplayCache stores replay payloads by answer ID. A miss is not an error.
type ReplayCache interface {
	Get(ctx context.Context, answerID string) (*store.Replay, bool, error)
	Set(ctx context.Context, r *store.Replay) error
	Delete(ctx context.Context, answerID string) error
}

// Nop is a ReplayCache that never holds anything.
type Nop struct{}

var _ ReplayCache = Nop{}

func (Nop) Get(context.Context, string) (*store.Replay, bool, error) { return nil, false, nil }
func (Nop) Set(context.Context, *store.Replay) error                  { return nil }
func (Nop) Delete(context.Context, string) error                      { return nil }
