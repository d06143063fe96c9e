package storage

import (
	"context"
	"time"

	"github.com/example/ride-booking/internal/models"
)

type commitHooksKey struct{}

// commitHooks holds work that must only happen once the surrounding
// transaction committed. A retried attempt starts from an empty list.
type commitHooks struct {
	fns []func()
}

func withCommitHooks(ctx context.Context) (context.Context, *commitHooks) {
	h := &commitHooks{}
	return context.WithValue(ctx, commitHooksKey{}, h), h
}

func (h *commitHooks) reset() { h.fns = h.fns[:0] }

func (h *commitHooks) run() {
	for _, fn := range h.fns {
		fn()
	}
	h.fns = nil
}

// onCommit runs fn when the transaction in ctx commits, or right away
// outside a transaction.
func onCommit(ctx context.Context, fn func()) {
	if h, ok := ctx.Value(commitHooksKey{}).(*commitHooks); ok {
		h.fns = append(h.fns, fn)
		return
	}
	fn()
}

// nextMeta is what an update writes. The caller's copy keeps its version
// until the write is durable so a retried or aborted transaction can
// replay it.
func nextMeta(m models.Meta, now time.Time) models.Meta {
	m.Version++
	m.UpdatedAt = now.UTC()
	return m
}

// applyMeta copies the written version back onto the caller's document
// once ctx's transaction commits.
func applyMeta(ctx context.Context, dst *models.Meta, written models.Meta) {
	onCommit(ctx, func() {
		dst.Version, dst.UpdatedAt = written.Version, written.UpdatedAt
	})
}
