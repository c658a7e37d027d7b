package merge

import (
	"context"
	"errors"

	"github.com/angelmondragon/packfinderz-cartsync/internal/cart"
	pkgerrors "github.com/angelmondragon/packfinderz-cartsync/pkg/errors"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/metrics"
)

// Persistence is the adapter surface used to merge a guest cart.
type Persistence interface {
	LoadLocal(ctx context.Context) ([]cart.Line, bool)
	FetchRemote(ctx context.Context) ([]cart.Line, error)
	UpsertBatch(ctx context.Context, lines []cart.Line) ([]cart.Line, error)
	DiscardLocal(ctx context.Context)
}

type Options struct {
	Store       *cart.Store
	Persistence Persistence
	Latch       Latch
	Logger      *logger.Logger
	Metrics     *metrics.CartMetrics
}

// Merger folds the guest cart into the authenticated remote cart exactly once
// per guest-to-user transition.
type Merger struct {
	store   *cart.Store
	persist Persistence
	latch   Latch
	logg    *logger.Logger
	metrics *metrics.CartMetrics
}

// Result describes one merge attempt.
type Result struct {
	// Skipped is set when the transition had already merged.
	Skipped bool
	// GuestLines is the number of guest lines folded into the remote cart.
	GuestLines int
	// Lines is the canonical cart now held by the store.
	Lines []cart.Line
}

func New(opts Options) (*Merger, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("cart store required")
	case opts.Persistence == nil:
		return nil, errors.New("persistence adapter required")
	}
	if opts.Latch == nil {
		opts.Latch = NewMemoryLatch()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Merger{
		store:   opts.Store,
		persist: opts.Persistence,
		latch:   opts.Latch,
		logg:    opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Merge combines the guest cart with the remote cart and makes the result
// canonical both remotely and locally. On failure the guest cart is left
// untouched and the transition can be retried.
func (m *Merger) Merge(ctx context.Context, transitionKey string) (Result, error) {
	ctx = m.logg.WithField(ctx, "transition", transitionKey)

	state, err := m.latch.Acquire(ctx, transitionKey)
	if err != nil {
		m.metrics.IncMerge("conflict")
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeMergeConflict, err, "acquire merge latch")
	}
	switch state {
	case LatchCompleted:
		m.metrics.IncMerge("skipped")
		m.logg.Info(ctx, "cart.merge.skipped")
		return Result{Skipped: true, Lines: m.store.Lines()}, nil
	case LatchBusy:
		return Result{}, pkgerrors.New(pkgerrors.CodeMergeInProgress, "cart merge already in progress")
	}

	guest := m.store.Lines()
	if len(guest) == 0 {
		if local, ok := m.persist.LoadLocal(ctx); ok {
			guest = local
		}
	}

	canonical, err := m.combine(ctx, guest)
	if err != nil {
		if releaseErr := m.latch.Release(ctx, transitionKey); releaseErr != nil {
			m.logg.Error(ctx, "cart.merge.release_failed", releaseErr)
		}
		m.metrics.IncMerge("conflict")
		m.logg.Warn(m.logg.WithField(ctx, "error", err.Error()), "cart.merge.conflict")
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeMergeConflict, err, "merge guest cart").
			WithDetails(map[string]any{"guestLines": len(guest)})
	}

	m.persist.DiscardLocal(ctx)
	m.store.Replace(canonical)
	if err := m.latch.Complete(ctx, transitionKey); err != nil {
		m.logg.Error(ctx, "cart.merge.complete_failed", err)
	}

	m.metrics.IncMerge("merged")
	m.logg.Info(m.logg.WithFields(ctx, map[string]any{
		"guestLines": len(guest),
		"lines":      len(canonical),
	}), "cart.merge.completed")
	return Result{GuestLines: len(guest), Lines: m.store.Lines()}, nil
}

func (m *Merger) combine(ctx context.Context, guest []cart.Line) ([]cart.Line, error) {
	remoteLines, err := m.persist.FetchRemote(ctx)
	if err != nil {
		return nil, err
	}
	if len(guest) == 0 {
		return remoteLines, nil
	}
	return m.persist.UpsertBatch(ctx, MergeLines(guest, remoteLines))
}
