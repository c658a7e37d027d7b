package coordinator

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-cartsync/internal/cart"
	"github.com/angelmondragon/packfinderz-cartsync/internal/notifications"
	"github.com/angelmondragon/packfinderz-cartsync/internal/persistence"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-cartsync/pkg/errors"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/metrics"
)

// Persistence is the adapter surface the coordinator writes through.
type Persistence interface {
	PushMutation(ctx context.Context, m cart.Mutation) (persistence.Ack, error)
	SaveLocal(ctx context.Context, lines []cart.Line)
}

// Enqueuer is the offline queue surface.
type Enqueuer interface {
	Enqueue(ctx context.Context, m cart.Mutation) (bool, error)
	IsEmpty() bool
}

type OnlineChecker interface {
	IsOnline() bool
}

type Authenticator interface {
	Authenticated() bool
}

type Options struct {
	Store       *cart.Store
	Persistence Persistence
	Queue       Enqueuer
	Probe       OnlineChecker
	Session     Authenticator
	Notifier    notifications.Notifier
	Logger      *logger.Logger
	Metrics     *metrics.CartMetrics
	// OnDeferred runs after a mutation went to the offline queue while the
	// device still looked online, so nothing else will replay it soon.
	OnDeferred func()
}

// Coordinator applies every mutation locally first, then pushes it to the
// remote store in dispatch order and resolves it as committed, queued or
// rolled back.
type Coordinator struct {
	store    *cart.Store
	persist  Persistence
	queue    Enqueuer
	probe    OnlineChecker
	session  Authenticator
	notifier notifications.Notifier
	logg     *logger.Logger
	metrics  *metrics.CartMetrics
	deferred func()

	mu   sync.Mutex
	tail chan struct{}
}

func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("cart store required")
	case opts.Persistence == nil:
		return nil, errors.New("persistence adapter required")
	case opts.Queue == nil:
		return nil, errors.New("offline queue required")
	case opts.Session == nil:
		return nil, errors.New("session required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notifications.Multi{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Coordinator{
		store:    opts.Store,
		persist:  opts.Persistence,
		queue:    opts.Queue,
		probe:    opts.Probe,
		session:  opts.Session,
		notifier: opts.Notifier,
		logg:     opts.Logger,
		metrics:  opts.Metrics,
		deferred: opts.OnDeferred,
	}, nil
}

// Result is the resolution of one dispatched mutation.
type Result struct {
	ActionID string
	Outcome  enums.MutationOutcome
	// Line is the touched line right after the optimistic apply, nil when the
	// mutation removed it.
	Line *cart.Line
}

// Operation is a dispatched mutation whose remote outcome may still be pending.
type Operation struct {
	ActionID string
	Applied  cart.Applied

	done   chan struct{}
	result Result
	err    error
}

func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the mutation resolved or ctx ends.
func (o *Operation) Wait(ctx context.Context) (Result, error) {
	select {
	case <-o.done:
		return o.result, o.err
	case <-ctx.Done():
		return Result{ActionID: o.ActionID}, ctx.Err()
	}
}

func (o *Operation) finish(outcome enums.MutationOutcome, err error) {
	o.result.Outcome = outcome
	o.err = err
	close(o.done)
}

// Dispatch applies m to the local store and starts its remote push. Invalid
// mutations fail synchronously and never reach the remote store.
func (c *Coordinator) Dispatch(ctx context.Context, m cart.Mutation) (*Operation, error) {
	if m.ActionID == "" {
		m.ActionID = uuid.NewString()
	}
	ctx = c.logg.WithActionID(ctx, m.ActionID)

	applied, err := c.store.Apply(m)
	if err != nil {
		c.metrics.IncMutation(m.Kind.String(), "invalid")
		c.notifier.Notify(ctx, notifications.Failure(m.ActionID, reason(err)))
		return nil, err
	}

	op := &Operation{
		ActionID: m.ActionID,
		Applied:  applied,
		done:     make(chan struct{}),
		result:   Result{ActionID: m.ActionID, Line: applied.After},
	}

	if !applied.Changed {
		op.finish(enums.MutationOutcomeCommitted, nil)
		return op, nil
	}
	c.persist.SaveLocal(ctx, c.store.Lines())

	c.mu.Lock()
	prev := c.tail
	mine := make(chan struct{})
	c.tail = mine
	c.mu.Unlock()

	// The push outlives the caller's request.
	go c.resolve(context.WithoutCancel(ctx), op, prev, mine)
	return op, nil
}

// Execute dispatches m and waits for its outcome.
func (c *Coordinator) Execute(ctx context.Context, m cart.Mutation) (Result, error) {
	op, err := c.Dispatch(ctx, m)
	if err != nil {
		return Result{ActionID: m.ActionID}, err
	}
	return op.Wait(ctx)
}

// Replay pushes a queued mutation without touching the local store.
func (c *Coordinator) Replay(ctx context.Context, m cart.Mutation) error {
	_, err := c.persist.PushMutation(c.logg.WithActionID(ctx, m.ActionID), m)
	return err
}

// Idle waits until every dispatched push has resolved.
func (c *Coordinator) Idle(ctx context.Context) error {
	c.mu.Lock()
	tail := c.tail
	c.mu.Unlock()
	if tail == nil {
		return nil
	}
	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) resolve(ctx context.Context, op *Operation, prev, mine chan struct{}) {
	defer close(mine)
	if prev != nil {
		<-prev
	}

	m := op.Applied.Mutation
	outcome, err := c.push(ctx, op)
	c.metrics.IncMutation(m.Kind.String(), outcome.String())
	op.finish(outcome, err)
}

func (c *Coordinator) push(ctx context.Context, op *Operation) (enums.MutationOutcome, error) {
	m := op.Applied.Mutation

	if !c.session.Authenticated() {
		c.notifier.Notify(ctx, notifications.Success(m.ActionID, successMessage(m.Kind)))
		return enums.MutationOutcomeCommitted, nil
	}

	if (c.probe != nil && !c.probe.IsOnline()) || !c.queue.IsEmpty() {
		return c.enqueue(ctx, m)
	}

	ack, err := c.persist.PushMutation(ctx, m)
	switch {
	case err == nil:
		c.adopt(ctx, op, ack)
		c.notifier.Notify(ctx, notifications.Success(m.ActionID, successMessage(m.Kind)))
		return enums.MutationOutcomeCommitted, nil

	case pkgerrors.IsNetwork(err):
		c.logg.Info(c.logg.WithField(ctx, "error", err.Error()), "mutation.push.deferred")
		return c.enqueue(ctx, m)

	default:
		c.store.Revert(op.Applied)
		c.persist.SaveLocal(ctx, c.store.Lines())
		c.notifier.Notify(ctx, notifications.Failure(m.ActionID, reason(err)))
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "mutation.rolled_back")
		if pkgerrors.As(err) == nil {
			err = pkgerrors.Wrap(pkgerrors.CodeRejected, err, "remote cart rejected the change")
		}
		return enums.MutationOutcomeRolledBack, err
	}
}

// adopt swaps the placeholder id of a freshly added line for the id the
// remote store assigned, so later mutations address the remote line.
func (c *Coordinator) adopt(ctx context.Context, op *Operation, ack persistence.Ack) {
	m := op.Applied.Mutation
	if m.Kind == enums.ActionKindClear || !c.store.AdoptLineID(m.Key(), ack.LineID) {
		return
	}
	c.persist.SaveLocal(ctx, c.store.Lines())
	if op.result.Line != nil {
		line := *op.result.Line
		line.LineID = ack.LineID
		op.result.Line = &line
	}
}

func (c *Coordinator) enqueue(ctx context.Context, m cart.Mutation) (enums.MutationOutcome, error) {
	if _, err := c.queue.Enqueue(ctx, m); err != nil {
		c.logg.Error(ctx, "mutation.enqueue_failed", err)
	}
	if c.deferred != nil && (c.probe == nil || c.probe.IsOnline()) {
		c.deferred()
	}
	return enums.MutationOutcomeQueued, nil
}

func reason(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.Message()
	}
	return err.Error()
}

func successMessage(kind enums.ActionKind) string {
	switch kind {
	case enums.ActionKindAdd:
		return "Added to cart"
	case enums.ActionKindUpdate:
		return "Cart updated"
	case enums.ActionKindRemove:
		return "Removed from cart"
	case enums.ActionKindClear:
		return "Cart cleared"
	}
	return "Cart saved"
}
