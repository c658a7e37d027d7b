package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/angelmondragon/packfinderz-cartsync/internal/cart"
	"github.com/angelmondragon/packfinderz-cartsync/internal/connectivity"
	"github.com/angelmondragon/packfinderz-cartsync/internal/coordinator"
	"github.com/angelmondragon/packfinderz-cartsync/internal/identity"
	"github.com/angelmondragon/packfinderz-cartsync/internal/merge"
	"github.com/angelmondragon/packfinderz-cartsync/internal/notifications"
	"github.com/angelmondragon/packfinderz-cartsync/internal/queue"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-cartsync/pkg/errors"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/idempotency"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/metrics"
)

const dispatchScope = "cart-dispatch"

// Persistence is everything the engine needs from the persistence adapter.
type Persistence interface {
	coordinator.Persistence
	merge.Persistence
}

type Options struct {
	Store       *cart.Store
	Persistence Persistence
	Queue       *queue.Queue
	Probe       connectivity.Probe
	Session     *identity.Session
	Parser      *identity.Parser
	Latch       merge.Latch
	// Recorder rejects a second dispatch of the same action id. Optional.
	Recorder idempotency.Recorder
	Notifier notifications.Notifier
	Logger   *logger.Logger
	Metrics  *metrics.CartMetrics
	// RetryBackoff and RetryMaxBackoff pace the background drain that runs
	// after a push failed on the network while the device looked online.
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
}

// Engine composes the cart store, persistence, offline queue, coordinator
// and merger into one cart per session.
type Engine struct {
	store    *cart.Store
	persist  Persistence
	queue    *queue.Queue
	probe    connectivity.Probe
	session  *identity.Session
	parser   *identity.Parser
	coord    *coordinator.Coordinator
	merger   *merge.Merger
	recorder idempotency.Recorder
	notifier notifications.Notifier
	logg     *logger.Logger

	// mu is held shared by mutations and exclusively by session transitions
	// and reconciles that replace the store wholesale.
	mu sync.RWMutex

	retryBase time.Duration
	retryMax  time.Duration

	lifecycle   sync.Mutex
	started     bool
	closed      bool
	retrying    bool
	baseCtx     context.Context
	stopRetry   context.CancelFunc
	unsubscribe func()
	background  sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("cart store required")
	case opts.Persistence == nil:
		return nil, errors.New("persistence adapter required")
	case opts.Queue == nil:
		return nil, errors.New("offline queue required")
	case opts.Session == nil:
		return nil, errors.New("session required")
	case opts.Parser == nil:
		return nil, errors.New("identity parser required")
	}
	if opts.Probe == nil {
		opts.Probe = connectivity.NewManual(true)
	}
	if opts.Notifier == nil {
		opts.Notifier = notifications.Multi{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.RetryMaxBackoff < opts.RetryBackoff {
		opts.RetryMaxBackoff = time.Minute
		if opts.RetryMaxBackoff < opts.RetryBackoff {
			opts.RetryMaxBackoff = opts.RetryBackoff
		}
	}

	baseCtx, stopRetry := context.WithCancel(context.Background())
	e := &Engine{
		store:     opts.Store,
		persist:   opts.Persistence,
		queue:     opts.Queue,
		probe:     opts.Probe,
		session:   opts.Session,
		parser:    opts.Parser,
		recorder:  opts.Recorder,
		notifier:  opts.Notifier,
		logg:      opts.Logger,
		retryBase: opts.RetryBackoff,
		retryMax:  opts.RetryMaxBackoff,
		baseCtx:   baseCtx,
		stopRetry: stopRetry,
	}

	coord, err := coordinator.New(coordinator.Options{
		Store:       opts.Store,
		Persistence: opts.Persistence,
		Queue:       opts.Queue,
		Probe:       opts.Probe,
		Session:     opts.Session,
		Notifier:    opts.Notifier,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		OnDeferred:  e.scheduleRetry,
	})
	if err != nil {
		return nil, err
	}
	merger, err := merge.New(merge.Options{
		Store:       opts.Store,
		Persistence: opts.Persistence,
		Latch:       opts.Latch,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	e.coord = coord
	e.merger = merger
	return e, nil
}

// Start restores the durable cart, follows connectivity and replays any
// intents left by a previous run.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	if e.started {
		e.lifecycle.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.stopRetry()
	e.baseCtx, e.stopRetry = context.WithCancel(context.WithoutCancel(ctx))
	e.unsubscribe = e.probe.OnChange(e.onConnectivity)
	e.lifecycle.Unlock()

	if lines, ok := e.persist.LoadLocal(ctx); ok {
		e.store.Replace(lines)
		e.logg.Info(e.logg.WithField(ctx, "lines", len(lines)), "cart.restored")
	}

	if e.probe.IsOnline() && !e.queue.IsEmpty() {
		if _, err := e.Drain(ctx); err != nil && !pkgerrors.IsNetwork(err) {
			return err
		}
	}
	return nil
}

// AddInput describes an add request. PriceOverride replaces UnitPrice when set.
type AddInput struct {
	ProductID     string
	VariantID     string
	Quantity      int
	UnitPrice     decimal.Decimal
	PriceOverride *decimal.Decimal
}

func (e *Engine) Add(ctx context.Context, in AddInput) (*coordinator.Operation, error) {
	price := in.UnitPrice
	if in.PriceOverride != nil {
		price = *in.PriceOverride
	}
	return e.Dispatch(ctx, cart.AddMutation(in.ProductID, in.VariantID, in.Quantity, price))
}

// SetQuantity overwrites a line quantity; zero or less removes the line.
func (e *Engine) SetQuantity(ctx context.Context, ref cart.LineRef, quantity int) (*coordinator.Operation, error) {
	return e.Dispatch(ctx, cart.UpdateMutation(ref, quantity))
}

func (e *Engine) Remove(ctx context.Context, ref cart.LineRef) (*coordinator.Operation, error) {
	return e.Dispatch(ctx, cart.RemoveMutation(ref))
}

func (e *Engine) Clear(ctx context.Context) (*coordinator.Operation, error) {
	return e.Dispatch(ctx, cart.ClearMutation())
}

// Dispatch applies any mutation through the coordinator. Callers that carry
// their own action id (an Idempotency-Key, a replayed intent) set it on m.
func (e *Engine) Dispatch(ctx context.Context, m cart.Mutation) (*coordinator.Operation, error) {
	if m.ActionID == "" {
		m.ActionID = uuid.NewString()
	}
	if e.recorder != nil {
		seen, err := e.recorder.CheckAndMarkProcessed(ctx, dispatchScope, m.ActionID)
		if err != nil {
			return nil, err
		}
		if seen {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "action already dispatched").
				WithDetails(map[string]any{"actionId": m.ActionID})
		}
	}

	e.mu.RLock()
	op, err := e.coord.Dispatch(e.logg.WithSessionID(ctx, e.session.ID()), m)
	e.mu.RUnlock()
	if err != nil && e.recorder != nil {
		// Nothing was applied, so the same action id may be retried.
		if derr := e.recorder.Delete(ctx, dispatchScope, m.ActionID); derr != nil {
			e.logg.Warn(e.logg.WithField(ctx, "error", derr.Error()), "cart.dispatch.unmark_failed")
		}
	}
	return op, err
}

// View is a read-only picture of the cart and its sync state.
type View struct {
	SessionID     string           `json:"sessionId"`
	Authenticated bool             `json:"authenticated"`
	Online        bool             `json:"online"`
	Lines         []cart.Line      `json:"lines"`
	Totals        cart.Totals      `json:"totals"`
	Pending       int              `json:"pending"`
	QueueState    enums.QueueState `json:"queueState"`
}

func (e *Engine) View() View {
	return View{
		SessionID:     e.session.ID(),
		Authenticated: e.session.Authenticated(),
		Online:        e.probe.IsOnline(),
		Lines:         e.store.Lines(),
		Totals:        e.store.Totals(),
		Pending:       e.queue.Size(),
		QueueState:    e.queue.State(),
	}
}

// Pending lists the intents waiting in the offline queue.
func (e *Engine) Pending() []queue.PendingAction {
	return e.queue.Pending()
}

// SignIn authenticates the session, merges the guest cart into the user's
// remote cart and replays anything queued. A failed merge leaves the session
// a guest with its cart intact.
func (e *Engine) SignIn(ctx context.Context, token string) (merge.Result, error) {
	id, err := e.parser.Parse(token)
	if err != nil {
		return merge.Result{}, err
	}

	res, err := e.transition(ctx, id)
	if err != nil {
		return merge.Result{}, err
	}

	if _, err := e.Drain(ctx); err != nil && !pkgerrors.IsNetwork(err) {
		e.logg.Warn(e.logg.WithField(ctx, "error", err.Error()), "session.sign_in.drain_failed")
	}
	return res, nil
}

func (e *Engine) transition(ctx context.Context, id identity.Identity) (merge.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.coord.Idle(ctx); err != nil {
		return merge.Result{}, err
	}

	if current, ok := e.session.Identity(); ok {
		if current.UserID == id.UserID {
			e.session.SignIn(id)
			return merge.Result{Skipped: true, Lines: e.store.Lines()}, nil
		}
		// A different user: the previous user's cart never merges into theirs.
		if err := e.signOutLocked(ctx); err != nil {
			e.logg.Warn(e.logg.WithField(ctx, "error", err.Error()), "session.switch.sign_out_failed")
		}
	}

	e.session.SignIn(id)
	ctx = e.logg.WithSessionID(ctx, id.UserID)
	res, err := e.merger.Merge(ctx, e.session.TransitionKey())
	if err != nil {
		e.session.ResumeGuest()
		e.notifier.Notify(ctx, notifications.Failure("", "Could not merge your cart, please try again"))
		return merge.Result{}, err
	}
	if res.GuestLines > 0 {
		e.notifier.Notify(ctx, notifications.Success("", "Cart merged"))
	}
	e.logg.Info(ctx, "session.signed_in")
	return res, nil
}

// SignOut replays what it can, then forgets the queue, the durable copy and
// the identity. The store restarts as an empty guest cart.
func (e *Engine) SignOut(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signOutLocked(ctx)
}

func (e *Engine) signOutLocked(ctx context.Context) error {
	var errs error
	errs = multierr.Append(errs, e.coord.Idle(ctx))
	if e.session.Authenticated() && e.probe.IsOnline() && !e.queue.IsEmpty() {
		res, err := e.queue.Drain(ctx, e.coord.Replay)
		errs = multierr.Append(errs, err)
		if res.Remaining > 0 {
			e.logg.Warn(e.logg.WithField(ctx, "remaining", res.Remaining), "session.sign_out.queue_discarded")
		}
	}

	e.queue.Discard(ctx)
	e.persist.DiscardLocal(ctx)
	e.store.Replace(nil)
	e.session.SignOut()
	e.logg.Info(ctx, "session.signed_out")
	return errs
}

// Drain replays the offline queue. Intents the remote store rejected are
// reported and the cart is reloaded from the remote store.
func (e *Engine) Drain(ctx context.Context) (queue.DrainResult, error) {
	if !e.session.Authenticated() {
		return queue.DrainResult{Remaining: e.queue.Size()}, nil
	}
	if !e.probe.IsOnline() {
		return queue.DrainResult{Remaining: e.queue.Size()},
			pkgerrors.New(pkgerrors.CodeNetwork, "cart service unreachable")
	}

	res, err := e.queue.Drain(ctx, e.coord.Replay)
	if res.Skipped {
		return res, err
	}
	if res.Replayed > 0 {
		e.notifier.Notify(ctx, notifications.Success("", "Offline changes synced"))
	}
	for _, dropped := range res.Dropped {
		e.notifier.Notify(ctx, notifications.Failure(dropped.ActionID, "A change made offline was rejected"))
	}
	if len(res.Dropped) > 0 && res.Remaining == 0 {
		if rerr := e.reconcile(ctx); rerr != nil {
			err = multierr.Append(err, rerr)
		}
	}
	return res, err
}

// reconcile replaces the store with the remote cart after rejected replays,
// since their optimistic effects are still applied locally.
func (e *Engine) reconcile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.coord.Idle(ctx); err != nil {
		return err
	}
	lines, err := e.persist.FetchRemote(ctx)
	if err != nil {
		return err
	}
	e.store.Replace(lines)
	e.persist.SaveLocal(ctx, e.store.Lines())
	e.logg.Info(e.logg.WithField(ctx, "lines", len(lines)), "cart.reconciled")
	return nil
}

func (e *Engine) onConnectivity(online bool) {
	e.lifecycle.Lock()
	ctx := e.baseCtx
	e.lifecycle.Unlock()

	e.logg.Info(e.logg.WithField(ctx, "online", online), "connectivity.changed")
	if !online {
		return
	}
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		if _, err := e.Drain(ctx); err != nil {
			e.logg.Warn(e.logg.WithField(ctx, "error", err.Error()), "connectivity.drain_failed")
		}
	}()
}

// scheduleRetry starts the background drain loop unless one is running.
func (e *Engine) scheduleRetry() {
	e.lifecycle.Lock()
	if e.retrying || e.closed {
		e.lifecycle.Unlock()
		return
	}
	e.retrying = true
	ctx := e.baseCtx
	e.background.Add(1)
	e.lifecycle.Unlock()

	go func() {
		defer e.background.Done()
		e.retryDrain(ctx)

		e.lifecycle.Lock()
		e.retrying = false
		e.lifecycle.Unlock()

		// A push may have been deferred while the loop was finishing.
		if ctx.Err() == nil && e.needsDrain() {
			e.scheduleRetry()
		}
	}()
}

// retryDrain drains the queue with capped exponential backoff until it is
// empty, the device goes offline or the session ends. Reconnects are left
// to onConnectivity.
func (e *Engine) retryDrain(ctx context.Context) {
	backoff := retry.WithCappedDuration(e.retryMax, retry.NewExponential(e.retryBase))
	for {
		wait, stop := backoff.Next()
		if stop {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !e.needsDrain() {
			return
		}
		res, err := e.Drain(ctx)
		if err != nil {
			e.logg.Warn(e.logg.WithFields(ctx, map[string]any{
				"error":     err.Error(),
				"remaining": res.Remaining,
				"wait":      wait.String(),
			}), "queue.retry.failed")
			continue
		}
		if !res.Skipped && res.Remaining == 0 {
			return
		}
	}
}

func (e *Engine) needsDrain() bool {
	return e.session.Authenticated() && e.probe.IsOnline() && !e.queue.IsEmpty()
}

// Close stops following connectivity and cancels background drains. It
// waits for in-flight pushes, then saves the cart one last time.
func (e *Engine) Close(ctx context.Context) error {
	e.lifecycle.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.closed = true
	e.stopRetry()
	e.lifecycle.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		e.background.Wait()
		close(done)
	}()
	var errs error
	select {
	case <-done:
		errs = multierr.Append(errs, e.coord.Idle(ctx))
	case <-ctx.Done():
		errs = multierr.Append(errs, ctx.Err())
	}

	e.persist.SaveLocal(context.WithoutCancel(ctx), e.store.Lines())
	return errs
}
