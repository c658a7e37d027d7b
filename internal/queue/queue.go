package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/angelmondragon/packfinderz-cartsync/internal/cart"
	"github.com/angelmondragon/packfinderz-cartsync/internal/storage"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-cartsync/pkg/errors"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/idempotency"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/metrics"
)

const (
	// StorageKey holds the serialized queue in the durable medium.
	StorageKey = "cart:queue"

	// DefaultScope namespaces processed-action markers.
	DefaultScope = "cart-queue"

	documentVersion = 1
)

// PendingAction is one intent waiting to reach the remote store.
type PendingAction struct {
	ActionID   string           `json:"actionId"`
	Kind       enums.ActionKind `json:"kind"`
	Payload    cart.Mutation    `json:"payload"`
	EnqueuedAt time.Time        `json:"enqueuedAt"`
	Attempts   int              `json:"attempts"`
	LastError  string           `json:"lastError,omitempty"`
}

type document struct {
	Version int             `json:"version"`
	Actions []PendingAction `json:"actions"`
}

// PushFunc replays one intent against the remote store.
type PushFunc func(ctx context.Context, m cart.Mutation) error

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Replayed  int
	Dropped   []PendingAction
	Remaining int
	// Skipped is set when another drain was already running.
	Skipped bool
}

type Options struct {
	Medium   storage.Medium
	Recorder idempotency.Recorder
	Scope    string
	Logger   *logger.Logger
	Metrics  *metrics.CartMetrics
}

// Queue is the durable FIFO of intents that could not reach the remote store.
// Ordering is global across line keys.
type Queue struct {
	medium   storage.Medium
	recorder idempotency.Recorder
	scope    string
	logg     *logger.Logger
	metrics  *metrics.CartMetrics
	now      func() time.Time

	mu      sync.Mutex
	actions []PendingAction
	state   enums.QueueState
}

// New builds a queue and reloads any intents persisted by a previous run.
func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Medium == nil {
		return nil, errors.New("storage medium required")
	}
	if opts.Scope == "" {
		opts.Scope = DefaultScope
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	q := &Queue{
		medium:   opts.Medium,
		recorder: opts.Recorder,
		scope:    opts.Scope,
		logg:     opts.Logger,
		metrics:  opts.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
		actions:  []PendingAction{},
		state:    enums.QueueStateIdle,
	}
	q.load(ctx)
	q.metrics.SetQueueDepth(len(q.actions))
	return q, nil
}

// Enqueue appends an intent. It returns false when the action id is already
// queued or was already applied remotely.
func (q *Queue) Enqueue(ctx context.Context, m cart.Mutation) (bool, error) {
	if m.ActionID == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "action id is required")
	}
	if err := m.Validate(); err != nil {
		return false, err
	}
	if q.recorder != nil {
		processed, err := q.recorder.IsProcessed(ctx, q.scope, m.ActionID)
		if err != nil {
			q.logg.Warn(q.logg.WithField(ctx, "error", err.Error()), "queue.processed_lookup_failed")
		} else if processed {
			return false, nil
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, action := range q.actions {
		if action.ActionID == m.ActionID {
			return false, nil
		}
	}
	q.actions = append(q.actions, PendingAction{
		ActionID:   m.ActionID,
		Kind:       m.Kind,
		Payload:    m,
		EnqueuedAt: q.now(),
	})
	q.persistLocked(ctx)

	ctx = q.logg.WithFields(ctx, map[string]any{"action_id": m.ActionID, "kind": m.Kind.String(), "depth": len(q.actions)})
	q.logg.Info(ctx, "queue.enqueued")
	return true, nil
}

// Drain replays queued intents in FIFO order. A network failure stops the
// drain and keeps the failed intent at the head; any other failure drops the
// intent and continues. Intents enqueued during the drain are replayed by it.
func (q *Queue) Drain(ctx context.Context, push PushFunc) (result DrainResult, err error) {
	q.mu.Lock()
	if q.state == enums.QueueStateDraining {
		q.mu.Unlock()
		return DrainResult{Skipped: true}, nil
	}
	q.state = enums.QueueStateDraining
	q.mu.Unlock()

	start := time.Now()
	defer func() {
		q.mu.Lock()
		q.state = enums.QueueStateIdle
		result.Remaining = len(q.actions)
		q.mu.Unlock()
		q.metrics.ObserveDrain(time.Since(start))
	}()

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		head, ok := q.head()
		if !ok {
			return result, nil
		}
		actx := q.logg.WithActionID(ctx, head.ActionID)

		if q.alreadyApplied(actx, head) {
			q.remove(actx, head.ActionID)
			q.metrics.IncReplayed("duplicate")
			continue
		}

		err = push(ctx, head.Payload)
		switch {
		case err == nil:
			q.markProcessed(actx, head)
			q.remove(actx, head.ActionID)
			result.Replayed++
			q.metrics.IncReplayed("acked")

		case pkgerrors.IsNetwork(err):
			q.recordAttempt(actx, head.ActionID, err)
			q.metrics.IncReplayed("deferred")
			q.logg.Warn(q.logg.WithField(actx, "error", err.Error()), "queue.drain.deferred")
			return result, err

		default:
			q.remove(actx, head.ActionID)
			result.Dropped = append(result.Dropped, head)
			q.metrics.IncReplayed("dropped")
			q.logg.Warn(q.logg.WithField(actx, "error", err.Error()), "queue.drain.dropped")
		}
	}
}

func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

func (q *Queue) State() enums.QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Pending returns a copy of the queued intents in replay order.
func (q *Queue) Pending() []PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingAction, len(q.actions))
	copy(out, q.actions)
	return out
}

// Discard drops every queued intent and the durable copy.
func (q *Queue) Discard(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = []PendingAction{}
	if err := q.medium.Remove(ctx, StorageKey); err != nil {
		q.logg.Warn(q.logg.WithField(ctx, "error", err.Error()), "queue.discard_failed")
	}
	q.metrics.SetQueueDepth(0)
}

func (q *Queue) head() (PendingAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.actions) == 0 {
		return PendingAction{}, false
	}
	return q.actions[0], true
}

func (q *Queue) remove(ctx context.Context, actionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, action := range q.actions {
		if action.ActionID == actionID {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			q.persistLocked(ctx)
			return
		}
	}
}

func (q *Queue) recordAttempt(ctx context.Context, actionID string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.actions {
		if q.actions[i].ActionID == actionID {
			q.actions[i].Attempts++
			q.actions[i].LastError = err.Error()
			q.persistLocked(ctx)
			return
		}
	}
}

func (q *Queue) alreadyApplied(ctx context.Context, action PendingAction) bool {
	if q.recorder == nil {
		return false
	}
	processed, err := q.recorder.IsProcessed(ctx, q.scope, action.ActionID)
	if err != nil {
		q.logg.Warn(q.logg.WithField(ctx, "error", err.Error()), "queue.processed_lookup_failed")
		return false
	}
	return processed
}

func (q *Queue) markProcessed(ctx context.Context, action PendingAction) {
	if q.recorder == nil {
		return
	}
	if _, err := q.recorder.CheckAndMarkProcessed(ctx, q.scope, action.ActionID); err != nil {
		q.logg.Warn(q.logg.WithField(ctx, "error", err.Error()), "queue.mark_processed_failed")
	}
}

func (q *Queue) load(ctx context.Context) {
	raw, err := q.medium.Get(ctx, StorageKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			q.logg.Warn(q.logg.WithField(ctx, "error", err.Error()), "queue.load_failed")
		}
		return
	}
	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil || doc.Version != documentVersion {
		q.logg.Warn(q.logg.WithField(ctx, "version", doc.Version), "queue.load_corrupt")
		return
	}
	for _, action := range doc.Actions {
		if action.ActionID == "" || action.Payload.Validate() != nil {
			continue
		}
		q.actions = append(q.actions, action)
	}
	if len(q.actions) > 0 {
		q.logg.Info(q.logg.WithField(ctx, "depth", len(q.actions)), "queue.restored")
	}
}

func (q *Queue) persistLocked(ctx context.Context) {
	q.metrics.SetQueueDepth(len(q.actions))
	if len(q.actions) == 0 {
		if err := q.medium.Remove(ctx, StorageKey); err != nil {
			q.logg.Warn(q.logg.WithField(ctx, "error", err.Error()), "queue.persist_failed")
		}
		return
	}
	raw, err := json.Marshal(document{Version: documentVersion, Actions: q.actions})
	if err != nil {
		q.logg.Error(ctx, "queue.encode_failed", err)
		return
	}
	if err := q.medium.Set(ctx, StorageKey, string(raw)); err != nil {
		q.logg.Warn(q.logg.WithField(ctx, "error", err.Error()), "queue.persist_failed")
	}
}
