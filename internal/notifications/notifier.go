package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-cartsync/pkg/enums"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
)

// Event is one user-facing cart message (toast).
type Event struct {
	ID       uuid.UUID              `json:"id"`
	Kind     enums.NotificationKind `json:"kind"`
	Message  string                 `json:"message"`
	ActionID string                 `json:"actionId,omitempty"`
	At       time.Time              `json:"at"`
}

func Success(actionID, message string) Event {
	return newEvent(enums.NotificationKindSuccess, actionID, message)
}

func Failure(actionID, message string) Event {
	return newEvent(enums.NotificationKindError, actionID, message)
}

func newEvent(kind enums.NotificationKind, actionID, message string) Event {
	return Event{
		ID:       uuid.New(),
		Kind:     kind,
		Message:  message,
		ActionID: actionID,
		At:       time.Now().UTC(),
	}
}

// Notifier delivers events to the user. Delivery never fails the caller.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Multi fans an event out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	logg *logger.Logger
}

func NewLogNotifier(logg *logger.Logger) *LogNotifier {
	return &LogNotifier{logg: logg}
}

func (l *LogNotifier) Notify(ctx context.Context, event Event) {
	if l == nil || l.logg == nil {
		return
	}
	ctx = l.logg.WithFields(ctx, map[string]any{
		"notification_kind": string(event.Kind),
		"notification":      event.Message,
		"action_id":         event.ActionID,
	})
	if event.Kind == enums.NotificationKindError {
		l.logg.Warn(ctx, "cart.notification")
		return
	}
	l.logg.Info(ctx, "cart.notification")
}
