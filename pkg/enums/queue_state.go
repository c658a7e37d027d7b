package enums

// QueueState is the offline queue state machine. There is no failed state:
// a failed drain returns to idle with the remaining intents kept.
type QueueState string

const (
	QueueStateIdle     QueueState = "idle"
	QueueStateDraining QueueState = "draining"
)

func (q QueueState) String() string {
	return string(q)
}
