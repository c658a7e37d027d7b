package enums

// MutationOutcome is how an optimistic mutation resolved.
type MutationOutcome string

const (
	// MutationOutcomeCommitted means the remote store acknowledged the change,
	// or the session is a guest and the change only lives locally.
	MutationOutcomeCommitted MutationOutcome = "committed"
	// MutationOutcomeQueued means the change stays applied locally and waits in the offline queue.
	MutationOutcomeQueued MutationOutcome = "queued"
	// MutationOutcomeRolledBack means the remote store rejected the change and it was reverted.
	MutationOutcomeRolledBack MutationOutcome = "rolled_back"
)

func (m MutationOutcome) String() string {
	return string(m)
}
