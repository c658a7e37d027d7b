package idempotency

import (
	"context"
	"fmt"
	"time"
)

type replayer struct {
	scope    string
	recorder Recorder
}

func (r *replayer) replay(ctx context.Context, actionID string) string {
	alreadyProcessed, _ := r.recorder.CheckAndMarkProcessed(ctx, r.scope, actionID)
	if alreadyProcessed {
		return "already applied"
	}
	return "pushing action"
}

func ExampleMemory_CheckAndMarkProcessed() {
	ctx := context.Background()
	r := &replayer{scope: "cart-queue", recorder: NewMemory(7 * 24 * time.Hour)}
	actionID := "f47ac10b-58cc-4372-a567-0e02b2c3d479"

	fmt.Println(r.replay(ctx, actionID))
	fmt.Println(r.replay(ctx, actionID))
	// Output:
	// pushing action
	// already applied
}
