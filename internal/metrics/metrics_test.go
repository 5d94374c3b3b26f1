package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulate(t *testing.T) {
	IncWebhook("slack", 2)
	IncPoll("oura", 1)
	IncDispatch("ok")
	IncExecution("completed")
	IncRateLimitDrop("")

	snap := Snapshot()

	webhooks := snap["webhooks"].(map[string]any)
	assert.GreaterOrEqual(t, webhooks["total"].(uint64), uint64(1))
	byKey := webhooks["by_key"].(map[string]uint64)
	assert.GreaterOrEqual(t, byKey["slack"], uint64(1))

	total, by := RateLimitSnapshot()
	assert.GreaterOrEqual(t, total, uint64(1))
	assert.GreaterOrEqual(t, by["global"], uint64(1))
}

func TestSnapshotIsACopy(t *testing.T) {
	IncDispatch("ok")
	snap := Snapshot()
	dispatches := snap["dispatches"].(map[string]any)
	byKey := dispatches["by_key"].(map[string]uint64)
	before := byKey["ok"]

	// Mutating the snapshot does not touch the live counters.
	byKey["ok"] = 9999
	again := Snapshot()
	assert.NotEqual(t, uint64(9999), again["dispatches"].(map[string]any)["by_key"].(map[string]uint64)["ok"])
	_ = before
}
