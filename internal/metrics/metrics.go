package metrics

import (
	"sync"
	"sync/atomic"
)

// Process-local engine counters. Kept simple/thread-safe for use from
// services and exposition; a scrape endpoint snapshots them.

type counterByKey struct {
	total uint64
	mu    sync.Mutex
	byKey map[string]uint64
}

func (c *counterByKey) inc(key string, n uint64) {
	if key == "" {
		key = "unknown"
	}
	atomic.AddUint64(&c.total, n)
	c.mu.Lock()
	if c.byKey == nil {
		c.byKey = make(map[string]uint64)
	}
	c.byKey[key] += n
	c.mu.Unlock()
}

func (c *counterByKey) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by := make(map[string]uint64, len(c.byKey))
	for k, v := range c.byKey {
		by[k] = v
	}
	return total, by
}

var (
	webhooks   counterByKey // by service; counts processed webhook requests
	polls      counterByKey // by service
	pollEvents counterByKey // by service ("webhook:"+service for webhooks); events created from polls and webhooks
	dispatches counterByKey // by outcome (ok, failed)
	executions counterByKey // by status
	rateLimit  counterByKey // by path prefix; HTTP 429 drops
)

// IncWebhook records one processed webhook request and how many events it
// enqueued.
func IncWebhook(service string, enqueued int) {
	webhooks.inc(service, 1)
	if enqueued > 0 {
		pollEvents.inc("webhook:"+service, uint64(enqueued))
	}
}

// IncPoll records one completed poll and the events it created.
func IncPoll(service string, eventsCreated int) {
	polls.inc(service, 1)
	if eventsCreated > 0 {
		pollEvents.inc(service, uint64(eventsCreated))
	}
}

// IncDispatch records one event dispatch outcome.
func IncDispatch(outcome string) {
	dispatches.inc(outcome, 1)
}

// IncExecution records one automation execution by final status.
func IncExecution(status string) {
	executions.inc(status, 1)
}

// IncRateLimitDrop increments drop counters for the given prefix. Use
// prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rateLimit.inc(prefix, 1)
}

// Snapshot returns a copy of every counter for exposition.
func Snapshot() map[string]any {
	out := map[string]any{}
	for name, c := range map[string]*counterByKey{
		"webhooks":         &webhooks,
		"polls":            &polls,
		"events_created":   &pollEvents,
		"dispatches":       &dispatches,
		"executions":       &executions,
		"rate_limit_drops": &rateLimit,
	} {
		total, by := c.snapshot()
		out[name] = map[string]any{"total": total, "by_key": by}
	}
	return out
}

// RateLimitSnapshot returns the 429 counters.
func RateLimitSnapshot() (uint64, map[string]uint64) {
	return rateLimit.snapshot()
}
