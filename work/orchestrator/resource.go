package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/metrics"
)

// slotWaiter is one queued Acquire call. Its grant channel is closed when
// the slot transfers to it.
type slotWaiter struct {
	channelID string
	grant     chan struct{}
}

// ResourceMonitor caps the number of concurrently running transcoder
// processes. Every slot is held by a named channel id, so leaks are
// attributable, and waiters are granted strictly in arrival order; a
// semaphore alone would let late arrivals barge ahead under contention.
type ResourceMonitor struct {
	mu      sync.Mutex
	max     int
	active  int
	held    map[string]struct{}
	waiters []*slotWaiter
}

// NewResourceMonitor creates a monitor with the given capacity. Values
// below one are clamped to one: zero capacity would deadlock every spawn.
func NewResourceMonitor(maxConcurrent int) *ResourceMonitor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ResourceMonitor{
		max:  maxConcurrent,
		held: make(map[string]struct{}),
	}
}

// Acquire blocks until a slot is free and assigns it to channelID, honoring
// arrival order among concurrent callers. ctx abandons the wait.
//
// Parameters:
//   - ctx: bounds the wait
//   - channelID: the owner to record for the slot
//
// Returns:
//   - error: ctx error on abandonment, or a protocol violation when the
//     channel already holds a slot
func (r *ResourceMonitor) Acquire(ctx context.Context, channelID string) error {
	start := time.Now()

	r.mu.Lock()
	if _, holds := r.held[channelID]; holds {
		r.mu.Unlock()
		return fmt.Errorf("channel %s already holds a transcoder slot", channelID)
	}
	if r.active < r.max && len(r.waiters) == 0 {
		r.active++
		r.held[channelID] = struct{}{}
		r.mu.Unlock()
		metrics.SlotWaitSeconds.Observe(time.Since(start).Seconds())
		return nil
	}
	w := &slotWaiter{channelID: channelID, grant: make(chan struct{})}
	r.waiters = append(r.waiters, w)
	r.mu.Unlock()

	logger.Debug("{orchestrator/resource - Acquire} channel %s waiting for a slot (%d active, %d queued)", channelID, r.Active(), r.Waiting())

	select {
	case <-w.grant:
		metrics.SlotWaitSeconds.Observe(time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		for i, queued := range r.waiters {
			if queued == w {
				r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
				r.mu.Unlock()
				return ctx.Err()
			}
		}
		r.mu.Unlock()
		// The grant raced our cancellation and the slot is already ours;
		// hand it to the next waiter instead of leaking it.
		r.Release(channelID)
		return ctx.Err()
	}
}

// Release frees channelID's slot, handing it to the oldest waiter if one is
// queued. Releasing a slot the channel does not hold is logged and ignored;
// callers guard their release with a sync.Once so this only fires on bugs.
func (r *ResourceMonitor) Release(channelID string) {
	r.mu.Lock()
	if _, holds := r.held[channelID]; !holds {
		r.mu.Unlock()
		logger.Warn("{orchestrator/resource - Release} channel %s released a slot it does not hold", channelID)
		return
	}
	delete(r.held, channelID)

	if len(r.waiters) > 0 {
		next := r.waiters[0]
		r.waiters = r.waiters[1:]
		r.held[next.channelID] = struct{}{}
		close(next.grant)
		r.mu.Unlock()
		return
	}

	r.active--
	r.mu.Unlock()
}

// Active returns how many slots are currently held.
func (r *ResourceMonitor) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Capacity returns the configured slot limit.
func (r *ResourceMonitor) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.max
}

// Waiting returns how many Acquire calls are queued.
func (r *ResourceMonitor) Waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Holders returns the channel ids currently holding slots, sorted.
func (r *ResourceMonitor) Holders() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.held))
	for id := range r.held {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}
