// Package breakpoint implements the single-shot pause/resume coordinator
// described in §4.J: a flow entering Paused blocks its pipeline task on a
// notifier keyed by flow ID until a controller resumes or aborts it.
package breakpoint

import (
	"context"
	"errors"
	"sync"

	"github.com/syrahproxy/syrah/internal/flow"
)

// ErrAborted is returned to the waiting pipeline task when the controller
// sends {abort} or disconnects, per §4.J and the BreakpointAborted error
// kind (§7).
var ErrAborted = errors.New("breakpoint: aborted by controller")

// Resolution is the verdict a controller supplies to resume a paused flow.
type Resolution struct {
	Aborted bool
	Patch   *Patch // nil for resume_unmodified
}

// Patch carries the fields a controller may mutate before resuming,
// covering both the request phase (Method/URL/Headers/Body) and the
// response phase (Status/Headers/Body).
type Patch struct {
	Method  *flow.Method
	URL     *string
	Status  *int
	Headers map[string]string
	Body    []byte
}

// HitEvent is published on the event bus when a flow pauses.
type HitEvent struct {
	FlowID string
	Phase  flow.Phase
}

// Coordinator tracks one pending notifier per paused flow.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]chan Resolution

	// OnHit, if set, is invoked synchronously from Pause before blocking,
	// the hook the event bus wires up to publish HitEvent.
	OnHit func(HitEvent)
}

// New builds an empty coordinator.
func New() *Coordinator {
	return &Coordinator{pending: map[string]chan Resolution{}}
}

// Pause registers flowID as paused, publishes the hit notification, and
// blocks until Resume/Abort is called for it or ctx is cancelled (the
// pipeline's cancellation path on session stop). Per §5, breakpoint pauses
// are exempt from read_timeout, so only ctx cancellation (session stop)
// unblocks this beyond an explicit resume.
func (c *Coordinator) Pause(ctx context.Context, flowID string, phase flow.Phase) (Resolution, error) {
	ch := make(chan Resolution, 1)
	c.mu.Lock()
	c.pending[flowID] = ch
	onHit := c.OnHit
	c.mu.Unlock()

	if onHit != nil {
		onHit(HitEvent{FlowID: flowID, Phase: phase})
	}

	select {
	case res := <-ch:
		if res.Aborted {
			return res, ErrAborted
		}
		return res, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, flowID)
		c.mu.Unlock()
		return Resolution{Aborted: true}, ErrAborted
	}
}

// Resume delivers a resolution to the flow's waiting Pause call. It is a
// no-op if flowID isn't currently paused (e.g. it already timed out or was
// resumed by a race).
func (c *Coordinator) Resume(flowID string, res Resolution) bool {
	c.mu.Lock()
	ch, ok := c.pending[flowID]
	if ok {
		delete(c.pending, flowID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// Abort is equivalent to Resume(flowID, Resolution{Aborted: true}),
// matching "cancelling or closing the controlling connection is
// equivalent to {abort}" in §4.J.
func (c *Coordinator) Abort(flowID string) bool {
	return c.Resume(flowID, Resolution{Aborted: true})
}

// IsPaused reports whether flowID currently has a pending breakpoint.
func (c *Coordinator) IsPaused(flowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[flowID]
	return ok
}

// AbortAll resolves every pending breakpoint as aborted, used on session
// stop to unblock every in-flight pipeline task per §5's cancellation
// policy.
func (c *Coordinator) AbortAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Abort(id)
	}
}
