// Package eventbus streams flow snapshots and status updates to external
// subscribers per §4.K. Subscribers never block publishers: each
// subscriber has a capacity-1 "mailbox" per topic that coalesces to the
// latest value and counts drops under backpressure, adapted from the
// teacher's websocket Hub (internal/ws/websocket.go) and the backpressure
// semantics of its internal/queue package.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/syrahproxy/syrah/internal/flow"
)

// StatusSnapshot mirrors the status topic payload from §4.K.
type StatusSnapshot struct {
	IsRunning              bool
	Port                   int
	Address                string
	ActiveConnections      int64
	BytesRx                int64
	BytesTx                int64
	SSLInterceptionEnabled bool
	Error                  string
}

// FlowEventKind discriminates why a flows-topic event was published.
type FlowEventKind string

const (
	FlowCreated   FlowEventKind = "created"
	FlowUpdated   FlowEventKind = "updated"
	FlowFinalized FlowEventKind = "finalized"
)

// FlowEvent is one flows-topic publication.
type FlowEvent struct {
	Kind FlowEventKind
	Flow *flow.Flow
}

// subscriber is a single coalescing mailbox per topic: at most one
// outstanding value waits in each channel, and slow consumers just miss
// intermediate updates rather than blocking the publisher.
type subscriber struct {
	id       string
	flowsCh  chan FlowEvent
	statusCh chan StatusSnapshot
	dropped  int64 // atomic
}

// Bus fans out flows/status events to all current subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber

	// secondary, optional out-of-process transport (e.g. Redis pub/sub).
	secondary Publisher
}

// Publisher is implemented by optional secondary transports (the Redis
// publisher in internal/eventbus/redis.go) that mirror bus traffic outside
// this process.
type Publisher interface {
	PublishFlow(FlowEvent)
	PublishStatus(StatusSnapshot)
}

// New builds an empty bus. secondary may be nil.
func New(secondary Publisher) *Bus {
	return &Bus{subs: map[string]*subscriber{}, secondary: secondary}
}

// Subscribe registers a new subscriber and returns its id plus the two
// channels it should range over.
func (b *Bus) Subscribe() (id string, flows <-chan FlowEvent, status <-chan StatusSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscriber{
		id:       newSubID(len(b.subs)),
		flowsCh:  make(chan FlowEvent, 1),
		statusCh: make(chan StatusSnapshot, 1),
	}
	b.subs[sub.id] = sub
	return sub.id, sub.flowsCh, sub.statusCh
}

var subCounter int64

func newSubID(hint int) string {
	n := atomic.AddInt64(&subCounter, 1)
	return "sub-" + itoa64(n)
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Unsubscribe removes a subscriber and closes its channels.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.flowsCh)
	close(sub.statusCh)
}

// DroppedCount reports how many coalesced updates a subscriber has missed.
func (b *Bus) DroppedCount(id string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[id]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&sub.dropped)
}

// PublishFlow fans a flow-topic event out to all subscribers and the
// optional secondary transport. Within one connection, the pipeline calls
// this in request order, preserving the §4.H ordering guarantee: this
// function itself performs no reordering.
func (b *Bus) PublishFlow(evt FlowEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		coalesceFlow(sub, evt)
	}
	if b.secondary != nil {
		b.secondary.PublishFlow(evt)
	}
}

func coalesceFlow(sub *subscriber, evt FlowEvent) {
	select {
	case sub.flowsCh <- evt:
	default:
		// Mailbox full: drain the stale value then retry once so the
		// latest value always wins, counting the one we just discarded.
		select {
		case <-sub.flowsCh:
			atomic.AddInt64(&sub.dropped, 1)
		default:
		}
		select {
		case sub.flowsCh <- evt:
		default:
		}
	}
}

// PublishStatus is the status-topic equivalent of PublishFlow.
func (b *Bus) PublishStatus(snap StatusSnapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		coalesceStatus(sub, snap)
	}
	if b.secondary != nil {
		b.secondary.PublishStatus(snap)
	}
}

func coalesceStatus(sub *subscriber, snap StatusSnapshot) {
	select {
	case sub.statusCh <- snap:
	default:
		select {
		case <-sub.statusCh:
			atomic.AddInt64(&sub.dropped, 1)
		default:
		}
		select {
		case sub.statusCh <- snap:
		default:
		}
	}
}

// SubscriberCount reports the number of currently registered subscribers,
// for status reporting.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
