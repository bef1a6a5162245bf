// Package eventbus is an in-process fanout for engine signals (sweeps,
// notifications, tenant edits). Publishing never blocks; a subscriber that
// falls behind loses events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"pingall/internal/model"
)

// Event types.
const (
	SweepStarted   = "sweep.started"
	SweepFinished  = "sweep.finished"
	Notified       = "notify.sent"
	DispatchFailed = "notify.failed"
	TenantChanged  = "tenant.changed"
	ConfigApplied  = "config.applied"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// SweepInfo is the Data of SweepStarted and SweepFinished.
type SweepInfo struct {
	ID            string
	Tenants       int
	Channels      int
	Fetches       int
	Misses        int
	Notifications int
	Failures      int
	Took          time.Duration
}

// NotifyInfo is the Data of Notified and DispatchFailed.
type NotifyInfo struct {
	Tenant  model.TenantID
	Channel string
	URL     string
	Err     string
}

// TenantInfo is the Data of TenantChanged.
type TenantInfo struct {
	Tenant model.TenantID
	Action string
	Target string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns a bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock is cheap and keeps
	// unsubscribe (which closes under the write lock) from racing a send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
