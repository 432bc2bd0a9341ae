package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeTaskSubmitted = "task.submitted"
	TypeTaskStarted   = "task.started"
	TypeTaskRetry     = "task.retry"
	TypeTaskFinished  = "task.finished"
	TypeTaskFailed    = "task.failed"
	TypeTaskRejected  = "task.rejected"
	TypeTaskPaused    = "task.paused"
	TypeTaskResumed   = "task.resumed"
	TypeTaskReport    = "task.report"
	TypeBatteryTier   = "battery.tier"
	TypeJobTriggered  = "job.triggered"
)

// Event is an in-process notification. Data holds the publisher's payload
// type (engine.TaskEvent, monitor.Report, battery.TierEvent, job name).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel and its cancel func. With types
	// given, only matching events are delivered; "task." matches every
	// task event.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{}
}

type subscriber struct {
	ch    chan Event
	types []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, t := range s.types {
		if t == typ || (strings.HasSuffix(t, ".") && strings.HasPrefix(typ, t)) {
			return true
		}
	}
	return false
}

type memBus struct {
	// Sends happen under the read lock; unsubscribe closes under the write
	// lock, so a send never hits a closed channel.
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, max(buffer, 1)), types: types}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, cur := range b.subs {
				if cur == s {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			close(s.ch)
		})
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
