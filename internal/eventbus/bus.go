// Package eventbus fans job state changes out to observers such as the audit
// log and metrics without coupling them to the lifecycle code.
package eventbus

import (
	"slices"
	"sync"
	"time"
)

const (
	JobCreated = "job.created"
	JobPaused  = "job.paused"
	JobResumed = "job.resumed"
	JobStopped = "job.stopped"
	JobUpdated = "job.updated"
	JobFired   = "job.fired"
)

const defaultBuffer = 8

type Event struct {
	Type string
	Time time.Time
	Data any
}

// JobEvent is the payload of every job.* event.
type JobEvent struct {
	JobID    string `json:"job_id"`
	UserID   string `json:"user_id"`
	By       string `json:"by,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Quantity int    `json:"quantity,omitempty"`
	Success  bool   `json:"success,omitempty"`
}

// Bus delivers best effort: Publish never blocks, and a subscriber whose
// buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It runs no goroutines.
func New() Bus { return &memBus{} }

type memBus struct {
	// mu is read-held while sending so unsubscribe can close safely.
	mu   sync.RWMutex
	subs []chan Event
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch, sync.OnceFunc(func() { b.remove(ch) })
}

func (b *memBus) remove(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(c chan Event) bool { return c == ch })
	close(ch)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
