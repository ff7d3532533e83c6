package logging

import (
	"container/ring"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// BufferSize is the number of rendered log lines kept in memory for
// late-joining subscribers.
const BufferSize = 500

var (
	broadcaster   *Broadcaster
	broadcastOnce sync.Once
)

// Broadcaster captures rendered log lines, buffers the most recent ones, and
// fans them out to subscribers (the ops log stream).
type Broadcaster struct {
	mu          sync.RWMutex
	buffer      *ring.Ring
	subscribers map[string]chan string
	dropped     atomic.Int64
}

// NewBroadcaster returns a standalone broadcaster. Most callers want the
// process-wide one from GetBroadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		buffer:      ring.New(BufferSize),
		subscribers: make(map[string]chan string),
	}
}

// GetBroadcaster returns the singleton broadcaster instance.
func GetBroadcaster() *Broadcaster {
	broadcastOnce.Do(func() {
		broadcaster = NewBroadcaster()
	})
	return broadcaster
}

// Write implements io.Writer. Slow subscribers never block the logger; their
// lines are dropped and counted instead.
func (b *Broadcaster) Write(p []byte) (int, error) {
	line := string(p)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.buffer.Value = line
	b.buffer = b.buffer.Next()

	for _, ch := range b.subscribers {
		select {
		case ch <- line:
		default:
			b.dropped.Add(1)
		}
	}
	return len(p), nil
}

// Subscribe registers a consumer and returns its id, a line channel, and a
// snapshot of buffered history.
func (b *Broadcaster) Subscribe() (string, chan string, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan string, 256)
	b.subscribers[id] = ch
	return id, ch, b.historyLocked()
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// History returns the buffered log lines, oldest first.
func (b *Broadcaster) History() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.historyLocked()
}

// Dropped reports how many lines were discarded due to slow subscribers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Shutdown disconnects every subscriber.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

func (b *Broadcaster) historyLocked() []string {
	history := make([]string, 0, BufferSize)
	b.buffer.Do(func(v interface{}) {
		if v != nil {
			history = append(history, v.(string))
		}
	})
	return history
}
