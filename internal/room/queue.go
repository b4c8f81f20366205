package room

import (
	"context"
	"errors"
	"sync"
)

// Queue carries chat and presence events out of the live path so they can be
// archived or inspected without touching room state. Implementations must
// never block a publisher for long.
type Queue interface {
	Publish(ctx context.Context, event ArchiveEvent) error
	Subscribe() Subscription
}

// Subscription is an active archive event stream.
type Subscription interface {
	Events() <-chan ArchiveEvent
	Close()
}

// NewMemoryQueue initialises an in-process fan-out queue used for
// single-server deployments and tests.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, event ArchiveEvent) error {
	if event.Kind == "" {
		return errors.New("event kind is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking so a slow archiver cannot stall
			// the room.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan ArchiveEvent, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan ArchiveEvent
}

func (s *memorySubscription) Events() <-chan ArchiveEvent {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
