package alert

import (
	"sync"

	"go.uber.org/zap"
)

// Bus fans alerts out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the alert.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Alert
	nextID int
	sinks  []Publisher
	logger *zap.Logger
}

// NewBus creates a bus. Sinks receive every alert synchronously before
// subscribers, e.g. to persist them.
func NewBus(logger *zap.Logger, sinks ...Publisher) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int]chan Alert),
		sinks:  sinks,
		logger: logger,
	}
}

// Publish delivers a to every sink and subscriber.
func (b *Bus) Publish(a Alert) {
	b.logger.Info("alert",
		zap.String("test_id", a.TestID),
		zap.Stringer("type", a.Type),
		zap.Stringer("severity", a.Severity),
		zap.String("message", a.Message),
	)

	for _, s := range b.sinks {
		s.Publish(a)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- a:
		default:
			b.logger.Warn("alert subscriber is lagging, dropping alert", zap.Int("subscriber", id))
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. The
// returned cancel func unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Alert, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Alert, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
