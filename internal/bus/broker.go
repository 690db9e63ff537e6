package bus

import (
	"context"
	"sync"

	"github.com/KevinKickass/ElectrometerCSC/internal/monitor"
	"go.uber.org/zap"
)

// Sink receives every published event, e.g. an external message queue.
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Broker fans events out to in-process subscribers and to sinks. A slow
// subscriber loses events instead of blocking the publisher.
type Broker struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[chan Event]map[string]bool
	sinks       []Sink
}

func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan Event]map[string]bool),
	}
}

func (b *Broker) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe returns a channel receiving the named events, or all events when
// names is empty.
func (b *Broker) Subscribe(buffer int, names ...string) <-chan Event {
	if buffer <= 0 {
		buffer = 100
	}

	var filter map[string]bool
	if len(names) > 0 {
		filter = make(map[string]bool, len(names))
		for _, n := range names {
			filter[n] = true
		}
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subscribers[ch] = filter
	count := len(b.subscribers)
	b.mu.Unlock()

	monitor.Subscribers.Set(float64(count))
	return ch
}

func (b *Broker) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub == ch {
			delete(b.subscribers, sub)
			close(sub)
			break
		}
	}
	monitor.Subscribers.Set(float64(len(b.subscribers)))
}

func (b *Broker) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	for ch, filter := range b.subscribers {
		if filter != nil && !filter[e.Name] {
			continue
		}
		select {
		case ch <- e:
		default:
			b.logger.Debug("Subscriber full, event dropped", zap.String("event", e.Name))
		}
	}
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, e); err != nil {
			b.logger.Warn("Sink publish failed", zap.String("event", e.Name), zap.Error(err))
		}
	}

	monitor.EventsPublished.WithLabelValues(e.Name).Inc()
}

// Close unsubscribes everyone and closes the sinks.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[chan Event]map[string]bool)
	monitor.Subscribers.Set(0)

	var firstErr error
	for _, s := range b.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.sinks = nil
	return firstErr
}
