// Package bus is the in-process publish-subscribe layer behind every live
// view. Subscribers are keyed by topic and each one receives its own
// ordered stream of events on a dedicated goroutine.
package bus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Unsubscribe cancels a subscription. It is safe to call more than once
// and from inside the subscriber's own callback.
type Unsubscribe func()

// Broker fans published values out to the subscribers of a topic.
type Broker[T any] struct {
	mu     sync.Mutex
	topics map[string]map[uint64]*subscription[T]
	nextID uint64
	closed bool
	log    zerolog.Logger
}

// NewBroker creates an empty broker.
func NewBroker[T any](log zerolog.Logger) *Broker[T] {
	return &Broker[T]{
		topics: make(map[string]map[uint64]*subscription[T]),
		log:    log,
	}
}

// Subscribe registers fn for every value published on topic after this
// call returns. Any initial values are queued ahead of published ones, so
// callers can seed a snapshot load into the same ordered stream.
func (b *Broker[T]) Subscribe(topic string, fn func(T), initial ...T) Unsubscribe {
	sub := newSubscription(fn, b.log.With().Str("topic", topic).Logger())

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	id := b.nextID
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uint64]*subscription[T])
		b.topics[topic] = subs
	}
	subs[id] = sub
	for _, v := range initial {
		sub.enqueue(v)
	}
	b.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.topics[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
			}
			b.mu.Unlock()
			sub.close()
		})
	}
}

// Publish queues v for every current subscriber of topic. It never blocks
// on a slow subscriber.
func (b *Broker[T]) Publish(topic string, v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.topics[topic] {
		sub.enqueue(v)
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Broker[T]) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Close cancels every subscription. Subscribe after Close returns a no-op
// subscription.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]map[uint64]*subscription[T])
	b.mu.Unlock()

	for _, subs := range topics {
		for _, sub := range subs {
			sub.close()
		}
	}
}

// subscription owns an unbounded FIFO queue drained by one goroutine.
type subscription[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool
	fn     func(T)
	log    zerolog.Logger
}

func newSubscription[T any](fn func(T), log zerolog.Logger) *subscription[T] {
	s := &subscription[T]{fn: fn, log: log}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscription[T]) enqueue(v T) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, v)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription[T]) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

// next blocks until a value is available. It reports false once the
// subscription is closed; the closed check and the dequeue happen under
// the same lock, so nothing is handed out after close.
func (s *subscription[T]) next() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		var zero T
		return zero, false
	}
	v := s.queue[0]
	var zero T
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return v, true
}

func (s *subscription[T]) run() {
	for {
		v, ok := s.next()
		if !ok {
			return
		}
		s.deliver(v)
	}
}

func (s *subscription[T]) deliver(v T) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("subscriber panicked")
		}
	}()
	s.fn(v)
}
