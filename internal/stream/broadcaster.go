package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/georgeji/record-observer/internal/models"
)

var (
	// ErrClosed is returned by Publish and Attach after Close.
	ErrClosed = errors.New("stream: broadcaster closed")
	// ErrSlowSubscriber ends a subscription whose queue overflowed.
	ErrSlowSubscriber = errors.New("stream: subscriber too slow")
)

// Broadcaster fans change events out to attached subscribers. It keeps no
// history: a subscriber sees only events published after it attaches.
type Broadcaster struct {
	logger     *zap.Logger
	bufferSize int

	subscribers sync.Map // map[string]*Subscription
	broadcast   chan []models.ChangeEvent

	mu        sync.RWMutex // guards sends on broadcast against Close
	closed    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
}

// NewBroadcaster starts the fan-out loop. bufferSize bounds both the publish
// queue and each subscriber's queue. A subscriber whose queue is full when an
// event arrives is dropped; the others keep receiving.
func NewBroadcaster(logger *zap.Logger, bufferSize int) *Broadcaster {
	if bufferSize < 1 {
		bufferSize = 1
	}
	b := &Broadcaster{
		logger:     logger,
		bufferSize: bufferSize,
		broadcast:  make(chan []models.ChangeEvent, bufferSize),
		closed:     make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	go b.broadcastLoop()
	return b
}

// Attach registers a subscriber. With no types it receives every event;
// otherwise only events of the listed types.
func (b *Broadcaster) Attach(types ...models.ChangeType) (*Subscription, error) {
	select {
	case <-b.closed:
		return nil, ErrClosed
	default:
	}

	sub := &Subscription{
		id:          uuid.NewString(),
		broadcaster: b,
		updates:     make(chan models.ChangeEvent, b.bufferSize),
		done:        make(chan struct{}),
	}
	if len(types) > 0 {
		sub.types = make(map[models.ChangeType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.subscribers.Store(sub.id, sub)
	select {
	case <-b.closed:
		sub.Close()
		return nil, ErrClosed
	default:
	}
	b.logger.Debug("subscriber attached",
		zap.String("subscriber_id", sub.id),
		zap.Int("types", len(types)),
	)
	return sub, nil
}

// Publish queues events for delivery in order. It blocks while the queue is
// full.
func (b *Broadcaster) Publish(ctx context.Context, events ...models.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	select {
	case b.broadcast <- events:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return ErrClosed
	}
}

// Count returns the number of attached subscribers.
func (b *Broadcaster) Count() int {
	count := 0
	b.subscribers.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// Close stops the loop and detaches every subscriber. Events still queued
// are discarded.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		close(b.broadcast)
		b.mu.Unlock()

		b.subscribers.Range(func(key, value interface{}) bool {
			value.(*Subscription).Close()
			return true
		})
		<-b.loopDone
	})
}

func (b *Broadcaster) broadcastLoop() {
	defer close(b.loopDone)

	for batch := range b.broadcast {
		for _, ev := range batch {
			b.subscribers.Range(func(key, value interface{}) bool {
				sub := value.(*Subscription)
				if !sub.wants(ev.Type()) || sub.deliver(ev) {
					return true
				}
				// 队列已满：踢掉慢订阅者，不阻塞其他人
				b.logger.Warn("subscriber queue full, dropping subscriber",
					zap.String("subscriber_id", sub.id),
					zap.Int("buffer_size", b.bufferSize),
				)
				sub.end(ErrSlowSubscriber)
				return true
			})
		}
	}
}

func (b *Broadcaster) detach(sub *Subscription) {
	if _, loaded := b.subscribers.LoadAndDelete(sub.id); loaded {
		b.logger.Debug("subscriber detached", zap.String("subscriber_id", sub.id))
	}
}

// Subscription is one attached subscriber.
type Subscription struct {
	id          string
	broadcaster *Broadcaster
	types       map[models.ChangeType]struct{}

	mu      sync.Mutex // serializes deliver against Close
	updates chan models.ChangeEvent
	closed  bool
	err     error

	done     chan struct{}
	doneOnce sync.Once
}

func (s *Subscription) ID() string { return s.id }

// C delivers events in publish order. It is closed when the subscription ends.
func (s *Subscription) C() <-chan models.ChangeEvent { return s.updates }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the broadcaster ended the subscription: ErrSlowSubscriber
// after an overflow, nil otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscriber. Other subscribers are unaffected.
func (s *Subscription) Close() {
	s.end(nil)
}

// end closes the subscription. Events already queued stay readable on C.
func (s *Subscription) end(err error) {
	s.doneOnce.Do(func() { close(s.done) })
	s.broadcaster.detach(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.err = err
		close(s.updates)
	}
}

func (s *Subscription) wants(t models.ChangeType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// deliver never blocks. It returns false only when the queue is full.
func (s *Subscription) deliver(ev models.ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.updates <- ev:
		return true
	default:
		return false
	}
}
