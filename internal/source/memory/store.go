package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/georgeji/record-observer/internal/models"
	"github.com/georgeji/record-observer/internal/source"
)

// Op names a Store call for failure injection and call accounting.
type Op string

const (
	OpAuthenticate Op = "authenticate"
	OpEnsureTopic  Op = "ensure_topic"
	OpListUpdated  Op = "list_updated"
	OpListDeleted  Op = "list_deleted"
	OpSubscribe    Op = "subscribe"
)

// Window is the [Start, End] range of one list call.
type Window struct {
	Start time.Time
	End   time.Time
}

type record struct {
	entity    string
	updatedAt time.Time
}

type tombstone struct {
	entity string
	rec    models.DeletedRecord
}

// Store is an in-process record store implementing source.Source. Record
// mutations notify live subscribers of the entity's topic.
type Store struct {
	mu sync.Mutex

	clock  clock.Clock
	logger *zap.Logger

	authenticated bool
	records       map[string]*record // id -> record
	tombstones    []tombstone
	topics        map[string]string // topic -> entity
	subs          map[string][]*subscription

	failures map[Op][]error
	delays   map[Op]time.Duration
	calls    map[Op]int
	windows  map[Op][]Window
}

var _ source.Source = (*Store)(nil)

// NewStore 创建内存存储
func NewStore(clk clock.Clock, logger *zap.Logger) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{
		clock:    clk,
		logger:   logger,
		records:  make(map[string]*record),
		topics:   make(map[string]string),
		subs:     make(map[string][]*subscription),
		failures: make(map[Op][]error),
		delays:   make(map[Op]time.Duration),
		calls:    make(map[Op]int),
		windows:  make(map[Op][]Window),
	}
}

// Create inserts a record and notifies live subscribers.
func (s *Store) Create(entity, id string) error {
	s.mu.Lock()
	if _, ok := s.records[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("record %s already exists", id)
	}
	s.records[id] = &record{entity: entity, updatedAt: s.clock.Now()}
	s.mu.Unlock()

	s.notify(entity, "created", id)
	return nil
}

// Update touches a record's modification time.
func (s *Store) Update(entity, id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.entity != entity {
		s.mu.Unlock()
		return fmt.Errorf("record %s not found", id)
	}
	rec.updatedAt = s.clock.Now()
	s.mu.Unlock()

	s.notify(entity, "updated", id)
	return nil
}

// Delete removes a record and leaves a tombstone.
func (s *Store) Delete(entity, id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.entity != entity {
		s.mu.Unlock()
		return fmt.Errorf("record %s not found", id)
	}
	delete(s.records, id)
	s.tombstones = append(s.tombstones, tombstone{
		entity: entity,
		rec:    models.DeletedRecord{ID: id, DeletedAt: s.clock.Now()},
	})
	s.mu.Unlock()

	s.notify(entity, "deleted", id)
	return nil
}

// FailNext makes the next len(errs) calls of op fail with the given errors.
func (s *Store) FailNext(op Op, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// SetDelay makes every call of op block for d or until its context ends.
func (s *Store) SetDelay(op Op, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[op] = d
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Windows returns the scan windows requested for a list op.
func (s *Store) Windows(op Op) []Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Window(nil), s.windows[op]...)
}

// Topics returns the names of provisioned topics.
func (s *Store) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.topics))
	for name := range s.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropSubscriptions ends every live subscription on topic with err.
func (s *Store) DropSubscriptions(topic string, err error) {
	s.mu.Lock()
	subs := s.subs[topic]
	delete(s.subs, topic)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.end(err)
	}
}

func (s *Store) Authenticate(ctx context.Context) error {
	if err := s.enter(ctx, OpAuthenticate); err != nil {
		return err
	}
	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
	return nil
}

func (s *Store) EnsureChangeTopic(ctx context.Context, topic, entityName string) (source.TopicStatus, error) {
	if err := s.enter(ctx, OpEnsureTopic); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authenticated {
		return 0, source.ErrNotAuthenticated
	}
	if _, ok := s.topics[topic]; ok {
		return source.TopicAlreadyExists, nil
	}
	s.topics[topic] = entityName
	return source.TopicCreated, nil
}

func (s *Store) ListUpdated(ctx context.Context, entityName string, start, end time.Time) (*source.UpdatedResult, error) {
	if err := s.enter(ctx, OpListUpdated); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authenticated {
		return nil, source.ErrNotAuthenticated
	}
	s.windows[OpListUpdated] = append(s.windows[OpListUpdated], Window{Start: start, End: end})

	ids := make([]string, 0)
	for id, rec := range s.records {
		if rec.entity == entityName && inWindow(rec.updatedAt, start, end) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return &source.UpdatedResult{IDs: ids, LatestDateCovered: s.clock.Now()}, nil
}

func (s *Store) ListDeleted(ctx context.Context, entityName string, start, end time.Time) (*source.DeletedResult, error) {
	if err := s.enter(ctx, OpListDeleted); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authenticated {
		return nil, source.ErrNotAuthenticated
	}
	s.windows[OpListDeleted] = append(s.windows[OpListDeleted], Window{Start: start, End: end})

	recs := make([]models.DeletedRecord, 0)
	for _, ts := range s.tombstones {
		if ts.entity == entityName && inWindow(ts.rec.DeletedAt, start, end) {
			recs = append(recs, ts.rec)
		}
	}
	return &source.DeletedResult{Records: recs, LatestDateCovered: s.clock.Now()}, nil
}

func (s *Store) SubscribeLive(ctx context.Context, topic string, onMessage func(source.Message)) (source.Subscription, error) {
	if err := s.enter(ctx, OpSubscribe); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authenticated {
		return nil, source.ErrNotAuthenticated
	}
	if _, ok := s.topics[topic]; !ok {
		return nil, fmt.Errorf("topic %s not found", topic)
	}

	sub := &subscription{
		store:     s,
		topic:     topic,
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
	s.subs[topic] = append(s.subs[topic], sub)
	return sub, nil
}

// enter counts the call, applies an injected delay and pops an injected failure.
func (s *Store) enter(ctx context.Context, op Op) error {
	s.mu.Lock()
	s.calls[op]++
	delay := s.delays[op]
	var err error
	if q := s.failures[op]; len(q) > 0 {
		err = q[0]
		s.failures[op] = q[1:]
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (s *Store) notify(entity, event, id string) {
	s.mu.Lock()
	var targets []*subscription
	for topic, e := range s.topics {
		if e == entity {
			targets = append(targets, s.subs[topic]...)
		}
	}
	s.mu.Unlock()

	msg := source.Message(fmt.Sprintf(`{"event":{"type":%q},"sobject":{"Id":%q}}`, event, id))
	for _, sub := range targets {
		go sub.deliver(msg) // 异步通知，避免阻塞
	}
}

func (s *Store) remove(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[sub.topic]
	for i, cur := range subs {
		if cur == sub {
			s.subs[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

type subscription struct {
	store     *Store
	topic     string
	onMessage func(source.Message)

	once sync.Once
	mu   sync.Mutex
	err  error
	done chan struct{}
}

func (s *subscription) deliver(msg source.Message) {
	select {
	case <-s.done:
		return
	default:
	}
	s.onMessage(msg)
}

func (s *subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.store.logger != nil {
			s.store.logger.Debug("memory subscription ended",
				zap.String("topic", s.topic),
				zap.Error(err),
			)
		}
	})
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.store.remove(s)
	s.end(nil)
	return nil
}

// ErrDropped is a convenience error for DropSubscriptions.
var ErrDropped = errors.New("memory: subscription dropped")
