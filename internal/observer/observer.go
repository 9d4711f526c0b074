package observer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/georgeji/record-observer/internal/models"
	"github.com/georgeji/record-observer/internal/source"
	"github.com/georgeji/record-observer/internal/stream"
	"github.com/georgeji/record-observer/internal/watermark"
)

// Observer watches one entity type on a remote store and publishes a single
// change stream. Live pings and the poll timer both feed one trigger queue
// drained by a single worker, so reconciliation cycles never overlap.
type Observer struct {
	cfg    Config
	src    source.Source
	logger *zap.Logger
	topic  string

	tracker     *watermark.Tracker
	broadcaster *stream.Broadcaster
	debouncer   *Debouncer

	triggers chan struct{}
	errs     chan error

	reconcileMu sync.Mutex
	updates     *channelState
	deletes     *channelState

	startMu sync.Mutex // serializes Observe and Stop
	started atomic.Bool
	stopped atomic.Bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	statusMu       sync.RWMutex
	live           bool
	cycles         int64
	lastCycleAt    time.Time
	lastError      string
	updateFailures int
	deleteFailures int
	statusHandlers []StatusHandler
}

// Status 观察器状态快照
type Status struct {
	EntityName     string          `json:"entityName"`
	Topic          string          `json:"topic"`
	Started        bool            `json:"started"`
	Stopped        bool            `json:"stopped"`
	LiveSubscribed bool            `json:"liveSubscribed"`
	Watermarks     watermark.State `json:"watermarks"`
	SafeStart      time.Time       `json:"safeStart"`
	PollInterval   string          `json:"pollInterval"`
	Subscribers    int             `json:"subscribers"`
	Cycles         int64           `json:"cycles"`
	LastCycleAt    time.Time       `json:"lastCycleAt"`
	LastError      string          `json:"lastError,omitempty"`
	UpdateFailures int             `json:"updateFailures"`
	DeleteFailures int             `json:"deleteFailures"`
}

// StatusHandler is called after start, stop and live channel transitions.
type StatusHandler func(Status)

// NewObserver 创建观察器
func NewObserver(cfg Config, src source.Source, logger *zap.Logger) (*Observer, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("observer config: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	o := &Observer{
		cfg:         cfg,
		src:         src,
		logger:      logger.With(zap.String("entity_name", cfg.EntityName)),
		topic:       source.TopicName(cfg.EntityName),
		tracker:     watermark.NewTracker(cfg.InitialObservationTime),
		broadcaster: stream.NewBroadcaster(logger, cfg.SubscriberBuffer),
		triggers:    make(chan struct{}, 1),
		errs:        make(chan error, cfg.ErrorBuffer),
		updates:     newChannelState(cfg.Backoff),
		deletes:     newChannelState(cfg.Backoff),
		runCtx:      runCtx,
		runCancel:   runCancel,
	}
	o.debouncer = NewDebouncer(cfg.Clock, cfg.DebounceWindow, o.Trigger)
	return o, nil
}

// Topic returns the live topic name.
func (o *Observer) Topic() string { return o.topic }

// Errors reports startup, scan and live channel failures. Change events never
// carry errors. When nobody drains it the oldest report is discarded.
func (o *Observer) Errors() <-chan error { return o.errs }

// Subscribe attaches to the change stream and starts the observer if it is
// not running yet. types filters by change kind; none means all.
func (o *Observer) Subscribe(ctx context.Context, types ...models.ChangeType) (*stream.Subscription, error) {
	sub, err := o.broadcaster.Attach(types...)
	if err != nil {
		return nil, ErrStopped
	}
	if err := o.Observe(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// Observe runs startup once: authenticate, ensure the change topic, open the
// live subscription, then start the poll timer and the reconcile worker. A
// failed startup may be retried by calling Observe again.
func (o *Observer) Observe(ctx context.Context) error {
	if o.started.Load() {
		return nil
	}

	o.startMu.Lock()
	if err := o.observe(ctx); err != nil {
		o.startMu.Unlock()
		return err
	}
	o.startMu.Unlock()

	o.notifyStatus()
	return nil
}

func (o *Observer) observe(ctx context.Context) error {
	if o.stopped.Load() {
		return ErrStopped
	}
	if o.started.Load() {
		return nil
	}

	o.logger.Info("starting observer",
		zap.String("topic", o.topic),
		zap.Duration("poll_interval", o.cfg.PollInterval),
		zap.Time("initial_observation_time", o.cfg.InitialObservationTime),
	)

	if err := o.src.Authenticate(ctx); err != nil {
		return o.startupFailed(fmt.Errorf("%w: %w", ErrAuthentication, err))
	}

	status, err := o.src.EnsureChangeTopic(ctx, o.topic, o.cfg.EntityName)
	if err != nil {
		return o.startupFailed(fmt.Errorf("%w: topic %s: %w", ErrTopicProvision, o.topic, err))
	}
	o.logger.Info("change topic ready",
		zap.String("topic", o.topic),
		zap.Stringer("status", status),
	)

	sub, err := o.src.SubscribeLive(o.runCtx, o.topic, o.onLiveMessage)
	if err != nil {
		return o.startupFailed(fmt.Errorf("%w: topic %s: %w", ErrLiveSubscription, o.topic, err))
	}
	o.setLive(true)

	o.wg.Add(3)
	go o.reconcileLoop()
	go o.pollLoop()
	go o.superviseLive(sub)

	o.started.Store(true)
	o.logger.Info("observer started", zap.String("topic", o.topic))
	return nil
}

// Trigger queues a reconciliation cycle. A trigger arriving while one is
// already queued is coalesced into it.
func (o *Observer) Trigger() {
	select {
	case o.triggers <- struct{}{}:
	default:
	}
}

// Stop ends the loops, closes the live subscription and detaches every
// subscriber. The observer cannot be restarted.
func (o *Observer) Stop() {
	o.startMu.Lock()
	if o.stopped.Load() {
		o.startMu.Unlock()
		return
	}
	o.stopped.Store(true)
	o.startMu.Unlock()

	o.runCancel()
	o.debouncer.Stop()
	o.wg.Wait()
	o.broadcaster.Close()
	o.setLive(false)

	o.logger.Info("observer stopped")
	o.notifyStatus()
}

// RegisterStatusHandler 注册状态变更监听器
func (o *Observer) RegisterStatusHandler(handler StatusHandler) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.statusHandlers = append(o.statusHandlers, handler)
}

// Status returns a snapshot for monitoring.
func (o *Observer) Status() Status {
	wm := o.tracker.Snapshot()

	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return Status{
		EntityName:     o.cfg.EntityName,
		Topic:          o.topic,
		Started:        o.started.Load(),
		Stopped:        o.stopped.Load(),
		LiveSubscribed: o.live,
		Watermarks:     wm,
		SafeStart:      wm.SafeStart(),
		PollInterval:   o.cfg.PollInterval.String(),
		Subscribers:    o.broadcaster.Count(),
		Cycles:         o.cycles,
		LastCycleAt:    o.lastCycleAt,
		LastError:      o.lastError,
		UpdateFailures: o.updateFailures,
		DeleteFailures: o.deleteFailures,
	}
}

func (o *Observer) startupFailed(err error) error {
	o.logger.Error("observer startup failed", zap.Error(err))
	o.report(err)
	return err
}

func (o *Observer) reconcileLoop() {
	defer o.wg.Done()

	for {
		select {
		case <-o.runCtx.Done():
			return
		case <-o.triggers:
			o.Reconcile(o.runCtx)
		}
	}
}

// pollLoop triggers a cycle every poll interval whatever the live channel does.
func (o *Observer) pollLoop() {
	defer o.wg.Done()

	timer := o.cfg.Clock.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-o.runCtx.Done():
			return
		case <-timer.Chan():
			o.logger.Debug("poll timer fired")
			o.Trigger()
			timer.Reset(o.cfg.PollInterval)
		}
	}
}

func (o *Observer) onLiveMessage(msg source.Message) {
	o.logger.Debug("live message received",
		zap.String("topic", o.topic),
		zap.Int("size", len(msg)),
	)
	o.debouncer.Trigger()
}

// report records err in status and offers it on the error channel.
func (o *Observer) report(err error) {
	o.statusMu.Lock()
	o.lastError = err.Error()
	o.statusMu.Unlock()

	select {
	case o.errs <- err:
		return
	default:
	}

	o.logger.Warn("error channel full, dropping oldest error")
	select {
	case <-o.errs:
	default:
	}
	select {
	case o.errs <- err:
	default:
	}
}

func (o *Observer) setLive(live bool) {
	o.statusMu.Lock()
	o.live = live
	o.statusMu.Unlock()
}

func (o *Observer) notifyStatus() {
	status := o.Status()

	o.statusMu.RLock()
	handlers := append([]StatusHandler(nil), o.statusHandlers...)
	o.statusMu.RUnlock()

	for _, handler := range handlers {
		handler(status)
	}
}
