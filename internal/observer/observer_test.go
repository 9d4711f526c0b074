package observer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/georgeji/record-observer/internal/models"
	"github.com/georgeji/record-observer/internal/source/memory"
	"github.com/georgeji/record-observer/internal/stream"
)

var t0 = time.Date(2024, 5, 10, 20, 0, 0, 0, time.UTC)

var errBoom = errors.New("boom")

func newTestObserver(t *testing.T, clk clock.Clock, store *memory.Store, mutate func(*Config)) *Observer {
	t.Helper()
	cfg := Config{
		EntityName:             "Account",
		PollInterval:           5 * time.Second,
		InitialObservationTime: t0,
		Clock:                  clk,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := NewObserver(cfg, store, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(o.Stop)
	return o
}

func next(t *testing.T, sub *stream.Subscription) models.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	return models.ChangeEvent{}
}

func drain(sub *stream.Subscription) []models.ChangeEvent {
	var out []models.ChangeEvent
	for {
		select {
		case ev := <-sub.C():
			out = append(out, ev)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func nextErr(t *testing.T, o *Observer) error {
	t.Helper()
	select {
	case err := <-o.Errors():
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	return nil
}

// =============================================================================
// Configuration
// =============================================================================

func TestNewObserver_ValidatesConfig(t *testing.T) {
	store := memory.NewStore(nil, zaptest.NewLogger(t))

	_, err := NewObserver(Config{EntityName: ""}, store, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = NewObserver(Config{EntityName: "Account'"}, store, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = NewObserver(Config{EntityName: "Account", PollInterval: 500 * time.Millisecond}, store, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestNewObserver_Defaults(t *testing.T) {
	clk := testclock.NewClock(t0)
	o := newTestObserver(t, clk, memory.NewStore(clk, zaptest.NewLogger(t)), func(c *Config) {
		c.PollInterval = 0
		c.InitialObservationTime = time.Time{}
	})

	assert.Equal(t, DefaultPollInterval, o.cfg.PollInterval)
	assert.Equal(t, DefaultDebounceWindow, o.cfg.DebounceWindow)
	assert.Equal(t, DefaultEndSkew, o.cfg.EndSkew)
	assert.True(t, t0.Equal(o.tracker.SafeStart()), "initial observation time defaults to now")
	assert.Equal(t, "Observer_Account", o.Topic())
}

// =============================================================================
// Startup
// =============================================================================

func TestObserve_StartsOnce(t *testing.T) {
	clk := testclock.NewClock(t0)
	store := memory.NewStore(clk, zaptest.NewLogger(t))
	o := newTestObserver(t, clk, store, nil)
	ctx := context.Background()

	_, err := o.Subscribe(ctx)
	require.NoError(t, err)
	_, err = o.Subscribe(ctx, models.ChangeDelete)
	require.NoError(t, err)
	require.NoError(t, o.Observe(ctx))

	assert.Equal(t, 1, store.Calls(memory.OpAuthenticate))
	assert.Equal(t, 1, store.Calls(memory.OpEnsureTopic))
	assert.Equal(t, 1, store.Calls(memory.OpSubscribe))
	assert.Equal(t, []string{"Observer_Account"}, store.Topics())

	st := o.Status()
	assert.True(t, st.Started)
	assert.True(t, st.LiveSubscribed)
	assert.Equal(t, 2, st.Subscribers)
}

func TestObserve_ConcurrentSubscribersStartOnce(t *testing.T) {
	clk := testclock.NewClock(t0)
	store := memory.NewStore(clk, zaptest.NewLogger(t))
	o := newTestObserver(t, clk, store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Subscribe(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.Calls(memory.OpAuthenticate))
	assert.Equal(t, 1, store.Calls(memory.OpSubscribe))
}

func TestObserve_AuthenticationFailureAbortsAndRetries(t *testing.T) {
	clk := testclock.NewClock(t0)
	store := memory.NewStore(clk, zaptest.NewLogger(t))
	store.FailNext(memory.OpAuthenticate, errBoom)
	o := newTestObserver(t, clk, store, nil)

	_, err := o.Subscribe(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, store.Calls(memory.OpEnsureTopic))
	assert.Equal(t, 0, o.Status().Subscribers, "failed subscribe detaches")
	assert.False(t, o.Status().Started)
	assert.ErrorIs(t, nextErr(t, o), ErrAuthentication)

	_, err = o.Subscribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, store.Calls(memory.OpAuthenticate))
}

func TestObserve_TopicProvisionFailure(t *testing.T) {
	clk := testclock.NewClock(t0)
	store := memory.NewStore(clk, zaptest.NewLogger(t))
	store.FailNext(memory.OpEnsureTopic, errBoom)
	o := newTestObserver(t, clk, store, nil)

	err := o.Observe(context.Background())
	assert.ErrorIs(t, err, ErrTopicProvision)
	assert.Equal(t, 0, store.Calls(memory.OpSubscribe))
}

func TestObserve_LiveSubscriptionFailureAbortsStartup(t *testing.T) {
	clk := testclock.NewClock(t0)
	store := memory.NewStore(clk, zaptest.NewLogger(t))
	store.FailNext(memory.OpSubscribe, errBoom)
	o := newTestObserver(t, clk, store, nil)

	err := o.Observe(context.Background())
	assert.ErrorIs(t, err, ErrLiveSubscription)
	assert.False(t, o.Status().Started)
}

func TestObserve_StatusHandlers(t *testing.T) {
	clk := testclock.NewClock(t0)
	store := memory.NewStore(clk, zaptest.NewLogger(t))
	o := newTestObserver(t, clk, store, nil)

	var mu sync.Mutex
	var seen []Status
	o.RegisterStatusHandler(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	require.NoError(t, o.Observe(context.Background()))
	o.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.True(t, seen[0].Started)
	assert.False(t, seen[0].Stopped)
	assert.True(t, seen[1].Stopped)
	assert.False(t, seen[1].LiveSubscribed)
}

func TestObserve_AfterStop(t *testing.T) {
	clk := testclock.NewClock(t0)
	store := memory.NewStore(clk, zaptest.NewLogger(t))
	o := newTestObserver(t, clk, store, nil)

	o.Stop()
	o.Stop()

	assert.ErrorIs(t, o.Observe(context.Background()), ErrStopped)
	_, err := o.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

// =============================================================================
// Triggers
// =============================================================================

func TestTrigger_Coalesces(t *testing.T) {
	clk := testclock.NewClock(t0)
	o := newTestObserver(t, clk, memory.NewStore(clk, zaptest.NewLogger(t)), nil)

	for i := 0; i < 10; i++ {
		o.Trigger()
	}
	assert.Len(t, o.triggers, 1)
}

func TestLivePings_DebouncedIntoOneCycle(t *testing.T) {
	clk := testclock.NewClock(t0)
	store := memory.NewStore(clk, zaptest.NewLogger(t))
	o := newTestObserver(t, clk, store, func(c *Config) { c.PollInterval = time.Hour })

	sub, err := o.Subscribe(context.Background())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Create("Account", string(rune('a'+i))))
	}
	// poll timer + one debounce timer once every ping has landed
	require.NoError(t, clk.WaitAdvance(time.Second, shortWait, 2))

	got := make(map[string]bool)
	for i := 0; i < 5; i++ {
		got[next(t, sub).ID()] = true
	}
	assert.Len(t, got, 5)
	assert.Eventually(t, func() bool { return o.Status().Cycles == 1 }, shortWait, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, store.Calls(memory.OpListUpdated))
}

// End to end: record created at T0+1s shows up within one poll interval as an
// update; its deletion reaches a delete-only subscriber carrying deletedAt.
func TestObserver_EndToEnd(t *testing.T) {
	clk := testclock.NewClock(t0)
	store := memory.NewStore(clk, zaptest.NewLogger(t))
	o := newTestObserver(t, clk, store, nil)
	ctx := context.Background()

	clk.Advance(time.Second)
	require.NoError(t, store.Create("Account", "001A"))

	all, err := o.Subscribe(ctx)
	require.NoError(t, err)
	deletes, err := o.Subscribe(ctx, models.ChangeDelete)
	require.NoError(t, err)

	require.NoError(t, clk.WaitAdvance(5*time.Second, shortWait, 1))

	ev := next(t, all)
	assert.Equal(t, "001A", ev.ID())
	assert.Equal(t, models.ChangeUpdate, ev.Type())
	assert.Equal(t, "Account", ev.EntityName())
	assert.Empty(t, ev.Extra())

	require.NoError(t, store.Delete("Account", "001A"))
	deletedAt := clk.Now()
	// poll timer + debounce timer from the delete ping
	require.NoError(t, clk.WaitAdvance(time.Second, shortWait, 2))

	ev = next(t, deletes)
	assert.Equal(t, "001A", ev.ID())
	assert.Equal(t, models.ChangeDelete, ev.Type())
	assert.Equal(t, "Account", ev.EntityName())
	at, ok := ev.DeletedAt()
	require.True(t, ok)
	assert.True(t, deletedAt.Equal(at))

	ev = next(t, all)
	assert.Equal(t, models.ChangeDelete, ev.Type())
}

func TestObserver_PollingContinuesWithoutLiveChannel(t *testing.T) {
	clk := testclock.NewClock(t0)
	store := memory.NewStore(clk, zaptest.NewLogger(t))
	o := newTestObserver(t, clk, store, nil)

	sub, err := o.Subscribe(context.Background())
	require.NoError(t, err)

	store.DropSubscriptions(o.Topic(), memory.ErrDropped)
	assert.ErrorIs(t, nextErr(t, o), ErrLiveSubscription)
	assert.Eventually(t, func() bool { return !o.Status().LiveSubscribed }, shortWait, 5*time.Millisecond)

	// record written while the live channel is down produces no ping
	require.NoError(t, store.Create("Account", "quiet"))

	// poll timer + resubscribe backoff timer
	require.NoError(t, clk.WaitAdvance(5*time.Second, shortWait, 2))

	ev := next(t, sub)
	assert.Equal(t, "quiet", ev.ID())

	assert.Eventually(t, func() bool { return o.Status().LiveSubscribed }, shortWait, 5*time.Millisecond)
	assert.Equal(t, 2, store.Calls(memory.OpSubscribe))
}
