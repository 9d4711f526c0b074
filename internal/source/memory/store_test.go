package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/georgeji/record-observer/internal/source"
)

var t0 = time.Date(2024, 5, 10, 20, 0, 0, 0, time.UTC)

func newAuthedStore(t *testing.T) (*Store, *testclock.Clock) {
	clk := testclock.NewClock(t0)
	s := NewStore(clk, zaptest.NewLogger(t))
	require.NoError(t, s.Authenticate(context.Background()))
	return s, clk
}

func TestStore_EnsureChangeTopic_Idempotent(t *testing.T) {
	s, _ := newAuthedStore(t)
	ctx := context.Background()

	st, err := s.EnsureChangeTopic(ctx, "Observer_Account", "Account")
	require.NoError(t, err)
	assert.Equal(t, source.TopicCreated, st)

	st, err = s.EnsureChangeTopic(ctx, "Observer_Account", "Account")
	require.NoError(t, err)
	assert.Equal(t, source.TopicAlreadyExists, st)

	assert.Equal(t, []string{"Observer_Account"}, s.Topics())
}

func TestStore_RequiresAuthentication(t *testing.T) {
	s := NewStore(testclock.NewClock(t0), zaptest.NewLogger(t))

	_, err := s.ListUpdated(context.Background(), "Account", t0, t0.Add(time.Minute))
	assert.ErrorIs(t, err, source.ErrNotAuthenticated)
}

func TestStore_ListWindows(t *testing.T) {
	s, clk := newAuthedStore(t)
	ctx := context.Background()

	clk.Advance(time.Second)
	require.NoError(t, s.Create("Account", "a1"))
	require.NoError(t, s.Create("Contact", "c1"))
	clk.Advance(time.Second)
	require.NoError(t, s.Delete("Account", "a1"))

	upd, err := s.ListUpdated(ctx, "Account", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, upd.IDs, "deleted records are not reported as updated")

	require.NoError(t, s.Create("Account", "a2"))
	upd, err = s.ListUpdated(ctx, "Account", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, upd.IDs)

	del, err := s.ListDeleted(ctx, "Account", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, del.Records, 1)
	assert.Equal(t, "a1", del.Records[0].ID)
	assert.True(t, t0.Add(2*time.Second).Equal(del.Records[0].DeletedAt))

	del, err = s.ListDeleted(ctx, "Account", t0.Add(3*time.Second), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, del.Records)

	assert.Len(t, s.Windows(OpListUpdated), 2)
	assert.Equal(t, 2, s.Calls(OpListDeleted))
}

func TestStore_FailNext(t *testing.T) {
	s, _ := newAuthedStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	s.FailNext(OpListUpdated, boom)

	_, err := s.ListUpdated(ctx, "Account", t0, t0)
	assert.ErrorIs(t, err, boom)

	_, err = s.ListUpdated(ctx, "Account", t0, t0)
	assert.NoError(t, err)
}

func TestStore_DelayHonoursContext(t *testing.T) {
	s, _ := newAuthedStore(t)
	s.SetDelay(OpListDeleted, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.ListDeleted(ctx, "Account", t0, t0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStore_LiveNotifications(t *testing.T) {
	s, _ := newAuthedStore(t)
	ctx := context.Background()

	_, err := s.EnsureChangeTopic(ctx, "Observer_Account", "Account")
	require.NoError(t, err)

	var pings atomic.Int32
	sub, err := s.SubscribeLive(ctx, "Observer_Account", func(source.Message) { pings.Add(1) })
	require.NoError(t, err)

	require.NoError(t, s.Create("Account", "a1"))
	require.NoError(t, s.Update("Account", "a1"))
	require.NoError(t, s.Create("Contact", "c1"))

	assert.Eventually(t, func() bool { return pings.Load() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Close())
	<-sub.Done()
	assert.NoError(t, sub.Err())
}

func TestStore_DropSubscriptions(t *testing.T) {
	s, _ := newAuthedStore(t)
	ctx := context.Background()

	_, err := s.EnsureChangeTopic(ctx, "Observer_Account", "Account")
	require.NoError(t, err)
	sub, err := s.SubscribeLive(ctx, "Observer_Account", func(source.Message) {})
	require.NoError(t, err)

	s.DropSubscriptions("Observer_Account", ErrDropped)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not ended")
	}
	assert.ErrorIs(t, sub.Err(), ErrDropped)
}

func TestStore_SubscribeUnknownTopic(t *testing.T) {
	s, _ := newAuthedStore(t)

	_, err := s.SubscribeLive(context.Background(), "Observer_Nope", func(source.Message) {})
	assert.Error(t, err)
}
