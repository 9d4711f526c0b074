package observer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shortWait = time.Second

func TestDebouncer_BurstCollapsesToOneCall(t *testing.T) {
	clk := testclock.NewClock(t0)
	var calls atomic.Int32
	d := NewDebouncer(clk, time.Second, func() { calls.Add(1) })

	for i := 0; i < 25; i++ {
		d.Trigger()
	}
	require.NoError(t, clk.WaitAdvance(time.Second, shortWait, 1))

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, shortWait, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDebouncer_TriggerWithinWindowPostpones(t *testing.T) {
	clk := testclock.NewClock(t0)
	var calls atomic.Int32
	d := NewDebouncer(clk, time.Second, func() { calls.Add(1) })

	d.Trigger()
	require.NoError(t, clk.WaitAdvance(600*time.Millisecond, shortWait, 1))
	d.Trigger()
	require.NoError(t, clk.WaitAdvance(600*time.Millisecond, shortWait, 1))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "window restarted by second trigger")

	require.NoError(t, clk.WaitAdvance(400*time.Millisecond, shortWait, 1))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, shortWait, 5*time.Millisecond)
}

func TestDebouncer_SeparateBurstsFireSeparately(t *testing.T) {
	clk := testclock.NewClock(t0)
	var calls atomic.Int32
	d := NewDebouncer(clk, time.Second, func() { calls.Add(1) })

	d.Trigger()
	d.Trigger()
	require.NoError(t, clk.WaitAdvance(time.Second, shortWait, 1))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, shortWait, 5*time.Millisecond)

	d.Trigger()
	require.NoError(t, clk.WaitAdvance(time.Second, shortWait, 1))
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, shortWait, 5*time.Millisecond)
}

func TestDebouncer_Stop(t *testing.T) {
	clk := testclock.NewClock(t0)
	var calls atomic.Int32
	d := NewDebouncer(clk, time.Second, func() { calls.Add(1) })

	d.Trigger()
	d.Stop()
	d.Trigger()
	clk.Advance(time.Minute)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}
