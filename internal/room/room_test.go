package room

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper: read the room view with a timeout so tests never hang
func recvView(t *testing.T, r *Room, within time.Duration) View {
	t.Helper()
	reply := make(chan View, 1)
	r.Inbox() <- GetView{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for view")
		return View{} // unreachable
	}
}

func TestRoom_SerializeNeverOverlaps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, "m1")

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Serialize(ctx, func(context.Context) error {
				n := running.Add(1)
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestRoom_SerializeReturnsFnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, "m1")

	err := r.Serialize(ctx, func(context.Context) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRoom_SerializeAfterShutdown(t *testing.T) {
	r := New(context.Background(), "m1")
	r.Inbox() <- Shutdown{}

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatalf("room did not stop")
	}
	err := r.Serialize(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

// blockUntil waits for n timers on clk so Advance can't race the waiter.
func blockUntil(t *testing.T, clk *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, n), "timed out waiting for %d timers", n)
}

func TestRoom_AcquireIsBounded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clockwork.NewFakeClock()
	r := New(ctx, "m1", WithClock(clk))

	unlock, ok := r.Acquire(ctx, time.Second)
	require.True(t, ok)

	got := make(chan bool, 1)
	go func() {
		_, ok := r.Acquire(ctx, 20*time.Millisecond)
		got <- ok
	}()
	blockUntil(t, clk, 1)
	clk.Advance(20 * time.Millisecond)
	select {
	case ok := <-got:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("Acquire did not give up")
	}

	go func() {
		u, ok := r.Acquire(ctx, time.Minute)
		if ok {
			u()
		}
		got <- ok
	}()
	blockUntil(t, clk, 1)
	unlock()
	unlock() // second call is a no-op
	select {
	case ok := <-got:
		assert.True(t, ok, "a waiter gets the lock once it is released")
	case <-time.After(time.Second):
		t.Fatalf("waiter never got the lock")
	}

	unlock2, ok := r.Acquire(ctx, 10*time.Millisecond)
	require.True(t, ok)
	unlock2()
}

func TestRoom_RoundGuard(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, "m1")

	require.True(t, r.Begin(1))
	assert.False(t, r.Begin(1), "already in flight")
	assert.Equal(t, []int{1}, recvView(t, r, 100*time.Millisecond).InFlight)

	r.End(1, false)
	require.True(t, r.Begin(1), "a failed attempt can be retried")
	r.StashPlan(1, []byte("plan"))
	b, ok := r.StashedPlan(1)
	require.True(t, ok)
	assert.Equal(t, []byte("plan"), b)
	r.End(1, true)
	_, ok = r.StashedPlan(1)
	assert.False(t, ok, "completing a round drops its plan")

	assert.False(t, r.Begin(1), "already processed")
	assert.Equal(t, 1, r.Processed())
	assert.True(t, r.Begin(2))
}

func TestRoom_ArmReplacesAndInvalidates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, "m1")
	clk := clockwork.NewFakeClockAt(time.Unix(0, 0))

	start := func(gen uint64) clockwork.Timer {
		return clk.AfterFunc(time.Second, func() {})
	}

	unlock := r.LockSchedule()
	first := r.Arm(1, time.Unix(1, 0), start)
	second := r.Arm(1, time.Unix(2, 0), start)
	round, deadline, ok := r.Armed()
	unlock()

	assert.NotEqual(t, first, second)
	assert.True(t, ok)
	assert.Equal(t, 1, round)
	assert.Equal(t, time.Unix(2, 0), deadline)
	blockUntil(t, clk, 1) // the first timer was stopped

	unlock = r.LockSchedule()
	assert.False(t, r.Fired(first))
	assert.True(t, r.Fired(second))
	assert.False(t, r.Fired(second))
	unlock()

	unlock = r.LockSchedule()
	r.Arm(2, time.Unix(3, 0), start)
	assert.True(t, r.Disarm())
	assert.False(t, r.Disarm())
	unlock()
	assert.False(t, recvView(t, r, 100*time.Millisecond).Armed)
}

func TestRoom_ClaimOncePerKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, "m1")

	assert.True(t, r.Claim(ctx, "battle:1"))
	assert.False(t, r.Claim(ctx, "battle:1"))
	assert.True(t, r.LastBroadcast().IsZero())

	now := time.Unix(100, 0)
	r.TouchBroadcast(now)
	assert.True(t, r.LastBroadcast().Equal(now))
}
