package retry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayIsStrictlyIncreasingBelowLimit(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Hour, MaxRetries: 6}

	require.Equal(t, time.Duration(0), p.Delay(0))
	require.Equal(t, time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 4*time.Second, p.Delay(3))

	prev := time.Duration(0)
	for n := 1; n < p.MaxRetries; n++ {
		d := p.Delay(n)
		require.Greater(t, d, prev, "retry %d", n)
		prev = d
	}
}

func TestDelayCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, MaxRetries: 100}
	require.Equal(t, 8*time.Second, p.Delay(4))
	require.Equal(t, 10*time.Second, p.Delay(5))
	require.Equal(t, 10*time.Second, p.Delay(90))
}

func TestExhausted(t *testing.T) {
	p := DefaultPolicy()
	require.False(t, p.Exhausted(2))
	require.True(t, p.Exhausted(3))
	require.True(t, p.Exhausted(4))

	require.Equal(t, 5, p.WithMaxRetries(5).MaxRetries)
	require.Equal(t, 3, p.WithMaxRetries(0).MaxRetries)
}

func TestSchedulerFiresOnce(t *testing.T) {
	s := NewScheduler()
	fired := make(chan struct{}, 2)

	s.Arm("a", 10*time.Millisecond, func() { fired <- struct{}{} })
	require.True(t, s.Armed("a"))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	require.Eventually(t, func() bool { return !s.Armed("a") }, time.Second, 5*time.Millisecond)

	select {
	case <-fired:
		t.Fatal("timer fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedulerArmReplaces(t *testing.T) {
	s := NewScheduler()
	var first, second atomic.Int32

	s.Arm("a", 20*time.Millisecond, func() { first.Add(1) })
	s.Arm("a", 40*time.Millisecond, func() { second.Add(1) })
	require.Equal(t, 1, s.Len())

	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(0), first.Load())
}

func TestSchedulerCancelAndStop(t *testing.T) {
	s := NewScheduler()
	var n atomic.Int32

	s.Arm("a", 20*time.Millisecond, func() { n.Add(1) })
	require.True(t, s.Cancel("a"))
	require.False(t, s.Cancel("a"))

	s.Arm("b", 20*time.Millisecond, func() { n.Add(1) })
	require.True(t, s.Armed("b"))
	s.Stop()
	s.Arm("c", time.Millisecond, func() { n.Add(1) })
	require.Equal(t, 0, s.Len())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, int32(0), n.Load())

	s.Reset()
	s.Arm("d", time.Millisecond, func() { n.Add(1) })
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
}
