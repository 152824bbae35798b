package sysv

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWakeWithNoWaitersReturnsZero covers futex(2)'s FUTEX_WAKE contract
// when nothing has ever waited on addr.
func TestWakeWithNoWaitersReturnsZero(t *testing.T) {
	b := NewBus()
	assert.Equal(t, 0, b.Wake(0x1000, 1))
}

// TestWaitWakeRoundTrip exercises the basic futex pool contract: a waiter
// blocks in Wait until a concurrent Wake releases it.
func TestWaitWakeRoundTrip(t *testing.T) {
	b := NewBus()
	const addr = 0x4000

	var wg sync.WaitGroup
	wg.Add(1)
	woke := make(chan bool, 1)
	go func() {
		defer wg.Done()
		ok := b.Wait(addr, func() bool { return false }, func() { time.Sleep(time.Millisecond) })
		woke <- ok
	}()

	// sync.Cond.Signal is a no-op if nobody is blocked in Wait yet, so keep
	// re-issuing the wake until the waiter actually catches one.
	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case ok := <-woke:
			assert.True(t, ok, "a clean wake must not report interrupted")
			wg.Wait()
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("Wait never returned after repeated Wake attempts")
		}
		b.Wake(addr, 1)
		time.Sleep(time.Millisecond)
	}
}

// TestWaitInterruptedByPendingSignal covers spec §4.7's bounded-polling
// contract: pollInterrupted returning true must unblock Wait and report
// the interruption, matching futex(2)'s EINTR behavior.
func TestWaitInterruptedByPendingSignal(t *testing.T) {
	b := NewBus()
	interrupted := false
	calls := 0

	done := make(chan bool, 1)
	go func() {
		ok := b.Wait(0x5000, func() bool {
			calls++
			if calls > 2 {
				interrupted = true
				return true
			}
			return false
		}, func() {})
		done <- ok
	}()

	select {
	case ok := <-done:
		assert.True(t, interrupted)
		assert.False(t, ok, "an interrupted wait must report false")
	case <-time.After(2 * time.Second):
		t.Fatal("Wait never unblocked on pollInterrupted")
	}
}

func TestMarkOwnerDiedWakesOneWaiter(t *testing.T) {
	b := NewBus()
	const addr = 0x6000

	done := make(chan bool, 1)
	go func() {
		ok := b.Wait(addr, func() bool { return false }, func() { time.Sleep(time.Millisecond) })
		done <- ok
	}()

	require.Eventually(t, func() bool {
		b.MarkOwnerDied(addr)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
