package bus

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClampWaitTimeout(t *testing.T) {
	assert.Equal(t, DefaultWaitTimeout, ClampWaitTimeout(0))
	assert.Equal(t, MinWaitTimeout, ClampWaitTimeout(10*time.Millisecond))
	assert.Equal(t, MaxWaitTimeout, ClampWaitTimeout(5*time.Minute))
	assert.Equal(t, 5*time.Second, ClampWaitTimeout(5*time.Second))
}

func TestWaitReturnsImmediatelyWithUnread(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newTestBus()
		b.GroupPost("t1", "bob", "dev", "already here")

		res := b.Wait(context.Background(), "t1", "alice", false, time.Second)
		assert.False(t, res.TimedOut)
		assert.Equal(t, 1, res.GroupChat)
	})
}

func TestWaitWakesOnGroupPost(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newTestBus()

		done := make(chan WaitResult, 1)
		go func() {
			done <- b.Wait(context.Background(), "t1", "alice", false, 30*time.Second)
		}()
		// Let the waiter register before posting.
		synctest.Wait()

		b.GroupPost("t1", "bob", "dev", "wake up")

		res := <-done
		assert.False(t, res.TimedOut)
		assert.False(t, res.Dissolved)
		assert.Equal(t, 1, res.GroupChat)
	})
}

func TestWaitIgnoresOwnPost(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newTestBus()

		done := make(chan WaitResult, 1)
		go func() {
			done <- b.Wait(context.Background(), "t1", "alice", false, time.Second)
		}()
		synctest.Wait()

		b.GroupPost("t1", "alice", "dev", "my own post")

		res := <-done
		assert.True(t, res.TimedOut, "own post must not satisfy the wait")
	})
}

func TestWaitWakesOnDM(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newTestBus()

		done := make(chan WaitResult, 1)
		go func() {
			done <- b.Wait(context.Background(), "t1", "alice", false, 30*time.Second)
		}()
		synctest.Wait()

		b.DMSend("bob", "alice", "dev", "psst")

		res := <-done
		assert.Equal(t, 1, res.DMs)
	})
}

func TestWaitLeadChannelOnlyForLeads(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newTestBus()

		worker := make(chan WaitResult, 1)
		lead := make(chan WaitResult, 1)
		go func() {
			worker <- b.Wait(context.Background(), "t1", "w1", false, time.Second)
		}()
		go func() {
			lead <- b.Wait(context.Background(), "t1", "l1", true, 30*time.Second)
		}()
		synctest.Wait()

		b.LeadPost("l2", "lead", "beta", "cross-team note")

		res := <-lead
		assert.Equal(t, 1, res.LeadChat)

		wres := <-worker
		assert.True(t, wres.TimedOut)
		assert.Equal(t, 0, wres.LeadChat)
	})
}

func TestWaitWakesOnDissolve(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newTestBus()

		done := make(chan WaitResult, 1)
		go func() {
			done <- b.Wait(context.Background(), "t1", "alice", false, 30*time.Second)
		}()
		synctest.Wait()

		b.DissolveTeam("t1", []string{"alice"})

		res := <-done
		assert.True(t, res.Dissolved)
		assert.False(t, res.TimedOut)
	})
}

func TestWaitTimesOut(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newTestBus()
		start := time.Now()
		res := b.Wait(context.Background(), "t1", "alice", false, time.Second)
		assert.True(t, res.TimedOut)
		assert.Equal(t, time.Second, time.Since(start))
	})
}
