package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMockClock_AdvanceFiresDueTimersInOrder(t *testing.T) {
	c := NewMockClock(epoch)

	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "3s") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "1s") })
	c.AfterFunc(10*time.Second, func() { fired = append(fired, "10s") })

	c.Advance(5 * time.Second)

	assert.Equal(t, []string{"1s", "3s"}, fired)
	assert.Equal(t, epoch.Add(5*time.Second), c.Now())
	assert.Equal(t, 1, c.PendingTimers())
}

func TestMockClock_CallbackSeesDeadlineAsNow(t *testing.T) {
	c := NewMockClock(epoch)

	var seen time.Time
	c.AfterFunc(2*time.Second, func() { seen = c.Now() })
	c.Advance(time.Minute)

	assert.Equal(t, epoch.Add(2*time.Second), seen)
}

func TestMockClock_RearmInsideWindowFiresAgain(t *testing.T) {
	c := NewMockClock(epoch)

	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Minute, tick)
	}
	c.AfterFunc(time.Minute, tick)

	c.Advance(3 * time.Minute)

	assert.Equal(t, 3, count)
	assert.Equal(t, 1, c.PendingTimers())
	next, ok := c.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(4*time.Minute), next)
}

func TestMockClock_Stop(t *testing.T) {
	c := NewMockClock(epoch)

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(time.Hour)

	assert.False(t, fired)
	assert.Equal(t, 0, c.PendingTimers())
}

func TestMockClock_Set(t *testing.T) {
	c := NewMockClock(epoch)

	fired := false
	c.AfterFunc(time.Hour, func() { fired = true })

	c.Set(epoch.Add(-time.Hour))
	assert.False(t, fired)
	assert.Equal(t, epoch.Add(-time.Hour), c.Now())

	c.Set(epoch.Add(time.Hour))
	assert.True(t, fired)
	assert.Equal(t, time.Hour, c.Since(epoch))
}

func TestRealClock_AfterFunc(t *testing.T) {
	c := NewRealClock()
	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
