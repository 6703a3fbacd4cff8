package retry

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniformStaysWithinBounds(t *testing.T) {
	cases := []struct{ min, max time.Duration }{
		{10 * time.Second, 20 * time.Second},
		{0, time.Millisecond},
		{5 * time.Second, 5 * time.Second},
		{0, 0},
		{time.Nanosecond, 3 * time.Nanosecond},
	}
	for _, tc := range cases {
		u, err := NewUniform(tc.min, tc.max)
		require.NoError(t, err)
		for i := 0; i < 1000; i++ {
			d := u.NextBackOff()
			assert.GreaterOrEqual(t, d, tc.min)
			assert.LessOrEqual(t, d, tc.max)
		}
	}
}

func TestUniformReachesBothEnds(t *testing.T) {
	u, err := NewUniform(time.Nanosecond, 2*time.Nanosecond)
	require.NoError(t, err)
	seen := map[time.Duration]bool{}
	for i := 0; i < 1000; i++ {
		seen[u.NextBackOff()] = true
	}
	assert.True(t, seen[time.Nanosecond])
	assert.True(t, seen[2*time.Nanosecond])
}

func TestNewUniformRejectsBadBounds(t *testing.T) {
	_, err := NewUniform(-time.Second, time.Second)
	assert.Error(t, err)
	_, err = NewUniform(2*time.Second, time.Second)
	assert.Error(t, err)
}

func TestSchedulerRunsAfterDelay(t *testing.T) {
	clk := clockwork.NewFakeClock()
	s := NewScheduler(clk)
	done := make(chan struct{})
	s.Schedule(5*time.Second, func() { close(done) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, 1))

	clk.Advance(4 * time.Second)
	select {
	case <-done:
		t.Fatal("ran before delay elapsed")
	default:
	}
	clk.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("did not run after delay")
	}
}

func TestSchedulerCancel(t *testing.T) {
	clk := clockwork.NewFakeClock()
	s := NewScheduler(clk)
	ran := make(chan struct{}, 1)
	p := s.Schedule(time.Second, func() { ran <- struct{}{} })
	assert.True(t, p.Cancel())
	assert.False(t, p.Cancel())

	clk.Advance(time.Minute)
	select {
	case <-ran:
		t.Fatal("cancelled run executed")
	case <-time.After(50 * time.Millisecond):
	}
}
