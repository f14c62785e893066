package pacing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBetween(t *testing.T) {
	p := NewSeeded(1)
	for i := 0; i < 200; i++ {
		d := p.Between(3*time.Second, 4*time.Second)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
	assert.Equal(t, time.Second, p.Between(time.Second, 0), "inverted bounds collapse to the lower bound")
}

func TestSleep(t *testing.T) {
	t.Run("should return immediately for zero durations", func(t *testing.T) {
		assert.NoError(t, Sleep(context.Background(), 0))
	})

	t.Run("should stop waiting when canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("should report cancellation even for zero waits", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
	})
}
