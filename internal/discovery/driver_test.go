package discovery_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sweep-cli/internal/discovery"
	"github.com/xkilldash9x/sweep-cli/internal/matcher"
	"github.com/xkilldash9x/sweep-cli/internal/mocks"
)

func newDriver(t *testing.T, fp *mocks.FakePage, opts discovery.Options) *discovery.Driver {
	t.Helper()
	m := matcher.New(fp, matcher.Options{Pattern: matcher.MustCompile("decline")}, zaptest.NewLogger(t))
	return discovery.New(fp, m.Scan, opts, zaptest.NewLogger(t))
}

func assertMonotonic(t *testing.T, tops []float64) {
	t.Helper()
	for i := 1; i < len(tops); i++ {
		assert.GreaterOrEqual(t, tops[i], tops[i-1], "discovery scrolled up at step %d", i)
	}
}

func TestDiscover(t *testing.T) {
	ctx := context.Background()
	opts := discovery.Options{FineSteps: 8, CoarseSteps: 10}

	t.Run("should stop at the fine step that reveals candidates", func(t *testing.T) {
		fp := mocks.NewFakePage("u", 10000, 1000)
		fp.RevealAfterScrolls(4, mocks.Button("Decline"), mocks.Button("Decline"))

		out := newDriver(t, fp, opts).Discover(ctx)

		assert.Equal(t, discovery.Outcome{Found: true, Phase: discovery.PhaseFine, Step: 4}, out)
		tops := fp.ScrollTops()
		require.Len(t, tops, 4, "no coarse scrolling once found")
		assert.Equal(t, []float64{1125, 2250, 3375, 4500}, tops)
	})

	t.Run("should fall through to coarse steps", func(t *testing.T) {
		fp := mocks.NewFakePage("u", 10000, 1000)
		fp.Grow = 2000
		fp.RevealAfterScrolls(10, mocks.Button("Decline"))

		out := newDriver(t, fp, opts).Discover(ctx)

		assert.True(t, out.Found)
		assert.Equal(t, discovery.PhaseCoarse, out.Phase)
		assert.Equal(t, 2, out.Step)
		assertMonotonic(t, fp.ScrollTops())
	})

	t.Run("should report not found and stop at the bottom", func(t *testing.T) {
		fp := mocks.NewFakePage("u", 3000, 1000, mocks.Button("Accept"))

		out := newDriver(t, fp, opts).Discover(ctx)

		assert.False(t, out.Found)
		tops := fp.ScrollTops()
		// 8 fine steps plus one coarse step that cannot move.
		assert.Len(t, tops, 9)
		assertMonotonic(t, tops)
	})

	t.Run("should never scroll above the starting position", func(t *testing.T) {
		fp := mocks.NewFakePage("u", 10000, 1000)
		require.NoError(t, fp.ScrollTo(ctx, 6000))

		newDriver(t, fp, opts).Discover(ctx)

		tops := fp.ScrollTops()
		for _, top := range tops {
			assert.GreaterOrEqual(t, top, 6000.0)
		}
		assertMonotonic(t, tops)
	})

	t.Run("should return promptly when canceled", func(t *testing.T) {
		fp := mocks.NewFakePage("u", 10000, 1000)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		out := newDriver(t, fp, opts).Discover(cctx)
		assert.False(t, out.Found)
		assert.LessOrEqual(t, len(fp.ScrollTops()), 1)
	})
}

func TestPerturb(t *testing.T) {
	ctx := context.Background()
	opts := discovery.Options{SoftDistance: 400}

	t.Run("should nudge down then up and preserve position", func(t *testing.T) {
		fp := mocks.NewFakePage("u", 10000, 1000)
		require.NoError(t, fp.ScrollTo(ctx, 2000))

		out := newDriver(t, fp, opts).Perturb(ctx, 2)

		assert.False(t, out.Found)
		assert.Equal(t, []float64{2000, 2400, 2000, 2400, 2000}, fp.ScrollTops())
	})

	t.Run("should stop once candidates appear", func(t *testing.T) {
		fp := mocks.NewFakePage("u", 10000, 1000)
		fp.RevealAfterScrolls(2, mocks.Button("Decline"))

		out := newDriver(t, fp, opts).Perturb(ctx, 2)

		assert.Equal(t, discovery.Outcome{Found: true, Phase: discovery.PhasePerturb, Step: 1}, out)
	})
}
