package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/sweep-cli/internal/discovery"
	"github.com/xkilldash9x/sweep-cli/internal/interact"
	"github.com/xkilldash9x/sweep-cli/internal/matcher"
	"github.com/xkilldash9x/sweep-cli/internal/mocks"
	"github.com/xkilldash9x/sweep-cli/internal/pacing"
	"github.com/xkilldash9x/sweep-cli/internal/page"
	"github.com/xkilldash9x/sweep-cli/internal/recovery"
	"github.com/xkilldash9x/sweep-cli/internal/store"
)

const testSession = "tab-0"

// testOptions has every wait at zero so loops run at full speed.
func testOptions() Options {
	return Options{
		Pattern:               matcher.MustCompile("decline", "reject"),
		MaxIterations:         200,
		ProactiveReloadEvery:  100,
		ClickFailureThreshold: 5,
		Interaction:           interact.Options{Attempts: 3},
		Discovery:             discovery.Options{FineSteps: 4, CoarseSteps: 3, SoftDistance: 400},
		Policy: recovery.Policy{
			RetryBound:          1,
			SoftBound:           2,
			ReloadCap:           3,
			ClickEpisodeCap:     2,
			EmptyAfterReloadCap: 3,
			FailedTargetCap:     2,
		},
	}
}

// seed stores rec as the session's durable record.
func seed(t *testing.T, s store.Store, rec *store.Record) {
	t.Helper()
	rec.SessionID = testSession
	require.NoError(t, s.Save(context.Background(), rec))
}

func load(t *testing.T, s store.Store) *store.Record {
	t.Helper()
	rec, err := s.Load(context.Background(), testSession)
	require.NoError(t, err)
	return rec
}

func newTestRunner(t *testing.T, p page.Page, s store.Store, sig Signals, opts Options) *Runner {
	t.Helper()
	r, err := NewRunner(testSession, p, s, sig, opts, pacing.NewSeeded(1), zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func TestNewRunner(t *testing.T) {
	p := mocks.NewFakePage("https://example.test/", 900, 900)
	s := store.NewMemory()
	logger := zaptest.NewLogger(t)
	opts := testOptions()

	_, err := NewRunner(testSession, nil, s, &mocks.MockSignals{}, opts, nil, logger)
	assert.EqualError(t, err, "page cannot be nil")
	_, err = NewRunner(testSession, p, nil, &mocks.MockSignals{}, opts, nil, logger)
	assert.EqualError(t, err, "store cannot be nil")
	_, err = NewRunner(testSession, p, s, nil, opts, nil, logger)
	assert.EqualError(t, err, "signals cannot be nil")
	_, err = NewRunner(testSession, p, s, &mocks.MockSignals{}, opts, nil, nil)
	assert.EqualError(t, err, "logger cannot be nil")
	_, err = NewRunner(testSession, p, s, &mocks.MockSignals{}, Options{}, nil, logger)
	assert.Error(t, err, "a pattern is required")
	_, err = NewRunner("../escape", p, s, &mocks.MockSignals{}, opts, nil, logger)
	assert.ErrorIs(t, err, store.ErrInvalidID)
}

func TestRunPageLoadActsOncePerScan(t *testing.T) {
	buttons := []*mocks.FakeElement{mocks.Button("Decline"), mocks.Button("Reject request"), mocks.Button("decline")}
	other := mocks.Button("Accept")
	p := mocks.NewFakePage("https://example.test/requests", 900, 900, append(buttons, other)...)
	s := store.NewMemory()

	out := newTestRunner(t, p, s, &mocks.MockSignals{}, testOptions()).RunPageLoad(context.Background())

	// The session was never started by the user, so the empty page stops instead of reloading.
	assert.Equal(t, OutcomeStopped, out.Kind)
	for _, b := range buttons {
		assert.Equal(t, 1, b.Acted())
		assert.True(t, b.Processed() || !b.Attached())
	}
	assert.Zero(t, other.Acted())
	assert.Equal(t, []page.Technique{page.TechniqueStandard, page.TechniqueStandard, page.TechniqueStandard}, p.Dispatches())
	assert.GreaterOrEqual(t, p.Scans(), 4, "every action is followed by a fresh scan")
	assert.Zero(t, p.Reloads())

	rec := load(t, s)
	assert.Equal(t, 3, rec.ActionCount)
	assert.False(t, rec.LastActionAt.IsZero())
}

func TestRunPageLoadStuckElement(t *testing.T) {
	stuck := func() *mocks.FakeElement {
		return &mocks.FakeElement{Text: "Decline", Visible: true, Stubborn: true}
	}

	t.Run("should escalate through soft recovery to a reload", func(t *testing.T) {
		p := mocks.NewFakePage("https://example.test/", 3000, 900, stuck())
		s := store.NewMemory()
		seed(t, s, &store.Record{UserStarted: true})

		out := newTestRunner(t, p, s, &mocks.MockSignals{}, testOptions()).RunPageLoad(context.Background())

		assert.Equal(t, OutcomeReload, out.Kind)
		rec := load(t, s)
		// Five local failures, two soft recoveries, then the reload.
		assert.Equal(t, 7, rec.ClickFailures)
		assert.Equal(t, 7, rec.StuckElement)
		assert.Equal(t, 1, rec.ReloadAttempts)
		assert.Equal(t, 1, rec.ClickEpisodes)
		assert.Len(t, p.Dispatches(), 7*3)
		assert.Zero(t, rec.ActionCount)
	})

	t.Run("should stop locally when the user did not start the session", func(t *testing.T) {
		p := mocks.NewFakePage("https://example.test/", 3000, 900, stuck())
		s := store.NewMemory()

		out := newTestRunner(t, p, s, &mocks.MockSignals{}, testOptions()).RunPageLoad(context.Background())

		assert.Equal(t, OutcomeStopped, out.Kind)
		assert.Zero(t, load(t, s).ReloadAttempts)
	})

	t.Run("should rotate on the second blocked episode across reloads", func(t *testing.T) {
		p := mocks.NewFakePage("https://example.test/", 3000, 900, stuck())
		s := store.NewMemory()
		seed(t, s, &store.Record{UserStarted: true, ClickFailures: 7, ReloadAttempts: 1, ClickEpisodes: 1})

		out := newTestRunner(t, p, s, &mocks.MockSignals{}, testOptions()).RunPageLoad(context.Background())

		assert.Equal(t, OutcomeRotate, out.Kind)
		rec := load(t, s)
		assert.Equal(t, 2, rec.ClickEpisodes)
		assert.Equal(t, 1, rec.FailedTargets)
		assert.True(t, rec.UserStarted)
		// Failures from the previous document do not count toward the new episode.
		assert.Equal(t, 5, rec.ClickFailures)
		assert.Len(t, p.Dispatches(), 5*3)
	})
}

func TestRunPageLoadEmptyPage(t *testing.T) {
	t.Run("should rotate when discovery stays empty after a reload", func(t *testing.T) {
		p := mocks.NewFakePage("https://example.test/", 900, 900)
		s := store.NewMemory()
		seed(t, s, &store.Record{UserStarted: true, EmptyDiscoveries: 2, ReloadAttempts: 3})

		out := newTestRunner(t, p, s, &mocks.MockSignals{}, testOptions()).RunPageLoad(context.Background())

		assert.Equal(t, OutcomeRotate, out.Kind)
		rec := load(t, s)
		assert.Equal(t, 3, rec.EmptyDiscoveries)
		assert.Equal(t, 1, rec.FailedTargets)
	})

	t.Run("should stop permanently when a second target exhausts its reloads", func(t *testing.T) {
		p := mocks.NewFakePage("https://example.test/", 900, 900)
		s := store.NewMemory()
		seed(t, s, &store.Record{UserStarted: true, ReloadAttempts: 3, FailedTargets: 1})

		out := newTestRunner(t, p, s, &mocks.MockSignals{}, testOptions()).RunPageLoad(context.Background())

		assert.Equal(t, OutcomePermanentStop, out.Kind)
		rec := load(t, s)
		assert.False(t, rec.UserStarted)
		assert.Equal(t, 2, rec.FailedTargets)
	})

	t.Run("should reload again when a reloaded page is still empty", func(t *testing.T) {
		p := mocks.NewFakePage("https://example.test/", 900, 900)
		s := store.NewMemory()
		seed(t, s, &store.Record{UserStarted: true, ReloadAttempts: 1})

		out := newTestRunner(t, p, s, &mocks.MockSignals{}, testOptions()).RunPageLoad(context.Background())

		assert.Equal(t, OutcomeReload, out.Kind)
		rec := load(t, s)
		assert.Equal(t, 1, rec.EmptyDiscoveries)
		assert.Equal(t, 2, rec.ReloadAttempts)
		assert.Zero(t, rec.FailedTargets)
	})

	t.Run("should reset the ladder when discovery surfaces candidates", func(t *testing.T) {
		later := mocks.Button("Decline")
		p := mocks.NewFakePage("https://example.test/", 5000, 1000)
		p.RevealAfterScrolls(2, later)
		s := store.NewMemory()
		seed(t, s, &store.Record{EmptyDiscoveries: 1})

		out := newTestRunner(t, p, s, &mocks.MockSignals{}, testOptions()).RunPageLoad(context.Background())

		assert.Equal(t, OutcomeStopped, out.Kind)
		assert.Equal(t, 1, later.Acted())
		assert.Equal(t, 1, load(t, s).ActionCount)
	})
}

func TestRunPageLoadLimits(t *testing.T) {
	t.Run("should force a proactive reload at the action multiple", func(t *testing.T) {
		buttons := []*mocks.FakeElement{mocks.Button("Decline"), mocks.Button("Decline"), mocks.Button("Decline"), mocks.Button("Decline")}
		p := mocks.NewFakePage("https://example.test/", 900, 900, buttons...)
		s := store.NewMemory()
		seed(t, s, &store.Record{UserStarted: true, ActionCount: 98})

		out := newTestRunner(t, p, s, &mocks.MockSignals{}, testOptions()).RunPageLoad(context.Background())

		assert.Equal(t, OutcomeReload, out.Kind)
		assert.Contains(t, out.Reason, "proactive")
		rec := load(t, s)
		assert.Equal(t, 100, rec.ActionCount)
		assert.Zero(t, rec.ReloadAttempts, "a proactive reload is not a failure")
		assert.Len(t, p.Dispatches(), 2)
	})

	t.Run("should signal and stop when the action limit is reached", func(t *testing.T) {
		opts := testOptions()
		opts.ActionLimit = 2
		p := mocks.NewFakePage("https://example.test/", 900, 900, mocks.Button("Decline"), mocks.Button("Decline"), mocks.Button("Decline"))
		s := store.NewMemory()
		seed(t, s, &store.Record{UserStarted: true})
		sig := &mocks.MockSignals{}
		sig.On("LimitReached", mock.Anything, testSession, 2).Once()

		out := newTestRunner(t, p, s, sig, opts).RunPageLoad(context.Background())

		assert.Equal(t, OutcomePermanentStop, out.Kind)
		sig.AssertExpectations(t)
		rec := load(t, s)
		assert.False(t, rec.UserStarted)
		assert.Equal(t, 2, rec.ActionCount)
	})

	t.Run("should stop at the iteration ceiling", func(t *testing.T) {
		opts := testOptions()
		opts.MaxIterations = 3
		opts.ClickFailureThreshold = 1000
		p := mocks.NewFakePage("https://example.test/", 900, 900, &mocks.FakeElement{Text: "Decline", Visible: true, Stubborn: true})

		out := newTestRunner(t, p, store.NewMemory(), &mocks.MockSignals{}, opts).RunPageLoad(context.Background())

		assert.Equal(t, OutcomeStopped, out.Kind)
		assert.Contains(t, out.Reason, "iteration ceiling")
		assert.Len(t, p.Dispatches(), 3*3)
	})
}

func TestRunPageLoadExitMarker(t *testing.T) {
	opts := testOptions()
	opts.ExitPattern = matcher.MustCompile("no more requests")
	btn := mocks.Button("Decline")
	p := mocks.NewFakePage("https://example.test/", 900, 900, btn)
	p.BodyText = "No more requests"
	s := store.NewMemory()
	seed(t, s, &store.Record{UserStarted: true, FailedTargets: 1})

	out := newTestRunner(t, p, s, &mocks.MockSignals{}, opts).RunPageLoad(context.Background())

	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Zero(t, btn.Acted(), "the marker is checked before scanning")
	rec := load(t, s)
	assert.Zero(t, rec.FailedTargets, "a completed target is not a failure")
	assert.True(t, rec.UserStarted)
}

// revealOnScan adds an element to the page right before its nth scan.
type revealOnScan struct {
	*mocks.FakePage
	nth   int
	scans int
	el    *mocks.FakeElement
}

func (r *revealOnScan) Scan(ctx context.Context, selector, pattern string) ([]page.Handle, error) {
	r.scans++
	if r.scans == r.nth {
		r.FakePage.Add(r.el)
	}
	return r.FakePage.Scan(ctx, selector, pattern)
}

func TestRunPageLoadIdleRecheck(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = time.Nanosecond
	opts.IdleRechecks = 3

	btn := mocks.Button("Decline")
	// Scans 1-4 are the first two passes of scan plus discovery; the fifth is the first re-check.
	p := &revealOnScan{FakePage: mocks.NewFakePage("https://example.test/", 900, 900), nth: 5, el: btn}
	s := store.NewMemory()

	core, logs := observer.New(zap.DebugLevel)
	r, err := NewRunner(testSession, p, s, &mocks.MockSignals{}, opts, pacing.NewSeeded(1), zap.New(core))
	require.NoError(t, err)

	out := r.RunPageLoad(context.Background())

	assert.Equal(t, OutcomeStopped, out.Kind)
	assert.Equal(t, 1, btn.Acted())
	assert.Equal(t, 1, logs.FilterMessage("Idle re-check found candidates.").Len())
}

func TestRunPageLoadCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	opts := testOptions()
	opts.ActionDelayMin = time.Hour
	opts.ActionDelayMax = time.Hour
	opts.KeepAlive = KeepAliveOptions{Enabled: true, IntervalMin: time.Millisecond, IntervalMax: 2 * time.Millisecond}
	p := mocks.NewFakePage("https://example.test/", 900, 900, mocks.Button("Decline"), mocks.Button("Decline"))
	s := store.NewMemory()
	r := newTestRunner(t, p, s, &mocks.MockSignals{}, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- r.RunPageLoad(ctx) }()

	require.Eventually(t, func() bool { return len(p.Dispatches()) == 1 && p.Heartbeats() > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case out := <-done:
		assert.Equal(t, OutcomeStopped, out.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not observe the stop")
	}
	assert.Equal(t, 1, load(t, s).ActionCount, "the action before the stop is persisted")
}

func TestKeepAlive(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := mocks.NewFakePage("https://example.test/", 900, 900)
	logger := zaptest.NewLogger(t)

	t.Run("should heartbeat until stopped", func(t *testing.T) {
		stop := startKeepAlive(context.Background(), p, KeepAliveOptions{Enabled: true, IntervalMin: time.Millisecond, IntervalMax: 2 * time.Millisecond}, pacing.NewSeeded(1), logger)
		require.Eventually(t, func() bool { return p.Heartbeats() >= 2 }, time.Second, time.Millisecond)
		stop()
		n := p.Heartbeats()
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, n, p.Heartbeats(), "no heartbeat after stop returned")
		stop()
	})

	t.Run("should do nothing when disabled", func(t *testing.T) {
		stop := startKeepAlive(context.Background(), p, KeepAliveOptions{}, pacing.NewSeeded(1), logger)
		stop()
	})
}

func TestOutcomeKindString(t *testing.T) {
	assert.Equal(t, "reload", OutcomeReload.String())
	assert.Equal(t, "permanent_stop", OutcomePermanentStop.String())
	assert.Equal(t, "outcome(42)", OutcomeKind(42).String())
}
