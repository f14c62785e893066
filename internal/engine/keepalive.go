package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sweep-cli/internal/pacing"
	"github.com/xkilldash9x/sweep-cli/internal/page"
)

// KeepAliveOptions controls the heartbeat sent while a loop runs.
type KeepAliveOptions struct {
	Enabled     bool
	IntervalMin time.Duration
	IntervalMax time.Duration
}

// startKeepAlive heartbeats p at randomized intervals until the returned stop
// function is called or ctx ends. stop blocks until the goroutine has exited.
func startKeepAlive(ctx context.Context, p page.Page, opts KeepAliveOptions, pacer *pacing.Pacer, logger *zap.Logger) (stop func()) {
	if !opts.Enabled || opts.IntervalMax <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if err := pacer.Pause(ctx, opts.IntervalMin, opts.IntervalMax); err != nil {
				return
			}
			if err := p.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				logger.Debug("Keep-alive heartbeat failed.", zap.Error(err))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}
