package targets

import (
	"context"
	"fmt"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
)

// FollowOptions tunes Follow.
type FollowOptions struct {
	// Poll uses stat polling instead of inotify.
	Poll bool
	// FromStart replays the whole file instead of only lines appended later.
	FromStart bool
}

// Follow tails the list file at path and appends each new target to r. It
// blocks until ctx is done or the tailer closes.
func Follow(ctx context.Context, path string, r *Rotator, opts FollowOptions, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("targets-follow")

	loc := &tail.SeekInfo{Offset: 0, Whence: 2}
	if opts.FromStart {
		loc = nil
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Poll:      opts.Poll,
		Location:  loc,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow target file: %w", err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	logger.Info("Following target file.", zap.String("path", path))
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping target follower.")
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				logger.Info("Target file tailer closed.")
				return nil
			}
			if line.Err != nil {
				logger.Warn("Error reading target file", zap.Error(line.Err))
				continue
			}
			raw, ok := ParseLine(line.Text)
			if !ok {
				continue
			}
			target, ok := Normalize(raw, nil)
			if !ok {
				logger.Debug("Skipping line that is not a target.", zap.String("line", raw))
				continue
			}
			added, err := r.Append(ctx, target)
			if err != nil {
				logger.Error("Failed to append followed target.", zap.Error(err))
				continue
			}
			if added > 0 {
				logger.Info("Target appended.", zap.String("target", target))
			}
		}
	}
}
