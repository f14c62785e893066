package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sweep-cli/internal/config"
)

// ignoreStamps drops bookkeeping timestamps from record comparisons.
var ignoreStamps = cmpopts.IgnoreFields(Record{}, "UpdatedAt")

// -- Shared behavior for every driver --

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("should create a record lazily on first load", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.Load(ctx, "tab-1")
		require.NoError(t, err)

		if diff := cmp.Diff(NewRecord("tab-1"), rec, ignoreStamps); diff != "" {
			t.Errorf("lazy record mismatch (-want +got):\n%s", diff)
		}

		list, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1, "the lazily created record is persisted")
	})

	t.Run("should round trip counters across loads", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.Load(ctx, "tab-2")
		require.NoError(t, err)

		rec.UserStarted = true
		rec.ActionCount = 42
		rec.ReloadAttempts = 2
		rec.ClickEpisodes = 1
		rec.Target = "https://example.com/a"
		rec.Ordinal = 3
		rec.LastActionAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, s.Save(ctx, rec))

		again, err := s.Load(ctx, "tab-2")
		require.NoError(t, err)
		if diff := cmp.Diff(rec, again, ignoreStamps); diff != "" {
			t.Errorf("record mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("should isolate sessions by id", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Load(ctx, "a")
		require.NoError(t, err)
		a.ActionCount = 7
		require.NoError(t, s.Save(ctx, a))

		b, err := s.Load(ctx, "b")
		require.NoError(t, err)
		assert.Zero(t, b.ActionCount)
	})

	t.Run("should delete and report missing sessions", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(ctx, "gone")
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, "gone"))
		assert.ErrorIs(t, s.Delete(ctx, "gone"), ErrNotFound)
	})

	t.Run("should reject unsafe ids", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(ctx, "../escape")
		assert.ErrorIs(t, err, ErrInvalidID)
	})

	t.Run("should persist the target list", func(t *testing.T) {
		s := newStore(t)
		empty, err := s.LoadTargets(ctx)
		require.NoError(t, err)
		_, ok := empty.Current()
		assert.False(t, ok)

		require.NoError(t, s.SaveTargets(ctx, &TargetList{Targets: []string{"u1", "u2"}, Index: 1}))
		list, err := s.LoadTargets(ctx)
		require.NoError(t, err)
		cur, ok := list.Current()
		require.True(t, ok)
		assert.Equal(t, "u2", cur)
	})

	t.Run("should not share memory with callers", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.Load(ctx, "copy")
		require.NoError(t, err)
		rec.ActionCount = 99

		fresh, err := s.Load(ctx, "copy")
		require.NoError(t, err)
		assert.Zero(t, fresh.ActionCount, "unsaved mutation must not leak into the store")
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemory() })

	t.Run("should tolerate concurrent sessions", func(t *testing.T) {
		s := NewMemory()
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				for n := 0; n < 50; n++ {
					rec, err := s.Load(ctx, id)
					if err != nil {
						t.Error(err)
						return
					}
					rec.ActionCount++
					_ = s.Save(ctx, rec)
				}
			}(string(rune('a' + i)))
		}
		wg.Wait()

		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 8)
		for _, rec := range list {
			assert.Equal(t, 50, rec.ActionCount, rec.SessionID)
		}
	})
}

func TestFileStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewFileStore(t.TempDir(), zaptest.NewLogger(t))
		require.NoError(t, err)
		return s
	})

	t.Run("should survive reopening the directory", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()
		first, err := NewFileStore(dir, zaptest.NewLogger(t))
		require.NoError(t, err)
		rec, err := first.Load(ctx, "tab")
		require.NoError(t, err)
		rec.UserStarted = true
		require.NoError(t, first.Save(ctx, rec))

		second, err := NewFileStore(dir, zaptest.NewLogger(t))
		require.NoError(t, err)
		again, err := second.Load(ctx, "tab")
		require.NoError(t, err)
		assert.True(t, again.UserStarted)
	})

	t.Run("should skip corrupt files when listing", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewFileStore(dir, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, sessionsDir, "bad.json"), []byte("{"), 0o600))
		_, err = s.Load(context.Background(), "good")
		require.NoError(t, err)

		list, err := s.List(context.Background())
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "good", list[0].SessionID)

		_, err = s.Load(context.Background(), "bad")
		assert.Error(t, err, "loading a corrupt record must fail rather than reset counters")
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Driver: "memory"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, config.StoreConfig{Driver: "file", Dir: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(ctx, config.StoreConfig{Driver: "etcd"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestRecordTransitions(t *testing.T) {
	t.Run("should keep the action count when failures reset", func(t *testing.T) {
		rec := &Record{ActionCount: 10, ClickFailures: 4, EmptyDiscoveries: 2, ReloadAttempts: 3, ClickEpisodes: 1, FailedTargets: 1}
		rec.ResetFailures()
		assert.Equal(t, &Record{ActionCount: 10}, rec)
	})

	t.Run("should count an action and clear failures", func(t *testing.T) {
		at := time.Now()
		rec := &Record{ActionCount: 1, ReloadAttempts: 2}
		rec.RecordAction(at)
		assert.Equal(t, 2, rec.ActionCount)
		assert.Zero(t, rec.ReloadAttempts)
		assert.Equal(t, at, rec.LastActionAt)
	})

	t.Run("should reset the action count only when entering a target", func(t *testing.T) {
		rec := &Record{UserStarted: true, ActionCount: 120, ReloadAttempts: 3, Target: "a", Ordinal: 0}
		rec.EnterTarget("b", 1, 1)
		assert.Equal(t, &Record{UserStarted: true, FailedTargets: 1, Target: "b", Ordinal: 1}, rec)
	})

	t.Run("should forget per-document failures when a page load begins", func(t *testing.T) {
		rec := &Record{ActionCount: 5, ClickFailures: 7, StuckElement: 7, EmptyDiscoveries: 1, ReloadAttempts: 1, ClickEpisodes: 1}
		rec.BeginPageLoad()
		assert.Equal(t, &Record{ActionCount: 5, EmptyDiscoveries: 1, ReloadAttempts: 1, ClickEpisodes: 1}, rec)
	})
}
