package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so the store can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	sqlSchema = `
        CREATE TABLE IF NOT EXISTS sweep_sessions (
            session_id        TEXT PRIMARY KEY,
            user_started      BOOLEAN NOT NULL DEFAULT FALSE,
            action_count      INTEGER NOT NULL DEFAULT 0,
            click_failures    INTEGER NOT NULL DEFAULT 0,
            empty_discoveries INTEGER NOT NULL DEFAULT 0,
            stuck_element     INTEGER NOT NULL DEFAULT 0,
            reload_attempts   INTEGER NOT NULL DEFAULT 0,
            click_episodes    INTEGER NOT NULL DEFAULT 0,
            failed_targets    INTEGER NOT NULL DEFAULT 0,
            target            TEXT NOT NULL DEFAULT '',
            ordinal           INTEGER NOT NULL DEFAULT 0,
            last_action_at    TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
            updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
        );
        CREATE TABLE IF NOT EXISTS sweep_targets (
            id         SMALLINT PRIMARY KEY,
            targets    TEXT[] NOT NULL,
            idx        INTEGER NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );
    `

	recordColumns = `session_id, user_started, action_count, click_failures, empty_discoveries,
            stuck_element, reload_attempts, click_episodes, failed_targets, target, ordinal,
            last_action_at, updated_at`

	sqlLoadSession = `
        INSERT INTO sweep_sessions (session_id, updated_at)
        VALUES ($1, $2)
        ON CONFLICT (session_id) DO UPDATE SET session_id = EXCLUDED.session_id
        RETURNING ` + recordColumns + `;
    `
	sqlSaveSession = `
        INSERT INTO sweep_sessions (` + recordColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (session_id) DO UPDATE SET
            user_started = EXCLUDED.user_started,
            action_count = EXCLUDED.action_count,
            click_failures = EXCLUDED.click_failures,
            empty_discoveries = EXCLUDED.empty_discoveries,
            stuck_element = EXCLUDED.stuck_element,
            reload_attempts = EXCLUDED.reload_attempts,
            click_episodes = EXCLUDED.click_episodes,
            failed_targets = EXCLUDED.failed_targets,
            target = EXCLUDED.target,
            ordinal = EXCLUDED.ordinal,
            last_action_at = EXCLUDED.last_action_at,
            updated_at = EXCLUDED.updated_at;
    `
	sqlDeleteSession = `DELETE FROM sweep_sessions WHERE session_id = $1;`
	sqlListSessions  = `SELECT ` + recordColumns + ` FROM sweep_sessions ORDER BY session_id;`

	// The target list is a single row.
	sqlLoadTargets = `SELECT targets, idx, updated_at FROM sweep_targets WHERE id = 1;`
	sqlSaveTargets = `
        INSERT INTO sweep_targets (id, targets, idx, updated_at)
        VALUES (1, $1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET
            targets = EXCLUDED.targets,
            idx = EXCLUDED.idx,
            updated_at = EXCLUDED.updated_at;
    `
)

// Postgres stores records in PostgreSQL so several machines can share session state.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgres verifies the connection and ensures the schema exists.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlSchema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, log: logger.Named("store")}, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	r := &Record{}
	err := row.Scan(
		&r.SessionID, &r.UserStarted, &r.ActionCount, &r.ClickFailures, &r.EmptyDiscoveries,
		&r.StuckElement, &r.ReloadAttempts, &r.ClickEpisodes, &r.FailedTargets, &r.Target, &r.Ordinal,
		&r.LastActionAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Postgres) Load(ctx context.Context, id string) (*Record, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, sqlLoadSession, id, time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return rec, nil
}

func (s *Postgres) Save(ctx context.Context, rec *Record) error {
	if err := ValidateID(rec.SessionID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, sqlSaveSession,
		rec.SessionID, rec.UserStarted, rec.ActionCount, rec.ClickFailures, rec.EmptyDiscoveries,
		rec.StuckElement, rec.ReloadAttempts, rec.ClickEpisodes, rec.FailedTargets, rec.Target, rec.Ordinal,
		rec.LastActionAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, sqlDeleteSession, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, sqlListSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *Postgres) LoadTargets(ctx context.Context) (*TargetList, error) {
	list := &TargetList{}
	err := s.pool.QueryRow(ctx, sqlLoadTargets).Scan(&list.Targets, &list.Index, &list.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &TargetList{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load targets: %w", err)
	}
	return list, nil
}

func (s *Postgres) SaveTargets(ctx context.Context, list *TargetList) error {
	targets := list.Targets
	if targets == nil {
		targets = []string{}
	}
	if _, err := s.pool.Exec(ctx, sqlSaveTargets, targets, list.Index, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save targets: %w", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*Postgres)(nil)
