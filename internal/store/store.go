package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sweep-cli/internal/config"
)

var (
	// ErrNotFound is returned when deleting a session that has no record.
	ErrNotFound = errors.New("session record not found")
	// ErrInvalidID is returned for session ids that cannot be used as keys.
	ErrInvalidID = errors.New("invalid session id")
)

var validID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Store persists session records and the shared target list.
type Store interface {
	// Load returns the record for id, creating an empty one on first access.
	Load(ctx context.Context, id string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Record, error)

	// LoadTargets returns the target list; an empty list when none was saved.
	LoadTargets(ctx context.Context) (*TargetList, error)
	SaveTargets(ctx context.Context, list *TargetList) error

	Close() error
}

// ValidateID checks that id is usable as a store key and file name.
func ValidateID(id string) error {
	if !validID.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "file":
		return NewFileStore(cfg.Dir, logger)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		s, err := NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
