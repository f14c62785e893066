package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	sessionsDir = "sessions"
	targetsFile = "targets.json"
)

// FileStore keeps one JSON document per session under dir/sessions and the
// target list in dir/targets.json. Writes replace files atomically.
type FileStore struct {
	dir string
	mu  sync.Mutex
	log *zap.Logger
}

// NewFileStore creates the directory layout under dir.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store requires a directory")
	}
	if err := os.MkdirAll(filepath.Join(dir, sessionsDir), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: dir, log: logger.Named("store")}, nil
}

func (s *FileStore) sessionPath(id string) string {
	return filepath.Join(s.dir, sessionsDir, id+".json")
}

func (s *FileStore) Load(ctx context.Context, id string) (*Record, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := NewRecord(id)
	found, err := s.readJSON(s.sessionPath(id), rec)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if !found {
		rec.UpdatedAt = time.Now().UTC()
		if err := s.writeJSON(s.sessionPath(id), rec); err != nil {
			return nil, fmt.Errorf("failed to create session %s: %w", id, err)
		}
		s.log.Debug("Created session record.", zap.String("session_id", id))
	}
	return rec, nil
}

func (s *FileStore) Save(ctx context.Context, rec *Record) error {
	if err := ValidateID(rec.SessionID); err != nil {
		return err
	}
	c := rec.Clone()
	c.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeJSON(s.sessionPath(c.SessionID), c); err != nil {
		return fmt.Errorf("failed to save session %s: %w", c.SessionID, err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.sessionPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.dir, sessionsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var out []*Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec := &Record{}
		if _, err := s.readJSON(filepath.Join(s.dir, sessionsDir, name), rec); err != nil {
			s.log.Warn("Skipping unreadable session file.", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (s *FileStore) LoadTargets(ctx context.Context) (*TargetList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := &TargetList{}
	if _, err := s.readJSON(filepath.Join(s.dir, targetsFile), list); err != nil {
		return nil, fmt.Errorf("failed to load targets: %w", err)
	}
	return list, nil
}

func (s *FileStore) SaveTargets(ctx context.Context, list *TargetList) error {
	c := list.Clone()
	c.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeJSON(filepath.Join(s.dir, targetsFile), c); err != nil {
		return fmt.Errorf("failed to save targets: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// readJSON decodes path into v. A missing file is reported as found=false.
func (s *FileStore) readJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("corrupt %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// writeJSON writes v to a temp file in the same directory and renames it over path.
func (s *FileStore) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var _ Store = (*FileStore)(nil)
