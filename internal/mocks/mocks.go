// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/sweep-cli/internal/config"
	"github.com/xkilldash9x/sweep-cli/internal/store"
	"github.com/xkilldash9x/sweep-cli/internal/targets"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Engine() config.EngineConfig {
	args := m.Called()
	return args.Get(0).(config.EngineConfig)
}

func (m *MockConfig) Store() config.StoreConfig {
	args := m.Called()
	return args.Get(0).(config.StoreConfig)
}

func (m *MockConfig) Targets() config.TargetsConfig {
	args := m.Called()
	return args.Get(0).(config.TargetsConfig)
}

func (m *MockConfig) Control() config.ControlConfig {
	args := m.Called()
	return args.Get(0).(config.ControlConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserHeadless(b bool) { m.Called(b) }
func (m *MockConfig) SetBrowserTabs(n int)      { m.Called(n) }
func (m *MockConfig) SetTargetsSource(s string) { m.Called(s) }
func (m *MockConfig) SetTargetsFollow(b bool)   { m.Called(b) }
func (m *MockConfig) SetStoreDriver(d string)   { m.Called(d) }

// -- Store Mock --

// MockStore mocks the store.Store interface.
type MockStore struct {
	mock.Mock
}

var _ store.Store = (*MockStore)(nil)

func (m *MockStore) Load(ctx context.Context, id string) (*store.Record, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Record).Clone(), args.Error(1)
}

func (m *MockStore) Save(ctx context.Context, rec *store.Record) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockStore) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockStore) List(ctx context.Context) ([]*store.Record, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.Record), args.Error(1)
}

func (m *MockStore) LoadTargets(ctx context.Context) (*store.TargetList, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.TargetList), args.Error(1)
}

func (m *MockStore) SaveTargets(ctx context.Context, list *store.TargetList) error {
	return m.Called(ctx, list).Error(0)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

// -- Signals Mock --

// MockSignals mocks the engine's outbound signals.
type MockSignals struct {
	mock.Mock
}

func (m *MockSignals) CurrentTarget(ctx context.Context, sessionID string) (targets.Target, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(targets.Target), args.Error(1)
}

func (m *MockSignals) AdvanceTarget(ctx context.Context, sessionID string) (targets.Target, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(targets.Target), args.Error(1)
}

func (m *MockSignals) LimitReached(ctx context.Context, sessionID string, count int) {
	m.Called(ctx, sessionID, count)
}
