package control

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sweep-cli/internal/engine"
)

// fakeSession records commands and reports a status derived from them.
type fakeSession struct {
	id       string
	mu       sync.Mutex
	running  bool
	started  bool
	startErr error
}

func (f *fakeSession) SessionID() string { return f.id }

func (f *fakeSession) Start(ctx context.Context, persist bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return engine.ErrAlreadyRunning
	}
	f.running = true
	f.started = f.started || persist
	return nil
}

func (f *fakeSession) Stop(ctx context.Context, clear bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	if clear {
		f.started = false
	}
	return nil
}

func (f *fakeSession) Status(ctx context.Context) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Status{SessionID: f.id, Running: f.running, UserStarted: f.started}, nil
}

// shortSocketPath keeps the path under the Unix socket length limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sweep")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func startDaemon(t *testing.T, sessions ...Session) (*Client, string, func()) {
	t.Helper()
	sock := shortSocketPath(t)
	d, err := NewDaemon(sock, sessions, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	require.Eventually(t, func() bool { return d.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	client := NewClient(sock)
	client.SetTimeout(2 * time.Second)
	return client, sock, func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("daemon did not shut down")
		}
	}
}

func TestDaemonCommands(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := &fakeSession{id: "tab-0"}, &fakeSession{id: "tab-1"}
	client, sock, stop := startDaemon(t, b, a)
	defer stop()
	ctx := context.Background()

	t.Run("should restrict the socket to its owner", func(t *testing.T) {
		info, err := os.Stat(sock)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("should start one session", func(t *testing.T) {
		statuses, err := client.Start(ctx, "tab-1")
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		assert.Equal(t, engine.Status{SessionID: "tab-1", Running: true, UserStarted: true}, statuses[0])
	})

	t.Run("should address every session in id order", func(t *testing.T) {
		statuses, err := client.Start(ctx, "")
		require.NoError(t, err, "starting a running session is not an error")
		require.Len(t, statuses, 2)
		assert.Equal(t, "tab-0", statuses[0].SessionID)
		assert.True(t, statuses[0].Running)
		assert.True(t, statuses[1].Running)
	})

	t.Run("should stop and optionally clear", func(t *testing.T) {
		statuses, err := client.Stop(ctx, "tab-0", false)
		require.NoError(t, err)
		assert.False(t, statuses[0].Running)
		assert.True(t, statuses[0].UserStarted)

		statuses, err = client.Stop(ctx, "", true)
		require.NoError(t, err)
		for _, st := range statuses {
			assert.False(t, st.Running)
			assert.False(t, st.UserStarted)
		}
	})

	t.Run("should report status", func(t *testing.T) {
		statuses, err := client.Status(ctx, "")
		require.NoError(t, err)
		assert.Len(t, statuses, 2)
	})

	t.Run("should reject unknown sessions", func(t *testing.T) {
		_, err := client.Status(ctx, "tab-9")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown session")
	})
}

func TestDaemonReportsCommandErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	broken := &fakeSession{id: "tab-0", startErr: errors.New("store offline")}
	client, _, stop := startDaemon(t, broken)
	defer stop()

	statuses, err := client.Start(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store offline")
	assert.Len(t, statuses, 1, "status is still reported alongside the error")
}

func TestDaemonRawProtocol(t *testing.T) {
	defer goleak.VerifyNone(t)

	_, sock, stop := startDaemon(t, &fakeSession{id: "tab-0"})
	defer stop()

	exchange := func(payload string) Response {
		conn, err := net.Dial("unix", sock)
		require.NoError(t, err)
		defer conn.Close()
		_, err = conn.Write([]byte(payload))
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.NewDecoder(conn).Decode(&resp))
		return resp
	}

	t.Run("should assign a request id when none is sent", func(t *testing.T) {
		resp := exchange(`{"command":"status"}` + "\n")
		assert.Empty(t, resp.Error)
		assert.Len(t, resp.ID, 36)
	})

	t.Run("should echo the request id", func(t *testing.T) {
		resp := exchange(`{"id":"abc","command":"status"}` + "\n")
		assert.Equal(t, "abc", resp.ID)
	})

	t.Run("should reject unknown commands", func(t *testing.T) {
		resp := exchange(`{"command":"reboot"}` + "\n")
		assert.Contains(t, resp.Error, "unknown command")
	})

	t.Run("should reject malformed requests", func(t *testing.T) {
		resp := exchange(`{"command":}` + "\n")
		assert.Contains(t, resp.Error, "invalid request")
	})
}

func TestClientDaemonNotRunning(t *testing.T) {
	client := NewClient(shortSocketPath(t))
	_, err := client.Status(context.Background(), "")
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}

func TestNewDaemonValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := NewDaemon("", nil, logger)
	assert.Error(t, err)
	_, err = NewDaemon("/tmp/x.sock", nil, nil)
	assert.Error(t, err)
	_, err = NewDaemon("/tmp/x.sock", []Session{&fakeSession{id: "a"}, &fakeSession{id: "a"}}, logger)
	assert.ErrorContains(t, err, "duplicate session id")
}
