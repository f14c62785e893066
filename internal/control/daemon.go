package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sweep-cli/internal/engine"
	"github.com/xkilldash9x/sweep-cli/internal/observability"
)

const (
	// maxRequestSize bounds a single request.
	maxRequestSize = 64 * 1024
	readTimeout    = 10 * time.Second
	// commandTimeout bounds how long a stop may wait for a loop to exit.
	commandTimeout    = 30 * time.Second
	socketPermissions = 0o600
)

// Daemon serves commands for a fixed set of sessions.
type Daemon struct {
	sockPath string
	sessions map[string]Session
	order    []string
	logger   *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewDaemon creates a daemon listening on sockPath once served.
func NewDaemon(sockPath string, sessions []Session, logger *zap.Logger) (*Daemon, error) {
	if sockPath == "" {
		return nil, errors.New("socket path cannot be empty")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	d := &Daemon{
		sockPath: sockPath,
		sessions: make(map[string]Session, len(sessions)),
		logger:   logger.With(zap.String("component", "control"), zap.String("socket", sockPath)),
	}
	for _, s := range sessions {
		id := s.SessionID()
		if _, dup := d.sessions[id]; dup {
			return nil, fmt.Errorf("duplicate session id %q", id)
		}
		d.sessions[id] = s
		d.order = append(d.order, id)
	}
	sort.Strings(d.order)
	return d, nil
}

// Serve listens until ctx is canceled, then closes the socket and waits for
// in-flight requests.
func (d *Daemon) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.sockPath), 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	// A socket left by a crashed process would make Listen fail.
	_ = os.Remove(d.sockPath)

	listener, err := net.Listen("unix", d.sockPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.sockPath, err)
	}
	if err := os.Chmod(d.sockPath, socketPermissions); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	d.mu.Lock()
	d.listener = listener
	d.mu.Unlock()
	d.logger.Info("Control socket listening.")

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		d.acceptLoop(ctx, listener)
	}()

	<-ctx.Done()
	_ = listener.Close()
	<-acceptDone
	d.wg.Wait()

	d.mu.Lock()
	d.listener = nil
	d.mu.Unlock()
	_ = os.Remove(d.sockPath)
	d.logger.Info("Control socket closed.")
	return nil
}

// Addr is the listening address, nil when not serving.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

func (d *Daemon) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Warn("Accept failed.", zap.Error(err))
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConnection(ctx, conn)
		}()
	}
}

func (d *Daemon) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		d.logger.Debug("Failed to set read deadline.", zap.Error(err))
		return
	}

	var req Request
	if err := json.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&req); err != nil {
		_ = json.NewEncoder(conn).Encode(Response{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	resp := d.Handle(cmdCtx, req)
	resp.ID = req.ID

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		d.logger.Debug("Failed to write response.", zap.String("request_id", req.ID), zap.Error(err))
	}
}

// Handle executes req against the addressed sessions.
func (d *Daemon) Handle(ctx context.Context, req Request) Response {
	logger := d.logger.With(zap.String("request_id", req.ID), zap.String("command", req.Command), zap.String(observability.FieldSession, req.Session))

	switch req.Command {
	case CommandStart, CommandStop, CommandStatus:
	default:
		return Response{Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
	addressed, err := d.resolve(req.Session)
	if err != nil {
		return Response{Error: err.Error()}
	}

	var errs []error
	for _, s := range addressed {
		var cmdErr error
		switch req.Command {
		case CommandStart:
			cmdErr = s.Start(ctx, true)
			if errors.Is(cmdErr, engine.ErrAlreadyRunning) {
				cmdErr = nil
			}
		case CommandStop:
			cmdErr = s.Stop(ctx, req.Clear)
		}
		if cmdErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.SessionID(), cmdErr))
		}
	}

	resp := Response{}
	for _, s := range addressed {
		st, err := s.Status(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.SessionID(), err))
			continue
		}
		resp.Sessions = append(resp.Sessions, st)
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("Command failed.", zap.Error(err))
		resp.Error = err.Error()
	} else {
		logger.Info("Command handled.")
	}
	return resp
}

func (d *Daemon) resolve(id string) ([]Session, error) {
	if id == "" {
		out := make([]Session, 0, len(d.order))
		for _, id := range d.order {
			out = append(out, d.sessions[id])
		}
		return out, nil
	}
	s, ok := d.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", id)
	}
	return []Session{s}, nil
}
