package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/sweep-cli/internal/engine"
)

// ErrDaemonNotRunning means nothing is listening on the socket.
var ErrDaemonNotRunning = errors.New("sweep is not running")

// DefaultClientTimeout bounds one request when ctx has no deadline. Stop may
// wait for a loop to finish its current step, so it is generous.
const DefaultClientTimeout = 35 * time.Second

// Client sends commands to a Daemon.
type Client struct {
	sockPath string
	timeout  time.Duration
}

// NewClient creates a client for the socket at sockPath.
func NewClient(sockPath string) *Client {
	return &Client{sockPath: sockPath, timeout: DefaultClientTimeout}
}

// SetTimeout overrides DefaultClientTimeout.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Start starts session, or every session when it is empty, persisting the user-started flag.
func (c *Client) Start(ctx context.Context, session string) ([]engine.Status, error) {
	return c.call(ctx, Request{Command: CommandStart, Session: session})
}

// Stop stops session, or every session. clear also disables auto-resume.
func (c *Client) Stop(ctx context.Context, session string, clear bool) ([]engine.Status, error) {
	return c.call(ctx, Request{Command: CommandStop, Session: session, Clear: clear})
}

// Status reports session, or every session.
func (c *Client) Status(ctx context.Context, session string) ([]engine.Status, error) {
	return c.call(ctx, Request{Command: CommandStatus, Session: session})
}

func (c *Client) call(ctx context.Context, req Request) ([]engine.Status, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.sockPath)
	if err != nil {
		return nil, wrapDialError(err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to set deadline: %w", err)
		}
	}

	req.ID = uuid.NewString()
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("timed out waiting for %s response: %w", req.Command, err)
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	if resp.Error != "" {
		return resp.Sessions, fmt.Errorf("%s failed: %s", req.Command, resp.Error)
	}
	return resp.Sessions, nil
}

func wrapDialError(err error) error {
	if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	return fmt.Errorf("failed to connect: %w", err)
}
