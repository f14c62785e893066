// Package control carries start, stop and status commands from the CLI to a
// running sweep process over a Unix socket. Each connection holds exactly one
// JSON request followed by one JSON response.
package control

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/sweep-cli/internal/engine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Command names.
const (
	CommandStart  = "start"
	CommandStop   = "stop"
	CommandStatus = "status"
)

// Request is one command. An empty Session addresses every session.
type Request struct {
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`
	Session string `json:"session,omitempty"`
	// Clear also drops the user-started flag on stop.
	Clear bool `json:"clear,omitempty"`
}

// Response answers a Request with the status of every addressed session.
type Response struct {
	ID       string          `json:"id,omitempty"`
	Error    string          `json:"error,omitempty"`
	Sessions []engine.Status `json:"sessions,omitempty"`
}

// Session is what the daemon controls. *engine.Controller implements it.
type Session interface {
	SessionID() string
	Start(ctx context.Context, persist bool) error
	Stop(ctx context.Context, clearUserStarted bool) error
	Status(ctx context.Context) (engine.Status, error)
}

var _ Session = (*engine.Controller)(nil)
