// Package page defines the contract between the engine and a loaded document.
// The browser package implements it over CDP; tests use a behavioral fake.
package page

import (
	"context"
	"fmt"
)

// Handle is an opaque token for one element found by a scan. It is valid only
// until the next scan of the same page and must never be cached across loop iterations.
type Handle string

// Technique names one simulated-input strategy, in escalating order of invasiveness.
type Technique int

const (
	// TechniqueStandard dispatches hover, move, press, native activate, release and click on the element.
	TechniqueStandard Technique = iota + 1
	// TechniquePointer dispatches pointerdown/pointerup plus a native activate.
	TechniquePointer
	// TechniqueHitTest resolves the topmost element at the target's center and replays the standard sequence on it.
	TechniqueHitTest
)

// Techniques is the fixed escalation order.
var Techniques = []Technique{TechniqueStandard, TechniquePointer, TechniqueHitTest}

func (t Technique) String() string {
	switch t {
	case TechniqueStandard:
		return "standard"
	case TechniquePointer:
		return "pointer"
	case TechniqueHitTest:
		return "hit_test"
	default:
		return fmt.Sprintf("technique(%d)", int(t))
	}
}

// Verdict is the post-interaction observation of a handle.
type Verdict struct {
	Detached bool `json:"detached"`
	Hidden   bool `json:"hidden"`
	Mismatch bool `json:"mismatch"`
}

// Succeeded reports whether any success signal was observed.
func (v Verdict) Succeeded() bool {
	return v.Detached || v.Hidden || v.Mismatch
}

// ScrollState describes the document's scroll geometry in CSS pixels.
type ScrollState struct {
	Top      float64 `json:"top"`
	Height   float64 `json:"height"`
	Viewport float64 `json:"viewport"`
}

// MaxTop is the largest reachable scroll offset.
func (s ScrollState) MaxTop() float64 {
	if m := s.Height - s.Viewport; m > 0 {
		return m
	}
	return 0
}

// AtBottom reports whether no further downward movement is possible.
func (s ScrollState) AtBottom() bool {
	return s.Top+1 >= s.MaxTop()
}

// Page is one live document driven by the engine. Implementations must be
// safe for the single cooperative loop that owns the page plus the keep-alive.
type Page interface {
	// Scan returns visible, unprocessed elements matching selector whose text
	// or accessible label matches the case-insensitive pattern source.
	Scan(ctx context.Context, selector, pattern string) ([]Handle, error)
	// Dispatch performs one technique against h without verifying the outcome.
	Dispatch(ctx context.Context, h Handle, t Technique) error
	// Verify observes whether h is detached, hidden, or no longer matches pattern.
	Verify(ctx context.Context, h Handle, pattern string) (Verdict, error)
	// MarkProcessed excludes h from all later scans in this document.
	MarkProcessed(ctx context.Context, h Handle) error
	// ContainsText reports whether the visible document text matches pattern.
	ContainsText(ctx context.Context, pattern string) (bool, error)

	ScrollState(ctx context.Context) (ScrollState, error)
	ScrollTo(ctx context.Context, top float64) error
	ScrollBy(ctx context.Context, dy float64) error

	// Heartbeat nudges the page so timers and observers keep running.
	Heartbeat(ctx context.Context) error
	Reload(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
}
