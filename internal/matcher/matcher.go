// Package matcher finds visible, unprocessed interactive elements whose text
// matches a configured pattern.
package matcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sweep-cli/internal/page"
)

// DefaultSelector covers the interactive element kinds considered by a scan.
const DefaultSelector = `[role="button"], button, a`

// Options configures a Matcher.
type Options struct {
	Pattern  Pattern
	Selector string
}

// Matcher produces candidate snapshots from a live page.
type Matcher struct {
	page   page.Page
	opts   Options
	logger *zap.Logger
}

// New creates a Matcher. An empty selector falls back to DefaultSelector.
func New(p page.Page, opts Options, logger *zap.Logger) *Matcher {
	if opts.Selector == "" {
		opts.Selector = DefaultSelector
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{page: p, opts: opts, logger: logger.Named("matcher")}
}

// Pattern returns the pattern candidates are matched against.
func (m *Matcher) Pattern() Pattern { return m.opts.Pattern }

// Scan returns the current candidates in document order. Every call is a
// fresh snapshot. A failed scan yields no candidates rather than an error;
// the caller treats it like an empty page.
func (m *Matcher) Scan(ctx context.Context) []page.Handle {
	if ctx.Err() != nil || m.opts.Pattern.IsZero() {
		return nil
	}
	handles, err := m.page.Scan(ctx, m.opts.Selector, m.opts.Pattern.Source())
	if err != nil {
		m.logger.Debug("Scan failed; treating as no candidates.", zap.Error(err))
		return nil
	}
	return handles
}

// Present reports whether the document text matches an arbitrary pattern,
// used for exit markers. A zero pattern never matches.
func (m *Matcher) Present(ctx context.Context, p Pattern) bool {
	if p.IsZero() || ctx.Err() != nil {
		return false
	}
	ok, err := m.page.ContainsText(ctx, p.Source())
	if err != nil {
		m.logger.Debug("Text probe failed.", zap.Error(err))
		return false
	}
	return ok
}
