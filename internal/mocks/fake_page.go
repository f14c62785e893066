// File: internal/mocks/fake_page.go
package mocks

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/xkilldash9x/sweep-cli/internal/page"
)

// ErrStaleHandle is returned by the fake when a handle is not in the current scan registry.
var ErrStaleHandle = errors.New("stale handle")

// Effect is what happens to a FakeElement once its action fires.
type Effect int

const (
	// EffectRemove detaches the element from the document.
	EffectRemove Effect = iota
	// EffectHide keeps the element attached but invisible.
	EffectHide
	// EffectRetext replaces the element's text with NewText.
	EffectRetext
	// EffectNone fires the action but leaves the element unchanged.
	EffectNone
)

// FakeElement is one interactive element in a FakePage.
type FakeElement struct {
	Text    string
	Label   string
	Visible bool
	// NonInteractive elements never match the selector.
	NonInteractive bool
	// RespondsTo lists techniques that fire the action. Nil means every technique does.
	RespondsTo []page.Technique
	// Stubborn elements never respond to any technique.
	Stubborn bool
	Effect   Effect
	NewText  string

	attached  bool
	processed bool
	acted     int
}

// Button is a visible element that disappears when clicked.
func Button(text string) *FakeElement {
	return &FakeElement{Text: text, Visible: true}
}

// Acted returns how many times the element's action fired.
func (e *FakeElement) Acted() int { return e.acted }

// Processed reports whether the element carries the processed marker.
func (e *FakeElement) Processed() bool { return e.processed }

// Attached reports whether the element is still in the document.
func (e *FakeElement) Attached() bool { return e.attached }

func (e *FakeElement) responds(t page.Technique) bool {
	if e.Stubborn {
		return false
	}
	if e.RespondsTo == nil {
		return true
	}
	for _, r := range e.RespondsTo {
		if r == t {
			return true
		}
	}
	return false
}

type reveal struct {
	afterScrolls int
	elements     []*FakeElement
}

// FakePage is an in-memory page.Page with DOM-like behavior: scans snapshot the
// element list, handles go stale on the next scan, and reloads give a fresh
// document built by OnReload.
type FakePage struct {
	mu sync.Mutex

	elements []*FakeElement
	registry map[page.Handle]*FakeElement
	nextID   int
	reveals  []reveal

	// BodyText is extra visible document text probed by ContainsText.
	BodyText string
	state    page.ScrollState
	url      string

	// OnReload rebuilds the document after Reload; OnNavigate after Navigate.
	OnReload   func(p *FakePage)
	OnNavigate func(p *FakePage, url string)
	// ScanErr, when set, fails every Scan.
	ScanErr error
	// Grow extends the document each time a scroll lands at the bottom, like an infinite feed.
	Grow float64

	scans       int
	dispatches  []page.Technique
	scrollTops  []float64
	scrollCount int
	reloads     int
	heartbeats  int
	navigations []string
}

// NewFakePage creates a page of the given scroll height and viewport.
func NewFakePage(url string, height, viewport float64, elements ...*FakeElement) *FakePage {
	p := &FakePage{
		url:      url,
		state:    page.ScrollState{Height: height, Viewport: viewport},
		registry: make(map[page.Handle]*FakeElement),
	}
	p.Add(elements...)
	return p
}

// Add attaches elements to the document.
func (p *FakePage) Add(elements ...*FakeElement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(elements...)
}

func (p *FakePage) addLocked(elements ...*FakeElement) {
	for _, e := range elements {
		e.attached = true
		p.elements = append(p.elements, e)
	}
}

// Reset replaces the document with a fresh one containing elements.
func (p *FakePage) Reset(elements ...*FakeElement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.elements {
		e.attached = false
	}
	p.elements = nil
	p.reveals = nil
	p.registry = make(map[page.Handle]*FakeElement)
	p.state.Top = 0
	p.scrollCount = 0
	p.addLocked(elements...)
}

// RevealAfterScrolls attaches elements once the page has been scrolled n times.
func (p *FakePage) RevealAfterScrolls(n int, elements ...*FakeElement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reveals = append(p.reveals, reveal{afterScrolls: n, elements: elements})
}

func compile(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)(?:" + pattern + ")")
}

func (p *FakePage) matches(e *FakeElement, re *regexp.Regexp) bool {
	return re.MatchString(e.Text + " " + e.Label)
}

func (p *FakePage) Scan(ctx context.Context, selector, pattern string) ([]page.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scans++
	if p.ScanErr != nil {
		return nil, p.ScanErr
	}
	re, err := compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	p.registry = make(map[page.Handle]*FakeElement)
	var out []page.Handle
	for _, e := range p.elements {
		if !e.attached || !e.Visible || e.processed || e.NonInteractive || !p.matches(e, re) {
			continue
		}
		p.nextID++
		h := page.Handle(fmt.Sprintf("h%d", p.nextID))
		p.registry[h] = e
		out = append(out, h)
	}
	return out, nil
}

func (p *FakePage) Dispatch(ctx context.Context, h page.Handle, t page.Technique) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatches = append(p.dispatches, t)
	e, ok := p.registry[h]
	if !ok {
		return ErrStaleHandle
	}
	if !e.attached || !e.responds(t) {
		return nil
	}
	e.acted++
	switch e.Effect {
	case EffectRemove:
		e.attached = false
	case EffectHide:
		e.Visible = false
	case EffectRetext:
		e.Text = e.NewText
		e.Label = ""
	}
	return nil
}

func (p *FakePage) Verify(ctx context.Context, h page.Handle, pattern string) (page.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return page.Verdict{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.registry[h]
	if !ok || !e.attached {
		return page.Verdict{Detached: true}, nil
	}
	re, err := compile(pattern)
	if err != nil {
		return page.Verdict{}, err
	}
	return page.Verdict{Hidden: !e.Visible, Mismatch: !p.matches(e, re)}, nil
}

func (p *FakePage) MarkProcessed(ctx context.Context, h page.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.registry[h]
	if !ok {
		return ErrStaleHandle
	}
	e.processed = true
	return nil
}

func (p *FakePage) ContainsText(ctx context.Context, pattern string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	re, err := compile(pattern)
	if err != nil {
		return false, err
	}
	if re.MatchString(p.BodyText) {
		return true, nil
	}
	for _, e := range p.elements {
		if e.attached && e.Visible && re.MatchString(e.Text) {
			return true, nil
		}
	}
	return false, nil
}

func (p *FakePage) ScrollState(ctx context.Context) (page.ScrollState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

func (p *FakePage) ScrollTo(ctx context.Context, top float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrollLocked(top)
	return nil
}

func (p *FakePage) ScrollBy(ctx context.Context, dy float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrollLocked(p.state.Top + dy)
	return nil
}

func (p *FakePage) scrollLocked(top float64) {
	if top < 0 {
		top = 0
	}
	if limit := p.state.MaxTop(); top > limit {
		top = limit
	}
	p.state.Top = top
	p.scrollTops = append(p.scrollTops, top)
	p.scrollCount++
	if p.Grow > 0 && p.state.AtBottom() {
		p.state.Height += p.Grow
	}

	remaining := p.reveals[:0]
	for _, r := range p.reveals {
		if p.scrollCount >= r.afterScrolls {
			p.addLocked(r.elements...)
			continue
		}
		remaining = append(remaining, r)
	}
	p.reveals = remaining
}

func (p *FakePage) Heartbeat(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats++
	return nil
}

func (p *FakePage) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.reloads++
	hook := p.OnReload
	p.mu.Unlock()

	// Markers live in the DOM, so a reload forgets them.
	p.Reset()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	p.navigations = append(p.navigations, url)
	hook := p.OnNavigate
	p.mu.Unlock()

	p.Reset()
	if hook != nil {
		hook(p, url)
	}
	return nil
}

func (p *FakePage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

// -- Observations --

func (p *FakePage) Scans() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scans
}

func (p *FakePage) Dispatches() []page.Technique {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]page.Technique(nil), p.dispatches...)
}

func (p *FakePage) ScrollTops() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.scrollTops...)
}

func (p *FakePage) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

func (p *FakePage) Heartbeats() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heartbeats
}

func (p *FakePage) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

var _ page.Page = (*FakePage)(nil)
