package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sweep-cli/internal/page"
)

// helperScript installs window.__sweep once per document. Every evaluation
// prepends it, so a fresh document after navigation is covered too.
//
//go:embed helper.js
var helperScript string

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrStaleHandle means the handle does not belong to the document's latest scan.
var ErrStaleHandle = errors.New("element handle is stale")

const defaultOpTimeout = 15 * time.Second

// TabOptions tunes a Tab.
type TabOptions struct {
	NavigationTimeout time.Duration
	PostLoadWait      time.Duration
	// OpTimeout bounds a single script evaluation.
	OpTimeout time.Duration
}

// Tab drives one browser tab through CDP. It implements page.Page.
type Tab struct {
	ctx      context.Context // Tab master context carrying the CDP target.
	cancel   context.CancelFunc
	targetID string
	opts     TabOptions
	logger   *zap.Logger

	runActionsFunc func(ctx context.Context, actions ...chromedp.Action) error
	evalFunc       func(ctx context.Context, expr string, res interface{}) error

	mu       sync.Mutex
	pointerX float64
	pointerY float64
}

var _ page.Page = (*Tab)(nil)

func newTab(ctx context.Context, cancel context.CancelFunc, targetID string, opts TabOptions, logger *zap.Logger) *Tab {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	t := &Tab{
		ctx:      ctx,
		cancel:   cancel,
		targetID: targetID,
		opts:     opts,
		logger:   logger.With(zap.String("target_id", targetID)),
	}
	t.runActionsFunc = t.runActions
	t.evalFunc = t.evaluate
	return t
}

// TargetID is the CDP target id of the tab.
func (t *Tab) TargetID() string { return t.targetID }

// Close closes the tab.
func (t *Tab) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// runActions executes actions on the tab, bounded by both the tab's lifetime and ctx.
func (t *Tab) runActions(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := CombineContext(t.ctx, ctx)
	defer cancel()
	return chromedp.Run(opCtx, actions...)
}

func (t *Tab) evaluate(ctx context.Context, expr string, res interface{}) error {
	opCtx, cancel := context.WithTimeout(ctx, t.opts.OpTimeout)
	defer cancel()

	err := t.runActionsFunc(opCtx,
		chromedp.Evaluate(helperScript+"\n"+expr, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
		}),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timeout after %v evaluating script: %w", t.opts.OpTimeout, opCtx.Err())
	}
	return fmt.Errorf("script evaluation failed: %w", err)
}

// call invokes a method of the in-page helper.
func (t *Tab) call(ctx context.Context, res interface{}, method string, args ...interface{}) error {
	expr := "window.__sweep." + method + "("
	for i, a := range args {
		if i > 0 {
			expr += ", "
		}
		expr += jsonEncode(a)
	}
	expr += ")"
	return t.evalFunc(ctx, expr, res)
}

func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}

func (t *Tab) Scan(ctx context.Context, selector, pattern string) ([]page.Handle, error) {
	var ids []string
	if err := t.call(ctx, &ids, "scan", selector, pattern); err != nil {
		return nil, err
	}
	out := make([]page.Handle, len(ids))
	for i, id := range ids {
		out[i] = page.Handle(id)
	}
	return out, nil
}

func (t *Tab) Dispatch(ctx context.Context, h page.Handle, technique page.Technique) error {
	var ok bool
	if err := t.call(ctx, &ok, "dispatch", string(h), int(technique)); err != nil {
		return err
	}
	if !ok {
		return ErrStaleHandle
	}
	return nil
}

type verdictResult struct {
	Detached bool `json:"detached"`
	Hidden   bool `json:"hidden"`
	Mismatch bool `json:"mismatch"`
}

func (t *Tab) Verify(ctx context.Context, h page.Handle, pattern string) (page.Verdict, error) {
	var v verdictResult
	if err := t.call(ctx, &v, "verify", string(h), pattern); err != nil {
		return page.Verdict{}, err
	}
	return page.Verdict{Detached: v.Detached, Hidden: v.Hidden, Mismatch: v.Mismatch}, nil
}

func (t *Tab) MarkProcessed(ctx context.Context, h page.Handle) error {
	var ok bool
	if err := t.call(ctx, &ok, "mark", string(h)); err != nil {
		return err
	}
	if !ok {
		return ErrStaleHandle
	}
	return nil
}

func (t *Tab) ContainsText(ctx context.Context, pattern string) (bool, error) {
	var found bool
	err := t.call(ctx, &found, "contains", pattern)
	return found, err
}

type scrollResult struct {
	Top      float64 `json:"top"`
	Height   float64 `json:"height"`
	Viewport float64 `json:"viewport"`
}

func (t *Tab) ScrollState(ctx context.Context) (page.ScrollState, error) {
	var s scrollResult
	if err := t.call(ctx, &s, "scrollState"); err != nil {
		return page.ScrollState{}, err
	}
	return page.ScrollState{Top: s.Top, Height: s.Height, Viewport: s.Viewport}, nil
}

func (t *Tab) ScrollTo(ctx context.Context, top float64) error {
	var ok bool
	return t.call(ctx, &ok, "scrollTo", top)
}

func (t *Tab) ScrollBy(ctx context.Context, dy float64) error {
	var ok bool
	return t.call(ctx, &ok, "scrollBy", dy)
}

// Heartbeat keeps the page's timers and the tab's activity state alive: a
// no-op scroll plus an animation frame in the page, then a trusted mouse move
// at the last pointer position.
func (t *Tab) Heartbeat(ctx context.Context) error {
	var ok bool
	if err := t.call(ctx, &ok, "heartbeat"); err != nil {
		return err
	}
	t.mu.Lock()
	x, y := t.pointerX, t.pointerY
	t.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, t.opts.OpTimeout)
	defer cancel()
	if err := t.runActionsFunc(opCtx, input.DispatchMouseEvent(input.MouseMoved, x, y)); err != nil {
		return fmt.Errorf("keep-alive mouse move failed: %w", err)
	}
	return nil
}

// SetPointer moves the position used by Heartbeat.
func (t *Tab) SetPointer(x, y float64) {
	t.mu.Lock()
	t.pointerX, t.pointerY = x, y
	t.mu.Unlock()
}

// Reload reloads bypassing the cache and waits for the load event.
func (t *Tab) Reload(ctx context.Context) error {
	navCtx, cancel := t.navigationContext(ctx)
	defer cancel()

	err := t.runActionsFunc(navCtx,
		chromedp.ActionFunc(func(c context.Context) error {
			loaded := make(chan struct{}, 1)
			lctx, lcancel := context.WithCancel(c)
			defer lcancel()
			chromedp.ListenTarget(lctx, func(ev interface{}) {
				if _, ok := ev.(*cdppage.EventLoadEventFired); ok {
					select {
					case loaded <- struct{}{}:
					default:
					}
				}
			})
			if err := cdppage.Reload().WithIgnoreCache(true).Do(c); err != nil {
				return err
			}
			select {
			case <-loaded:
				return nil
			case <-c.Done():
				return c.Err()
			}
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(t.opts.PostLoadWait),
	)
	if err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	t.logger.Debug("Page reloaded.")
	return nil
}

// Navigate loads url in the tab and waits for the document body.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := t.navigationContext(ctx)
	defer cancel()

	err := t.runActionsFunc(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(t.opts.PostLoadWait),
	)
	if err != nil {
		return fmt.Errorf("navigation to '%s' failed: %w", url, err)
	}
	t.logger.Debug("Navigated.", zap.String("url", url))
	return nil
}

func (t *Tab) URL(ctx context.Context) (string, error) {
	var u string
	if err := t.runActionsFunc(ctx, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return u, nil
}

func (t *Tab) navigationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.opts.NavigationTimeout > 0 {
		return context.WithTimeout(ctx, t.opts.NavigationTimeout)
	}
	return context.WithCancel(ctx)
}
