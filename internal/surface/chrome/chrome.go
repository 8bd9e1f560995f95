// Package chrome implements surface.Surface on top of a Chrome instance
// driven through the DevTools protocol.
package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/loykin/kvdl/internal/surface"
)

// DefaultActionTimeout bounds every page interaction except
// WaitForAppearance, which carries its own timeout.
const DefaultActionTimeout = 30 * time.Second

// Options configures the launched browser.
type Options struct {
	Headless     bool
	DownloadDir  string
	WindowWidth  int
	WindowHeight int
	// ExecPath overrides Chrome discovery.
	ExecPath string
	// ActionTimeout defaults to DefaultActionTimeout.
	ActionTimeout time.Duration
	Logger        *slog.Logger
}

func (o Options) actionTimeout() time.Duration {
	if o.ActionTimeout <= 0 {
		return DefaultActionTimeout
	}
	return o.ActionTimeout
}

// Browser is a single tab of a launched Chrome.
type Browser struct {
	ctx           context.Context
	cancel        context.CancelFunc
	allocCancel   context.CancelFunc
	actionTimeout time.Duration
	logger        *slog.Logger
}

var _ surface.Surface = (*Browser)(nil)

// Open launches Chrome and prepares a tab. When DownloadDir is set, the
// browser is told to save downloads there without prompting.
func Open(ctx context.Context, opts Options) (*Browser, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w, h := opts.WindowWidth, opts.WindowHeight
	if w <= 0 || h <= 0 {
		w, h = 1440, 1200
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(w, h),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	tabCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Debug("chrome", "msg", fmt.Sprintf(format, args...))
		}),
	)

	b := &Browser{
		ctx:           tabCtx,
		cancel:        cancel,
		allocCancel:   allocCancel,
		actionTimeout: opts.actionTimeout(),
		logger:        logger,
	}

	// An empty run starts the browser process.
	if err := chromedp.Run(tabCtx); err != nil {
		b.Close()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	if opts.DownloadDir != "" {
		logger.Info("setting download path", "dir", opts.DownloadDir)
		err := chromedp.Run(tabCtx,
			browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
				WithDownloadPath(opts.DownloadDir),
		)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("set download behavior: %w", err)
		}
	}
	return b, nil
}

// Close shuts down the tab and the browser process.
func (b *Browser) Close() {
	if err := chromedp.Cancel(b.ctx); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Debug("chrome close", "error", err)
	}
	b.cancel()
	b.allocCancel()
}

// run executes actions on the tab within the action timeout. chromedp
// retries queries on missing or invisible nodes until its context ends.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	return b.runWithin(ctx, b.actionTimeout, actions...)
}

func (b *Browser) runWithin(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return runError(ctx, chromedp.Run(runCtx, actions...), timeout)
}

// runError prefers the caller's cancellation and reports an expired action
// deadline as surface.ErrTimeout.
func runError(ctx context.Context, err error, timeout time.Duration) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("no response after %s: %w", timeout, surface.ErrTimeout)
	default:
		return err
	}
}

func nodeIDs(el surface.Element) ([]cdp.NodeID, error) {
	id, ok := el.Ref().(cdp.NodeID)
	if !ok {
		return nil, fmt.Errorf("element %q was not produced by this browser", el.Selector())
	}
	return []cdp.NodeID{id}, nil
}

func (b *Browser) Navigate(ctx context.Context, url string) error {
	return b.run(ctx, chromedp.Navigate(url))
}

func (b *Browser) Title(ctx context.Context) (string, error) {
	var title string
	err := b.run(ctx, chromedp.Title(&title))
	return title, err
}

func (b *Browser) Locate(ctx context.Context, selector string) (surface.Element, error) {
	var nodes []*cdp.Node
	if err := b.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return surface.Element{}, fmt.Errorf("locate %s: %w", selector, err)
	}
	if len(nodes) == 0 {
		return surface.Element{}, fmt.Errorf("%s: %w", selector, surface.ErrNotFound)
	}
	return surface.NewElement(selector, nodes[0].NodeID), nil
}

func (b *Browser) LocateAll(ctx context.Context, selector string) ([]surface.Element, error) {
	var nodes []*cdp.Node
	if err := b.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("locate all %s: %w", selector, err)
	}
	out := make([]surface.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, surface.NewElement(selector, n.NodeID))
	}
	return out, nil
}

func (b *Browser) Click(ctx context.Context, el surface.Element) error {
	ids, err := nodeIDs(el)
	if err != nil {
		return err
	}
	return b.run(ctx, chromedp.Click(ids, chromedp.ByNodeID))
}

func (b *Browser) Focus(ctx context.Context, el surface.Element) error {
	ids, err := nodeIDs(el)
	if err != nil {
		return err
	}
	return b.run(ctx, chromedp.Focus(ids, chromedp.ByNodeID))
}

func (b *Browser) TypeText(ctx context.Context, el surface.Element, text string) error {
	ids, err := nodeIDs(el)
	if err != nil {
		return err
	}
	return b.run(ctx, chromedp.SendKeys(ids, text, chromedp.ByNodeID))
}

func (b *Browser) ReadText(ctx context.Context, el surface.Element) (string, error) {
	ids, err := nodeIDs(el)
	if err != nil {
		return "", err
	}
	var text string
	err = b.run(ctx, chromedp.Text(ids, &text, chromedp.ByNodeID))
	return text, err
}

// ownTextJS returns the trailing text node of a caption, ignoring badges and
// icons nested before it. Elements without one fall back to innerText.
const ownTextJS = `function() {
	const n = this.lastChild;
	if (n && n.nodeType === Node.TEXT_NODE && n.nodeValue.trim() !== "") {
		return n.nodeValue.trim();
	}
	return (this.innerText || "").trim();
}`

func (b *Browser) ReadOwnText(ctx context.Context, el surface.Element) (string, error) {
	ids, err := nodeIDs(el)
	if err != nil {
		return "", err
	}
	var text string
	err = b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(ids[0]).Do(ctx)
		if err != nil {
			return err
		}
		res, exc, err := runtime.CallFunctionOn(ownTextJS).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		return json.Unmarshal(res.Value, &text)
	}))
	return text, err
}

func (b *Browser) ReadAttribute(ctx context.Context, el surface.Element, name string) (string, bool, error) {
	ids, err := nodeIDs(el)
	if err != nil {
		return "", false, err
	}
	var (
		value string
		ok    bool
	)
	err = b.run(ctx, chromedp.AttributeValue(ids, name, &value, &ok, chromedp.ByNodeID))
	return value, ok, err
}

func (b *Browser) WaitForAppearance(ctx context.Context, selector string, timeout time.Duration) (surface.Element, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var nodes []*cdp.Node
	err := b.runWithin(waitCtx, timeout, chromedp.Nodes(selector, &nodes, chromedp.ByQuery))
	if err != nil {
		if ctx.Err() != nil {
			return surface.Element{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return surface.Element{}, fmt.Errorf("%s after %s: %w", selector, timeout, surface.ErrTimeout)
		}
		return surface.Element{}, fmt.Errorf("wait for %s: %w", selector, err)
	}
	if len(nodes) == 0 {
		return surface.Element{}, fmt.Errorf("%s: %w", selector, surface.ErrNotFound)
	}
	return surface.NewElement(selector, nodes[0].NodeID), nil
}

func (b *Browser) ScrollIntoView(ctx context.Context, el surface.Element) error {
	ids, err := nodeIDs(el)
	if err != nil {
		return err
	}
	return b.run(ctx, chromedp.ScrollIntoView(ids, chromedp.ByNodeID))
}
