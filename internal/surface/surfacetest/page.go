// Package surfacetest provides a scriptable in-memory surface.Surface.
package surfacetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/kvdl/internal/surface"
)

// Node is a fake DOM node. OnClick runs with the page unlocked so it can
// mutate the page (open a modal, change a label).
type Node struct {
	Text string
	// OwnText is the trailing text node; empty means the same as Text.
	OwnText string
	Attrs   map[string]string
	OnClick func(p *Page) error
	// Err, when set, is returned from every interaction with the node.
	Err error
}

// Page is a fake page addressed purely by selector.
type Page struct {
	mu         sync.Mutex
	title      string
	nodes      map[string][]*Node
	routes     map[string]func(p *Page)
	navigated  []string
	clicks     []string
	focused    []string
	typed      map[string]string
	scrolled   []string
	NavigateFn func(url string) error
}

func New() *Page {
	return &Page{
		nodes:  map[string][]*Node{},
		routes: map[string]func(p *Page){},
		typed:  map[string]string{},
	}
}

var _ surface.Surface = (*Page)(nil)

// Route registers the page state loaded when url is navigated to. The
// current nodes and title are discarded first.
func (p *Page) Route(url string, setup func(p *Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[url] = setup
}

// Set replaces the nodes matched by selector.
func (p *Page) Set(selector string, nodes ...*Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[selector] = nodes
}

func (p *Page) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodes, selector)
}

func (p *Page) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
}

func (p *Page) Navigated() []string { return p.snapshot(&p.navigated) }
func (p *Page) Clicks() []string    { return p.snapshot(&p.clicks) }
func (p *Page) Focused() []string   { return p.snapshot(&p.focused) }
func (p *Page) Scrolled() []string  { return p.snapshot(&p.scrolled) }

// Typed returns the text sent to selector.
func (p *Page) Typed(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[selector]
}

func (p *Page) snapshot(s *[]string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(*s))
	copy(out, *s)
	return out
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.NavigateFn != nil {
		if err := p.NavigateFn(url); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.navigated = append(p.navigated, url)
	setup, ok := p.routes[url]
	if ok {
		p.nodes = map[string][]*Node{}
		p.title = ""
	}
	p.mu.Unlock()
	if ok {
		setup(p)
	}
	return nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *Page) Locate(ctx context.Context, selector string) (surface.Element, error) {
	all, err := p.LocateAll(ctx, selector)
	if err != nil {
		return surface.Element{}, err
	}
	if len(all) == 0 {
		return surface.Element{}, fmt.Errorf("%s: %w", selector, surface.ErrNotFound)
	}
	return all[0], nil
}

func (p *Page) LocateAll(ctx context.Context, selector string) ([]surface.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes := p.nodes[selector]
	out := make([]surface.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, surface.NewElement(selector, n))
	}
	return out, nil
}

func (p *Page) node(el surface.Element) (*Node, error) {
	n, ok := el.Ref().(*Node)
	if !ok || n == nil {
		return nil, fmt.Errorf("foreign element for %s", el.Selector())
	}
	return n, n.Err
}

func (p *Page) Click(ctx context.Context, el surface.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := p.node(el)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.clicks = append(p.clicks, el.Selector())
	p.mu.Unlock()
	if n.OnClick != nil {
		return n.OnClick(p)
	}
	return nil
}

func (p *Page) Focus(ctx context.Context, el surface.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.node(el); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.focused = append(p.focused, el.Selector())
	return nil
}

func (p *Page) TypeText(ctx context.Context, el surface.Element, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.node(el); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typed[el.Selector()] += text
	return nil
}

func (p *Page) ReadText(ctx context.Context, el surface.Element) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n, err := p.node(el)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return n.Text, nil
}

func (p *Page) ReadOwnText(ctx context.Context, el surface.Element) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n, err := p.node(el)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n.OwnText != "" {
		return n.OwnText, nil
	}
	return n.Text, nil
}

func (p *Page) ReadAttribute(ctx context.Context, el surface.Element, name string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	n, err := p.node(el)
	if err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := n.Attrs[name]
	return v, ok, nil
}

// WaitForAppearance never blocks: the node is either present or the call
// times out immediately.
func (p *Page) WaitForAppearance(ctx context.Context, selector string, timeout time.Duration) (surface.Element, error) {
	el, err := p.Locate(ctx, selector)
	if surface.KindOf(err) == surface.NotFound {
		return surface.Element{}, fmt.Errorf("%s after %s: %w", selector, timeout, surface.ErrTimeout)
	}
	return el, err
}

func (p *Page) ScrollIntoView(ctx context.Context, el surface.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.node(el); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrolled = append(p.scrolled, el.Selector())
	return nil
}
