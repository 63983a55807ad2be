package browser

import (
	"context"
	"errors"
	"net/url"
	"sync"
)

// fakePage is an in-memory page. Elements are registered per selector and are
// all visible. onClick lets a test react to clicks the way the real UI would.
type fakePage struct {
	mu sync.Mutex

	location string
	// bodies maps a URL path to the page text shown there
	bodies   map[string]string
	elements map[string][]Element
	texts    map[int64]string
	onClick  map[int64]func(p *fakePage)
	nextID   int64

	filled      map[int64]string
	clicks      []int64
	enters      int
	navigations []string
	screenshots int
	shotErr     error
	closed      int
}

func newFakePage() *fakePage {
	return &fakePage{
		bodies:   map[string]string{},
		elements: map[string][]Element{},
		texts:    map[int64]string{},
		onClick:  map[int64]func(p *fakePage){},
		filled:   map[int64]string{},
	}
}

// add registers a visible element under selector and returns it. Must be
// called with the lock held or before the page is in use.
func (p *fakePage) add(selector, tag, text string) Element {
	p.nextID++
	el := Element{Selector: selector, Tag: tag, ID: p.nextID}
	p.elements[selector] = append(p.elements[selector], el)
	p.texts[el.ID] = text
	return el
}

func (p *fakePage) path() string {
	u, err := url.Parse(p.location)
	if err != nil {
		return p.location
	}
	return u.Path
}

func (p *fakePage) Navigate(ctx context.Context, u string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.location = u
	p.navigations = append(p.navigations, u)
	return ctx.Err()
}

func (p *fakePage) Location(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location, nil
}

func (p *fakePage) Query(ctx context.Context, selector string) ([]Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Element(nil), p.elements[selector]...), nil
}

func (p *fakePage) Fill(ctx context.Context, el Element, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filled[el.ID] = value
	return nil
}

func (p *fakePage) Click(ctx context.Context, el Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, el.ID)
	if fn, ok := p.onClick[el.ID]; ok {
		fn(p)
	}
	return nil
}

func (p *fakePage) PressEnter(ctx context.Context, el Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enters++
	return nil
}

func (p *fakePage) Text(ctx context.Context, el Element) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.filled[el.ID]; ok {
		return v, nil
	}
	return p.texts[el.ID], nil
}

func (p *fakePage) BodyText(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bodies[p.path()], nil
}

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screenshots++
	if p.shotErr != nil {
		return nil, p.shotErr
	}
	return []byte("png"), nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

type fakeLauncher struct {
	page     *fakePage
	err      error
	launches int
}

func (l *fakeLauncher) Launch(ctx context.Context) (Session, error) {
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	return l.page, nil
}

var errNoChrome = errors.New("chrome not found")
