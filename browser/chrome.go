package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	log "github.com/sirupsen/logrus"
)

// ChromeLauncher starts a local Chrome or Chromium through chromedp
type ChromeLauncher struct {
	Headless bool
	// ExecPath overrides Chrome discovery
	ExecPath     string
	WindowWidth  int
	WindowHeight int
}

// Launch starts the browser and opens a blank tab. The browser lives until
// Close is called or ctx is cancelled.
func (l ChromeLauncher) Launch(ctx context.Context) (Session, error) {
	width, height := l.WindowWidth, l.WindowHeight
	if width <= 0 || height <= 0 {
		width, height = 1280, 900
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.WindowSize(width, height),
	)
	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	entry := log.WithField("component", "chromedp")
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(entry.Tracef),
		chromedp.WithErrorf(entry.Debugf),
	)

	// an empty Run starts the browser
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}

	return &chromeSession{
		chromePage:  chromePage{ctx: tabCtx},
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
	}, nil
}

type chromeSession struct {
	chromePage
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

func (s *chromeSession) Close() error {
	// Cancel closes the browser gracefully, the cancel funcs release the
	// contexts whatever happened
	err := chromedp.Cancel(s.ctx)
	s.cancelTab()
	s.cancelAlloc()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// chromePage runs actions in the tab context. The tab context outlives any
// single call, so each call gets the caller's deadline and cancellation
// grafted on.
type chromePage struct {
	ctx context.Context
}

func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	if dl, ok := ctx.Deadline(); ok {
		var cancelDl context.CancelFunc
		runCtx, cancelDl = context.WithDeadline(runCtx, dl)
		defer cancelDl()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) Location(ctx context.Context) (string, error) {
	var loc string
	err := p.run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (p *chromePage) Query(ctx context.Context, selector string) ([]Element, error) {
	by := chromedp.ByQueryAll
	if strings.HasPrefix(selector, "/") || strings.HasPrefix(selector, "(") {
		by = chromedp.BySearch
	}

	var nodes []*cdp.Node
	var visible []Element
	err := p.run(ctx,
		chromedp.Nodes(selector, &nodes, by, chromedp.AtLeast(0)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			for _, n := range nodes {
				box, err := dom.GetBoxModel().WithNodeID(n.NodeID).Do(ctx)
				if err != nil || box == nil || box.Width == 0 || box.Height == 0 {
					// not rendered
					continue
				}
				visible = append(visible, Element{
					Selector: selector,
					Tag:      strings.ToLower(n.LocalName),
					ID:       int64(n.NodeID),
				})
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}
	return visible, nil
}

func nodeIDs(el Element) []cdp.NodeID {
	return []cdp.NodeID{cdp.NodeID(el.ID)}
}

func (p *chromePage) Fill(ctx context.Context, el Element, value string) error {
	return p.run(ctx,
		chromedp.Clear(nodeIDs(el), chromedp.ByNodeID),
		chromedp.SendKeys(nodeIDs(el), value, chromedp.ByNodeID),
	)
}

func (p *chromePage) Click(ctx context.Context, el Element) error {
	return p.run(ctx, chromedp.Click(nodeIDs(el), chromedp.ByNodeID))
}

func (p *chromePage) PressEnter(ctx context.Context, el Element) error {
	return p.run(ctx, chromedp.SendKeys(nodeIDs(el), kb.Enter, chromedp.ByNodeID))
}

func (p *chromePage) Text(ctx context.Context, el Element) (string, error) {
	var text string
	var err error
	switch el.Tag {
	case "input", "textarea":
		err = p.run(ctx, chromedp.Value(nodeIDs(el), &text, chromedp.ByNodeID))
	default:
		err = p.run(ctx, chromedp.TextContent(nodeIDs(el), &text, chromedp.ByNodeID))
	}
	return text, err
}

func (p *chromePage) BodyText(ctx context.Context) (string, error) {
	var text string
	err := p.run(ctx, chromedp.Text("body", &text, chromedp.ByQuery))
	return text, err
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.FullScreenshot(&buf, 100))
	return buf, err
}
