// Package browser creates an n8n API key by driving the web UI, for instances
// where the private REST endpoints are not usable. The n8n UI differs between
// releases, so every element is found through an ordered list of strategies
// rather than a single selector.
package browser

import "context"

// Element is a handle on a visible DOM node
type Element struct {
	// Selector is the query that found the element
	Selector string
	// Tag is the lower case tag name, e.g. "input"
	Tag string
	// ID identifies the node within the page
	ID int64
}

// Page is the subset of browser control the acquirer needs. Every call is
// bounded by ctx.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// Location returns the current URL
	Location(ctx context.Context) (string, error)
	// Query returns the visible elements matching selector, which is CSS, or
	// XPath when it starts with "/" or "(". No match is not an error.
	Query(ctx context.Context, selector string) ([]Element, error)
	// Fill replaces the value of an input
	Fill(ctx context.Context, el Element, value string) error
	Click(ctx context.Context, el Element) error
	PressEnter(ctx context.Context, el Element) error
	// Text returns the value of form controls and the text content of
	// anything else
	Text(ctx context.Context, el Element) (string, error)
	// BodyText returns the rendered text of the whole page
	BodyText(ctx context.Context) (string, error)
	// Screenshot returns a full page PNG
	Screenshot(ctx context.Context) ([]byte, error)
}

// Session is a running browser with one page. Close releases the browser and
// must always be called.
type Session interface {
	Page
	Close() error
}

// Launcher starts browser sessions
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}
