package auth

import (
	"net/http"
)

const (
	// SessionCookie is the cookie n8n sets on a successful login
	SessionCookie = "n8n-auth"
	// BrowserIDHeader binds a session cookie to the client that logged in.
	// Newer n8n releases reject session requests where it does not match.
	BrowserIDHeader = "browser-id"
	// APIKeyHeader carries a public API key
	APIKeyHeader = "X-N8N-API-KEY"
)

// SessionTransport adds the session cookie and browser id to every request
// then calls the underlying roundTripper
type SessionTransport struct {
	from      http.RoundTripper
	session   string
	browserID string
}

func (s *SessionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request
	req = req.Clone(req.Context())

	if s.browserID != "" {
		req.Header.Set(BrowserIDHeader, s.browserID)
	}
	if s.session != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: s.session})
	}

	return s.from.RoundTrip(req)
}

// NewSessionClient creates a client that is logged in with the given session
// token, based on from
func NewSessionClient(from *http.Client, session, browserID string) *http.Client {
	return wrap(from, &SessionTransport{
		from:      transportOf(from),
		session:   session,
		browserID: browserID,
	})
}

// APIKeyTransport adds the X-N8N-API-KEY header to every request
type APIKeyTransport struct {
	from   http.RoundTripper
	apiKey string
}

func (a *APIKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if a.apiKey != "" {
		req.Header.Set(APIKeyHeader, a.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	return a.from.RoundTrip(req)
}

// NewAPIKeyClient creates a client that authenticates with apiKey, based on
// from
func NewAPIKeyClient(from *http.Client, apiKey string) *http.Client {
	return wrap(from, &APIKeyTransport{
		from:   transportOf(from),
		apiKey: apiKey,
	})
}

// SessionFromResponse returns the session token set by a login response
func SessionFromResponse(resp *http.Response) (string, bool) {
	if resp == nil {
		return "", false
	}
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie && c.Value != "" {
			return c.Value, true
		}
	}
	return "", false
}

func transportOf(c *http.Client) http.RoundTripper {
	if c == nil || c.Transport == nil {
		return http.DefaultTransport
	}
	return c.Transport
}

func wrap(from *http.Client, rt http.RoundTripper) *http.Client {
	if from == nil {
		return &http.Client{Transport: rt}
	}
	return &http.Client{
		Transport:     rt,
		CheckRedirect: from.CheckRedirect,
		Jar:           from.Jar,
		Timeout:       from.Timeout,
	}
}
