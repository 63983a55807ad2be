package tracing

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPClient returns a client with otel instrumentation and the given overall
// timeout. A zero timeout means no client-level deadline; callers then rely on
// request contexts.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}

// RetryableHTTPClient wraps an instrumented client with retries on connection
// errors and 5xx responses. The final response is returned as-is once retries
// are exhausted so that callers can report its status.
func RetryableHTTPClient(timeout time.Duration, retries int, logger interface{}) *http.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = HTTPClient(timeout)
	client.RetryMax = retries
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = logger
	return client.StandardClient()
}
