// Package readiness waits for a freshly started n8n instance to become usable.
//
// A new instance can report healthy before its auth subsystem and UI assets
// are ready, so a round only counts as ready when a health path answers 200
// and the login endpoint answers below 500. A settle sleep follows before the
// prober hands over to acquisition.
package readiness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v5"
	"github.com/overmindtech/n8n-provisioner/errkind"
	"github.com/overmindtech/n8n-provisioner/internal"
	"github.com/overmindtech/n8n-provisioner/target"
	"github.com/overmindtech/n8n-provisioner/tracing"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Options bound the wait
type Options struct {
	// MaxAttempts is the number of rounds before giving up
	MaxAttempts int
	// Interval paces the rounds
	Interval time.Duration
	// Settle is slept once after the first ready round
	Settle time.Duration
	// RequestTimeout bounds every single probe request
	RequestTimeout time.Duration
	// Paths are the health paths probed in order. Defaults to
	// internal.HealthPaths
	Paths []string
}

// DefaultOptions are used for any zero field
var DefaultOptions = Options{
	MaxAttempts:    60,
	Interval:       5 * time.Second,
	Settle:         10 * time.Second,
	RequestTimeout: 5 * time.Second,
}

// PathStatus is the last thing a probed path returned: an HTTP status code or
// a connection error
type PathStatus struct {
	Path   string
	Status string
}

// Result describes a successful wait
type Result struct {
	Attempts    int
	Elapsed     time.Duration
	HealthyPath string
	// Version is the n8n version reported by the instance, empty when it could
	// not be determined
	Version string
}

// TimeoutError is returned when no round succeeded within the attempt budget
type TimeoutError struct {
	Attempts     int
	Elapsed      time.Duration
	LastStatuses []PathStatus
}

func (e *TimeoutError) Error() string {
	parts := make([]string, 0, len(e.LastStatuses))
	for _, s := range e.LastStatuses {
		parts = append(parts, s.Path+"="+s.Status)
	}
	return fmt.Sprintf("target not ready after %d attempts (%v), last statuses: %v",
		e.Attempts, e.Elapsed.Round(time.Millisecond), strings.Join(parts, ", "))
}

// Prober polls a target until it is ready
type Prober struct {
	opts   Options
	client *http.Client
}

// NewProber creates a prober. client should not carry a client-level timeout
// longer than RequestTimeout; every probe gets its own deadline anyway.
func NewProber(o Options, client *http.Client) *Prober {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if o.Interval <= 0 {
		o.Interval = DefaultOptions.Interval
	}
	if o.Settle < 0 {
		o.Settle = 0
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultOptions.RequestTimeout
	}
	if len(o.Paths) == 0 {
		o.Paths = internal.HealthPaths
	}
	if client == nil {
		client = tracing.HTTPClient(0)
	}
	return &Prober{opts: o, client: client}
}

// WaitUntilReady runs at most MaxAttempts rounds. It fails with an
// errkind.ReadinessTimeout error wrapping a *TimeoutError when none succeeds.
// If ctx ends first the error wraps ctx.Err() and carries no kind, as the
// instance never got its full attempt budget.
func (p *Prober) WaitUntilReady(ctx context.Context, d target.Descriptor) (Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "readiness.WaitUntilReady")
	defer span.End()

	lf := log.Fields{
		"n8n-url":      d.BaseURL,
		"max-attempts": p.opts.MaxAttempts,
		"interval":     p.opts.Interval.String(),
	}
	log.WithContext(ctx).WithFields(lf).Info("Waiting for n8n to become ready")

	ticker := backoff.NewTicker(backoff.NewConstantBackOff(p.opts.Interval))
	defer ticker.Stop()

	start := time.Now()
	var last []PathStatus

	for attempt := 1; ; attempt++ {
		if attempt > p.opts.MaxAttempts {
			err := &TimeoutError{
				Attempts:     p.opts.MaxAttempts,
				Elapsed:      time.Since(start),
				LastStatuses: last,
			}
			tracing.RecordError(ctx, err)
			return Result{}, errkind.New(errkind.ReadinessTimeout, "wait for n8n", err)
		}

		select {
		case <-ctx.Done():
			return Result{}, errkind.New(errkind.Unknown, "wait for n8n", ctx.Err())
		case <-ticker.C:
		}

		healthy, statuses, ready := p.round(ctx, d)
		last = statuses
		if !ready {
			log.WithContext(ctx).WithFields(lf).WithFields(log.Fields{
				"attempt":  attempt,
				"statuses": statuses,
			}).Debug("n8n not ready yet")
			continue
		}

		log.WithContext(ctx).WithFields(lf).WithFields(log.Fields{
			"attempt": attempt,
			"path":    healthy,
			"settle":  p.opts.Settle.String(),
		}).Info("n8n is healthy, letting it settle")

		if p.opts.Settle > 0 {
			select {
			case <-ctx.Done():
				return Result{}, errkind.New(errkind.Unknown, "settle", ctx.Err())
			case <-time.After(p.opts.Settle):
			}
		}

		res := Result{
			Attempts:    attempt,
			Elapsed:     time.Since(start),
			HealthyPath: healthy,
			Version:     p.detectVersion(ctx, d),
		}
		span.SetAttributes(
			attribute.Int("provisioner.readiness.attempts", res.Attempts),
			attribute.String("provisioner.readiness.version", res.Version),
		)
		return res, nil
	}
}

// round probes the health paths in order and, if one answers 200, confirms
// that the login endpoint is reachable
func (p *Prober) round(ctx context.Context, d target.Descriptor) (string, []PathStatus, bool) {
	statuses := make([]PathStatus, 0, len(p.opts.Paths)+1)

	healthy := ""
	for _, path := range p.opts.Paths {
		code, err := p.probe(ctx, internal.URL(d.BaseURL, path))
		statuses = append(statuses, PathStatus{Path: path, Status: statusString(code, err)})
		if err == nil && code == http.StatusOK {
			healthy = path
			break
		}
	}
	if healthy == "" {
		return "", statuses, false
	}

	code, err := p.probe(ctx, internal.URL(d.BaseURL, internal.LoginPath))
	statuses = append(statuses, PathStatus{Path: internal.LoginPath, Status: statusString(code, err)})
	if err != nil || code >= http.StatusInternalServerError {
		return "", statuses, false
	}

	return healthy, statuses, true
}

func (p *Prober) probe(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}

type settingsResponse struct {
	Data struct {
		VersionCli string `json:"versionCli"`
	} `json:"data"`
}

// detectVersion asks the instance which release it runs. Errors are logged
// and swallowed: the version is informational only.
func (p *Prober) detectVersion(ctx context.Context, d target.Descriptor) string {
	ctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, internal.URL(d.BaseURL, internal.SettingsPath), nil)
	if err != nil {
		return ""
	}
	resp, err := p.client.Do(req)
	if err != nil {
		log.WithContext(ctx).WithError(err).Debug("Failed to read n8n settings")
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.WithContext(ctx).WithField("status_code", resp.StatusCode).Debug("Failed to read n8n settings: non-200 response")
		return ""
	}

	var settings settingsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&settings); err != nil {
		log.WithContext(ctx).WithError(err).Debug("Failed to parse n8n settings")
		return ""
	}

	v, err := semver.NewVersion(strings.TrimPrefix(settings.Data.VersionCli, "v"))
	if err != nil {
		log.WithContext(ctx).WithError(err).WithField("version", settings.Data.VersionCli).Debug("Failed to parse n8n version as semver")
		return ""
	}
	return v.String()
}

func statusString(code int, err error) string {
	if err != nil {
		msg := err.Error()
		if len(msg) > 120 {
			msg = msg[:120]
		}
		return "error: " + msg
	}
	return strconv.Itoa(code)
}
