// Package validate checks that a freshly created API key is accepted by the
// target. Only an explicit 401 counts as a rejection: a key that cannot be
// checked because the target is slow or misbehaving is assumed good.
package validate

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/overmindtech/n8n-provisioner/auth"
	"github.com/overmindtech/n8n-provisioner/internal"
	"github.com/overmindtech/n8n-provisioner/target"
	"github.com/overmindtech/n8n-provisioner/tracing"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Outcome classifies what the target said about a key
type Outcome string

const (
	// Functional means an endpoint answered 200
	Functional Outcome = "functional"
	// Invalid means the target answered 401
	Invalid Outcome = "invalid"
	// Restricted means the key authenticated but lacks a scope (403)
	Restricted Outcome = "restricted"
	// Inconclusive means every endpoint answered with some other status
	Inconclusive Outcome = "inconclusive"
	// Unreachable means no endpoint could be reached at all
	Unreachable Outcome = "unreachable"
)

// Probe is one request made during validation
type Probe struct {
	Path   string
	Status int
	// Err is set when the request failed before a status was received
	Err string
}

// Result of a validation. Valid is false only for an explicit rejection.
type Result struct {
	Valid    bool
	Outcome  Outcome
	Endpoint string
	Probes   []Probe
}

// Validator exercises a key against read-only endpoints
type Validator struct {
	client  *http.Client
	timeout time.Duration
	paths   []string
}

// NewValidator returns a validator that gives each endpoint timeout to answer
func NewValidator(client *http.Client, timeout time.Duration) *Validator {
	if client == nil {
		client = tracing.HTTPClient(0)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Validator{
		client:  client,
		timeout: timeout,
		paths:   internal.ValidationPaths,
	}
}

// Validate tries each endpoint in turn until one gives a definite answer
func (v *Validator) Validate(ctx context.Context, d target.Descriptor, cred target.Credential) Result {
	ctx, span := tracing.Tracer().Start(ctx, "validate.Validate")
	defer span.End()

	client := auth.NewAPIKeyClient(v.client, cred.Token)
	res := Result{}

	for _, path := range v.paths {
		p := v.probe(ctx, client, internal.URL(d.BaseURL, path))
		p.Path = path
		res.Probes = append(res.Probes, p)

		entry := log.WithContext(ctx).WithFields(log.Fields{
			"path":   path,
			"status": p.Status,
		})
		if p.Err != "" {
			entry.WithField("err", p.Err).Debug("Validation request failed")
			continue
		}

		switch p.Status {
		case http.StatusOK:
			res.Valid, res.Outcome, res.Endpoint = true, Functional, path
		case http.StatusUnauthorized:
			res.Valid, res.Outcome, res.Endpoint = false, Invalid, path
		case http.StatusForbidden:
			res.Valid, res.Outcome, res.Endpoint = true, Restricted, path
		default:
			entry.Debug("Validation returned an unexpected status")
			continue
		}
		break
	}

	if res.Outcome == "" {
		// Nothing definite: stay optimistic
		res.Valid = true
		res.Outcome = Unreachable
		for _, p := range res.Probes {
			if p.Err == "" {
				res.Outcome = Inconclusive
				break
			}
		}
		log.WithContext(ctx).WithField("outcome", res.Outcome).Warn("Could not confirm API key, assuming it works")
	}

	span.SetAttributes(
		attribute.Bool("provisioner.validation.valid", res.Valid),
		attribute.String("provisioner.validation.outcome", string(res.Outcome)),
		attribute.Int("provisioner.validation.probes", len(res.Probes)),
	)

	return res
}

func (v *Validator) probe(ctx context.Context, client *http.Client, url string) Probe {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Probe{Err: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Probe{Err: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return Probe{Status: resp.StatusCode}
}
