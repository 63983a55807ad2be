// Package acquire sequences readiness, the two acquisition tiers and
// validation into one state machine. The session tier is tried once; only a
// session acquisition failure moves on to the browser tier, anything else
// ends the run.
package acquire

import (
	"context"
	"errors"
	"time"

	"github.com/overmindtech/n8n-provisioner/errkind"
	"github.com/overmindtech/n8n-provisioner/readiness"
	"github.com/overmindtech/n8n-provisioner/target"
	"github.com/overmindtech/n8n-provisioner/tracing"
	"github.com/overmindtech/n8n-provisioner/validate"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// State of the coordinator
type State int

const (
	Idle State = iota
	AwaitingReady
	AcquiringViaSession
	AcquiringViaBrowser
	Validating
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case AwaitingReady:
		return "AwaitingReady"
	case AcquiringViaSession:
		return "AcquiringViaSession"
	case AcquiringViaBrowser:
		return "AcquiringViaBrowser"
	case Validating:
		return "Validating"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Strategy names the tier that produced the credential
type Strategy string

const (
	SessionStrategy Strategy = "session"
	BrowserStrategy Strategy = "browser"
)

// Transition is one recorded state change
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// Prober waits for the target to be ready
type Prober interface {
	WaitUntilReady(ctx context.Context, d target.Descriptor) (readiness.Result, error)
}

// Acquirer produces a credential for a user
type Acquirer interface {
	Acquire(ctx context.Context, d target.Descriptor, userID string) (target.Credential, error)
}

// Validator checks a credential against the target
type Validator interface {
	Validate(ctx context.Context, d target.Descriptor, cred target.Credential) validate.Result
}

// Outcome is everything the coordinator learned during a run
type Outcome struct {
	State       State
	Readiness   readiness.Result
	Credential  target.Credential
	Strategy    Strategy
	Validation  validate.Result
	Transitions []Transition
}

// Coordinator runs the acquisition state machine. Browser may be nil, which
// disables the fallback tier.
type Coordinator struct {
	Prober    Prober
	Session   Acquirer
	Browser   Acquirer
	Validator Validator

	now func() time.Time
}

// NewCoordinator wires the components together
func NewCoordinator(p Prober, session, browser Acquirer, v Validator) *Coordinator {
	return &Coordinator{
		Prober:    p,
		Session:   session,
		Browser:   browser,
		Validator: v,
		now:       time.Now,
	}
}

// run tracks the state of one pass
type run struct {
	*Coordinator
	ctx     context.Context
	outcome Outcome
}

func (r *run) moveTo(to State, reason string) {
	t := Transition{
		From:   r.outcome.State,
		To:     to,
		At:     r.now(),
		Reason: reason,
	}
	r.outcome.Transitions = append(r.outcome.Transitions, t)
	r.outcome.State = to

	log.WithContext(r.ctx).WithFields(log.Fields{
		"from":   t.From.String(),
		"to":     t.To.String(),
		"reason": reason,
	}).Info("Acquisition state change")
}

func (r *run) fail(err error) (Outcome, error) {
	r.moveTo(Failed, err.Error())
	tracing.RecordError(r.ctx, err)
	return r.outcome, err
}

// Run takes the target from unknown state to a validated credential. The
// returned Outcome is populated as far as the run got, also on error.
func (c *Coordinator) Run(ctx context.Context, d target.Descriptor, userID string) (Outcome, error) {
	ctx, span := tracing.Tracer().Start(ctx, "acquire.Run")
	defer span.End()

	if c.now == nil {
		c.now = time.Now
	}
	r := &run{Coordinator: c, ctx: ctx, outcome: Outcome{State: Idle}}

	r.moveTo(AwaitingReady, "start")
	ready, err := c.Prober.WaitUntilReady(ctx, d)
	if err != nil {
		return r.fail(err)
	}
	r.outcome.Readiness = ready

	r.moveTo(AcquiringViaSession, "target ready")
	cred, err := c.Session.Acquire(ctx, d, userID)
	if err == nil && !cred.Usable() {
		err = errkind.Errorf(errkind.SessionAcquisition, "session", "api key is not usable")
	}

	switch {
	case err == nil:
		r.outcome.Strategy = SessionStrategy
	case errkind.Is(err, errkind.SessionAcquisition):
		sessionErr := err
		log.WithContext(ctx).WithError(sessionErr).Warn("Session acquisition failed, falling back to the browser")

		if c.Browser == nil {
			r.moveTo(AcquiringViaBrowser, "session failed")
			return r.fail(errkind.New(errkind.BrowserAcquisition, "acquire api key",
				errors.Join(sessionErr, errors.New("browser fallback is disabled"))))
		}

		r.moveTo(AcquiringViaBrowser, "session failed")
		cred, err = c.Browser.Acquire(ctx, d, userID)
		if err == nil && !cred.Usable() {
			err = errors.New("api key is not usable")
		}
		if err != nil {
			return r.fail(errkind.New(errkind.BrowserAcquisition, "acquire api key", errors.Join(sessionErr, err)))
		}
		r.outcome.Strategy = BrowserStrategy
	default:
		return r.fail(err)
	}
	r.outcome.Credential = cred
	span.SetAttributes(attribute.String("provisioner.acquire.strategy", string(r.outcome.Strategy)))

	r.moveTo(Validating, "acquired via "+string(r.outcome.Strategy))
	res := c.Validator.Validate(ctx, d, cred)
	r.outcome.Validation = res
	if !res.Valid {
		return r.fail(errkind.Errorf(errkind.ValidationFailure, "validate api key",
			"target rejected the new key at %v (%v)", res.Endpoint, res.Outcome))
	}

	r.moveTo(Done, "validation "+string(res.Outcome))
	return r.outcome, nil
}
