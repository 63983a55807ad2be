// Package provision runs one complete provisioning: wait for n8n, acquire
// and validate an API key, store it, and notify the webhook.
package provision

import (
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/overmindtech/n8n-provisioner/acquire"
	"github.com/overmindtech/n8n-provisioner/browser"
	"github.com/overmindtech/n8n-provisioner/errkind"
	"github.com/overmindtech/n8n-provisioner/notify"
	"github.com/overmindtech/n8n-provisioner/readiness"
	"github.com/overmindtech/n8n-provisioner/session"
	"github.com/overmindtech/n8n-provisioner/store"
	"github.com/overmindtech/n8n-provisioner/target"
	"github.com/overmindtech/n8n-provisioner/tracing"
	"github.com/overmindtech/n8n-provisioner/validate"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Coordinator produces a validated credential
type Coordinator interface {
	Run(ctx context.Context, d target.Descriptor, userID string) (acquire.Outcome, error)
}

// Notifier delivers the success notification
type Notifier interface {
	Notify(ctx context.Context, p notify.Payload) notify.Delivery
}

// Report summarises a run
type Report struct {
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time
	Readiness   readiness.Result
	Strategy    acquire.Strategy
	Validation  validate.Result
	Transitions []acquire.Transition
	// RowsAffected is zero unless the credential was stored
	RowsAffected int64
	Notification notify.Delivery
}

// Fields renders the report for logging
func (r Report) Fields() log.Fields {
	return log.Fields{
		"run-id":               r.RunID,
		"duration":             r.FinishedAt.Sub(r.StartedAt).String(),
		"readiness-attempts":   r.Readiness.Attempts,
		"n8n-version":          r.Readiness.Version,
		"strategy":             string(r.Strategy),
		"validation":           string(r.Validation.Outcome),
		"rows-affected":        r.RowsAffected,
		"notified":             r.Notification.Delivered,
		"notification-skipped": r.Notification.Skipped,
	}
}

// Runner executes a provisioning run
type Runner struct {
	Config      *Config
	Coordinator Coordinator
	// OpenStore is called only once a run has got past readiness
	OpenStore func(ctx context.Context) (store.Store, error)
	Notifier  Notifier

	now func() time.Time
}

// NewRunner wires the production components for cfg
func NewRunner(cfg *Config) *Runner {
	var fallback acquire.Acquirer
	if cfg.Browser.Enabled {
		fallback = browser.NewAcquirer(
			browser.ChromeLauncher{
				Headless: cfg.Browser.Headless,
				ExecPath: cfg.Browser.ChromePath,
			},
			browser.Options{
				StepTimeout:   cfg.Browser.StepTimeout,
				ScreenshotDir: cfg.Browser.ScreenshotDir,
			},
		)
	}

	coordinator := acquire.NewCoordinator(
		readiness.NewProber(cfg.Readiness, tracing.HTTPClient(0)),
		session.NewAcquirer(tracing.HTTPClient(cfg.RequestTimeout)),
		fallback,
		validate.NewValidator(tracing.HTTPClient(0), cfg.RequestTimeout),
	)

	return &Runner{
		Config:      cfg,
		Coordinator: coordinator,
		OpenStore: func(ctx context.Context) (store.Store, error) {
			return store.Open(ctx, store.Options{
				URL:   cfg.DatabaseURL,
				Key:   cfg.DatabaseKey,
				Table: cfg.DatabaseTable,
			})
		},
		Notifier: notify.NewNotifier(cfg.WebhookURL, nil),
		now:      time.Now,
	}
}

// Run provisions the key. The report is filled in as far as the run got,
// also when an error is returned. Use errkind.ExitCode on the error for the
// process exit status.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	if r.now == nil {
		r.now = time.Now
	}
	report := Report{
		RunID:     uuid.NewString(),
		StartedAt: r.now(),
	}

	ctx, span := tracing.Tracer().Start(ctx, "provision.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("provisioner.run.id", report.RunID),
		attribute.String("provisioner.user.id", r.Config.UserID),
	)

	lf := log.Fields{
		"run-id":  report.RunID,
		"user-id": r.Config.UserID,
	}
	log.WithContext(ctx).WithFields(lf).Info("Starting provisioning run")

	err := r.run(ctx, &report)
	report.FinishedAt = r.now()

	if err != nil {
		tracing.RecordError(ctx, err)
		sentry.CaptureException(err)
		log.WithContext(ctx).WithFields(lf).WithFields(report.Fields()).WithError(err).
			WithField("kind", errkind.KindOf(err).String()).Error("Provisioning failed")
		return report, err
	}

	log.WithContext(ctx).WithFields(lf).WithFields(report.Fields()).Info("Provisioning complete")
	return report, nil
}

func (r *Runner) run(ctx context.Context, report *Report) error {
	cfg := r.Config

	outcome, err := r.Coordinator.Run(ctx, cfg.Target, cfg.UserID)
	report.Readiness = outcome.Readiness
	report.Strategy = outcome.Strategy
	report.Validation = outcome.Validation
	report.Transitions = outcome.Transitions
	if err != nil {
		if reachedTarget(err) {
			r.recordFailure(ctx, nil, err)
		}
		return err
	}

	db, err := r.OpenStore(ctx)
	if err != nil {
		if !errkind.Is(err, errkind.Config) {
			err = errkind.New(errkind.Persistence, "open store", err)
		}
		return err
	}
	defer db.Close()

	cred := outcome.Credential
	rows, err := db.Upsert(ctx, store.Record{
		UserID:          cfg.UserID,
		APIKey:          cred.Token,
		APIKeyLabel:     cred.Label,
		APIKeyCreatedAt: cred.CreatedAt,
		Email:           cfg.Target.Email,
		URL:             cfg.Target.BaseURL,
		ProjectID:       cfg.ProjectID,
		ProjectName:     cfg.ProjectName,
		UpdatedAt:       r.now(),
	})
	if err != nil {
		r.recordFailure(ctx, db, err)
		return err
	}
	report.RowsAffected = rows

	log.WithContext(ctx).WithFields(log.Fields{
		"label":         cred.Label,
		"rows-affected": rows,
	}).Info("Stored API key")

	report.Notification = r.Notifier.Notify(ctx, notify.SuccessPayload(notify.Details{
		UserID:      cfg.UserID,
		Target:      cfg.Target,
		Credential:  cred,
		ProjectID:   cfg.ProjectID,
		ProjectName: cfg.ProjectName,
	}, r.now()))

	return nil
}

// reachedTarget is true for failures that happen after the target became
// ready. Earlier failures say nothing about the user's instance and are not
// recorded against it. Neither is an interrupted run.
func reachedTarget(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch errkind.KindOf(err) {
	case errkind.Config, errkind.ReadinessTimeout:
		return false
	default:
		return true
	}
}

// recordFailure stores a diagnostic for the user. It is best effort: its own
// failure is only logged. db may be nil, in which case a store is opened.
func (r *Runner) recordFailure(ctx context.Context, db store.Store, cause error) {
	if db == nil {
		var err error
		db, err = r.OpenStore(ctx)
		if err != nil {
			log.WithContext(ctx).WithError(err).Warn("Could not open store to record failure")
			return
		}
		defer db.Close()
	}

	// the run context may be what failed
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := db.RecordFailure(ctx, r.Config.UserID, cause.Error(), r.now()); err != nil {
		log.WithContext(ctx).WithError(err).Warn("Could not record failure")
	}
}
