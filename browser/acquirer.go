package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/overmindtech/n8n-provisioner/errkind"
	"github.com/overmindtech/n8n-provisioner/internal"
	"github.com/overmindtech/n8n-provisioner/target"
	"github.com/overmindtech/n8n-provisioner/tracing"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// ErrLoginRejected means the sign-in form did not let us through
var ErrLoginRejected = errors.New("login rejected")

// pageMarker is the text that shows we reached API key management
const pageMarker = "api key"

// Options tune the acquirer
type Options struct {
	// StepTimeout bounds each step of the flow
	StepTimeout time.Duration
	// PollInterval paces element lookups and URL polling
	PollInterval time.Duration
	// OptionalTimeout bounds lookups for controls that may legitimately be
	// absent, such as the expiry select
	OptionalTimeout time.Duration
	// ScreenshotDir receives a screenshot when the flow fails. Defaults to
	// the OS temp dir
	ScreenshotDir string
}

// Acquirer creates a key through the web UI
type Acquirer struct {
	launcher Launcher
	opts     Options
	now      func() time.Time
}

// NewAcquirer returns an acquirer that starts browsers with launcher
func NewAcquirer(launcher Launcher, o Options) *Acquirer {
	if o.StepTimeout <= 0 {
		o.StepTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.OptionalTimeout <= 0 {
		o.OptionalTimeout = min(5*time.Second, o.StepTimeout)
	}
	if o.ScreenshotDir == "" {
		o.ScreenshotDir = os.TempDir()
	}
	return &Acquirer{
		launcher: launcher,
		opts:     o,
		now:      time.Now,
	}
}

// Acquire signs into the UI as the operator and creates a key labelled for
// userID. Any failure is an errkind.BrowserAcquisition error; a screenshot is
// saved first when the browser got that far.
func (a *Acquirer) Acquire(ctx context.Context, d target.Descriptor, userID string) (target.Credential, error) {
	ctx, span := tracing.Tracer().Start(ctx, "browser.Acquire")
	defer span.End()

	before := tracing.ReadMemoryStats()
	defer tracing.SetMemoryDeltaAttributes(span, "browser", before)

	session, err := a.launcher.Launch(ctx)
	if err != nil {
		err = errkind.New(errkind.BrowserAcquisition, "launch browser", err)
		tracing.RecordError(ctx, err)
		return target.Credential{}, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.WithContext(ctx).WithError(err).Warn("Failed to close browser")
		}
	}()

	f := &flow{
		Acquirer: a,
		page:     session,
		d:        d,
	}
	cred, err := f.run(ctx, userID)
	if err != nil {
		path, shotErr := a.screenshot(ctx, session, f.step)
		if shotErr != nil {
			log.WithContext(ctx).WithError(shotErr).WithField("step", f.step).Warn("Failed to capture screenshot")
		} else {
			log.WithContext(ctx).WithFields(log.Fields{
				"step":       f.step,
				"screenshot": path,
			}).Info("Saved screenshot of failed browser step")
		}

		err = errkind.New(errkind.BrowserAcquisition, f.step, err)
		tracing.RecordError(ctx, err)
		return target.Credential{}, err
	}

	span.SetAttributes(attribute.String("provisioner.credential.label", cred.Label))
	log.WithContext(ctx).WithField("label", cred.Label).Info("Created API key via browser")
	return cred, nil
}

// flow is one pass through the UI. step always names the step in progress.
type flow struct {
	*Acquirer
	page Page
	d    target.Descriptor
	step string
}

func (f *flow) run(ctx context.Context, userID string) (target.Credential, error) {
	if err := f.do(ctx, "load sign-in page", f.loadSignIn); err != nil {
		return target.Credential{}, err
	}

	var email, password Element
	if err := f.do(ctx, "find login inputs", func(ctx context.Context) error {
		var err error
		if email, _, err = Locate(ctx, f.page, f.opts.PollInterval, "email input", Selectors(emailSelectors...)); err != nil {
			return err
		}
		password, _, err = Locate(ctx, f.page, f.opts.PollInterval, "password input", Selectors(passwordSelectors...))
		return err
	}); err != nil {
		return target.Credential{}, err
	}

	if err := f.do(ctx, "submit login", func(ctx context.Context) error {
		return f.submitLogin(ctx, email, password)
	}); err != nil {
		return target.Credential{}, err
	}

	if err := f.do(ctx, "confirm login", f.confirmLogin); err != nil {
		return target.Credential{}, err
	}

	f.step = "open api settings"
	if err := f.openAPISettings(ctx); err != nil {
		return target.Credential{}, err
	}

	now := f.now()
	label := target.NewLabel(userID, now)

	if err := f.do(ctx, "create api key", func(ctx context.Context) error {
		return f.createKey(ctx, label)
	}); err != nil {
		return target.Credential{}, err
	}

	var token string
	if err := f.do(ctx, "extract api key", func(ctx context.Context) error {
		var err error
		token, err = f.extractToken(ctx, label)
		return err
	}); err != nil {
		return target.Credential{}, err
	}

	return target.Credential{
		Token:     token,
		Label:     label,
		CreatedAt: now.UTC(),
	}, nil
}

// do runs fn as the named step, bounded by the step timeout
func (f *flow) do(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	f.step = step
	ctx, cancel := context.WithTimeout(ctx, f.opts.StepTimeout)
	defer cancel()

	log.WithContext(ctx).WithField("step", step).Debug("Browser step")
	return fn(ctx)
}

func (f *flow) loadSignIn(ctx context.Context) error {
	return f.page.Navigate(ctx, internal.URL(f.d.BaseURL, internal.SignInPath))
}

func (f *flow) submitLogin(ctx context.Context, email, password Element) error {
	if err := f.page.Fill(ctx, email, f.d.Email); err != nil {
		return fmt.Errorf("filling email: %w", err)
	}
	if err := f.page.Fill(ctx, password, f.d.Password); err != nil {
		return fmt.Errorf("filling password: %w", err)
	}

	optCtx, cancel := context.WithTimeout(ctx, f.opts.OptionalTimeout)
	defer cancel()
	submit, _, err := Locate(optCtx, f.page, f.opts.PollInterval, "submit button", Selectors(submitSelectors...))
	if err == nil {
		return f.page.Click(ctx, submit)
	}

	log.WithContext(ctx).Debug("No submit button found, pressing enter")
	return f.page.PressEnter(ctx, password)
}

// confirmLogin waits for the UI to leave the sign-in page
func (f *flow) confirmLogin(ctx context.Context) error {
	ticker := backoff.NewTicker(backoff.NewConstantBackOff(f.opts.PollInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: still on the sign-in page", ErrLoginRejected)
		case <-ticker.C:
		}

		if loc, err := f.page.Location(ctx); err == nil && !onSignIn(loc) {
			return nil
		}

		for _, sel := range loginErrorSelectors {
			els, err := f.page.Query(ctx, sel)
			if err != nil || len(els) == 0 {
				continue
			}
			text, _ := f.page.Text(ctx, els[0])
			return fmt.Errorf("%w: %s", ErrLoginRejected, strings.TrimSpace(text))
		}
	}
}

func onSignIn(location string) bool {
	path := location
	if u, err := url.Parse(location); err == nil {
		path = u.Path
	}
	path = strings.ToLower(path)
	return strings.Contains(path, "/signin") || strings.HasSuffix(path, "/login")
}

// openAPISettings tries the known settings URLs, then the menus
func (f *flow) openAPISettings(ctx context.Context) error {
	for _, path := range internal.SettingsUIPaths {
		err := f.do(ctx, "open "+path, func(ctx context.Context) error {
			if err := f.page.Navigate(ctx, internal.URL(f.d.BaseURL, path)); err != nil {
				return err
			}
			return f.waitForMarker(ctx)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithContext(ctx).WithError(err).WithField("path", path).Debug("Settings page did not offer API keys")
	}

	err := f.do(ctx, "open api settings via menu", func(ctx context.Context) error {
		menu, _, err := Locate(ctx, f.page, f.opts.PollInterval, "settings menu", Selectors(settingsMenuSelectors...))
		if err != nil {
			return err
		}
		if err := f.page.Click(ctx, menu); err != nil {
			return err
		}
		api, _, err := Locate(ctx, f.page, f.opts.PollInterval, "api menu", Selectors(apiMenuSelectors...))
		if err != nil {
			return err
		}
		if err := f.page.Click(ctx, api); err != nil {
			return err
		}
		return f.waitForMarker(ctx)
	})
	if err != nil {
		return fmt.Errorf("could not reach API key settings: %w", err)
	}
	return nil
}

// waitForMarker polls the page text until it mentions API keys
func (f *flow) waitForMarker(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.opts.OptionalTimeout)
	defer cancel()

	ticker := backoff.NewTicker(backoff.NewConstantBackOff(f.opts.PollInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("page does not mention %q", pageMarker)
		case <-ticker.C:
		}
		text, err := f.page.BodyText(ctx)
		if err == nil && strings.Contains(strings.ToLower(text), pageMarker) {
			return nil
		}
	}
}

func (f *flow) createKey(ctx context.Context, label string) error {
	create, _, err := Locate(ctx, f.page, f.opts.PollInterval, "create button", Selectors(createSelectors...))
	if err != nil {
		return err
	}
	if err := f.page.Click(ctx, create); err != nil {
		return fmt.Errorf("clicking create: %w", err)
	}

	input, _, err := Locate(ctx, f.page, f.opts.PollInterval, "label input", Selectors(labelSelectors...))
	if err != nil {
		return err
	}
	if err := f.page.Fill(ctx, input, label); err != nil {
		return fmt.Errorf("filling label: %w", err)
	}

	f.selectLongestExpiry(ctx)

	save, _, err := Locate(ctx, f.page, f.opts.PollInterval, "save button", Selectors(saveSelectors...))
	if err != nil {
		return err
	}
	if err := f.page.Click(ctx, save); err != nil {
		return fmt.Errorf("clicking save: %w", err)
	}
	return nil
}

// selectLongestExpiry picks the longest expiry if the form offers a choice.
// Older releases have no expiry at all so this never fails the flow.
func (f *flow) selectLongestExpiry(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.OptionalTimeout)
	defer cancel()

	sel, _, err := Locate(ctx, f.page, f.opts.PollInterval, "expiry select", Selectors(expirySelectors...))
	if err != nil {
		return
	}
	if err := f.page.Click(ctx, sel); err != nil {
		return
	}
	opt, s, err := Locate(ctx, f.page, f.opts.PollInterval, "expiry option", Selectors(expiryOptionSelectors...))
	if err != nil {
		return
	}
	if err := f.page.Click(ctx, opt); err != nil {
		return
	}
	log.WithContext(ctx).WithField("option", s.Name).Debug("Selected key expiry")
}

// extractToken polls the known display elements, then the page text, for the
// new key
func (f *flow) extractToken(ctx context.Context, label string) (string, error) {
	ticker := backoff.NewTicker(backoff.NewConstantBackOff(f.opts.PollInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", errors.New("no api key found on the page")
		case <-ticker.C:
		}

		for _, sel := range secretSelectors {
			els, err := f.page.Query(ctx, sel)
			if err != nil {
				continue
			}
			for _, el := range els {
				text, err := f.page.Text(ctx, el)
				if err != nil {
					continue
				}
				if token, ok := acceptToken(text, label); ok {
					return token, nil
				}
			}
		}

		if body, err := f.page.BodyText(ctx); err == nil {
			if token, ok := target.FindToken(body); ok {
				return token, nil
			}
		}
	}
}

// acceptToken decides whether text displayed in the UI is the key. The key
// list shows masked keys and the label next to the new key, neither counts.
func acceptToken(text, label string) (string, bool) {
	text = strings.TrimSpace(text)
	if token, ok := target.FindToken(text); ok {
		return token, true
	}
	if text == label || target.Masked(text) {
		return "", false
	}
	if target.UsableToken(text) && !strings.ContainsAny(text, " \t\r\n") {
		return text, true
	}
	return "", false
}

var unsafeFileChars = regexp.MustCompile(`[^a-z0-9]+`)

func (a *Acquirer) screenshot(ctx context.Context, page Page, step string) (string, error) {
	// the step context may be what expired, so take a fresh budget
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.StepTimeout)
	defer cancel()

	buf, err := page.Screenshot(ctx)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(a.opts.ScreenshotDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("n8n-provisioner-%s-%d.png",
		strings.Trim(unsafeFileChars.ReplaceAllString(strings.ToLower(step), "-"), "-"),
		a.now().UnixMilli())
	path := filepath.Join(a.opts.ScreenshotDir, name)

	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
