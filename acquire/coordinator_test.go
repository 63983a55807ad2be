package acquire

import (
	"context"
	"errors"
	"testing"

	"github.com/overmindtech/n8n-provisioner/errkind"
	"github.com/overmindtech/n8n-provisioner/readiness"
	"github.com/overmindtech/n8n-provisioner/target"
	"github.com/overmindtech/n8n-provisioner/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodToken = "n8n_api_0123456789abcdefghijABCDEFGHIJ"

type fakeProber struct {
	err   error
	calls int
}

func (p *fakeProber) WaitUntilReady(ctx context.Context, d target.Descriptor) (readiness.Result, error) {
	p.calls++
	return readiness.Result{Attempts: 1}, p.err
}

type fakeAcquirer struct {
	cred  target.Credential
	err   error
	calls int
}

func (a *fakeAcquirer) Acquire(ctx context.Context, d target.Descriptor, userID string) (target.Credential, error) {
	a.calls++
	if a.err != nil {
		return target.Credential{}, a.err
	}
	return a.cred, nil
}

type fakeValidator struct {
	res   validate.Result
	calls int
}

func (v *fakeValidator) Validate(ctx context.Context, d target.Descriptor, cred target.Credential) validate.Result {
	v.calls++
	return v.res
}

func good(label string) *fakeAcquirer {
	return &fakeAcquirer{cred: target.Credential{Token: goodToken, Label: label}}
}

func states(o Outcome) []State {
	s := make([]State, 0, len(o.Transitions))
	for _, t := range o.Transitions {
		s = append(s, t.To)
	}
	return s
}

func TestRunSessionSuccess(t *testing.T) {
	session, browser := good("session"), good("browser")
	v := &fakeValidator{res: validate.Result{Valid: true, Outcome: validate.Functional}}

	out, err := NewCoordinator(&fakeProber{}, session, browser, v).Run(context.Background(), target.Descriptor{}, "u")
	require.NoError(t, err)

	assert.Equal(t, SessionStrategy, out.Strategy)
	assert.Equal(t, "session", out.Credential.Label)
	assert.Equal(t, Done, out.State)
	assert.Equal(t, []State{AwaitingReady, AcquiringViaSession, Validating, Done}, states(out))
	assert.Equal(t, 0, browser.calls)
	assert.Equal(t, 1, v.calls)
}

func TestRunFallsBackToBrowserOnce(t *testing.T) {
	session := &fakeAcquirer{err: errkind.Errorf(errkind.SessionAcquisition, "create api key", "unexpected status 404")}
	browser := good("browser")
	v := &fakeValidator{res: validate.Result{Valid: true, Outcome: validate.Restricted}}

	out, err := NewCoordinator(&fakeProber{}, session, browser, v).Run(context.Background(), target.Descriptor{}, "u")
	require.NoError(t, err)

	assert.Equal(t, BrowserStrategy, out.Strategy)
	assert.Equal(t, 1, session.calls, "session must not be retried")
	assert.Equal(t, 1, browser.calls)
	assert.Equal(t, []State{AwaitingReady, AcquiringViaSession, AcquiringViaBrowser, Validating, Done}, states(out))
}

func TestRunBothTiersFail(t *testing.T) {
	session := &fakeAcquirer{err: errkind.Errorf(errkind.SessionAcquisition, "login", "unexpected status 401")}
	browser := &fakeAcquirer{err: errkind.Errorf(errkind.BrowserAcquisition, "extract api key", "no api key found on the page")}
	v := &fakeValidator{}

	out, err := NewCoordinator(&fakeProber{}, session, browser, v).Run(context.Background(), target.Descriptor{}, "u")
	require.Error(t, err)

	assert.Equal(t, errkind.BrowserAcquisition, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "unexpected status 401")
	assert.Contains(t, err.Error(), "no api key found on the page")
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 0, v.calls)
	assert.Equal(t, 4, errkind.ExitCode(err))
}

func TestRunBrowserDisabled(t *testing.T) {
	session := &fakeAcquirer{err: errkind.Errorf(errkind.SessionAcquisition, "login", "unexpected status 500")}

	_, err := NewCoordinator(&fakeProber{}, session, nil, &fakeValidator{}).Run(context.Background(), target.Descriptor{}, "u")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.BrowserAcquisition))
	assert.Contains(t, err.Error(), "browser fallback is disabled")
}

func TestRunNonSessionErrorIsPropagated(t *testing.T) {
	cause := errkind.New(errkind.Unknown, "session", context.Canceled)
	session := &fakeAcquirer{err: cause}
	browser := good("browser")

	out, err := NewCoordinator(&fakeProber{}, session, browser, &fakeValidator{}).Run(context.Background(), target.Descriptor{}, "u")
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, browser.calls)
	assert.Equal(t, Failed, out.State)
}

func TestRunReadinessFailure(t *testing.T) {
	p := &fakeProber{err: errkind.New(errkind.ReadinessTimeout, "wait for n8n", errors.New("503"))}
	session := good("session")

	out, err := NewCoordinator(p, session, nil, &fakeValidator{}).Run(context.Background(), target.Descriptor{}, "u")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ReadinessTimeout))
	assert.Equal(t, 0, session.calls)
	assert.Equal(t, []State{AwaitingReady, Failed}, states(out))
}

func TestRunValidationRejected(t *testing.T) {
	v := &fakeValidator{res: validate.Result{Valid: false, Outcome: validate.Invalid, Endpoint: "/rest/workflows"}}

	out, err := NewCoordinator(&fakeProber{}, good("session"), nil, v).Run(context.Background(), target.Descriptor{}, "u")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ValidationFailure))
	assert.Contains(t, err.Error(), "/rest/workflows")
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, goodToken, out.Credential.Token)
}

func TestRunUnusableSessionKeyFallsBack(t *testing.T) {
	session := &fakeAcquirer{cred: target.Credential{Token: "short"}}
	browser := good("browser")
	v := &fakeValidator{res: validate.Result{Valid: true}}

	out, err := NewCoordinator(&fakeProber{}, session, browser, v).Run(context.Background(), target.Descriptor{}, "u")
	require.NoError(t, err)
	assert.Equal(t, BrowserStrategy, out.Strategy)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AcquiringViaBrowser", AcquiringViaBrowser.String())
	assert.Equal(t, "Unknown", State(99).String())
}
