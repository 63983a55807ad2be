// Package session creates an n8n API key over plain HTTP, using the same
// private REST endpoints the n8n UI calls after logging in. It is the cheap
// first tier of acquisition: any failure is reported as
// errkind.SessionAcquisition so that the coordinator can fall back to the
// browser.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/overmindtech/n8n-provisioner/auth"
	"github.com/overmindtech/n8n-provisioner/errkind"
	"github.com/overmindtech/n8n-provisioner/internal"
	"github.com/overmindtech/n8n-provisioner/target"
	"github.com/overmindtech/n8n-provisioner/tracing"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// KeyLifetime is how long a created key stays valid
const KeyLifetime = 365 * 24 * time.Hour

// maxBodyInError caps how much of a response body ends up in an error message
const maxBodyInError = 200

// Field names n8n has used for the session token in login responses
var sessionTokenFields = []string{"token"}

// Field names n8n has used for the raw key in creation responses. Newer
// releases return the masked key as apiKey next to rawApiKey.
var apiKeyFields = []string{"rawApiKey", "apiKey", "token", "key"}

type loginRequest struct {
	EmailOrLdapLoginID string `json:"emailOrLdapLoginId"`
	Password           string `json:"password"`
}

type createKeyRequest struct {
	Label     string `json:"label"`
	ExpiresIn int64  `json:"expiresIn"`
}

// Acquirer logs in and creates a key. It never retries.
type Acquirer struct {
	client *http.Client
	// now and newBrowserID are replaced in tests
	now          func() time.Time
	newBrowserID func() string
}

// NewAcquirer returns an acquirer using client for all requests. client
// should bound request duration through its Timeout.
func NewAcquirer(client *http.Client) *Acquirer {
	if client == nil {
		client = tracing.HTTPClient(10 * time.Second)
	}
	return &Acquirer{
		client:       client,
		now:          time.Now,
		newBrowserID: uuid.NewString,
	}
}

// Acquire logs into the target and creates an API key labelled for userID
func (a *Acquirer) Acquire(ctx context.Context, d target.Descriptor, userID string) (target.Credential, error) {
	ctx, span := tracing.Tracer().Start(ctx, "session.Acquire")
	defer span.End()

	browserID := a.newBrowserID()
	lf := log.Fields{
		"n8n-url":    d.BaseURL,
		"browser-id": browserID,
	}

	sessionToken, err := a.login(ctx, d, browserID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return target.Credential{}, err
	}
	log.WithContext(ctx).WithFields(lf).Debug("Logged into n8n")

	now := a.now()
	label := target.NewLabel(userID, now)

	token, err := a.createKey(ctx, d, auth.NewSessionClient(a.client, sessionToken, browserID), label)
	if err != nil {
		tracing.RecordError(ctx, err)
		return target.Credential{}, err
	}

	cred := target.Credential{
		Token:     token,
		Label:     label,
		CreatedAt: now.UTC(),
	}
	span.SetAttributes(attribute.String("provisioner.credential.label", cred.Label))
	log.WithContext(ctx).WithFields(lf).WithField("label", cred.Label).Info("Created API key via session")

	return cred, nil
}

func (a *Acquirer) login(ctx context.Context, d target.Descriptor, browserID string) (string, error) {
	const op = "login"

	body, err := json.Marshal(loginRequest{
		EmailOrLdapLoginID: d.Email,
		Password:           d.Password,
	})
	if err != nil {
		return "", errkind.New(errkind.SessionAcquisition, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, internal.URL(d.BaseURL, internal.LoginPath), bytes.NewReader(body))
	if err != nil {
		return "", errkind.New(errkind.SessionAcquisition, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(auth.BrowserIDHeader, browserID)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", requestError(ctx, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errkind.New(errkind.SessionAcquisition, op, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", errkind.Errorf(errkind.SessionAcquisition, op, "unexpected status %d: %s", resp.StatusCode, truncate(respBody))
	}

	if token, ok := auth.SessionFromResponse(resp); ok {
		return token, nil
	}
	if token, ok := findString(respBody, sessionTokenFields, nil); ok {
		return token, nil
	}

	return "", errkind.Errorf(errkind.SessionAcquisition, op, "login succeeded but no session token was returned")
}

func (a *Acquirer) createKey(ctx context.Context, d target.Descriptor, client *http.Client, label string) (string, error) {
	const op = "create api key"

	body, err := json.Marshal(createKeyRequest{
		Label:     label,
		ExpiresIn: int64(KeyLifetime / time.Second),
	})
	if err != nil {
		return "", errkind.New(errkind.SessionAcquisition, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, internal.URL(d.BaseURL, internal.APIKeysPath), bytes.NewReader(body))
	if err != nil {
		return "", errkind.New(errkind.SessionAcquisition, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", requestError(ctx, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errkind.New(errkind.SessionAcquisition, op, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", errkind.Errorf(errkind.SessionAcquisition, op, "unexpected status %d: %s", resp.StatusCode, truncate(respBody))
	}

	token, ok := findString(respBody, apiKeyFields, func(s string) bool { return !target.Masked(s) })
	if !ok {
		if _, masked := findString(respBody, apiKeyFields, target.Masked); masked {
			return "", errkind.Errorf(errkind.SessionAcquisition, op, "response only contained a masked api key")
		}
		return "", errkind.Errorf(errkind.SessionAcquisition, op, "response did not contain an api key")
	}
	if !target.UsableToken(token) {
		return "", errkind.Errorf(errkind.SessionAcquisition, op, "api key is too short (%d characters)", len(token))
	}

	return token, nil
}

// requestError classifies a failed request. A cancelled or expired run
// context is not a session failure and must not trigger the browser
// fallback.
func requestError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return errkind.New(errkind.SessionAcquisition, op, err)
}

// findString looks for the first non-empty string value under any of keys,
// at the top level of a JSON object or under its "data" member. When accept
// is set, values it rejects are skipped.
func findString(body []byte, keys []string, accept func(string) bool) (string, bool) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", false
	}

	scopes := []map[string]any{doc}
	if data, ok := doc["data"].(map[string]any); ok {
		scopes = append(scopes, data)
	}

	for _, scope := range scopes {
		for _, k := range keys {
			if s, ok := scope[k].(string); ok && s != "" && (accept == nil || accept(s)) {
				return s, true
			}
		}
	}
	return "", false
}

func truncate(b []byte) string {
	if len(b) > maxBodyInError {
		return fmt.Sprintf("%s...", b[:maxBodyInError])
	}
	return string(b)
}
