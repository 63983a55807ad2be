// Package notify tells an external webhook that a credential was provisioned.
// Delivery is best effort: failures are logged and reported, never returned
// as errors.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/overmindtech/n8n-provisioner/errkind"
	"github.com/overmindtech/n8n-provisioner/logging"
	"github.com/overmindtech/n8n-provisioner/target"
	"github.com/overmindtech/n8n-provisioner/tracing"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Data describes the provisioned credential without revealing it
type Data struct {
	N8NURL        string `json:"n8nUrl"`
	Email         string `json:"email"`
	ProjectID     string `json:"projectId,omitempty"`
	ProjectName   string `json:"projectName,omitempty"`
	APIKeyLabel   string `json:"apiKeyLabel"`
	CreatedAt     string `json:"createdAt"`
	APIKeyPreview string `json:"apiKeyPreview"`
}

// Payload is the webhook body
type Payload struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	UserID    string `json:"userId"`
	Data      Data   `json:"data"`
}

// Details are the inputs for a success payload
type Details struct {
	UserID      string
	Target      target.Descriptor
	Credential  target.Credential
	ProjectID   string
	ProjectName string
}

// SuccessPayload builds the payload sent after a credential was stored
func SuccessPayload(d Details, now time.Time) Payload {
	return Payload{
		Status:    "success",
		Message:   "n8n API key created and stored",
		Timestamp: now.UTC().Format(target.ISOTimeFormat),
		UserID:    d.UserID,
		Data: Data{
			N8NURL:        d.Target.BaseURL,
			Email:         d.Target.Email,
			ProjectID:     d.ProjectID,
			ProjectName:   d.ProjectName,
			APIKeyLabel:   d.Credential.Label,
			CreatedAt:     d.Credential.CreatedAtISO(),
			APIKeyPreview: target.Preview(d.Credential.Token),
		},
	}
}

// Delivery reports what happened to a notification
type Delivery struct {
	Skipped    bool
	Delivered  bool
	StatusCode int
	Err        error
}

// Notifier posts payloads to a webhook
type Notifier struct {
	url    string
	client *http.Client
}

// NewNotifier returns a notifier for webhookURL. An empty URL disables it. A
// nil client gets one that retries twice.
func NewNotifier(webhookURL string, client *http.Client) *Notifier {
	if client == nil {
		client = tracing.RetryableHTTPClient(10*time.Second, 2, logging.LeveledLogger{
			Entry: log.WithField("component", "notify"),
		})
	}
	return &Notifier{url: webhookURL, client: client}
}

// Notify delivers p
func (n *Notifier) Notify(ctx context.Context, p Payload) Delivery {
	if n.url == "" {
		log.WithContext(ctx).Debug("No webhook configured, skipping notification")
		return Delivery{Skipped: true}
	}

	ctx, span := tracing.Tracer().Start(ctx, "notify.Notify")
	defer span.End()

	d := n.send(ctx, p)
	span.SetAttributes(
		attribute.Bool("provisioner.notify.delivered", d.Delivered),
		attribute.Int("provisioner.notify.status", d.StatusCode),
	)
	if d.Err != nil {
		log.WithContext(ctx).WithError(d.Err).WithField("status_code", d.StatusCode).Warn("Failed to deliver webhook notification")
		return d
	}

	log.WithContext(ctx).WithField("status_code", d.StatusCode).Info("Webhook notified")
	return d
}

func (n *Notifier) send(ctx context.Context, p Payload) Delivery {
	const op = "notify webhook"

	body, err := json.Marshal(p)
	if err != nil {
		return Delivery{Err: errkind.New(errkind.Notification, op, err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return Delivery{Err: errkind.New(errkind.Notification, op, err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return Delivery{Err: errkind.New(errkind.Notification, op, err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Delivery{
			StatusCode: resp.StatusCode,
			Err:        errkind.New(errkind.Notification, op, fmt.Errorf("unexpected status %d", resp.StatusCode)),
		}
	}
	return Delivery{Delivered: true, StatusCode: resp.StatusCode}
}
