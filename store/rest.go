package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/overmindtech/n8n-provisioner/errkind"
	"github.com/overmindtech/n8n-provisioner/logging"
	"github.com/overmindtech/n8n-provisioner/tracing"
	log "github.com/sirupsen/logrus"
)

// REST writes records through a PostgREST API, as exposed by Supabase
type REST struct {
	endpoint string
	key      string
	client   *http.Client
}

// NewREST returns a store for table behind the PostgREST API at baseURL,
// authenticating with the service key. A nil client gets an instrumented
// client that retries 5xx responses.
func NewREST(baseURL, key, table string, client *http.Client) *REST {
	if client == nil {
		client = tracing.RetryableHTTPClient(30*time.Second, 3, logging.LeveledLogger{
			Entry: log.WithField("component", "store"),
		})
	}
	return &REST{
		endpoint: strings.TrimRight(baseURL, "/") + "/rest/v1/" + table,
		key:      key,
		client:   client,
	}
}

func (s *REST) Upsert(ctx context.Context, r Record) (int64, error) {
	const op = "upsert credential"
	ctx, span := tracing.Tracer().Start(ctx, "store.REST.Upsert")
	defer span.End()

	exists, err := s.exists(ctx, r.UserID)
	if err != nil {
		err = errkind.New(errkind.Persistence, op, err)
		tracing.RecordError(ctx, err)
		return 0, err
	}

	cols := columns(r)
	var rows []map[string]any
	if exists {
		delete(cols, "user_id")
		rows, err = s.write(ctx, http.MethodPatch, byUser(r.UserID), cols)
	} else {
		rows, err = s.write(ctx, http.MethodPost, "", cols)
	}
	if err != nil {
		err = errkind.New(errkind.Persistence, op, err)
		tracing.RecordError(ctx, err)
		return 0, err
	}
	if len(rows) == 0 {
		return 0, noRows(op)
	}
	return int64(len(rows)), nil
}

func (s *REST) RecordFailure(ctx context.Context, userID, message string, at time.Time) error {
	const op = "record failure"
	fields := map[string]any{
		"error_message": message,
		"error_at":      at.UTC(),
		"updated_at":    at.UTC(),
	}

	rows, err := s.write(ctx, http.MethodPatch, byUser(userID), fields)
	if err != nil {
		return errkind.New(errkind.Persistence, op, err)
	}
	if len(rows) > 0 {
		return nil
	}

	fields["user_id"] = userID
	if _, err := s.write(ctx, http.MethodPost, "", fields); err != nil {
		return errkind.New(errkind.Persistence, op, err)
	}
	return nil
}

func (s *REST) Close() {}

func byUser(userID string) string {
	return url.Values{"user_id": {"eq." + userID}}.Encode()
}

func (s *REST) exists(ctx context.Context, userID string) (bool, error) {
	q := url.Values{
		"user_id": {"eq." + userID},
		"select":  {"user_id"},
	}
	req, err := s.request(ctx, http.MethodGet, q.Encode(), nil)
	if err != nil {
		return false, err
	}

	rows, err := s.do(req)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *REST) write(ctx context.Context, method, query string, body map[string]any) ([]map[string]any, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := s.request(ctx, method, query, b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	return s.do(req)
}

func (s *REST) request(ctx context.Context, method, query string, body []byte) (*http.Request, error) {
	u := s.endpoint
	if query != "" {
		u += "?" + query
	}

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req and decodes the array of rows PostgREST returns
func (s *REST) do(req *http.Request) ([]map[string]any, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(body)
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		return nil, fmt.Errorf("%v %v: unexpected status %d: %s", req.Method, req.URL.Path, resp.StatusCode, msg)
	}

	var rows []map[string]any
	if len(bytes.TrimSpace(body)) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return rows, nil
}
