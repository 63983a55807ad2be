// Package store persists provisioned credentials. One row exists per user;
// writing a new credential for a user replaces the previous one.
package store

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/overmindtech/n8n-provisioner/errkind"
)

// DefaultTable is used when no table name is configured
const DefaultTable = "n8n_instances"

// Record is the persisted form of a credential and its context
type Record struct {
	UserID          string
	APIKey          string
	APIKeyLabel     string
	APIKeyCreatedAt time.Time
	Email           string
	URL             string
	ProjectID       string
	ProjectName     string
	UpdatedAt       time.Time
}

// Store writes records. Implementations are safe for use by one run at a
// time.
type Store interface {
	// Upsert creates or replaces the record for r.UserID and returns the
	// number of rows affected. Zero rows is reported as an error.
	Upsert(ctx context.Context, r Record) (int64, error)
	// RecordFailure stores a diagnostic message against a user
	RecordFailure(ctx context.Context, userID, message string, at time.Time) error
	Close()
}

// Options select and configure a backend
type Options struct {
	// URL picks the backend by scheme: postgres(ql)://, http(s):// for a
	// PostgREST API, or memory://
	URL string
	// Key is the service key for PostgREST, or the password for postgres
	// when the URL carries none
	Key   string
	Table string
	// HTTPClient is used by the PostgREST backend
	HTTPClient *http.Client
}

var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open returns the backend for o.URL
func Open(ctx context.Context, o Options) (Store, error) {
	if o.Table == "" {
		o.Table = DefaultTable
	}
	if !tablePattern.MatchString(o.Table) {
		return nil, errkind.Errorf(errkind.Config, "open store", "invalid table name %q", o.Table)
	}

	u, err := url.Parse(o.URL)
	if err != nil {
		return nil, errkind.New(errkind.Config, "open store", fmt.Errorf("invalid database URL: %w", err))
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		return NewPostgres(ctx, o.URL, o.Key, o.Table)
	case "http", "https":
		return NewREST(o.URL, o.Key, o.Table, o.HTTPClient), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errkind.Errorf(errkind.Config, "open store", "unsupported database URL scheme %q", u.Scheme)
	}
}

// columns maps a record onto the table columns written by Upsert. Error
// columns are cleared by every successful write.
func columns(r Record) map[string]any {
	return map[string]any{
		"user_id":                r.UserID,
		"n8n_api_key":            r.APIKey,
		"n8n_api_key_label":      r.APIKeyLabel,
		"n8n_api_key_created_at": r.APIKeyCreatedAt.UTC(),
		"n8n_email":              r.Email,
		"n8n_url":                r.URL,
		"project_id":             nullable(r.ProjectID),
		"project_name":           nullable(r.ProjectName),
		"error_message":          nil,
		"error_at":               nil,
		"updated_at":             r.UpdatedAt.UTC(),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func noRows(op string) error {
	return errkind.Errorf(errkind.Persistence, op, "no rows affected")
}
