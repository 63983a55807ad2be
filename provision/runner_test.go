package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/overmindtech/n8n-provisioner/acquire"
	"github.com/overmindtech/n8n-provisioner/auth"
	"github.com/overmindtech/n8n-provisioner/errkind"
	"github.com/overmindtech/n8n-provisioner/notify"
	"github.com/overmindtech/n8n-provisioner/readiness"
	"github.com/overmindtech/n8n-provisioner/store"
	"github.com/overmindtech/n8n-provisioner/target"
	"github.com/overmindtech/n8n-provisioner/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "tok_0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// fakeInstance is just enough of n8n for a full run
type fakeInstance struct {
	healthStatus int
	createStatus int

	logins  atomic.Int32
	creates atomic.Int32
}

func (f *fakeInstance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/healthz":
		w.WriteHeader(f.healthStatus)
	case r.URL.Path == "/rest/login" && r.Method == http.MethodGet:
		w.WriteHeader(http.StatusUnauthorized)
	case r.URL.Path == "/rest/login":
		f.logins.Add(1)
		http.SetCookie(w, &http.Cookie{Name: auth.SessionCookie, Value: "session-1"})
		_, _ = w.Write([]byte(`{"data":{"id":"owner"}}`))
	case r.URL.Path == "/rest/settings":
		_, _ = w.Write([]byte(`{"data":{"versionCli":"1.64.2"}}`))
	case r.URL.Path == "/rest/api-keys":
		f.creates.Add(1)
		if f.createStatus != 0 {
			w.WriteHeader(f.createStatus)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"apiKey":"` + apiKey + `"}}`))
	case strings.HasPrefix(r.URL.Path, "/rest/workflows"):
		if r.Header.Get(auth.APIKeyHeader) != apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type webhook struct {
	server *httptest.Server
	hits   atomic.Int32
	got    atomic.Pointer[notify.Payload]
}

func newWebhook(t *testing.T) *webhook {
	t.Helper()
	wh := &webhook{}
	wh.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wh.hits.Add(1)
		var p notify.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			wh.got.Store(&p)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(wh.server.Close)
	return wh
}

func testConfig(baseURL, webhookURL string) *Config {
	return &Config{
		Target: target.Descriptor{
			BaseURL:  baseURL,
			Email:    "admin@example.com",
			Password: "hunter22",
		},
		UserID:        "user-42",
		DatabaseURL:   "memory://",
		DatabaseTable: store.DefaultTable,
		ProjectID:     "proj-1",
		WebhookURL:    webhookURL,
		Readiness: readiness.Options{
			MaxAttempts:    3,
			Interval:       10 * time.Millisecond,
			RequestTimeout: time.Second,
		},
		RequestTimeout: time.Second,
	}
}

// newTestRunner wires the production components against cfg, with an
// in-memory store whose opens are counted
func newTestRunner(cfg *Config) (*Runner, *store.Memory, *atomic.Int32) {
	mem := store.NewMemory()
	opens := &atomic.Int32{}

	r := NewRunner(cfg)
	r.OpenStore = func(ctx context.Context) (store.Store, error) {
		opens.Add(1)
		return mem, nil
	}
	return r, mem, opens
}

func TestRunProvisionsKey(t *testing.T) {
	instance := &fakeInstance{healthStatus: http.StatusOK}
	server := httptest.NewServer(instance)
	defer server.Close()
	wh := newWebhook(t)

	r, mem, _ := newTestRunner(testConfig(server.URL, wh.server.URL))

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, errkind.ExitCode(err))

	assert.Equal(t, acquire.SessionStrategy, report.Strategy)
	assert.Equal(t, validate.Functional, report.Validation.Outcome)
	assert.Equal(t, "1.64.2", report.Readiness.Version)
	assert.Equal(t, int64(1), report.RowsAffected)
	assert.True(t, report.Notification.Delivered)
	assert.NotEmpty(t, report.RunID)

	rec, ok := mem.Get("user-42")
	require.True(t, ok)
	assert.Equal(t, apiKey, rec.APIKey)
	assert.Regexp(t, regexp.MustCompile(`^API-user-42-\d+$`), rec.APIKeyLabel)
	assert.Equal(t, server.URL, rec.URL)
	assert.Equal(t, "admin@example.com", rec.Email)
	assert.Equal(t, "proj-1", rec.ProjectID)
	assert.Equal(t, int32(1), instance.logins.Load())

	require.Equal(t, int32(1), wh.hits.Load())
	p := wh.got.Load()
	require.NotNil(t, p)
	assert.Equal(t, "success", p.Status)
	assert.Equal(t, "user-42", p.UserID)
	assert.Equal(t, apiKey[:15]+"...", p.Data.APIKeyPreview)
	assert.Equal(t, rec.APIKeyLabel, p.Data.APIKeyLabel)
}

func TestRunReadinessTimeout(t *testing.T) {
	instance := &fakeInstance{healthStatus: http.StatusServiceUnavailable}
	server := httptest.NewServer(instance)
	defer server.Close()
	wh := newWebhook(t)

	cfg := testConfig(server.URL, wh.server.URL)
	cfg.Readiness.Paths = []string{"/healthz"}
	r, mem, opens := newTestRunner(cfg)

	report, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ReadinessTimeout))
	assert.Equal(t, 3, errkind.ExitCode(err))

	var te *readiness.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 3, te.Attempts)

	assert.Equal(t, int32(0), opens.Load(), "store must not be touched")
	assert.Equal(t, 0, mem.Len())
	assert.Equal(t, int32(0), instance.logins.Load())
	assert.Equal(t, int32(0), wh.hits.Load())
	assert.False(t, report.Notification.Delivered)
}

func TestRunCancelledDuringReadiness(t *testing.T) {
	instance := &fakeInstance{healthStatus: http.StatusServiceUnavailable}
	server := httptest.NewServer(instance)
	defer server.Close()
	wh := newWebhook(t)

	cfg := testConfig(server.URL, wh.server.URL)
	cfg.Readiness.Paths = []string{"/healthz"}
	cfg.Readiness.MaxAttempts = 1000
	r, mem, opens := newTestRunner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errkind.Is(err, errkind.ReadinessTimeout))
	assert.Equal(t, 1, errkind.ExitCode(err))

	assert.Equal(t, int32(0), opens.Load(), "store must not be touched")
	assert.Equal(t, 0, mem.Len())
	assert.Equal(t, int32(0), wh.hits.Load())
}

func TestRunRecordsAcquisitionFailure(t *testing.T) {
	instance := &fakeInstance{healthStatus: http.StatusOK, createStatus: http.StatusForbidden}
	server := httptest.NewServer(instance)
	defer server.Close()
	wh := newWebhook(t)

	cfg := testConfig(server.URL, wh.server.URL)
	cfg.Browser.Enabled = false
	r, mem, opens := newTestRunner(cfg)

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 4, errkind.ExitCode(err))
	assert.Contains(t, err.Error(), "browser fallback is disabled")

	assert.Equal(t, int32(1), opens.Load())
	assert.Equal(t, 0, mem.Len())
	f, ok := mem.Failure("user-42")
	require.True(t, ok)
	assert.NotEmpty(t, f.Message)
	assert.Equal(t, int32(0), wh.hits.Load())
}

// stubCoordinator returns a fixed outcome
type stubCoordinator struct {
	outcome acquire.Outcome
	err     error
}

func (s stubCoordinator) Run(ctx context.Context, d target.Descriptor, userID string) (acquire.Outcome, error) {
	return s.outcome, s.err
}

// failingStore fails every upsert
type failingStore struct {
	*store.Memory
}

func (failingStore) Upsert(ctx context.Context, r store.Record) (int64, error) {
	return 0, errkind.New(errkind.Persistence, "upsert", errors.New("connection reset"))
}

type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) Notify(ctx context.Context, p notify.Payload) notify.Delivery {
	n.calls.Add(1)
	return notify.Delivery{Delivered: true}
}

func TestRunPersistenceFailure(t *testing.T) {
	mem := store.NewMemory()
	n := &countingNotifier{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	r := &Runner{
		Config: testConfig("https://n8n.example.com", ""),
		Coordinator: stubCoordinator{outcome: acquire.Outcome{
			State:      acquire.Succeeded,
			Strategy:   acquire.SessionStrategy,
			Credential: target.NewCredential(apiKey, "user-42", now),
		}},
		OpenStore: func(ctx context.Context) (store.Store, error) {
			return failingStore{mem}, nil
		},
		Notifier: n,
		now:      func() time.Time { return now },
	}

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 6, errkind.ExitCode(err))
	assert.Equal(t, int32(0), n.calls.Load())

	f, ok := mem.Failure("user-42")
	require.True(t, ok)
	assert.Contains(t, f.Message, "connection reset")
	assert.Equal(t, now, f.At)
}

func TestRunStoreOpenFailure(t *testing.T) {
	now := time.Now()
	r := &Runner{
		Config: testConfig("https://n8n.example.com", ""),
		Coordinator: stubCoordinator{outcome: acquire.Outcome{
			Credential: target.NewCredential(apiKey, "user-42", now),
		}},
		OpenStore: func(ctx context.Context) (store.Store, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
		Notifier: &countingNotifier{},
	}

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Persistence))
}

func TestReachedTarget(t *testing.T) {
	tests := []struct {
		kind errkind.Kind
		want bool
	}{
		{errkind.Config, false},
		{errkind.ReadinessTimeout, false},
		{errkind.SessionAcquisition, true},
		{errkind.BrowserAcquisition, true},
		{errkind.ValidationFailure, true},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, reachedTarget(errkind.New(tt.kind, "op", errors.New("boom"))))
		})
	}
}

func TestReachedTargetIgnoresCancellation(t *testing.T) {
	assert.False(t, reachedTarget(errkind.New(errkind.Unknown, "wait for n8n", context.Canceled)))
	assert.False(t, reachedTarget(fmt.Errorf("create api key: %w", context.DeadlineExceeded)))
	assert.True(t, reachedTarget(errors.New("boom")))
}
