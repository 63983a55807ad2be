package validate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/overmindtech/n8n-provisioner/auth"
	"github.com/overmindtech/n8n-provisioner/internal"
	"github.com/overmindtech/n8n-provisioner/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stall = -1

// scripted answers each validation path with a fixed status, or stalls until
// the client gives up
type scripted struct {
	statuses map[string]int

	mu   sync.Mutex
	hits []string
	keys []string
}

func (s *scripted) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits = append(s.hits, r.URL.Path)
	s.keys = append(s.keys, r.Header.Get(auth.APIKeyHeader))
	s.mu.Unlock()

	status, ok := s.statuses[r.URL.Path]
	if !ok {
		status = http.StatusNotFound
	}
	if status == stall {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		return
	}
	w.WriteHeader(status)
}

func (s *scripted) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hits...)
}

func run(t *testing.T, statuses map[string]int) (Result, *scripted) {
	t.Helper()
	s := &scripted{statuses: statuses}
	server := httptest.NewServer(s)
	t.Cleanup(server.Close)

	d, err := target.NewDescriptor(server.URL, "admin@example.com", "pw", "")
	require.NoError(t, err)

	cred := target.Credential{Token: "n8n_api_0123456789abcdefghijABCDEFGHIJ"}
	return NewValidator(nil, 50*time.Millisecond).Validate(context.Background(), d, cred), s
}

func TestValidate(t *testing.T) {
	workflows, credentials, executions := internal.ValidationPaths[0], internal.ValidationPaths[1], internal.ValidationPaths[2]

	tests := []struct {
		name         string
		statuses     map[string]int
		wantValid    bool
		wantOutcome  Outcome
		wantRequests int
	}{
		{
			name:         "first endpoint works",
			statuses:     map[string]int{workflows: 200},
			wantValid:    true,
			wantOutcome:  Functional,
			wantRequests: 1,
		},
		{
			name:         "timeout, timeout, 200",
			statuses:     map[string]int{workflows: stall, credentials: stall, executions: 200},
			wantValid:    true,
			wantOutcome:  Functional,
			wantRequests: 3,
		},
		{
			name:         "401 stops immediately",
			statuses:     map[string]int{workflows: 401, credentials: 200, executions: 200},
			wantValid:    false,
			wantOutcome:  Invalid,
			wantRequests: 1,
		},
		{
			name:         "403 is restricted but valid",
			statuses:     map[string]int{workflows: 500, credentials: 403},
			wantValid:    true,
			wantOutcome:  Restricted,
			wantRequests: 2,
		},
		{
			name:         "all timeouts",
			statuses:     map[string]int{workflows: stall, credentials: stall, executions: stall},
			wantValid:    true,
			wantOutcome:  Unreachable,
			wantRequests: 3,
		},
		{
			name:         "all unexpected statuses",
			statuses:     map[string]int{workflows: 500, credentials: 502, executions: 404},
			wantValid:    true,
			wantOutcome:  Inconclusive,
			wantRequests: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, s := run(t, tt.statuses)

			assert.Equal(t, tt.wantValid, res.Valid)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Len(t, res.Probes, tt.wantRequests)
			assert.Len(t, s.requests(), tt.wantRequests)
		})
	}
}

func TestValidateSendsAPIKey(t *testing.T) {
	res, s := run(t, map[string]int{internal.ValidationPaths[0]: 200})
	require.True(t, res.Valid)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, []string{"n8n_api_0123456789abcdefghijABCDEFGHIJ"}, s.keys)
	assert.Equal(t, internal.ValidationPaths[0], res.Endpoint)
}
