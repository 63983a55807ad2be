package store

import (
	"context"
	"sync"
	"time"
)

// Failure is a diagnostic stored by RecordFailure
type Failure struct {
	Message string
	At      time.Time
}

// Memory keeps records in process. Used for dry runs and tests.
type Memory struct {
	mu       sync.Mutex
	records  map[string]Record
	failures map[string]Failure
	upserts  int
}

func NewMemory() *Memory {
	return &Memory{
		records:  map[string]Record{},
		failures: map[string]Failure{},
	}
}

func (m *Memory) Upsert(ctx context.Context, r Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[r.UserID] = r
	delete(m.failures, r.UserID)
	m.upserts++
	return 1, nil
}

func (m *Memory) RecordFailure(ctx context.Context, userID, message string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures[userID] = Failure{Message: message, At: at}
	return nil
}

// Get returns the record for userID
func (m *Memory) Get(userID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	return r, ok
}

// Failure returns the last diagnostic for userID
func (m *Memory) Failure(userID string) (Failure, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failures[userID]
	return f, ok
}

// Len is the number of stored records
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Upserts counts Upsert calls
func (m *Memory) Upserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

func (m *Memory) Close() {}
