package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityForLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		level log.Level
		want  string
	}{
		{name: "panic", level: log.PanicLevel, want: "EMERGENCY"},
		{name: "fatal", level: log.FatalLevel, want: "CRITICAL"},
		{name: "error", level: log.ErrorLevel, want: "ERROR"},
		{name: "warn", level: log.WarnLevel, want: "WARNING"},
		{name: "info", level: log.InfoLevel, want: "INFO"},
		{name: "debug", level: log.DebugLevel, want: "DEBUG"},
		{name: "trace", level: log.TraceLevel, want: "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := severityForLevel(tt.level)
			if got != tt.want {
				t.Errorf("severityForLevel(%v) = %q, want %q", tt.level, got, tt.want)
			}
		})
	}
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var payload map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &payload), "log payload: %s", buf.String())
	return payload
}

func TestConfigureJSONAddsSeverity(t *testing.T) {
	t.Parallel()

	logger := log.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	Configure(logger, Options{Level: "debug", JSON: true})
	logger.WithField("component", "test").Info("hello")

	payload := decode(t, &buf)
	assert.Equal(t, "INFO", payload["severity"])
	assert.Equal(t, log.DebugLevel, logger.GetLevel())
}

func TestConfigureLogrusJSONRespectsExistingSeverity(t *testing.T) {
	t.Parallel()

	logger := log.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	ConfigureLogrusJSON(logger)
	logger.WithField("severity", "NOTICE").Info("hello")

	assert.Equal(t, "NOTICE", decode(t, &buf)["severity"])
}

func TestConfigureBadLevelDefaultsToInfo(t *testing.T) {
	t.Parallel()

	logger := log.New()
	logger.SetOutput(&bytes.Buffer{})

	Configure(logger, Options{Level: "loud"})
	assert.Equal(t, log.InfoLevel, logger.GetLevel())
}

func TestRedactHook(t *testing.T) {
	t.Parallel()

	logger := log.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	Configure(logger, Options{JSON: true})

	logger.WithFields(log.Fields{
		"n8n-password":  "hunter2",
		"apiKey":        "tok_secret",
		"apiKeyPreview": "tok_sec...",
		"apiKeyLabel":   "API-u-1",
		"database-key":  "",
		"user-id":       "u",
	}).Info("config")

	payload := decode(t, &buf)
	assert.Equal(t, Redacted, payload["n8n-password"])
	assert.Equal(t, Redacted, payload["apiKey"])
	assert.Equal(t, "tok_sec...", payload["apiKeyPreview"])
	assert.Equal(t, "API-u-1", payload["apiKeyLabel"])
	assert.Equal(t, "", payload["database-key"])
	assert.Equal(t, "u", payload["user-id"])
}

func TestLeveledLogger(t *testing.T) {
	t.Parallel()

	logger := log.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetFormatter(&log.JSONFormatter{})

	var l retryablehttp.LeveledLogger = LeveledLogger{Entry: log.NewEntry(logger)}
	l.Warn("retrying", "url", "http://example.com", "attempt", 2)

	payload := decode(t, &buf)
	assert.Equal(t, "retrying", payload["msg"])
	assert.Equal(t, "http://example.com", payload["url"])
	assert.Equal(t, float64(2), payload["attempt"])
}
