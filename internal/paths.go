package internal

import "strings"

// Paths on the n8n instance that the provisioner talks to
const (
	LoginPath    = "/rest/login"
	APIKeysPath  = "/rest/api-keys"
	SettingsPath = "/rest/settings"
	SignInPath   = "/signin"
)

// HealthPaths are probed in order during each readiness round
var HealthPaths = []string{"/healthz", "/healthz/readiness", "/api/v1/healthz", "/"}

// ValidationPaths are the read-only endpoints used to exercise a new API key
var ValidationPaths = []string{"/rest/workflows", "/rest/credentials", "/rest/executions"}

// SettingsUIPaths are the UI pages that may host API key management,
// depending on the n8n release
var SettingsUIPaths = []string{"/settings/api", "/settings/api-keys", "/settings/n8n-api"}

// URL joins base (no trailing slash) and path. For example if the base URL is
// https://n8n.example.com and the path is /rest/login the result is
// https://n8n.example.com/rest/login
func URL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
