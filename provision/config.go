package provision

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/overmindtech/n8n-provisioner/errkind"
	"github.com/overmindtech/n8n-provisioner/logging"
	"github.com/overmindtech/n8n-provisioner/readiness"
	"github.com/overmindtech/n8n-provisioner/store"
	"github.com/overmindtech/n8n-provisioner/target"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is everything a run needs. It is built once by ConfigFromViper and
// not modified afterwards.
type Config struct {
	Target target.Descriptor
	UserID string

	DatabaseURL   string
	DatabaseKey   string
	DatabaseTable string

	ProjectID   string
	ProjectName string
	WebhookURL  string

	Readiness      readiness.Options
	RequestTimeout time.Duration
	Browser        BrowserConfig
}

// BrowserConfig controls the browser fallback
type BrowserConfig struct {
	Enabled       bool
	Headless      bool
	ChromePath    string
	StepTimeout   time.Duration
	ScreenshotDir string
}

// ConfigError lists every required value that is missing or unusable
type ConfigError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required config: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid config: "+strings.Join(e.Invalid, "; "))
	}
	return strings.Join(parts, "; ")
}

// requiredFlags are reported by name, with the primary env var, when unset
var requiredFlags = []struct {
	name string
	env  string
}{
	{"n8n-url", "N8N_URL"},
	{"n8n-email", "N8N_EMAIL"},
	{"n8n-password", "N8N_PASSWORD"},
	{"database-url", "DATABASE_URL"},
	{"database-key", "DATABASE_KEY"},
	{"user-id", "USER_ID"},
}

// AddFlags registers the provisioning flags on command and binds their
// environment variables
func AddFlags(command *cobra.Command) {
	flags := command.PersistentFlags()

	flags.String("n8n-url", "", "The base URL of the n8n instance")
	cobra.CheckErr(viper.BindEnv("n8n-url", "N8N_URL", "N8N_BASE_URL"))
	flags.String("n8n-email", "", "The email of the n8n owner account")
	cobra.CheckErr(viper.BindEnv("n8n-email", "N8N_EMAIL", "N8N_ADMIN_EMAIL"))
	flags.String("n8n-password", "", "The password of the n8n owner account")
	cobra.CheckErr(viper.BindEnv("n8n-password", "N8N_PASSWORD", "N8N_ADMIN_PASSWORD"))
	flags.String("n8n-encryption-key", "", "The n8n encryption key. Stored with the target, not used")
	cobra.CheckErr(viper.BindEnv("n8n-encryption-key", "N8N_ENCRYPTION_KEY"))

	flags.String("database-url", "", "Where to store the key: a postgres:// DSN, the https:// URL of a PostgREST/Supabase project, or memory://")
	cobra.CheckErr(viper.BindEnv("database-url", "DATABASE_URL", "SUPABASE_URL"))
	flags.String("database-key", "", "The service key for the database API, or the postgres password if the DSN has none")
	cobra.CheckErr(viper.BindEnv("database-key", "DATABASE_KEY", "SUPABASE_SERVICE_KEY", "SUPABASE_SERVICE_ROLE_KEY"))
	flags.String("database-table", store.DefaultTable, "The table holding one row per user")
	cobra.CheckErr(viper.BindEnv("database-table", "DATABASE_TABLE"))

	flags.String("user-id", "", "The user the key is provisioned for")
	cobra.CheckErr(viper.BindEnv("user-id", "USER_ID"))
	flags.String("project-id", "", "The project the n8n instance belongs to")
	cobra.CheckErr(viper.BindEnv("project-id", "PROJECT_ID", "RAILWAY_PROJECT_ID"))
	flags.String("project-name", "", "The name of the project the n8n instance belongs to")
	cobra.CheckErr(viper.BindEnv("project-name", "PROJECT_NAME", "RAILWAY_PROJECT_NAME"))
	flags.String("webhook-url", "", "If specified, a JSON notification is posted here once the key is stored")
	cobra.CheckErr(viper.BindEnv("webhook-url", "WEBHOOK_URL"))

	flags.Int("readiness-attempts", readiness.DefaultOptions.MaxAttempts, "How many times to check whether n8n is ready before giving up")
	flags.Duration("readiness-interval", readiness.DefaultOptions.Interval, "How long to wait between readiness checks")
	flags.Duration("readiness-settle", readiness.DefaultOptions.Settle, "How long to wait after n8n first reports ready")
	flags.Duration("request-timeout", 10*time.Second, "Timeout for each HTTP request to n8n")

	flags.Duration("browser-step-timeout", 30*time.Second, "Timeout for each step of the browser fallback")
	flags.Bool("headless", true, "Run the browser without a window")
	flags.String("chrome-path", "", "Path to the Chrome or Chromium binary. Found automatically if empty")
	cobra.CheckErr(viper.BindEnv("chrome-path", "CHROME_PATH"))
	flags.String("screenshot-dir", os.TempDir(), "Where screenshots of failed browser steps are saved")
	flags.Bool("skip-browser", false, "Do not fall back to the browser when the session method fails")
}

// ConfigFromViper reads and validates the configuration. Every problem is
// reported at once in a *ConfigError tagged errkind.Config.
func ConfigFromViper() (*Config, error) {
	cerr := &ConfigError{}

	for _, f := range requiredFlags {
		if strings.TrimSpace(viper.GetString(f.name)) == "" {
			cerr.Missing = append(cerr.Missing, fmt.Sprintf("%s (%s)", f.name, f.env))
		}
	}

	var descriptor target.Descriptor
	if viper.GetString("n8n-url") != "" && viper.GetString("n8n-email") != "" && viper.GetString("n8n-password") != "" {
		var err error
		descriptor, err = target.NewDescriptor(
			viper.GetString("n8n-url"),
			viper.GetString("n8n-email"),
			viper.GetString("n8n-password"),
			viper.GetString("n8n-encryption-key"),
		)
		if err != nil {
			cerr.Invalid = append(cerr.Invalid, err.Error())
		}
	}

	table := viper.GetString("database-table")
	if table == "" {
		table = store.DefaultTable
	}

	chromePath, err := homedir.Expand(viper.GetString("chrome-path"))
	if err != nil {
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("chrome-path: %v", err))
	}
	screenshotDir, err := homedir.Expand(viper.GetString("screenshot-dir"))
	if err != nil {
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("screenshot-dir: %v", err))
	}

	attempts := viper.GetInt("readiness-attempts")
	if attempts < 0 {
		cerr.Invalid = append(cerr.Invalid, "readiness-attempts must not be negative")
	}

	if len(cerr.Missing) > 0 || len(cerr.Invalid) > 0 {
		return nil, errkind.New(errkind.Config, "load config", cerr)
	}

	return &Config{
		Target:        descriptor,
		UserID:        strings.TrimSpace(viper.GetString("user-id")),
		DatabaseURL:   viper.GetString("database-url"),
		DatabaseKey:   viper.GetString("database-key"),
		DatabaseTable: table,
		ProjectID:     viper.GetString("project-id"),
		ProjectName:   viper.GetString("project-name"),
		WebhookURL:    viper.GetString("webhook-url"),
		Readiness: readiness.Options{
			MaxAttempts:    attempts,
			Interval:       viper.GetDuration("readiness-interval"),
			Settle:         viper.GetDuration("readiness-settle"),
			RequestTimeout: durationOr("request-timeout", 10*time.Second),
		},
		RequestTimeout: durationOr("request-timeout", 10*time.Second),
		Browser: BrowserConfig{
			Enabled:       !viper.GetBool("skip-browser"),
			Headless:      !viper.IsSet("headless") || viper.GetBool("headless"),
			ChromePath:    chromePath,
			StepTimeout:   durationOr("browser-step-timeout", 30*time.Second),
			ScreenshotDir: screenshotDir,
		},
	}, nil
}

func durationOr(key string, def time.Duration) time.Duration {
	if d := viper.GetDuration(key); d > 0 {
		return d
	}
	return def
}

// MapFromConfig returns the config as a map, with secrets redacted
func MapFromConfig(c *Config) map[string]any {
	redact := func(s string) string {
		if s == "" {
			return ""
		}
		return logging.Redacted
	}

	dbURL := c.DatabaseURL
	if u, err := url.Parse(dbURL); err == nil {
		dbURL = u.Redacted()
	}

	return map[string]any{
		"n8n-url":              c.Target.BaseURL,
		"n8n-email":            c.Target.Email,
		"n8n-password":         redact(c.Target.Password),
		"n8n-encryption-key":   redact(c.Target.EncryptionKey),
		"user-id":              c.UserID,
		"database-url":         dbURL,
		"database-key":         redact(c.DatabaseKey),
		"database-table":       c.DatabaseTable,
		"project-id":           c.ProjectID,
		"project-name":         c.ProjectName,
		"webhook-url":          c.WebhookURL,
		"readiness-attempts":   c.Readiness.MaxAttempts,
		"readiness-interval":   c.Readiness.Interval.String(),
		"readiness-settle":     c.Readiness.Settle.String(),
		"request-timeout":      c.RequestTimeout.String(),
		"browser-enabled":      c.Browser.Enabled,
		"headless":             c.Browser.Headless,
		"chrome-path":          c.Browser.ChromePath,
		"browser-step-timeout": c.Browser.StepTimeout.String(),
		"screenshot-dir":       c.Browser.ScreenshotDir,
	}
}
