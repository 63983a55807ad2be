package logging

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Options selects the log level and output format
type Options struct {
	Level string
	JSON  bool
}

// Configure applies level and format to logger and installs the redaction
// hook. An unparsable level falls back to info and is reported.
func Configure(logger *log.Logger, o Options) {
	if logger == nil {
		return
	}

	lvl := log.InfoLevel
	if o.Level != "" {
		parsed, err := log.ParseLevel(o.Level)
		if err != nil {
			logger.WithFields(log.Fields{"level": o.Level, "err": err}).Errorf("couldn't parse `log` config, defaulting to `info`")
		} else {
			lvl = parsed
		}
	}
	logger.SetLevel(lvl)

	if o.JSON {
		ConfigureLogrusJSON(logger)
	} else {
		formatter := new(log.TextFormatter)
		formatter.DisableTimestamp = true
		logger.SetFormatter(formatter)
	}

	logger.AddHook(RedactHook{})
}

// ConfigureLogrusJSON sets the logger to emit JSON logs with a GCP severity field.
func ConfigureLogrusJSON(logger *log.Logger) {
	if logger == nil {
		return
	}

	logger.SetFormatter(&log.JSONFormatter{})
	logger.AddHook(OtelSeverityHook{})
}

// OtelSeverityHook adds a GCP-compatible severity field to log entries.
type OtelSeverityHook struct{}

func (OtelSeverityHook) Levels() []log.Level {
	return log.AllLevels
}

func (OtelSeverityHook) Fire(entry *log.Entry) error {
	if entry == nil {
		return nil
	}
	if _, ok := entry.Data["severity"]; ok {
		return nil
	}

	entry.Data["severity"] = severityForLevel(entry.Level)
	return nil
}

func severityForLevel(level log.Level) string {
	switch level {
	case log.PanicLevel:
		return "EMERGENCY"
	case log.FatalLevel:
		return "CRITICAL"
	case log.ErrorLevel:
		return "ERROR"
	case log.WarnLevel:
		return "WARNING"
	case log.InfoLevel:
		return "INFO"
	case log.DebugLevel, log.TraceLevel:
		return "DEBUG"
	default:
		return "DEFAULT"
	}
}

// Redacted replaces secret values in logs
const Redacted = "[REDACTED]"

var secretFields = []string{"password", "api-key", "apikey", "api_key", "token", "database-key", "encryption-key", "secret"}

// RedactHook masks the value of any field whose name looks like it holds a
// secret. Empty values are left alone so that "not set" stays visible.
type RedactHook struct{}

func (RedactHook) Levels() []log.Level {
	return log.AllLevels
}

func (RedactHook) Fire(entry *log.Entry) error {
	if entry == nil {
		return nil
	}
	for k, v := range entry.Data {
		if !isSecretField(k) {
			continue
		}
		if s, ok := v.(string); ok && (s == "" || s == Redacted) {
			continue
		}
		entry.Data[k] = Redacted
	}
	return nil
}

func isSecretField(name string) bool {
	name = strings.ToLower(name)
	if strings.HasSuffix(name, "preview") || strings.HasSuffix(name, "label") {
		return false
	}
	for _, f := range secretFields {
		if strings.Contains(name, f) {
			return true
		}
	}
	return false
}

// LeveledLogger adapts a logrus entry to retryablehttp.LeveledLogger so that
// retries show up in the run log at debug level
type LeveledLogger struct {
	Entry *log.Entry
}

func (l LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Error(msg)
}

func (l LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Trace(msg)
}

func (l LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Warn(msg)
}

func (l LeveledLogger) with(keysAndValues []interface{}) *log.Entry {
	entry := l.Entry
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	fields := log.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return entry.WithFields(fields)
}
