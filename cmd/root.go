package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/getsentry/sentry-go"
	"github.com/overmindtech/n8n-provisioner/errkind"
	"github.com/overmindtech/n8n-provisioner/logging"
	"github.com/overmindtech/n8n-provisioner/provision"
	"github.com/overmindtech/n8n-provisioner/tracing"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/uptrace/opentelemetry-go-extra/otellogrus"
)

var cfgFile string

// terminationLogPath is where kubernetes picks up the reason a pod exited
var terminationLogPath = "/dev/termination-log"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "n8n-provisioner",
	Short: "Creates an API key on a freshly deployed n8n instance and stores it",
	Long: `Waits for an n8n instance to become ready, logs in as the owner and
creates an API key. When the REST login does not work the key is created
through the n8n UI in a headless browser instead. The key is checked against
the instance, stored in the database against the user, and a webhook is
notified.

The process exits 0 on success. Any other status means no usable key was
stored:

  2  configuration is missing or invalid
  3  n8n did not become ready
  4  no API key could be created
  5  n8n rejected the new API key
  6  the API key could not be stored
`,
	Version: tracing.Version(),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		defer tracing.LogRecoverToExit(ctx, "n8n-provisioner.root")

		code := run(ctx)

		tracing.ShutdownTracer(ctx)
		os.Exit(code)
	},
}

// run performs one provisioning run and returns the process exit status
func run(ctx context.Context) int {
	cfg, err := provision.ConfigFromViper()
	if err != nil {
		sentry.CaptureException(err)
		log.WithError(err).Error("Could not load config")
		return errkind.ExitCode(err)
	}

	log.WithFields(provision.MapFromConfig(cfg)).Info("Got config")

	_, err = provision.NewRunner(cfg).Run(ctx)
	return errkind.ExitCode(err)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	var logLevel string

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file. Any flag can be set in it")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Set the log level. Valid values: panic, fatal, error, warn, info, debug, trace")
	cobra.CheckErr(viper.BindEnv("log", "PROVISIONER_LOG", "LOG"))
	rootCmd.PersistentFlags().Bool("json-log", true, "Set to false to emit logs as text instead of json")
	cobra.CheckErr(viper.BindEnv("json-log", "PROVISIONER_JSON_LOG", "JSON_LOG"))

	provision.AddFlags(rootCmd)

	// tracing
	rootCmd.PersistentFlags().String("honeycomb-api-key", "", "If specified, configures opentelemetry libraries to submit traces to honeycomb")
	cobra.CheckErr(viper.BindEnv("honeycomb-api-key", "PROVISIONER_HONEYCOMB_API_KEY", "HONEYCOMB_API_KEY"))
	rootCmd.PersistentFlags().String("sentry-dsn", "", "If specified, configures sentry libraries to capture errors")
	cobra.CheckErr(viper.BindEnv("sentry-dsn", "PROVISIONER_SENTRY_DSN", "SENTRY_DSN"))
	rootCmd.PersistentFlags().String("run-mode", "release", "Set the run mode for this service, 'release', 'debug' or 'test'. Defaults to 'release'.")

	// debugging
	rootCmd.PersistentFlags().Bool("stdout-trace-dump", false, "Dump all otel traces to stdout for debugging")

	err := viper.BindPFlags(rootCmd.PersistentFlags())
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Could not bind flags to viper")
	}

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logging.Configure(log.StandardLogger(), logging.Options{
			Level: viper.GetString("log"),
			JSON:  viper.GetBool("json-log"),
		})
		log.AddHook(TerminationLogHook{})

		err := tracing.InitTracerWithUpstreams("n8n-provisioner", tracing.Options{
			HoneycombAPIKey: viper.GetString("honeycomb-api-key"),
			SentryDSN:       viper.GetString("sentry-dsn"),
			RunMode:         viper.GetString("run-mode"),
			StdoutTraceDump: viper.GetBool("stdout-trace-dump"),
		})
		if err != nil {
			log.Fatal(err)
		}

		log.AddHook(otellogrus.NewHook(otellogrus.WithLevels(
			log.AllLevels[:log.GetLevel()+1]...,
		)))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	replacer := strings.NewReplacer("-", "_")

	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv() // read in environment variables that match

	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		log.WithError(err).WithField("config", cfgFile).Fatal("Could not read config file")
	}
	log.Infof("Using config file: %v", viper.ConfigFileUsed())
}

// TerminationLogHook copies fatal and error entries to the termination log so
// the reason a run failed shows up in the pod status
type TerminationLogHook struct{}

func (t TerminationLogHook) Levels() []log.Level {
	return []log.Level{log.FatalLevel, log.ErrorLevel}
}

func (t TerminationLogHook) Fire(e *log.Entry) error {
	tLog, err := os.OpenFile(terminationLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		// not running in kubernetes
		return nil
	}
	if err != nil {
		return err
	}
	defer tLog.Close()

	message := e.Message

	for k, v := range e.Data {
		message = fmt.Sprintf("%v %v=%v", message, k, v)
	}

	_, err = tLog.WriteString(message + "\n")

	return err
}
