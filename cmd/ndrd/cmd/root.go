package cmd

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/ndrlab/ndr-orchestrator/pkg/config"
	"github.com/ndrlab/ndr-orchestrator/pkg/logging"
	"github.com/ndrlab/ndr-orchestrator/pkg/queue"
	"github.com/ndrlab/ndr-orchestrator/pkg/storage"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ndrd",
	Short: "ndrd runs the NDR job orchestrator",
	Long: `ndrd is the backend of the network detection and response platform.

It queues feature extraction, training and prediction work on a broker,
runs the classifier for offline and live predictions, and serves the
HTTP API the web UI talks to.

Common workflows:

  Start the API, the prediction workers and the cleanup sweep:
    ndrd serve --config ndrd.yaml

  Inspect queue depths:
    ndrd stats

  Remove finished jobs older than two days:
    ndrd cleanup --older-than-hours 48

  Print the effective configuration:
    ndrd config

Configuration:
  Settings come from the YAML file given with --config, overridden by
  NDR_-prefixed environment variables (NDR_SERVER_ADDR, NDR_LOG_LEVEL, ...).
    REDIS_URL             broker URL (redis://, sqlite://, postgres://)
    USE_QUEUE_BY_DEFAULT  anything but "false" queues offline predictions
    PREDICTION_WORKERS    and the other *_WORKERS variables set concurrency`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
}

// loadConfig reads the configuration and builds the process logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openManager connects the queue manager to the configured broker. The broker
// is probed once; an unreachable broker is reported but not fatal.
func openManager(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (*queue.Manager, error) {
	broker, err := storage.Open(cfg.Broker.URL)
	if err != nil {
		return nil, err
	}
	m := queue.New(broker,
		queue.WithLogger(logger),
		queue.WithConnectTimeout(cfg.Broker.ConnectTimeout),
		queue.WithWorkers(cfg.WorkerOverrides()),
	)
	if !m.Probe(cmd.Context()) {
		logger.Warn("broker not reachable", "url", redactURL(cfg.Broker.URL))
	}
	return m, nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

// redactURL drops the password from a broker URL for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
