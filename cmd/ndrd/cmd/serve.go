package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ndrlab/ndr-orchestrator/pkg/api"
	"github.com/ndrlab/ndr-orchestrator/pkg/capture"
	"github.com/ndrlab/ndr-orchestrator/pkg/classifier"
	"github.com/ndrlab/ndr-orchestrator/pkg/metrics"
	"github.com/ndrlab/ndr-orchestrator/pkg/prediction"
	"github.com/ndrlab/ndr-orchestrator/pkg/queue"
	"github.com/ndrlab/ndr-orchestrator/pkg/schedule"
	"github.com/ndrlab/ndr-orchestrator/pkg/session"
	"github.com/ndrlab/ndr-orchestrator/pkg/worker"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the prediction workers and the cleanup sweep",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	cleanup, err := schedule.Parse(cfg.Queue.CleanupSchedule)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := openManager(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	metrics.MustRegister()
	metrics.Instrument(m)
	if err := prometheus.Register(metrics.NewQueueCollector(m)); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
	}

	orchestrator := classifier.NewOrchestrator(cfg.Classifier.Command,
		classifier.WithRunner(&classifier.ExecRunner{Dir: cfg.Classifier.Dir}),
		classifier.WithLogger(logger),
	)

	opts := []prediction.Option{
		prediction.WithLogger(logger),
		prediction.WithUseQueueByDefault(cfg.Queue.UseQueueByDefault),
		prediction.WithPumpObserver(metrics.ObservePumpReport),
		prediction.WithPumpLifecycle(func(started bool) {
			if started {
				metrics.PumpStarted()
			} else {
				metrics.PumpStopped()
			}
		}),
	}
	var capt *capture.Process
	if len(cfg.Capture.Command) > 0 {
		capt = capture.New(cfg.Capture.Command, cfg.Paths.Reports,
			capture.WithLogger(logger),
			capture.WithStopGrace(cfg.Capture.StopGrace),
		)
		opts = append(opts, prediction.WithCapture(capt))
	} else {
		logger.Info("no capture command configured, online prediction disabled")
	}

	predictions := prediction.NewService(m, session.NewRegistry(), orchestrator, cfg.Paths, opts...)
	predictions.RegisterHandler()
	if unhandled := m.Unhandled(); len(unhandled) > 0 {
		logger.Info("queues left to external workers", "queues", unhandled)
	}

	w := worker.NewWorker(m,
		worker.PollInterval(cfg.Queue.PollInterval),
		worker.WithLogger(logger),
	)
	janitor := queue.NewJanitor(m,
		queue.WithSchedule(cleanup),
		queue.WithRetention(cfg.Queue.Retention),
	)
	handlers := api.NewHandlers(m, predictions, api.WithLogger(logger))
	srv := api.NewServer(cfg.Server.Addr, handlers.Router())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(w.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(janitor.Start(gctx)) })
	g.Go(func() error {
		logger.Info("ndrd listening", "addr", cfg.Server.Addr, "broker", redactURL(cfg.Broker.URL))
		return srv.Run(gctx)
	})
	err = g.Wait()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := predictions.Close(shutdownCtx); cerr != nil {
		logger.Warn("prediction shutdown incomplete", "error", cerr)
	}
	if capt != nil {
		if cerr := capt.Close(shutdownCtx); cerr != nil {
			logger.Warn("failed to stop captures", "error", cerr)
		}
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
