package prediction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ndrlab/ndr-orchestrator/pkg/pump"
	"github.com/ndrlab/ndr-orchestrator/pkg/queue"
	"github.com/ndrlab/ndr-orchestrator/pkg/security"
	"github.com/ndrlab/ndr-orchestrator/pkg/session"
)

var (
	ErrMissingParameter = errors.New("prediction: missing required parameter")
	ErrModelNotFound    = errors.New("prediction: model not found")
	ErrReportNotFound   = errors.New("prediction: report not found")
	ErrNoOnlineSession  = errors.New("prediction: no online prediction is running")
	ErrCaptureFailed    = errors.New("prediction: capture did not start")
)

// Paths locates models, reports, prediction outputs and logs.
type Paths struct {
	Models      string `mapstructure:"models" yaml:"models"`
	Reports     string `mapstructure:"reports" yaml:"reports"`
	Predictions string `mapstructure:"predictions" yaml:"predictions"`
	Logs        string `mapstructure:"logs" yaml:"logs"`
}

// Capture starts and stops live traffic capture. A running capture writes
// numbered reports into <Reports>/report-<captureSessionID>.
type Capture interface {
	Start(ctx context.Context, iface string) (captureSessionID string, err error)
	Stop(ctx context.Context, captureSessionID string) error
}

// Service coordinates offline and online predictions.
type Service struct {
	manager    *queue.Manager
	sessions   *session.Registry
	classifier pump.Classifier
	capture    Capture
	paths      Paths

	useQueueByDefault bool
	logger            *slog.Logger
	now               func() time.Time
	pumpOpts          []pump.Option
	observe           func(pump.Outcome, time.Duration)
	onPump            func(started bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	online map[string]*onlineRun
	latest string
}

// Option configures a Service.
type Option func(*Service)

// WithCapture sets the live capture used by online predictions.
func WithCapture(c Capture) Option {
	return func(s *Service) { s.capture = c }
}

// WithUseQueueByDefault controls whether offline predictions are queued when
// the request does not say. Defaults to true.
func WithUseQueueByDefault(v bool) Option {
	return func(s *Service) { s.useQueueByDefault = v }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now for prediction ids.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPumpOptions are passed to every online pump.
func WithPumpOptions(opts ...pump.Option) Option {
	return func(s *Service) { s.pumpOpts = append(s.pumpOpts, opts...) }
}

// WithPumpObserver is called once per report finished by any online pump.
func WithPumpObserver(fn func(pump.Outcome, time.Duration)) Option {
	return func(s *Service) { s.observe = fn }
}

// WithPumpLifecycle is called when an online pump starts and when it exits.
func WithPumpLifecycle(fn func(started bool)) Option {
	return func(s *Service) { s.onPump = fn }
}

// NewService creates a Service. The classifier is typically a
// *classifier.Orchestrator.
func NewService(manager *queue.Manager, sessions *session.Registry, c pump.Classifier, paths Paths, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		manager:           manager,
		sessions:          sessions,
		classifier:        c,
		paths:             paths,
		useQueueByDefault: true,
		logger:            slog.Default(),
		now:               time.Now,
		ctx:               ctx,
		cancel:            cancel,
		online:            make(map[string]*onlineRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sessions returns the registry predictions are tracked in.
func (s *Service) Sessions() *session.Registry {
	return s.sessions
}

// Close stops in-process predictions and online pumps and waits for them.
func (s *Service) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewPredictionID returns an id of the form predict-<unix ms>-<8 hex>.
func (s *Service) NewPredictionID() string {
	return "predict-" + strconv.FormatInt(s.now().UnixMilli(), 10) + "-" + uuid.NewString()[:8]
}

func (s *Service) modelPath(modelID string) (string, error) {
	if strings.TrimSpace(modelID) == "" {
		return "", fmt.Errorf("%w: modelId is required", ErrMissingParameter)
	}
	if err := security.ValidateSessionID(modelID); err != nil {
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	p := filepath.Join(s.paths.Models, modelID)
	if !fileExists(p) {
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	return p, nil
}

func (s *Service) outputDir(predictionID string) string {
	return filepath.Join(s.paths.Predictions, predictionID)
}

func (s *Service) logPath(predictionID string) string {
	return filepath.Join(s.paths.Logs, "predict_"+predictionID+".log")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
