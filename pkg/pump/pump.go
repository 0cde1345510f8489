// Package pump feeds the report files of a live capture session, one at a
// time and in directory order, into the classifier.
//
// A capture writes numbered report files into a directory and drops a
// companion marker (<report>.sem) once a report is complete. The pump walks
// the reports by index:
//
//	WAIT_FOR_FILE -> WAIT_FOR_MARKER -> PROCESS -> ADVANCE -> WAIT_FOR_FILE ...
//
// and terminates at the top of any step once its session is no longer running.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ndrlab/ndr-orchestrator/pkg/classifier"
	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	"github.com/ndrlab/ndr-orchestrator/pkg/session"
)

// Polling defaults.
const (
	DefaultFileInterval   = time.Second
	DefaultMarkerInterval = 500 * time.Millisecond
	DefaultMarkerAttempts = 120
	DefaultReportExt      = ".csv"
	DefaultMarkerSuffix   = ".sem"
)

// State is a step of the pump.
type State int

const (
	StateWaitForFile State = iota
	StateWaitForMarker
	StateProcess
	StateAdvance
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateWaitForFile:
		return "WAIT_FOR_FILE"
	case StateWaitForMarker:
		return "WAIT_FOR_MARKER"
	case StateProcess:
		return "PROCESS"
	case StateAdvance:
		return "ADVANCE"
	case StateTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is how the pump finished with one report index.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Classifier runs the classifier on one report.
type Classifier interface {
	Run(ctx context.Context, req classifier.Request) classifier.Result
}

// Sessions tells the pump whether its session is still live.
type Sessions interface {
	IsRunning(kind session.Kind, id string) bool
}

// Config describes one pump.
type Config struct {
	SessionID string
	ReportDir string
	ModelPath string
	OutputDir string
	LogPath   string

	FileInterval   time.Duration
	MarkerInterval time.Duration
	MarkerAttempts int
	ReportExt      string
	MarkerSuffix   string
}

func (c *Config) setDefaults() {
	if c.FileInterval <= 0 {
		c.FileInterval = DefaultFileInterval
	}
	if c.MarkerInterval <= 0 {
		c.MarkerInterval = DefaultMarkerInterval
	}
	if c.MarkerAttempts <= 0 {
		c.MarkerAttempts = DefaultMarkerAttempts
	}
	if c.ReportExt == "" {
		c.ReportExt = DefaultReportExt
	}
	if c.MarkerSuffix == "" {
		c.MarkerSuffix = DefaultMarkerSuffix
	}
}

// Status is a snapshot of a pump.
type Status struct {
	SessionID     string `json:"sessionId"`
	State         State  `json:"state"`
	Index         int    `json:"index"`
	CurrentReport string `json:"currentReport,omitempty"`
	Processed     int    `json:"processed"`
	Skipped       int    `json:"skipped"`
	Failed        int    `json:"failed"`
	TimedOut      int    `json:"timedOut"`
	DirMissing    bool   `json:"directoryMissing"`
	// LastReportAt is when the last report index was finished.
	LastReportAt *time.Time `json:"lastReportAt,omitempty"`
}

// Pump is the state machine of one live session. It never runs two
// classifications at once.
type Pump struct {
	cfg        Config
	classifier Classifier
	sessions   Sessions
	clock      Clock
	logger     *slog.Logger
	observe    func(Outcome, time.Duration)

	mu     sync.Mutex
	status Status
}

// Option configures a Pump.
type Option func(*Pump)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(p *Pump) { p.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pump) { p.logger = l }
}

// WithObserver is called once per finished report index.
func WithObserver(fn func(Outcome, time.Duration)) Option {
	return func(p *Pump) { p.observe = fn }
}

// New creates a pump for cfg.SessionID.
func New(cfg Config, c Classifier, sessions Sessions, opts ...Option) *Pump {
	cfg.setDefaults()
	p := &Pump{
		cfg:        cfg,
		classifier: c,
		sessions:   sessions,
		clock:      RealClock(),
		logger:     slog.Default(),
		status:     Status{SessionID: cfg.SessionID, State: StateWaitForFile},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("session_id", cfg.SessionID)
	return p
}

// Status returns a snapshot of the pump.
func (p *Pump) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Pump) update(fn func(*Status)) {
	p.mu.Lock()
	fn(&p.status)
	p.mu.Unlock()
}

func (p *Pump) running() bool {
	return p.sessions.IsRunning(session.KindPrediction, p.cfg.SessionID)
}

// Run drives the pump until the session stops or ctx is cancelled. It returns
// nil when the session stopped and ctx.Err() on cancellation.
func (p *Pump) Run(ctx context.Context) error {
	p.logger.Info("online prediction started", "report_dir", p.cfg.ReportDir)

	var (
		state   = StateWaitForFile
		index   int
		report  string
		misses  int
		missing bool
	)

	for {
		if err := ctx.Err(); err != nil {
			p.terminate()
			return err
		}
		if !p.running() {
			p.terminate()
			p.logger.Info("online prediction terminated", "index", index)
			return nil
		}
		p.update(func(s *Status) {
			s.State = state
			s.Index = index
			s.CurrentReport = report
		})

		switch state {
		case StateWaitForFile:
			reports, err := p.listReports()
			switch {
			case errors.Is(err, fs.ErrNotExist):
				if !missing {
					p.logger.Warn("report directory missing, waiting", "dir", p.cfg.ReportDir, "error", core.ErrDirectoryMissing)
					missing = true
					p.update(func(s *Status) { s.DirMissing = true })
				}
				p.sleep(ctx, p.cfg.FileInterval)
				continue
			case err != nil:
				p.logger.Error("failed to list reports", "dir", p.cfg.ReportDir, "error", err)
				p.sleep(ctx, p.cfg.FileInterval)
				continue
			}
			if missing {
				missing = false
				p.update(func(s *Status) { s.DirMissing = false })
			}
			if index >= len(reports) {
				p.sleep(ctx, p.cfg.FileInterval)
				continue
			}
			report = reports[index]
			misses = 0
			p.logger.Debug("report found", "index", index, "report", report)
			state = StateWaitForMarker

		case StateWaitForMarker:
			if p.markerExists(report) {
				state = StateProcess
				continue
			}
			misses++
			if misses >= p.cfg.MarkerAttempts {
				p.logger.Warn("timeout waiting for completion marker, skipping report",
					"index", index, "report", report, "polls", misses, "error", core.ErrMarkerTimeout)
				p.finish(OutcomeTimedOut, 0)
				state = StateAdvance
				continue
			}
			p.sleep(ctx, p.cfg.MarkerInterval)

		case StateProcess:
			res := p.classifier.Run(ctx, classifier.Request{
				ReportPath: filepath.Join(p.cfg.ReportDir, report),
				ModelPath:  p.cfg.ModelPath,
				OutputDir:  p.cfg.OutputDir,
				LogPath:    p.cfg.LogPath,
			})
			switch {
			case res.Skipped:
				p.finish(OutcomeSkipped, res.Duration)
			case res.OK():
				p.finish(OutcomeProcessed, res.Duration)
			default:
				p.finish(OutcomeFailed, res.Duration)
			}
			state = StateAdvance

		case StateAdvance:
			index++
			report = ""
			state = StateWaitForFile
		}
	}
}

func (p *Pump) terminate() {
	p.update(func(s *Status) { s.State = StateTerminated })
}

func (p *Pump) finish(o Outcome, d time.Duration) {
	now := p.clock.Now()
	p.update(func(s *Status) {
		s.LastReportAt = &now
		switch o {
		case OutcomeProcessed:
			s.Processed++
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeFailed:
			s.Failed++
		case OutcomeTimedOut:
			s.TimedOut++
		}
	})
	if p.observe != nil {
		p.observe(o, d)
	}
}

func (p *Pump) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-p.clock.After(d):
	}
}

// listReports returns report file names in directory order.
func (p *Pump) listReports() ([]string, error) {
	entries, err := os.ReadDir(p.cfg.ReportDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), p.cfg.ReportExt) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (p *Pump) markerExists(report string) bool {
	_, err := os.Stat(filepath.Join(p.cfg.ReportDir, report+p.cfg.MarkerSuffix))
	return err == nil
}
