package classifier

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
)

// MinDataLines is the number of data lines below which a report holds no
// flows worth classifying.
const MinDataLines = 3

// Request names the files of one classification.
type Request struct {
	ReportPath string
	ModelPath  string
	OutputDir  string
	LogPath    string
}

// Result is the completion of one classification.
type Result struct {
	// ExitCode is 0 on success or skip and 1 on any failure. The process's
	// own exit code is kept in Err.
	ExitCode  int
	Skipped   bool
	DataLines int
	Duration  time.Duration
	// Err is a *core.JobExecutionError when ExitCode is non-zero.
	Err error
}

// OK reports a zero exit code.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Orchestrator invokes the classifier on single report files.
type Orchestrator struct {
	command []string
	runner  Runner
	logger  *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an orchestrator that runs command followed by the
// report, model and output paths, e.g. []string{"python3", "prediction.py"}.
func NewOrchestrator(command []string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		command: append([]string(nil), command...),
		runner:  NewExecRunner(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run classifies one report file and returns once the classifier has exited.
// Reports with fewer than MinDataLines data lines are skipped and succeed
// without producing artifacts.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	start := time.Now()
	name := filepath.Base(req.ReportPath)

	lines, err := CountDataLines(req.ReportPath, MinDataLines)
	if err != nil {
		o.logger.Error("failed to read report", "report", name, "error", err)
		return Result{ExitCode: 1, Duration: time.Since(start), Err: &core.JobExecutionError{ExitCode: 1, Err: err}}
	}
	if lines < MinDataLines {
		o.logger.Info("skipping report with no flow data", "report", name, "lines", lines)
		return Result{Skipped: true, DataLines: lines, Duration: time.Since(start)}
	}

	o.logger.Info("running prediction", "report", name, "model", filepath.Base(req.ModelPath))
	argv := append(append([]string(nil), o.command...), req.ReportPath, req.ModelPath, req.OutputDir)
	code, err := o.runner.Run(ctx, req.LogPath, argv)
	res := Result{DataLines: lines, Duration: time.Since(start)}

	if err == nil && code == 0 {
		o.logger.Info("prediction completed", "report", name, "duration", res.Duration)
		return res
	}
	res.ExitCode = 1
	res.Err = &core.JobExecutionError{ExitCode: code, LogPath: req.LogPath, Err: err}
	o.logger.Error("prediction failed", "report", name, "exit_code", code, "log", req.LogPath, "error", res.Err)
	return res
}

// CountDataLines counts non-empty lines that do not start with '#', stopping
// once limit is reached. A limit <= 0 counts the whole file.
func CountDataLines(path string, limit int) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return n, nil
}
