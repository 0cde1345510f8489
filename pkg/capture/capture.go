// Package capture runs the external traffic-capture tool as a local process.
//
// The tool is started once per live session and writes its numbered reports
// into <reports>/report-<session id>/, where the prediction pump picks them up.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Command placeholders, substituted in every argument.
const (
	PlaceholderInterface = "{interface}"
	PlaceholderDir       = "{dir}"
	PlaceholderSession   = "{session}"
)

// DefaultStopGrace is how long Stop waits after SIGINT before killing.
const DefaultStopGrace = 5 * time.Second

// ErrUnknownSession is returned by Stop for ids it never started or already
// reaped.
var ErrUnknownSession = errors.New("capture: unknown session")

type proc struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Process starts one capture process per session.
type Process struct {
	command []string
	reports string
	grace   time.Duration
	logger  *slog.Logger
	newID   func() string

	mu      sync.Mutex
	running map[string]*proc
}

// Option configures a Process.
type Option func(*Process)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Process) { p.logger = l }
}

// WithStopGrace sets the SIGINT to SIGKILL delay.
func WithStopGrace(d time.Duration) Option {
	return func(p *Process) { p.grace = d }
}

// WithIDFunc replaces the session id generator.
func WithIDFunc(fn func() string) Option {
	return func(p *Process) { p.newID = fn }
}

// New creates a capture runner. command is an argv template such as
// []string{"mmt-probe", "-i", "{interface}", "-X", "file-output.output-dir={dir}/"}.
func New(command []string, reports string, opts ...Option) *Process {
	p := &Process{
		command: append([]string(nil), command...),
		reports: reports,
		grace:   DefaultStopGrace,
		logger:  slog.Default(),
		newID:   newSessionID,
		running: make(map[string]*proc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func newSessionID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Dir is the report directory of a session.
func (p *Process) Dir(id string) string {
	return filepath.Join(p.reports, "report-"+id)
}

func (p *Process) argv(iface, id string) []string {
	r := strings.NewReplacer(
		PlaceholderInterface, iface,
		PlaceholderDir, p.Dir(id),
		PlaceholderSession, id,
	)
	out := make([]string, len(p.command))
	for i, arg := range p.command {
		out[i] = r.Replace(arg)
	}
	return out
}

// Start launches the capture tool on iface and returns the session id. The
// process outlives ctx; it runs until Stop or Close.
func (p *Process) Start(ctx context.Context, iface string) (string, error) {
	if len(p.command) == 0 {
		return "", errors.New("capture command is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := p.newID()
	dir := p.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(dir, "capture.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", err
	}

	argv := p.argv(iface, id)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return "", fmt.Errorf("start %s: %w", argv[0], err)
	}

	pr := &proc{cmd: cmd, done: make(chan struct{})}
	go func() {
		pr.err = cmd.Wait()
		logFile.Close()
		close(pr.done)
	}()

	p.mu.Lock()
	p.running[id] = pr
	p.mu.Unlock()

	p.logger.Info("capture started", "capture_session", id, "interface", iface, "pid", cmd.Process.Pid)
	return id, nil
}

// Stop interrupts the capture of a session and waits for it to exit.
func (p *Process) Stop(ctx context.Context, id string) error {
	p.mu.Lock()
	pr, ok := p.running[id]
	delete(p.running, id)
	p.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	select {
	case <-pr.done:
		return nil
	default:
	}

	if err := pr.cmd.Process.Signal(syscall.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("failed to interrupt capture", "capture_session", id, "error", err)
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-pr.done:
	case <-timer.C:
		p.logger.Warn("capture ignored interrupt, killing", "capture_session", id)
		_ = pr.cmd.Process.Kill()
		<-pr.done
	case <-ctx.Done():
		_ = pr.cmd.Process.Kill()
		<-pr.done
		return ctx.Err()
	}
	p.logger.Info("capture stopped", "capture_session", id)
	return nil
}

// Running returns the ids of captures not yet stopped.
func (p *Process) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.running))
	for id := range p.running {
		out = append(out, id)
	}
	return out
}

// Close stops every capture.
func (p *Process) Close(ctx context.Context) error {
	var errs []error
	for _, id := range p.Running() {
		if err := p.Stop(ctx, id); err != nil && !errors.Is(err, ErrUnknownSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
