// Package scenario drives a monitor through a crash hand-off against a local
// IDE server and checks the monitor's output step by step.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/bingosuite/idews/config"
	"github.com/bingosuite/idews/internal/expect"
	"github.com/bingosuite/idews/internal/monitor"
	"github.com/bingosuite/idews/internal/ws"
)

// LogFileName is the monitor transcript written under the log directory.
const LogFileName = "monitor.txt"

// ErrNotAcknowledged means the transcript shows a finished hand-off that did
// not go through this run's IDE server.
var ErrNotAcknowledged = errors.New("monitor reported a hand-off but the IDE server acknowledged nothing")

type Runner struct {
	cfg       *config.Config
	logger    *zap.Logger
	responder ws.Responder
}

// Result describes a successful run.
type Result struct {
	ServerURL string
	LogPath   string
	Argv      []string
	Banner    *monitor.Banner
	Matches   []expect.Match
}

func NewRunner(cfg *config.Config, logger *zap.Logger, responder ws.Responder) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if responder == nil {
		responder = ws.ImmediateResponder{}
	}
	return &Runner{cfg: cfg, logger: logger.Named("scenario"), responder: responder}
}

// Run starts the IDE server, launches the monitor against it and expects
// every hand-off step in order. The monitor's exit code is not checked.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	sc := r.cfg.Scenario
	steps, err := Steps(sc.Variant, sc.CrashTimeout, sc.StepTimeout)
	if err != nil {
		return nil, err
	}

	srv, stopServer, err := r.startServer(ctx)
	if err != nil {
		return nil, err
	}
	defer stopServer()

	inv := monitor.Invocation{
		Command:    r.cfg.Monitor.Command,
		ELF:        r.cfg.Monitor.ELF,
		SerialPort: r.cfg.Monitor.SerialPort,
		WSURL:      srv.URL(),
		ExtraArgs:  r.cfg.Monitor.ExtraArgs,
	}
	argv, err := inv.Argv()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(sc.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(sc.LogDir, LogFileName)
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create monitor log: %w", err)
	}
	defer func() {
		if err := logFile.Close(); err != nil {
			r.logger.Warn("Failed to close monitor log", zap.Error(err))
		}
	}()

	r.logger.Info("Launching monitor", zap.Strings("argv", argv), zap.String("log", logPath))
	proc, err := expect.Spawn(ctx, argv, envList(r.cfg.Monitor.Env), logFile, sc.StepTimeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := proc.Close(); err != nil {
			r.logger.Warn("Failed to close monitor", zap.Error(err))
		}
	}()

	result := &Result{ServerURL: srv.URL(), LogPath: logPath, Argv: argv}

	if r.cfg.Monitor.MinVersion != "" {
		banner, err := r.checkBanner(proc.Expecter, sc.CrashTimeout)
		if err != nil {
			return nil, err
		}
		result.Banner = banner
	}

	if result.Matches, err = r.expectSteps(proc.Expecter, steps); err != nil {
		return nil, err
	}
	return result, nil
}

// Watch starts the IDE server and checks the hand-off in a transcript that a
// monitor launched elsewhere is writing to logPath. Only output appended
// after Watch starts counts, and the hand-off must have been acknowledged by
// this server. started receives the server URL so the caller can hand it to
// that monitor; it may be nil.
func (r *Runner) Watch(ctx context.Context, logPath string, started func(url string)) (*Result, error) {
	sc := r.cfg.Scenario
	steps, err := Steps(sc.Variant, sc.CrashTimeout, sc.StepTimeout)
	if err != nil {
		return nil, err
	}

	srv, stopServer, err := r.startServer(ctx)
	if err != nil {
		return nil, err
	}
	defer stopServer()

	follower, err := expect.Follow(logPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := follower.Close(); err != nil {
			r.logger.Warn("Failed to stop following monitor log", zap.Error(err))
		}
	}()

	if started != nil {
		started(srv.URL())
	}
	r.logger.Info("Following monitor log", zap.String("log", logPath))

	result := &Result{ServerURL: srv.URL(), LogPath: logPath}
	if result.Matches, err = r.expectSteps(expect.NewExpecter(follower, nil, sc.StepTimeout), steps); err != nil {
		return nil, err
	}
	if srv.Hub().Acknowledged() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotAcknowledged, srv.URL())
	}
	return result, nil
}

// startServer runs the IDE server until the returned stop func is called.
func (r *Runner) startServer(ctx context.Context) (*ws.Server, func(), error) {
	srv := ws.NewServer(r.cfg.Server, r.logger, r.responder)
	serverCtx, cancel := context.WithCancel(ctx)
	ready := make(chan int, 1)
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Run(serverCtx, ready)
	}()

	select {
	case port := <-ready:
		r.logger.Info("IDE server ready", zap.Int("port", port), zap.String("url", srv.URL()))
		return srv, func() { r.teardown(cancel, serverDone) }, nil
	case err := <-serverDone:
		cancel()
		return nil, nil, fmt.Errorf("start server: %w", err)
	case <-ctx.Done():
		r.teardown(cancel, serverDone)
		return nil, nil, ctx.Err()
	}
}

func (r *Runner) expectSteps(e *expect.Expecter, steps []Step) ([]expect.Match, error) {
	matches := make([]expect.Match, 0, len(steps))
	for _, step := range steps {
		m, err := step.run(e)
		if err != nil {
			return nil, &StepError{Step: step, Err: err}
		}
		r.logger.Info("Step passed", zap.String("step", step.Name), zap.String("match", m.Text))
		matches = append(matches, m)
	}
	return matches, nil
}

func (r *Runner) checkBanner(e *expect.Expecter, timeout time.Duration) (*monitor.Banner, error) {
	step := Step{Name: "monitor banner", Regexp: monitor.BannerPattern(), Timeout: timeout}
	m, err := step.run(e)
	if err != nil {
		return nil, &StepError{Step: step, Err: err}
	}
	banner, ok := monitor.ParseBanner(m.Text)
	if !ok {
		return nil, fmt.Errorf("unparsable monitor banner %q", m.Text)
	}
	if err := monitor.CheckVersion(banner.Version, r.cfg.Monitor.MinVersion); err != nil {
		return nil, err
	}
	r.logger.Info("Monitor version accepted", zap.Stringer("version", banner.Version))
	return &banner, nil
}

// teardown stops the server and waits a bounded time for it. A server that
// does not stop in time is only logged.
func (r *Runner) teardown(stop context.CancelFunc, done <-chan error) {
	stop()
	select {
	case err := <-done:
		if err != nil {
			r.logger.Warn("Server exited with error", zap.Error(err))
		}
	case <-time.After(r.cfg.Scenario.JoinTimeout):
		r.logger.Warn("Server cannot be joined", zap.Duration("timeout", r.cfg.Scenario.JoinTimeout))
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
