package expect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const killGracePeriod = 2 * time.Second

// Process is a command running on a pseudo-terminal with an Expecter
// attached to its combined output.
type Process struct {
	*Expecter

	cmd  *exec.Cmd
	ptmx *os.File

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

// Spawn starts argv on a new pty. Output is mirrored to log (may be nil).
// env entries are appended to the current environment.
func Spawn(ctx context.Context, argv []string, env []string, log io.Writer, defaultTimeout time.Duration) (*Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("spawn: empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = killGracePeriod

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 200, Rows: 50})
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}

	p := &Process{
		Expecter: NewExpecter(ptyReader{ptmx}, log, defaultTimeout),
		cmd:      cmd,
		ptmx:     ptmx,
		exited:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

// Pid of the spawned process.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Send writes input to the process terminal.
func (p *Process) Send(s string) error {
	_, err := io.WriteString(p.ptmx, s)
	return err
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.exited
	return p.waitErr
}

// Close terminates the process if it is still running and reaps it. The
// exit status is deliberately ignored.
func (p *Process) Close() error {
	select {
	case <-p.exited:
	default:
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.exited:
		case <-time.After(killGracePeriod):
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
	}
	if err := p.ptmx.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close pty: %w", err)
	}
	return nil
}

func (p *Process) wait() {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.exited)
	})
}

// ptyReader reports the EIO Linux returns once the slave side is gone as a
// plain EOF.
type ptyReader struct {
	f *os.File
}

func (r ptyReader) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err != nil && errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}
