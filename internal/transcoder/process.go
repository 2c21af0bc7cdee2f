package transcoder

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// killWait bounds the wait for the process to disappear after SIGKILL.
const killWait = 2 * time.Second

// ErrKilled is returned by Shutdown when ffmpeg ignored the interrupt and had
// to be killed.
var ErrKilled = errors.New("ffmpeg killed after grace period")

// Process is a running ffmpeg.
type Process struct {
	cmd   *exec.Cmd
	stdin *onceCloser
	diag  *os.File
	log   hclog.Logger

	exited  chan struct{}
	exitErr error
}

func newProcess(cmd *exec.Cmd, stdin io.WriteCloser, diag *os.File, log hclog.Logger) *Process {
	p := &Process{
		cmd:    cmd,
		stdin:  &onceCloser{WriteCloser: stdin},
		diag:   diag,
		log:    log,
		exited: make(chan struct{}),
	}
	go p.wait()
	return p
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitErr = err
	p.log.Info("ffmpeg exited", "code", p.cmd.ProcessState.ExitCode(), "state", p.cmd.ProcessState.String())
	close(p.exited)
}

// Input is ffmpeg's stdin. Closing it signals end of input.
func (p *Process) Input() io.WriteCloser {
	return p.stdin
}

// Diagnostics is ffmpeg's stderr. It reaches EOF once ffmpeg and every child
// holding the descriptor have exited.
func (p *Process) Diagnostics() io.Reader {
	return p.diag
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode returns the exit code, or -1 while running or when killed by a
// signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.exited:
		return p.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// Shutdown closes stdin and interrupts the process group so ffmpeg can
// finalize the playlist. When ctx expires first the group is killed.
func (p *Process) Shutdown(ctx context.Context) error {
	defer p.diag.Close()
	p.stdin.Close()

	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := interruptGroup(p.cmd.Process); err != nil {
		p.log.Debug("interrupt failed", "error", err)
	}

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
	}

	p.log.Warn("ffmpeg did not exit after interrupt, killing")
	if err := killGroup(p.cmd.Process); err != nil {
		p.log.Debug("kill failed", "error", err)
	}
	select {
	case <-p.exited:
		return ErrKilled
	case <-time.After(killWait):
		return errors.Wrap(ErrKilled, "process still not reaped")
	}
}

type onceCloser struct {
	io.WriteCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.WriteCloser.Close() })
	return c.err
}
