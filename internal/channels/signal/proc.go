package signal

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"time"
)

// cliProcess is one running signal-cli subprocess. Close asks it to
// exit by closing stdin; Wait reaps it after the pipes drain.
type cliProcess interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Close() error
	Wait() error
}

// execProcess runs the real binary with all three stdio streams piped.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	closeOnce sync.Once
	closeErr  error
}

// startCLIProcess launches signal-cli. Context cancellation closes
// stdin so the daemon can shut down cleanly; WaitDelay is the hard-kill
// backstop for a process that ignores the EOF.
func startCLIProcess(ctx context.Context, bin string, args []string) (cliProcess, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	p := &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}
	cmd.Cancel = p.Close
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Close() error {
	p.closeOnce.Do(func() { p.closeErr = p.stdin.Close() })
	return p.closeErr
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
