package services

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const stopTimeout = 5 * time.Second

// Process is a running server
type Process interface {
	Pid() int
	// Reload asks the server to re-read its configuration
	Reload() error
	// Stop terminates the server and waits for it to exit
	Stop() error
}

// Runner starts server processes
type Runner interface {
	Start(path string, args []string) (Process, error)
}

// ExecRunner runs servers as child processes
type ExecRunner struct {
	logger *logrus.Logger
}

// NewExecRunner returns a runner that logs through logger
func NewExecRunner(logger *logrus.Logger) *ExecRunner {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.GetLevel())
	}
	return &ExecRunner{logger: logger}
}

type execProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	logger *logrus.Logger
}

// Start launches path with args. The child gets its own process group so
// a terminal signal to the daemon does not reach it first.
func (r *ExecRunner) Start(path string, args []string) (Process, error) {
	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	r.logger.Debugf("Executing: %s %s", path, strings.Join(args, " "))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{}), logger: r.logger}
	go func() {
		p.err = cmd.Wait()
		if p.err != nil && stderr.Len() > 0 {
			r.logger.Debugf("%s exited: %v (stderr: %s)", path, p.err, strings.TrimSpace(stderr.String()))
		}
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Reload() error {
	select {
	case <-p.done:
		return fmt.Errorf("process %d already exited: %v", p.Pid(), p.err)
	default:
	}
	return p.cmd.Process.Signal(syscall.SIGHUP)
}

func (p *execProcess) Stop() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("failed to signal process %d: %w", p.Pid(), err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(stopTimeout):
		p.logger.Warnf("Process %d did not exit after SIGTERM, killing it", p.Pid())
		if err := p.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
			return fmt.Errorf("failed to kill process %d: %w", p.Pid(), err)
		}
		<-p.done
		return nil
	}
}
