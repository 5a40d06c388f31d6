package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"
)

var (
	// ErrStopped is returned by Do once the loop has exited
	ErrStopped = fmt.Errorf("event loop stopped: %w", errdefs.ErrAborted)

	// ErrIdle is returned by Run when the idle timer fired
	ErrIdle = errors.New("idle timeout")
)

type job struct {
	fn   func() error
	done chan error
}

// Loop runs every state-changing operation on one goroutine. Bus
// requests, host topology changes and caller disappearance all go
// through it, so the core needs no locks.
type Loop struct {
	logger  *logrus.Logger
	jobs    chan job
	stopped chan struct{}

	idleTimeout time.Duration
	live        func() int
	idle        *time.Timer
}

// NewLoop creates a loop. With idleTimeout > 0, Run returns ErrIdle once
// live has reported zero for that long.
func NewLoop(logger *logrus.Logger, idleTimeout time.Duration, live func() int) *Loop {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.GetLevel())
	}
	return &Loop{
		logger:      logger,
		jobs:        make(chan job),
		stopped:     make(chan struct{}),
		idleTimeout: idleTimeout,
		live:        live,
	}
}

// Do runs fn on the loop and waits for its result
func (l *Loop) Do(fn func() error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case l.jobs <- j:
	case <-l.stopped:
		return ErrStopped
	}
	return <-j.done
}

// Post queues fn without waiting. It is dropped if the loop has exited.
func (l *Loop) Post(fn func()) {
	go func() {
		_ = l.Do(func() error {
			fn()
			return nil
		})
	}()
}

// Run processes jobs until ctx is cancelled or the idle timer fires
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)

	l.checkIdle()
	for {
		var idleC <-chan time.Time
		if l.idle != nil {
			idleC = l.idle.C
		}

		select {
		case <-ctx.Done():
			l.stopIdle()
			return ctx.Err()
		case <-idleC:
			l.idle = nil
			l.logger.Infof("No live resources for %s, exiting", l.idleTimeout)
			return ErrIdle
		case j := <-l.jobs:
			// Any activity restarts the grace period.
			l.stopIdle()
			j.done <- l.run(j.fn)
			l.checkIdle()
		}
	}
}

func (l *Loop) run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("Panic in event loop job: %v", r)
			err = fmt.Errorf("panic: %v: %w", r, errdefs.ErrInternal)
		}
	}()
	return fn()
}

// checkIdle arms the idle timer when nothing is live and disarms it as
// soon as something is
func (l *Loop) checkIdle() {
	if l.idleTimeout <= 0 || l.live == nil {
		return
	}
	if l.live() > 0 {
		l.stopIdle()
		return
	}
	if l.idle == nil {
		l.logger.Debugf("No live resources, exiting in %s unless a request arrives", l.idleTimeout)
		l.idle = time.NewTimer(l.idleTimeout)
	}
}

func (l *Loop) stopIdle() {
	if l.idle != nil {
		l.idle.Stop()
		l.idle = nil
	}
}
