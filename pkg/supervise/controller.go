// Package supervise drives one service through its lifecycle: launch,
// readiness, graceful stop with forceful escalation, and detection of
// unexpected exits.
package supervise

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/go-go-golems/svcctl/pkg/process"
	"github.com/go-go-golems/svcctl/pkg/readiness"
	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/go-go-golems/svcctl/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultKillGrace = 2 * time.Second

type Options struct {
	// Observer receives every transition. It must not call back into
	// controller operations.
	Observer service.Observer
	// ExitInfoPath maps a service name to the file an unexpected exit is
	// recorded in. Nil disables recording.
	ExitInfoPath func(name string) string
	// KillGrace bounds the wait for a process to disappear after SIGKILL.
	KillGrace   time.Duration
	DialTimeout time.Duration
}

type Controller struct {
	desc   service.Descriptor
	opts   Options
	waiter *readiness.Waiter

	// opMu serializes Start, Stop, Restart, Reset and Adopt.
	opMu sync.Mutex
	// notifyMu keeps observer callbacks in transition order.
	notifyMu sync.Mutex

	mu            sync.Mutex
	state         service.State
	handle        *process.Handle
	pidFile       *state.PidFile
	lastErr       error
	changed       chan struct{}
	cancelStart   context.CancelFunc
	stopRequested bool
	released      bool
}

func NewController(desc service.Descriptor, opts Options) *Controller {
	desc = desc.Clone().WithDefaults()
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	return &Controller{
		desc:    desc,
		opts:    opts,
		waiter:  readiness.New(readiness.Options{Interval: desc.PollInterval, DialTimeout: opts.DialTimeout}),
		state:   service.StateStopped,
		changed: make(chan struct{}),
	}
}

func (c *Controller) Name() string { return c.desc.Name }

// Descriptor returns a copy of the controller's descriptor.
func (c *Controller) Descriptor() service.Descriptor { return c.desc.Clone() }

func (c *Controller) State() service.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the controller to Failed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// PID returns the pid of the owned process, or 0.
func (c *Controller) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return 0
	}
	return c.handle.PID()
}

// WaitSettled blocks until the controller is in a state no operation is
// moving it out of.
func (c *Controller) WaitSettled(ctx context.Context) (service.State, error) {
	for {
		c.mu.Lock()
		st, ch := c.state, c.changed
		c.mu.Unlock()
		if st.Settled() {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, errors.Wrapf(ctx.Err(), "wait for %q to settle", c.desc.Name)
		}
	}
}

// Start launches the service and waits for readiness. It is a no-op on a
// Ready or Starting controller and refuses on a Failed one.
func (c *Controller) Start(ctx context.Context) (service.State, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.start(ctx)
}

// Stop terminates the service. An in-flight Start is aborted first.
func (c *Controller) Stop(ctx context.Context) error {
	c.abortStart()
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stop(ctx)
}

// Restart stops then starts the service without letting another
// operation interleave.
func (c *Controller) Restart(ctx context.Context) (service.State, error) {
	c.abortStart()
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.stop(ctx); err != nil {
		var ste *service.ShutdownTimeoutError
		if !stderrors.As(err, &ste) {
			return c.State(), err
		}
		log.Warn().Err(err).Str("service", c.desc.Name).Msg("restart: stop escalated to kill")
	}
	return c.start(ctx)
}

// Reset clears a Failed controller back to Stopped.
func (c *Controller) Reset() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	if c.state != service.StateFailed {
		c.mu.Unlock()
		return
	}
	c.lastErr = nil
	c.transitionAndUnlock(service.StateStopped, 0, nil)
}

// Adopt attaches to an already running process, typically one recorded in
// a PID file by an earlier invocation, and marks the service Ready.
func (c *Controller) Adopt(pid int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != service.StateStopped {
		st := c.state
		c.mu.Unlock()
		return errors.Errorf("service %q: cannot adopt pid %d in state %s", c.desc.Name, pid, st)
	}
	c.mu.Unlock()

	h, err := process.Attach(c.desc.Name, pid)
	if err != nil {
		return err
	}
	pf, _ := state.OpenPidFile(c.desc.PidFile)

	c.mu.Lock()
	c.handle = h
	c.pidFile = pf
	c.transitionAndUnlock(service.StateReady, pid, nil)
	log.Info().Str("service", c.desc.Name).Int("pid", pid).Msg("adopted running service")
	go c.watch(h)
	return nil
}

// MarkExited records that pid, started for this service by an earlier
// invocation, died while nothing was watching it: Stopped -> Failed.
func (c *Controller) MarkExited(pid int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != service.StateStopped {
		st := c.state
		c.mu.Unlock()
		return errors.Errorf("service %q: cannot mark pid %d exited in state %s", c.desc.Name, pid, st)
	}
	exitErr := &service.UnexpectedExitError{Service: c.desc.Name, PID: pid, ExitCode: -1, Unobserved: true}
	c.lastErr = exitErr
	c.transitionAndUnlock(service.StateFailed, pid, exitErr)
	return nil
}

// Release stops reacting to the owned process exiting, without stopping it.
// A command that returns while its services keep running releases them so
// the PID file and exit record are left for the next invocation to judge.
func (c *Controller) Release() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	c.released = true
	c.mu.Unlock()
}

func (c *Controller) start(ctx context.Context) (service.State, error) {
	name := c.desc.Name

	c.mu.Lock()
	switch c.state {
	case service.StateReady, service.StateStarting:
		st := c.state
		c.mu.Unlock()
		return st, nil
	case service.StateFailed:
		err := c.lastErr
		c.mu.Unlock()
		return service.StateFailed, &service.FailedError{Service: name, Err: err}
	}
	startCtx, cancel := context.WithCancel(ctx)
	c.cancelStart = cancel
	c.stopRequested = false
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.cancelStart = nil
		c.mu.Unlock()
		cancel()
	}()

	c.clearExitInfo()

	var pf *state.PidFile
	if c.desc.PidFile != "" {
		var err error
		pf, err = state.CreatePidFile(c.desc.PidFile)
		if err != nil {
			reason := "create pid file"
			if stderrors.Is(err, state.ErrAlreadyRunning) {
				reason = "already running"
			}
			return c.failWithoutProcess(&service.LaunchError{Service: name, Reason: reason, Err: err})
		}
	}

	h, err := process.Start(c.desc)
	if err != nil {
		if pf != nil {
			pf.Remove()
		}
		return c.failWithoutProcess(err)
	}
	startedAt := time.Now()

	c.mu.Lock()
	c.handle = h
	c.pidFile = pf
	c.transitionAndUnlock(service.StateStarting, h.PID(), nil)

	err = c.waiter.Await(startCtx, name, c.desc.Readiness, h, c.desc.StartupTimeout)

	c.mu.Lock()
	aborted := c.stopRequested
	c.mu.Unlock()
	if aborted {
		log.Info().Str("service", name).Int("pid", h.PID()).Msg("start aborted by stop")
		return service.StateStarting, service.ErrStartAborted
	}

	if err != nil {
		if ctx.Err() != nil {
			err = &service.CancelledError{Service: name, Err: ctx.Err()}
		}
		c.killAndFail(h, err)
		return service.StateFailed, err
	}

	if pf != nil {
		if err := pf.Record(h.PID()); err != nil {
			log.Warn().Err(err).Str("service", name).Msg("failed to record pid")
		}
	}

	c.mu.Lock()
	c.transitionAndUnlock(service.StateReady, h.PID(), nil)
	log.Info().Str("service", name).Int("pid", h.PID()).Dur("elapsed", time.Since(startedAt)).Msg("service ready")
	go c.watch(h)
	return service.StateReady, nil
}

func (c *Controller) stop(ctx context.Context) error {
	name := c.desc.Name

	c.mu.Lock()
	switch c.state {
	case service.StateStopped:
		c.mu.Unlock()
		return nil
	case service.StateFailed:
		c.lastErr = nil
		c.transitionAndUnlock(service.StateStopped, 0, nil)
		return nil
	}
	h := c.handle
	pf := c.pidFile
	c.transitionAndUnlock(service.StateStopping, h.PID(), nil)

	var stopErr error
	if c.desc.StopSignal == service.Forceful {
		stopErr = c.kill(h)
	} else {
		timeout := c.desc.ShutdownTimeout
		if dl, ok := ctx.Deadline(); ok {
			if remaining := time.Until(dl); remaining < timeout {
				timeout = max(remaining, 0)
			}
		}
		if err := h.Signal(service.Graceful); err != nil {
			log.Warn().Err(err).Str("service", name).Msg("graceful signal failed")
		}
		if _, err := h.WaitForExit(timeout); err != nil {
			log.Warn().Str("service", name).Int("pid", h.PID()).Dur("timeout", timeout).Msg("graceful stop timed out; killing")
			stopErr = &service.ShutdownTimeoutError{Service: name, Timeout: timeout}
			if err := c.kill(h); err != nil {
				stopErr = err
			}
		}
	}

	if pf != nil {
		pf.Remove()
	}

	c.mu.Lock()
	c.handle = nil
	c.pidFile = nil
	if h.IsAlive() {
		// Survived SIGKILL within the grace period (uninterruptible sleep).
		c.lastErr = stopErr
		c.transitionAndUnlock(service.StateFailed, h.PID(), stopErr)
		return stopErr
	}
	c.transitionAndUnlock(service.StateStopped, h.PID(), nil)
	if st, ok := h.Status(); ok {
		log.Info().Str("service", name).Int("pid", st.PID).Int("code", st.Code).Str("signal", st.Signal).Msg("service stopped")
	}
	return stopErr
}

func (c *Controller) kill(h *process.Handle) error {
	if err := h.Signal(service.Forceful); err != nil {
		log.Warn().Err(err).Str("service", c.desc.Name).Msg("kill failed")
	}
	if _, err := h.WaitForExit(c.opts.KillGrace); err != nil {
		log.Error().Err(err).Str("service", c.desc.Name).Int("pid", h.PID()).Msg("process did not exit after kill")
		return errors.Wrapf(err, "kill %q", c.desc.Name)
	}
	return nil
}

// killAndFail terminates a partially started process and records err.
func (c *Controller) killAndFail(h *process.Handle, err error) {
	log.Error().Err(err).Str("service", c.desc.Name).Int("pid", h.PID()).Msg("start failed; killing process")
	_ = c.kill(h)

	c.mu.Lock()
	pf := c.pidFile
	c.handle = nil
	c.pidFile = nil
	c.lastErr = err
	c.transitionAndUnlock(service.StateFailed, h.PID(), err)
	if pf != nil {
		pf.Remove()
	}
}

func (c *Controller) failWithoutProcess(err error) (service.State, error) {
	log.Error().Err(err).Str("service", c.desc.Name).Msg("launch failed")
	c.mu.Lock()
	c.lastErr = err
	c.transitionAndUnlock(service.StateFailed, 0, err)
	return service.StateFailed, err
}

// watch moves a Ready service to Failed when its process exits on its own.
func (c *Controller) watch(h *process.Handle) {
	<-h.Done()

	c.mu.Lock()
	if c.released || c.handle != h || c.state != service.StateReady {
		c.mu.Unlock()
		return
	}
	st, _ := h.Status()
	exitErr := &service.UnexpectedExitError{Service: c.desc.Name, PID: h.PID(), ExitCode: st.Code, Signal: st.Signal}
	pf := c.pidFile
	c.handle = nil
	c.pidFile = nil
	c.lastErr = exitErr
	c.transitionAndUnlock(service.StateFailed, h.PID(), exitErr)

	if pf != nil {
		pf.Remove()
	}
	c.recordExit(h, st, exitErr)
}

func (c *Controller) recordExit(h *process.Handle, st process.ExitStatus, exitErr error) {
	var tail []string
	if c.desc.StderrLog != "" {
		lines, err := state.TailLines(c.desc.StderrLog, state.DefaultTailLines, 0)
		if err == nil {
			tail = lines
		}
	}
	ev := log.Error().Err(exitErr).Str("service", c.desc.Name).Int("pid", h.PID())
	if len(tail) > 0 {
		ev = ev.Strs("stderr_tail", tail)
	}
	ev.Msg("service exited unexpectedly")

	if c.opts.ExitInfoPath == nil {
		return
	}
	path := c.opts.ExitInfoPath(c.desc.Name)
	if path == "" {
		return
	}
	info := state.ExitInfo{
		Service:    c.desc.Name,
		PID:        h.PID(),
		StartedAt:  h.StartedAt(),
		ExitedAt:   st.ExitedAt,
		Signal:     st.Signal,
		Error:      exitErr.Error(),
		StderrTail: tail,
	}
	if st.Code >= 0 {
		code := st.Code
		info.ExitCode = &code
	}
	if c.desc.StdoutLog != "" {
		if lines, err := state.TailLines(c.desc.StdoutLog, state.DefaultTailLines, 0); err == nil {
			info.StdoutTail = lines
		}
	}
	if err := state.WriteExitInfo(path, info); err != nil {
		log.Warn().Err(err).Str("service", c.desc.Name).Msg("failed to write exit info")
	}
}

func (c *Controller) clearExitInfo() {
	if c.opts.ExitInfoPath == nil {
		return
	}
	if path := c.opts.ExitInfoPath(c.desc.Name); path != "" {
		state.RemoveExitInfo(path)
	}
}

func (c *Controller) abortStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelStart != nil {
		c.stopRequested = true
		c.cancelStart()
	}
}

// transitionAndUnlock must be called with c.mu held. It releases c.mu
// before notifying the observer so callbacks may query the controller.
func (c *Controller) transitionAndUnlock(to service.State, pid int, err error) {
	from := c.state
	c.state = to
	close(c.changed)
	c.changed = make(chan struct{})
	t := service.NewTransition(c.desc.Name, from, to, pid, err)

	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	log.Debug().Str("service", t.Service).Str("from", string(from)).Str("to", string(to)).Int("pid", pid).Msg("transition")
	if c.opts.Observer != nil {
		c.opts.Observer.ServiceTransition(t)
	}
}
