package service

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSealed is returned by Register once orchestration has begun.
	ErrSealed = errors.New("registry is sealed: registration must happen before start/stop")
	// ErrStartAborted is returned by an in-flight Start that a Stop interrupted.
	ErrStartAborted = errors.New("start aborted by stop request")
)

// LaunchError means the process could not be spawned, or exited before it
// became ready.
type LaunchError struct {
	Service string
	Reason  string
	Err     error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launch %q failed", e.Service)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LaunchError) Unwrap() error { return e.Err }

type ReadinessTimeoutError struct {
	Service  string
	Strategy Strategy
	Timeout  time.Duration
	// LastErr is the last indeterminate check error, if any.
	LastErr error
}

func (e *ReadinessTimeoutError) Error() string {
	msg := fmt.Sprintf("service %q not ready after %s (%s)", e.Service, e.Timeout, e.Strategy)
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *ReadinessTimeoutError) Unwrap() error { return e.LastErr }

// ShutdownTimeoutError reports that the graceful stop exceeded its deadline
// and the process was killed. The service still ends up stopped.
type ShutdownTimeoutError struct {
	Service string
	Timeout time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("service %q ignored graceful stop for %s; killed", e.Service, e.Timeout)
}

type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("service %q already registered", e.Name)
}

type CycleError struct {
	// Path lists the services on the cycle, starting and ending with the same name.
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

type DependencyNotReadyError struct {
	Service    string
	Dependency string
	State      State
	Err        error
}

func (e *DependencyNotReadyError) Error() string {
	msg := fmt.Sprintf("service %q: dependency %q is %s", e.Service, e.Dependency, e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DependencyNotReadyError) Unwrap() error { return e.Err }

type UnknownServiceError struct {
	Name string
	// Referrer is set when the unknown name came from a depends_on list.
	Referrer string
}

func (e *UnknownServiceError) Error() string {
	if e.Referrer != "" {
		return fmt.Sprintf("service %q depends on unknown service %q", e.Referrer, e.Name)
	}
	return fmt.Sprintf("unknown service %q", e.Name)
}

// UnexpectedExitError is recorded when a ready service's process exits
// without being asked to.
type UnexpectedExitError struct {
	Service  string
	PID      int
	ExitCode int
	Signal   string
	// Unobserved is set when the exit happened while no svcctl process was
	// watching; code and signal are unknown then.
	Unobserved bool
}

func (e *UnexpectedExitError) Error() string {
	if e.Unobserved {
		return fmt.Sprintf("service %q (pid %d) exited while unsupervised", e.Service, e.PID)
	}
	if e.Signal != "" {
		return fmt.Sprintf("service %q (pid %d) exited unexpectedly: signal %s", e.Service, e.PID, e.Signal)
	}
	return fmt.Sprintf("service %q (pid %d) exited unexpectedly: code %d", e.Service, e.PID, e.ExitCode)
}

// CancelledError means the caller's context ended while the service was
// starting. The partially started process has been killed.
type CancelledError struct {
	Service string
	Err     error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("start of %q cancelled: %v", e.Service, e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// FailedError is returned by Start on a controller sitting in the Failed
// state; Reset or Stop clears it.
type FailedError struct {
	Service string
	Err     error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("service %q is failed (reset required): %v", e.Service, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// ErrorKind returns a short label for the kind of err, suitable for
// metric labels and event payloads.
func ErrorKind(err error) string {
	var (
		launch   *LaunchError
		ready    *ReadinessTimeoutError
		shutdown *ShutdownTimeoutError
		exit     *UnexpectedExitError
		cancel   *CancelledError
		dep      *DependencyNotReadyError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &dep):
		return "dependency_not_ready"
	case errors.As(err, &launch):
		return "launch"
	case errors.As(err, &ready):
		return "readiness_timeout"
	case errors.As(err, &shutdown):
		return "shutdown_timeout"
	case errors.As(err, &exit):
		return "unexpected_exit"
	case errors.As(err, &cancel):
		return "cancelled"
	default:
		return "other"
	}
}
