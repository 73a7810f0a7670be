// Package readiness polls a started service until its readiness strategy
// reports success, the process exits, or the deadline passes.
package readiness

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Outcome int

const (
	NotReady Outcome = iota
	Ready
	// Indeterminate marks a transient I/O error; the check is retried.
	Indeterminate
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Indeterminate:
		return "indeterminate"
	default:
		return "not-ready"
	}
}

// Target is the process being checked.
type Target interface {
	PID() int
	Done() <-chan struct{}
	StdoutPath() string
}

type Options struct {
	Interval    time.Duration
	DialTimeout time.Duration
	HTTPClient  *http.Client
}

type Waiter struct {
	opts Options
}

func New(opts Options) *Waiter {
	if opts.Interval <= 0 {
		opts.Interval = service.DefaultPollInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 500 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.DialTimeout}
	}
	return &Waiter{opts: opts}
}

// Await polls strategy against target until it succeeds. It returns
// *service.ReadinessTimeoutError when timeout elapses, *service.LaunchError
// when the process exits first, and ctx.Err() (wrapped) on cancellation.
func (p *Waiter) Await(ctx context.Context, name string, strategy service.Strategy, target Target, timeout time.Duration) error {
	if err := strategy.Validate(); err != nil {
		return errors.Wrapf(err, "service %q readiness", name)
	}

	chk, err := newCheck(strategy, target, p.opts)
	if err != nil {
		return err
	}
	defer chk.close()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	t := time.NewTicker(p.opts.Interval)
	defer t.Stop()

	var lastErr error
	attempts := 0
	for {
		select {
		case <-target.Done():
			return exitedEarly(name, target)
		default:
		}

		attempts++
		outcome, err := chk.check(ctx)
		switch outcome {
		case Ready:
			log.Debug().Str("service", name).Str("strategy", strategy.String()).Int("attempts", attempts).Msg("service ready")
			return nil
		case Indeterminate:
			lastErr = err
			log.Trace().Str("service", name).Err(err).Msg("readiness check indeterminate")
		}

		select {
		case <-target.Done():
			return exitedEarly(name, target)
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "readiness wait")
		case <-deadline.C:
			return &service.ReadinessTimeoutError{Service: name, Strategy: strategy, Timeout: timeout, LastErr: lastErr}
		case <-t.C:
		}
	}
}

func exitedEarly(name string, target Target) error {
	return &service.LaunchError{
		Service: name,
		Reason:  fmt.Sprintf("process %d exited before becoming ready", target.PID()),
	}
}
