// Package service holds the immutable description of a supervised service,
// its lifecycle states and the error kinds reported by the controller.
package service

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// All addresses every registered service in bulk operations.
const All = "all"

const (
	DefaultStartupTimeout  = 10 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
	DefaultPollInterval    = 250 * time.Millisecond
)

type StopSignal string

const (
	Graceful StopSignal = "graceful"
	Forceful StopSignal = "forceful"
)

func ParseStopSignal(s string) (StopSignal, error) {
	switch StopSignal(strings.ToLower(strings.TrimSpace(s))) {
	case "", Graceful:
		return Graceful, nil
	case Forceful:
		return Forceful, nil
	default:
		return "", errors.Errorf("unknown stop signal %q", s)
	}
}

type Descriptor struct {
	Name    string            `json:"name" yaml:"name"`
	Command []string          `json:"command" yaml:"command"`
	WorkDir string            `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Empty log paths inherit the parent's stdio.
	StdoutLog string `json:"stdout_log,omitempty" yaml:"stdout_log,omitempty"`
	StderrLog string `json:"stderr_log,omitempty" yaml:"stderr_log,omitempty"`
	PidFile   string `json:"pid_file,omitempty" yaml:"pid_file,omitempty"`

	StartupTimeout  time.Duration `json:"startup_timeout,omitempty" yaml:"startup_timeout,omitempty"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
	PollInterval    time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`

	Readiness  Strategy   `json:"readiness" yaml:"-"`
	StopSignal StopSignal `json:"stop_signal,omitempty" yaml:"stop_signal,omitempty"`
	DependsOn  []string   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// WithDefaults fills zero timeouts and the stop signal.
func (d Descriptor) WithDefaults() Descriptor {
	if d.StartupTimeout <= 0 {
		d.StartupTimeout = DefaultStartupTimeout
	}
	if d.ShutdownTimeout <= 0 {
		d.ShutdownTimeout = DefaultShutdownTimeout
	}
	if d.PollInterval <= 0 {
		d.PollInterval = DefaultPollInterval
	}
	if d.StopSignal == "" {
		d.StopSignal = Graceful
	}
	return d
}

// Clone returns a deep copy so registered descriptors cannot be mutated
// through slices or maps still held by the caller.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Command = append([]string(nil), d.Command...)
	out.DependsOn = append([]string(nil), d.DependsOn...)
	if d.Env != nil {
		out.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			out.Env[k] = v
		}
	}
	return out
}

// Dependencies returns the declared dependencies, deduplicated and sorted.
func (d Descriptor) Dependencies() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(d.DependsOn))
	for _, dep := range d.DependsOn {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		if _, ok := seen[dep]; ok {
			continue
		}
		seen[dep] = struct{}{}
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("service name is required")
	}
	if d.Name == All {
		return errors.Errorf("service name %q is reserved", All)
	}
	if len(d.Command) == 0 || d.Command[0] == "" {
		return errors.Errorf("service %q missing command", d.Name)
	}
	switch d.StopSignal {
	case "", Graceful, Forceful:
	default:
		return errors.Errorf("service %q unknown stop signal %q", d.Name, d.StopSignal)
	}
	if err := d.Readiness.Validate(); err != nil {
		return errors.Wrapf(err, "service %q readiness", d.Name)
	}
	if d.Readiness.Kind == KindLogPattern && d.StdoutLog == "" {
		return errors.Errorf("service %q log readiness requires a stdout log", d.Name)
	}
	return nil
}
