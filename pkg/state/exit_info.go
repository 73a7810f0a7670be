package state

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
)

// ExitInfo is written when a Ready service dies on its own, so a later
// `svcctl status` can explain why it is gone.
type ExitInfo struct {
	Service   string    `json:"service"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Error    string `json:"error,omitempty"`

	StderrTail []string `json:"stderr_tail,omitempty"`
	StdoutTail []string `json:"stdout_tail,omitempty"`
}

// Reason is a short human description of how the process ended.
func (e *ExitInfo) Reason() string {
	switch {
	case e.Signal != "":
		return "signal: " + e.Signal
	case e.ExitCode != nil:
		return fmt.Sprintf("exit code %d", *e.ExitCode)
	case e.Error != "":
		return e.Error
	default:
		return "exited"
	}
}

// Uptime is how long the process ran, or zero when the start is unknown
// (adopted processes).
func (e *ExitInfo) Uptime() time.Duration {
	if e.StartedAt.IsZero() || e.ExitedAt.Before(e.StartedAt) {
		return 0
	}
	return e.ExitedAt.Sub(e.StartedAt)
}

// TrimTails keeps at most n lines of each captured tail.
func (e *ExitInfo) TrimTails(n int) {
	if n <= 0 {
		return
	}
	if len(e.StderrTail) > n {
		e.StderrTail = e.StderrTail[len(e.StderrTail)-n:]
	}
	if len(e.StdoutTail) > n {
		e.StdoutTail = e.StdoutTail[len(e.StdoutTail)-n:]
	}
}

func WriteExitInfo(path string, info ExitInfo) error {
	if path == "" {
		return errors.New("missing exit info path")
	}
	return writeJSONFile(path, info, "exit info")
}

// ReadExitInfo returns (nil, nil) when no exit was recorded.
func ReadExitInfo(path string) (*ExitInfo, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read exit info")
	}
	info := &ExitInfo{}
	if err := json.Unmarshal(b, info); err != nil {
		return nil, errors.Wrapf(err, "parse exit info %s", path)
	}
	return info, nil
}

// RemoveExitInfo forgets a recorded exit; a missing file is fine.
func RemoveExitInfo(path string) {
	for _, p := range []string{path, path + ".tmp"} {
		_ = os.Remove(p)
	}
}
