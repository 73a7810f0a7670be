package state

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyRunning = errors.New("service is already running (PID file exists)")

// PidFile records the PID of a started service. An empty file marks a start
// in progress; the PID is written once the service is ready.
type PidFile struct {
	path string
}

// CreatePidFile creates an empty PID file and fails with ErrAlreadyRunning
// if it already exists.
func CreatePidFile(path string) (*PidFile, error) {
	if path == "" {
		return nil, errors.New("missing pid file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir pid file dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrapf(ErrAlreadyRunning, "%s", path)
		}
		return nil, errors.Wrap(err, "create pid file")
	}
	_ = f.Close()
	return &PidFile{path: path}, nil
}

// OpenPidFile attaches to an existing PID file; ok is false when it does not exist.
func OpenPidFile(path string) (*PidFile, bool) {
	if path == "" {
		return nil, false
	}
	if _, err := os.Stat(path); err != nil {
		return nil, false
	}
	return &PidFile{path: path}, true
}

func (p *PidFile) Path() string { return p.path }

func (p *PidFile) Record(pid int) error {
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return errors.Wrap(err, "write pid file")
	}
	return nil
}

// ReadPID returns 0 with no error for an empty file.
func (p *PidFile) ReadPID() (int, error) {
	b, err := os.ReadFile(p.path)
	if err != nil {
		return 0, errors.Wrap(err, "read pid file")
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse pid file %s", p.path)
	}
	return pid, nil
}

// Remove is best-effort; failures are logged.
func (p *PidFile) Remove() {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("pid_file", p.path).Msg("failed to delete PID file; manual deletion required")
	}
}
