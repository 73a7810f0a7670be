// Package process wraps a single OS process started for a service: launch
// with redirected stdio in its own process group, signalling, exit waiting.
package process

import (
	stderrors "errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrWaitTimeout = stderrors.New("timed out waiting for process exit")

type ExitStatus struct {
	PID int `json:"pid"`
	// Code is -1 when the process was killed by a signal or the status is
	// unknown (attached processes).
	Code     int       `json:"code"`
	Signal   string    `json:"signal,omitempty"`
	ExitedAt time.Time `json:"exited_at"`
}

type Handle struct {
	name       string
	pid        int
	group      bool
	stdoutPath string
	stderrPath string
	startedAt  time.Time

	done   chan struct{}
	mu     sync.Mutex
	status *ExitStatus
}

// Start launches the descriptor's command. Failures to spawn are reported
// as *service.LaunchError.
func Start(desc service.Descriptor) (*Handle, error) {
	if len(desc.Command) == 0 {
		return nil, &service.LaunchError{Service: desc.Name, Reason: "missing command"}
	}

	stdout, err := openLog(desc.StdoutLog, os.Stdout)
	if err != nil {
		return nil, &service.LaunchError{Service: desc.Name, Reason: "open stdout log", Err: err}
	}
	defer closeLog(stdout)
	stderr, err := openLog(desc.StderrLog, os.Stderr)
	if err != nil {
		return nil, &service.LaunchError{Service: desc.Name, Reason: "open stderr log", Err: err}
	}
	defer closeLog(stderr)

	// #nosec G204 -- command comes from the services file.
	cmd := exec.Command(desc.Command[0], desc.Command[1:]...)
	cmd.Dir = desc.WorkDir
	cmd.Env = MergeEnv(os.Environ(), desc.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, &service.LaunchError{Service: desc.Name, Reason: launchReason(err), Err: err}
	}

	h := &Handle{
		name:       desc.Name,
		pid:        cmd.Process.Pid,
		group:      true,
		stdoutPath: desc.StdoutLog,
		stderrPath: desc.StderrLog,
		startedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	log.Info().Str("service", desc.Name).Int("pid", h.pid).Msg("process started")
	go h.wait(cmd)
	return h, nil
}

// Attach returns a handle for a process started by an earlier invocation,
// typically found through its PID file. Exit is detected by polling.
func Attach(name string, pid int) (*Handle, error) {
	if !Alive(pid) {
		return nil, errors.Errorf("service %q: pid %d is not running", name, pid)
	}
	pgid, err := syscall.Getpgid(pid)
	h := &Handle{
		name:      name,
		pid:       pid,
		group:     err == nil && pgid == pid,
		startedAt: createTime(pid),
		done:      make(chan struct{}),
	}
	go h.poll(100 * time.Millisecond)
	return h, nil
}

func (h *Handle) Name() string         { return h.name }
func (h *Handle) PID() int             { return h.pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }
func (h *Handle) StdoutPath() string   { return h.stdoutPath }
func (h *Handle) StderrPath() string   { return h.stderrPath }

// Done is closed once the process has been confirmed exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Status returns the exit status once the process has exited.
func (h *Handle) Status() (ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == nil {
		return ExitStatus{}, false
	}
	return *h.status, true
}

// Signal sends a graceful (SIGTERM) or forceful (SIGKILL) termination
// request to the process group. Forceful also kills descendants that left
// the group. It is a no-op once the process has exited.
func (h *Handle) Signal(kind service.StopSignal) error {
	if !h.IsAlive() {
		return nil
	}
	switch kind {
	case service.Forceful:
		descendants := Descendants(h.pid)
		err := h.kill(syscall.SIGKILL)
		for _, pid := range descendants {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
		return err
	default:
		return h.kill(syscall.SIGTERM)
	}
}

func (h *Handle) kill(sig syscall.Signal) error {
	target := h.pid
	if h.group {
		target = -h.pid
	}
	err := syscall.Kill(target, sig)
	if err != nil && h.group {
		err = syscall.Kill(h.pid, sig)
	}
	if err == nil || stderrors.Is(err, syscall.ESRCH) {
		return nil
	}
	return errors.Wrapf(err, "signal %s to pid %d", sig, h.pid)
}

// WaitForExit blocks until the process exits or timeout elapses.
func (h *Handle) WaitForExit(timeout time.Duration) (ExitStatus, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.done:
		st, _ := h.Status()
		return st, nil
	case <-t.C:
		return ExitStatus{}, errors.Wrapf(ErrWaitTimeout, "pid %d after %s", h.pid, timeout)
	}
}

func (h *Handle) wait(cmd *exec.Cmd) {
	waitErr := cmd.Wait()
	st := ExitStatus{PID: h.pid, Code: 0, ExitedAt: time.Now()}
	if waitErr != nil {
		st.Code = -1
		var ee *exec.ExitError
		if stderrors.As(waitErr, &ee) {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
				if ws.Signaled() {
					st.Signal = ws.Signal().String()
				}
				if ws.Exited() {
					st.Code = ws.ExitStatus()
				}
			}
		}
	}
	h.finish(st)
}

func (h *Handle) poll(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		if !Alive(h.pid) {
			h.finish(ExitStatus{PID: h.pid, Code: -1, ExitedAt: time.Now()})
			return
		}
	}
}

func (h *Handle) finish(st ExitStatus) {
	h.mu.Lock()
	h.status = &st
	h.mu.Unlock()
	log.Debug().Str("service", h.name).Int("pid", h.pid).Int("code", st.Code).Str("signal", st.Signal).Msg("process exited")
	close(h.done)
}

func openLog(path string, fallback *os.File) (io.Writer, error) {
	if path == "" {
		return fallback, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir log dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open log")
	}
	return f, nil
}

func closeLog(w io.Writer) {
	if f, ok := w.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		_ = f.Close()
	}
}

func launchReason(err error) string {
	switch {
	case stderrors.Is(err, exec.ErrNotFound), stderrors.Is(err, fs.ErrNotExist):
		return "executable or working directory not found"
	case stderrors.Is(err, fs.ErrPermission):
		return "permission denied"
	default:
		return "start process"
	}
}

// MergeEnv appends extra variables to base; later entries win in os/exec.
func MergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}
