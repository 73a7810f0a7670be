package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/stretchr/testify/require"
)

func TestStart_RedirectsStdioAndReportsExit(t *testing.T) {
	dir := t.TempDir()
	stdout := filepath.Join(dir, "logs", "out.log")
	stderr := filepath.Join(dir, "logs", "err.log")

	h, err := Start(service.Descriptor{
		Name:      "echo",
		Command:   []string{"bash", "-c", "echo hello; echo oops >&2; echo $SVC_VALUE; exit 3"},
		WorkDir:   dir,
		Env:       map[string]string{"SVC_VALUE": "from-env"},
		StdoutLog: stdout,
		StderrLog: stderr,
	})
	require.NoError(t, err)
	require.Greater(t, h.PID(), 0)

	st, err := h.WaitForExit(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, st.Code)
	require.False(t, h.IsAlive())

	out, err := os.ReadFile(stdout)
	require.NoError(t, err)
	require.Equal(t, "hello\nfrom-env\n", string(out))
	errOut, err := os.ReadFile(stderr)
	require.NoError(t, err)
	require.Equal(t, "oops\n", string(errOut))
}

func TestStart_TruncatesExistingLogs(t *testing.T) {
	dir := t.TempDir()
	stdout := filepath.Join(dir, "out.log")
	require.NoError(t, os.WriteFile(stdout, []byte("stale ready line\n"), 0o644))

	h, err := Start(service.Descriptor{Name: "t", Command: []string{"true"}, StdoutLog: stdout})
	require.NoError(t, err)
	_, err = h.WaitForExit(5 * time.Second)
	require.NoError(t, err)

	b, err := os.ReadFile(stdout)
	require.NoError(t, err)
	require.Empty(t, string(b))
}

func TestStart_LaunchErrors(t *testing.T) {
	_, err := Start(service.Descriptor{Name: "missing", Command: []string{"definitely-not-a-binary-xyz"}})
	var le *service.LaunchError
	require.True(t, errors.As(err, &le))
	require.Equal(t, "missing", le.Service)

	dir := t.TempDir()
	script := filepath.Join(dir, "noexec.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o644))
	_, err = Start(service.Descriptor{Name: "noexec", Command: []string{script}})
	require.True(t, errors.As(err, &le))
	require.Contains(t, le.Error(), "permission denied")
}

func TestSignal_GracefulAndForceful(t *testing.T) {
	h, err := Start(service.Descriptor{Name: "sleep", Command: []string{"sleep", "30"}})
	require.NoError(t, err)
	require.True(t, h.IsAlive())

	require.NoError(t, h.Signal(service.Graceful))
	st, err := h.WaitForExit(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "terminated", st.Signal)

	// No-op on an exited process.
	require.NoError(t, h.Signal(service.Forceful))
}

func TestSignal_ForcefulKillsIgnoringProcessAndChildren(t *testing.T) {
	dir := t.TempDir()
	childPidFile := filepath.Join(dir, "child.pid")
	h, err := Start(service.Descriptor{
		Name: "stubborn",
		Command: []string{"bash", "-c",
			"trap '' TERM; (setsid sleep 30 & echo $! > " + childPidFile + "; wait) & while true; do sleep 0.1; done"},
	})
	require.NoError(t, err)

	var childPID int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(childPidFile)
		if err != nil || strings.TrimSpace(string(b)) == "" {
			return false
		}
		_, err = fmt.Sscan(string(b), &childPID)
		return err == nil && childPID > 0
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, h.Signal(service.Graceful))
	_, err = h.WaitForExit(500 * time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)

	require.NoError(t, h.Signal(service.Forceful))
	st, err := h.WaitForExit(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "killed", st.Signal)

	require.Eventually(t, func() bool { return !Alive(childPID) }, 5*time.Second, 50*time.Millisecond)
}

func TestAttach_DetectsExit(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	go func() { _ = cmd.Wait() }()
	launched := time.Now()
	time.Sleep(2500 * time.Millisecond)

	h, err := Attach("adopted", cmd.Process.Pid)
	require.NoError(t, err)
	require.True(t, h.IsAlive())
	// Start time comes from the process table, not from the Attach call.
	require.WithinDuration(t, launched, h.StartedAt(), 2*time.Second)
	require.True(t, h.StartedAt().Before(time.Now().Add(-time.Second)))

	require.NoError(t, h.Signal(service.Graceful))
	st, err := h.WaitForExit(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, -1, st.Code)

	_, err = Attach("gone", cmd.Process.Pid)
	require.Error(t, err)
}

func TestMergeEnv(t *testing.T) {
	require.Equal(t, []string{"A=1"}, MergeEnv([]string{"A=1"}, nil))
	out := MergeEnv([]string{"A=1"}, map[string]string{"A": "2"})
	require.Equal(t, []string{"A=1", "A=2"}, out)
}

func TestReadStats(t *testing.T) {
	st, err := ReadStats(os.Getpid())
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), st.PID)
	require.Greater(t, st.MemoryRSS, uint64(0))

	_, err = ReadStats(0)
	require.Error(t, err)
}

func TestDescendants(t *testing.T) {
	h, err := Start(service.Descriptor{Name: "tree", Command: []string{"bash", "-c", "sleep 30 & sleep 30 & wait"}})
	require.NoError(t, err)
	defer func() {
		_ = h.Signal(service.Forceful)
		_, _ = h.WaitForExit(5 * time.Second)
	}()

	require.Eventually(t, func() bool { return len(Descendants(h.PID())) >= 2 }, 5*time.Second, 50*time.Millisecond)
}
