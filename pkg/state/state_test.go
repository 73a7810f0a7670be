package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestState_SaveLoadRemove(t *testing.T) {
	root := t.TempDir()

	s, err := LoadOptional(root)
	require.NoError(t, err)
	require.NotEmpty(t, s.RunID)
	require.Empty(t, s.Services)

	s.Upsert(ServiceRecord{Name: "web", PID: 12, DependsOn: []string{"db"}})
	s.Upsert(ServiceRecord{Name: "db", PID: 11})
	s.Upsert(ServiceRecord{Name: "web", PID: 13})
	require.NoError(t, Save(root, s))

	loaded, err := Load(root)
	require.NoError(t, err)
	require.Equal(t, s.RunID, loaded.RunID)
	require.Len(t, loaded.Services, 2)
	require.Equal(t, "db", loaded.Services[0].Name)
	rec, ok := loaded.Find("web")
	require.True(t, ok)
	require.Equal(t, 13, rec.PID)

	loaded.Remove("db")
	_, ok = loaded.Find("db")
	require.False(t, ok)

	require.NoError(t, Remove(root))
	require.NoError(t, Remove(root))
	_, err = Load(root)
	require.Error(t, err)
}

func TestPidFile_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "service.web.pid")

	pf, err := CreatePidFile(path)
	require.NoError(t, err)

	_, err = CreatePidFile(path)
	require.True(t, errors.Is(err, ErrAlreadyRunning))

	pid, err := pf.ReadPID()
	require.NoError(t, err)
	require.Equal(t, 0, pid)

	require.NoError(t, pf.Record(4321))
	existing, ok := OpenPidFile(path)
	require.True(t, ok)
	pid, err = existing.ReadPID()
	require.NoError(t, err)
	require.Equal(t, 4321, pid)

	existing.Remove()
	_, ok = OpenPidFile(path)
	require.False(t, ok)
	existing.Remove()
}

func TestPidFile_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))
	pf, ok := OpenPidFile(path)
	require.True(t, ok)
	_, err := pf.ReadPID()
	require.Error(t, err)
}

func TestExitInfo_RoundTripAndMissing(t *testing.T) {
	root := t.TempDir()
	path := ExitInfoPath(root, "web")

	info, err := ReadExitInfo(path)
	require.NoError(t, err)
	require.Nil(t, info)

	code := 2
	require.NoError(t, WriteExitInfo(path, ExitInfo{
		Service:    "web",
		PID:        10,
		ExitedAt:   time.Now(),
		ExitCode:   &code,
		StderrTail: []string{"boom"},
	}))
	info, err = ReadExitInfo(path)
	require.NoError(t, err)
	require.Equal(t, 2, *info.ExitCode)
	require.Equal(t, []string{"boom"}, info.StderrTail)
	require.Equal(t, "exit code 2", info.Reason())
	require.Zero(t, info.Uptime())

	RemoveExitInfo(path)
	info, err = ReadExitInfo(path)
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestTailLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	var sb strings.Builder
	for i := 0; i < 100; i++ {
		sb.WriteString("line ")
		sb.WriteString(strings.Repeat("x", i%7))
		sb.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))

	lines, err := TailLines(path, 3, 0)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	require.Equal(t, "line "+strings.Repeat("x", 99%7), lines[2])

	lines, err = TailLines(path, 50, 20)
	require.NoError(t, err)
	require.LessOrEqual(t, len(lines), 4)
}

func TestSanitizeEnv(t *testing.T) {
	out := SanitizeEnv(map[string]string{"DB_PASSWORD": "hunter2", "PORT": "8080", "api_token": "abc"})
	require.Equal(t, redactedValue, out["DB_PASSWORD"])
	require.Equal(t, redactedValue, out["api_token"])
	require.Equal(t, "8080", out["PORT"])

	require.True(t, isSecretKey("GITHUBTOKEN"))
	require.True(t, isSecretKey("aws.secret.access"))
	require.False(t, isSecretKey("PORT_NUMBER"))
	require.False(t, isSecretKey("AUTHOR"))
	require.Nil(t, SanitizeEnv(nil))
}

func TestExitInfo_ReasonAndTrim(t *testing.T) {
	start := time.Now()
	info := &ExitInfo{
		Signal:     "killed",
		StartedAt:  start,
		ExitedAt:   start.Add(3 * time.Second),
		StderrTail: []string{"a", "b", "c"},
	}
	require.Equal(t, "signal: killed", info.Reason())
	require.Equal(t, 3*time.Second, info.Uptime())

	info.TrimTails(2)
	require.Equal(t, []string{"b", "c"}, info.StderrTail)
	require.Equal(t, "exited", (&ExitInfo{}).Reason())
	require.Equal(t, "gone", (&ExitInfo{Error: "gone"}).Reason())
}

func TestTailLines_KeepsWholeFirstLineAtBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("aaaa\nbbbb\ncccc\n"), 0o644))

	lines, err := TailLines(path, 10, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"bbbb", "cccc"}, lines)

	lines, err = TailLines(path, 10, 8)
	require.NoError(t, err)
	require.Equal(t, []string{"cccc"}, lines)

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	lines, err = TailLines(path, 10, 0)
	require.NoError(t, err)
	require.Empty(t, lines)
}
