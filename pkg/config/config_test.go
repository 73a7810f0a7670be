package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadOptional_Missing(t *testing.T) {
	cfg, err := LoadOptional(DefaultPath(t.TempDir()))
	require.NoError(t, err)
	require.Empty(t, cfg.Services)
}

func TestDescriptors_DefaultsAndResolution(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".env.base"), "A=base\nB=base\n")
	writeFile(t, filepath.Join(root, ".env.local"), "B=local\nC=local\n")
	writeFile(t, DefaultPath(root), `
defaults:
  startup_timeout: 2m
  shutdown_timeout: 5
services:
  - name: db
    command: [postgres, -D, data]
    readiness: {port: 5432, pattern: "ready to accept"}
    stop_signal: forceful
  - name: api
    command: [./api]
    args: [--port, "8080"]
    workdir: services/api
    env_files: [.env.base, .env.local]
    env: {C: inline}
    readiness: {url: "http://127.0.0.1:8080/health"}
    depends_on: [db]
    shutdown_timeout: 1s
    pid_file: run/api.pid
`)

	cfg, err := LoadFromFile(DefaultPath(root))
	require.NoError(t, err)
	descs, err := cfg.Descriptors(root)
	require.NoError(t, err)
	require.Len(t, descs, 2)

	db := descs[0]
	require.Equal(t, service.KindPortOpen, db.Readiness.Kind)
	require.Equal(t, 5432, db.Readiness.Port)
	require.Equal(t, service.Forceful, db.StopSignal)
	require.Equal(t, 2*time.Minute, db.StartupTimeout)
	require.Equal(t, 5*time.Second, db.ShutdownTimeout)
	require.Equal(t, service.DefaultPollInterval, db.PollInterval)
	require.Equal(t, filepath.Join(root, "logs", "stdout.db.log"), db.StdoutLog)
	require.Equal(t, filepath.Join(root, "logs", "stderr.db.log"), db.StderrLog)
	require.Equal(t, filepath.Join(root, "service.db.pid"), db.PidFile)
	require.Equal(t, root, db.WorkDir)

	api := descs[1]
	require.Equal(t, []string{"./api", "--port", "8080"}, api.Command)
	require.Equal(t, filepath.Join(root, "services", "api"), api.WorkDir)
	require.Equal(t, map[string]string{"A": "base", "B": "local", "C": "inline"}, api.Env)
	require.Equal(t, service.KindHTTPCheck, api.Readiness.Kind)
	require.Equal(t, 200, api.Readiness.ExpectedStatus)
	require.Equal(t, time.Second, api.ShutdownTimeout)
	require.Equal(t, filepath.Join(root, "run", "api.pid"), api.PidFile)
	require.Equal(t, []string{"db"}, api.DependsOn)
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"reserved", "services:\n  - {name: all, command: [x]}\n"},
		{"no command", "services:\n  - {name: a}\n"},
		{"both", "services:\n  - name: a\n    command: [x]\n    java: {main_class: M}\n"},
		{"unknown dep", "services:\n  - {name: a, command: [x], depends_on: [b]}\n"},
		{"bad readiness", "services:\n  - {name: a, command: [x], readiness: {type: smoke}}\n"},
		{"bad stop", "services:\n  - {name: a, command: [x], stop_signal: politely}\n"},
		{"bad duration", "services:\n  - {name: a, command: [x], startup_timeout: soon}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), DefaultConfigFilename)
			writeFile(t, path, tc.yaml)
			_, err := LoadFromFile(path)
			require.Error(t, err)
		})
	}

	path := filepath.Join(t.TempDir(), DefaultConfigFilename)
	writeFile(t, path, "services:\n  - {name: a, command: [x]}\n  - {name: a, command: [y]}\n")
	_, err := LoadFromFile(path)
	var dup *service.DuplicateNameError
	require.True(t, errors.As(err, &dup))
}

func TestJavaCommand(t *testing.T) {
	root := t.TempDir()
	t.Setenv("JAVA_HOME", "/opt/jdk")
	writeFile(t, DefaultPath(root), `
services:
  - name: app
    java:
      main_class: com.example.Main
      classpath: [build/libs/app.jar, /abs/dep.jar]
      jvm_args: [-Xmx512m]
      system_properties: {spring.profiles.active: dev, a.b: "with space"}
      debug_port: 5005
      agent: lib/agent.jar
      agent_args: opt=1
    args: [--verbose]
    readiness: {type: log, pattern: "Started"}
`)
	cfg, err := LoadFromFile(DefaultPath(root))
	require.NoError(t, err)
	descs, err := cfg.Descriptors(root)
	require.NoError(t, err)

	argsFile := filepath.Join(root, ".svcctl", "jvmargs.app.txt")
	require.Equal(t, []string{"/opt/jdk/bin/java", "@" + argsFile, "com.example.Main", "--verbose"}, descs[0].Command)
	require.Equal(t, service.KindLogPattern, descs[0].Readiness.Kind)

	// Resolving descriptors leaves the tree untouched.
	_, err = os.Stat(filepath.Join(root, ".svcctl"))
	require.True(t, os.IsNotExist(err))
	require.NoError(t, cfg.WriteLaunchFiles(root))

	b, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	require.Equal(t, strings.Join([]string{
		"-javaagent:" + filepath.Join(root, "lib", "agent.jar") + "=opt=1",
		"-agentlib:jdwp=transport=dt_socket,server=y,suspend=n,address=*:5005",
		"-Xmx512m",
		"-cp", filepath.Join(root, "build", "libs", "app.jar") + ":/abs/dep.jar",
		`"-Da.b=with space"`,
		"-Dspring.profiles.active=dev",
	}, " "), string(b))
}

func TestReadinessInference(t *testing.T) {
	s, err := (*Readiness)(nil).Strategy()
	require.NoError(t, err)
	require.Equal(t, service.KindNone, s.Kind)

	s, err = (&Readiness{Delay: Duration(time.Second)}).Strategy()
	require.NoError(t, err)
	require.Equal(t, service.FixedDelay(time.Second), s)

	s, err = (&Readiness{Pattern: "up", URL: "http://x"}).Strategy()
	require.NoError(t, err)
	require.Equal(t, service.KindLogPattern, s.Kind)

	_, err = (&Readiness{Type: "port"}).Strategy()
	require.Error(t, err)
}

func TestMergeEnvFiles_MissingFile(t *testing.T) {
	_, err := MergeEnvFiles(t.TempDir(), []string{"nope.env"}, nil)
	require.Error(t, err)

	env, err := MergeEnvFiles(t.TempDir(), nil, nil)
	require.NoError(t, err)
	require.Nil(t, env)
}

func TestMergeEnvFiles_PropertiesAndDotenv(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app.properties"), "! comment\n# another\nA 1\nLIST = one, \\\n    two\nB=x$HOME\nC=${B}/bin\n")
	writeFile(t, filepath.Join(root, "local.env"), "A=2\nD='$literal'\n")

	env, err := MergeEnvFiles(root, []string{"app.properties", "local.env"}, map[string]string{"E": "inline"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"A":    "2",
		"LIST": "one, two",
		"B":    "x$HOME",
		"C":    "${B}/bin",
		"D":    "$literal",
		"E":    "inline",
	}, env)

	env, err = MergeEnvFiles(root, []string{"app.properties"}, nil)
	require.NoError(t, err)
	require.Equal(t, "1", env["A"])
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join("..", "..", "testapps", "svcctl.example.yaml"))
	require.NoError(t, err)
	descs, err := cfg.Descriptors(t.TempDir())
	require.NoError(t, err)
	require.Len(t, descs, 4)

	kinds := map[string]service.Kind{}
	for _, d := range descs {
		kinds[d.Name] = d.Readiness.Kind
	}
	require.Equal(t, map[string]service.Kind{
		"db":       service.KindPortOpen,
		"api":      service.KindLogPattern,
		"web":      service.KindHTTPCheck,
		"stubborn": service.KindFixedDelay,
	}, kinds)
}
