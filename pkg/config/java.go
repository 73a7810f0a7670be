package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type Java struct {
	MainClass        string            `yaml:"main_class"`
	Classpath        []string          `yaml:"classpath,omitempty"`
	JVMArgs          []string          `yaml:"jvm_args,omitempty"`
	SystemProperties map[string]string `yaml:"system_properties,omitempty"`
	DebugPort        int               `yaml:"debug_port,omitempty"`
	Agent            string            `yaml:"agent,omitempty"`
	AgentArgs        string            `yaml:"agent_args,omitempty"`
	// ArgsFile defaults to .svcctl/jvmargs.<name>.txt under the root.
	ArgsFile string `yaml:"args_file,omitempty"`
	// Executable overrides $JAVA_HOME/bin/java.
	Executable string `yaml:"executable,omitempty"`
}

// Arguments returns the JVM options that go into the argument file.
func (j *Java) Arguments(root string) []string {
	var out []string
	if j.Agent != "" {
		agent := "-javaagent:" + resolve(root, j.Agent)
		if j.AgentArgs != "" {
			agent += "=" + j.AgentArgs
		}
		out = append(out, agent)
	}
	if j.DebugPort > 0 {
		out = append(out, fmt.Sprintf("-agentlib:jdwp=transport=dt_socket,server=y,suspend=n,address=*:%d", j.DebugPort))
	}
	out = append(out, j.JVMArgs...)
	if len(j.Classpath) > 0 {
		cp := make([]string, 0, len(j.Classpath))
		for _, p := range j.Classpath {
			cp = append(cp, resolve(root, p))
		}
		out = append(out, "-cp", strings.Join(cp, string(os.PathListSeparator)))
	}
	keys := make([]string, 0, len(j.SystemProperties))
	for k := range j.SystemProperties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, "-D"+k+"="+j.SystemProperties[k])
	}
	return out
}

// ArgsFilePath is where the JVM options of service name are written.
func (j *Java) ArgsFilePath(root, name string) string {
	if j.ArgsFile != "" {
		return resolve(root, j.ArgsFile)
	}
	return filepath.Join(root, ".svcctl", "jvmargs."+name+".txt")
}

// Command returns `java @<args-file> <main-class> <args...>`. The file
// itself is written by (*File).WriteLaunchFiles right before a start.
func (j *Java) Command(root, name string, args []string, env map[string]string) []string {
	cmd := []string{j.executable(env), "@" + j.ArgsFilePath(root, name), j.MainClass}
	return append(cmd, args...)
}

func (j *Java) executable(env map[string]string) string {
	if j.Executable != "" {
		return j.Executable
	}
	home := env["JAVA_HOME"]
	if home == "" {
		home = os.Getenv("JAVA_HOME")
	}
	if home != "" {
		return filepath.Join(home, "bin", "java")
	}
	if p, err := exec.LookPath("java"); err == nil {
		return p
	}
	return "java"
}

// WriteArgsFile writes space separated JVM options, quoting those that
// contain whitespace.
func WriteArgsFile(path string, args []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir args file dir")
	}
	quoted := make([]string, 0, len(args))
	for _, a := range args {
		quoted = append(quoted, quoteArg(a))
	}
	if err := os.WriteFile(path, []byte(strings.Join(quoted, " ")), 0o644); err != nil {
		return errors.Wrap(err, "write args file")
	}
	return nil
}

func quoteArg(a string) string {
	if a != "" && !strings.ContainsAny(a, " \t\n\"'") {
		return a
	}
	a = strings.ReplaceAll(a, `\`, `\\`)
	a = strings.ReplaceAll(a, `"`, `\"`)
	return `"` + a + `"`
}
