// Package config loads the services file (.svcctl.yaml) and turns it into
// service descriptors.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFilename = ".svcctl.yaml"
	DefaultLogsDir        = "logs"
)

type File struct {
	Defaults Defaults  `yaml:"defaults,omitempty"`
	Services []Service `yaml:"services"`
}

type Defaults struct {
	StartupTimeout  Duration `yaml:"startup_timeout,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty"`
	PollInterval    Duration `yaml:"poll_interval,omitempty"`
	LogsDir         string   `yaml:"logs_dir,omitempty"`
}

type Service struct {
	Name    string            `yaml:"name"`
	Command []string          `yaml:"command,omitempty"`
	Java    *Java             `yaml:"java,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	WorkDir string            `yaml:"workdir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	// EnvFiles are dotenv files merged in order; later files win and
	// inline Env wins over all of them.
	EnvFiles []string `yaml:"env_files,omitempty"`

	Readiness  *Readiness `yaml:"readiness,omitempty"`
	StopSignal string     `yaml:"stop_signal,omitempty"`
	DependsOn  []string   `yaml:"depends_on,omitempty"`

	StdoutLog string `yaml:"stdout_log,omitempty"`
	StderrLog string `yaml:"stderr_log,omitempty"`
	PidFile   string `yaml:"pid_file,omitempty"`

	StartupTimeout  Duration `yaml:"startup_timeout,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty"`
	PollInterval    Duration `yaml:"poll_interval,omitempty"`
}

type Readiness struct {
	// Type is one of none, port, http, log, delay. When empty it is
	// inferred from the other fields; a port wins over everything else.
	Type           string   `yaml:"type,omitempty"`
	Host           string   `yaml:"host,omitempty"`
	Port           int      `yaml:"port,omitempty"`
	URL            string   `yaml:"url,omitempty"`
	ExpectedStatus int      `yaml:"expected_status,omitempty"`
	Pattern        string   `yaml:"pattern,omitempty"`
	Delay          Duration `yaml:"delay,omitempty"`
}

// Duration accepts Go duration strings ("30s", "10m") or plain seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if s == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return errors.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func DefaultPath(root string) string {
	return filepath.Join(root, DefaultConfigFilename)
}

func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg File
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return &cfg, nil
}

func LoadOptional(path string) (*File, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, errors.Wrap(err, "stat config")
	}
	return LoadFromFile(path)
}

// Validate checks the file on its own, before paths are resolved.
func (f *File) Validate() error {
	seen := map[string]bool{}
	for i, svc := range f.Services {
		if strings.TrimSpace(svc.Name) == "" {
			return errors.Errorf("services[%d]: missing name", i)
		}
		if svc.Name == service.All {
			return errors.Errorf("service name %q is reserved", service.All)
		}
		if seen[svc.Name] {
			return &service.DuplicateNameError{Name: svc.Name}
		}
		seen[svc.Name] = true

		if svc.Java != nil && len(svc.Command) > 0 {
			return errors.Errorf("service %q: command and java are mutually exclusive", svc.Name)
		}
		if svc.Java == nil && len(svc.Command) == 0 {
			return errors.Errorf("service %q: missing command", svc.Name)
		}
		if svc.Java != nil && svc.Java.MainClass == "" {
			return errors.Errorf("service %q: java.main_class is required", svc.Name)
		}
		if _, err := service.ParseStopSignal(svc.StopSignal); err != nil {
			return errors.Wrapf(err, "service %q", svc.Name)
		}
		if _, err := svc.Readiness.Strategy(); err != nil {
			return errors.Wrapf(err, "service %q", svc.Name)
		}
	}
	for _, svc := range f.Services {
		for _, dep := range svc.DependsOn {
			if !seen[dep] {
				return &service.UnknownServiceError{Name: dep, Referrer: svc.Name}
			}
		}
	}
	return nil
}

// Service returns the named service entry.
func (f *File) Service(name string) (Service, bool) {
	for _, svc := range f.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return Service{}, false
}

// Strategy converts the YAML readiness block. A nil block means none.
func (r *Readiness) Strategy() (service.Strategy, error) {
	if r == nil {
		return service.None(), nil
	}
	kind := service.Kind(strings.ToLower(strings.TrimSpace(r.Type)))
	if kind == "" {
		switch {
		case r.Port > 0:
			kind = service.KindPortOpen
		case r.Pattern != "":
			kind = service.KindLogPattern
		case r.URL != "":
			kind = service.KindHTTPCheck
		case r.Delay > 0:
			kind = service.KindFixedDelay
		default:
			kind = service.KindNone
		}
	}

	var s service.Strategy
	switch kind {
	case service.KindNone:
		s = service.None()
	case service.KindPortOpen:
		s = service.PortOpen(r.Host, r.Port)
	case service.KindHTTPCheck:
		s = service.HTTPCheck(r.URL, r.ExpectedStatus)
	case service.KindLogPattern:
		s = service.LogPattern(r.Pattern)
	case service.KindFixedDelay:
		s = service.FixedDelay(r.Delay.Std())
	default:
		return service.Strategy{}, errors.Errorf("unknown readiness type %q", r.Type)
	}
	if err := s.Validate(); err != nil {
		return service.Strategy{}, err
	}
	return s, nil
}
