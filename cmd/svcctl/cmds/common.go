package cmds

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-go-golems/svcctl/pkg/config"
	"github.com/go-go-golems/svcctl/pkg/process"
	"github.com/go-go-golems/svcctl/pkg/registry"
	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/go-go-golems/svcctl/pkg/state"
	"github.com/go-go-golems/svcctl/pkg/supervise"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type rootOptions struct {
	Root        string
	Config      string
	Timeout     time.Duration
	Parallelism int
}

func AddRootFlags(root *cobra.Command) {
	addRootFlagSet(root.PersistentFlags())
}

func addRootFlagSet(fs *pflag.FlagSet) {
	fs.String("root", "", "Project root (defaults to current directory)")
	fs.String("config", "", "Path to services file (defaults to .svcctl.yaml under root)")
	fs.Duration("timeout", 15*time.Minute, "Overall deadline for start/stop/restart")
	fs.Int("parallelism", runtime.NumCPU(), "Maximum services started or stopped concurrently")
}

func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	return rootOptionsFromFlags(cmd.Root().PersistentFlags())
}

func rootOptionsFromFlags(fs *pflag.FlagSet) (rootOptions, error) {
	root, err := fs.GetString("root")
	if err != nil {
		return rootOptions{}, err
	}
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return rootOptions{}, err
	}

	cfgPath, err := fs.GetString("config")
	if err != nil {
		return rootOptions{}, err
	}
	if cfgPath == "" {
		cfgPath = config.DefaultPath(root)
	} else if !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(root, cfgPath)
	}

	timeout, err := fs.GetDuration("timeout")
	if err != nil {
		return rootOptions{}, err
	}
	if timeout <= 0 {
		return rootOptions{}, errors.New("timeout must be > 0")
	}
	parallelism, err := fs.GetInt("parallelism")
	if err != nil {
		return rootOptions{}, err
	}
	if parallelism <= 0 {
		return rootOptions{}, errors.New("parallelism must be > 0")
	}

	return rootOptions{
		Root:        root,
		Config:      cfgPath,
		Timeout:     timeout,
		Parallelism: parallelism,
	}, nil
}

func loadConfig(opts rootOptions) (*config.File, []service.Descriptor, error) {
	cfg, err := config.LoadFromFile(opts.Config)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.Services) == 0 {
		return nil, nil, errors.Errorf("no services defined in %s", opts.Config)
	}
	descs, err := cfg.Descriptors(opts.Root)
	if err != nil {
		return nil, nil, err
	}
	return cfg, descs, nil
}

// loadDescriptors is for commands that only inspect services.
func loadDescriptors(opts rootOptions) ([]service.Descriptor, error) {
	_, descs, err := loadConfig(opts)
	return descs, err
}

// loadForLaunch also writes the files launching needs (JVM argument files).
func loadForLaunch(opts rootOptions) ([]service.Descriptor, error) {
	cfg, descs, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.WriteLaunchFiles(opts.Root); err != nil {
		return nil, err
	}
	return descs, nil
}

func newRegistry(opts rootOptions, descs []service.Descriptor, observer service.Observer) (*registry.Registry, error) {
	reg := registry.New(registry.Options{
		Parallelism: opts.Parallelism,
		Controller: supervise.Options{
			Observer: observer,
			ExitInfoPath: func(name string) string {
				return state.ExitInfoPath(opts.Root, name)
			},
		},
	})
	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// adoptMode says what adoptRunning may do with PID files it cannot adopt.
type adoptMode int

const (
	// adoptInspect never touches PID files. A recorded process that is gone
	// marks its service Failed so the crash stays visible.
	adoptInspect adoptMode = iota
	// adoptLaunch removes stale PID files and keeps empty ones, which
	// belong to a start in progress.
	adoptLaunch
	// adoptShutdown removes stale and empty PID files.
	adoptShutdown
)

// adoptRunning attaches controllers to processes recorded in PID files by
// an earlier invocation.
func adoptRunning(reg *registry.Registry, descs []service.Descriptor, mode adoptMode) {
	for _, d := range descs {
		pf, ok := state.OpenPidFile(d.PidFile)
		if !ok {
			continue
		}
		pid, err := pf.ReadPID()
		if err != nil {
			log.Warn().Err(err).Str("service", d.Name).Str("pid_file", pf.Path()).Msg("unreadable PID file")
			if mode != adoptInspect {
				pf.Remove()
			}
			continue
		}
		if pid == 0 {
			if mode == adoptShutdown {
				log.Warn().Str("service", d.Name).Str("pid_file", pf.Path()).Msg("removing empty PID file")
				pf.Remove()
			}
			continue
		}
		if !process.Alive(pid) {
			if mode == adoptInspect {
				if err := reg.MarkExited(d.Name, pid); err != nil {
					log.Warn().Err(err).Str("service", d.Name).Msg("cannot record exit")
				}
				continue
			}
			log.Warn().Str("service", d.Name).Int("pid", pid).Msg("service exited while unsupervised; removing stale PID file")
			pf.Remove()
			continue
		}
		if err := reg.Adopt(d.Name, pid); err != nil {
			log.Warn().Err(err).Str("service", d.Name).Int("pid", pid).Msg("cannot adopt running service")
		}
	}
}

// saveRunState records every Ready service in state.json, or removes the
// file when nothing is running.
func saveRunState(root string, reg *registry.Registry) error {
	st, err := state.LoadOptional(root)
	if err != nil {
		log.Warn().Err(err).Msg("discarding unreadable state")
		st = state.New(root)
	}

	running := 0
	for _, s := range reg.Statuses() {
		if s.State != service.StateReady {
			st.Remove(s.Name)
			continue
		}
		running++
		c, _ := reg.Controller(s.Name)
		d := c.Descriptor()
		prev, _ := st.Find(s.Name)
		startedAt := prev.StartedAt
		if prev.PID != s.PID || startedAt.IsZero() {
			startedAt = time.Now()
		}
		st.Upsert(state.ServiceRecord{
			Name:      d.Name,
			PID:       s.PID,
			Command:   d.Command,
			Cwd:       d.WorkDir,
			Env:       state.SanitizeEnv(d.Env),
			StdoutLog: d.StdoutLog,
			StderrLog: d.StderrLog,
			PidFile:   d.PidFile,
			DependsOn: d.Dependencies(),
			Readiness: d.Readiness.String(),
			StartedAt: startedAt,
		})
	}
	if running == 0 {
		return state.Remove(root)
	}
	return state.Save(root, st)
}

func targetName(args []string) string {
	if len(args) == 0 {
		return service.All
	}
	return args[0]
}

func withTimeout(cmd *cobra.Command, opts rootOptions) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), opts.Timeout)
}
