package config

import (
	"path/filepath"

	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/pkg/errors"
)

// Descriptors resolves every service against root: default log and PID
// file paths, env files, Java command lines. Nothing is written to disk.
func (f *File) Descriptors(root string) ([]service.Descriptor, error) {
	out := make([]service.Descriptor, 0, len(f.Services))
	for _, svc := range f.Services {
		d, err := f.descriptor(root, svc)
		if err != nil {
			return nil, errors.Wrapf(err, "service %q", svc.Name)
		}
		out = append(out, d)
	}
	return out, nil
}

// WriteLaunchFiles writes the files services need before they can be
// launched, currently the JVM argument files of Java services.
func (f *File) WriteLaunchFiles(root string) error {
	for _, svc := range f.Services {
		if svc.Java == nil {
			continue
		}
		if err := WriteArgsFile(svc.Java.ArgsFilePath(root, svc.Name), svc.Java.Arguments(root)); err != nil {
			return errors.Wrapf(err, "service %q", svc.Name)
		}
	}
	return nil
}

func (f *File) descriptor(root string, svc Service) (service.Descriptor, error) {
	logsDir := resolve(root, f.Defaults.LogsDir)
	if f.Defaults.LogsDir == "" {
		logsDir = filepath.Join(root, DefaultLogsDir)
	}

	env, err := MergeEnvFiles(root, svc.EnvFiles, svc.Env)
	if err != nil {
		return service.Descriptor{}, err
	}
	strategy, err := svc.Readiness.Strategy()
	if err != nil {
		return service.Descriptor{}, err
	}
	stopSignal, err := service.ParseStopSignal(svc.StopSignal)
	if err != nil {
		return service.Descriptor{}, err
	}

	command := append(append([]string{}, svc.Command...), svc.Args...)
	if svc.Java != nil {
		command = svc.Java.Command(root, svc.Name, svc.Args, env)
	}

	d := service.Descriptor{
		Name:            svc.Name,
		Command:         command,
		WorkDir:         root,
		Env:             env,
		StdoutLog:       filepath.Join(logsDir, "stdout."+svc.Name+".log"),
		StderrLog:       filepath.Join(logsDir, "stderr."+svc.Name+".log"),
		PidFile:         filepath.Join(root, "service."+svc.Name+".pid"),
		StartupTimeout:  pick(svc.StartupTimeout, f.Defaults.StartupTimeout).Std(),
		ShutdownTimeout: pick(svc.ShutdownTimeout, f.Defaults.ShutdownTimeout).Std(),
		PollInterval:    pick(svc.PollInterval, f.Defaults.PollInterval).Std(),
		Readiness:       strategy,
		StopSignal:      stopSignal,
		DependsOn:       append([]string{}, svc.DependsOn...),
	}
	if svc.WorkDir != "" {
		d.WorkDir = resolve(root, svc.WorkDir)
	}
	if svc.StdoutLog != "" {
		d.StdoutLog = resolve(root, svc.StdoutLog)
	}
	if svc.StderrLog != "" {
		d.StderrLog = resolve(root, svc.StderrLog)
	}
	if svc.PidFile != "" {
		d.PidFile = resolve(root, svc.PidFile)
	}
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return service.Descriptor{}, err
	}
	return d, nil
}

func pick(v, fallback Duration) Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
