package cmds

import (
	"fmt"

	"github.com/go-go-golems/svcctl/pkg/registry"
	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [name|all]",
		Short: "Start a service and its dependencies, or all services, and leave them running",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd, args, "start", func(reg *registry.Registry, cmd *cobra.Command, name string, opts rootOptions) error {
				ctx, cancel := withTimeout(cmd, opts)
				defer cancel()
				return reg.Start(ctx, name)
			})
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [name|all]",
		Short: "Stop a service, or all services in reverse dependency order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd, args, "stop", func(reg *registry.Registry, cmd *cobra.Command, name string, opts rootOptions) error {
				ctx, cancel := withTimeout(cmd, opts)
				defer cancel()
				return reg.Stop(ctx, name)
			})
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart [name|all]",
		Short: "Stop then start a service, or all services",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd, args, "restart", func(reg *registry.Registry, cmd *cobra.Command, name string, opts rootOptions) error {
				ctx, cancel := withTimeout(cmd, opts)
				defer cancel()
				return reg.Restart(ctx, name)
			})
		},
	}
}

type lifecycleFunc func(reg *registry.Registry, cmd *cobra.Command, name string, opts rootOptions) error

// runLifecycle adopts services recorded in PID files, runs op and records
// what is left running in state.json.
func runLifecycle(cmd *cobra.Command, args []string, verb string, op lifecycleFunc) error {
	opts, err := getRootOptions(cmd)
	if err != nil {
		return err
	}
	load, mode := loadForLaunch, adoptShutdown
	switch verb {
	case "start":
		mode = adoptLaunch
	case "stop":
		load = loadDescriptors
	}
	descs, err := load(opts)
	if err != nil {
		return err
	}
	reg, err := newRegistry(opts, descs, logObserver())
	if err != nil {
		return err
	}
	adoptRunning(reg, descs, mode)
	defer reg.Release()

	name := targetName(args)
	opErr := op(reg, cmd, name, opts)
	if err := saveRunState(opts.Root, reg); err != nil {
		log.Warn().Err(err).Msg("failed to save run state")
	}

	for _, s := range reg.Statuses() {
		if name != service.All && s.Name != name && s.State == service.StateStopped {
			continue
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", s.Name, s.State)
	}
	return opErr
}

func logObserver() service.Observer {
	return service.ObserverFunc(func(t service.Transition) {
		ev := log.Info()
		if t.To == service.StateFailed {
			ev = log.Error().Str("error_kind", t.ErrorKind).Str("error", t.Error)
		}
		ev.Str("service", t.Service).Str("from", string(t.From)).Str("to", string(t.To)).Int("pid", t.PID).Msg("service state changed")
	})
}
