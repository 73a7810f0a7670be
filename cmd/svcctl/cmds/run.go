package cmds

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-go-golems/svcctl/pkg/events"
	"github.com/go-go-golems/svcctl/pkg/metrics"
	"github.com/go-go-golems/svcctl/pkg/registry"
	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd() *cobra.Command {
	var metricsAddr string
	var keepGoing bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start all services, supervise them in the foreground, stop all on SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			descs, err := loadForLaunch(opts)
			if err != nil {
				return err
			}

			bus, err := events.NewBus()
			if err != nil {
				return err
			}
			defer func() { _ = bus.Close() }()
			metrics.RegisterEventHandler(bus)

			reg, err := newRegistry(opts, descs, service.Observers{
				logObserver(),
				bus.Publisher(),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// The bus and metrics server outlive the signal so the final
			// StopAll transitions are still published.
			bgCtx, stopBackground := context.WithCancel(context.Background())
			defer stopBackground()
			eg, egCtx := errgroup.WithContext(bgCtx)
			context.AfterFunc(egCtx, stop)
			eg.Go(func() error {
				return bus.Run(egCtx)
			})
			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
				eg.Go(func() error {
					log.Info().Str("addr", metricsAddr).Msg("serving metrics")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return errors.Wrap(err, "metrics server")
					}
					return nil
				})
				eg.Go(func() error {
					<-egCtx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			select {
			case <-bus.Running():
			case <-egCtx.Done():
			}

			runErr := superviseRun(ctx, reg, opts, keepGoing)
			stop()

			stopCtx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
			defer cancel()
			stopErr := reg.StopAll(stopCtx)
			if err := saveRunState(opts.Root, reg); err != nil {
				log.Warn().Err(err).Msg("failed to clear run state")
			}

			stopBackground()
			if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("background task failed")
			}
			if runErr != nil {
				return runErr
			}
			return stopErr
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "Keep running healthy services when some fail to start")
	return cmd
}

// superviseRun starts everything, records state and blocks until ctx ends.
func superviseRun(ctx context.Context, reg *registry.Registry, opts rootOptions, keepGoing bool) error {
	startCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	err := reg.StartAll(startCtx)
	cancel()
	if saveErr := saveRunState(opts.Root, reg); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to save run state")
	}
	if err != nil {
		if !keepGoing || ctx.Err() != nil {
			return err
		}
		log.Error().Err(err).Msg("some services failed to start; continuing")
	}
	log.Info().Msg("services running; press Ctrl-C to stop")
	<-ctx.Done()
	log.Info().Msg("stopping services")
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
