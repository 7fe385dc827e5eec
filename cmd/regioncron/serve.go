package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"regioncron/internal/api"
	"regioncron/internal/config"
	"regioncron/internal/events"
	"regioncron/internal/fileimport"
	"regioncron/internal/lock"
	"regioncron/internal/notify"
	"regioncron/internal/region"
	"regioncron/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, notification relay and ops HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "HTTP bind address")
	cmd.Flags().Bool("debug", false, "expose pprof under /debug/pprof")
	_ = a.v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	_ = a.v.BindPFlag("http.debug", cmd.Flags().Lookup("debug"))
	return cmd
}

// node is a started serve process.
type node struct {
	log     zerolog.Logger
	regions *region.Registry
	bus     *events.Bus
	sched   *scheduler.Scheduler

	// relay is nil when no module listens for notifications.
	relay       *notify.Relay
	ch          notify.Channel
	cancelRelay context.CancelFunc
	relayDone   chan struct{}
	relayErr    error

	srv     *http.Server
	httpErr chan error
}

// serve runs until ctx is cancelled, then shuts down in order: scheduler,
// relay, HTTP, regions.
func (a *app) serve(ctx context.Context) error {
	n, err := a.start(ctx)
	if err != nil {
		return err
	}
	return n.run(ctx)
}

// start wires every component and returns once the relay is listening and
// the scheduler is running.
func (a *app) start(ctx context.Context) (n *node, err error) {
	cfg := a.cfg
	n = &node{
		log:         log.With().Str("holder", cfg.HolderID).Logger(),
		cancelRelay: func() {},
		httpErr:     make(chan error, 1),
	}
	logger := n.log

	if n.regions, err = a.openRegions(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			n.cancelRelay()
			n.close()
		}
	}()

	n.bus = events.NewBus(logger)
	n.bus.Subscribe(events.All, func(ctx context.Context, e events.Event) {
		logger.Info().
			Str("event", e.Name).
			Str("region", e.Region).
			Str("project", e.ProjectID).
			Str("upload", e.Upload.ID).
			Str("prior", string(e.PriorStatus)).
			Msg("event")
	})

	locks := lock.NewManager(n.regions.Default().Store, logger)
	n.sched = scheduler.New(context.WithoutCancel(ctx), locks, cfg.HolderID, logger)

	if cfg.FileImport.Disabled {
		logger.Info().Msg("file import module disabled")
	} else {
		if _, err := fileimport.Schedule(n.sched, n.regions, n.bus, fileimport.Config{
			TimeLimitMinutes: cfg.FileImport.TimeLimitMinutes,
			Lease:            cfg.FileImport.Lease,
		}); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", fileimport.TaskName, err)
		}
		if err := n.startRelay(ctx, cfg, fileimport.NewListeners(n.bus, logger).Register); err != nil {
			return nil, err
		}
	}

	n.sched.Start()

	if cfg.HTTP.Enabled {
		deps := api.Deps{Regions: n.regions, Scheduler: n.sched, Log: logger}
		if n.relay != nil {
			deps.Relay = n.relay
		}
		n.srv = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.NewServerWithDebug(deps, cfg.HTTP.Debug),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
			if err := n.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.httpErr <- err
			}
		}()
	}
	return n, nil
}

// startRelay opens the notification channel, lets register bind topics and
// runs the relay until it is listening.
func (n *node) startRelay(ctx context.Context, cfg *config.Config, register func(*notify.Relay) error) error {
	ch, err := openChannel(ctx, cfg.Notify, n.log)
	if err != nil {
		return err
	}
	n.ch = ch
	if cfg.Notify.Driver == config.DriverMemory {
		n.log.Warn().Msg("notify.driver is memory: only in-process publishers reach the relay")
	}

	relay := notify.NewRelay(ch, n.regions, cfg.Relay.Concurrency, n.log)
	if err := register(relay); err != nil {
		return err
	}

	relayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.relay = relay
	n.cancelRelay = cancel
	n.relayDone = make(chan struct{})
	go func() {
		n.relayErr = relay.Run(relayCtx)
		close(n.relayDone)
	}()
	select {
	case <-relay.Ready():
	case <-n.relayDone:
		return fmt.Errorf("notification relay: %w", n.relayErr)
	case <-ctx.Done():
	}
	return nil
}

// run blocks until ctx is done or a background component fails, then shuts
// everything down.
func (n *node) run(ctx context.Context) error {
	var runErr error
	select {
	case <-ctx.Done():
		n.log.Info().Msg("shutting down")
	case <-n.relayDone:
		runErr = fmt.Errorf("notification relay stopped: %v", n.relayErr)
	case err := <-n.httpErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	n.shutdown()
	return runErr
}

func (n *node) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	select {
	case <-n.sched.Stop().Done():
	case <-ctx.Done():
		n.log.Warn().Msg("timed out waiting for in-flight task firings")
	}

	n.cancelRelay()
	if n.relayDone != nil {
		select {
		case <-n.relayDone:
		case <-ctx.Done():
			n.log.Warn().Msg("timed out waiting for notification handlers")
		}
	}

	if n.srv != nil {
		if err := n.srv.Shutdown(ctx); err != nil {
			n.log.Warn().Err(err).Msg("http shutdown")
		}
	}
	n.close()
}

func (n *node) close() {
	if n.bus != nil {
		n.bus.Wait()
	}
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if err := n.regions.Close(); err != nil {
		n.log.Error().Err(err).Msg("close regions")
	}
}

func openChannel(ctx context.Context, c config.NotifyConfig, logger zerolog.Logger) (notify.Channel, error) {
	switch c.Driver {
	case config.DriverPostgres:
		pg, err := notify.NewPostgres(ctx, c.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case config.DriverRedis:
		return notify.NewRedis(c.RedisAddr, c.RedisPassword, c.RedisDB), nil
	default:
		return notify.NewMemory(64), nil
	}
}
