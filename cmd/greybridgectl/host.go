package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"greybridge/config"
	"greybridge/diag"
	"greybridge/dispatcher"
	"greybridge/distant"
	"greybridge/handles"
	"greybridge/idle"
	"greybridge/logging"
	"greybridge/mainthread"
	"greybridge/metrics"
	"greybridge/middleware"
	"greybridge/registry"
	"greybridge/server"
	"greybridge/value"
)

type hostConfig struct {
	commonConfig
	listen string
}

func (h *hostConfig) flags() []cli.Flag {
	return append(h.commonConfig.flags(),
		&cli.StringFlag{
			Name:        "listen",
			Usage:       "host:port to serve on; overrides the config file",
			Destination: &h.listen,
		},
	)
}

func (h *hostConfig) load() (config.Config, error) {
	cfg, err := config.Load(h.configPath)
	if err != nil {
		return cfg, err
	}
	if h.app != "" {
		cfg.App = h.app
	}
	if h.listen != "" {
		cfg.Listen = h.listen
	}
	return cfg, cfg.Validate()
}

func hostCmd() *cli.Command {
	var cfg hostConfig
	return &cli.Command{
		Name:  "host",
		Usage: "serve the demo mail application",
		Flags: cfg.flags(),
		Action: func(c *cli.Context) error {
			if c.Args().Len() > 0 {
				return fmt.Errorf("no arguments allowed")
			}
			conf, err := cfg.load()
			if err != nil {
				return err
			}
			logging.ConfigureRuntime(conf.App)
			return runHost(c.Context, conf)
		},
	}
}

// openRegistry uses etcd when endpoints are configured and an in-process
// registry otherwise.
func openRegistry(cfg config.Config) (registry.Registry, func() error, error) {
	if len(cfg.Etcd) == 0 {
		return registry.NewStaticRegistry(), func() error { return nil }, nil
	}
	reg, err := registry.NewEtcdRegistry(cfg.Etcd, 5*time.Second)
	if err != nil {
		return nil, nil, err
	}
	return reg, reg.Close, nil
}

func runHost(ctx context.Context, cfg config.Config) error {
	logger := logging.Component("host")
	metrics.RegisterMetrics()

	loop := mainthread.New(0)
	defer loop.Close()

	mb := newMailbox(loop, cfg.App)
	gate := idle.NewGate(idle.WithPollInterval(cfg.IdlePollMin, cfg.IdlePollMax))
	if err := gate.Register("main", loop); err != nil {
		return err
	}
	if err := gate.Register("animations", &mb.animations); err != nil {
		return err
	}

	table, err := mb.classes()
	if err != nil {
		return err
	}
	objects := handles.NewTable()
	activity := diag.NewActivity()
	d := dispatcher.New(table, objects,
		dispatcher.WithSide(value.SideApp),
		dispatcher.WithObserver(activity.Observe),
		dispatcher.WithMainLoop(loop),
		dispatcher.WithWorkers(cfg.Workers),
		dispatcher.WithLogger(logging.Component("dispatch")),
		dispatcher.WithMiddleware(
			middleware.LoggingMiddleware(logging.Component("invoke")),
			middleware.MetricsMiddleware("app"),
			middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst),
			middleware.TimeoutMiddleware(cfg.InvocationTimeout),
			middleware.IdleGateMiddleware(gate, cfg.IdleTimeout, "app"),
		),
	)
	srv := server.NewServer(d,
		server.WithApp(cfg.App),
		server.WithCodec(cfg.CodecType()),
		server.WithHeartbeat(cfg.Heartbeat),
		server.WithCompressThreshold(cfg.CompressThreshold),
		server.WithTTL(cfg.RegistryTTL),
		server.WithInvocationTimeout(cfg.InvocationTimeout),
		server.WithLogger(logging.Component("server")),
	)
	d.SetPeerResolver(distant.NewResolver(srv))

	reg, closeRegistry, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve("tcp", cfg.Listen, cfg.Advertise, reg)
	})

	var dg *diag.Service
	if cfg.DiagAddr != "" {
		dg = diag.New(cfg.App, logging.Component("diag"))
		dg.Gate, dg.Objects, dg.Classes, dg.Peer = gate, objects, table, srv
		dg.Activity = activity
		dg.RegisterRoutes()
		g.Go(func() error {
			return dg.ListenAndServe(cfg.DiagAddr)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		if err := srv.Shutdown(5 * time.Second); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
		if dg != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return dg.Shutdown(sctx)
		}
		return nil
	})
	return g.Wait()
}
