package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"geofenced/internal/config"
	"geofenced/internal/connectivity"
	"geofenced/internal/engine"
	"geofenced/internal/health"
	"geofenced/internal/history"
	"geofenced/internal/httpapi"
	"geofenced/internal/ipc"
	"geofenced/internal/logging"
	"geofenced/internal/metrics"
	"geofenced/internal/notify"
	"geofenced/internal/regionmon"
	"geofenced/internal/store"
	"geofenced/internal/tracing"
)

const applyTimeout = 30 * time.Second

// daemon owns every component of a running geofenced.
type daemon struct {
	cfg    *config.Config
	loader *config.Loader
	logger *slog.Logger

	store    *store.Store
	monitor  *regionmon.Monitor
	static   *connectivity.Static
	engine   *engine.Engine
	metrics  *metrics.Collector
	registry *prometheus.Registry
	health   *health.Checker
	history  *history.Recorder
	notify   *notify.Presenter

	closers []func() error
}

func runDaemon(ctx context.Context, path string) error {
	boot, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := boot.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(boot.Logging)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logger.Close()

	loader := config.NewLoader(path, logger.Logger)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	defer loader.Close()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lock, err := acquireLock(cfg.Storage.Path + ".lock")
	if err != nil {
		return err
	}
	defer lock.Release()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, logger.Logger)
	if err != nil {
		return err
	}
	defer tracing.ShutdownWithTimeout(context.Background(), shutdownTracing, logger.Logger)

	d, err := newDaemon(cfg, loader, logger.Logger)
	if err != nil {
		return err
	}
	defer d.close()

	logger.Info("geofenced starting",
		"version", Version,
		"config", loader.Path(),
		"database", cfg.Storage.Path,
		"location", cfg.Location.Source,
		"connectivity", cfg.Connectivity.Backend)

	return d.run(ctx)
}

func newLogger(c config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Output
	if c.FilePath != "" {
		lc.FilePath = c.FilePath
	}
	lc.MaxSize = int64(c.MaxSizeMB)
	lc.MaxBackups = c.MaxBackups
	lc.MaxAge = c.MaxAgeDays
	lc.Compress = c.Compress
	return logging.New(lc)
}

// newDaemon opens storage and builds the components selected by cfg.
// Nothing runs until run is called.
func newDaemon(cfg *config.Config, loader *config.Loader, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, loader: loader, logger: logger}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.store = st
	d.closers = append(d.closers, st.Close)

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if d.metrics, err = metrics.NewCollector(d.registry); err != nil {
		d.close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	source, err := d.locationSource()
	if err != nil {
		d.close()
		return nil, err
	}
	d.monitor, err = regionmon.New(st, source, regionmon.Config{
		MaxAccuracy:   cfg.Location.MaxAccuracyMeters,
		RetryInterval: time.Duration(cfg.Location.RetryIntervalSec) * time.Second,
		FixHook:       func(regionmon.Fix) { d.metrics.ObserveFix() },
	}, logger)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("load regions: %w", err)
	}

	deps := engine.Deps{Regions: d.monitor, Store: st}
	switch cfg.Connectivity.Backend {
	case "networkmanager":
		nm, err := connectivity.NewNetworkManager(logger)
		if err != nil {
			logger.Warn("NetworkManager unavailable, network matching disabled", "error", err)
			break
		}
		d.closers = append(d.closers, nm.Close)
		deps.Connectivity = nm
	case "static":
		d.static = connectivity.NewStatic()
		deps.Connectivity = d.static
	}

	d.engine = engine.New(deps,
		engine.WithLogger(logger),
		engine.WithEventHook(d.metrics.ObserveEvent),
	)
	d.monitor.SetEventHandler(d.engine.Post)

	d.health = health.NewChecker()
	d.health.RegisterFunc("database", true, health.DatabaseCheck(st.Ping))
	d.health.RegisterFunc("engine", false, health.EngineCheck(d.engine.Snapshot))

	d.history = history.NewRecorder(st, history.Config{
		Retention: time.Duration(cfg.Storage.HistoryRetentionDays) * 24 * time.Hour,
	}, logger)

	if d.notify, err = d.presenter(); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) locationSource() (regionmon.Source, error) {
	switch d.cfg.Location.Source {
	case "geoclue":
		src, err := regionmon.NewGeoClueSource(regionmon.GeoClueConfig{
			DesktopID:         d.cfg.Location.DesktopID,
			DistanceThreshold: d.cfg.Location.DistanceThresholdMeters,
		}, d.logger)
		if err != nil {
			return nil, fmt.Errorf("connect to GeoClue: %w", err)
		}
		return src, nil
	case "manual":
		return regionmon.NewManualSource(engine.AuthorizationAlways), nil
	default:
		return nil, nil
	}
}

func (d *daemon) presenter() (*notify.Presenter, error) {
	n := d.cfg.Notifications
	var sender notify.Sender
	switch n.Backend {
	case "desktop":
		ds, err := notify.NewDesktopSender(n.AppName, int32(n.TimeoutMs))
		if err != nil {
			d.logger.Warn("desktop notifications unavailable, logging instead", "error", err)
			sender = notify.LogSender{Logger: d.logger}
			break
		}
		d.closers = append(d.closers, ds.Close)
		sender = ds
	case "log":
		sender = notify.LogSender{Logger: d.logger}
	default:
		return nil, nil
	}
	return notify.NewPresenter(sender, n.QueueDepth, d.logger), nil
}

// run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (d *daemon) run(ctx context.Context) error {
	var srv *ipc.Server
	if d.cfg.IPC.Enabled {
		var err error
		if srv, err = d.startIPC(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.engine.Run(ctx) })
	g.Go(func() error { return d.monitor.Run(ctx) })

	d.metrics.Bind(d.engine)
	defer d.metrics.Close()

	d.history.Bind(d.engine)
	defer d.history.Close()
	g.Go(func() error { return d.history.Run(ctx) })

	if d.notify != nil {
		d.notify.Bind(d.engine.RegionState(), d.engine.NetworkAccessible())
		defer d.notify.Close()
		g.Go(func() error { return d.notify.Run(ctx) })
	}

	if d.cfg.Geofence.Managed && !d.engine.Recovered() {
		g.Go(func() error {
			if err := d.apply(ctx, d.cfg.Geofence); err != nil {
				d.logger.Error("apply configured geofence", "error", err)
			}
			return nil
		})
	}

	d.loader.OnChange(func(old, updated *config.Config) {
		if !updated.Geofence.Managed || old.Geofence == updated.Geofence {
			return
		}
		if err := d.apply(ctx, updated.Geofence); err != nil {
			d.logger.Error("apply reloaded geofence", "error", err)
		}
	})
	if err := d.loader.Watch(); err != nil {
		d.logger.Warn("config file not watched", "error", err)
	} else {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-d.loader.Errors():
					d.logger.Warn("config reload rejected", "error", err)
				}
			}
		})
	}

	if srv != nil {
		stopBridge := ipc.Bridge(d.engine, srv.Broadcast, d.logger)
		g.Go(func() error {
			<-ctx.Done()
			stopBridge()
			if ev, err := ipc.NewEvent(ipc.EventDaemonShutdown, nil); err == nil {
				srv.Broadcast(ev)
			}
			return srv.Stop()
		})
	}

	if d.cfg.HTTP.Enabled {
		api := httpapi.New(d.httpConfig())
		g.Go(func() error { return api.Run(ctx) })
	}

	d.health.SetReady(true)
	err := g.Wait()
	d.health.SetReady(false)
	d.logger.Info("geofenced stopped")
	return err
}

// apply hands the file-managed geofence to the engine.
func (d *daemon) apply(ctx context.Context, g config.GeofenceConfig) error {
	ctx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()

	err := d.engine.SetConfiguration(ctx, g.Desired())
	if errors.Is(err, context.Canceled) || errors.Is(err, engine.ErrStopped) {
		return nil
	}
	if err == nil {
		d.logger.Info("applied geofence from configuration", "center", g.Desired().Center, "network", g.TargetNetwork)
	}
	return err
}

func (d *daemon) startIPC() (*ipc.Server, error) {
	c := d.cfg.IPC
	scfg := ipc.DefaultServerConfig(c.SocketPath)
	scfg.Version = Version
	scfg.Logger = d.logger
	if c.MaxConnections > 0 {
		scfg.MaxConnections = c.MaxConnections
	}
	if c.TimeoutSec > 0 {
		scfg.ReadTimeout = time.Duration(c.TimeoutSec) * time.Second
	}
	scfg.RequestsPerSecond = c.RequestsPerSecond
	scfg.RequestBurst = c.RequestBurst
	if mode, err := strconv.ParseUint(c.Permissions, 8, 32); err == nil {
		scfg.Permissions = os.FileMode(mode)
	}

	hcfg := ipc.DaemonHandlerConfig{
		Version:             Version,
		Engine:              d.engine,
		Locator:             d.monitor,
		InjectFixes:         d.cfg.Location.Source == "manual",
		History:             d.store,
		Observer:            d.metrics,
		LocationSource:      d.cfg.Location.Source,
		ConnectivityBackend: d.cfg.Connectivity.Backend,
		ConfigManaged:       func() bool { return d.loader.Config().Geofence.Managed },
		Logger:              d.logger,
	}
	if d.static != nil {
		hcfg.Network = d.static
	}

	srv := ipc.NewServer(scfg, ipc.NewDaemonHandler(hcfg))
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("start IPC server: %w", err)
	}
	d.logger.Info("IPC listening", "socket", srv.SocketPath())
	return srv, nil
}

func (d *daemon) httpConfig() httpapi.Config {
	hc := httpapi.Config{
		Addr:      d.cfg.HTTP.Listen,
		Status:    d.engine,
		History:   d.store,
		Liveness:  d.health.LivenessHandler(),
		Readiness: d.health.ReadinessHandler(),
		Logger:    d.logger,

		RequestsPerSecond: d.cfg.HTTP.RequestsPerSecond,
		RequestBurst:      d.cfg.HTTP.RequestBurst,
	}
	if d.cfg.HTTP.Metrics {
		hc.Metrics = d.metrics.Handler()
	}
	return hc
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("close", "error", err)
		}
	}
	d.closers = nil
}
