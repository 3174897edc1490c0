package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	server "mathstream/server"
	"mathstream/server/internal/client"
	"mathstream/server/internal/config"
	servernet "mathstream/server/internal/net"
	"mathstream/server/internal/net/ws"
	"mathstream/server/internal/observability"
	"mathstream/server/internal/player"
	"mathstream/server/internal/schedule"
	"mathstream/server/internal/telemetry"
	"mathstream/server/logging"
	loggingSinks "mathstream/server/logging/sinks"
)

type Config struct {
	Logger   telemetry.Logger
	Settings *config.Config
	// Listener overrides the address in Settings. Run closes it on return.
	Listener net.Listener
}

// Run serves the stream until ctx is cancelled or the listener fails.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	settings := cfg.Settings
	if settings == nil {
		settings = &config.Config{}
		if err := settings.Validate(); err != nil {
			return fmt.Errorf("invalid default config: %w", err)
		}
	}

	router, err := newEventRouter(settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(context.Background()); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	registry := telemetry.NewRegistry()
	namespace := settings.Observability.Namespace
	metrics := telemetry.NewPrometheusMetrics(namespace, registry)
	registry.MustRegister(newRouterCollector(namespace, router))

	permissions, err := parsePermissions(settings.Stream.DefaultPermissions)
	if err != nil {
		return err
	}
	hub := server.NewHub(server.HubConfig{
		Logger:             telemetryLogger,
		Publisher:          router,
		Metrics:            metrics,
		DefaultPermissions: permissions,
		Clock:              time.Now,
	})

	listener := cfg.Listener
	if listener == nil {
		listener, err = net.Listen("tcp", settings.Addr())
		if err != nil {
			return fmt.Errorf("listen on %s: %w", settings.Addr(), err)
		}
	}

	var pres *presenter
	var presenterHandle servernet.Presenter
	if settings.Presenter.Enabled {
		pres, err = buildPresenter(settings, presenterURL(settings, listener.Addr()), telemetryLogger, router, metrics)
		if err != nil {
			listener.Close()
			return err
		}
		presenterHandle = pres
	}

	var runner *schedule.Runner
	if pres != nil && len(settings.Presenter.Autoplay) > 0 {
		entries := make([]schedule.Entry, 0, len(settings.Presenter.Autoplay))
		for _, entry := range settings.Presenter.Autoplay {
			entries = append(entries, schedule.Entry{Cron: entry.Cron, Scene: entry.Scene})
		}
		runner, err = schedule.New(entries, pres, schedule.Config{
			Logger:    telemetryLogger,
			Publisher: router,
			Metrics:   metrics,
		})
		if err != nil {
			listener.Close()
			return err
		}
	}

	handler := servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{
		ClientDir: resolveClientDir(settings.Server.ClientDir),
		Logger:    telemetryLogger,
		Observability: observability.Config{
			EnablePprof:   settings.Observability.EnablePprof,
			EnableMetrics: settings.MetricsEnabled(),
		},
		Gatherer:  registry,
		Presenter: presenterHandle,
		Stream: ws.HandlerConfig{
			Logger:         telemetryLogger,
			Publisher:      router,
			ReadLimit:      settings.Stream.ReadLimit.Int64(),
			WriteTimeout:   settings.Stream.WriteTimeout.Duration(),
			PingInterval:   settings.Stream.PingInterval.Duration(),
			RateLimit:      settings.Stream.RateLimit.RPS,
			RateBurst:      settings.Stream.RateLimit.Burst,
			AllowedOrigins: settings.Stream.AllowedOrigins,
		},
	})

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		telemetryLogger.Printf("server listening on %s", listener.Addr())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.Server.ShutdownTimeout.Duration())
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hub.Close()
		telemetryLogger.Printf("server stopped")
		return err
	})

	if pres != nil {
		group.Go(func() error {
			pres.Connect(groupCtx)
			<-groupCtx.Done()
			pres.Close()
			return nil
		})
	}

	if runner != nil {
		group.Go(func() error { return runner.Run(groupCtx) })
	}

	return group.Wait()
}

func newEventRouter(cfg config.LoggingConfig) (*logging.Router, error) {
	severity, err := logging.ParseSeverity(cfg.Level)
	if err != nil {
		return nil, err
	}

	logConfig := logging.DefaultConfig()
	logConfig.EnabledSinks = cfg.Sinks
	logConfig.BufferSize = cfg.BufferSize
	logConfig.MinimumSeverity = severity
	logConfig.Fields = map[string]any{"service": "mathstream"}
	logConfig.JSON = logging.JSONConfig{
		FilePath:      cfg.JSON.FilePath,
		MaxBatch:      cfg.JSON.MaxBatch,
		FlushInterval: cfg.JSON.FlushInterval.Duration(),
	}

	var sinks []logging.NamedSink
	if logConfig.HasSink("console") {
		sinks = append(sinks, logging.NamedSink{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout, logConfig.Console)})
	}
	if logConfig.HasSink("json") {
		file, err := os.OpenFile(logConfig.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open json event log: %w", err)
		}
		sinks = append(sinks, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(file, logConfig.JSON.FlushInterval)})
	}
	return logging.NewRouter(logging.ClockFunc(time.Now), logConfig, sinks)
}

func parsePermissions(names []string) ([]server.Permission, error) {
	permissions := make([]server.Permission, 0, len(names))
	for _, name := range names {
		p, err := server.ParsePermission(name)
		if err != nil {
			return nil, err
		}
		permissions = append(permissions, p)
	}
	return permissions, nil
}

func presenterURL(settings *config.Config, addr net.Addr) string {
	if settings.Presenter.URL != "" {
		return settings.Presenter.URL
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return fmt.Sprintf("ws://127.0.0.1:%d%s", tcp.Port, servernet.StreamPath)
	}
	return settings.PresenterURL()
}

func buildPresenter(settings *config.Config, url string, logger telemetry.Logger, publisher logging.Publisher, metrics telemetry.Metrics) (*presenter, error) {
	mode, err := player.ParseDispatchMode(settings.Presenter.DispatchMode)
	if err != nil {
		return nil, err
	}

	clientCfg := client.DefaultConfig()
	clientCfg.ID = settings.Presenter.ClientID
	clientCfg.MaxReconnectAttempts = settings.ReconnectAttempts()
	clientCfg.ReconnectBase = settings.Client.ReconnectBase.Duration()
	clientCfg.ReconnectCap = settings.Client.ReconnectCap.Duration()
	clientCfg.Logger = logger
	clientCfg.Publisher = publisher
	clientCfg.Metrics = metrics

	playerCfg := player.DefaultConfig()
	playerCfg.Mode = mode
	playerCfg.FrameInterval = settings.Presenter.FrameInterval.Duration()
	playerCfg.Logger = logger
	playerCfg.Publisher = publisher
	playerCfg.Metrics = metrics

	pres := newPresenter(clientCfg, playerCfg, url, logger)
	if settings.SampleEnabled() {
		if err := pres.AddScene(player.SampleScene()); err != nil {
			return nil, fmt.Errorf("register sample scene: %w", err)
		}
	}
	if dir := settings.Presenter.ScenesDir; dir != "" {
		scenes, err := player.LoadScenes(dir)
		if err != nil {
			return nil, err
		}
		for _, scene := range scenes {
			if err := pres.AddScene(scene); err != nil {
				return nil, fmt.Errorf("register scene %s: %w", scene.ID, err)
			}
		}
		logger.Printf("loaded %d scenes from %s", len(scenes), dir)
	}
	return pres, nil
}

// routerCollector exports the logging router counters, with drops broken
// down by event category and by sink.
type routerCollector struct {
	router  *logging.Router
	events  *prometheus.Desc
	dropped *prometheus.Desc
	backlog *prometheus.Desc
}

func newRouterCollector(namespace string, router *logging.Router) *routerCollector {
	return &routerCollector{
		router: router,
		events: prometheus.NewDesc(prometheus.BuildFQName(namespace, "logging", "events_total"),
			"Structured events accepted by the logging router.", nil, nil),
		dropped: prometheus.NewDesc(prometheus.BuildFQName(namespace, "logging", "events_dropped_total"),
			"Structured events dropped because the router queue was full.", []string{"category"}, nil),
		backlog: prometheus.NewDesc(prometheus.BuildFQName(namespace, "logging", "sink_backlog_dropped_total"),
			"Structured events a sink missed because its buffer was full.", []string{"sink"}, nil),
	}
}

func (c *routerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.events
	ch <- c.dropped
	ch <- c.backlog
}

func (c *routerCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.router.Stats()
	ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(stats.EventsTotal))
	for _, category := range stats.DroppedCategories() {
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue,
			float64(stats.DroppedByCategory[category]), category)
	}
	for sink, count := range stats.SinkBacklogDrops {
		ch <- prometheus.MustNewConstMetric(c.backlog, prometheus.CounterValue, float64(count), sink)
	}
}
