// Package main implements the tagstreams binary: Wireless Tag sensor nodes
// publishing readings to NATS and applying commands received from it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/tagstreams/cloud"
	"github.com/c360/tagstreams/cloud/simulator"
	"github.com/c360/tagstreams/component"
	"github.com/c360/tagstreams/componentregistry"
	"github.com/c360/tagstreams/config"
	pkgerrors "github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/gateway"
	"github.com/c360/tagstreams/health"
	"github.com/c360/tagstreams/metric"
	"github.com/c360/tagstreams/natsclient"
	"github.com/c360/tagstreams/nodestate"
	"github.com/c360/tagstreams/pkg/tlsutil"
	"github.com/c360/tagstreams/tagupdate"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "tagstreams"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, logger, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid", "clouds", cfg.CloudIDs(), "components", len(cfg.Components))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()

	natsClient, err := connectToNATS(ctx, cfg, logger, metricsRegistry)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := natsClient.Close(closeCtx); err != nil {
			slog.Warn("Failed to close NATS connection", "error", err)
		}
	}()

	reporter := setupStatusReporter(ctx, cfg, natsClient, logger)

	sessions, err := createSessions(cfg, logger, metricsRegistry)
	if err != nil {
		return err
	}
	updates := createUpdateRegistry(cfg, logger, metricsRegistry)

	registry := component.NewRegistry()
	if err := componentregistry.Register(registry); err != nil {
		return fmt.Errorf("register components: %w", err)
	}
	slog.Info("Component factories registered", "factories", registry.ListComponentTypes())

	deps := component.Dependencies{
		NATSClient:      natsClient,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
		Sessions:        sessions,
		Updates:         updates,
		StatusReporter:  reporter,
	}
	managed, err := createComponents(cfg, registry, deps)
	if err != nil {
		return err
	}

	if err := startComponents(ctx, managed); err != nil {
		stopComponents(managed, cliCfg.ShutdownTimeout)
		return err
	}

	// Nodes are started first so they observe the first connect.
	if err := sessions.ConnectAll(ctx); err != nil {
		slog.Error("Cloud sign-in failed", "error", err)
	}

	slog.Info("tagstreams started", "components", len(managed), "clouds", sessions.IDs())

	err = serve(ctx, cfg, registry, metricsRegistry, cliCfg.ShutdownTimeout)

	slog.Info("Shutting down")
	stopComponents(managed, cliCfg.ShutdownTimeout)
	updates.StopAll()

	closeCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()
	if closeErr := sessions.CloseAll(closeCtx); closeErr != nil {
		slog.Warn("Failed to close cloud sessions", "error", closeErr)
	}

	slog.Info("tagstreams shutdown complete")
	return err
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, nil, true, nil
		}
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting tagstreams",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// loadConfig loads and validates the configuration file
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewLoader().LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// connectToNATS creates the NATS client and waits for the first connection
func connectToNATS(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
) (*natsclient.Client, error) {
	natsURL := "nats://localhost:4222"
	if len(cfg.NATS.URLs) > 0 {
		natsURL = cfg.NATS.URLs[0]
	}

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(appName + "-" + cfg.Platform.ID),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithMetrics(metricsRegistry),
	}
	if wait := cfg.NATS.ReconnectWait.Duration(); wait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(wait))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}

	client, err := natsclient.NewClient(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", natsURL)
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

// setupStatusReporter sends node status to the log and, when a status bucket
// is configured, to the NATS KV store.
func setupStatusReporter(
	ctx context.Context,
	cfg *config.Config,
	natsClient *natsclient.Client,
	logger *slog.Logger,
) nodestate.Reporter {
	reporters := nodestate.Reporters{nodestate.LogReporter{Logger: logger}}
	if cfg.NATS.StatusBucket == "" {
		return reporters
	}

	store, err := natsclient.NewStatusStore(ctx, natsClient, cfg.NATS.StatusBucket, cfg.NATS.StatusTTL.Duration())
	if err != nil {
		slog.Warn("Node status bucket unavailable, status is logged only",
			"bucket", cfg.NATS.StatusBucket, "error", err)
		return reporters
	}
	slog.Info("Publishing node status", "bucket", store.Bucket())
	return append(reporters, nodestate.KVReporter{Store: store, Logger: logger})
}

// newPlatform builds the cloud platform of one configured cloud.
func newPlatform(id string, cloudCfg config.CloudConfig) (cloud.Platform, error) {
	if cloudCfg.Simulator == "" {
		return nil, pkgerrors.WrapInvalid(pkgerrors.ErrMissingConfig, "main", "newPlatform",
			fmt.Sprintf("cloud %s has no platform client configured", id))
	}
	fixture, err := simulator.LoadFile(cloudCfg.Simulator)
	if err != nil {
		return nil, pkgerrors.WrapInvalid(err, "main", "newPlatform", "load simulator for cloud "+id)
	}
	if fixture.Username == "" {
		fixture.Username = cloudCfg.Username
		fixture.Password = cloudCfg.Password
	}
	platform, err := simulator.New(fixture)
	if err != nil {
		return nil, pkgerrors.WrapInvalid(err, "main", "newPlatform", "build simulator for cloud "+id)
	}
	return platform, nil
}

// createSessions creates one session per configured cloud. Sessions stay
// disconnected until ConnectAll.
func createSessions(
	cfg *config.Config,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
) (*cloud.Sessions, error) {
	sessions := cloud.NewSessions()
	for _, id := range cfg.CloudIDs() {
		cloudCfg := cfg.Clouds[id]
		platform, err := newPlatform(id, cloudCfg)
		if err != nil {
			return nil, err
		}
		session := cloud.NewSession(id, platform,
			cloud.Credentials{Username: cloudCfg.Username, Password: cloudCfg.Password},
			cloud.WithLogger(logger),
			cloud.WithMetrics(metricsRegistry.CoreMetrics()))
		if err := sessions.Add(session); err != nil {
			return nil, fmt.Errorf("add cloud %s: %w", id, err)
		}
	}
	return sessions, nil
}

func createUpdateRegistry(
	cfg *config.Config,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
) *tagupdate.Registry {
	core := metricsRegistry.CoreMetrics()
	updates := tagupdate.NewRegistry(
		tagupdate.WithLogger(logger),
		tagupdate.WithMetricsRegistry(metricsRegistry),
		tagupdate.WithErrorHandler(func(_ string, err error) {
			core.RecordError("tagupdate", pkgerrors.Classify(err).String())
		}),
	)
	for _, id := range cfg.CloudIDs() {
		if d := cfg.Clouds[id].PollInterval.Duration(); d > 0 {
			updates.SetPollInterval(id, d)
		}
	}
	return updates
}

// createComponents creates every enabled component, in name order.
func createComponents(
	cfg *config.Config,
	registry *component.Registry,
	deps component.Dependencies,
) ([]*component.ManagedComponent, error) {
	names := make([]string, 0, len(cfg.Components))
	for name := range cfg.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	managed := make([]*component.ManagedComponent, 0, len(names))
	for _, name := range names {
		compCfg := cfg.Components[name]
		if !compCfg.Enabled {
			slog.Info("Component disabled in config", "name", name)
			continue
		}
		comp, err := registry.CreateComponent(name, compCfg, deps)
		if err != nil {
			return nil, fmt.Errorf("create component %s: %w", name, err)
		}
		managed = append(managed, &component.ManagedComponent{
			Name:       name,
			Component:  comp,
			State:      component.StateCreated,
			StartOrder: len(managed),
		})
		slog.Info("Created component", "name", name, "factory", compCfg.Name)
	}
	return managed, nil
}

func startComponents(ctx context.Context, managed []*component.ManagedComponent) error {
	for _, mc := range managed {
		lc, ok := component.AsLifecycleComponent(mc.Component)
		if !ok {
			continue
		}
		if err := lc.Initialize(); err != nil {
			mc.State, mc.LastError = component.StateFailed, err
			return fmt.Errorf("initialize component %s: %w", mc.Name, err)
		}
		mc.State = component.StateInitialized

		compCtx, cancel := context.WithCancel(ctx)
		mc.Cancel = cancel
		if err := lc.Start(compCtx); err != nil {
			mc.State, mc.LastError = component.StateFailed, err
			return fmt.Errorf("start component %s: %w", mc.Name, err)
		}
		mc.State = component.StateStarted
	}
	return nil
}

// stopComponents stops started components in reverse start order.
func stopComponents(managed []*component.ManagedComponent, timeout time.Duration) {
	ordered := append([]*component.ManagedComponent(nil), managed...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StartOrder > ordered[j].StartOrder })

	for _, mc := range ordered {
		if mc.State != component.StateStarted && mc.State != component.StateFailed {
			continue
		}
		if lc, ok := component.AsLifecycleComponent(mc.Component); ok {
			if err := lc.Stop(timeout); err != nil {
				mc.LastError = err
				slog.Error("Failed to stop component", "name", mc.Name, "error", err)
			}
		}
		if mc.Cancel != nil {
			mc.Cancel()
		}
		mc.State = component.StateStopped
	}
}

// newHTTPServer serves /health and the routes of every gateway component.
// The first gateway is mounted at the root, any further one below its name.
func newHTTPServer(port int, registry *component.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/health", health.Handler(appName, registry.ListComponents))

	components := registry.ListComponents()
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	mounted := 0
	for _, name := range names {
		handler, ok := components[name].(gateway.HTTPHandler)
		if !ok {
			continue
		}
		prefix := "/"
		if mounted > 0 {
			prefix = "/" + name + "/"
		}
		handler.RegisterHTTPHandlers(prefix, mux)
		mounted++
		slog.Info("Registered gateway routes", "name", name, "prefix", prefix)
	}

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serve runs the HTTP and metrics servers until ctx is done.
func serve(
	ctx context.Context,
	cfg *config.Config,
	registry *component.Registry,
	metricsRegistry *metric.MetricsRegistry,
	shutdownTimeout time.Duration,
) error {
	var servers []*http.Server
	if cfg.HTTP.Port > 0 {
		srv := newHTTPServer(cfg.HTTP.Port, registry)
		tlsConfig, err := tlsutil.LoadServerTLSConfig(cfg.HTTP.TLS)
		if err != nil {
			return fmt.Errorf("http tls: %w", err)
		}
		srv.TLSConfig = tlsConfig
		servers = append(servers, srv)
	}
	if cfg.Metrics.Enabled {
		servers = append(servers, metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			slog.Info("HTTP server listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("HTTP server shutdown failed", "addr", srv.Addr, "error", err)
			}
		}
		return nil
	})
	return g.Wait()
}
