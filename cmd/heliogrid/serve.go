package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/heliogrid/heliogrid/pkg/api"
	"github.com/heliogrid/heliogrid/pkg/config"
	"github.com/heliogrid/heliogrid/pkg/deploy"
	"github.com/heliogrid/heliogrid/pkg/events"
	"github.com/heliogrid/heliogrid/pkg/health"
	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/metrics"
	"github.com/heliogrid/heliogrid/pkg/reconciler"
	"github.com/heliogrid/heliogrid/pkg/runtime"
	"github.com/heliogrid/heliogrid/pkg/security"
	"github.com/heliogrid/heliogrid/pkg/sink"
	"github.com/heliogrid/heliogrid/pkg/storage"
	"github.com/heliogrid/heliogrid/pkg/supervisor"
	"github.com/heliogrid/heliogrid/pkg/template"
	"github.com/heliogrid/heliogrid/pkg/types"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker supervisor daemon",
	Long: `Run the supervisor daemon: the HTTP API, the worker reconciler and
the component health monitor.

When the containerd socket is missing the daemon still starts. Devices can
be registered but stay inactive until the daemon is restarted with a
reachable backend.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Daemon config file (YAML)")
	serveCmd.Flags().String("api-addr", "", "Address for the HTTP API (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory for supervisor state (overrides config)")
	serveCmd.Flags().String("templates-dir", "", "Template store directory (overrides config)")
	serveCmd.Flags().String("workers-dir", "", "Root of the per-worker directories (overrides config)")
	serveCmd.Flags().String("containerd-socket", "", "containerd socket path (overrides config)")
}

func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"api-addr":          &cfg.Server.Addr,
		"data-dir":          &cfg.Storage.DataDir,
		"templates-dir":     &cfg.Templates.Dir,
		"workers-dir":       &cfg.Workers.Dir,
		"containerd-socket": &cfg.Containerd.Socket,
	}
	for flag, dst := range overrides {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			*dst = v
		}
	}

	if !cmd.Flags().Changed("log-level") && !cmd.Flags().Changed("log-json") {
		log.Init(log.Config{
			Level:      log.Level(cfg.Logging.Level),
			JSONOutput: cfg.Logging.JSON,
		})
	}

	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.WithComponent("serve")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.SetVersion(Version)

	var storeOpts []storage.Option
	secrets, err := loadSecrets(cfg.Storage)
	if err != nil {
		return err
	}
	if secrets != nil {
		storeOpts = append(storeOpts, storage.WithSecrets(secrets))
	} else {
		logger.Warn().Msg("No secret key configured, portal passwords are stored unencrypted")
	}

	store, err := storage.NewBoltStore(cfg.Storage.DataDir, storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	registry, err := template.NewDirRegistry(cfg.Templates.Dir)
	if err != nil {
		return types.ConfigError("template store", err)
	}

	if err := os.MkdirAll(cfg.Workers.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create workers directory: %w", err)
	}

	var backend runtime.Backend
	cd, err := runtime.Connect(ctx, cfg.Containerd.Socket, cfg.Containerd.Namespace, cfg.Containerd.ConnectTimeout)
	switch {
	case err == nil:
		backend = cd
		defer cd.Close()
		metrics.RegisterComponent("containerd", true, "")
		logger.Info().Str("socket", cfg.Containerd.Socket).Msg("Connected to containerd")
		reportOrphans(ctx, cd, store, logger)
	case types.IsKind(err, types.KindBackendUnavailable):
		metrics.RegisterComponent("containerd", false, err.Error())
		logger.Warn().Err(err).Msg("Execution backend unavailable, running in degraded mode")
	default:
		return err
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go logEvents(broker.Subscribe(), log.WithComponent("events"))
	go trackBackend(broker.SubscribeTypes(events.EventBackendUnavailable))

	// A missing token is legal: workers are still built, they just cannot write.
	var ts sink.Sink
	if cfg.Sink.Configured() {
		influx, err := sink.NewInfluxSink(cfg.Sink)
		if err != nil {
			return err
		}
		defer influx.Close()
		ts = influx
	} else {
		logger.Warn().Str("url", cfg.Sink.URL).Msg("No sink token configured, telemetry queries disabled")
	}

	sup := supervisor.New(supervisor.Config{
		Backend:     backend,
		Registry:    registry,
		Store:       store,
		Broker:      broker,
		WorkersDir:  cfg.Workers.Dir,
		MountPath:   cfg.Workers.MountPath,
		Sink:        cfg.Sink,
		StopTimeout: cfg.Workers.StopTimeout,
	})

	deployer := deploy.NewDeployer(sup, store, registry)

	recon := reconciler.NewReconciler(sup, store, cfg.Workers.ReconcileInterval)
	recon.Start()

	collector := metrics.NewCollector(store, 0)
	collector.Start()

	monitor := health.NewMonitor(health.Config{Interval: cfg.Workers.HealthInterval}, metrics.UpdateComponent)
	monitor.Add("containerd", health.NewSocketChecker("unix", cfg.Containerd.Socket))
	monitor.Add("store", health.NewFuncChecker(func(context.Context) error {
		_, err := store.ListDevices()
		return err
	}))
	if ts != nil {
		monitor.Add("sink", health.NewFuncChecker(ts.Ping))
		monitor.Add("influxdb", health.NewHTTPChecker(strings.TrimRight(cfg.Sink.URL, "/")+"/health").
			ExpectJSON("status", "pass"))
	}
	monitor.Start(ctx)

	server, err := api.NewServer(api.Config{
		Supervisor: sup,
		Store:      store,
		Registry:   registry,
		Broker:     broker,
		Sink:       ts,
		SinkConfig: cfg.Sink,
		Deployer:   deployer,
		Guard: api.GuardConfig{
			RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
			Burst:             cfg.Server.RateLimit.Burst,
			AllowedIPs:        cfg.Server.AllowedIPs,
			DeniedIPs:         cfg.Server.DeniedIPs,
			TrustProxy:        cfg.Server.TrustProxy,
		},
	})
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Server.Addr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	metrics.RegisterComponent("api", true, "")

	fmt.Printf("heliogrid supervisor is running on %s. Press Ctrl+C to stop.\n", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("API server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown did not complete")
	}
	monitor.Stop()
	recon.Stop()
	collector.Stop()
	// Workers keep running; only in-flight lifecycle operations are awaited.
	deployer.Wait()
	sup.Wait()
	cancel()

	fmt.Println("✓ Shutdown complete")
	return runErr
}

// reportOrphans logs containers in the namespace that no device owns. They
// are left running for the operator to inspect.
func reportOrphans(ctx context.Context, cd *runtime.ContainerdBackend, store storage.Store, logger zerolog.Logger) {
	ids, err := cd.ListContainers(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list worker containers")
		return
	}
	devices, err := store.ListDevices()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list devices")
		return
	}

	owned := make(map[string]bool, len(devices))
	for _, d := range devices {
		if d.Handle != nil {
			owned[d.Handle.ID] = true
		}
	}
	for _, id := range ids {
		if !owned[id] {
			logger.Warn().Str("worker_id", id).Msg("Container has no owning device")
		}
	}
}

func loadSecrets(cfg config.StorageConfig) (*security.SecretsManager, error) {
	if passphrase := os.Getenv("HELIOGRID_SECRET_KEY"); passphrase != "" {
		return security.NewSecretsManagerFromPassphrase(passphrase)
	}
	if cfg.SecretKeyFile != "" {
		sm, err := security.LoadKeyFile(cfg.SecretKeyFile)
		if err != nil {
			return nil, types.ConfigError("storage.secret_key_file", err)
		}
		return sm, nil
	}
	return nil, nil
}

// trackBackend marks containerd down as soon as a worker operation finds it
// gone, ahead of the next health probe
func trackBackend(sub events.Subscriber) {
	for event := range sub {
		metrics.UpdateComponent("containerd", false, event.Message)
	}
}

func logEvents(sub events.Subscriber, logger zerolog.Logger) {
	for event := range sub {
		e := logger.Info().Str("event", string(event.Type))
		for k, v := range event.Metadata {
			e = e.Str(k, v)
		}
		e.Msg(event.Message)
	}
}
