package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openverge/openverge/pkg/config"
	"github.com/openverge/openverge/pkg/engine"
	"github.com/openverge/openverge/pkg/events"
	"github.com/openverge/openverge/pkg/policy"
	"github.com/openverge/openverge/pkg/provision/artifact"
	"github.com/openverge/openverge/pkg/provision/deploy"
	"github.com/openverge/openverge/pkg/provision/postgres"
	"github.com/openverge/openverge/pkg/provision/secrets"
	"github.com/openverge/openverge/pkg/stores"
	"github.com/openverge/openverge/pkg/telemetry"
)

// runtime bundles everything a command needs to drive deployments.
type runtime struct {
	log      zerolog.Logger
	store    *stores.SQLiteStore
	checker  *policy.Checker
	loader   *config.Loader
	orch     *engine.Orchestrator
	cleanups []func()
}

// runtimeOptions selects which parts of the runtime a command needs.
type runtimeOptions struct {
	// collaborators builds the real provisioning collaborators. Commands
	// that only read state or run dry-runs leave this false so they work
	// without control plane credentials.
	collaborators bool
}

func defaultDBPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".openverge", "state.db")
	}
	return "verge.db"
}

func telemetryConfig(version string) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	cfg.Metrics.ListenAddress = metricsListen
	if exporter := os.Getenv("VERGE_TRACE_EXPORTER"); exporter != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = exporter
		cfg.Tracing.Endpoint = os.Getenv("VERGE_TRACE_ENDPOINT")
	}
	return cfg
}

// newRuntime wires logging, tracing, storage, policies and the
// orchestrator. Call close when done.
func newRuntime(ctx context.Context, version string, opts runtimeOptions) (*runtime, error) {
	tcfg := telemetryConfig(version)
	if err := tcfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return nil, err
	}

	rt := &runtime{log: logger, loader: config.NewLoader()}

	shutdown, err := telemetry.InitTracing(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	rt.cleanups = append(rt.cleanups, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	})

	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	if tcfg.Metrics.ListenAddress != "" {
		go serveMetrics(tcfg.Metrics.ListenAddress, metrics, logger)
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		rt.close()
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		rt.close()
		return nil, err
	}
	rt.store = store
	rt.cleanups = append(rt.cleanups, func() { _ = store.Close() })
	if err := store.Migrate(ctx); err != nil {
		rt.close()
		return nil, err
	}

	checker, err := policy.NewChecker(logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	if policyDir != "" {
		if err := policy.NewLoader(logger).LoadInto(ctx, policyDir, checker); err != nil {
			rt.close()
			return nil, err
		}
	}
	rt.checker = checker

	var publisher engine.EventPublisher
	if natsURL != "" {
		nats, err := events.NewNATSPublisher(events.NATSConfig{URL: natsURL}, logger)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.cleanups = append(rt.cleanups, nats.Close)
		publisher = nats
	}

	var collabs engine.Collaborators
	if opts.collaborators {
		collabs, err = buildCollaborators(ctx, rt, logger)
		if err != nil {
			rt.close()
			return nil, err
		}
	}

	orch, err := engine.NewOrchestrator(engine.Config{
		Store:         store,
		Collaborators: collabs,
		Artifacts:     artifact.NewVerifier(logger),
		Health:        deploy.NewHTTPHealthChecker(5 * time.Second),
		Requirements:  checker,
		Events:        publisher,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.orch = orch

	return rt, nil
}

// buildCollaborators constructs the real provisioning collaborators from
// the environment. The database provisioner is optional; the control plane
// is not.
func buildCollaborators(ctx context.Context, rt *runtime, logger zerolog.Logger) (engine.Collaborators, error) {
	var collabs engine.Collaborators

	if pgURL := os.Getenv("VERGE_PG_URL"); pgURL != "" {
		provisioner, err := postgres.NewProvisioner(ctx, postgres.Config{
			AdminURL:       pgURL,
			WorkerEndpoint: os.Getenv("VERGE_PG_WORKER_ENDPOINT"),
		}, logger)
		if err != nil {
			return collabs, fmt.Errorf("failed to create database provisioner: %w", err)
		}
		rt.cleanups = append(rt.cleanups, provisioner.Close)
		collabs.Database = provisioner
	}

	collabs.Secrets = secrets.NewDistributor(os.Getenv("VERGE_KEYRING_PREFIX"), logger)

	controlURL := os.Getenv("VERGE_CONTROL_URL")
	if controlURL == "" {
		return collabs, fmt.Errorf("VERGE_CONTROL_URL is required (or use --dry-run)")
	}
	deployer, err := deploy.NewDeployer(deploy.Config{
		ControlURL:     controlURL,
		Token:          os.Getenv("VERGE_CONTROL_TOKEN"),
		StoreEndpoint:  os.Getenv("VERGE_STORE_ENDPOINT"),
		StoreAccessKey: os.Getenv("VERGE_STORE_ACCESS_KEY"),
		StoreSecretKey: os.Getenv("VERGE_STORE_SECRET_KEY"),
		StoreBucket:    os.Getenv("VERGE_STORE_BUCKET"),
		StoreSecure:    os.Getenv("VERGE_STORE_INSECURE") == "",
	}, logger)
	if err != nil {
		return collabs, fmt.Errorf("failed to create worker deployer: %w", err)
	}
	collabs.Deployer = deployer

	return collabs, nil
}

func serveMetrics(addr string, metrics *telemetry.Metrics, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

func (rt *runtime) close() {
	for i := len(rt.cleanups) - 1; i >= 0; i-- {
		rt.cleanups[i]()
	}
}
