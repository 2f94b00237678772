// Riskflow server — runs the supply-chain risk pipeline: HTTP gateways,
// stream workers, polling connectors, and the LLM classification adapter,
// selected by role.
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
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	echo "github.com/labstack/echo/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/riskflow-io/riskflow/pkg/bus"
	"github.com/riskflow-io/riskflow/pkg/classifier"
	"github.com/riskflow-io/riskflow/pkg/config"
	"github.com/riskflow-io/riskflow/pkg/connector"
	"github.com/riskflow-io/riskflow/pkg/dedup"
	"github.com/riskflow-io/riskflow/pkg/domain"
	"github.com/riskflow-io/riskflow/pkg/gateway"
	"github.com/riskflow-io/riskflow/pkg/ingest"
	"github.com/riskflow-io/riskflow/pkg/llmadapter"
	"github.com/riskflow-io/riskflow/pkg/mitigation"
	"github.com/riskflow-io/riskflow/pkg/notify"
	"github.com/riskflow-io/riskflow/pkg/pipeline"
	"github.com/riskflow-io/riskflow/pkg/planning"
	"github.com/riskflow-io/riskflow/pkg/risk"
	"github.com/riskflow-io/riskflow/pkg/version"
	"github.com/riskflow-io/riskflow/pkg/worker"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Roles a process can run. "all" runs everything in one process; the
// split roles exist for horizontal scaling.
const (
	roleAll             = "all"
	roleIngestGateway   = "ingest-gateway"
	rolePlanningGateway = "planning-gateway"
	roleLLMAdapter      = "llm-adapter"
	roleWorkers         = "workers"
	roleConnectors      = "connectors"
)

func main() {
	configPath := flag.String("config",
		getEnv("RISKFLOW_CONFIG", config.DefaultConfigFile),
		"Path to riskflow.yaml")
	role := flag.String("role", getEnv("RISKFLOW_ROLE", roleAll),
		"Role to run: all, ingest-gateway, planning-gateway, llm-adapter, workers, connectors")
	registryPath := flag.String("connectors",
		"", "Connector registry JSON (overrides the config file setting)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	if err := run(*configPath, *role, *registryPath); err != nil {
		slog.Error("Riskflow exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, role, registryOverride string) error {
	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, configPath)
	if err != nil {
		return err
	}

	roles, err := resolveRoles(role)
	if err != nil {
		return err
	}
	slog.Info("Starting riskflow", "version", version.Full(), "roles", strings.Join(roles, ","))

	// 2. Connect to Redis and build the event bus
	redisOpts, err := redis.ParseURL(cfg.Transport.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.Transport.RedisURL, err)
	}
	slog.Info("Connected to redis", "url", cfg.Transport.RedisURL)

	eventBus, err := bus.NewRedisBus(client, bus.RedisBusOptions{
		MaxLen: cfg.Transport.MaxStreamLen,
	})
	if err != nil {
		return err
	}

	a := &app{cfg: cfg, client: client, bus: eventBus}

	// 3. Build the selected roles
	for _, r := range roles {
		switch r {
		case roleIngestGateway:
			a.addIngestGateway()
		case rolePlanningGateway:
			a.addPlanningGateway()
		case roleLLMAdapter:
			a.addLLMAdapter()
		case roleWorkers:
			if err := a.addWorkers(ctx); err != nil {
				return err
			}
		case roleConnectors:
			if err := a.addConnectors(ctx, registryOverride); err != nil {
				return err
			}
		}
	}

	return a.runUntilSignalled(ctx, registryOverride)
}

func resolveRoles(role string) ([]string, error) {
	if role == roleAll {
		return []string{
			roleIngestGateway, rolePlanningGateway, roleLLMAdapter,
			roleWorkers, roleConnectors,
		}, nil
	}
	var roles []string
	for _, r := range strings.Split(role, ",") {
		switch r = strings.TrimSpace(r); r {
		case roleIngestGateway, rolePlanningGateway, roleLLMAdapter, roleWorkers, roleConnectors:
			roles = append(roles, r)
		default:
			return nil, fmt.Errorf("unknown role %q", r)
		}
	}
	return roles, nil
}

// app holds everything the process is running, for ordered shutdown.
type app struct {
	cfg    *config.Config
	client *redis.Client
	bus    *bus.RedisBus

	servers    []*http.Server
	workers    []*worker.Worker
	supervisor *connector.Supervisor
}

func (a *app) addServer(addr string, register func(e *echo.Echo)) {
	e := echo.New()
	register(e)
	a.servers = append(a.servers, &http.Server{
		Addr:              addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	})
}

func (a *app) addIngestGateway() {
	gw := gateway.NewIngestServer(a.bus, gateway.Config{
		MaxConcurrency:  a.cfg.IngestGateway.MaxConcurrency,
		MaxQueueSize:    a.cfg.IngestGateway.MaxQueueSize,
		MaxRequestBytes: a.cfg.IngestGateway.MaxRequestBytes,
		AuthToken:       a.cfg.IngestGateway.AuthToken(),
	})
	a.addServer(a.cfg.IngestGateway.Addr, gw.Register)
	slog.Info("Ingest gateway configured", "addr", a.cfg.IngestGateway.Addr)
}

func (a *app) addPlanningGateway() {
	gw := gateway.NewPlanningServer(a.bus, gateway.Config{
		MaxConcurrency:  a.cfg.PlanningGateway.MaxConcurrency,
		MaxQueueSize:    a.cfg.PlanningGateway.MaxQueueSize,
		MaxRequestBytes: a.cfg.PlanningGateway.MaxRequestBytes,
		AuthToken:       a.cfg.PlanningGateway.AuthToken(),
	})
	a.addServer(a.cfg.PlanningGateway.Addr, gw.Register)
	slog.Info("Planning gateway configured", "addr", a.cfg.PlanningGateway.Addr)
}

func (a *app) addLLMAdapter() {
	srv := llmadapter.NewServer(a.newLLMClient(), llmadapter.ServerConfig{
		MaxConcurrency: a.cfg.LLMAdapter.MaxConcurrency,
		MaxQueueSize:   a.cfg.LLMAdapter.MaxQueueSize,
	})
	a.addServer(a.cfg.LLMAdapter.Addr, srv.Register)
	slog.Info("LLM adapter configured",
		"addr", a.cfg.LLMAdapter.Addr, "upstream", a.cfg.Classifier.LLMEndpoint)
}

func (a *app) newLLMClient() *llmadapter.Client {
	return llmadapter.NewClient(llmadapter.ClientConfig{
		BaseURL:        a.cfg.Classifier.LLMEndpoint,
		APIKey:         a.cfg.Classifier.LLMAPIKey(),
		Model:          a.cfg.Classifier.Model,
		Timeout:        a.cfg.Classifier.Timeout,
		MaxRetries:     a.cfg.Classifier.MaxRetries,
		RetryBaseDelay: a.cfg.Classifier.RetryBaseDelay,
	})
}

func (a *app) newClassifier() classifier.Classifier {
	if a.cfg.Classifier.Mode == string(classifier.ModeLLM) {
		return classifier.NewLLM(a.newLLMClient(), a.cfg.Classifier.Model, a.cfg.Classifier.Timeout)
	}
	return classifier.NewRuleBased("")
}

func (a *app) newRouter() *notify.Router {
	router := notify.NewRouter()
	router.RegisterChannel(notify.NewLogChannel())
	if a.cfg.Notifications.SlackEnabled {
		router.RegisterChannel(notify.NewSlackChannel(
			a.cfg.Notifications.SlackToken(), a.cfg.Notifications.SlackChannel))
		slog.Info("Slack notifications enabled", "channel", a.cfg.Notifications.SlackChannel)
	}
	for severity, channels := range a.cfg.Notifications.Routes {
		router.SetRoute(severity, channels...)
	}
	router.SetFallback(a.cfg.Notifications.Fallback...)
	return router
}

// addWorkers builds one worker per pipeline stage.
func (a *app) addWorkers(ctx context.Context) error {
	dedupStore := dedup.NewRedisStore(a.client, a.cfg.Transport.DedupTTL)
	attempts := worker.NewRedisAttemptStore(a.client, a.cfg.Transport.RetryKeyTTL)
	store := planning.NewRedisStore(a.client)

	ingestSvc := ingest.NewService(a.bus, dedupStore, nil, ingest.Config{})

	stages := []struct {
		stream  string
		group   string
		handler worker.Handler
	}{
		{domain.StreamRawInputSignals, pipeline.GroupIngestion,
			pipeline.NewIngestionHandler(ingestSvc)},
		{domain.StreamExternalSignals, pipeline.GroupClassification,
			pipeline.NewClassificationHandler(a.newClassifier(), a.bus, pipeline.ClassificationConfig{
				ConfidenceThreshold: a.cfg.Classifier.ConfidenceThreshold,
			})},
		{domain.StreamClassifiedEvents, pipeline.GroupRiskEngine,
			pipeline.NewRiskHandler(risk.NewWeightedEvaluator(), a.bus, "")},
		{domain.StreamRiskEvaluations, pipeline.GroupMitigation,
			pipeline.NewMitigationHandler(mitigation.NewTemplatePlanner(), a.bus, "")},
		{domain.StreamMitigationPlans, pipeline.GroupNotification,
			pipeline.NewNotificationHandler(a.newRouter(), a.bus, "")},
		{domain.StreamShipmentPlans, pipeline.GroupShipmentUpsert,
			pipeline.NewShipmentUpsertHandler(store)},
		{domain.StreamInventorySnapshots, pipeline.GroupInventoryUpsert,
			pipeline.NewInventoryUpsertHandler(store)},
		{domain.StreamMitigationPlans, pipeline.GroupPlanningImpact,
			pipeline.NewImpactHandler(planning.NewImpact(store, a.bus))},
	}

	for _, stage := range stages {
		w := worker.New(a.bus, attempts, stage.handler, worker.Config{
			Stream:        stage.stream,
			Group:         stage.group,
			BatchSize:     a.cfg.Transport.BatchSize,
			Block:         a.cfg.Transport.Block,
			MaxDeliveries: a.cfg.Transport.MaxDeliveries,
			RetryBackoff:  a.cfg.Worker.RetryBackoff,
		})
		if err := w.Init(ctx); err != nil {
			return fmt.Errorf("init worker %s/%s: %w", stage.stream, stage.group, err)
		}
		a.workers = append(a.workers, w)
	}
	slog.Info("Pipeline workers configured", "count", len(a.workers))
	return nil
}

func (a *app) addConnectors(ctx context.Context, registryOverride string) error {
	a.supervisor = connector.NewSupervisor(
		connector.Deps{
			Publisher: a.bus,
			State:     connector.NewRedisStateStore(a.client),
		},
		connector.NewRedisLeaseManager(a.client),
		connector.NewRedisMetricsCollector(a.client),
	)

	registry, err := a.loadRegistry(registryOverride)
	if err != nil {
		return err
	}
	a.supervisor.Apply(ctx, registry)
	slog.Info("Connectors configured", "running", a.supervisor.Running())
	return nil
}

func (a *app) loadRegistry(registryOverride string) ([]connector.Config, error) {
	path := registryOverride
	if path == "" {
		path = a.cfg.Connectors.RegistryPath
	}
	if path != "" {
		return connector.LoadRegistryFile(path)
	}
	return connector.LoadRegistryEnv()
}

// runUntilSignalled starts everything and blocks until SIGINT/SIGTERM or a
// server failure. SIGHUP reloads the connector registry in place.
func (a *app) runUntilSignalled(ctx context.Context, registryOverride string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, w := range a.workers {
		w.Start(runCtx)
	}

	g, _ := errgroup.WithContext(runCtx)
	serverErr := make(chan error, len(a.servers))
	for _, srv := range a.servers {
		g.Go(func() error {
			slog.Info("HTTP server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("server %s: %w", srv.Addr, err)
				return err
			}
			return nil
		})
	}

	slog.Info("Riskflow started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				a.reloadConnectors(runCtx, registryOverride)
				continue
			}
			slog.Info("Shutdown signal received", "signal", sig)
			break loop
		case err := <-serverErr:
			slog.Error("Server error triggered shutdown", "error", err)
			break loop
		}
	}

	a.shutdown(ctx)
	_ = g.Wait()
	slog.Info("Shutdown complete")
	return nil
}

func (a *app) reloadConnectors(ctx context.Context, registryOverride string) {
	if a.supervisor == nil {
		slog.Warn("SIGHUP received but no connectors are running")
		return
	}
	registry, err := a.loadRegistry(registryOverride)
	if err != nil {
		slog.Error("Connector registry reload failed, keeping current set", "error", err)
		return
	}
	a.supervisor.Apply(ctx, registry)
	slog.Info("Connector registry reloaded", "running", a.supervisor.Running())
}

// shutdown stops in dependency order: gateways stop accepting first, workers
// finish their in-flight message, connectors release their leases, and the
// bus closes last.
func (a *app) shutdown(ctx context.Context) {
	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, srv := range a.servers {
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("HTTP server shutdown error", "addr", srv.Addr, "error", err)
		}
	}

	for _, w := range a.workers {
		w.Stop()
	}
	if len(a.workers) > 0 {
		slog.Info("Pipeline workers stopped")
	}

	if a.supervisor != nil {
		a.supervisor.StopAll()
		slog.Info("Connectors stopped")
	}

	if err := a.bus.Close(); err != nil {
		slog.Error("Error closing event bus", "error", err)
	}
}
