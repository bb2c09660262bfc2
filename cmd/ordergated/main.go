// Command ordergated runs the safety-gated order-brokering service: it
// wires the audit log, kill switch, risk engine, approval service, broker
// adapter, scheduler, and the HTTP + tool-call surfaces into a single
// long-running process.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ordergate/approval"
	"ordergate/audit"
	"ordergate/broker"
	"ordergate/config"
	"ordergate/core/types"
	gwauth "ordergate/gateway/auth"
	gwconfig "ordergate/gateway/config"
	"ordergate/gateway/middleware"
	"ordergate/gateway/routes"
	"ordergate/killswitch"
	"ordergate/metrics"
	"ordergate/observability/logging"
	telemetry "ordergate/observability/otel"
	"ordergate/riskengine"
	"ordergate/scheduler"
	"ordergate/simulator"
	"ordergate/toolserver"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("ordergated: %v", err)
	}
}

func run() error {
	var (
		cfgPath   string
		gwCfgPath string
	)
	flag.StringVar(&cfgPath, "config", "ordergated.yaml", "path to the service configuration")
	flag.StringVar(&gwCfgPath, "gateway-config", "", "path to the gateway HTTP listener configuration (defaults omitted)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnv()

	logger := logging.Setup("ordergated", cfg.Env, cfg.LogLevel, cfg.LogFile)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The config file seeds the OTLP settings; the standard OTEL_* variables
	// override when present.
	otlpEndpoint := cfg.OTel.Endpoint
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		otlpEndpoint = v
	}
	otlpHeaders := cfg.OTel.Headers
	if parsed := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(parsed) > 0 {
		otlpHeaders = parsed
	}
	insecure := cfg.OTel.Insecure
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "ordergated",
		Environment: cfg.Env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     cfg.OTel.Metrics,
		Traces:      cfg.OTel.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	auditDriver := audit.DriverSQLite
	if cfg.Audit.Driver == "postgres" {
		auditDriver = audit.DriverPostgres
	}
	auditStore, err := audit.Open(auditDriver, cfg.Audit.DSN)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}

	kill, err := killswitch.New(cfg.KillSwitch.StateFile, auditStore)
	if err != nil {
		return fmt.Errorf("init kill switch: %w", err)
	}

	approvals := approval.New(approval.Config{
		MaxProposals: cfg.Approval.MaxProposals,
		TokenTTL:     cfg.Approval.TokenTTL,
	}, auditStore)
	counters := approval.NewCounterStore()
	approvals.SetCounterStore(counters)

	var approvalSnapshots *approval.SnapshotStore
	if cfg.Approval.SnapshotPath != "" {
		approvalSnapshots, err = approval.OpenSnapshotStore(cfg.Approval.SnapshotPath)
		if err != nil {
			return fmt.Errorf("open approval snapshot store: %w", err)
		}
		defer approvalSnapshots.Close()
		restored, err := approvals.RestoreSnapshot(approvalSnapshots)
		if err != nil {
			return fmt.Errorf("restore approval snapshot: %w", err)
		}
		logger.Info("approval snapshot restored", "proposals", restored)
		flagged, err := approvals.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconcile restored proposals: %w", err)
		}
		if flagged > 0 {
			logger.Warn("reconciliation flagged submitted proposals without broker order ids", "count", flagged)
		}
	}

	riskPolicy, err := config.LoadRiskPolicy(cfg.RiskPolicy)
	if err != nil {
		return fmt.Errorf("load risk policy: %w", err)
	}
	riskEngine := riskengine.New(riskPolicy)

	// SIGHUP reloads the risk policy document without a restart.
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadCh:
				if err := riskEngine.Reload(cfg.RiskPolicy); err != nil {
					logger.Error("risk policy reload failed", "path", cfg.RiskPolicy, "error", err)
				} else {
					logger.Info("risk policy reloaded", "path", cfg.RiskPolicy)
				}
			}
		}
	}()

	sim := simulator.New(simulator.Defaults())

	brokerAdapter, err := buildBrokerAdapter(cfg)
	if err != nil {
		return fmt.Errorf("build broker adapter: %w", err)
	}

	submitter := broker.NewSubmitter(approvals, brokerAdapter, kill, auditStore, logger, broker.SubmitterConfig{
		CallTimeout: cfg.Broker.CallTimeout,
	})

	stats := metrics.NewStatistics(cfg.DataDir, metrics.DefaultThresholds())
	if err := stats.LoadSnapshot(); err != nil {
		logger.Warn("statistics snapshot load failed, starting empty", "error", err)
	}

	sched := scheduler.New(auditStore, logger)
	if err := sched.Register(scheduler.Job{
		ID:   scheduler.NewJobID("statistics-snapshot"),
		Name: "statistics-snapshot",
		Cron: "*/5 * * * *",
		Run: func(ctx context.Context, correlationID string) error {
			return stats.SaveSnapshot()
		},
	}); err != nil {
		return fmt.Errorf("register statistics-snapshot job: %w", err)
	}
	if approvalSnapshots != nil {
		if err := sched.Register(scheduler.Job{
			ID:   scheduler.NewJobID("approval-snapshot"),
			Name: "approval-snapshot",
			Cron: "*/5 * * * *",
			Run: func(ctx context.Context, correlationID string) error {
				return approvals.SaveSnapshot(approvalSnapshots)
			},
		}); err != nil {
			return fmt.Errorf("register approval-snapshot job: %w", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	toolDeps := toolserver.Deps{
		Approvals: approvals,
		Counters:  counters,
		Broker:    brokerAdapter,
		Risk:      riskEngine,
		Sim:       sim,
		Kill:      kill,
		Log:       auditStore,
	}
	registry := toolserver.NewRegistry()
	toolserver.RegisterDefaultTools(registry, toolDeps)
	rateLimiter := toolserver.NewRateLimiter(toolserver.DefaultRateLimitConfig())
	tools := toolserver.NewServer(registry, rateLimiter, auditStore, logger)

	gwDeps := routes.Deps{
		Approvals:    approvals,
		Counters:     counters,
		Broker:       brokerAdapter,
		Submitter:    submitter,
		Risk:         riskEngine,
		Sim:          sim,
		Kill:         kill,
		Stats:        stats,
		Log:          auditStore,
		MaxPolls:     cfg.Broker.MaxPolls,
		PollInterval: cfg.Broker.PollInterval,
	}

	gwCfg, err := gwconfig.Load(gwCfgPath)
	if err != nil {
		return fmt.Errorf("load gateway config: %w", err)
	}

	stdlogger := log.New(os.Stderr, "gateway: ", log.LstdFlags)

	authenticator := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:        gwCfg.Auth.Enabled,
		HMACSecret:     gwCfg.Auth.HMACSecret,
		Issuer:         gwCfg.Auth.Issuer,
		Audience:       gwCfg.Auth.Audience,
		ScopeClaim:     gwCfg.Auth.ScopeClaim,
		OptionalPaths:  gwCfg.Auth.OptionalPaths,
		AllowAnonymous: gwCfg.Auth.AllowAnonymous,
		ClockSkew:      gwCfg.Auth.ClockSkew,
	}, stdlogger)

	var noncePersistence gwauth.NoncePersistence
	if gwCfg.Security.NonceDBPath != "" {
		noncePersistence, err = gwauth.NewLevelDBNoncePersistence(gwCfg.Security.NonceDBPath)
		if err != nil {
			return fmt.Errorf("open nonce db: %w", err)
		}
	}
	apiKeyAuth := gwauth.NewAuthenticator(gwCfg.Security.APIKeySecrets, 2*time.Minute, 10*time.Minute, 4096, time.Now, noncePersistence)

	limits := make(map[string]middleware.RateLimit, len(gwCfg.RateLimits))
	for _, rl := range gwCfg.RateLimits {
		limits[rl.ID] = middleware.RateLimit{RatePerSecond: rl.RatePerSecond, Burst: rl.Burst}
	}
	rl := middleware.NewRateLimiter(limits, stdlogger)

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   gwCfg.Observability.ServiceName,
		MetricsPrefix: gwCfg.Observability.MetricsPrefix,
		LogRequests:   gwCfg.Observability.LogRequests,
		Enabled:       gwCfg.Observability.Metrics || gwCfg.Observability.Tracing,
	}, stdlogger)

	// The order-lifecycle collector registers against the same registry the
	// gateway's metrics endpoint serves.
	collector := metrics.NewCollector(obs.Registry())
	gwDeps.Metrics = collector

	handler := routes.New(routes.Config{
		Deps:          gwDeps,
		Authenticator: authenticator,
		APIKeyAuth:    apiKeyAuth,
		RateLimiter:   rl,
		Observability: obs,
		CORS:          middleware.CORSConfig{},
	})

	server := &http.Server{
		Addr:         gwCfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  gwCfg.ReadTimeout,
		WriteTimeout: gwCfg.WriteTimeout,
		IdleTimeout:  gwCfg.IdleTimeout,
	}

	listener, err := net.Listen("tcp", gwCfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if gwCfg.Security.TLSCertFile != "" && gwCfg.Security.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(gwCfg.Security.TLSCertFile, gwCfg.Security.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS keypair: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		})
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ordergated listening", "addr", gwCfg.ListenAddress, "env", cfg.Env)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	// The agent-facing tool-call surface is exposed out-of-band of the
	// HTTP route table: callers invoke it in-process or via whatever
	// transport embeds ordergated, not over this gateway's HTTP port. Keep
	// the constructed *toolserver.Server reachable for that embedding
	// rather than mounting it as a route.
	_ = tools

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if err := stats.SaveSnapshot(); err != nil {
		logger.Warn("final statistics snapshot failed", "error", err)
	}
	if approvalSnapshots != nil {
		if err := approvals.SaveSnapshot(approvalSnapshots); err != nil {
			logger.Warn("final approval snapshot failed", "error", err)
		}
	}
	return nil
}

// buildBrokerAdapter selects the broker.Adapter for the configured
// environment. No live wire protocol is bundled, so env=live gets an
// adapter that fails closed with broker.ErrBrokerUnavailable on every call
// rather than silently behaving like paper trading.
func buildBrokerAdapter(cfg config.Config) (broker.Adapter, error) {
	switch cfg.Env {
	case "live":
		return broker.FuncAdapter{
			PortfolioFunc: func(ctx context.Context, accountID string) (broker.PortfolioSnapshot, error) {
				return broker.PortfolioSnapshot{}, broker.ErrBrokerUnavailable
			},
			SubmitFunc: func(ctx context.Context, intent *types.OrderIntent) (broker.SubmittedOrder, error) {
				return broker.SubmittedOrder{}, broker.ErrBrokerUnavailable
			},
			PollFunc: func(ctx context.Context, brokerOrderID string) (broker.Status, error) {
				return "", broker.ErrBrokerUnavailable
			},
			CancelFunc: func(ctx context.Context, brokerOrderID string) error {
				return broker.ErrBrokerUnavailable
			},
		}, nil
	default:
		return broker.NewPaperAdapter(map[string]broker.PortfolioSnapshot{}), nil
	}
}
