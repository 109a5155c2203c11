package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/xela07ax/governor/internal/admission"
	"github.com/xela07ax/governor/internal/audit"
	"github.com/xela07ax/governor/internal/catalog"
	"github.com/xela07ax/governor/internal/classifier"
	"github.com/xela07ax/governor/internal/console/handler"
	"github.com/xela07ax/governor/internal/console/server"
	"github.com/xela07ax/governor/internal/console/service"
	"github.com/xela07ax/governor/internal/engine"
	"github.com/xela07ax/governor/internal/health"
	"github.com/xela07ax/governor/internal/infra"
	"github.com/xela07ax/governor/internal/infra/auth"
	"github.com/xela07ax/governor/internal/policy"
	"github.com/xela07ax/governor/internal/quota"
	"github.com/xela07ax/governor/internal/repository/postgres"
	"github.com/xela07ax/governor/internal/sink"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("governor stopped with error", zap.Error(err))
	}
	logger.Info("governor exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст живет до SIGINT/SIGTERM
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура
	db, err := postgres.Open(cfg.Database.URL, int(cfg.Database.MaxConns), int(cfg.Database.MinConns))
	if err != nil {
		return err
	}
	repo := postgres.New(db)
	defer repo.Close()

	pingCtx, cancel := context.WithTimeout(appCtx, 5*time.Second)
	err = repo.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Best-effort запись и журнал
	store := sink.New(sink.Settings{
		Timeout:     cfg.Engine.StoreTimeout,
		Attempts:    cfg.Engine.RetryAttempts,
		MaxRequests: cfg.Engine.CBMaxRequests,
		Interval:    cfg.Engine.CBInterval,
		OpenTimeout: cfg.Engine.CBTimeout,
		MaxFailures: cfg.Engine.CBMaxFailures,
	}, metrics, logger)

	agentFS := audit.NewAgentFS(repo, store, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
	}, logger)
	agentFS.OnDrop(metrics.AuditDropped.Inc)
	agentFS.Start()
	defer agentFS.Stop()

	// 3. Control Plane: политики, квоты, паузы
	policies := policy.NewStore(repo, rdb, policy.Options{
		TTL:     cfg.Engine.PolicyTTL,
		Timeout: cfg.Engine.StoreTimeout,
	}, logger)

	agents := catalog.New(nil)
	for tenantID, byAgent := range cfg.Engine.CategoryOverrides {
		for agentType, category := range byAgent {
			agents.Override(tenantID, agentType, category)
		}
	}

	ledger := quota.NewRedisLedger(rdb, logger, time.Now)

	pauses := engine.NewPauseManager(rdb, cfg.Engine.PausedAgents, logger)
	if err := pauses.Init(appCtx); err != nil {
		return fmt.Errorf("init pause manager: %w", err)
	}

	cls := classifier.New(policies, ledger, agents, repo, agentFS, store, classifier.Options{
		LedgerTimeout: cfg.Engine.StoreTimeout,
		ApprovalTTL:   cfg.Engine.ApprovalTTL,
	}, logger).WithObserver(metrics)

	gate := admission.NewGate(policies, ledger, pauses, cfg.Engine.StoreTimeout, logger).
		WithObserver(metrics).
		WithRuns(quota.NewRedisRunLog(rdb, quota.DefaultRunTTL, logger))

	// 4. Супервизор здоровья
	alerter := engine.NewRedisAlerter(rdb, cfg.Health.AlertsPerMin, logger)
	alerter.OnDrop(metrics.AlertsDropped.Inc)

	applier := engine.NewDirectiveApplier(policies, pauses, alerter, agentFS, metrics, !cfg.Health.ApplyDirective, logger)
	supervisor := engine.NewSupervisor(repo, policies, ledger, applier, repo, metrics, engine.SupervisorOptions{
		Interval:     cfg.Health.Interval,
		Window:       cfg.Health.MetricsWindow,
		ErrorsLimit:  cfg.Health.ErrorsLimit,
		StoreTimeout: cfg.Engine.StoreTimeout,
		Thresholds:   health.DefaultThresholds,
	}, logger)

	// 5. Периметр
	var validator auth.TokenValidator
	if cfg.Auth.Enabled {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return fmt.Errorf("auth public key: %w", err)
		}
		validator = auth.NewBaseValidator(pub)
	} else {
		logger.Warn("auth is disabled, API is open")
	}

	var limiter *rate.Limiter
	if cfg.Limits.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Limits.RPS), cfg.Limits.Burst)
	}

	console := server.NewConsoleServer(logger, validator, limiter, server.Handlers{
		Governance: handler.NewGovernanceHandler(cls, gate,
			service.NewUsageService(gate, repo, store, logger), ledger, logger),
		Policy:   handler.NewPolicyHandler(service.NewPolicyService(policies, agentFS, logger)),
		Approval: handler.NewApprovalHandler(service.NewApprovalService(repo, agentFS, logger)),
		Health:   handler.NewHealthHandler(supervisor, store, health.DefaultThresholds),
		Agent:    handler.NewAgentHandler(pauses, logger),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	interceptors := []grpc.UnaryServerInterceptor{engine.UnaryTracingInterceptor}
	if validator != nil {
		interceptors = append(interceptors, engine.UnaryAuthInterceptor(validator, logger))
	}
	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	engine.NewGRPCServer(cls, gate, logger).Register(grpcSrv)

	// 6. Запуск
	g, gctx := errgroup.WithContext(appCtx)

	g.Go(func() error {
		pauses.StartListener(gctx)
		return nil
	})
	g.Go(func() error {
		policies.StartListener(gctx)
		return nil
	})
	g.Go(func() error {
		watchAuditBuffer(gctx, agentFS, metrics)
		return nil
	})

	supervisor.Start(gctx)
	defer supervisor.Stop()

	g.Go(func() error {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("metrics started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info("gRPC server started", zap.Int("port", cfg.GRPC.Port))
		return grpcSrv.Serve(lis)
	})

	// 7. Graceful Shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("governor stopping...")

		// Даем 5 секунд на завершение запросов
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		grpcSrv.GracefulStop()
		_ = metricsSrv.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// watchAuditBuffer публикует заполненность буфера журнала.
func watchAuditBuffer(ctx context.Context, fs *audit.AgentFS, m *engine.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.AuditBufferFill.Set(float64(fs.Pending()))
		}
	}
}
