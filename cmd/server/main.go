package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-onboarding/internal/audit"
	"github.com/pesio-ai/be-onboarding/internal/client"
	"github.com/pesio-ai/be-onboarding/internal/config"
	"github.com/pesio-ai/be-onboarding/internal/database"
	"github.com/pesio-ai/be-onboarding/internal/handler"
	"github.com/pesio-ai/be-onboarding/internal/logger"
	"github.com/pesio-ai/be-onboarding/internal/registry"
	"github.com/pesio-ai/be-onboarding/internal/repository"
	"github.com/pesio-ai/be-onboarding/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	level := cfg.Log.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	log := logger.New(logger.Config{
		Level:       level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Onboarding Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	// Initialize storage
	var (
		workflows repository.WorkflowStore
		processes repository.ProvisioningStore
		auditLog  repository.AuditStore
		deps      = map[string]handler.Pinger{}
	)
	if cfg.Database.DSN != "" {
		db, err := database.New(ctx, database.Config{
			DSN:         cfg.Database.DSN,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			HealthCheck: 30 * time.Second,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		if err := repository.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate database")
		}
		workflows = repository.NewWorkflowRepository(db)
		processes = repository.NewProvisioningRepository(db)
		auditLog = repository.NewAuditRepository(db)
		deps["postgres"] = db
		log.Info().Msg("Database connection established")
	} else {
		workflows = repository.NewMemoryWorkflowStore()
		processes = repository.NewMemoryProvisioningStore()
		auditLog = repository.NewMemoryAuditStore()
		log.Warn().Msg("No database configured, state is kept in memory")
	}

	recorder, err := audit.NewRecorder(auditLog, clock, audit.Config{
		RetentionDays:      cfg.Audit.RetentionDays,
		InternalCIDRs:      cfg.Audit.InternalCIDRs,
		BusinessHoursStart: cfg.Audit.BusinessHoursStart,
		BusinessHoursEnd:   cfg.Audit.BusinessHoursEnd,
		BurstWindow:        cfg.Audit.BurstWindow,
		BurstThreshold:     cfg.Audit.BurstThreshold,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid audit configuration")
	}

	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load stage registry")
	}
	log.Info().Strs("stages", reg.Stages()).Msg("Stage registry loaded")

	// Initialize notification and provisioning clients
	var (
		dispatcher client.NotificationDispatcher
		publisher  *client.NotificationPublisher
	)
	if cfg.NATS.URL != "" {
		publisher, err = client.ConnectNotificationPublisher(ctx, cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect notification publisher")
		}
		dispatcher = publisher
		log.Info().Str("url", cfg.NATS.URL).Msg("Notification publisher connected")
	} else {
		dispatcher = client.NewLogDispatcher(log)
		log.Warn().Msg("No NATS url configured, notifications are logged only")
	}

	var provisioner client.AccountProvisioner
	if cfg.Provisioning.BaseURL != "" {
		provisioner = client.NewAccountsClient(cfg.Provisioning.BaseURL, cfg.Provisioning.Timeout, log)
		log.Info().Str("base_url", cfg.Provisioning.BaseURL).Msg("Accounts client initialized")
	} else {
		provisioner = client.NewMemoryProvisioner()
		log.Warn().Msg("No accounts service configured, using in-process provisioner")
	}

	backoff, err := service.NewBackoffPolicy(cfg.Provisioning.BackoffStrategy, cfg.Provisioning.BackoffBase, cfg.Provisioning.MaxBackoff)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid provisioning backoff")
	}

	// Initialize services
	roles := client.NewStaticRoleProvider(cfg.Auth.Roles)
	engine := service.NewApprovalEngine(workflows, reg, recorder, roles, dispatcher, clock, log)
	orch := service.NewProvisioningOrchestrator(processes, workflows, recorder,
		service.DefaultSteps(provisioner, dispatcher, cfg.Provisioning.Assets, log),
		backoff, clock, log)
	engine.AddApprovalListener(orch)
	if publisher != nil {
		orch.AddCompletionListener(service.CompletionListenerFunc(func(ctx context.Context, p *repository.ProvisioningProcess) {
			if err := publisher.PublishEvent(ctx, "provisioning.completed", "provisioning_process", p.ID, map[string]any{
				"member_id":   p.MemberID,
				"workflow_id": p.WorkflowID,
			}); err != nil {
				log.Warn().Err(err).Str("process_id", p.ID).Msg("Failed to publish provisioning completion")
			}
		}))
	}
	monitor := service.NewEscalationMonitor(engine, reg, recorder, clock, cfg.Escalation.PollInterval, cfg.Escalation.PurgeInterval, log)

	// HTTP server
	proxies, err := handler.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid trusted proxies")
	}
	httpHandler := handler.NewHTTPHandler(engine, orch, recorder, proxies, log)
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.NewRouter(httpHandler, handler.RouterConfig{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RequestTimeout: cfg.Server.WriteTimeout,
		}, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC health server
	grpcHandler := handler.NewGRPCHandler(deps, 10*time.Second, log)
	grpcServer := grpcHandler.NewServer()
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return grpcHandler.Watch(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()

		// approval listeners may still be starting sagas
		engine.Wait()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Provisioning shutdown incomplete")
		}
		if publisher != nil {
			publisher.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server stopped")
}
