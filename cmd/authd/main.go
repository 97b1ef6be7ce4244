package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bastion-sec/bastion/internal/auth"
	"github.com/bastion-sec/bastion/internal/background"
	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/config"
	"github.com/bastion-sec/bastion/internal/handlers"
	middlewareCustom "github.com/bastion-sec/bastion/internal/middleware"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/routes"
	"github.com/bastion-sec/bastion/internal/services"
	"github.com/bastion-sec/bastion/internal/store"
	"github.com/bastion-sec/bastion/internal/store/memory"
	"github.com/bastion-sec/bastion/internal/store/postgres"
	redisstore "github.com/bastion-sec/bastion/internal/store/redis"
	"github.com/bastion-sec/bastion/internal/store/ses"
	pkghttp "github.com/bastion-sec/bastion/pkg/http"
	"github.com/bastion-sec/bastion/pkg/policy"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	clk := clock.Real{}

	// Postgres holds sessions, enrollments, challenges, credentials, and the
	// audit record.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := postgres.Connect(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns, logger)
	cancel()
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Redis backs the shared atomic counters for lockout
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	atomicStore := redisstore.NewAtomicStore(redisClient)
	sessionStore := postgres.NewSessionStore(db)
	challengeStore := postgres.NewChallengeStore(db)
	enrollmentStore := postgres.NewEnrollmentStore(db)
	credentialStore := postgres.NewCredentialStore(db)
	eventSink := postgres.NewEventSink(db)

	var channel store.MessageChannel
	if cfg.Delivery.Mode == "ses" {
		sesCtx, sesCancel := context.WithTimeout(context.Background(), 10*time.Second)
		channel, err = ses.NewChannel(sesCtx, cfg.Delivery.SESRegion, cfg.Delivery.FromAddress, logger)
		sesCancel()
		if err != nil {
			logger.Error("failed to initialize delivery channel", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		channel = memory.NewChannel(logger)
	}

	totpManager, err := auth.NewTOTPManager(cfg.Challenge.EncryptionKey, cfg.Challenge.TOTPIssuer, auth.TOTPConfig{
		Period: cfg.Challenge.TOTPPeriod,
		Skew:   cfg.Challenge.TOTPSkew,
	})
	if err != nil {
		logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
		os.Exit(1)
	}

	tokenManager := auth.NewSessionTokenManager(cfg.Session.HandleSecret)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 100, RandomDelayMs: 100})

	auditService := services.NewAuditService(eventSink, clk, logger, services.AuditConfig{
		MaxRetries:             cfg.Audit.MaxRetries,
		BaseBackoff:            cfg.Audit.BaseBackoff,
		MaxBackoff:             cfg.Audit.MaxBackoff,
		Retention:              cfg.Audit.Retention,
		BruteForceThreshold:    10,
		BruteForceWindow:       5 * time.Minute,
		StuffingOriginMinUsers: 5,
		StuffingWindow:         10 * time.Minute,
		SessionAnomalyOrigins:  3,
		SessionAnomalyWindow:   15 * time.Minute,
	})

	lockoutService := services.NewLockoutService(atomicStore, auditService, clk, logger, services.LockoutConfig{
		Threshold:       cfg.Lockout.Threshold,
		WarningAt:       cfg.Lockout.WarningAt,
		Window:          cfg.Lockout.Window,
		BaseDuration:    cfg.Lockout.BaseDuration,
		Multiplier:      cfg.Lockout.Multiplier,
		MaxDuration:     cfg.Lockout.MaxDuration,
		MFAShareCounter: cfg.Lockout.MFAShareCounter,
		MFAWeight:       cfg.Lockout.MFAWeight,
	})

	riskConfig := services.DefaultRiskConfig()
	riskConfig.Threshold = cfg.Session.RiskThreshold
	sessionService := services.NewSessionService(sessionStore, auditService, clk, logger, services.SessionConfig{
		MaxActivePerIdentity: cfg.Session.MaxActive,
		EvictionPolicy:       cfg.Session.EvictionPolicy,
		IdleTimeout:          cfg.Session.IdleTimeout,
		AbsoluteTimeout:      cfg.Session.AbsoluteTimeout,
		Risk:                 riskConfig,
	})

	providers := map[models.MethodKind]services.ChallengeProvider{
		models.MethodTimeBased: services.NewTOTPProvider(enrollmentStore, totpManager, clk),
		models.MethodOutOfBand: services.NewOOBProvider(challengeStore, enrollmentStore, channel, clk, services.OOBConfig{
			CodeLength: cfg.Challenge.OOBCodeLength,
			TTL:        cfg.Challenge.OOBTTL,
			Subject:    "Your verification code",
		}),
	}
	challengeService := services.NewChallengeService(providers, enrollmentStore, totpManager, lockoutService, auditService, clk, logger, services.ChallengeConfig{
		BackupCodeCount:  cfg.Challenge.BackupCodeCount,
		BackupCodeLength: cfg.Challenge.BackupCodeLength,
	})

	policyConfig := policy.DefaultConfig()
	policyConfig.MinLength = cfg.Policy.MinLength
	policyConfig.MaxLength = cfg.Policy.MaxLength
	policyConfig.HistoryDepth = cfg.Policy.HistoryDepth
	policyConfig.MaxRun = cfg.Policy.MaxRun
	policyConfig.MaxAge = cfg.Policy.MaxAge
	validator := policy.New(policyConfig)

	credentialService := services.NewCredentialService(
		credentialStore, validator, lockoutService, sessionService,
		auditService, timingDelay, clk, logger, cfg.Policy.HistoryDepth,
	)

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}

	authHandler := handlers.NewAuthHandler(credentialService, challengeService, sessionService, tokenManager, ipConfig)
	mfaHandler := handlers.NewMFAHandler(challengeService, sessionService, tokenManager, authHandler, ipConfig)
	sessionHandler := handlers.NewSessionHandler(sessionService)
	auditHandler := handlers.NewAuditHandler(auditService, lockoutService, clk)

	// Background workers
	scanner := background.NewAnomalyScanner(auditService, lockoutService, clk, logger,
		cfg.Audit.ScanInterval, cfg.Audit.ScanLookback, cfg.Audit.EscalateFindings)
	sweeper := background.NewSweeper(sessionService, challengeStore, auditService, clk, logger,
		cfg.Session.SweepInterval, cfg.Audit.Retention)
	scanner.Start()
	sweeper.Start()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, authHandler, mfaHandler, sessionHandler, auditHandler, tokenManager, sessionService, ipConfig)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := db.Pool.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","redis":"down"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	scanner.Stop()
	sweeper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}
