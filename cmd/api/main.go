package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Amsterdam/brp-kennisgevingen-api/internal/audit"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/auth"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/config"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/delivery"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/engine"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/httpapi"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/matcher"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/metrics"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/mutation"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/notification"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/subscription"
	"github.com/Amsterdam/brp-kennisgevingen-api/pkg/logger"
	"github.com/Amsterdam/brp-kennisgevingen-api/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// envCredentials resolves delivery target auth refs to bearer tokens via
// environment variables (DELIVERY_CREDENTIAL_<REF>). Good enough until a
// secret store lands.
type envCredentials struct{}

func (envCredentials) Token(authRef string) (string, bool) {
	key := "DELIVERY_CREDENTIAL_" + strings.ToUpper(strings.ReplaceAll(authRef, "-", "_"))
	v := os.Getenv(key)
	return v, v != ""
}

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	m := metrics.New()

	subs := subscription.NewService(subscription.NewPostgresRepo(db))
	store := notification.NewPostgresStore(db)
	trail := audit.NewTrail(audit.NewPostgresRepo(db), cfg.Audit.BufferSize, cfg.Audit.FlushInterval, log, m)

	intake := mutation.NewIntake(
		cfg.Matcher.Workers,
		cfg.Intake.QueueSize,
		mutation.NewRedisDeduper(rdb, cfg.Intake.DedupTTL),
		log, m,
	)

	authz := matcher.NewRegisterAuthorizer(cfg.Authz.OwnerScopes, cfg.Authz.RestrictedPersons)
	match := matcher.New(subs, store, trail, authz, log, m)

	sender := delivery.NewHTTPSender(cfg.Delivery.Timeout, envCredentials{})
	policy := delivery.Policy{
		Base:        cfg.Delivery.RetryBase,
		Cap:         cfg.Delivery.RetryCap,
		Factor:      2.0,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		MaxElapsed:  cfg.Delivery.RetryWindow,
	}
	dispatcher := delivery.NewDispatcher(store, subs, sender, trail, policy, delivery.Options{
		Workers:      cfg.Delivery.Workers,
		PollInterval: cfg.Delivery.PollInterval,
		ClaimTTL:     cfg.Delivery.ClaimTTL,
		BatchSize:    cfg.Delivery.BatchSize,
	}, log, m)
	if cfg.Delivery.TargetInflight > 0 {
		dispatcher.SetLimiter(delivery.NewRedisLimiter(rdb, cfg.Delivery.TargetInflight, cfg.Delivery.ClaimTTL))
	}

	eng := &engine.Engine{
		Intake:     intake,
		Matcher:    match,
		Dispatcher: dispatcher,
		Audit:      trail,
		Log:        log,
	}
	if cfg.Feed.Enabled {
		feed, err := mutation.NewFeedConsumer(mutation.FeedConfig{
			Brokers: cfg.Feed.Brokers,
			Topic:   cfg.Feed.Topic,
			GroupID: cfg.Feed.GroupID,
		}, intake, log)
		if err != nil {
			log.Error("feed init failed", "err", err)
			os.Exit(1)
		}
		eng.Feed = feed
	}

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(rootCtx)
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Subscriptions: subs,
		Intake:        intake,
		Trail:         trail,
		IngestTimeout: cfg.Intake.EnqueueTimeout,
	}, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// The engine's audit trail drains its buffer on the way out.
	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine stopped with error", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
