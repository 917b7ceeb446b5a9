package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"passage/internal/dispatch"
	"passage/internal/identity/oauthflow"
	"passage/internal/identity/remote"
	"passage/internal/monitor"
	"passage/internal/platform/config"
	"passage/internal/platform/httpserver"
	"passage/internal/platform/logger"
	"passage/internal/platform/metrics"
	platformredis "passage/internal/platform/redis"
	"passage/internal/session"
	"passage/internal/session/cache"
	"passage/internal/session/reason"
	httptransport "passage/internal/transport/http"
)

const verificationPollInterval = 30 * time.Second

// main wires dependencies and owns the process lifecycle. Business logic
// lives in the internal packages.
func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := platformredis.New(ctx, cfg.Redis.URL,
		platformredis.WithPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns),
		platformredis.WithTimeouts(cfg.Redis.DialTimeout, cfg.Redis.ReadTimeout, cfg.Redis.WriteTimeout),
	)
	if err != nil {
		return err
	}

	var (
		sessions cache.Store
		reasons  reason.Store
	)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
		sessions = cache.NewRedisStore(rdb.Client)
		reasons = reason.NewRedisStore(rdb.Client)
		log.Info("using redis-backed stores")
	} else {
		sessions = cache.NewMemoryStore()
		reasons = reason.NewMemoryStore()
		log.Info("redis not configured, using in-memory stores")
	}

	var reporter monitor.Reporter = monitor.Noop{}
	if len(cfg.Monitor.Brokers) > 0 {
		kafka, err := monitor.NewKafka(cfg.Monitor.Brokers, cfg.Monitor.Topic, log)
		if err != nil {
			return err
		}
		defer kafka.Close()
		reporter = kafka
	}

	identityClient := remote.New(
		cfg.Identity.URL,
		cfg.Identity.APIKey,
		cfg.Identity.Timeout,
		log,
		remote.WithMetrics(m),
	)

	store := session.NewStore(identityClient, log,
		session.WithMetrics(m),
		session.WithMonitor(reporter),
		session.WithReasonRecorder(reasons),
	)
	defer store.Close()

	if appErr := store.Initialize(ctx); appErr != nil {
		// A failed startup fetch is not fatal: the store holds the classified
		// error and sign-in recovers from it.
		log.Warn("session initialization failed", "code", string(appErr.Code))
	}

	handler := httptransport.NewHandler(httptransport.Config{
		Store:        store,
		Dispatcher:   dispatch.NewDispatcher(store, log, dispatch.WithMonitor(reporter)),
		Source:       identityClient,
		Sessions:     sessions,
		Reasons:      reasons,
		Flows:        oauthFlows(cfg.Identity),
		Logger:       log,
		CookieSecure: cfg.Server.CookieSecure,
	})

	checks := map[string]httptransport.HealthChecker{}
	if rdb != nil {
		checks["redis"] = rdb
	}
	router := httptransport.NewRouter(handler, httptransport.RouterConfig{
		Logger: log,
		Checks: checks,
	})

	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := identityClient.RunRefresher(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := store.RunVerificationPoll(gctx, verificationPollInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// oauthFlows builds the provider sign-in flows from config. Only google is
// configured for now; an empty client ID disables the routes.
func oauthFlows(cfg config.Identity) map[string]*oauthflow.Flow {
	if cfg.OAuthClientID == "" {
		return nil
	}
	return map[string]*oauthflow.Flow{
		"google": oauthflow.New(oauthflow.Config{
			Provider:     "google",
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			RedirectURL:  cfg.OAuthRedirectURL,
			AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			Scopes:       []string{"openid", "email", "profile"},
		}),
	}
}
