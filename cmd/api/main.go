package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"usergate.dev/internal/audit"
	"usergate.dev/internal/auth"
	"usergate.dev/internal/config"
	"usergate.dev/internal/httpapi"
	"usergate.dev/internal/obs"
	"usergate.dev/internal/ratelimit"
	"usergate.dev/internal/store/memory"
	"usergate.dev/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg := config.Load()
	obs.Configure(cfg.LogLevel, cfg.LogFormat)
	log := obs.Logger()
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, closeStore, err := openStore(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer closeStore()

	codec := auth.NewCodec(cfg.AccessSecret, cfg.RefreshSecret, auth.WithIssuer(cfg.Issuer))
	svc, err := auth.NewService(store, codec,
		auth.WithHasher(auth.BcryptHasher{Cost: cfg.BcryptCost}),
		auth.WithLogger(log),
		auth.WithTokenTTLs(cfg.AccessTTL, cfg.RefreshTTL),
	)
	if err != nil {
		log.WithError(err).Fatal("build service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter, closeLimiter := buildLimiter(ctx, cfg, log)
	defer closeLimiter()

	go runReaper(ctx, svc, cfg.ReapInterval, log)

	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		log.WithError(err).Fatal("trusted proxies")
	}

	// HTTP API
	api := httpapi.New(svc,
		httpapi.WithLimiter(limiter),
		httpapi.WithReadyProbe(httpapi.ReadyProbe{Backend: store}),
		httpapi.WithVersion(version),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithTrustedProxies(trusted),
		httpapi.WithLogger(log),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC health + auth
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.WithError(err).Fatal("grpc listen")
	}
	grpcSrv, health := httpapi.NewGRPC(svc, httpapi.ReadyProbe{Backend: store})
	go health.Run(ctx, 10*time.Second)

	log.WithFields(logrus.Fields{
		"version": version,
		"http":    cfg.HTTPAddr,
		"grpc":    cfg.GRPCAddr,
		"limiter": cfg.RateLimitMode,
	}).Info("usergate_starting")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http listen")
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.WithError(err).Error("grpc serve")
		}
	}()

	<-ctx.Done()
	log.Info("usergate_shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	grpcSrv.GracefulStop()
	log.Info("usergate_stopped")
}

// openStore connects to PostgreSQL, or falls back to the in-memory store
// when no DSN is configured (local development only: nothing survives a restart).
func openStore(cfg *config.Config, log *logrus.Logger) (auth.Store, func(), error) {
	if cfg.PGDSN == "" {
		log.Warn("USERGATE_PG_DSN is empty, using the in-memory store")
		return memory.New(), func() {}, nil
	}
	s, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

// buildLimiter picks the rate limiter for the configured mode. In-process
// limiters get a background sweeper; the Redis client is closed on exit.
func buildLimiter(ctx context.Context, cfg *config.Config, log *logrus.Logger) (ratelimit.Limiter, func()) {
	noop := func() {}
	switch cfg.RateLimitMode {
	case config.RateLimitOff:
		return nil, noop
	case config.RateLimitBucket:
		l := ratelimit.NewBucket(cfg.RateLimitMax, cfg.RateLimitWindow)
		go ratelimit.RunSweeper(ctx, l, time.Minute)
		return l, noop
	case config.RateLimitRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// the limiter fails open, so a cold Redis does not block startup
			log.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis_unreachable")
		}
		return ratelimit.NewRedis(rdb, cfg.RateLimitMax, cfg.RateLimitWindow), func() { _ = rdb.Close() }
	default:
		l := ratelimit.NewWindow(cfg.RateLimitMax, cfg.RateLimitWindow)
		go ratelimit.RunSweeper(ctx, l, time.Minute)
		return l, noop
	}
}

// runReaper deletes registry entries whose refresh token has expired.
func runReaper(ctx context.Context, svc *auth.Service, interval time.Duration, log *logrus.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.Reap(ctx)
			if err != nil {
				log.WithError(err).Warn("token_reap_failed")
				continue
			}
			if n > 0 {
				_ = audit.LogEvent(ctx, audit.EventEntriesReaped, map[string]any{"removed": n})
			}
		}
	}
}
