package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"planora.io/internal/auth"
	"planora.io/internal/config"
	"planora.io/internal/httpapi"
	"planora.io/internal/obs"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		db    *sql.DB
		store auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		store = auth.NewPGStore(db)
	} else {
		// Dev mode: everything lives in memory and dies with the process.
		obs.LogEvent("warn", "no DATABASE_URL, using in-memory store", nil)
		store = auth.NewMemStore()
	}

	secret := cfg.AuthSecret
	if secret == "" {
		secret = "planora-dev-secret"
		obs.LogEvent("warn", "AUTH_SECRET not set, using dev secret", nil)
	}

	codec, err := auth.NewCodec(secret,
		auth.WithIssuer(cfg.AuthIssuer),
		auth.WithAccessTTL(cfg.AccessTTL()),
		auth.WithRefreshTTL(cfg.RefreshTTL()),
	)
	if err != nil {
		log.Fatalf("codec: %v", err)
	}

	resolver, err := auth.NewResolver(store)
	if err != nil {
		log.Fatalf("resolver: %v", err)
	}

	var cache auth.PermissionCache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		cache = auth.NewRedisCache(client, resolver,
			auth.WithRedisCacheTTL(cfg.CacheTTL()),
			auth.WithRedisCacheEvents(obs.PermissionCacheEvent))
	} else {
		cache = auth.NewMemoryCache(resolver,
			auth.WithCacheTTL(cfg.CacheTTL()),
			auth.WithCacheEvents(obs.PermissionCacheEvent))
	}

	lifecycle, err := auth.NewLifecycle(codec, store)
	if err != nil {
		log.Fatalf("lifecycle: %v", err)
	}
	guard, err := auth.NewGuard(codec, store, cache)
	if err != nil {
		log.Fatalf("guard: %v", err)
	}
	service, err := auth.NewService(store, cache, auth.WithBcryptCost(cfg.BcryptCost))
	if err != nil {
		log.Fatalf("service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := service.EnsureCatalog(ctx); err != nil {
		cancel()
		log.Fatalf("ensure catalog: %v", err)
	}
	cancel()

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, guard, lifecycle, service, store,
		httpapi.WithRateLimit(cfg.RateLimitBurst, cfg.RateLimitRPS))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting planora-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
