// Command api starts the Parkgrid HTTP API.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"parkgrid.io/internal/audit"
	"parkgrid.io/internal/auth"
	"parkgrid.io/internal/cache"
	"parkgrid.io/internal/event"
	"parkgrid.io/internal/httpapi"
	"parkgrid.io/internal/mailer"
	"parkgrid.io/internal/migrate"
	"parkgrid.io/internal/obs"
	"parkgrid.io/internal/parking"
	"parkgrid.io/internal/permission"
	"parkgrid.io/internal/store/pg"
	"parkgrid.io/migrations"
)

var (
	version = "0.3.1"
	commit  = "unknown"
)

func main() {
	debug := envBool("PARKGRID_DEBUG")
	if err := obs.InitLogger(debug); err != nil {
		panic(err)
	}
	defer obs.Sync()
	log := obs.Logger()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("PARKGRID_AUTH_SECRET")
	if secret == "" {
		log.Fatal("PARKGRID_AUTH_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres
	dsn := os.Getenv("PARKGRID_PG_DSN")
	if dsn == "" {
		log.Fatal("PARKGRID_PG_DSN is required")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	if envBool("PARKGRID_MIGRATE_ON_START") {
		if err := migrate.NewManager(store.DB(), migrations.Files).Up(ctx); err != nil {
			log.Fatal("migrate up", zap.Error(err))
		}
	}

	// Redis-backed permission cache; optional, the resolver degrades to
	// store reads without it.
	var permCache *cache.Store
	if addr := os.Getenv("PARKGRID_REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("PARKGRID_REDIS_PASSWORD"),
		})
		defer func() { _ = rdb.Close() }()
		permCache = cache.New(rdb, "pg")
	}

	resolver := permission.NewResolver(store, permCache,
		permission.WithSlidingTTL(envDuration("PARKGRID_PERM_CACHE_TTL", 30*time.Minute)),
	)

	// OTP delivery
	var sender mailer.Sender = &mailer.Log{Logger: log}
	if smtpAddr := os.Getenv("PARKGRID_SMTP_ADDR"); smtpAddr != "" {
		sender = mailer.NewSMTP(smtpAddr, os.Getenv("PARKGRID_SMTP_FROM"), nil)
	}

	bus := event.NewBus()
	go audit.NewRecorder(log).Run(ctx, bus)

	authSvc, err := auth.NewService(store, []byte(secret),
		auth.WithMailer(sender),
		auth.WithBus(bus),
		auth.WithAccessTTL(envDuration("PARKGRID_ACCESS_TTL", 15*time.Minute)),
		auth.WithRefreshTTL(envDuration("PARKGRID_REFRESH_TTL", 14*24*time.Hour)),
		auth.WithOTPTTL(envDuration("PARKGRID_OTP_TTL", 10*time.Minute)),
	)
	if err != nil {
		log.Fatal("auth service", zap.Error(err))
	}

	var parkingSvc parking.Service = store.Parking()

	ready := httpapi.ReadyProbe{DB: store.DB()}
	if permCache != nil {
		ready.Extra = permCache.Ping
	}

	api := httpapi.New(httpapi.Config{
		Version:       version,
		Auth:          authSvc,
		Resolver:      resolver,
		Roles:         store.Roles(ctx),
		Parking:       parkingSvc,
		Bus:           bus,
		Ready:         ready,
		RateBurst:     envInt("PARKGRID_RATE_BURST", 20),
		RatePerSecond: envInt("PARKGRID_RATE_PER_SEC", 10),
		MaxBodyBytes:  1 << 20,
	})

	addr := os.Getenv("PARKGRID_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Optional gRPC health endpoint for platform probes.
	var grpcSrv *grpc.Server
	if grpcAddr := os.Getenv("PARKGRID_GRPC_ADDR"); grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			log.Fatal("grpc listen", zap.Error(err))
		}
		grpcSrv = grpc.NewServer()
		healthSrv := health.NewServer()
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcSrv, healthSrv)
		go func() {
			log.Info("grpc health listening", zap.String("addr", grpcAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				log.Error("grpc serve", zap.Error(err))
			}
		}()
	}

	log.Info("starting parkgrid-api",
		zap.String("version", version),
		zap.String("addr", addr),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Info("stopped")
}

func envBool(name string) bool {
	v, _ := strconv.ParseBool(os.Getenv(name))
	return v
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envDuration(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
