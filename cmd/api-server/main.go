package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/visioncare/eyecare-scheduling/internal/api"
	"github.com/visioncare/eyecare-scheduling/internal/appointment"
	"github.com/visioncare/eyecare-scheduling/internal/auth"
	"github.com/visioncare/eyecare-scheduling/internal/calendar"
	"github.com/visioncare/eyecare-scheduling/internal/config"
	"github.com/visioncare/eyecare-scheduling/internal/db"
	"github.com/visioncare/eyecare-scheduling/internal/notify"
	redisclient "github.com/visioncare/eyecare-scheduling/internal/redis"
	"github.com/visioncare/eyecare-scheduling/internal/subject"
	"github.com/visioncare/eyecare-scheduling/internal/verification"
)

var version = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running in env=%s http_port=%s tz=%s", cfg.Env, cfg.HTTPPort, cfg.Schedule.Location)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	if err == nil {
		err = db.Migrate(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		log.Fatalf("postgres setup error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres, schema up to date")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}()
	log.Println("connected to Redis")

	hours, err := calendar.NewBusinessHours(cfg.Schedule)
	if err != nil {
		log.Fatalf("business hours config error: %v", err)
	}

	store := subject.NewPgStore(pgPool)
	resolver := subject.NewResolver(store, cfg.RequestTimeout)
	directory := subject.NewDirectory(store, cfg.RequestTimeout)

	sender := notify.NewLogSender(cfg.Env)
	gate := verification.NewGate(redisclient.NewVerificationStore(rdb), sender, cfg.Verification)

	svc := appointment.NewService(
		appointment.NewPgRepository(pgPool),
		redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL),
		hours,
		resolver,
		gate,
		cfg.RequestTimeout,
	)

	router := api.NewRouter(api.RouterConfig{
		Ledger:    svc,
		Calendar:  calendar.New(hours, svc),
		Directory: directory,
		OTP:       gate,
		Verifier:  auth.NewVerifier(cfg.JWTSecret),
		Health:    api.NewHealthHandler(pgPool, rdb, cfg.Env, version),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("http server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
}
