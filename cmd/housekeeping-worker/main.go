package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/visioncare/eyecare-scheduling/internal/appointment"
	"github.com/visioncare/eyecare-scheduling/internal/calendar"
	"github.com/visioncare/eyecare-scheduling/internal/config"
	"github.com/visioncare/eyecare-scheduling/internal/db"
	"github.com/visioncare/eyecare-scheduling/internal/notify"
	"github.com/visioncare/eyecare-scheduling/internal/subject"
)

const runTimeout = 20 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("housekeeping-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running housekeeping worker in env=%s interval=%s reminder_lead=%s retention=%s",
		cfg.Env, cfg.WorkerInterval, cfg.ReminderLead, cfg.EventRetention)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres")

	hours, err := calendar.NewBusinessHours(cfg.Schedule)
	if err != nil {
		log.Fatalf("business hours config error: %v", err)
	}

	keeper := appointment.NewHousekeeper(
		appointment.NewPgRepository(pgPool),
		subject.NewResolver(subject.NewPgStore(pgPool), cfg.RequestTimeout),
		notify.NewLogSender(cfg.Env),
		hours,
		cfg.ReminderLead,
		cfg.EventRetention,
	)

	scheduler := gocron.NewScheduler(hours.Location())
	scheduler.SingletonModeAll()

	// Reminders run immediately and then every interval.
	if _, err := scheduler.Every(cfg.WorkerInterval).Do(runReminders, rootCtx, keeper); err != nil {
		log.Fatalf("schedule reminders: %v", err)
	}
	if _, err := scheduler.Every(1).Day().At("03:00").Do(runPrune, rootCtx, keeper); err != nil {
		log.Fatalf("schedule prune: %v", err)
	}

	scheduler.StartAsync()
	log.Println("housekeeping jobs scheduled")

	<-rootCtx.Done()
	log.Println("shutdown signal received, stopping housekeeping worker")
	scheduler.Stop()
}

func runReminders(ctx context.Context, keeper *appointment.Housekeeper) {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	start := time.Now()
	sent, err := keeper.SendReminders(runCtx)
	if err != nil {
		log.Printf("reminder run error: %v", err)
		return
	}
	log.Printf("reminder run complete sent=%d in %s", sent, time.Since(start))
}

func runPrune(ctx context.Context, keeper *appointment.Housekeeper) {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	n, err := keeper.PruneEvents(runCtx)
	if err != nil {
		log.Printf("event prune error: %v", err)
		return
	}
	log.Printf("event prune complete deleted=%d", n)
}
