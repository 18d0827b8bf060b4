package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"backlog/api/internal/config"
	"backlog/api/internal/email"
	"backlog/api/internal/events"
	"backlog/api/internal/notify"
	"backlog/api/internal/queue"
	"backlog/api/internal/store"
	"backlog/api/internal/timeline"
	"backlog/api/internal/tracker"
	"backlog/api/internal/webhooks"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	dataStore := store.NewPostgresStore(db)
	taskQueue := queue.New(redisClient)
	publisher := events.NewPublisher(redisClient)
	deliverer := webhooks.NewDeliverer(dataStore, taskQueue, cfg)

	mailService := email.NewService(email.Config{
		Host:       cfg.SMTPHost,
		Port:       cfg.SMTPPort,
		Username:   cfg.SMTPUsername,
		Password:   cfg.SMTPPassword,
		From:       cfg.SMTPFrom,
		FromName:   cfg.SMTPFromName,
		SiteDomain: cfg.SiteDomain,
	})
	if mailService.IsConfigured() {
		log.Printf("Email notifications enabled via %s", cfg.SMTPHost)
	} else {
		log.Printf("Email not configured, notifications disabled")
	}

	dispatcher := tracker.NewDispatcher(
		dataStore,
		notify.NewCoalescer(dataStore, cfg.CoalesceWindow),
		publisher,
		deliverer,
		taskQueue,
		cfg.DispatchInterval,
	)
	mailer := tracker.NewMailer(dataStore, mailService)
	timelineWriter := timeline.NewWriter(dataStore)

	worker := queue.NewWorker(taskQueue, cfg.DispatchInterval)
	worker.Register(tracker.TaskEmail, mailer.Handle)
	worker.Register(webhooks.TaskDeliver, deliverer.Handle)
	worker.Register(timeline.TaskPush, timelineWriter.Handle)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Backlog worker listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
