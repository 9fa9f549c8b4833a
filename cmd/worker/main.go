package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tts-studio/internal/artifact"
	"tts-studio/internal/compile"
	"tts-studio/internal/config"
	"tts-studio/internal/engine"
	"tts-studio/internal/queue"
	"tts-studio/internal/regen"
	"tts-studio/internal/review"
	"tts-studio/internal/store"
	"tts-studio/internal/telemetry"
	"tts-studio/internal/voices"
	workerproc "tts-studio/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewJobQueue(cfg)
	defer q.Close()

	storage, err := artifact.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init audio storage: %v", err)
	}

	catalog, err := voices.Load(cfg.VoiceCatalogPath)
	if err != nil {
		log.Fatalf("load voice catalog: %v", err)
	}

	engines, err := engine.FromConfig(cfg)
	if err != nil {
		log.Fatalf("init engines: %v", err)
	}

	tracker := regen.NewTracker(st, q, logger)
	compiler := compile.New(st, storage, time.Duration(cfg.CrossfadeMs)*time.Millisecond, cfg.SampleRate, logger)
	reviewSvc := review.NewService(st, tracker, compiler, storage, catalog, logger)

	processor := workerproc.NewProcessor(st, q, engines, storage, reviewSvc, tracker, cfg.WorkerPollInterval, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	go processor.RunRegen(ctx, cfg.RegenConcurrency)

	log.Printf("worker started poll=%s regen_concurrency=%d", cfg.WorkerPollInterval, cfg.RegenConcurrency)
	processor.Run(ctx)
}
