package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"tts-studio/internal/analysis"
	"tts-studio/internal/api"
	"tts-studio/internal/artifact"
	"tts-studio/internal/compile"
	"tts-studio/internal/config"
	"tts-studio/internal/engine"
	"tts-studio/internal/queue"
	"tts-studio/internal/ratelimit"
	"tts-studio/internal/regen"
	"tts-studio/internal/review"
	"tts-studio/internal/store"
	"tts-studio/internal/voices"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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

	var analyzer analysis.Analyzer = analysis.NaiveAnalyzer{}
	if cfg.AnalyzerURL != "" {
		analyzer = analysis.NewHTTPAnalyzer(cfg.AnalyzerURL, cfg.AnalyzerTimeout)
	}

	tracker := regen.NewTracker(st, q, logger)
	compiler := compile.New(st, storage, time.Duration(cfg.CrossfadeMs)*time.Millisecond, cfg.SampleRate, logger)
	reviewSvc := review.NewService(st, tracker, compiler, storage, catalog, logger)

	limiterRedis := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewLimiter(limiterRedis, cfg.RateLimitCapacity, cfg.RateLimitRefill)

	server := api.New(cfg, st, q, reviewSvc, analyzer, storage, engines, catalog, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
