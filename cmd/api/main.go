package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/docurender/internal/api"
	"github.com/bobarin/docurender/internal/config"
	"github.com/bobarin/docurender/internal/db"
	"github.com/bobarin/docurender/internal/logging"
	"github.com/bobarin/docurender/internal/memstore"
	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/bobarin/docurender/internal/queue"
	"github.com/bobarin/docurender/internal/services"
	"github.com/bobarin/docurender/internal/storage"
	"github.com/bobarin/docurender/internal/worker"
	"github.com/rs/zerolog/log"
)

// stitchQueue is both ends of the stitch job queue.
type stitchQueue interface {
	pipeline.StitchTrigger
	worker.StitchJobs
}

// objectStore holds narration audio and resolves render asset URLs.
type objectStore interface {
	services.Uploader
	pipeline.URLResolver
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	log.Info().Msg("Starting docurender API...")

	ctx := context.Background()

	// Persistence: PostgreSQL when configured, otherwise in-memory (dev mode)
	var store pipeline.Store
	if cfg.DatabaseURL != "" {
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer database.Close()

		if err := database.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		store = database
		log.Info().Msg("Connected to database")
	} else {
		store = memstore.New()
		log.Warn().Msg("No DATABASE_URL set, using in-memory store (dev mode); load scripts with docuctl import")
	}

	// Stitch queue: Redis when configured, otherwise in-process
	var stitches stitchQueue
	if cfg.RedisURL != "" {
		q, err := queue.New(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to queue")
		}
		defer q.Close()
		stitches = q
		log.Info().Msg("Connected to Redis queue")
	} else {
		stitches = queue.NewLocal(0)
		log.Warn().Msg("No REDIS_URL set, stitch jobs run in-process")
	}

	// Initialize storage
	var stor objectStore
	switch cfg.StorageBackend {
	case "minio":
		m, err := storage.NewMinIO(storage.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
			Region:    cfg.MinIORegion,
			PublicURL: cfg.MinIOPublicURL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize MinIO storage")
		}
		if err := m.EnsureBucket(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to prepare MinIO bucket")
		}
		stor = m
		log.Info().Str("bucket", cfg.MinIOBucket).Msg("Initialized MinIO storage")
	default:
		stor = storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
		log.Info().Str("bucket", cfg.SupabaseStorageBucket).Msg("Initialized Supabase storage")
	}

	// Narration
	ttsSvc, err := services.NewTTSService(ctx, services.TTSConfig{
		Provider:          cfg.TTSProvider,
		ElevenLabsAPIKey:  cfg.ElevenLabsKey,
		ElevenLabsVoiceID: cfg.ElevenLabsVoiceID,
		OpenAIAPIKey:      cfg.OpenAIKey,
		OpenAIVoice:       cfg.OpenAITTSVoice,
		GeminiAPIKey:      cfg.GeminiKey,
		GeminiVoice:       cfg.GeminiTTSVoice,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize TTS provider")
	}
	if ttsSvc == nil {
		log.Warn().Msg("No TTS provider configured, chapters render with placeholder narration")
	} else {
		log.Info().Str("provider", cfg.TTSProvider).Msg("TTS provider ready")
	}
	narration := services.NewNarrationService(ttsSvc, stor, stor, cfg.PlaceholderAudioURL)

	// Pipeline
	renderer := services.NewRendererClient(cfg.RendererURL, cfg.RendererAPIKey)
	chapters := pipeline.NewChapterWorker(store, narration, renderer, pipeline.NewSpecBuilder(cfg.DefaultMusicTrack), stor, cfg.RenderTimeout)
	scheduler := pipeline.NewScheduler(store, chapters, stitches, pipeline.SchedulerConfig{
		MaxConcurrency: cfg.MaxConcurrency,
		WorkerID:       cfg.WorkerID,
		AutoStitch:     cfg.AutoStitch,
		PollInterval:   cfg.SchedulerPollInterval,
		ClaimTTL:       cfg.ClaimTTL(),
	})
	stitcher := pipeline.NewStitcher(store, renderer, stor, pipeline.StitcherConfig{
		Policy:       cfg.StitchPolicy,
		Timeout:      cfg.StitchTimeout,
		AmbientTrack: cfg.DefaultMusicTrack,
	})
	quality := pipeline.NewQualityGate(store, cfg.QualityMinTotal, cfg.QualityMaxTotal)

	// Create API handler
	handler := api.NewHandler(store, scheduler, stitcher, quality, pipeline.NewProgressReporter(store), stitches)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info().Msg("API key authentication enabled")
	} else {
		log.Warn().Msg("No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start worker if enabled
	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	workerDone := make(chan struct{})
	if cfg.WorkerEnabled {
		log.Info().
			Int("max_concurrency", cfg.MaxConcurrency).
			Str("stitch_policy", string(cfg.StitchPolicy)).
			Bool("auto_stitch", cfg.AutoStitch).
			Msg("Worker enabled, starting background processing...")

		w := worker.New(scheduler, stitcher, quality, stitches, cfg.StitchWorkers)
		go func() {
			defer close(workerDone)
			if err := w.Start(workerCtx); err != nil {
				log.Error().Err(err).Msg("Worker exited with error")
			}
		}()
	} else {
		close(workerDone)
		if cfg.DatabaseURL == "" || cfg.RedisURL == "" {
			log.Warn().Msg("Worker disabled without a shared database and queue; queued work will not be processed by this process")
		}
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Cancelled renders are recorded as failed before the worker returns
	workerCancel()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Worker did not stop before the shutdown deadline")
	}

	log.Info().Msg("Server exited")
}
