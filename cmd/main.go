package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lecture-assistant/pkg/api"
	"lecture-assistant/pkg/config"
	"lecture-assistant/pkg/index"
	"lecture-assistant/pkg/llm"
	"lecture-assistant/pkg/logging"
	"lecture-assistant/pkg/media"
	"lecture-assistant/pkg/pipeline"
	"lecture-assistant/pkg/progress"
	"lecture-assistant/pkg/retrieval"
	"lecture-assistant/pkg/storage"
	"lecture-assistant/pkg/transcribe"
	"lecture-assistant/pkg/vectorstore"
)

func main() {
	configPath := flag.String("config", os.Getenv("LECTURE_CONFIG"), "path to a TOML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("info", "text").WithError(err).Fatal("Failed to load configuration")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	if cfg.OpenAI.APIKey == "" {
		log.Warn("OPENAI_API_KEY is not set; transcription and queries will fail")
	}

	// Initialize storage
	db, err := storage.OpenDB(cfg.StoragePath)
	if err != nil {
		log.WithError(err).Fatal("Failed to open storage")
	}
	defer db.Close()
	store := storage.NewDiskStore(db)
	transcripts := storage.NewTranscriptStore(cfg.UploadDir)
	vectors := vectorstore.New(db)

	// Model clients
	llmClient := llm.NewClient(llm.Config{
		APIKey:         cfg.OpenAI.APIKey,
		BaseURL:        cfg.OpenAI.BaseURL,
		EmbeddingModel: cfg.OpenAI.EmbeddingModel,
		ChatModel:      cfg.OpenAI.ChatModel,
		Temperature:    cfg.OpenAI.Temperature,
		TimeoutSeconds: cfg.OpenAI.TimeoutSeconds,
	}, llm.WithLogger(log))
	whisper := transcribe.NewWhisperClient(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.BaseURL,
		cfg.Transcription.Model,
		config.Seconds(cfg.Transcription.TimeoutSeconds),
	)

	// Pipeline
	hub := progress.NewHub(log)
	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		UploadDir:      cfg.UploadDir,
		ChunkThreshold: cfg.Pipeline.MaxUploadBytes,
		ChunkDuration:  cfg.Media.ChunkDurationSec,
	}, pipeline.Deps{
		Jobs:  store,
		Audio: media.NewTool(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, media.WithLogger(log)),
		Transcriber: transcribe.NewOrchestrator(whisper,
			transcribe.WithRetry(cfg.Transcription.MaxAttempts, config.Seconds(cfg.Transcription.RetryDelaySeconds)),
			transcribe.WithLogger(log),
		),
		Transcripts: transcripts,
		Indexer: index.NewIndexer(transcripts, llmClient, vectors,
			index.WithSplitter(index.NewSplitter(cfg.Index.ChunkSize, cfg.Index.ChunkOverlap)),
			index.WithLogger(log),
		),
		Reporter: hub,
		Logger:   log,
	})
	manager := pipeline.NewManager(cfg.Pipeline, runner, store, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start pipeline")
	}

	engine := retrieval.NewEngine(vectors, llmClient, llmClient, retrieval.Options{
		TopK:              cfg.Retrieval.TopK,
		MaxResults:        cfg.Retrieval.MaxResults,
		DistanceThreshold: cfg.Retrieval.DistanceThreshold,
		CacheTTL:          config.Seconds(cfg.Retrieval.CacheTTLSeconds),
		CacheMaxEntries:   cfg.Retrieval.CacheMaxEntries,
		Logger:            log,
	})

	handlers := api.NewHandlers(api.Deps{
		Store:     store,
		Scheduler: manager,
		Answerer:  engine,
		Vectors:   vectors,
		Hub:       hub,
		UploadDir: cfg.UploadDir,

		QueryTimeout: config.Seconds(cfg.Retrieval.QueryTimeoutSeconds),
		Logger:       log,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.NewRouter(handlers, log),
		ReadHeaderTimeout: config.Seconds(cfg.Server.ReadHeaderTimeoutSeconds),
		WriteTimeout:      config.Seconds(cfg.Server.WriteTimeoutSeconds),
	}

	go func() {
		log.WithField("address", cfg.Server.Address).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	manager.Stop()

	log.Info("Server exited")
}
