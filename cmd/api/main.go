package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bobarin/beatreel/internal/api"
	"github.com/bobarin/beatreel/internal/assembly"
	"github.com/bobarin/beatreel/internal/config"
	"github.com/bobarin/beatreel/internal/db"
	"github.com/bobarin/beatreel/internal/jobclient"
	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/mediaproc"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/bobarin/beatreel/internal/pipeline"
	"github.com/bobarin/beatreel/internal/queue"
	"github.com/bobarin/beatreel/internal/recovery"
	"github.com/bobarin/beatreel/internal/retry"
	"github.com/bobarin/beatreel/internal/services"
	"github.com/bobarin/beatreel/internal/speech"
	"github.com/bobarin/beatreel/internal/storage"
	"github.com/bobarin/beatreel/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v", err)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		stdlog.Fatalf("Failed to build logger: %v", err)
	}
	defer log.Sync()

	log.Info("starting beatreel api")

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = database.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		log.Fatal("failed to migrate database", "error", err)
	}
	log.Info("connected to database")

	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatal("failed to connect to queue", "error", err)
	}
	defer q.Close()
	log.Info("connected to redis queue")

	objects, closeObjects, err := openStorage(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", "error", err, "backend", cfg.StorageBackend)
	}
	defer closeObjects()
	objects = storage.WithUploadLimit(objects, cfg.MaxConcurrentUploads, log)

	runner, err := buildRunner(cfg, objects, log)
	if err != nil {
		log.Fatal("failed to initialize generation backends", "error", err)
	}

	openaiSvc := services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAIModel, log)
	ffmpegSvc, err := services.NewFFmpegService(filepath.Join(os.TempDir(), "beatreel"), objects, log)
	if err != nil {
		log.Fatal("failed to initialize ffmpeg", "error", err)
	}

	var transcriber pipeline.Transcriber
	if cfg.OpenAIKey != "" {
		transcriber = openaiSvc
	}

	orchestrator := pipeline.New(pipeline.Deps{
		Store:       database,
		Runner:      runner,
		Ledger:      database,
		Renderer:    ffmpegSvc,
		Transcriber: transcriber,
		Enqueuer:    q,
	}, pipeline.Billing{Bypass: cfg.BillingBypass}, pipelineConfig(cfg), log)

	if cfg.BillingBypass {
		log.Warn("billing bypass enabled, stages are not charged")
	}

	assembler := assembly.New(database,
		mediaproc.NewClient(cfg.MediaBackendURL, cfg.MediaKey, cfg.MediaSecret, log),
		objects,
		assembly.Config{
			Retry: retry.Policy{
				MaxAttempts: cfg.AssemblyMaxAttempts,
				BaseDelay:   cfg.AssemblyBaseDelay,
				MaxDelay:    30 * time.Second,
			},
			Timeout:         cfg.AssemblyTimeout,
			URLCheckTimeout: cfg.URLCheckTimeout,
		}, log)

	scanner := recovery.NewScanner(database, runner, q, orchestrator, cfg.RecoveryMinAge, cfg.RecoveryWindow, log)

	var script api.ScriptWriter
	if cfg.OpenAIKey != "" {
		script = openaiSvc
	}

	handler := api.NewHandler(api.Deps{
		Store:        database,
		Orchestrator: orchestrator,
		Queue:        q,
		Script:       script,
		Recovery:     scanner,
	}, cfg.VideoEngine, log)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info("api key authentication enabled")
	} else {
		log.Warn("no BACKEND_API_KEY set, api is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var workerCancel context.CancelFunc
	workerDone := make(chan struct{})
	if cfg.WorkerEnabled {
		var workerCtx context.Context
		workerCtx, workerCancel = context.WithCancel(context.Background())
		w := worker.New(q, orchestrator, assembler, scanner, cfg.RecoveryInterval, log)
		go func() {
			w.Start(workerCtx, cfg.MaxConcurrentJobs)
			close(workerDone)
		}()
	} else {
		close(workerDone)
	}

	go func() {
		log.Info("api server listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// in-flight generations are left pending for the recovery scan
	if workerCancel != nil {
		workerCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	// handlers must be done with the database and queue before the deferred closes
	select {
	case <-workerDone:
	case <-ctx.Done():
		log.Warn("worker did not drain before the shutdown deadline")
	}

	log.Info("server exited")
}

func openStorage(cfg *config.Config, log *logger.Logger) (storage.ObjectStore, func(), error) {
	switch cfg.StorageBackend {
	case "gcs":
		gcs, err := storage.NewGCS(context.Background(), cfg.GCSBucket, cfg.GCSCredentialsFile, cfg.GCSPublicBaseURL, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("initialized gcs storage", "bucket", cfg.GCSBucket)
		return gcs, func() { gcs.Close() }, nil
	default:
		log.Info("initialized supabase storage", "bucket", cfg.SupabaseStorageBucket)
		return storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, log), func() {}, nil
	}
}

// buildRunner routes "veo*" engines to Google Veo when a Gemini key is set
// and everything else to the queue backend.
func buildRunner(cfg *config.Config, objects storage.ObjectStore, log *logger.Logger) (jobclient.Runner, error) {
	router := jobclient.NewRouter(jobclient.NewClient(cfg.GenBackendURL, cfg.GenBackendKey, log))
	if cfg.GeminiKey == "" {
		return router, nil
	}

	veo, err := jobclient.NewVeoRunner(context.Background(), cfg.GeminiKey, cfg.VeoModel, objects, log)
	if err != nil {
		return nil, err
	}
	log.Info("veo video generation enabled", "model", cfg.VeoModel)
	return router.Route("veo", veo), nil
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	th := speech.DefaultThresholds()
	th.TargetSPS = cfg.SpeechTargetSPS
	th.MaxSpeed = cfg.SpeechMaxSpeed
	th.Padding = time.Duration(cfg.SpeechTrimPaddingMs) * time.Millisecond

	return pipeline.Config{
		FrameModel:    cfg.FrameModel,
		VoiceModel:    cfg.VoiceModel,
		AmbienceModel: cfg.AmbienceModel,
		Costs: map[models.JobKind]int64{
			models.JobKindFrame:    cfg.CostFrame,
			models.JobKindVideo:    cfg.CostVideo,
			models.JobKindVoice:    cfg.CostVoice,
			models.JobKindAmbience: cfg.CostAmbience,
		},
		Policies: jobclient.Policies{
			models.JobKindFrame:    {Interval: cfg.FramePollInterval, Budget: cfg.FramePollBudget},
			models.JobKindVideo:    {Interval: cfg.VideoPollInterval, Budget: cfg.VideoPollBudget},
			models.JobKindVoice:    {Interval: cfg.VoicePollInterval, Budget: cfg.VoicePollBudget},
			models.JobKindAmbience: {Interval: cfg.AmbiencePollInterval, Budget: cfg.AmbiencePollBudget},
		},
		Speech:          th,
		BeatConcurrency: cfg.BeatConcurrency,
		BeatLease:       cfg.BeatLease,
	}
}
