package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	LogMode            string // "production" = JSON logs, anything else = console

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Object storage
	StorageBackend        string // "supabase" (default) or "gcs"
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string
	GCSBucket             string
	GCSCredentialsFile    string // empty = application default credentials
	GCSPublicBaseURL      string // empty = https://storage.googleapis.com/<bucket>

	// Generative queue backend (frame, video, voice, ambience)
	GenBackendURL string
	GenBackendKey string
	FrameModel    string
	VideoEngine   string // default engine for new campaigns; "veo*" routes to Veo
	VoiceModel    string
	AmbienceModel string

	// Veo (Google Gen AI)
	GeminiKey string
	VeoModel  string

	// Media processing backend (assembly)
	MediaBackendURL string
	MediaKey        string
	MediaSecret     string

	// OpenAI (script generation and transcription)
	OpenAIKey   string
	OpenAIModel string

	// Poll policies per job kind
	FramePollInterval    time.Duration
	FramePollBudget      time.Duration
	VideoPollInterval    time.Duration
	VideoPollBudget      time.Duration
	VoicePollInterval    time.Duration
	VoicePollBudget      time.Duration
	AmbiencePollInterval time.Duration
	AmbiencePollBudget   time.Duration
	// BeatLease is how long a crashed run keeps its beat locked
	BeatLease time.Duration

	// Credits per stage
	CostFrame    int64
	CostVideo    int64
	CostVoice    int64
	CostAmbience int64
	// Billing bypass (admin/internal deployments only)
	BillingBypass bool

	// Recovery
	RecoveryMinAge   time.Duration // jobs younger than this are still owned by their runner
	RecoveryWindow   time.Duration // jobs older than this are abandoned
	RecoveryInterval time.Duration // 0 disables the periodic scan

	// Speech analysis
	SpeechTargetSPS     float64 // syllables per second a beat should reach
	SpeechMaxSpeed      float64 // upper clamp for the suggested speed
	SpeechTrimPaddingMs int     // silence kept around detected speech

	// Assembly
	AssemblyMaxAttempts int
	AssemblyBaseDelay   time.Duration
	AssemblyTimeout     time.Duration
	URLCheckTimeout     time.Duration

	// Worker
	MaxConcurrentJobs    int
	MaxConcurrentUploads int
	BeatConcurrency      int // beats rendered in parallel per campaign
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		LogMode:               getEnv("LOG_MODE", "development"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		StorageBackend:        getEnv("STORAGE_BACKEND", "supabase"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "campaign-media"),
		GCSBucket:             getEnv("GCS_BUCKET", ""),
		GCSCredentialsFile:    getEnv("GCS_CREDENTIALS_FILE", ""),
		GCSPublicBaseURL:      getEnv("GCS_PUBLIC_BASE_URL", ""),

		GenBackendURL: getEnv("GEN_BACKEND_URL", "https://queue.fal.run"),
		GenBackendKey: getEnv("GEN_BACKEND_KEY", ""),
		FrameModel:    getEnv("FRAME_MODEL", "fal-ai/flux/dev"),
		VideoEngine:   getEnv("VIDEO_ENGINE", "fal-ai/kling-video/v2.1/standard/image-to-video"),
		VoiceModel:    getEnv("VOICE_MODEL", "fal-ai/elevenlabs/speech-to-speech"),
		AmbienceModel: getEnv("AMBIENCE_MODEL", "fal-ai/elevenlabs/sound-effects"),

		GeminiKey: getEnv("GEMINI_API_KEY", ""),
		VeoModel:  getEnv("VEO_MODEL", "veo-3.1-generate-preview"),

		MediaBackendURL: getEnv("MEDIA_BACKEND_URL", "https://api2.transloadit.com"),
		MediaKey:        getEnv("MEDIA_KEY", ""),
		MediaSecret:     getEnv("MEDIA_SECRET", ""),

		OpenAIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIModel: getEnv("OPENAI_MODEL", "gpt-4o"),

		FramePollInterval:    getEnvDuration("FRAME_POLL_INTERVAL", 3*time.Second),
		FramePollBudget:      getEnvDuration("FRAME_POLL_BUDGET", 120*time.Second),
		VideoPollInterval:    getEnvDuration("VIDEO_POLL_INTERVAL", 10*time.Second),
		VideoPollBudget:      getEnvDuration("VIDEO_POLL_BUDGET", 30*time.Minute),
		VoicePollInterval:    getEnvDuration("VOICE_POLL_INTERVAL", 3*time.Second),
		VoicePollBudget:      getEnvDuration("VOICE_POLL_BUDGET", 60*time.Second),
		AmbiencePollInterval: getEnvDuration("AMBIENCE_POLL_INTERVAL", 3*time.Second),
		AmbiencePollBudget:   getEnvDuration("AMBIENCE_POLL_BUDGET", 60*time.Second),
		BeatLease:            getEnvDuration("PIPELINE_BEAT_LEASE", time.Hour),

		CostFrame:     getEnvInt64("COST_FRAME", 1),
		CostVideo:     getEnvInt64("COST_VIDEO", 10),
		CostVoice:     getEnvInt64("COST_VOICE", 2),
		CostAmbience:  getEnvInt64("COST_AMBIENCE", 1),
		BillingBypass: getEnvBool("BILLING_BYPASS", false),

		RecoveryMinAge:   getEnvDuration("RECOVERY_MIN_AGE", 2*time.Minute),
		RecoveryWindow:   getEnvDuration("RECOVERY_WINDOW", 30*time.Minute),
		RecoveryInterval: getEnvDuration("RECOVERY_INTERVAL", time.Minute),

		SpeechTargetSPS:     getEnvFloat("SPEECH_TARGET_SPS", 4.5),
		SpeechMaxSpeed:      getEnvFloat("SPEECH_MAX_SPEED", 1.5),
		SpeechTrimPaddingMs: getEnvInt("SPEECH_TRIM_PADDING_MS", 150),

		AssemblyMaxAttempts: getEnvInt("ASSEMBLY_MAX_ATTEMPTS", 3),
		AssemblyBaseDelay:   getEnvDuration("ASSEMBLY_BASE_DELAY", 2*time.Second),
		AssemblyTimeout:     getEnvDuration("ASSEMBLY_TIMEOUT", 5*time.Minute),
		URLCheckTimeout:     getEnvDuration("URL_CHECK_TIMEOUT", 10*time.Second),

		MaxConcurrentJobs:    getEnvInt("MAX_CONCURRENT_JOBS", 5),
		MaxConcurrentUploads: getEnvInt("MAX_CONCURRENT_UPLOADS", 3),
		BeatConcurrency:      getEnvInt("BEAT_CONCURRENCY", 4),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.GenBackendKey == "" {
		return fmt.Errorf("GEN_BACKEND_KEY is required")
	}

	if c.MediaKey == "" || c.MediaSecret == "" {
		return fmt.Errorf("MEDIA_KEY and MEDIA_SECRET are required")
	}

	switch c.StorageBackend {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when STORAGE_BACKEND=gcs")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (want supabase or gcs)", c.StorageBackend)
	}

	if c.BeatLease <= c.VideoPollBudget {
		return fmt.Errorf("PIPELINE_BEAT_LEASE (%v) must outlast VIDEO_POLL_BUDGET (%v)", c.BeatLease, c.VideoPollBudget)
	}
	if c.RecoveryMinAge >= c.RecoveryWindow {
		return fmt.Errorf("RECOVERY_MIN_AGE (%v) must be shorter than RECOVERY_WINDOW (%v)", c.RecoveryMinAge, c.RecoveryWindow)
	}

	if c.SpeechMaxSpeed < 1.0 {
		return fmt.Errorf("SPEECH_MAX_SPEED must be >= 1.0, got %v", c.SpeechMaxSpeed)
	}

	if c.AssemblyMaxAttempts < 1 {
		return fmt.Errorf("ASSEMBLY_MAX_ATTEMPTS must be >= 1")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "2m") or plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
