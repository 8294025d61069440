package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = newValidator()

// newValidator reports fields by their environment variable name.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

func envName(field string) string {
	if f, ok := reflect.TypeOf(Config{}).FieldByName(field); ok {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
	}
	return field
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_if":
			errs = append(errs, fmt.Errorf("%s is required", fe.Field()))
		case "min":
			errs = append(errs, fmt.Errorf("%s must be at least %s, got %v", fe.Field(), fe.Param(), fe.Value()))
		case "gt":
			errs = append(errs, fmt.Errorf("%s must be greater than %s, got %v", fe.Field(), fe.Param(), fe.Value()))
		case "oneof":
			errs = append(errs, fmt.Errorf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fe.Value()))
		case "ltefield":
			errs = append(errs, fmt.Errorf("%s (%v) exceeds %s", fe.Field(), fe.Value(), envName(fe.Param())))
		default:
			errs = append(errs, fmt.Errorf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return errors.Join(errs...)
}

type Config struct {
	// Server
	APIPort            string `env:"API_PORT" validate:"required,numeric"`
	WorkerEnabled      bool   `env:"WORKER_ENABLED"`
	WorkerID           string `env:"WORKER_ID"`            // Claim identifier prefix (default: hostname)
	BackendAPIKey      string `env:"BACKEND_API_KEY"`      // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS"` // Comma-separated allowed origins (empty = *, dev mode)

	// Database (empty = in-memory store, dev mode)
	DatabaseURL string `env:"DATABASE_URL"`

	// Redis (empty = stitches run in-process)
	RedisURL string `env:"REDIS_URL"`

	// Object storage
	StorageBackend string `env:"STORAGE_BACKEND" validate:"oneof=supabase minio"`

	// Supabase
	SupabaseURL           string `env:"SUPABASE_URL" validate:"required_if=StorageBackend supabase"`
	SupabaseServiceKey    string `env:"SUPABASE_SERVICE_KEY" validate:"required_if=StorageBackend supabase"`
	SupabaseStorageBucket string `env:"SUPABASE_STORAGE_BUCKET"`

	// MinIO / S3-compatible
	MinIOEndpoint  string `env:"MINIO_ENDPOINT" validate:"required_if=StorageBackend minio"`
	MinIOAccessKey string `env:"MINIO_ACCESS_KEY" validate:"required_if=StorageBackend minio"`
	MinIOSecretKey string `env:"MINIO_SECRET_KEY" validate:"required_if=StorageBackend minio"`
	MinIOBucket    string `env:"MINIO_BUCKET" validate:"required_if=StorageBackend minio"`
	MinIOUseSSL    bool   `env:"MINIO_USE_SSL"`
	MinIORegion    string `env:"MINIO_REGION"`
	MinIOPublicURL string `env:"MINIO_PUBLIC_URL"`

	// Narration
	TTSProvider         string `env:"TTS_PROVIDER" validate:"omitempty,oneof=elevenlabs openai gemini"`
	ElevenLabsKey       string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsVoiceID   string `env:"ELEVENLABS_VOICE_ID"`
	OpenAIKey           string `env:"OPENAI_API_KEY"`
	OpenAITTSVoice      string `env:"OPENAI_TTS_VOICE"`
	GeminiKey           string `env:"GEMINI_API_KEY"`
	GeminiTTSVoice      string `env:"GEMINI_TTS_VOICE"`
	PlaceholderAudioURL string `env:"PLACEHOLDER_AUDIO_URL" validate:"omitempty,url"`

	// Renderer
	RendererURL    string `env:"RENDERER_URL" validate:"required,url"`
	RendererAPIKey string `env:"RENDERER_API_KEY"`

	// Scheduling
	MaxConcurrency        int                   `env:"MAX_CONCURRENCY" validate:"min=1"`
	RenderTimeout         time.Duration         `env:"RENDER_TIMEOUT" validate:"gt=0"`
	ClaimGrace            time.Duration         `env:"CLAIM_GRACE" validate:"gt=0"`
	SchedulerPollInterval time.Duration         `env:"SCHEDULER_POLL_INTERVAL" validate:"gt=0"`
	AutoStitch            bool                  `env:"AUTO_STITCH"`
	StitchWorkers         int                   `env:"STITCH_WORKERS" validate:"min=1"`
	StitchTimeout         time.Duration         `env:"STITCH_TIMEOUT" validate:"gt=0"`
	StitchPolicy          pipeline.StitchPolicy `env:"STITCH_POLICY"`
	DefaultMusicTrack     string                `env:"DEFAULT_MUSIC_TRACK"`
	QualityMinTotal       time.Duration         `env:"QUALITY_MIN_TOTAL" validate:"ltefield=QualityMaxTotal"`
	QualityMaxTotal       time.Duration         `env:"QUALITY_MAX_TOTAL" validate:"gt=0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT" validate:"oneof=console json"`
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	hostname, _ := os.Hostname()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		WorkerID:              getEnv("WORKER_ID", hostname),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", ""),
		StorageBackend:        getEnv("STORAGE_BACKEND", "supabase"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "documentary-renders"),
		MinIOEndpoint:         getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:        getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:        getEnv("MINIO_SECRET_KEY", ""),
		MinIOBucket:           getEnv("MINIO_BUCKET", "documentary-renders"),
		MinIOUseSSL:           getEnvBool("MINIO_USE_SSL", false),
		MinIORegion:           getEnv("MINIO_REGION", ""),
		MinIOPublicURL:        getEnv("MINIO_PUBLIC_URL", ""),
		TTSProvider:           getEnv("TTS_PROVIDER", "elevenlabs"),
		ElevenLabsKey:         getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:     getEnv("ELEVENLABS_VOICE_ID", ""),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		OpenAITTSVoice:        getEnv("OPENAI_TTS_VOICE", "onyx"),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		GeminiTTSVoice:        getEnv("GEMINI_TTS_VOICE", "Charon"),
		PlaceholderAudioURL:   getEnv("PLACEHOLDER_AUDIO_URL", ""),
		RendererURL:           getEnv("RENDERER_URL", ""),
		RendererAPIKey:        getEnv("RENDERER_API_KEY", ""),
		MaxConcurrency:        getEnvInt("MAX_CONCURRENCY", pipeline.DefaultMaxConcurrency),
		RenderTimeout:         getEnvDuration("RENDER_TIMEOUT", 45*time.Minute),
		ClaimGrace:            getEnvDuration("CLAIM_GRACE", 15*time.Minute),
		SchedulerPollInterval: getEnvDuration("SCHEDULER_POLL_INTERVAL", 15*time.Second),
		AutoStitch:            getEnvBool("AUTO_STITCH", true),
		StitchWorkers:         getEnvInt("STITCH_WORKERS", 1),
		StitchTimeout:         getEnvDuration("STITCH_TIMEOUT", 2*time.Hour),
		DefaultMusicTrack:     getEnv("DEFAULT_MUSIC_TRACK", ""),
		QualityMinTotal:       getEnvDuration("QUALITY_MIN_TOTAL", pipeline.DefaultMinTotalDuration),
		QualityMaxTotal:       getEnvDuration("QUALITY_MAX_TOTAL", pipeline.DefaultMaxTotalDuration),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "console"),
	}

	policy, err := pipeline.ParseStitchPolicy(getEnv("STITCH_POLICY", string(pipeline.StitchBestEffort)))
	if err != nil {
		return nil, fmt.Errorf("invalid STITCH_POLICY: %w", err)
	}
	cfg.StitchPolicy = policy

	if err := validate.Struct(cfg); err != nil {
		return nil, describeValidation(err)
	}

	return cfg, nil
}

// ClaimTTL is how old a rendering claim may get before the scheduler fails
// it as abandoned: the render timeout plus a grace period for the outcome write.
func (c *Config) ClaimTTL() time.Duration {
	return c.RenderTimeout + c.ClaimGrace
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

// getEnvDuration accepts Go durations ("90m") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}
