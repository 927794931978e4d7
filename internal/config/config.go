package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the single explicit configuration object for one process.
// Every empirically tuned knob (concurrency ceilings, lease window, the
// focus-matcher multiplier K) lives here rather than as a constant.
type Config struct {
	LogMode  string `envconfig:"LOG_MODE" default:"development"`
	HTTPPort string `envconfig:"HTTP_PORT" default:"8080"`

	PostgresHost     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	PostgresPort     string `envconfig:"POSTGRES_PORT" default:"5432"`
	PostgresUser     string `envconfig:"POSTGRES_USER" default:"postgres"`
	PostgresPassword string `envconfig:"POSTGRES_PASSWORD" default:""`
	PostgresName     string `envconfig:"POSTGRES_NAME" default:"studyforge"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	EventChannel  string `envconfig:"EVENT_CHANNEL" default:"studyforge:pipeline"`

	// OpenAI-compatible completion/embedding API.
	OpenAIAPIKey     string        `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIBaseURL    string        `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com"`
	OpenAIModel      string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIEmbedModel string        `envconfig:"OPENAI_EMBED_MODEL" default:"text-embedding-3-small"`
	OpenAITimeout    time.Duration `envconfig:"OPENAI_TIMEOUT" default:"3m"`

	// Worker pool / scheduler.
	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
	ClaimInterval     time.Duration `envconfig:"CLAIM_INTERVAL" default:"1s"`
	LeaseWindow       time.Duration `envconfig:"LEASE_WINDOW" default:"5m"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`

	// Retry policy shared by the job store and external calls.
	MaxAttempts   int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	RetryBase     time.Duration `envconfig:"RETRY_BASE" default:"2s"`
	RetryCap      time.Duration `envconfig:"RETRY_CAP" default:"5m"`
	RetryJitter   float64       `envconfig:"RETRY_JITTER" default:"0.25"`
	ClientRetries int           `envconfig:"CLIENT_RETRIES" default:"4"`

	// Per-job-type ceilings on concurrently processing jobs. Tuned to the
	// throughput limits of the external extraction/embedding services.
	ExtractCeiling   int `envconfig:"EXTRACT_CEILING" default:"4"`
	EmbedCeiling     int `envconfig:"EMBED_CEILING" default:"2"`
	SegmentCeiling   int `envconfig:"SEGMENT_CEILING" default:"2"`
	AnalyzeCeiling   int `envconfig:"ANALYZE_CEILING" default:"3"`
	QuizCeiling      int `envconfig:"QUIZ_CEILING" default:"3"`
	AggregateCeiling int `envconfig:"AGGREGATE_CEILING" default:"2"`

	// Chunking / summarization batching.
	ChunkMaxChars        int `envconfig:"CHUNK_MAX_CHARS" default:"1200"`
	SummaryBatchMaxChars int `envconfig:"SUMMARY_BATCH_MAX_CHARS" default:"12000"`
	SummaryBatchOverlap  int `envconfig:"SUMMARY_BATCH_OVERLAP" default:"2"`

	// Embedding generator.
	EmbedBatchSize   int `envconfig:"EMBED_BATCH_SIZE" default:"64"`
	EmbedParallelism int `envconfig:"EMBED_PARALLELISM" default:"2"`
	EmbedDim         int `envconfig:"EMBED_DIM" default:"1536"`

	// Focus matcher. K has been observed useful between 1.0 and 1.5.
	FocusFloor      float64 `envconfig:"FOCUS_FLOOR" default:"0.35"`
	FocusK          float64 `envconfig:"FOCUS_K" default:"1.0"`
	FocusTopK       int     `envconfig:"FOCUS_TOP_K" default:"5"`
	FocusMaxMatches int     `envconfig:"FOCUS_MAX_MATCHES" default:"40"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("sf", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &cfg, nil
}

// CeilingFor returns the processing ceiling for a job type; zero means
// the type is unknown and the claimer will refuse to schedule it.
func (c *Config) CeilingFor(jobType string) int {
	switch jobType {
	case "extract":
		return c.ExtractCeiling
	case "embed":
		return c.EmbedCeiling
	case "segment":
		return c.SegmentCeiling
	case "analyze":
		return c.AnalyzeCeiling
	case "quiz":
		return c.QuizCeiling
	case "aggregate":
		return c.AggregateCeiling
	default:
		return 0
	}
}

// Ceilings returns the full job_type -> ceiling map used by the claimer.
func (c *Config) Ceilings() map[string]int {
	return map[string]int{
		"extract":   c.ExtractCeiling,
		"embed":     c.EmbedCeiling,
		"segment":   c.SegmentCeiling,
		"analyze":   c.AnalyzeCeiling,
		"quiz":      c.QuizCeiling,
		"aggregate": c.AggregateCeiling,
	}
}
