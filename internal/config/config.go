package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
)

const (
	DispatchInline = "inline"
	DispatchQueue  = "queue"
)

type Config struct {
	API       APIConfig
	Queue     QueueConfig `envPrefix:"REDIS_"`
	Worker    WorkerConfig
	Storage   StorageConfig `envPrefix:"MINIO_"`
	Database  DatabaseConfig
	Payment   PaymentConfig
	Monitor   MonitorConfig
	Analysis  AnalysisConfig  `envPrefix:"ANALYSIS_"`
	Webhook   WebhookConfig   `envPrefix:"WEBHOOK_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	Tracing   TracingConfig
	Log       LogConfig `envPrefix:"LOG_"`
}

type APIConfig struct {
	Addr string `env:"RISKLENS_API_ADDR" envDefault:":8080"`
	// DispatchMode selects where confirmed jobs run: in the API process or on
	// the asynq worker.
	DispatchMode  string `env:"DISPATCH_MODE" envDefault:"inline"`
	ResumeWatches bool   `env:"RESUME_WATCHES" envDefault:"true"`
	// ShutdownTimeout bounds how long in-flight pipelines get to finish.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

type QueueConfig struct {
	RedisAddr     string `env:"ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"PASSWORD"`
	RedisDB       int    `env:"DB" envDefault:"0"`
	Name          string `env:"QUEUE" envDefault:"risklens"`
	MaxRetry      int    `env:"MAX_RETRY" envDefault:"5"`
	// TaskTimeout covers analysis plus result submission.
	TaskTimeout time.Duration `env:"TASK_TIMEOUT" envDefault:"20m"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int    `env:"WORKER_CONCURRENCY"`
	MaxActiveJobs int    `env:"WORKER_MAX_ACTIVE_JOBS"`
	MetricsAddr   string `env:"WORKER_METRICS_ADDR" envDefault:":9091"`
}

type StorageConfig struct {
	// Endpoint left empty disables report archiving.
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey string `env:"SECRET_KEY" envDefault:"minioadmin"`
	Bucket    string `env:"BUCKET" envDefault:"risklens-reports"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"false"`
}

type DatabaseConfig struct {
	// DSN left empty keeps jobs in memory.
	DSN string `env:"POSTGRES_DSN"`
}

type PaymentConfig struct {
	ServiceURL         string        `env:"PAYMENT_SERVICE_URL"`
	APIKey             string        `env:"PAYMENT_API_KEY"`
	AgentIdentifier    string        `env:"AGENT_IDENTIFIER"`
	SellerVKey         string        `env:"SELLER_VKEY"`
	Network            string        `env:"NETWORK" envDefault:"Preprod"`
	Timeout            time.Duration `env:"PAYMENT_TIMEOUT" envDefault:"30s"`
	MaxAttempts        int           `env:"PAYMENT_MAX_ATTEMPTS" envDefault:"3"`
	InitialBackoff     time.Duration `env:"PAYMENT_INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff         time.Duration `env:"PAYMENT_MAX_BACKOFF" envDefault:"10s"`
	PayByWindow        time.Duration `env:"PAYMENT_PAY_BY_WINDOW" envDefault:"12h"`
	SubmitResultWindow time.Duration `env:"PAYMENT_SUBMIT_RESULT_WINDOW" envDefault:"24h"`
	// AgentURL is the public address announced by cmd/register.
	AgentURL string `env:"AGENT_URL"`
}

type MonitorConfig struct {
	PollInterval   time.Duration `env:"PAYMENT_POLL_INTERVAL" envDefault:"60s"`
	MaxWait        time.Duration `env:"PAYMENT_MAX_WAIT" envDefault:"24h"`
	OnErrorBackoff time.Duration `env:"PAYMENT_ERROR_BACKOFF" envDefault:"60s"`
}

type AnalysisConfig struct {
	ServiceURL string        `env:"SERVICE_URL"`
	APIKey     string        `env:"API_KEY"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"15m"`
	// MaxResponseBytes caps the report body read from the service.
	MaxResponseBytes int64 `env:"MAX_RESPONSE_BYTES" envDefault:"8388608"`
}

type WebhookConfig struct {
	URL            string        `env:"URL"`
	SigningSecret  string        `env:"SIGNING_SECRET"`
	Timeout        time.Duration `env:"TIMEOUT" envDefault:"10s"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	InitialBackoff time.Duration `env:"INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff     time.Duration `env:"MAX_BACKOFF" envDefault:"10s"`
}

type RateLimitConfig struct {
	Enabled       bool          `env:"ENABLED" envDefault:"false"`
	Requests      int           `env:"REQUESTS" envDefault:"30"`
	Window        time.Duration `env:"WINDOW" envDefault:"1m"`
	SubjectHeader string        `env:"SUBJECT_HEADER" envDefault:"X-Forwarded-For"`
	KeyPrefix     string        `env:"KEY_PREFIX" envDefault:"risklens:ratelimit"`
}

type TracingConfig struct {
	ServiceName  string  `env:"OTEL_SERVICE_NAME" envDefault:"risklens"`
	Exporter     string  `env:"OTEL_TRACES_EXPORTER" envDefault:"none"`
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"text"`
}

// Load reads an optional .env file, parses the environment and applies
// guardrails.
func Load() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse is Load without Validate, for tools that need only part of the
// config.
func Parse() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize clamps values that would otherwise stall or spin the service.
func (c *Config) Sanitize() {
	c.API.DispatchMode = strings.ToLower(strings.TrimSpace(c.API.DispatchMode))
	if c.API.DispatchMode == "" {
		c.API.DispatchMode = DispatchInline
	}
	if c.API.ShutdownTimeout <= 0 {
		c.API.ShutdownTimeout = 30 * time.Second
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = max(2, runtime.NumCPU())
	}
	if c.Worker.MaxActiveJobs <= 0 {
		c.Worker.MaxActiveJobs = max(1, runtime.NumCPU()/2)
	}
	if c.Queue.MaxRetry < 0 {
		c.Queue.MaxRetry = 0
	}

	if c.Payment.MaxAttempts < 1 {
		c.Payment.MaxAttempts = 1
	}
	if c.Monitor.PollInterval < time.Second {
		c.Monitor.PollInterval = time.Second
	}
	if c.Monitor.MaxWait < c.Monitor.PollInterval {
		c.Monitor.MaxWait = c.Monitor.PollInterval
	}
	if c.Monitor.OnErrorBackoff <= 0 {
		c.Monitor.OnErrorBackoff = c.Monitor.PollInterval
	}

	if c.RateLimit.Requests < 1 {
		c.RateLimit.Requests = 1
	}
	if c.RateLimit.Window < time.Second {
		c.RateLimit.Window = time.Second
	}

	if c.Tracing.SampleRatio < 0 {
		c.Tracing.SampleRatio = 0
	}
	if c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
}

func (c Config) Validate() error {
	switch c.API.DispatchMode {
	case DispatchInline, DispatchQueue:
	default:
		return fmt.Errorf("invalid DISPATCH_MODE %q: want %s or %s", c.API.DispatchMode, DispatchInline, DispatchQueue)
	}
	if strings.TrimSpace(c.Payment.ServiceURL) == "" {
		return errors.New("PAYMENT_SERVICE_URL is required")
	}
	if strings.TrimSpace(c.Analysis.ServiceURL) == "" {
		return errors.New("ANALYSIS_SERVICE_URL is required")
	}
	if c.API.DispatchMode == DispatchQueue && strings.TrimSpace(c.Database.DSN) == "" {
		// The worker must see the jobs the API created.
		return errors.New("DISPATCH_MODE=queue requires POSTGRES_DSN")
	}
	return nil
}
