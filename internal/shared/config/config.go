package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds agent configuration.
type Config struct {
	Env             string   `yaml:"env" env:"ENV" env-default:"dev"`
	Port            string   `yaml:"port" env:"PORT" env-default:"8787"`
	CORSAllowOrigin []string `yaml:"cors_allow_origins" env:"CORS_ALLOW_ORIGINS" env-separator:"," env-default:"http://localhost:5173"`
	LogLevel        string   `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	StoreDriver string `yaml:"store_driver" env:"STORE_DRIVER" env-default:"sqlite3"`
	LocalDBPath string `yaml:"local_db_path" env:"LOCAL_DB_PATH" env-default:"./data/inspections.db"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`

	SpoolDir        string `yaml:"media_spool_dir" env:"MEDIA_SPOOL_DIR" env-default:"./data/spool"`
	ObjectStoreType string `yaml:"object_store" env:"OBJECT_STORE" env-default:"local"`
	LocalStoreDir   string `yaml:"local_store_dir" env:"LOCAL_STORE_DIR" env-default:"./data/media"`
	AWSRegion       string `yaml:"aws_region" env:"AWS_REGION"`
	S3Bucket        string `yaml:"s3_bucket" env:"S3_BUCKET"`
	S3Prefix        string `yaml:"s3_prefix" env:"S3_PREFIX" env-default:"inspections/"`
	SSEKMSKeyID     string `yaml:"sse_kms_key_id" env:"SSE_KMS_KEY_ID"`

	APIBaseURL     string        `yaml:"api_base_url" env:"FLEET_API_URL"`
	APIToken       string        `yaml:"api_token" env:"FLEET_API_TOKEN"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" env-default:"30s"`

	DeliveryTransport string `yaml:"delivery_transport" env:"DELIVERY_TRANSPORT" env-default:"http"`
	SQSQueueURL       string `yaml:"sqs_queue_url" env:"SUBMISSIONS_SQS_QUEUE_URL"`

	SyncInterval      time.Duration `yaml:"sync_interval" env:"SYNC_INTERVAL" env-default:"60s"`
	ProbeInterval     time.Duration `yaml:"probe_interval" env:"CONNECTIVITY_PROBE_INTERVAL" env-default:"15s"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY" env-default:"2s"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY" env-default:"5m"`
	WarnAfterAttempts int           `yaml:"warn_after_attempts" env:"WARN_AFTER_ATTEMPTS" env-default:"5"`
	MediaConcurrency  int           `yaml:"media_concurrency" env:"MEDIA_CONCURRENCY" env-default:"3"`
	TemplateCacheTTL  time.Duration `yaml:"template_cache_ttl" env:"TEMPLATE_CACHE_TTL" env-default:"10m"`
}

// Load reads configuration from an optional YAML file (CONFIG_PATH) and the environment.
func Load() (Config, error) {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	var cfg Config
	if path := strings.TrimSpace(os.Getenv("CONFIG_PATH")); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env config: %w", err)
	}

	cfg.Env = normalizeEnv(cfg.Env)
	cfg.StoreDriver = normalizeStoreDriver(cfg.StoreDriver)
	cfg.ObjectStoreType = normalizeStoreType(cfg.ObjectStoreType)
	cfg.DeliveryTransport = normalizeTransport(cfg.DeliveryTransport)
	cfg.CORSAllowOrigin = splitAndTrim(strings.Join(cfg.CORSAllowOrigin, ","))

	if cfg.Env == "production" && strings.TrimSpace(cfg.APIBaseURL) == "" {
		log.Printf("FLEET_API_URL is required in production")
	}
	if cfg.StoreDriver == "postgres" && strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("STORE_DRIVER=postgres requires DATABASE_URL")
	}
	return cfg, nil
}

// MustLoad is Load for process entrypoints.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

func normalizeStoreDriver(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "postgres", "pg", "pgx":
		return "postgres"
	case "memory", "mem":
		return "memory"
	default:
		return "sqlite3"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

func normalizeTransport(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sqs":
		return "sqs"
	default:
		return "http"
	}
}
