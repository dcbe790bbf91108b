// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Extraction, Classification, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Postgres       PostgresConfig       `yaml:"postgres"`
	Kafka          KafkaConfig          `yaml:"kafka"`
	Redis          RedisConfig          `yaml:"redis"`
	Extraction     ExtractionConfig     `yaml:"extraction"`
	Classification ClassificationConfig `yaml:"classification"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Logging        LoggingConfig        `yaml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
// Every stage publishes with the submission id as the message key, so
// per-submission ordering holds within each topic (FIFO per partition).
type KafkaTopics struct {
	SubmissionFound    string `yaml:"submissionFound"`
	OCRInit            string `yaml:"ocrInit"`
	ClassificationInit string `yaml:"classificationInit"`
	EventPipeline      string `yaml:"eventPipeline"`
}

// RedisConfig holds Redis connection and snapshot-cache parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
	// SnapshotTTL bounds the lifetime of extraction-stage status
	// snapshots; snapshots for other stages are stored without expiry.
	SnapshotTTL time.Duration `yaml:"snapshotTTL"`
}

// ExtractionConfig controls per-attachment text extraction.
type ExtractionConfig struct {
	// AttachmentTimeout is the wall-clock budget for one attachment.
	AttachmentTimeout time.Duration `yaml:"attachmentTimeout"`
	MaxConcurrent     int           `yaml:"maxConcurrent"`
	OCR               OCRConfig     `yaml:"ocr"`
	Storage           StorageConfig `yaml:"storage"`
	HTTPFetchTimeout  time.Duration `yaml:"httpFetchTimeout"`
	MaxAttachmentSize int64         `yaml:"maxAttachmentSize"`
}

// OCRConfig points at the external OCR engine.
type OCRConfig struct {
	BaseURL  string `yaml:"baseUrl"`
	Language string `yaml:"language"`
}

// StorageConfig holds S3-compatible object store credentials for
// resolving s3:// attachment locations (MinIO in development).
type StorageConfig struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UsePath   bool   `yaml:"usePathStyle"`
}

// ClassificationConfig enumerates the fixed category vocabulary and the
// prompt template used for every classification call. Both are validated
// at startup rather than assembled ad hoc per call.
type ClassificationConfig struct {
	Engine        EngineConfig  `yaml:"engine"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
	Categories    []string      `yaml:"categories"`
	Prompt        string        `yaml:"prompt"`
	MaxSnippet    int           `yaml:"maxSnippet"`
	CallTimeout   time.Duration `yaml:"callTimeout"`
}

// EngineConfig points at the external classification (LLM) engine.
type EngineConfig struct {
	BaseURL string `yaml:"baseUrl"`
	Model   string `yaml:"model"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// GatewayConfig holds the query API port and CORS settings.
type GatewayConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// Placeholders the classification prompt template must contain.
const (
	PromptCategoriesToken = "{{categories}}"
	PromptTextToken       = "{{text}}"
)

// Load reads a YAML config file (if provided), applies environment-variable
// overrides, and validates the result. It returns a Config populated with
// sensible defaults for any missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks the invariants that every service relies on at runtime.
func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker is required")
	}
	for name, topic := range map[string]string{
		"submissionFound":    c.Kafka.Topics.SubmissionFound,
		"ocrInit":            c.Kafka.Topics.OCRInit,
		"classificationInit": c.Kafka.Topics.ClassificationInit,
		"eventPipeline":      c.Kafka.Topics.EventPipeline,
	} {
		if topic == "" {
			return fmt.Errorf("kafka: topic %s must not be empty", name)
		}
	}
	if c.Extraction.AttachmentTimeout <= 0 {
		return fmt.Errorf("extraction: attachmentTimeout must be positive")
	}
	if c.Extraction.MaxConcurrent <= 0 {
		return fmt.Errorf("extraction: maxConcurrent must be positive")
	}
	if c.Classification.MaxConcurrent <= 0 {
		return fmt.Errorf("classification: maxConcurrent must be positive")
	}
	if len(c.Classification.Categories) == 0 {
		return fmt.Errorf("classification: category vocabulary must not be empty")
	}
	seen := make(map[string]struct{}, len(c.Classification.Categories))
	for _, cat := range c.Classification.Categories {
		trimmed := strings.TrimSpace(cat)
		if trimmed == "" {
			return fmt.Errorf("classification: empty category in vocabulary")
		}
		if _, dup := seen[trimmed]; dup {
			return fmt.Errorf("classification: duplicate category %q", trimmed)
		}
		seen[trimmed] = struct{}{}
	}
	if !strings.Contains(c.Classification.Prompt, PromptCategoriesToken) ||
		!strings.Contains(c.Classification.Prompt, PromptTextToken) {
		return fmt.Errorf("classification: prompt must contain %s and %s",
			PromptCategoriesToken, PromptTextToken)
	}
	return nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "mailroom",
			User:            "mailroom",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "mailroom-group",
			Topics: KafkaTopics{
				SubmissionFound:    "submission.found",
				OCRInit:            "ocr.init",
				ClassificationInit: "classification.init",
				EventPipeline:      "event.pipeline",
			},
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			Password:    "",
			DB:          0,
			PoolSize:    10,
			SnapshotTTL: time.Hour,
		},
		Extraction: ExtractionConfig{
			AttachmentTimeout: 60 * time.Second,
			MaxConcurrent:     4,
			OCR: OCRConfig{
				BaseURL:  "http://localhost:8884",
				Language: "eng",
			},
			Storage: StorageConfig{
				Region:    "us-east-1",
				Endpoint:  "http://localhost:9000",
				AccessKey: "mailroom",
				SecretKey: "localdev",
				UsePath:   true,
			},
			HTTPFetchTimeout:  30 * time.Second,
			MaxAttachmentSize: 32 << 20,
		},
		Classification: ClassificationConfig{
			Engine: EngineConfig{
				BaseURL: "http://localhost:11434",
				Model:   "llama3.1",
			},
			MaxConcurrent: 4,
			Categories: []string{
				"invoice",
				"receipt",
				"contract",
				"bank_statement",
				"id_document",
				"tax_form",
				"report",
				"correspondence",
			},
			Prompt: "You are a document classifier for a mailroom intake pipeline.\n" +
				"Classify the document below into exactly one of these categories: {{categories}}.\n" +
				"Respond with a strict JSON object {\"type\": string, \"confidence\": number from 0 to 1}.\n" +
				"No markdown, no extra keys.\n\nDocument:\n{{text}}",
			MaxSnippet:  4000,
			CallTimeout: 2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Gateway: GatewayConfig{
			Port:           8082,
			AllowedOrigins: []string{"*"},
		},
	}
}

// applyEnvOverrides reads MR_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MR_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MR_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("MR_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("MR_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("MR_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("MR_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("MR_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("MR_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("MR_KAFKA_CONSUMER_GROUP"); v != "" {
		cfg.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("MR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MR_OCR_BASE_URL"); v != "" {
		cfg.Extraction.OCR.BaseURL = v
	}
	if v := os.Getenv("MR_STORAGE_ENDPOINT"); v != "" {
		cfg.Extraction.Storage.Endpoint = v
	}
	if v := os.Getenv("MR_STORAGE_ACCESS_KEY"); v != "" {
		cfg.Extraction.Storage.AccessKey = v
	}
	if v := os.Getenv("MR_STORAGE_SECRET_KEY"); v != "" {
		cfg.Extraction.Storage.SecretKey = v
	}
	if v := os.Getenv("MR_ENGINE_BASE_URL"); v != "" {
		cfg.Classification.Engine.BaseURL = v
	}
	if v := os.Getenv("MR_ENGINE_MODEL"); v != "" {
		cfg.Classification.Engine.Model = v
	}
	if v := os.Getenv("MR_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MR_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MR_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
}
