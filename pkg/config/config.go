// Package config loads service configuration from defaults, an optional
// YAML file, a .env file and the process environment, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/echomind/echomind-qa/pkg/logging"
	"github.com/echomind/echomind-qa/pkg/tracing"
)

// MaxBatchSize is the largest number of texts Cohere accepts per embed call.
const MaxBatchSize = 96

type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Qdrant  QdrantConfig   `mapstructure:"qdrant"`
	Embed   EmbedConfig    `mapstructure:"embed"`
	Ingest  IngestConfig   `mapstructure:"ingest"`
	Search  SearchConfig   `mapstructure:"search"`
	Redis   RedisConfig    `mapstructure:"redis"`
	NATS    NATSConfig     `mapstructure:"nats"`
	Neo4j   Neo4jConfig    `mapstructure:"neo4j"`
	Log     logging.Config `mapstructure:"log"`
	Tracing tracing.Config `mapstructure:"tracing"`
	Breaker BreakerConfig  `mapstructure:"breaker"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type QdrantConfig struct {
	Addr           string  `mapstructure:"addr"`
	Collection     string  `mapstructure:"collection"`
	ScoreThreshold float32 `mapstructure:"score_threshold"`
}

type EmbedConfig struct {
	Provider  string        `mapstructure:"provider"` // cohere | ollama
	Model     string        `mapstructure:"model"`
	Dimension int           `mapstructure:"dimension"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Cohere    CohereConfig  `mapstructure:"cohere"`
	Ollama    OllamaConfig  `mapstructure:"ollama"`
}

type CohereConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type OllamaConfig struct {
	URL string `mapstructure:"url"`
}

type IngestConfig struct {
	BatchSize        int     `mapstructure:"batch_size"`
	Concurrency      int     `mapstructure:"concurrency"`
	BatchesPerSecond float64 `mapstructure:"batches_per_second"`
	MaxAttempts      int     `mapstructure:"max_attempts"`
	Subject          string  `mapstructure:"subject"`
	DLQSubject       string  `mapstructure:"dlq_subject"`
	StateFile        string  `mapstructure:"state_file"`
}

type SearchConfig struct {
	DefaultTopK int `mapstructure:"default_top_k"`
	MaxTopK     int `mapstructure:"max_top_k"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type Neo4jConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // ingest worker only; the API serves /metrics itself
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", 32<<20)

	v.SetDefault("qdrant.addr", "localhost:6334")
	v.SetDefault("qdrant.collection", "echomind_qa")
	v.SetDefault("qdrant.score_threshold", 0)

	v.SetDefault("embed.provider", "cohere")
	v.SetDefault("embed.model", "embed-multilingual-v3.0")
	v.SetDefault("embed.dimension", 1024)
	v.SetDefault("embed.timeout", 30*time.Second)
	v.SetDefault("embed.cohere.api_key", "")
	v.SetDefault("embed.cohere.base_url", "https://api.cohere.com")
	v.SetDefault("embed.ollama.url", "http://localhost:11434")

	v.SetDefault("ingest.batch_size", 90)
	v.SetDefault("ingest.concurrency", 1)
	v.SetDefault("ingest.batches_per_second", 1.0)
	v.SetDefault("ingest.max_attempts", 1)
	v.SetDefault("ingest.subject", "qa.ingest")
	v.SetDefault("ingest.dlq_subject", "qa.ingest.dlq")
	v.SetDefault("ingest.state_file", ".ingest-state.json")

	v.SetDefault("search.default_top_k", 3)
	v.SetDefault("search.max_top_k", 50)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 10*time.Minute)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.url", "neo4j://localhost:7687")
	v.SetDefault("neo4j.user", "neo4j")
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "echomind-qa")

	v.SetDefault("breaker.fail_threshold", 5)
	v.SetDefault("breaker.timeout", 30*time.Second)

	v.SetDefault("metrics.addr", ":9091")
}

// Short environment names accepted alongside the SECTION_KEY form.
var envAliases = map[string]string{
	"server.port":          "PORT",
	"embed.cohere.api_key": "COHERE_API_KEY",
	"embed.ollama.url":     "OLLAMA_URL",
	"neo4j.password":       "NEO4J_PASS",
	"nats.url":             "NATS_URL",
}

// Load builds a Config. path may be empty, in which case only defaults and
// the environment apply. A .env file in the working directory is read if
// present; variables already set in the environment take precedence over it.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, alias := range envAliases {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, alias); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Embed.Provider {
	case "cohere":
		if c.Embed.Cohere.APIKey == "" {
			return errors.New("config: embed.cohere.api_key is required for the cohere provider")
		}
	case "ollama":
		if c.Embed.Ollama.URL == "" {
			return errors.New("config: embed.ollama.url is required for the ollama provider")
		}
	default:
		return fmt.Errorf("config: unknown embed.provider %q", c.Embed.Provider)
	}
	if c.Embed.Dimension <= 0 {
		return fmt.Errorf("config: embed.dimension must be positive, got %d", c.Embed.Dimension)
	}
	if c.Ingest.BatchSize < 1 || c.Ingest.BatchSize > MaxBatchSize {
		return fmt.Errorf("config: ingest.batch_size must be in [1, %d], got %d", MaxBatchSize, c.Ingest.BatchSize)
	}
	if c.Ingest.Concurrency < 1 {
		return fmt.Errorf("config: ingest.concurrency must be at least 1, got %d", c.Ingest.Concurrency)
	}
	if c.Ingest.MaxAttempts < 1 {
		return fmt.Errorf("config: ingest.max_attempts must be at least 1, got %d", c.Ingest.MaxAttempts)
	}
	if c.Search.DefaultTopK < 1 || c.Search.DefaultTopK > c.Search.MaxTopK {
		return fmt.Errorf("config: search.default_top_k %d outside [1, %d]", c.Search.DefaultTopK, c.Search.MaxTopK)
	}
	if c.Qdrant.Collection == "" {
		return errors.New("config: qdrant.collection is required")
	}
	return nil
}
