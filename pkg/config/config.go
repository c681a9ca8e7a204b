// Package config loads the application configuration from an optional
// YAML file and DATASAGE_-prefixed environment variables, the latter
// winning. Binaries load a .env file first, so development settings live
// next to the checkout.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the binaries need.
type Config struct {
	API    APIConfig    `mapstructure:"api"`
	Log    LogConfig    `mapstructure:"log"`
	Store  StoreConfig  `mapstructure:"store"`
	Blob   BlobConfig   `mapstructure:"blob"`
	LLM    LLMConfig    `mapstructure:"llm"`
	Ingest IngestConfig `mapstructure:"ingest"`
	Query  QueryConfig  `mapstructure:"query"`
	NATS   NATSConfig   `mapstructure:"nats"`
	Worker WorkerConfig `mapstructure:"worker"`
	Trace  TraceConfig  `mapstructure:"trace"`
}

type APIConfig struct {
	Addr            string        `mapstructure:"addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	// Backend is postgres, qdrant, or memory.
	Backend     string `mapstructure:"backend"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	QdrantAddr  string `mapstructure:"qdrant_addr"`
	Collection  string `mapstructure:"collection"`
	// IndexLists and IndexProbes tune the pgvector IVFFlat index; higher
	// probes raise recall at the cost of latency.
	IndexLists  int `mapstructure:"index_lists"`
	IndexProbes int `mapstructure:"index_probes"`
}

type BlobConfig struct {
	// Backend is local or s3.
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type LLMConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	ChatModel  string        `mapstructure:"chat_model"`
	EmbedModel string        `mapstructure:"embed_model"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`

	// RPM and TPM cap requests and tokens per minute. Zero disables the
	// limiter.
	RPM int `mapstructure:"rpm"`
	TPM int `mapstructure:"tpm"`
}

type IngestConfig struct {
	// Strategy is window or sentence.
	Strategy  string `mapstructure:"strategy"`
	ChunkSize int    `mapstructure:"chunk_size"`
	Overlap   int    `mapstructure:"overlap"`

	// CachePath points at the SQLite embedding cache. Empty disables it.
	CachePath string `mapstructure:"cache_path"`
}

type QueryConfig struct {
	TopK          int     `mapstructure:"top_k"`
	MinScore      float64 `mapstructure:"min_score"`
	Temperature   float64 `mapstructure:"temperature"`
	MaxTokens     int     `mapstructure:"max_tokens"`
	ContextBudget int     `mapstructure:"context_budget"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type WorkerConfig struct {
	// Rate paces job processing, in jobs per second.
	Rate        float64 `mapstructure:"rate"`
	Burst       int     `mapstructure:"burst"`
	MetricsAddr string  `mapstructure:"metrics_addr"`
}

type TraceConfig struct {
	// Endpoint is the OTLP gRPC collector. Empty disables tracing.
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Environment string  `mapstructure:"environment"`
}

// Load reads the configuration. An empty path looks for datasage.yaml in
// the working directory and tolerates its absence; an explicit path must
// exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DATASAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("datasage")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Validate reports configuration problems worth surfacing at startup.
// They are warnings, not errors; a binary that never touches the
// offending setting still starts.
func (c *Config) Validate() []string {
	var warnings []string

	if c.LLM.APIKey == "" {
		warnings = append(warnings, "llm.api_key is empty")
	}
	if c.LLM.Dimensions <= 0 {
		warnings = append(warnings, fmt.Sprintf("llm.dimensions %d must be positive", c.LLM.Dimensions))
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		warnings = append(warnings, "store.backend is postgres but store.postgres_dsn is empty")
	}
	if c.Store.Backend == "qdrant" && c.Store.QdrantAddr == "" {
		warnings = append(warnings, "store.backend is qdrant but store.qdrant_addr is empty")
	}
	if c.Blob.Backend == "s3" && c.Blob.Bucket == "" {
		warnings = append(warnings, "blob.backend is s3 but blob.bucket is empty")
	}
	if c.Query.Temperature < 0 || c.Query.Temperature > 2 {
		warnings = append(warnings, fmt.Sprintf("query.temperature %.2f is outside [0.0, 2.0]", c.Query.Temperature))
	}
	if c.Query.TopK <= 0 {
		warnings = append(warnings, fmt.Sprintf("query.top_k %d must be positive", c.Query.TopK))
	}
	return warnings
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.metrics_addr", ":9091")
	v.SetDefault("api.cors_origin", "*")
	v.SetDefault("api.max_upload_bytes", int64(25<<20))
	v.SetDefault("api.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.qdrant_addr", "localhost:6334")
	v.SetDefault("store.collection", "datasage_chunks")
	v.SetDefault("store.index_lists", 100)
	v.SetDefault("store.index_probes", 10)

	v.SetDefault("blob.backend", "local")
	v.SetDefault("blob.dir", "data/uploads")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.access_key", "")
	v.SetDefault("blob.secret_key", "")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.chat_model", "gpt-4o-mini")
	v.SetDefault("llm.embed_model", "text-embedding-3-large")
	v.SetDefault("llm.dimensions", 3072)
	v.SetDefault("llm.timeout", time.Minute)
	v.SetDefault("llm.rpm", 0)
	v.SetDefault("llm.tpm", 0)

	v.SetDefault("ingest.strategy", "window")
	v.SetDefault("ingest.chunk_size", 1024)
	v.SetDefault("ingest.overlap", 200)
	v.SetDefault("ingest.cache_path", "")

	v.SetDefault("query.top_k", 5)
	v.SetDefault("query.min_score", 0.0)
	v.SetDefault("query.temperature", 0.2)
	v.SetDefault("query.max_tokens", 1024)
	v.SetDefault("query.context_budget", 12000)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")

	v.SetDefault("worker.rate", 2.0)
	v.SetDefault("worker.burst", 4)
	v.SetDefault("worker.metrics_addr", ":9092")

	v.SetDefault("trace.endpoint", "")
	v.SetDefault("trace.sample_ratio", 1.0)
	v.SetDefault("trace.environment", "development")
}
