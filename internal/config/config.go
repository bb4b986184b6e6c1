package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Manifest backends.
const (
	ManifestNone     = "none"
	ManifestMemory   = "memory"
	ManifestRedis    = "redis"
	ManifestPostgres = "postgres"
)

// Config is the full run configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Hub     HubConfig     `yaml:"hub"`
	Archive ArchiveConfig `yaml:"archive"`

	Manifest ManifestConfig `yaml:"manifest"`

	VerifySample int    `yaml:"verify_sample"`
	MetricsFile  string `yaml:"metrics_file"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// HubConfig configures the primary dataset source.
type HubConfig struct {
	Endpoint          string  `yaml:"endpoint"`
	Dataset           string  `yaml:"dataset"`
	Config            string  `yaml:"config"`
	PageSize          int     `yaml:"page_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxTries          uint    `yaml:"max_tries"`
	SplitAttempts     int     `yaml:"split_attempts"`
	PageCacheSize     int     `yaml:"page_cache_size"`
}

// ArchiveConfig configures the fallback archive download.
type ArchiveConfig struct {
	URL string `yaml:"url"`
}

// ManifestConfig selects where written-file records are kept.
type ManifestConfig struct {
	Backend       string `yaml:"backend"`
	SnapshotPath  string `yaml:"snapshot_path"` // memory backend; default <data_dir>/.manifest.json
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PostgresConn  string `yaml:"postgres_conn"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "mmlu/data",
		Hub: HubConfig{
			Endpoint:          "https://datasets-server.huggingface.co",
			Dataset:           "cais/mmlu",
			Config:            "all",
			PageSize:          100,
			RequestsPerSecond: 5,
			MaxTries:          4,
			SplitAttempts:     2,
			PageCacheSize:     256,
		},
		Archive: ArchiveConfig{
			URL: "https://people.eecs.berkeley.edu/~hendrycks/data.tar",
		},
		Manifest: ManifestConfig{
			Backend:   ManifestMemory,
			RedisAddr: "localhost:6379",
		},
		VerifySample: 3,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if non-empty), then the
// .env file at envFile (if present), then process environment variables.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil // empty file
		}
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DataDir = getEnv("MMLU_DATA_DIR", c.DataDir)
	c.Hub.Endpoint = getEnv("MMLU_HUB_ENDPOINT", c.Hub.Endpoint)
	c.Hub.Dataset = getEnv("MMLU_DATASET", c.Hub.Dataset)
	c.Archive.URL = getEnv("MMLU_ARCHIVE_URL", c.Archive.URL)
	c.Manifest.Backend = getEnv("MANIFEST_BACKEND", c.Manifest.Backend)
	c.Manifest.RedisAddr = getEnv("REDIS_ADDR", c.Manifest.RedisAddr)
	c.Manifest.RedisPassword = getEnv("REDIS_PASSWORD", c.Manifest.RedisPassword)
	c.Manifest.PostgresConn = getEnv("POSTGRES_CONN", c.Manifest.PostgresConn)
	c.MetricsFile = getEnv("MMLU_METRICS_FILE", c.MetricsFile)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)

	if v := os.Getenv("MMLU_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid MMLU_RPS %q: %w", v, err)
		}
		c.Hub.RequestsPerSecond = rps
	}
	return nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.Hub.RequestsPerSecond <= 0 {
		return fmt.Errorf("hub.requests_per_second must be positive, got %v", c.Hub.RequestsPerSecond)
	}
	if c.Hub.PageSize <= 0 || c.Hub.PageSize > 100 {
		return fmt.Errorf("hub.page_size must be in [1,100], got %d", c.Hub.PageSize)
	}
	if c.Hub.SplitAttempts <= 0 {
		return fmt.Errorf("hub.split_attempts must be positive, got %d", c.Hub.SplitAttempts)
	}
	if c.Hub.PageCacheSize <= 0 {
		return fmt.Errorf("hub.page_cache_size must be positive, got %d", c.Hub.PageCacheSize)
	}
	if c.VerifySample < 0 {
		return fmt.Errorf("verify_sample must not be negative, got %d", c.VerifySample)
	}
	switch c.Manifest.Backend {
	case ManifestNone, ManifestMemory:
	case ManifestRedis:
		if c.Manifest.RedisAddr == "" {
			return errors.New("manifest.redis_addr is required for the redis backend")
		}
	case ManifestPostgres:
		if c.Manifest.PostgresConn == "" {
			return errors.New("manifest.postgres_conn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown manifest backend %q", c.Manifest.Backend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
