// Package config loads iris settings from the environment and .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/barekit/iris/pkg/fetch"
	kbfactory "github.com/barekit/iris/pkg/knowledge/factory"
	"github.com/barekit/iris/pkg/logging"
	"github.com/barekit/iris/pkg/memory/factory"
	"github.com/barekit/iris/pkg/server"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Session   SessionConfig
	Logging   LogConfig
	OpenAI    OpenAIConfig
	Memory    MemoryConfig
	Fetch     FetchConfig
	Image     ImageConfig
	Knowledge KnowledgeConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	Port            string        `envconfig:"PORT" default:"8501"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	Password        string        `envconfig:"APP_PASSWORD"`
	MaxUploadBytes  int64         `envconfig:"MAX_UPLOAD_BYTES" default:"20971520"`
	SecureCookie    bool          `envconfig:"SECURE_COOKIE" default:"false"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// SessionConfig controls eviction of idle browser sessions.
type SessionConfig struct {
	IdleTTL         time.Duration `envconfig:"SESSION_IDLE_TTL" default:"1h"`
	CleanupInterval time.Duration `envconfig:"SESSION_CLEANUP_INTERVAL" default:"5m"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// OpenAIConfig holds model provider configuration.
type OpenAIConfig struct {
	APIKey       string `envconfig:"OPENAI_API_KEY"`
	BaseURL      string `envconfig:"OPENAI_BASE_URL"`
	Model        string `envconfig:"OPENAI_MODEL" default:"gpt-4o"`
	Instructions string `envconfig:"ASSISTANT_INSTRUCTIONS" default:"You are a helpful assistant that answers questions about the image the user shares."`
}

// MemoryConfig selects the run storage backend.
type MemoryConfig struct {
	Type     string `envconfig:"MEMORY_TYPE" default:"inmemory"`
	DSN      string `envconfig:"MEMORY_DSN"`
	Username string `envconfig:"MEMORY_USERNAME"`
	Password string `envconfig:"MEMORY_PASSWORD"`
	DBName   string `envconfig:"MEMORY_DB_NAME"`
}

// FetchConfig controls remote image downloads.
type FetchConfig struct {
	Dir      string        `envconfig:"FETCH_DIR" default:"downloaded_images"`
	Timeout  time.Duration `envconfig:"FETCH_TIMEOUT" default:"10s"`
	Retries  int           `envconfig:"FETCH_RETRIES" default:"0"`
	MaxBytes int64         `envconfig:"FETCH_MAX_BYTES" default:"20971520"`
}

// ImageConfig controls normalization.
type ImageConfig struct {
	Quality int `envconfig:"IMAGE_QUALITY" default:"75"`
}

// KnowledgeConfig selects the recall store. An empty store disables recall.
type KnowledgeConfig struct {
	Store       string `envconfig:"KNOWLEDGE_STORE"`
	QdrantHost  string `envconfig:"QDRANT_HOST" default:"localhost"`
	QdrantPort  int    `envconfig:"QDRANT_PORT" default:"6334"`
	Collection  string `envconfig:"KNOWLEDGE_COLLECTION" default:"iris_notes"`
	PostgresDSN string `envconfig:"KNOWLEDGE_POSTGRES_DSN"`
	RecallLimit int    `envconfig:"RECALL_LIMIT" default:"3"`
}

// Load reads the given .env files, falling back to ".env", and then the
// environment. Missing files are ignored. Variables already set win.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoggingConfig converts to a logging.Config.
func (c *Config) LoggingConfig() logging.Config {
	base := logging.DefaultConfig()
	if c.Logging.Development {
		base = logging.DevelopmentConfig()
	}
	base.Level = c.Logging.Level
	return base
}

// MemoryFactoryConfig converts to a memory factory config.
func (c *Config) MemoryFactoryConfig() factory.Config {
	return factory.Config{
		Type:             factory.Type(c.Memory.Type),
		ConnectionString: c.Memory.DSN,
		Username:         c.Memory.Username,
		Password:         c.Memory.Password,
		DBName:           c.Memory.DBName,
	}
}

// FetcherConfig converts to a fetch.Config.
func (c *Config) FetcherConfig() fetch.Config {
	return fetch.Config{
		Dir:      c.Fetch.Dir,
		Timeout:  c.Fetch.Timeout,
		Retries:  c.Fetch.Retries,
		MaxBytes: c.Fetch.MaxBytes,
	}
}

// HTTPConfig converts to a server.Config.
func (c *Config) HTTPConfig() server.Config {
	return server.Config{
		Password:       c.Server.Password,
		MaxUploadBytes: c.Server.MaxUploadBytes,
		SecureCookie:   c.Server.SecureCookie,
	}
}

// KnowledgeFactoryConfig converts to a knowledge factory config.
func (c *Config) KnowledgeFactoryConfig() kbfactory.Config {
	return kbfactory.Config{
		Type:        kbfactory.Type(c.Knowledge.Store),
		QdrantHost:  c.Knowledge.QdrantHost,
		QdrantPort:  c.Knowledge.QdrantPort,
		Collection:  c.Knowledge.Collection,
		PostgresDSN: c.Knowledge.PostgresDSN,
	}
}
