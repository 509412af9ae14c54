package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	defaults "github.com/mcuadros/go-defaults"
)

// Provider backends understood by EMBEDDING_PROVIDER.
const (
	ProviderGRPC    = "grpc"
	ProviderCommand = "command"
)

// Config holds every recognized service option.
type Config struct {
	Port            string  `toml:"port" default:"5001"`
	MatchThreshold  float64 `toml:"match_threshold" default:"0.6"`
	ModelName       string  `toml:"model_name" default:"Facenet512"`
	DetectorBackend string  `toml:"detector_backend" default:"opencv"`
	MaxImageSize    int64   `toml:"max_image_size" default:"10485760"`

	EmbeddingProvider     string `toml:"embedding_provider" default:"grpc"`
	EmbeddingProviderAddr string `toml:"embedding_provider_addr" default:"face-embedder:50051"`
	EmbeddingCommand      string `toml:"embedding_command" default:"deepface-represent"`
	StagingDir            string `toml:"staging_dir"`

	AuditEnabled bool   `toml:"audit_enabled"`
	DatabaseDSN  string `toml:"database_dsn" default:"host=postgres user=postgres password=postgres dbname=faceverify port=5432 sslmode=disable"`
	RedisAddr    string `toml:"redis_addr" default:"redis:6379"`

	JWTSecret   string `toml:"jwt_secret"`
	JWTAudience string `toml:"jwt_audience"`

	LogLevel string `toml:"log_level" default:"info"`
	LogFile  string `toml:"log_file"`
}

// Load resolves the configuration from struct defaults, an optional TOML
// file, a .env file in the working directory and the process environment,
// in increasing order of precedence.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if math.IsNaN(c.MatchThreshold) || c.MatchThreshold < 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("MATCH_THRESHOLD must be within [0,1], got %v", c.MatchThreshold)
	}
	if c.MaxImageSize <= 0 {
		return fmt.Errorf("MAX_IMAGE_SIZE must be positive, got %d", c.MaxImageSize)
	}
	switch c.EmbeddingProvider {
	case ProviderGRPC:
		if c.EmbeddingProviderAddr == "" {
			return errors.New("EMBEDDING_PROVIDER_ADDR is required for the grpc provider")
		}
	case ProviderCommand:
		if c.EmbeddingCommand == "" {
			return errors.New("EMBEDDING_COMMAND is required for the command provider")
		}
	default:
		return fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.EmbeddingProvider)
	}
	if c.AuditEnabled && (c.DatabaseDSN == "" || c.RedisAddr == "") {
		return errors.New("DATABASE_DSN and REDIS_ADDR are required when auditing is enabled")
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		value, ok := lookup(key)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}

	stringVars := map[string]*string{
		"PORT":                    &c.Port,
		"MODEL_NAME":              &c.ModelName,
		"DETECTOR_BACKEND":        &c.DetectorBackend,
		"EMBEDDING_PROVIDER":      &c.EmbeddingProvider,
		"EMBEDDING_PROVIDER_ADDR": &c.EmbeddingProviderAddr,
		"EMBEDDING_COMMAND":       &c.EmbeddingCommand,
		"STAGING_DIR":             &c.StagingDir,
		"DATABASE_DSN":            &c.DatabaseDSN,
		"REDIS_ADDR":              &c.RedisAddr,
		"JWT_SECRET":              &c.JWTSecret,
		"JWT_AUDIENCE":            &c.JWTAudience,
		"LOG_LEVEL":               &c.LogLevel,
		"LOG_FILE":                &c.LogFile,
	}
	for key, dst := range stringVars {
		if value, ok := get(key); ok {
			*dst = value
		}
	}

	if value, ok := get("MATCH_THRESHOLD"); ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("parse MATCH_THRESHOLD: %w", err)
		}
		c.MatchThreshold = parsed
	}
	if value, ok := get("MAX_IMAGE_SIZE"); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("parse MAX_IMAGE_SIZE: %w", err)
		}
		c.MaxImageSize = parsed
	}
	if value, ok := get("AUDIT_ENABLED"); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parse AUDIT_ENABLED: %w", err)
		}
		c.AuditEnabled = parsed
	}
	return nil
}
