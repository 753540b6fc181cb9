package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Parallel  ParallelConfig  `yaml:"parallel" mapstructure:"parallel"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Stream    StreamConfig    `yaml:"stream" mapstructure:"stream"`
	Enrich    EnrichConfig    `yaml:"enrich" mapstructure:"enrich"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the gateway HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// ParallelConfig holds task API credentials and endpoint.
type ParallelConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// AnthropicConfig configures the direct enrichment engine.
type AnthropicConfig struct {
	Key               string `yaml:"key" mapstructure:"key"`
	Model             string `yaml:"model" mapstructure:"model"`
	MaxTokens         int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxConcurrent     int    `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// StoreConfig configures the session store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
}

// StreamConfig configures stream-reconnect behavior on the orchestrator side.
type StreamConfig struct {
	MaxReconnects    int `yaml:"max_reconnects" mapstructure:"max_reconnects"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// EnrichConfig configures enrichment defaults.
type EnrichConfig struct {
	Processor string `yaml:"processor" mapstructure:"processor"`
	Engine    string `yaml:"engine" mapstructure:"engine"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GRIDFILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only surfaces env vars for keys viper already knows.
	// Secrets and the postgres URL have no entry in Defaults, so they are
	// bound explicitly or GRIDFILL_PARALLEL_KEY etc. would be ignored.
	for _, key := range []string{"parallel.key", "anthropic.key", "store.database_url"} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	for key, val := range Defaults() {
		v.SetDefault(key, val)
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Defaults returns the default configuration values keyed by viper path.
// The init command scaffolds a config file from the same map.
func Defaults() map[string]any {
	return map[string]any{
		"server.port":                   8080,
		"server.allowed_origins":        []string{"*"},
		"parallel.base_url":             "https://api.parallel.ai",
		"anthropic.model":               "claude-haiku-4-5-20251001",
		"anthropic.max_tokens":          1024,
		"anthropic.max_concurrent":      4,
		"anthropic.requests_per_minute": 60,
		"store.driver":                  "sqlite",
		"store.path":                    "gridfill.db",
		"stream.max_reconnects":         4,
		"stream.initial_backoff_ms":     1000,
		"stream.max_backoff_ms":         8000,
		"enrich.processor":              "base",
		"enrich.engine":                 "parallel",
		"log.level":                     "info",
		"log.format":                    "json",
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
