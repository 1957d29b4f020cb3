package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Assembly   AssemblyConfig   `yaml:"assembly" mapstructure:"assembly"`
	Discovery  DiscoveryConfig  `yaml:"discovery" mapstructure:"discovery"`
	Ranking    RankingConfig    `yaml:"ranking" mapstructure:"ranking"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
}

// StoreConfig configures the requirement and identity stores.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // memory, sqlite or postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the shared discovery cache. An empty address keeps
// the cache in process memory.
type RedisConfig struct {
	Address   string `yaml:"address" mapstructure:"address"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AssemblyConfig configures requirement assembly and the publish gate.
type AssemblyConfig struct {
	PublishThreshold  float64       `yaml:"publish_threshold" mapstructure:"publish_threshold"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" mapstructure:"inactivity_timeout"`
	HardRequired      []string      `yaml:"hard_required" mapstructure:"hard_required"`
	// RegistryPath optionally replaces the built-in field registry.
	RegistryPath string `yaml:"registry_path" mapstructure:"registry_path"`
}

// DiscoveryConfig configures provider discovery, the cache and selection.
type DiscoveryConfig struct {
	CacheTTL          time.Duration  `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	ServeStaleOnError bool           `yaml:"serve_stale_on_error" mapstructure:"serve_stale_on_error"`
	RadiusSteps       []float64      `yaml:"radius_steps" mapstructure:"radius_steps"`
	MaxSizeWindow     int            `yaml:"max_size_window" mapstructure:"max_size_window"`
	TargetCount       int            `yaml:"target_count" mapstructure:"target_count"`
	TierFloor         int            `yaml:"tier_floor" mapstructure:"tier_floor"`
	SourceTimeoutSecs int            `yaml:"source_timeout_secs" mapstructure:"source_timeout_secs"`
	SourceRateLimit   float64        `yaml:"source_rate_limit" mapstructure:"source_rate_limit"` // calls per second per source
	Sources           map[string]int `yaml:"sources" mapstructure:"sources"`                     // source name -> trust rank
	FixturePath       string         `yaml:"fixture_path" mapstructure:"fixture_path"`
}

// RankingConfig holds the candidate score weights.
type RankingConfig struct {
	Weights RankingWeights `yaml:"weights" mapstructure:"weights"`
}

// RankingWeights are the relative weights of the score components.
type RankingWeights struct {
	Rating    float64 `yaml:"rating" mapstructure:"rating"`
	Volume    float64 `yaml:"volume" mapstructure:"volume"`
	Proximity float64 `yaml:"proximity" mapstructure:"proximity"`
	Size      float64 `yaml:"size" mapstructure:"size"`
	Tier      float64 `yaml:"tier" mapstructure:"tier"`
}

// ResilienceConfig configures retries and circuit breaking for discovery
// sources.
type ResilienceConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROJECTMATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "projectmatch.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "projectmatch:")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("assembly.publish_threshold", 70.0)
	v.SetDefault("assembly.inactivity_timeout", "30m")
	v.SetDefault("assembly.hard_required", []string{"category", "zip_code", "description"})
	v.SetDefault("assembly.registry_path", "")
	v.SetDefault("discovery.cache_ttl", "6h")
	v.SetDefault("discovery.serve_stale_on_error", true)
	v.SetDefault("discovery.radius_steps", []float64{25, 50, 100})
	v.SetDefault("discovery.max_size_window", 1)
	v.SetDefault("discovery.target_count", 5)
	v.SetDefault("discovery.tier_floor", 2)
	v.SetDefault("discovery.source_timeout_secs", 10)
	v.SetDefault("discovery.source_rate_limit", 5.0)
	v.SetDefault("discovery.sources", map[string]int{"registry": 3, "directory": 2, "maps": 1})
	v.SetDefault("discovery.fixture_path", "")
	v.SetDefault("ranking.weights.rating", 0.30)
	v.SetDefault("ranking.weights.volume", 0.20)
	v.SetDefault("ranking.weights.proximity", 0.25)
	v.SetDefault("ranking.weights.size", 0.15)
	v.SetDefault("ranking.weights.tier", 0.10)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 200)
	v.SetDefault("resilience.max_backoff_ms", 2000)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 30)

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

// Validate checks the settings a command depends on. mode is the command
// name: serve, migrate, sweep, ingest or sizes.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "sweep", "ingest":
	case "migrate":
		if c.Store.Driver == "memory" {
			errs = append(errs, "store.driver must be sqlite or postgres to migrate")
		}
	case "sizes":
		return nil
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for sqlite")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	default:
		errs = append(errs, "store.driver must be one of memory, sqlite, postgres")
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}
	if c.Assembly.PublishThreshold < 0 || c.Assembly.PublishThreshold > 100 {
		errs = append(errs, "assembly.publish_threshold must be between 0 and 100")
	}
	if c.Assembly.InactivityTimeout < 0 {
		errs = append(errs, "assembly.inactivity_timeout must be >= 0")
	}
	if c.Discovery.CacheTTL <= 0 {
		errs = append(errs, "discovery.cache_ttl must be > 0")
	}
	if c.Discovery.TargetCount <= 0 {
		errs = append(errs, "discovery.target_count must be > 0")
	}
	if c.Discovery.MaxSizeWindow < 0 {
		errs = append(errs, "discovery.max_size_window must be >= 0")
	}
	if c.Discovery.TierFloor < 0 || c.Discovery.TierFloor > 3 {
		errs = append(errs, "discovery.tier_floor must be between 0 and 3")
	}
	for i := 1; i < len(c.Discovery.RadiusSteps); i++ {
		if c.Discovery.RadiusSteps[i] <= c.Discovery.RadiusSteps[i-1] {
			errs = append(errs, "discovery.radius_steps must be increasing")
			break
		}
	}
	w := c.Ranking.Weights
	if w.Rating < 0 || w.Volume < 0 || w.Proximity < 0 || w.Size < 0 || w.Tier < 0 {
		errs = append(errs, "ranking.weights values must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
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
