package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. It is built once by Load
// and passed explicitly; nothing reads the environment after startup.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Fetch   FetchConfig   `yaml:"fetch" mapstructure:"fetch"`
	PdfText PdfTextConfig `yaml:"pdftext" mapstructure:"pdftext"`
	EFL     EFLConfig     `yaml:"efl" mapstructure:"efl"`
	Drain   DrainConfig   `yaml:"drain" mapstructure:"drain"`
	Batch   BatchConfig   `yaml:"batch" mapstructure:"batch"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Breaker BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// FetchConfig configures EFL document downloads.
type FetchConfig struct {
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBytes      int64   `yaml:"max_bytes" mapstructure:"max_bytes"`
	UserAgent     string  `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
	MaxRetries    int     `yaml:"max_retries" mapstructure:"max_retries"`
}

// PdfTextConfig configures PDF text-layer extraction.
type PdfTextConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	RemoteURL     string `yaml:"remote_url" mapstructure:"remote_url"`
	RemoteToken   string `yaml:"remote_token" mapstructure:"remote_token"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// EFLConfig holds the numeric validation policy and the known TDSP list.
type EFLConfig struct {
	Tolerance        float64  `yaml:"tolerance" mapstructure:"tolerance"`
	HeldOutTolerance float64  `yaml:"held_out_tolerance" mapstructure:"held_out_tolerance"`
	RateMinCents     float64  `yaml:"rate_min_cents" mapstructure:"rate_min_cents"`
	RateMaxCents     float64  `yaml:"rate_max_cents" mapstructure:"rate_max_cents"`
	FeeMaxCents      float64  `yaml:"fee_max_cents" mapstructure:"fee_max_cents"`
	MaxSolveUnknowns int      `yaml:"max_solve_unknowns" mapstructure:"max_solve_unknowns"`
	KnownTDSPs       []string `yaml:"known_tdsps" mapstructure:"known_tdsps"`
	TDSPFile         string   `yaml:"tdsp_file" mapstructure:"tdsp_file"`
}

// DrainConfig configures the review queue drain loop.
type DrainConfig struct {
	BudgetSecs       int  `yaml:"budget_secs" mapstructure:"budget_secs"`
	SafetyMarginSecs int  `yaml:"safety_margin_secs" mapstructure:"safety_margin_secs"`
	PageSize         int  `yaml:"page_size" mapstructure:"page_size"`
	AutoSweep        bool `yaml:"auto_sweep" mapstructure:"auto_sweep"`
}

// BatchConfig configures concurrent processing in the process command.
type BatchConfig struct {
	MaxConcurrentDocuments int `yaml:"max_concurrent_documents" mapstructure:"max_concurrent_documents"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AdminToken     string   `yaml:"admin_token" mapstructure:"admin_token"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// RetryConfig configures store and network retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// BreakerConfig configures the per-host circuit breakers used by the fetcher.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("EFL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "efl.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_bytes", 15<<20)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (compatible; efl-cli/1.0)")
	v.SetDefault("fetch.rate_per_second", 2.0)
	v.SetDefault("fetch.burst", 4)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("pdftext.provider", "local")
	v.SetDefault("pdftext.pdftotext_path", "pdftotext")
	v.SetDefault("pdftext.timeout_secs", 60)
	v.SetDefault("pdftext.remote_url", "")
	v.SetDefault("pdftext.remote_token", "")
	v.SetDefault("efl.tolerance", 0.05)
	v.SetDefault("efl.held_out_tolerance", 0.25)
	v.SetDefault("efl.rate_min_cents", 0.0)
	v.SetDefault("efl.rate_max_cents", 100.0)
	v.SetDefault("efl.fee_max_cents", 10000.0)
	v.SetDefault("efl.max_solve_unknowns", 2)
	v.SetDefault("efl.known_tdsps", []string{})
	v.SetDefault("efl.tdsp_file", "")
	v.SetDefault("drain.budget_secs", 240)
	v.SetDefault("drain.safety_margin_secs", 5)
	v.SetDefault("drain.page_size", 25)
	v.SetDefault("drain.auto_sweep", true)
	v.SetDefault("batch.max_concurrent_documents", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_body_bytes", 20<<20)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout_secs", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
