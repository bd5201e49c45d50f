package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. Driver is "postgres" or "sqlite";
// for sqlite DatabaseURL is a file path.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Schema      string `yaml:"schema" mapstructure:"schema"`
}

// IngestConfig configures source runs.
type IngestConfig struct {
	// SourcesFile overrides or extends the embedded source catalog.
	SourcesFile    string        `yaml:"sources_file" mapstructure:"sources_file"`
	Concurrency    int           `yaml:"concurrency" mapstructure:"concurrency"`
	WriteMode      string        `yaml:"write_mode" mapstructure:"write_mode"`
	UserAgent      string        `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RunTimeoutMins int           `yaml:"run_timeout_mins" mapstructure:"run_timeout_mins"`
	HostRateLimits []HostRate    `yaml:"host_rate_limits" mapstructure:"host_rate_limits"`
	LogRuns        bool          `yaml:"log_runs" mapstructure:"log_runs"`
	Retry          RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit        CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// HostRate is a requests-per-second cap for one exchange host.
type HostRate struct {
	Host string  `yaml:"host" mapstructure:"host"`
	RPS  float64 `yaml:"rps" mapstructure:"rps"`
}

// RetryConfig configures fetch retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-host circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the HTTP trigger server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures run-log health checks and webhook alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	// CheckIntervalSecs enables the background checker in serve when > 0.
	CheckIntervalSecs int `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
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

	v.SetEnvPrefix("REFDATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.schema", "ref_data")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("ingest.write_mode", "transactional")
	v.SetDefault("ingest.user_agent", "refdata/1.0")
	v.SetDefault("ingest.timeout_secs", 60)
	v.SetDefault("ingest.run_timeout_mins", 30)
	v.SetDefault("ingest.log_runs", true)
	v.SetDefault("ingest.host_rate_limits", []map[string]any{
		{"host": "www.hkexnews.hk", "rps": 2},
		{"host": "www3.hkexnews.hk", "rps": 2},
		{"host": "www.hkex.com.hk", "rps": 2},
		{"host": "di.hkex.com.hk", "rps": 1},
		{"host": "www.sfc.hk", "rps": 1},
		{"host": "data.krx.co.kr", "rps": 1},
		{"host": "query.sse.com.cn", "rps": 1},
		{"host": "www.szse.cn", "rps": 1},
		{"host": "www.hsi.com.hk", "rps": 1},
	})
	v.SetDefault("ingest.retry.max_attempts", 3)
	v.SetDefault("ingest.retry.initial_backoff_ms", 1000)
	v.SetDefault("ingest.retry.max_backoff_ms", 30000)
	v.SetDefault("ingest.retry.multiplier", 2.0)
	v.SetDefault("ingest.retry.jitter_fraction", 0.25)
	v.SetDefault("ingest.circuit.failure_threshold", 5)
	v.SetDefault("ingest.circuit.reset_timeout_secs", 120)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.lookback_window_hours", 24)

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

// Validate checks the settings a command mode needs: "ingest", "migrate" or "serve".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "ingest", "migrate", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	if mode != "migrate" {
		if c.Ingest.Concurrency < 1 || c.Ingest.Concurrency > 32 {
			problems = append(problems, "ingest.concurrency must be between 1 and 32")
		}
		switch c.Ingest.WriteMode {
		case "transactional", "per_record":
		default:
			problems = append(problems, fmt.Sprintf("ingest.write_mode must be transactional or per_record, got %q", c.Ingest.WriteMode))
		}
		if c.Ingest.Retry.MaxAttempts < 0 {
			problems = append(problems, "ingest.retry.max_attempts must be >= 0")
		}
		if c.Ingest.Retry.JitterFraction < 0 || c.Ingest.Retry.JitterFraction > 1 {
			problems = append(problems, "ingest.retry.jitter_fraction must be between 0 and 1")
		}
	}

	if mode == "serve" && c.Server.Port <= 0 {
		problems = append(problems, "server.port must be > 0")
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		problems = append(problems, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
