package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TAXIIVIEW_HTTP_ADDR.
const EnvPrefix = "TAXIIVIEW"

// Config holds server configuration
type Config struct {
	HTTPAddr    string `mapstructure:"http_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	GRPCAddr    string `mapstructure:"grpc_addr"`

	DataDir        string `mapstructure:"data_dir"`
	FeedsFile      string `mapstructure:"feeds_file"`
	IndicatorsFile string `mapstructure:"indicators_file"`

	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	PageSize          int           `mapstructure:"page_size"`
	Workers           int           `mapstructure:"workers"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	Lookback          time.Duration `mapstructure:"lookback"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("grpc_addr", ":9091")
	v.SetDefault("data_dir", ".")
	v.SetDefault("feeds_file", "taxii_feeds.json")
	v.SetDefault("indicators_file", "indicators.json")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("page_size", 0)
	v.SetDefault("workers", 4)
	v.SetDefault("requests_per_second", 0.0)
	v.SetDefault("refresh_interval", time.Duration(0))
	v.SetDefault("lookback", time.Duration(0))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// LoadConfig resolves configuration from defaults, the optional config
// file, environment variables, and any flags already bound to v.
func LoadConfig(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.PageSize < 0 {
		errs = append(errs, fmt.Errorf("page_size must not be negative, got %d", c.PageSize))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests_per_second must not be negative, got %g", c.RequestsPerSecond))
	}
	if c.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("refresh_interval must not be negative, got %s", c.RefreshInterval))
	}
	if c.Lookback < 0 {
		errs = append(errs, fmt.Errorf("lookback must not be negative, got %s", c.Lookback))
	}
	if c.FeedsFile == "" || c.IndicatorsFile == "" {
		errs = append(errs, errors.New("feeds_file and indicators_file are required"))
	}
	return errors.Join(errs...)
}

// FeedsPath is FeedsFile resolved against DataDir.
func (c *Config) FeedsPath() string { return c.resolve(c.FeedsFile) }

// IndicatorsPath is IndicatorsFile resolved against DataDir.
func (c *Config) IndicatorsPath() string { return c.resolve(c.IndicatorsFile) }

func (c *Config) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir, name)
}
