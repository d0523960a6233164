// Package config loads trialmatch settings from an optional YAML file and
// TRIALMATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Dirs    DirsConfig    `mapstructure:"dirs"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Extract ExtractConfig `mapstructure:"extract"`
	RunLog  RunLogConfig  `mapstructure:"runlog"`
	Report  ReportConfig  `mapstructure:"report"`
	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Scraper ScraperConfig `mapstructure:"scraper"`
}

type DirsConfig struct {
	Patients  string `mapstructure:"patients"`
	Trials    string `mapstructure:"trials"`
	Output    string `mapstructure:"output"`
	Processed string `mapstructure:"processed"`
}

type LLMConfig struct {
	Model          string        `mapstructure:"model"`
	MaxTokens      int64         `mapstructure:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RatePerMinute  int           `mapstructure:"rate_per_minute"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ResponseFormat string        `mapstructure:"response_format"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

type CacheConfig struct {
	KeywordEntries int `mapstructure:"keyword_entries"`
}

type BatchConfig struct {
	Workers  int  `mapstructure:"workers"`
	FailFast bool `mapstructure:"fail_fast"`
}

type ExtractConfig struct {
	StrictColumns bool `mapstructure:"strict_columns"`
}

// RunLogConfig points at the SQLite run ledger. An empty path disables it.
type RunLogConfig struct {
	Path string `mapstructure:"path"`
}

type ReportConfig struct {
	HTML bool `mapstructure:"html"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ScraperConfig struct {
	LinksCSV string        `mapstructure:"links_csv"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from path, or from trialmatch.yaml in the usual
// locations when path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("trialmatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/trialmatch/")
	}

	v.SetEnvPrefix("TRIALMATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dirs.patients", "data/raw/patients")
	v.SetDefault("dirs.trials", "data/raw/scraped")
	v.SetDefault("dirs.output", "data/outputs")
	v.SetDefault("dirs.processed", "data/processed/patients")

	v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.rate_per_minute", 0)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.response_format", "text")

	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.open_timeout", "30s")

	v.SetDefault("cache.keyword_entries", 1024)

	v.SetDefault("batch.workers", 1)
	v.SetDefault("batch.fail_fast", false)

	v.SetDefault("extract.strict_columns", false)

	v.SetDefault("runlog.path", "")
	v.SetDefault("report.html", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("tracing.enabled", false)

	v.SetDefault("scraper.links_csv", "data/raw/study-links.csv")
	v.SetDefault("scraper.timeout", "20s")
}

func (c *Config) Validate() error {
	if c.Batch.Workers < 1 {
		return fmt.Errorf("invalid batch workers: %d", c.Batch.Workers)
	}
	if c.LLM.MaxAttempts < 1 {
		return fmt.Errorf("invalid llm max attempts: %d", c.LLM.MaxAttempts)
	}
	switch c.LLM.ResponseFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid llm response format: %q", c.LLM.ResponseFormat)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.Log.Format)
	}
	return nil
}

// NewLogger builds the process logger, writing to stderr.
func NewLogger(c LogConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
