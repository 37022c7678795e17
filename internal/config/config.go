// Package config loads the taglisten configuration file
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	perr "github.com/pbaille/taglisten/internal/errors"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	DataDir         string           `yaml:"data_dir" validate:"required"`
	Tags            []string         `yaml:"tags" validate:"dive,required"`
	Timezone        string           `yaml:"timezone" validate:"required,timezone"`
	Schedule        string           `yaml:"schedule" validate:"required,schedule"`
	ChunkSize       int              `yaml:"chunk_size" validate:"gte=1,lte=500"`
	Categories      []string         `yaml:"categories" validate:"min=1,unique,dive,required"`
	MaxParallelTags int              `yaml:"max_parallel_tags" validate:"gte=1,lte=64"`
	Source          SourceConfig     `yaml:"source"`
	Classifier      ClassifierConfig `yaml:"classifier"`
	Embedding       EmbeddingConfig  `yaml:"embedding"`
	RunsDB          string           `yaml:"runs_db" validate:"required"`
	API             APIConfig        `yaml:"api"`
	Mirror          MirrorConfig     `yaml:"mirror"`
	Log             LogConfig        `yaml:"log"`
}

// SourceConfig says where captured posts are read from. Path may contain
// {tag}, replaced by the tag being ingested.
type SourceConfig struct {
	Kind string `yaml:"kind" validate:"oneof=json html"`
	Path string `yaml:"path" validate:"required"`
}

// ClassifierConfig configures the LLM backend
type ClassifierConfig struct {
	Provider    string        `yaml:"provider" validate:"oneof=gemini anthropic"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url" validate:"omitempty,url"`
	Temperature float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `yaml:"max_tokens" validate:"gte=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
}

// EmbeddingConfig enables label canonicalization when APIKey is set
type EmbeddingConfig struct {
	APIKey    string  `yaml:"api_key"`
	Model     string  `yaml:"model"`
	BaseURL   string  `yaml:"base_url" validate:"omitempty,url"`
	Threshold float64 `yaml:"threshold" validate:"gt=0,lte=1"`
}

// APIConfig configures the dashboard API
type APIConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// MirrorConfig enables copying the collections to a lakeFS S3 gateway
// when Endpoint is set
type MirrorConfig struct {
	Endpoint   string        `yaml:"endpoint" validate:"omitempty,url"`
	AccessKey  string        `yaml:"access_key"`
	SecretKey  string        `yaml:"secret_key"`
	Repository string        `yaml:"repository" validate:"required_with=Endpoint"`
	Branch     string        `yaml:"branch"`
	Region     string        `yaml:"region"`
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// Load reads configuration from a YAML file, applies environment
// overrides, fills the remaining defaults, then validates. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetConfigPath returns the config file path from environment or default
func GetConfigPath() string {
	if path := os.Getenv("TAGLISTEN_CONFIG"); path != "" {
		return path
	}
	return "./taglisten.yaml"
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Bangkok"
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "*/15 * * * *"
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 50
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = []string{"faq", "issue"}
	}
	if cfg.MaxParallelTags == 0 {
		cfg.MaxParallelTags = 2
	}
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = "json"
	}
	if cfg.Source.Path == "" {
		cfg.Source.Path = filepath.Join(cfg.DataDir, "scraped", "{tag}.json")
	}
	if cfg.Classifier.Provider == "" {
		cfg.Classifier.Provider = "gemini"
	}
	if cfg.Classifier.MaxTokens == 0 {
		cfg.Classifier.MaxTokens = 8192
	}
	if cfg.Classifier.Timeout == 0 {
		cfg.Classifier.Timeout = 2 * time.Minute
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "voyage-3"
	}
	if cfg.Embedding.Threshold == 0 {
		cfg.Embedding.Threshold = 0.9
	}
	if cfg.RunsDB == "" {
		cfg.RunsDB = filepath.Join(cfg.DataDir, "runs.db")
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}
	if cfg.Mirror.Endpoint != "" {
		if cfg.Mirror.Branch == "" {
			cfg.Mirror.Branch = "main"
		}
		if cfg.Mirror.Timeout == 0 {
			cfg.Mirror.Timeout = time.Minute
		}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	if dir := os.Getenv("TAGLISTEN_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	switch cfg.Classifier.Provider {
	case "gemini", "":
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			cfg.Classifier.APIKey = key
		}
	case "anthropic":
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			cfg.Classifier.APIKey = key
		}
	}
	if key := os.Getenv("VOYAGE_API_KEY"); key != "" {
		cfg.Embedding.APIKey = key
	}
	if key := os.Getenv("TAGLISTEN_MIRROR_ACCESS_KEY"); key != "" {
		cfg.Mirror.AccessKey = key
	}
	if key := os.Getenv("TAGLISTEN_MIRROR_SECRET_KEY"); key != "" {
		cfg.Mirror.SecretKey = key
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if f := os.Getenv("LOG_FORMAT"); f != "" {
		cfg.Log.Format = f
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints and reports every failure by yaml key
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return perr.Wrap(err, perr.ErrorCodeValidation, "validate config")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		key := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", key, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", key, fe.Tag()))
		}
	}
	return perr.Newf(perr.ErrorCodeValidation, "invalid config: %s", strings.Join(msgs, "; "))
}

// Location returns the configured time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LedgerDir is where processed fingerprints are kept
func (c *Config) LedgerDir() string {
	return filepath.Join(c.DataDir, "hash")
}
