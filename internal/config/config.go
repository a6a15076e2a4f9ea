// Package config loads settings from an optional .env file, an optional YAML file, and
// the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Gemini struct {
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`
	BaseURL     string `yaml:"base_url"`
	AccountID   string `yaml:"account_id"`
	GatewayName string `yaml:"gateway_name"`
}

type Downstream struct {
	PostURL       string `yaml:"post_url"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	DefaultCAPath string `yaml:"default_ca_path"`
}

type Pipeline struct {
	Workers                 int           `yaml:"workers"`
	MaxRetries              int           `yaml:"max_retries"`
	RetryDelay              time.Duration `yaml:"retry_delay"`
	RequestTimeout          time.Duration `yaml:"request_timeout"`
	RateLimitRPS            float64       `yaml:"rate_limit_rps"`
	SkipPostOnUploadFailure bool          `yaml:"skip_post_on_upload_failure"`
}

type Checkpoint struct {
	Backend            string `yaml:"backend"`
	RedisURL           string `yaml:"redis_url"`
	SQLitePath         string `yaml:"sqlite_path"`
	DatastoreProjectID string `yaml:"datastore_project_id"`
}

// Config holds all settings for the extractor.
type Config struct {
	Gemini     Gemini     `yaml:"gemini"`
	Downstream Downstream `yaml:"downstream"`
	Pipeline   Pipeline   `yaml:"pipeline"`
	Checkpoint Checkpoint `yaml:"checkpoint"`

	MIMEParser      string `yaml:"mime_parser"`
	Port            string `yaml:"port"`
	LogLevel        string `yaml:"log_level"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		Pipeline: Pipeline{
			Workers:        4,
			MaxRetries:     1,
			RetryDelay:     time.Second,
			RequestTimeout: 60 * time.Second,
		},
		Checkpoint: Checkpoint{Backend: "memory"},
		MIMEParser: "enmime",
		Port:       "8080",
		LogLevel:   "info",

		MaxMessageBytes: 32 << 20,
	}
}

// Load reads .env (if present), then CONFIG_PATH (if set), then environment overrides.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_PATH")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	envString(&c.Gemini.APIKey, "GEMINI_API_KEY")
	envString(&c.Gemini.Model, "GEMINI_MODEL")
	envString(&c.Gemini.BaseURL, "GEMINI_BASE_URL")
	envString(&c.Gemini.AccountID, "CF_ACCOUNT_ID")
	envString(&c.Gemini.GatewayName, "GATEWAY_NAME")

	envString(&c.Downstream.PostURL, "CF_POSTURL")
	envString(&c.Downstream.ClientID, "CF_ACCESS_CLIENT_ID")
	envString(&c.Downstream.ClientSecret, "CF_ACCESS_CLIENT_SECRET")
	envString(&c.Downstream.DefaultCAPath, "DEFAULT_CA_PATH")

	envString(&c.Checkpoint.Backend, "CHECKPOINT_BACKEND")
	envString(&c.Checkpoint.RedisURL, "REDIS_URL")
	envString(&c.Checkpoint.SQLitePath, "SQLITE_PATH")
	envString(&c.Checkpoint.DatastoreProjectID, "DATASTORE_PROJECT_ID")

	envString(&c.MIMEParser, "MIME_PARSER")
	envString(&c.Port, "PORT")
	envString(&c.LogLevel, "LOG_LEVEL")

	var err error
	if c.Pipeline.Workers, err = envInt("WORKERS", c.Pipeline.Workers); err != nil {
		return err
	}
	if c.Pipeline.MaxRetries, err = envInt("MAX_RETRIES", c.Pipeline.MaxRetries); err != nil {
		return err
	}
	if c.Pipeline.RetryDelay, err = envDuration("RETRY_DELAY", c.Pipeline.RetryDelay); err != nil {
		return err
	}
	if c.Pipeline.RequestTimeout, err = envDuration("REQUEST_TIMEOUT", c.Pipeline.RequestTimeout); err != nil {
		return err
	}
	if c.Pipeline.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", c.Pipeline.RateLimitRPS); err != nil {
		return err
	}
	if c.Pipeline.SkipPostOnUploadFailure, err = envBool("SKIP_POST_ON_UPLOAD_FAILURE", c.Pipeline.SkipPostOnUploadFailure); err != nil {
		return err
	}
	if c.MaxMessageBytes, err = envInt64("MAX_MESSAGE_BYTES", c.MaxMessageBytes); err != nil {
		return err
	}
	return nil
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Gemini.APIKey) == "" {
		errs = append(errs, fmt.Errorf("GEMINI_API_KEY is required"))
	}
	if strings.TrimSpace(c.Gemini.Model) == "" {
		errs = append(errs, fmt.Errorf("GEMINI_MODEL is required"))
	}
	if strings.TrimSpace(c.Downstream.PostURL) == "" {
		errs = append(errs, fmt.Errorf("CF_POSTURL is required"))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, fmt.Errorf("WORKERS must be positive (got %d)", c.Pipeline.Workers))
	}
	if c.Pipeline.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must not be negative (got %d)", c.Pipeline.MaxRetries))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_MESSAGE_BYTES must be positive (got %d)", c.MaxMessageBytes))
	}
	return errors.Join(errs...)
}

func envString(dst *string, varName string) {
	if v := strings.TrimSpace(os.Getenv(varName)); v != "" {
		*dst = v
	}
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envInt64(varName string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
