// Package config loads application configuration from a YAML file, a .env
// file and environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Email    EmailConfig    `mapstructure:"email"`
	KSeF     KSeFConfig     `mapstructure:"ksef"`
	OCR      OCRConfig      `mapstructure:"ocr"`
	Describe DescribeConfig `mapstructure:"describe"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// WorkflowConfig tunes the orchestrator.
type WorkflowConfig struct {
	// AutoProcess runs the parse pipeline on every newly ingested invoice.
	AutoProcess bool `mapstructure:"auto_process"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig selects and tunes the invoice store backend.
type StoreConfig struct {
	// Backend is one of memory, file or sqlite.
	Backend         string        `mapstructure:"backend"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SyncConfig tunes the storage sync scheduler.
type SyncConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// EmailConfig tunes the mailbox watcher.
type EmailConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// KSeFConfig tunes the national invoice registry ingester.
type KSeFConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BaseURL      string        `mapstructure:"base_url"`
	Nip          string        `mapstructure:"nip"`
	AccessToken  string        `mapstructure:"access_token"`
}

// OCRConfig selects the document recognition engine.
type OCRConfig struct {
	Provider    string        `mapstructure:"provider"`
	Language    string        `mapstructure:"language"`
	PSM         int           `mapstructure:"psm"`
	OEM         int           `mapstructure:"oem"`
	Timeout     time.Duration `mapstructure:"timeout"`
	PDFDPI      int           `mapstructure:"pdf_dpi"`
	MaxPages    int           `mapstructure:"max_pages"`
	ExternalURL string        `mapstructure:"external_url"`
	Preset      string        `mapstructure:"preset"`
	APIKey      string        `mapstructure:"api_key"`
}

// DescribeConfig tunes the suggestion engine.
type DescribeConfig struct {
	RulesPath string `mapstructure:"rules_path"`
	AIEnabled bool   `mapstructure:"ai_enabled"`
	AIAPIKey  string `mapstructure:"ai_api_key"`
	AIModel   string `mapstructure:"ai_model"`
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load reads the config file (when present), overlays .env and environment
// variables, and validates the result.
func Load(configPath string) (*Config, error) {
	// .env is optional; real environment variables still win over it.
	_ = gotenv.Load()

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// A missing file falls back to defaults plus environment.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnvVars()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("store.backend", "sqlite")
	viper.SetDefault("store.path", "data/faktury.db")
	viper.SetDefault("store.max_open_conns", 25)
	viper.SetDefault("store.max_idle_conns", 5)
	viper.SetDefault("store.conn_max_lifetime", 5*time.Minute)

	viper.SetDefault("sync.poll_interval", 60*time.Second)
	viper.SetDefault("email.poll_interval", 120*time.Second)
	viper.SetDefault("ksef.poll_interval", 300*time.Second)

	viper.SetDefault("ocr.provider", "tesseract")
	viper.SetDefault("ocr.language", "pol")
	viper.SetDefault("ocr.psm", 3)
	viper.SetDefault("ocr.oem", 1)
	viper.SetDefault("ocr.timeout", 60*time.Second)
	viper.SetDefault("ocr.pdf_dpi", 200)
	viper.SetDefault("ocr.max_pages", 30)

	viper.SetDefault("describe.ai_model", "gpt-4o-mini")
	viper.SetDefault("workflow.auto_process", true)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.output_path", "stdout")
	viper.SetDefault("logger.format", "json")
}

func bindEnvVars() {
	// Sensitive credentials from environment.
	viper.BindEnv("describe.ai_api_key", "OPENAI_API_KEY")
	viper.BindEnv("ksef.access_token", "KSEF_ACCESS_TOKEN")
	viper.BindEnv("ksef.nip", "KSEF_NIP")
	viper.BindEnv("ocr.api_key", "OCR_API_KEY")
}

var validBackends = map[string]bool{"memory": true, "file": true, "sqlite": true}

var validProviders = map[string]bool{
	"tesseract":     true,
	"google-vision": true,
	"azure-ocr":     true,
	"external-api":  true,
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if !validBackends[c.Store.Backend] {
		return fmt.Errorf("store.backend must be memory, file or sqlite, got %q", c.Store.Backend)
	}
	if c.Store.Backend != "memory" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the %s backend", c.Store.Backend)
	}
	if !validProviders[c.OCR.Provider] {
		return fmt.Errorf("unknown ocr.provider %q", c.OCR.Provider)
	}
	if c.OCR.Provider != "tesseract" && c.OCR.ExternalURL == "" && c.OCR.Preset == "" {
		return fmt.Errorf("ocr.external_url or ocr.preset is required for provider %s", c.OCR.Provider)
	}
	if c.Describe.AIEnabled && c.Describe.AIAPIKey == "" {
		return fmt.Errorf("describe.ai_api_key is required when describe.ai_enabled is set")
	}
	return nil
}
