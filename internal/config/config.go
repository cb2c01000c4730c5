// Package config loads sdkforge configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all service configuration decoded from environment variables.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	Port        string `envconfig:"PORT" default:"8080"`

	// Workspaces
	WorkspaceRoot string `envconfig:"WORKSPACE_ROOT" default:"./workspaces"`
	TemplateDir   string `envconfig:"TEMPLATE_DIR" default:"./template"`
	LogDir        string `envconfig:"PROCESS_LOG_DIR" default:"./logs"`

	// Flutter toolchain
	FlutterBin      string        `envconfig:"FLUTTER_BIN" default:"flutter"`
	PreviewHost     string        `envconfig:"PREVIEW_HOST" default:"0.0.0.0"`
	PreviewBasePort int           `envconfig:"PREVIEW_BASE_PORT" default:"9100"`
	PublicHost      string        `envconfig:"PUBLIC_HOST" default:"localhost"`
	ProbeAttempts   int           `envconfig:"PROBE_ATTEMPTS" default:"12"`
	ProbeDelay      time.Duration `envconfig:"PROBE_DELAY" default:"5s"`
	ConfirmAttempts int           `envconfig:"RELOAD_CONFIRM_ATTEMPTS" default:"3"`
	ConfirmDelay    time.Duration `envconfig:"RELOAD_CONFIRM_DELAY" default:"1s"`
	AnalyzeTimeout  time.Duration `envconfig:"ANALYZE_TIMEOUT" default:"5m"`
	PubGetTimeout   time.Duration `envconfig:"PUB_GET_TIMEOUT" default:"5m"`
	StopGrace       time.Duration `envconfig:"STOP_GRACE" default:"5s"`
	SweepOrphans    bool          `envconfig:"SWEEP_ORPHANS" default:"true"`

	// Analysis policy
	WarningsFail      bool   `envconfig:"ANALYSIS_WARNINGS_FAIL" default:"true"`
	AnalysisRulesFile string `envconfig:"ANALYSIS_RULES_FILE"`

	// Persistence
	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"sqlite"`
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	SQLitePath     string `envconfig:"SQLITE_PATH" default:"sdkforge.db"`
	RedisURL       string `envconfig:"REDIS_URL"`

	// Generator (OpenAI-compatible streaming endpoint; Ollama works out of the box)
	GeneratorURL    string `envconfig:"GENERATOR_URL" default:"http://localhost:11434/v1"`
	GeneratorModel  string `envconfig:"GENERATOR_MODEL" default:"qwen2.5-coder:14b"`
	GeneratorAPIKey string `envconfig:"GENERATOR_API_KEY"`
	GeneratorRPM    int    `envconfig:"GENERATOR_RPM" default:"60"`
	// SDKContextFile is a vendor SDK reference sent with every generation.
	SDKContextFile string `envconfig:"SDK_CONTEXT_FILE"`

	// Websocket auth; empty disables token checks
	JWTSecret      string `envconfig:"JWT_SECRET"`
	AllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS"`

	// Artifact archive; empty bucket disables uploads
	S3Bucket   string `envconfig:"ARTIFACT_S3_BUCKET"`
	S3Region   string `envconfig:"ARTIFACT_S3_REGION" default:"us-east-1"`
	S3Endpoint string `envconfig:"ARTIFACT_S3_ENDPOINT"`
	S3Prefix   string `envconfig:"ARTIFACT_S3_PREFIX" default:"sdkforge"`
	// Static keys are optional; the default AWS credential chain is used otherwise.
	S3AccessKey string `envconfig:"ARTIFACT_S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"ARTIFACT_S3_SECRET_KEY"`
}

// LoadDotEnv loads .env from the working directory or its parent.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("No .env file found, using environment variables")
		}
	}
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ProbeAttempts <= 0 {
		errs = append(errs, errors.New("PROBE_ATTEMPTS must be positive"))
	}
	if c.ProbeDelay <= 0 {
		errs = append(errs, errors.New("PROBE_DELAY must be positive"))
	}
	if c.AnalyzeTimeout <= 0 {
		errs = append(errs, errors.New("ANALYZE_TIMEOUT must be positive"))
	}
	if c.PubGetTimeout <= 0 {
		errs = append(errs, errors.New("PUB_GET_TIMEOUT must be positive"))
	}
	if c.PreviewBasePort <= 0 || c.PreviewBasePort > 65535 {
		errs = append(errs, fmt.Errorf("PREVIEW_BASE_PORT %d out of range", c.PreviewBasePort))
	}
	switch strings.ToLower(c.DatabaseDriver) {
	case "sqlite":
	case "postgres", "postgresql":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver))
	}
	if c.JWTSecret != "" && c.IsProduction() {
		if err := validateJWTSecret(c.JWTSecret); err != nil {
			errs = append(errs, fmt.Errorf("JWT_SECRET: %w", err))
		}
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Origins returns the configured websocket origins.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
