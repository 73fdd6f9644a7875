// Package config loads phaseforge configuration from the environment, an
// optional .env file and an optional YAML overlay.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"phaseforge/internal/logging"
)

// Config is the root configuration.
type Config struct {
	Environment string         `yaml:"environment"`
	Server      ServerConfig   `yaml:"server"`
	LLM         LLMConfig      `yaml:"llm"`
	Agent       AgentConfig    `yaml:"agent"`
	Images      ImagesConfig   `yaml:"images"`
	Redis       RedisConfig    `yaml:"redis"`
	Database    DatabaseConfig `yaml:"database"`
	NATS        NATSConfig     `yaml:"nats"`
	Storage     StorageConfig  `yaml:"storage"`
	Search      SearchConfig   `yaml:"search"`
	Sandbox     SandboxConfig  `yaml:"sandbox"`
}

type ServerConfig struct {
	Port string `yaml:"port"`

	// RequestsPerMinute is the per-client HTTP budget; zero disables it.
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// LLMConfig configures the OpenAI-compatible inference gateway.
type LLMConfig struct {
	BaseURL                string        `yaml:"base_url"`
	APIKey                 string        `yaml:"api_key"`
	Model                  string        `yaml:"model"`
	VisionModel            string        `yaml:"vision_model"`
	RequestsPerMinute      int           `yaml:"requests_per_minute"`
	DefaultReasoningEffort string        `yaml:"default_reasoning_effort"`
	Timeout                time.Duration `yaml:"timeout"`
}

// AgentConfig holds the pipeline policy knobs.
type AgentConfig struct {
	MaxLLMMessages           int           `yaml:"max_llm_messages"`
	CompactionTriggerRatio   float64       `yaml:"compaction_trigger_ratio"`
	CompactionKeepRatio      float64       `yaml:"compaction_keep_ratio"`
	SummaryLineLimit         int           `yaml:"summary_line_limit"`
	RealtimeFixLineThreshold int           `yaml:"realtime_fix_line_threshold"`
	FileRegenerationRetries  int           `yaml:"file_regeneration_retries"`
	ScreenshotRetries        int           `yaml:"screenshot_retries"`
	MaxPhases                int           `yaml:"max_phases"`
	PhaseJoinTimeout         time.Duration `yaml:"phase_join_timeout"`
	FixerSkipGlobs           []string      `yaml:"fixer_skip_globs"`
}

type ImagesConfig struct {
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres or sqlite
	DSN    string `yaml:"dsn"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// StorageConfig points at an S3-compatible bucket for preview screenshots.
type StorageConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PublicBaseURL   string `yaml:"public_base_url"`
}

type SearchConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// SandboxConfig points at the preview sandbox service. An empty BaseURL
// disables deployment.
type SandboxConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Port:              "8080",
			RequestsPerMinute: 600,
			Burst:             30,
			AllowedOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownTimeout:   15 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:                "https://api.openai.com/v1",
			Model:                  "gpt-4.1",
			VisionModel:            "gpt-4.1",
			RequestsPerMinute:      120,
			DefaultReasoningEffort: "low",
			Timeout:                5 * time.Minute,
		},
		Agent: AgentConfig{
			MaxLLMMessages:           100,
			CompactionTriggerRatio:   0.8,
			CompactionKeepRatio:      0.4,
			SummaryLineLimit:         400,
			RealtimeFixLineThreshold: 50,
			FileRegenerationRetries:  5,
			ScreenshotRetries:        3,
			MaxPhases:                12,
			PhaseJoinTimeout:         4 * time.Minute,
			FixerSkipGlobs:           []string{"**/*.lock", "**/package-lock.json", "**/*.svg", "public/**"},
		},
		Images: ImagesConfig{
			BatchSize: 5,
			Timeout:   5 * time.Second,
			CacheTTL:  time.Hour,
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "phaseforge.db"},
		NATS:     NATSConfig{SubjectPrefix: "phaseforge.sessions"},
		Storage:  StorageConfig{Region: "auto"},
		Search:   SearchConfig{Endpoint: "https://google.serper.dev/search"},
		Sandbox:  SandboxConfig{Timeout: 2 * time.Minute},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if any),
// then environment variables.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Try parent directory for .env
		if err := godotenv.Load("../.env"); err != nil {
			logging.L().Debug("no .env file found, using environment variables")
		}
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("PHASEFORGE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Environment = getEnv("GO_ENV", getEnv("APP_ENV", getEnv("ENVIRONMENT", c.Environment)))
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.RequestsPerMinute = getEnvInt("HTTP_REQUESTS_PER_MINUTE", c.Server.RequestsPerMinute)
	c.Server.AllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", c.Server.AllowedOrigins)

	c.LLM.BaseURL = getEnvAny([]string{"LLM_BASE_URL", "OPENAI_BASE_URL"}, c.LLM.BaseURL)
	c.LLM.APIKey = getEnvAny([]string{"LLM_API_KEY", "OPENAI_API_KEY"}, c.LLM.APIKey)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.VisionModel = getEnv("LLM_VISION_MODEL", c.LLM.VisionModel)
	c.LLM.RequestsPerMinute = getEnvInt("LLM_REQUESTS_PER_MINUTE", c.LLM.RequestsPerMinute)
	c.LLM.DefaultReasoningEffort = getEnv("LLM_REASONING_EFFORT", c.LLM.DefaultReasoningEffort)
	c.LLM.Timeout = getEnvDuration("LLM_TIMEOUT", c.LLM.Timeout)

	c.Agent.MaxLLMMessages = getEnvInt("MAX_LLM_MESSAGES", c.Agent.MaxLLMMessages)
	c.Agent.CompactionTriggerRatio = getEnvFloat("COMPACTION_TRIGGER_RATIO", c.Agent.CompactionTriggerRatio)
	c.Agent.CompactionKeepRatio = getEnvFloat("COMPACTION_KEEP_RATIO", c.Agent.CompactionKeepRatio)
	c.Agent.RealtimeFixLineThreshold = getEnvInt("REALTIME_FIX_LINE_THRESHOLD", c.Agent.RealtimeFixLineThreshold)
	c.Agent.MaxPhases = getEnvInt("MAX_PHASES", c.Agent.MaxPhases)
	c.Agent.PhaseJoinTimeout = getEnvDuration("PHASE_JOIN_TIMEOUT", c.Agent.PhaseJoinTimeout)
	c.Agent.FixerSkipGlobs = getEnvList("FIXER_SKIP_GLOBS", c.Agent.FixerSkipGlobs)

	c.Images.BatchSize = getEnvInt("IMAGE_CHECK_BATCH_SIZE", c.Images.BatchSize)
	c.Images.Timeout = getEnvDuration("IMAGE_CHECK_TIMEOUT", c.Images.Timeout)

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DATABASE_URL", c.Database.DSN)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)

	c.Storage.Endpoint = getEnv("S3_ENDPOINT", c.Storage.Endpoint)
	c.Storage.Region = getEnv("S3_REGION", c.Storage.Region)
	c.Storage.Bucket = getEnv("S3_BUCKET", c.Storage.Bucket)
	c.Storage.AccessKeyID = getEnv("S3_ACCESS_KEY_ID", c.Storage.AccessKeyID)
	c.Storage.SecretAccessKey = getEnv("S3_SECRET_ACCESS_KEY", c.Storage.SecretAccessKey)
	c.Storage.PublicBaseURL = getEnv("S3_PUBLIC_BASE_URL", c.Storage.PublicBaseURL)

	c.Search.Endpoint = getEnv("SEARCH_ENDPOINT", c.Search.Endpoint)
	c.Search.APIKey = getEnvAny([]string{"SEARCH_API_KEY", "SERPER_API_KEY"}, c.Search.APIKey)
	c.Sandbox.BaseURL = getEnv("SANDBOX_URL", c.Sandbox.BaseURL)
	c.Sandbox.Token = getEnv("SANDBOX_TOKEN", c.Sandbox.Token)
	c.Sandbox.Timeout = getEnvDuration("SANDBOX_TIMEOUT", c.Sandbox.Timeout)
}

// IsProduction reports whether the loaded environment is production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == EnvProduction || env == "prod"
}

// ValidateAndLog validates the config and logs warnings. A non-nil error must
// be treated as fatal by the caller.
func (c *Config) ValidateAndLog(log *zap.Logger) error {
	log = logging.OrNamed(log, "config")
	verr := c.Validate()
	for _, w := range verr.Warnings {
		log.Warn("configuration warning", zap.String("detail", w))
	}
	if verr.HasErrors() {
		return verr
	}
	log.Info("configuration loaded",
		zap.String("environment", c.Environment),
		zap.String("llm_model", c.LLM.Model),
		zap.Bool("redis", c.Redis.URL != ""),
		zap.Bool("nats", c.NATS.URL != ""),
		zap.Bool("screenshot_bucket", c.Storage.Bucket != ""),
	)
	return nil
}
