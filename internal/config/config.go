package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Loader        LoaderConfig
	Prompt        PromptConfig
	Agent         AgentConfig
	Acquire       AcquireConfig
	Session       SessionConfig
	Transcript    TranscriptConfig
	ObjectStore   ObjectStoreConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// LoaderConfig bounds database introspection. CountLimit is the number of
// leading tables whose rows are counted on load.
type LoaderConfig struct {
	CountLimit int
}

// PromptConfig bounds the instruction payload. SchemaLimit is deliberately
// independent of LoaderConfig.CountLimit.
type PromptConfig struct {
	SchemaLimit    int
	SampleRows     int
	TopK           int
	TemplateName   string
	TemplateSource string
	TemplatePrefix string
}

type AgentConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type AcquireConfig struct {
	MaxBytes        int64
	DownloadTimeout time.Duration
	TempDir         string
}

type SessionConfig struct {
	IdleTimeout        time.Duration
	SweepInterval      time.Duration
	CustomInstructions string
	QueryRowLimit      int
}

type TranscriptConfig struct {
	DSN              string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxIdleTime  time.Duration
	ConnMaxLifetime  time.Duration
	ArchiveEnabled   bool
	// ArchiveRetention is how long archives are kept; 0 keeps them forever.
	ArchiveRetention time.Duration
}

type ObjectStoreConfig struct {
	Enabled          bool
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("SQLCHAT_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid SQLCHAT_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "SQLCHAT_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "SQLCHAT_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "SQLCHAT_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "SQLCHAT_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "SQLCHAT_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyInt(lookup, "SQLCHAT_LOADER_COUNT_LIMIT", &cfg.Loader.CountLimit) },
		func() error { return applyInt(lookup, "SQLCHAT_PROMPT_SCHEMA_LIMIT", &cfg.Prompt.SchemaLimit) },
		func() error { return applyInt(lookup, "SQLCHAT_PROMPT_SAMPLE_ROWS", &cfg.Prompt.SampleRows) },
		func() error { return applyInt(lookup, "SQLCHAT_PROMPT_TOP_K", &cfg.Prompt.TopK) },
		func() error { return applyString(lookup, "SQLCHAT_PROMPT_TEMPLATE", &cfg.Prompt.TemplateName) },
		func() error { return applyString(lookup, "SQLCHAT_PROMPT_TEMPLATE_SOURCE", &cfg.Prompt.TemplateSource) },
		func() error { return applyString(lookup, "SQLCHAT_PROMPT_TEMPLATE_PREFIX", &cfg.Prompt.TemplatePrefix) },
		func() error { return applyString(lookup, "SQLCHAT_AGENT_PROVIDER", &cfg.Agent.Provider) },
		func() error { return applyString(lookup, "SQLCHAT_AGENT_BASE_URL", &cfg.Agent.BaseURL) },
		func() error { return applyString(lookup, "SQLCHAT_AGENT_API_KEY", &cfg.Agent.APIKey) },
		func() error { return applyString(lookup, "SQLCHAT_AGENT_MODEL", &cfg.Agent.Model) },
		func() error { return applyFloat(lookup, "SQLCHAT_AGENT_TEMPERATURE", &cfg.Agent.Temperature) },
		func() error { return applyDuration(lookup, "SQLCHAT_AGENT_TIMEOUT", &cfg.Agent.Timeout) },
		func() error { return applyInt64(lookup, "SQLCHAT_ACQUIRE_MAX_BYTES", &cfg.Acquire.MaxBytes) },
		func() error { return applyDuration(lookup, "SQLCHAT_ACQUIRE_DOWNLOAD_TIMEOUT", &cfg.Acquire.DownloadTimeout) },
		func() error { return applyString(lookup, "SQLCHAT_ACQUIRE_TEMP_DIR", &cfg.Acquire.TempDir) },
		func() error { return applyDuration(lookup, "SQLCHAT_SESSION_IDLE_TIMEOUT", &cfg.Session.IdleTimeout) },
		func() error { return applyDuration(lookup, "SQLCHAT_SESSION_SWEEP_INTERVAL", &cfg.Session.SweepInterval) },
		func() error {
			return applyString(lookup, "SQLCHAT_SESSION_CUSTOM_INSTRUCTIONS", &cfg.Session.CustomInstructions)
		},
		func() error { return applyInt(lookup, "SQLCHAT_SESSION_QUERY_ROW_LIMIT", &cfg.Session.QueryRowLimit) },
		func() error { return applyString(lookup, "SQLCHAT_TRANSCRIPT_DSN", &cfg.Transcript.DSN) },
		func() error { return applyInt(lookup, "SQLCHAT_TRANSCRIPT_MAX_OPEN_CONNS", &cfg.Transcript.MaxOpenConns) },
		func() error { return applyInt(lookup, "SQLCHAT_TRANSCRIPT_MAX_IDLE_CONNS", &cfg.Transcript.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "SQLCHAT_TRANSCRIPT_CONN_MAX_IDLE_TIME", &cfg.Transcript.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "SQLCHAT_TRANSCRIPT_CONN_MAX_LIFETIME", &cfg.Transcript.ConnMaxLifetime)
		},
		func() error { return applyBool(lookup, "SQLCHAT_TRANSCRIPT_ARCHIVE_ENABLED", &cfg.Transcript.ArchiveEnabled) },
		func() error {
			return applyDuration(lookup, "SQLCHAT_TRANSCRIPT_ARCHIVE_RETENTION", &cfg.Transcript.ArchiveRetention)
		},
		func() error { return applyBool(lookup, "SQLCHAT_OBJECTSTORE_ENABLED", &cfg.ObjectStore.Enabled) },
		func() error { return applyString(lookup, "SQLCHAT_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "SQLCHAT_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "SQLCHAT_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error { return applyString(lookup, "SQLCHAT_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID) },
		func() error { return applyString(lookup, "SQLCHAT_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey) },
		func() error { return applyBool(lookup, "SQLCHAT_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "SQLCHAT_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error {
			return applyBool(lookup, "SQLCHAT_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)
		},
		func() error { return applyBool(lookup, "SQLCHAT_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "SQLCHAT_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "SQLCHAT_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "SQLCHAT_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Loader.CountLimit <= 0 {
		return Config{}, fmt.Errorf("SQLCHAT_LOADER_COUNT_LIMIT must be > 0")
	}
	if cfg.Prompt.SchemaLimit <= 0 {
		return Config{}, fmt.Errorf("SQLCHAT_PROMPT_SCHEMA_LIMIT must be > 0")
	}
	if cfg.Prompt.SampleRows < 0 {
		return Config{}, fmt.Errorf("SQLCHAT_PROMPT_SAMPLE_ROWS must be >= 0")
	}
	switch cfg.Prompt.TemplateSource {
	case "embedded", "objectstore":
	default:
		return Config{}, fmt.Errorf("invalid SQLCHAT_PROMPT_TEMPLATE_SOURCE: %q", cfg.Prompt.TemplateSource)
	}
	if cfg.Prompt.TemplateSource == "objectstore" && !cfg.ObjectStore.Enabled {
		return Config{}, fmt.Errorf("SQLCHAT_PROMPT_TEMPLATE_SOURCE=objectstore requires SQLCHAT_OBJECTSTORE_ENABLED")
	}
	if cfg.Transcript.ArchiveRetention < 0 {
		return Config{}, fmt.Errorf("SQLCHAT_TRANSCRIPT_ARCHIVE_RETENTION must be >= 0")
	}
	if cfg.Transcript.ArchiveEnabled && !cfg.ObjectStore.Enabled {
		return Config{}, fmt.Errorf("SQLCHAT_TRANSCRIPT_ARCHIVE_ENABLED requires SQLCHAT_OBJECTSTORE_ENABLED")
	}
	switch strings.ToLower(cfg.Agent.Provider) {
	case "openai", "gemini":
		cfg.Agent.Provider = strings.ToLower(cfg.Agent.Provider)
	default:
		return Config{}, fmt.Errorf("invalid SQLCHAT_AGENT_PROVIDER: %q", cfg.Agent.Provider)
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "sqlchat-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Loader: LoaderConfig{
			CountLimit: 5,
		},
		Prompt: PromptConfig{
			SchemaLimit:    4,
			SampleRows:     3,
			TopK:           5,
			TemplateName:   "sql-agent-system/v1",
			TemplateSource: "embedded",
			TemplatePrefix: "prompts",
		},
		Agent: AgentConfig{
			Provider:    "openai",
			BaseURL:     "https://api.groq.com/openai",
			Model:       "deepseek-r1-distill-llama-70b",
			Temperature: 0,
			Timeout:     60 * time.Second,
		},
		Acquire: AcquireConfig{
			MaxBytes:        256 << 20,
			DownloadTimeout: 2 * time.Minute,
		},
		Session: SessionConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
			QueryRowLimit: 200,
		},
		Transcript: TranscriptConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "sqlchat",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
