package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// MissingError reports a required setting that resolved to no value.
type MissingError struct {
	Setting string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", e.Setting)
}

// Service holds process-level configuration loaded from file and environment.
type Service struct {
	HTTPAddr       string `mapstructure:"http_addr"`
	RuntimeURL     string `mapstructure:"runtime_url"`
	DataDir        string `mapstructure:"data_dir"`
	LimitsPath     string `mapstructure:"limits_path"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	ErrorBackoffMs int    `mapstructure:"error_backoff_ms"`

	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`
}

// Load reads service configuration from CONFIG_PATH or config/prospector.yaml.
// A missing file is not an error; environment variables with the PROSPECTOR_
// prefix and built-in defaults still apply.
func Load() (*Service, error) {
	v := viper.New()
	v.SetDefault("http_addr", ":8090")
	v.SetDefault("runtime_url", "http://localhost:8765")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("limits_path", "")
	v.SetDefault("poll_interval_ms", 2000)
	v.SetDefault("error_backoff_ms", 5000)

	v.SetEnvPrefix("PROSPECTOR")
	v.AutomaticEnv()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/prospector.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	var s Service
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &s, nil
}

// Resolve returns the first non-empty value among the explicit override,
// the named environment variables in order, and the fallback.
func Resolve(explicit string, envNames []string, fallback string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range envNames {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return fallback
}

// ResolveInt is Resolve for integer settings; unparseable values are skipped.
func ResolveInt(explicit int, envNames []string, fallback int) int {
	if explicit > 0 {
		return explicit
	}
	for _, name := range envNames {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return fallback
}

// Summarizer holds fully resolved summarizer settings.
type Summarizer struct {
	BaseURL            string
	Endpoint           string
	CompletionsPath    string
	APIKey             string
	Model              string
	Timeout            time.Duration
	MaxTranscriptChars int
}

// SummarizerOverrides carries explicit values that take precedence over the
// environment. Zero values fall through to the next precedence level.
type SummarizerOverrides struct {
	BaseURL            string
	Endpoint           string
	CompletionsPath    string
	APIKey             string
	Model              string
	TimeoutMs          int
	MaxTranscriptChars int
}

const (
	defaultModel              = "gpt-4o-mini"
	defaultTimeoutMs          = 60000
	defaultMaxTranscriptChars = 48000
)

// ResolveSummarizer resolves every summarizer setting through the
// explicit-override -> named-env -> generic-fallback -> default chain.
// Base URL (when no explicit endpoint is set) and API key are required.
func ResolveSummarizer(o SummarizerOverrides) (Summarizer, error) {
	s := Summarizer{
		BaseURL:            Resolve(o.BaseURL, []string{"SUMMARY_BASE_URL", "LLM_BASE_URL"}, ""),
		Endpoint:           Resolve(o.Endpoint, []string{"SUMMARY_ENDPOINT"}, ""),
		CompletionsPath:    Resolve(o.CompletionsPath, []string{"SUMMARY_COMPLETIONS_PATH"}, ""),
		APIKey:             Resolve(o.APIKey, []string{"SUMMARY_API_KEY", "LLM_API_KEY"}, ""),
		Model:              Resolve(o.Model, []string{"SUMMARY_MODEL", "LLM_MODEL"}, defaultModel),
		Timeout:            time.Duration(ResolveInt(o.TimeoutMs, []string{"SUMMARY_TIMEOUT_MS"}, defaultTimeoutMs)) * time.Millisecond,
		MaxTranscriptChars: ResolveInt(o.MaxTranscriptChars, []string{"SUMMARY_MAX_TRANSCRIPT_CHARS"}, defaultMaxTranscriptChars),
	}

	if s.Endpoint == "" && s.BaseURL == "" {
		return Summarizer{}, &MissingError{Setting: "base URL (SUMMARY_BASE_URL or LLM_BASE_URL)"}
	}
	if s.APIKey == "" {
		return Summarizer{}, &MissingError{Setting: "API key (SUMMARY_API_KEY or LLM_API_KEY)"}
	}
	return s, nil
}
