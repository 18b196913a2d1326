// Package config loads memvault configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// MEMVAULT_* environment variables. Each section maps onto the options of
// one component; cmd/memvault translates sections into component configs.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete memvault configuration.
type Config struct {
	Store       StoreConfig       `koanf:"store"`
	Offload     OffloadConfig     `koanf:"offload"`
	Compression CompressionConfig `koanf:"compression"`
	Governor    GovernorConfig    `koanf:"governor"`
	Fetch       FetchConfig       `koanf:"fetch"`
	Summarizer  SummarizerConfig  `koanf:"summarizer"`
	Tokens      TokensConfig      `koanf:"tokens"`
	Secrets     SecretsConfig     `koanf:"secrets"`
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// StoreConfig configures the content store.
type StoreConfig struct {
	Root string `koanf:"root"`
	// Compression is one of auto, zstd, lz4, none.
	Compression string `koanf:"compression"`
}

// OffloadConfig configures the offload gate.
type OffloadConfig struct {
	ThresholdBytes int  `koanf:"threshold_bytes"`
	PreviewChars   int  `koanf:"preview_chars"`
	ScrubPreview   bool `koanf:"scrub_preview"`
}

// CompressionConfig configures the context compressor.
type CompressionConfig struct {
	MaxSummaryTokens int      `koanf:"max_summary_tokens"`
	MaxRetries       int      `koanf:"max_retries"`
	AttemptTimeout   Duration `koanf:"attempt_timeout"`
	BaseBackoff      Duration `koanf:"base_backoff"`
	EmitReport       bool     `koanf:"emit_report"`
}

// GovernorConfig configures the token governor. Absolute token thresholds
// win over ratios when both are set.
type GovernorConfig struct {
	WarningRatio   float64 `koanf:"warning_ratio"`
	CriticalRatio  float64 `koanf:"critical_ratio"`
	WarningTokens  int     `koanf:"warning_tokens"`
	CriticalTokens int     `koanf:"critical_tokens"`
}

// FetchConfig configures the fetch gateway.
type FetchConfig struct {
	MaxLines      int     `koanf:"max_lines"`
	MaxBytes      int     `koanf:"max_bytes"`
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`
	PreviewBytes  int     `koanf:"preview_bytes"`
}

// SummarizerConfig selects and configures the summarization backend.
type SummarizerConfig struct {
	// Provider is one of extractive, anthropic, openai, noop.
	Provider          string   `koanf:"provider"`
	Model             string   `koanf:"model"`
	APIKey            Secret   `koanf:"api_key"`
	BaseURL           string   `koanf:"base_url"`
	RequestsPerMinute float64  `koanf:"requests_per_minute"`
	Timeout           Duration `koanf:"timeout"`
	// ScrubInput redacts secrets before text leaves the process.
	ScrubInput bool `koanf:"scrub_input"`
}

// SecretsConfig configures the secret scrubber used for previews and
// outbound summarization requests.
type SecretsConfig struct {
	// Engine is rules (built-in patterns) or gitleaks.
	Engine          string `koanf:"engine"`
	RedactionString string `koanf:"redaction_string"`
	// AllowlistFile is an optional TOML file with [allowlist] regexes.
	AllowlistFile string `koanf:"allowlist_file"`
}

// TokensConfig configures token estimation.
type TokensConfig struct {
	// Encoding is heuristic or tiktoken.
	Encoding       string         `koanf:"encoding"`
	DefaultModel   string         `koanf:"default_model"`
	ContextWindows map[string]int `koanf:"context_windows"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig is the subset of logging options exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of OpenTelemetry options exposed in the file.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"`
	Insecure    bool   `koanf:"insecure"`
	ServiceName string `koanf:"service_name"`
}

// Default returns a configuration with every field populated.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Compression: "auto",
		},
		Offload: OffloadConfig{
			ThresholdBytes: 8 * 1024,
			PreviewChars:   500,
		},
		Compression: CompressionConfig{
			MaxSummaryTokens: 256,
			MaxRetries:       2,
			AttemptTimeout:   Duration(30 * time.Second),
			BaseBackoff:      Duration(500 * time.Millisecond),
			EmitReport:       true,
		},
		Governor: GovernorConfig{
			WarningRatio:  0.70,
			CriticalRatio: 0.85,
		},
		Fetch: FetchConfig{
			MaxLines:      200,
			MaxBytes:      64 * 1024,
			RatePerSecond: 10,
			Burst:         20,
			PreviewBytes:  256,
		},
		Summarizer: SummarizerConfig{
			Provider:          "extractive",
			RequestsPerMinute: 50,
			Timeout:           Duration(30 * time.Second),
			ScrubInput:        true,
		},
		Secrets: SecretsConfig{
			Engine:          "rules",
			RedactionString: "[REDACTED]",
		},
		Tokens: TokensConfig{
			Encoding:     "heuristic",
			DefaultModel: "claude-sonnet-4",
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "memvault",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Compression {
	case "auto", "zstd", "lz4", "none":
	default:
		errs = append(errs, fmt.Errorf("store.compression must be auto, zstd, lz4 or none, got %q", c.Store.Compression))
	}

	if c.Offload.ThresholdBytes <= 0 {
		errs = append(errs, fmt.Errorf("offload.threshold_bytes must be positive, got %d", c.Offload.ThresholdBytes))
	}
	if c.Offload.PreviewChars < 0 {
		errs = append(errs, fmt.Errorf("offload.preview_chars cannot be negative"))
	}

	if c.Compression.MaxSummaryTokens <= 0 {
		errs = append(errs, fmt.Errorf("compression.max_summary_tokens must be positive"))
	}
	if c.Compression.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("compression.max_retries cannot be negative"))
	}
	if c.Compression.AttemptTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("compression.attempt_timeout must be positive"))
	}

	if c.Governor.WarningTokens > 0 || c.Governor.CriticalTokens > 0 {
		if c.Governor.WarningTokens <= 0 || c.Governor.CriticalTokens <= c.Governor.WarningTokens {
			errs = append(errs, fmt.Errorf("governor thresholds must satisfy 0 < warning_tokens < critical_tokens, got %d/%d",
				c.Governor.WarningTokens, c.Governor.CriticalTokens))
		}
	} else if c.Governor.WarningRatio <= 0 || c.Governor.CriticalRatio <= c.Governor.WarningRatio || c.Governor.CriticalRatio > 1 {
		errs = append(errs, fmt.Errorf("governor ratios must satisfy 0 < warning_ratio < critical_ratio <= 1, got %.2f/%.2f",
			c.Governor.WarningRatio, c.Governor.CriticalRatio))
	}

	if c.Fetch.MaxLines <= 0 || c.Fetch.MaxBytes <= 0 {
		errs = append(errs, errors.New("fetch.max_lines and fetch.max_bytes must be positive"))
	}
	if c.Fetch.RatePerSecond <= 0 || c.Fetch.Burst <= 0 {
		errs = append(errs, errors.New("fetch.rate_per_second and fetch.burst must be positive"))
	}

	switch c.Summarizer.Provider {
	case "extractive", "noop":
	case "anthropic", "openai":
		if !c.Summarizer.APIKey.IsSet() {
			errs = append(errs, fmt.Errorf("summarizer.api_key is required for provider %q", c.Summarizer.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown summarizer.provider %q", c.Summarizer.Provider))
	}

	switch c.Secrets.Engine {
	case "rules", "gitleaks":
	default:
		errs = append(errs, fmt.Errorf("secrets.engine must be rules or gitleaks, got %q", c.Secrets.Engine))
	}

	switch c.Tokens.Encoding {
	case "heuristic", "tiktoken":
	default:
		errs = append(errs, fmt.Errorf("tokens.encoding must be heuristic or tiktoken, got %q", c.Tokens.Encoding))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		errs = append(errs, errors.New("telemetry.service_name required when telemetry is enabled"))
	}

	return errors.Join(errs...)
}
