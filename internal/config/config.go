// Package config provides configuration loading for draftpr.
//
// Configuration is read from an optional YAML file and overridden by
// DRAFTPR_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete draftpr configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Artifacts ArtifactsConfig `koanf:"artifacts"`
	Workspace WorkspaceConfig `koanf:"workspace"`
	Backend   BackendConfig   `koanf:"backend"`
	LLM       LLMConfig       `koanf:"llm"`
	Generator GeneratorConfig `koanf:"generator"`
	Policy    PolicyConfig    `koanf:"policy"`
	Apply     ApplyConfig     `koanf:"apply"`
	Verify    VerifyConfig    `koanf:"verify"`
	GitHub    GitHubConfig    `koanf:"github"`
	NATS      NATSConfig      `koanf:"nats"`
	Temporal  TemporalConfig  `koanf:"temporal"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// ApprovalsPerMinute limits approval submissions per client IP.
	ApprovalsPerMinute int `koanf:"approvals_per_minute"`
	// APIToken guards approval submission when set.
	APIToken Secret `koanf:"api_token"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// ArtifactsConfig configures the job artifact store.
type ArtifactsConfig struct {
	BaseDir       string        `koanf:"base_dir"`
	Retention     time.Duration `koanf:"retention"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	MaxSizeMB     int           `koanf:"max_size_mb"`

	// DisableRedaction stops secret scanning of text artifacts.
	DisableRedaction bool `koanf:"disable_redaction"`
	// RedactAllowlists are .gitleaks.toml style files whose [allowlist]
	// patterns are never redacted.
	RedactAllowlists []string `koanf:"redact_allowlists"`
}

// WorkspaceConfig configures per-job working copies.
type WorkspaceConfig struct {
	BaseDir      string        `koanf:"base_dir"`
	CloneTimeout time.Duration `koanf:"clone_timeout"`
	Shallow      bool          `koanf:"shallow"`
	GitUsername  string        `koanf:"git_username"`
	GitToken     Secret        `koanf:"git_token"`
	MaxAge       time.Duration `koanf:"max_age"`
}

// BackendConfig configures the code-aware execution backend command.
type BackendConfig struct {
	Command    string        `koanf:"command"`
	Args       []string      `koanf:"args"`
	ResultFile string        `koanf:"result_file"`
	Timeout    time.Duration `koanf:"timeout"`
}

// LLMConfig configures the text generation backend.
type LLMConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
}

// GeneratorConfig selects the plan generation backend.
type GeneratorConfig struct {
	// UseCodeAware prefers the execution backend when repositories are present.
	UseCodeAware bool `koanf:"use_code_aware"`
	// KnownRepos lists sibling repositories a plan may reference.
	KnownRepos []string `koanf:"known_repos"`
}

// PolicyConfig is the auto-approval policy.
type PolicyConfig struct {
	MaxFiles     int      `koanf:"max_files"`
	MaxLOCDelta  int      `koanf:"max_loc_delta"`
	AllowPaths   []string `koanf:"allow_paths"`
	DenyPaths    []string `koanf:"deny_paths"`
	RequireTests bool     `koanf:"require_tests"`
	// Per-change-kind LOC estimates. Nil means unset; zero is a valid
	// estimate.
	LOCCreate *int `koanf:"loc_create"`
	LOCModify *int `koanf:"loc_modify"`
	LOCDelete *int `koanf:"loc_delete"`
}

// ApplyConfig configures the code applier.
type ApplyConfig struct {
	MaxLOCDelta int `koanf:"max_loc_delta"`
}

// VerifyConfig configures verification commands. Empty commands are skipped.
type VerifyConfig struct {
	TestCommand  string        `koanf:"test_command"`
	LintCommand  string        `koanf:"lint_command"`
	BuildCommand string        `koanf:"build_command"`
	Timeout      time.Duration `koanf:"timeout"`
}

// GitHubConfig configures the code-hosting client.
type GitHubConfig struct {
	Token         Secret `koanf:"token"`
	APIURL        string `koanf:"api_url"`
	DefaultBranch string `koanf:"default_branch"`
}

// NATSConfig configures the coordination store.
type NATSConfig struct {
	URL          string        `koanf:"url"`
	Bucket       string        `koanf:"bucket"`
	LockTTL      time.Duration `koanf:"lock_ttl"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Subject      string        `koanf:"subject"`
}

// TemporalConfig configures the Temporal client and worker.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Artifacts.BaseDir == "" {
		return errors.New("artifacts.base_dir is required")
	}
	if c.Artifacts.Retention <= 0 {
		return errors.New("artifacts.retention must be positive")
	}
	if c.Workspace.BaseDir == "" {
		return errors.New("workspace.base_dir is required")
	}
	if c.Policy.MaxFiles < 0 || c.Policy.MaxLOCDelta < 0 {
		return errors.New("policy limits cannot be negative")
	}
	if c.Apply.MaxLOCDelta <= 0 {
		return fmt.Errorf("apply.max_loc_delta must be positive, got %d", c.Apply.MaxLOCDelta)
	}
	if c.Verify.Timeout <= 0 {
		return errors.New("verify.timeout must be positive")
	}
	if c.NATS.LockTTL <= 0 {
		return errors.New("nats.lock_ttl must be positive")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate)
	}
	switch c.LLM.Provider {
	case "", "openai":
	default:
		return fmt.Errorf("unsupported llm provider %q", c.LLM.Provider)
	}
	return nil
}
