package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is stripped from environment variables before mapping.
	EnvPrefix = "DRAFTPR_"
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. DRAFTPR_* environment variables
//  2. YAML config file (~/.config/draftpr/config.yaml by default)
//  3. Defaults
//
// The file must live under ~/.config/draftpr/ or /etc/draftpr/, be at most
// 1MB and have 0600 or 0400 permissions.
//
// Environment variables map to keys by splitting on the first underscore
// after the prefix:
//
//	DRAFTPR_GITHUB_TOKEN        -> github.token
//	DRAFTPR_VERIFY_TEST_COMMAND -> verify.test_command
//	DRAFTPR_NATS_LOCK_TTL       -> nats.lock_ttl
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "draftpr", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps DRAFTPR_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile opens the file once and validates it through the open
// descriptor to avoid a TOCTOU race between stat and read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Symlinks are resolved so they cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "draftpr"),
		"/etc/draftpr",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/draftpr/ or /etc/draftpr/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "draftpr")

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.ApprovalsPerMinute == 0 {
		cfg.Server.ApprovalsPerMinute = 30
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "draftpr"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if cfg.Artifacts.BaseDir == "" {
		cfg.Artifacts.BaseDir = filepath.Join(dataDir, "artifacts")
	}
	if cfg.Artifacts.Retention == 0 {
		cfg.Artifacts.Retention = 30 * 24 * time.Hour
	}
	if cfg.Artifacts.SweepInterval == 0 {
		cfg.Artifacts.SweepInterval = time.Hour
	}
	if cfg.Artifacts.MaxSizeMB == 0 {
		cfg.Artifacts.MaxSizeMB = 100
	}

	if cfg.Workspace.BaseDir == "" {
		cfg.Workspace.BaseDir = filepath.Join(dataDir, "jobs")
	}
	if cfg.Workspace.CloneTimeout == 0 {
		cfg.Workspace.CloneTimeout = 5 * time.Minute
	}
	if cfg.Workspace.MaxAge == 0 {
		cfg.Workspace.MaxAge = time.Hour
	}

	if cfg.Backend.ResultFile == "" {
		cfg.Backend.ResultFile = "result.json"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 20 * time.Minute
	}

	if cfg.Policy.MaxFiles == 0 {
		cfg.Policy.MaxFiles = 5
	}
	if cfg.Policy.MaxLOCDelta == 0 {
		cfg.Policy.MaxLOCDelta = 200
	}
	if cfg.Policy.LOCCreate == nil {
		cfg.Policy.LOCCreate = intPtr(50)
	}
	if cfg.Policy.LOCModify == nil {
		cfg.Policy.LOCModify = intPtr(30)
	}
	if cfg.Policy.LOCDelete == nil {
		cfg.Policy.LOCDelete = intPtr(-20)
	}

	if cfg.Apply.MaxLOCDelta == 0 {
		cfg.Apply.MaxLOCDelta = 1000
	}

	if cfg.Verify.Timeout == 0 {
		cfg.Verify.Timeout = 10 * time.Minute
	}

	if cfg.GitHub.DefaultBranch == "" {
		cfg.GitHub.DefaultBranch = "main"
	}

	if cfg.NATS.Bucket == "" {
		cfg.NATS.Bucket = "draftpr_jobs"
	}
	if cfg.NATS.LockTTL == 0 {
		cfg.NATS.LockTTL = 30 * time.Minute
	}
	if cfg.NATS.PollInterval == 0 {
		cfg.NATS.PollInterval = 2 * time.Second
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "draftpr.jobs"
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "draftpr"
	}
}

func intPtr(v int) *int { return &v }
