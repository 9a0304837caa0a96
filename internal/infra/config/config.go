package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"toolrun/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Shell       ShellConfig       `yaml:"shell"`
	Process     ProcessConfig     `yaml:"process"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Hooks       HooksConfig       `yaml:"hooks"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// ShellConfig holds shell tool settings.
type ShellConfig struct {
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	MaxTimeout          time.Duration `yaml:"max_timeout"`
	AutoBackgroundAfter time.Duration `yaml:"auto_background_after"` // 0 = never auto-promote
	ProgressInterval    time.Duration `yaml:"progress_interval"`
	AllowedCommands     []string      `yaml:"allowed_commands"` // empty = no allowlist
}

// ProcessConfig holds process manager settings.
type ProcessConfig struct {
	TempDir         string        `yaml:"temp_dir"` // empty = per-session dir under os.TempDir
	OutputBufferMax int           `yaml:"output_buffer_max"`
	GraceWindow     time.Duration `yaml:"grace_window"`
	MaxSessions     int           `yaml:"max_sessions"`
	LedgerPath      string        `yaml:"ledger_path"` // empty = no persistent ledger
}

// SandboxConfig is the declarative sandbox policy applied to shell calls.
type SandboxConfig struct {
	domain.SandboxOptions `yaml:",inline"`
}

// PermissionsConfig holds permission checker settings.
type PermissionsConfig struct {
	Mode  string   `yaml:"mode"`
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// HooksConfig lists hook definition files.
type HooksConfig struct {
	Files   []string      `yaml:"files"`
	Timeout time.Duration `yaml:"timeout"`
}

// Defaults returns a Config populated with built-in defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "toolrun",
		},
		Shell: ShellConfig{
			DefaultTimeout:   2 * time.Minute,
			MaxTimeout:       10 * time.Minute,
			ProgressInterval: time.Second,
		},
		Process: ProcessConfig{
			OutputBufferMax: 1024 * 1024,
			GraceWindow:     250 * time.Millisecond,
			MaxSessions:     32,
		},
		Sandbox: SandboxConfig{domain.SandboxOptions{
			AllowUnsandboxedRetry: true,
		}},
		Permissions: PermissionsConfig{
			Mode: string(domain.PermissionModeDefault),
		},
		Hooks: HooksConfig{
			Timeout: 60 * time.Second,
		},
	}
}

// Load reads a YAML config file, applies env var overrides and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, fmt.Sprintf("parse config: %v", err))
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps TOOLRUN_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOOLRUN_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("TOOLRUN_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("TOOLRUN_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("TOOLRUN_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("TOOLRUN_METRICS_ENABLED"); v == "true" {
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("TOOLRUN_SHELL_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Shell.DefaultTimeout = d
		}
	}
	if v := os.Getenv("TOOLRUN_SHELL_ALLOWED_COMMANDS"); v != "" {
		cfg.Shell.AllowedCommands = splitAndTrim(v, ",")
	}
	if v := os.Getenv("TOOLRUN_PROCESS_TEMP_DIR"); v != "" {
		cfg.Process.TempDir = v
	}
	if v := os.Getenv("TOOLRUN_PROCESS_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Process.MaxSessions = n
		}
	}
	if v := os.Getenv("TOOLRUN_PROCESS_LEDGER_PATH"); v != "" {
		cfg.Process.LedgerPath = v
	}
	if v := os.Getenv("TOOLRUN_SANDBOX_ENABLED"); v != "" {
		cfg.Sandbox.Enabled = v == "true"
	}
	if v := os.Getenv("TOOLRUN_SANDBOX_REQUIRE"); v != "" {
		cfg.Sandbox.Require = v == "true"
	}
	if v := os.Getenv("TOOLRUN_PERMISSIONS_MODE"); v != "" {
		cfg.Permissions.Mode = v
	}
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
