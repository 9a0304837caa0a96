package config

import (
	"fmt"
	"strings"

	"toolrun/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateShell(cfg, ve)
	validateProcess(cfg, ve)
	validateSandbox(cfg, ve)
	validatePermissionsConfig(cfg, ve)
	validateHooks(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

var validLogFormats = map[string]bool{"text": true, "json": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

var validExporters = map[string]bool{"": true, "noop": true, "stdout": true}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}

func validateShell(cfg *Config, ve *ValidationError) {
	s := cfg.Shell
	if s.DefaultTimeout <= 0 {
		ve.Add("shell.default_timeout must be > 0")
	}
	if s.MaxTimeout <= 0 {
		ve.Add("shell.max_timeout must be > 0")
	}
	if s.DefaultTimeout > s.MaxTimeout {
		ve.Add("shell.default_timeout (%s) must not exceed shell.max_timeout (%s)", s.DefaultTimeout, s.MaxTimeout)
	}
	if s.AutoBackgroundAfter < 0 {
		ve.Add("shell.auto_background_after must be >= 0")
	}
	if s.ProgressInterval <= 0 {
		ve.Add("shell.progress_interval must be > 0")
	}
}

func validateProcess(cfg *Config, ve *ValidationError) {
	p := cfg.Process
	if p.OutputBufferMax <= 0 {
		ve.Add("process.output_buffer_max must be > 0")
	}
	if p.GraceWindow < 0 {
		ve.Add("process.grace_window must be >= 0")
	}
	if p.MaxSessions <= 0 {
		ve.Add("process.max_sessions must be > 0")
	}
}

func validateSandbox(cfg *Config, ve *ValidationError) {
	s := cfg.Sandbox
	if s.Require && !s.Enabled {
		ve.Add("sandbox.require needs sandbox.enabled")
	}
	for i, p := range s.ReadDeny {
		if strings.TrimSpace(p) == "" {
			ve.Add("sandbox.read_deny[%d] must not be empty", i)
		}
	}
	for i, p := range s.WriteAllow {
		if strings.TrimSpace(p) == "" {
			ve.Add("sandbox.write_allow[%d] must not be empty", i)
		}
	}
	if len(s.WriteDeny) > 0 && len(s.WriteAllow) == 0 {
		ve.Add("sandbox.write_deny only applies inside sandbox.write_allow roots")
	}
}

var validPermissionModes = map[string]bool{
	string(domain.PermissionModeDefault): true,
	string(domain.PermissionModeAccept):  true,
	string(domain.PermissionModeBypass):  true,
	string(domain.PermissionModePlan):    true,
}

func validatePermissionsConfig(cfg *Config, ve *ValidationError) {
	if !validPermissionModes[cfg.Permissions.Mode] {
		ve.Add("permissions.mode %q is invalid (want: default, accept_edits, bypass, plan)", cfg.Permissions.Mode)
	}
	deny := make(map[string]bool, len(cfg.Permissions.Deny))
	for _, d := range cfg.Permissions.Deny {
		deny[d] = true
	}
	for _, a := range cfg.Permissions.Allow {
		if deny[a] {
			ve.Add("permissions: tool %q is both allowed and denied", a)
		}
	}
}

func validateHooks(cfg *Config, ve *ValidationError) {
	if len(cfg.Hooks.Files) > 0 && cfg.Hooks.Timeout <= 0 {
		ve.Add("hooks.timeout must be > 0 when hook files are configured")
	}
}
