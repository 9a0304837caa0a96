package domain

// SandboxOptions is the declarative confinement policy for one shell invocation.
type SandboxOptions struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Require fails the call instead of running unconfined when no sandbox
	// tooling is available.
	Require bool `json:"require" yaml:"require"`

	ReadDeny   []string `json:"read_deny,omitempty" yaml:"read_deny"`
	WriteAllow []string `json:"write_allow,omitempty" yaml:"write_allow"`
	// WriteDeny carves read-only holes inside WriteAllow roots.
	WriteDeny []string `json:"write_deny,omitempty" yaml:"write_deny"`

	RestrictNetwork  bool     `json:"restrict_network" yaml:"restrict_network"`
	AllowUnixSockets []string `json:"allow_unix_sockets,omitempty" yaml:"allow_unix_sockets"`

	// Cwd overrides the working directory used to resolve relative paths.
	Cwd string `json:"cwd,omitempty" yaml:"cwd"`
	// WeakerNested skips namespaces that fail inside nested containers.
	WeakerNested bool `json:"weaker_nested" yaml:"weaker_nested"`
	// AllowUnsandboxedRetry permits rerunning unconfined after a sandbox
	// initialization failure.
	AllowUnsandboxedRetry bool `json:"allow_unsandboxed_retry" yaml:"allow_unsandboxed_retry"`
}

// NeedsConfinement reports whether the policy restricts anything at all.
func (o SandboxOptions) NeedsConfinement() bool {
	if !o.Enabled {
		return false
	}
	return len(o.ReadDeny) > 0 || len(o.WriteAllow) > 0 || o.RestrictNetwork
}
