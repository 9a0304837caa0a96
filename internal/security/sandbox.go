package security

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"toolrun/internal/domain"
	"toolrun/internal/infra/metrics"
)

// LookPathFunc resolves an executable name on PATH.
type LookPathFunc func(file string) (string, error)

// Policy is a SandboxOptions with every path normalized, ready for a
// platform to render.
type Policy struct {
	ReadDeny         []string
	WriteAllow       []string
	WriteDeny        []string // only entries nested inside a WriteAllow root
	RestrictNetwork  bool
	AllowUnixSockets []string
	WeakerNested     bool
	Cwd              string
	TempDir          string   // mounted empty and writable; becomes TMPDIR
	StateDirs        []string // host directories that stay writable
	Binary           string   // resolved path of the platform tool
}

// Platform renders a Policy into a confinement command for one OS mechanism.
type Platform interface {
	Name() string
	// Binaries lists the executable names probed on PATH, in preference order.
	Binaries() []string
	BuildSandboxCommand(policy Policy, argv []string) ([]string, error)
}

// Wrapped is the outcome of SandboxBuilder.Wrap.
type Wrapped struct {
	Argv     []string
	Platform string // empty when running unconfined
	Confined bool
	// Note is set when confinement was requested but skipped; callers append
	// it to the command's stderr.
	Note string
}

// FallbackNote is reported when an optional sandbox is unavailable.
const FallbackNote = "[sandbox] no sandbox tool available (bwrap or sandbox-exec); command ran unconfined"

// SandboxBuilder picks an available platform and wraps shell argv with it.
type SandboxBuilder struct {
	platforms []Platform
	lookPath  LookPathFunc
	tempDir   string
	stateDirs []string
	logger    *slog.Logger
	metrics   *metrics.Recorder

	mu     sync.Mutex
	probed bool
	active Platform
	binary string
}

// BuilderOption configures a SandboxBuilder.
type BuilderOption func(*SandboxBuilder)

// WithPlatforms replaces the default platform list.
func WithPlatforms(p ...Platform) BuilderOption {
	return func(b *SandboxBuilder) { b.platforms = p }
}

// WithLookPath replaces exec.LookPath for platform probing.
func WithLookPath(fn LookPathFunc) BuilderOption {
	return func(b *SandboxBuilder) { b.lookPath = fn }
}

// WithMetrics records wrap decisions.
func WithMetrics(r *metrics.Recorder) BuilderOption {
	return func(b *SandboxBuilder) { b.metrics = r }
}

// WithStateDirs keeps the given host directories writable inside the sandbox.
func WithStateDirs(dirs ...string) BuilderOption {
	return func(b *SandboxBuilder) { b.stateDirs = dirs }
}

// NewSandboxBuilder creates a builder whose sandboxes mount tempDir as the
// private scratch directory.
func NewSandboxBuilder(tempDir string, logger *slog.Logger, opts ...BuilderOption) *SandboxBuilder {
	b := &SandboxBuilder{
		platforms: []Platform{NewBwrapPlatform(), NewSeatbeltPlatform()},
		lookPath:  exec.LookPath,
		tempDir:   tempDir,
		logger:    logger,
	}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	return b
}

// Platform returns the detected platform, or nil when none is installed.
// Detection runs once per builder.
func (b *SandboxBuilder) Platform() Platform {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.probed {
		b.probed = true
		for _, p := range b.platforms {
			for _, name := range p.Binaries() {
				if path, err := b.lookPath(name); err == nil {
					b.active, b.binary = p, path
					b.logger.Debug("sandbox platform detected", "platform", p.Name(), "binary", path)
					return b.active
				}
			}
		}
	}
	return b.active
}

// Available reports whether any sandbox platform was found.
func (b *SandboxBuilder) Available() bool { return b.Platform() != nil }

// Wrap returns argv unchanged when the policy restricts nothing. Otherwise it
// renders the policy with the detected platform. A required sandbox with no
// platform fails with ErrSandboxUnavailable; an optional one runs unconfined
// and carries FallbackNote.
func (b *SandboxBuilder) Wrap(opts domain.SandboxOptions, argv []string) (*Wrapped, error) {
	if !opts.NeedsConfinement() {
		return &Wrapped{Argv: argv}, nil
	}

	platform := b.Platform()
	if platform == nil {
		if opts.Require {
			b.metrics.SandboxWrap("none", "unavailable")
			return nil, domain.NewSubSystemError("sandbox", "SandboxBuilder.Wrap", domain.ErrSandboxUnavailable,
				"no bwrap or sandbox-exec on PATH")
		}
		b.metrics.SandboxWrap("none", "fallback")
		b.logger.Warn("sandbox requested but unavailable, running unconfined")
		return &Wrapped{Argv: argv, Note: FallbackNote}, nil
	}

	policy, err := b.resolve(opts)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	policy.Binary = b.binary
	b.mu.Unlock()

	wrapped, err := platform.BuildSandboxCommand(policy, argv)
	if err != nil {
		return nil, domain.NewSubSystemError("sandbox", "SandboxBuilder.Wrap", domain.ErrSandboxPolicy, err.Error())
	}
	b.metrics.SandboxWrap(platform.Name(), "confined")
	return &Wrapped{Argv: wrapped, Platform: platform.Name(), Confined: true}, nil
}

func (b *SandboxBuilder) resolve(opts domain.SandboxOptions) (Policy, error) {
	cwd := opts.Cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Policy{}, fmt.Errorf("resolve cwd: %w", err)
		}
		cwd = wd
	}
	cwd = resolveExisting(cwd)

	normalize := func(paths []string) ([]string, error) {
		out := make([]string, 0, len(paths))
		for _, p := range paths {
			n, err := NormalizePath(p, cwd)
			if err != nil {
				return nil, domain.NewSubSystemError("sandbox", "SandboxBuilder.resolve", domain.ErrSandboxPolicy,
					fmt.Sprintf("%q: %v", p, err))
			}
			out = append(out, n)
		}
		return out, nil
	}

	policy := Policy{
		RestrictNetwork: opts.RestrictNetwork,
		WeakerNested:    opts.WeakerNested,
		Cwd:             cwd,
		StateDirs:       b.stateDirs,
	}
	if b.tempDir != "" {
		policy.TempDir = resolveExisting(b.tempDir)
	}
	var err error
	if policy.ReadDeny, err = normalize(opts.ReadDeny); err != nil {
		return Policy{}, err
	}
	if policy.WriteAllow, err = normalize(opts.WriteAllow); err != nil {
		return Policy{}, err
	}
	if policy.AllowUnixSockets, err = normalize(opts.AllowUnixSockets); err != nil {
		return Policy{}, err
	}
	denies, err := normalize(opts.WriteDeny)
	if err != nil {
		return Policy{}, err
	}
	for _, d := range denies {
		for _, root := range policy.WriteAllow {
			if isWithin(root, d) {
				policy.WriteDeny = append(policy.WriteDeny, d)
				break
			}
		}
	}
	return policy, nil
}
