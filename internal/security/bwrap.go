package security

import (
	"fmt"
	"os"
)

// BwrapPlatform confines commands with bubblewrap on Linux.
type BwrapPlatform struct{}

// NewBwrapPlatform returns the bubblewrap platform.
func NewBwrapPlatform() *BwrapPlatform { return &BwrapPlatform{} }

func (p *BwrapPlatform) Name() string       { return "bwrap" }
func (p *BwrapPlatform) Binaries() []string { return []string{"bwrap", "bubblewrap"} }

// BuildSandboxCommand mounts the host root read-only, then layers writable
// binds, read-only holes, masked read-deny paths and the private temp dir on
// top. Later mounts shadow earlier ones, so the order below matters.
func (p *BwrapPlatform) BuildSandboxCommand(policy Policy, argv []string) ([]string, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	bin := policy.Binary
	if bin == "" {
		bin = "bwrap"
	}

	args := []string{bin,
		"--die-with-parent",
		"--new-session",
		"--unshare-pid",
		"--unshare-uts",
		"--unshare-ipc",
	}
	if !policy.WeakerNested {
		args = append(args, "--unshare-cgroup")
	}
	if policy.RestrictNetwork {
		args = append(args, "--unshare-net")
	}

	args = append(args,
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
	)

	for _, root := range policy.WriteAllow {
		for _, m := range expandGlob(root) {
			args = append(args, "--bind", m, m)
		}
	}
	for _, deny := range policy.WriteDeny {
		for _, m := range expandGlob(deny) {
			args = append(args, "--ro-bind", m, m)
		}
	}
	for _, deny := range policy.ReadDeny {
		for _, m := range expandGlob(deny) {
			info, err := os.Stat(m)
			if err != nil {
				continue
			}
			if info.IsDir() {
				args = append(args, "--tmpfs", m)
			} else {
				args = append(args, "--ro-bind", "/dev/null", m)
			}
		}
	}

	if policy.TempDir != "" {
		args = append(args, "--tmpfs", policy.TempDir, "--setenv", "TMPDIR", policy.TempDir)
	}
	for _, dir := range policy.StateDirs {
		if _, err := os.Stat(dir); err == nil {
			args = append(args, "--bind", dir, dir)
		}
	}
	if policy.Cwd != "" {
		args = append(args, "--chdir", policy.Cwd)
	}

	args = append(args, "--")
	return append(args, argv...), nil
}
