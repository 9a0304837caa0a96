package security

import (
	"fmt"
	"regexp"
	"strings"
)

// SeatbeltPlatform confines commands with sandbox-exec on macOS.
type SeatbeltPlatform struct{}

// NewSeatbeltPlatform returns the sandbox-exec platform.
func NewSeatbeltPlatform() *SeatbeltPlatform { return &SeatbeltPlatform{} }

func (p *SeatbeltPlatform) Name() string       { return "sandbox-exec" }
func (p *SeatbeltPlatform) Binaries() []string { return []string{"sandbox-exec"} }

// BuildSandboxCommand passes the generated profile inline with -p.
func (p *SeatbeltPlatform) BuildSandboxCommand(policy Policy, argv []string) ([]string, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	bin := policy.Binary
	if bin == "" {
		bin = "sandbox-exec"
	}
	return append([]string{bin, "-p", Profile(policy), "--"}, argv...), nil
}

var coreDevices = []string{"/dev/null", "/dev/zero", "/dev/random", "/dev/urandom", "/dev/dtracehelper"}

// Profile renders the SBPL profile for a policy. Rules later in the profile
// take precedence, so denies follow the allows they narrow.
func Profile(policy Policy) string {
	var b strings.Builder
	b.WriteString("(version 1)\n(deny default)\n\n")

	b.WriteString("; process and system\n")
	b.WriteString("(allow process-exec)\n(allow process-fork)\n")
	b.WriteString("(allow process-info* (target same-sandbox))\n")
	b.WriteString("(allow signal (target same-sandbox))\n")
	b.WriteString("(allow sysctl-read)\n(allow mach-lookup)\n(allow ipc-posix-shm)\n")
	b.WriteString("(allow iokit-open (iokit-registry-entry-class \"RootDomainUserClient\"))\n\n")

	b.WriteString("; reads\n(allow file-read*)\n")
	for _, deny := range policy.ReadDeny {
		re := pathRegex(deny)
		fmt.Fprintf(&b, "(deny file-read* (regex #\"%s\"))\n", re)
		fmt.Fprintf(&b, "(deny file-write-unlink (regex #\"%s\"))\n", re)
	}
	b.WriteString("\n; writes\n")
	for _, dev := range coreDevices {
		fmt.Fprintf(&b, "(allow file-write* (literal %q))\n", dev)
	}
	b.WriteString("(allow file-write* (regex #\"^/dev/tty\") (regex #\"^/dev/fd/\"))\n")
	b.WriteString("(allow file-ioctl (regex #\"^/dev/tty\"))\n")
	if policy.TempDir != "" {
		fmt.Fprintf(&b, "(allow file-write* (subpath %q))\n", policy.TempDir)
	}
	for _, dir := range policy.StateDirs {
		fmt.Fprintf(&b, "(allow file-write* (subpath %q))\n", dir)
	}
	for _, root := range policy.WriteAllow {
		fmt.Fprintf(&b, "(allow file-write* (regex #\"%s\"))\n", pathRegex(root))
	}
	for _, deny := range policy.WriteDeny {
		fmt.Fprintf(&b, "(deny file-write* (regex #\"%s\"))\n", pathRegex(deny))
	}

	b.WriteString("\n; network\n")
	if !policy.RestrictNetwork {
		b.WriteString("(allow network*)\n")
	} else {
		b.WriteString("(deny network*)\n")
		for _, sock := range policy.AllowUnixSockets {
			fmt.Fprintf(&b, "(allow network* (remote unix-socket (path-literal %q)))\n", sock)
		}
	}
	return b.String()
}

// pathRegex matches a path and everything beneath it. Glob wildcards become
// regex classes: "**" spans directories, "*" and "?" stay within one segment.
func pathRegex(p string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(p); i++ {
		switch c := p[i]; {
		case c == '*' && i+1 < len(p) && p[i+1] == '*':
			b.WriteString(".*")
			i++
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("(/.*)?$")
	return strings.ReplaceAll(b.String(), `"`, `\"`)
}
