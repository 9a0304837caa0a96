package security

import "strings"

// denialMarkers appear in stderr when a confined command touched a blocked path.
var denialMarkers = []string{
	"Operation not permitted",
	"Read-only file system",
	"Permission denied",
}

// initFailureMarkers mean the sandbox itself never came up.
var initFailureMarkers = map[string][]string{
	"bwrap": {
		"bwrap: No permissions to create new namespace",
		"bwrap: Creating new namespace failed",
		"bwrap: setting up uid map",
		"bwrap: Can't mount proc",
		"bwrap: loopback: Failed RTM_NEWADDR",
		"bwrap: Failed to make / slave",
	},
	"sandbox-exec": {
		"sandbox-exec: sandbox_apply",
		"sandbox-exec: invalid profile",
	},
}

// ViolationNote is appended to stderr that looks like a sandbox denial.
const ViolationNote = "[sandbox] the command may have been blocked by sandbox restrictions"

// StderrAnalysis is the result of AnnotateStderr.
type StderrAnalysis struct {
	Stderr      string
	Violation   bool
	InitFailure bool
}

// AnnotateStderr inspects the stderr of a confined command. Init failures
// are reported so the caller can retry unconfined; denials get ViolationNote
// appended.
func AnnotateStderr(stderr, platform string) StderrAnalysis {
	res := StderrAnalysis{Stderr: stderr}
	if platform == "" {
		return res
	}
	for _, m := range initFailureMarkers[platform] {
		if strings.Contains(stderr, m) {
			res.InitFailure = true
			return res
		}
	}
	for _, m := range denialMarkers {
		if strings.Contains(stderr, m) {
			res.Violation = true
			break
		}
	}
	if res.Violation {
		if stderr != "" && !strings.HasSuffix(stderr, "\n") {
			res.Stderr += "\n"
		}
		res.Stderr += ViolationNote + " (" + platform + ")\n"
	}
	return res
}
