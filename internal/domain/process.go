package domain

import "time"

// ProcessStatus represents the lifecycle state of a background process.
type ProcessStatus string

const (
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusKilled    ProcessStatus = "killed"
)

// ExitCodeTerminated is reported for interrupted, killed or timed-out
// processes that have no real OS exit code (128 + SIGTERM).
const ExitCodeTerminated = 143

// ProcessFlags are the terminal markers of a background process.
type ProcessFlags struct {
	Interrupted bool `json:"interrupted"`
	Killed      bool `json:"killed"`
	TimedOut    bool `json:"timed_out"`
	Notified    bool `json:"notified"`
}

// BackgroundSnapshot is a full read of a background process.
type BackgroundSnapshot struct {
	ID          string        `json:"id"`
	Command     string        `json:"command"`
	Cwd         string        `json:"cwd"`
	Status      ProcessStatus `json:"status"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	StdoutLines int           `json:"stdout_lines"`
	StderrLines int           `json:"stderr_lines"`
	Flags       ProcessFlags  `json:"flags"`
	StartedAt   time.Time     `json:"started_at"`
	Deadline    *time.Time    `json:"deadline,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	OutputFile  string        `json:"output_file,omitempty"`
}

// ProcessDelta is the incremental output since the previous read.
type ProcessDelta struct {
	ID       string        `json:"id"`
	Status   ProcessStatus `json:"status"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode *int          `json:"exit_code,omitempty"`
	// Cursors are byte offsets into the total stream after this read.
	StdoutCursor int64 `json:"stdout_cursor"`
	StderrCursor int64 `json:"stderr_cursor"`
}

// ProcessListEntry is a summary view of a background process.
type ProcessListEntry struct {
	ID        string        `json:"id"`
	Command   string        `json:"command"`
	Status    ProcessStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
}

// ProcessNotification is emitted exactly once when a background process ends.
type ProcessNotification struct {
	ID         string        `json:"id"`
	Command    string        `json:"command"`
	Status     ProcessStatus `json:"status"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	OutputFile string        `json:"output_file,omitempty"`
}

// OutputProgress reports that a running background process produced new lines.
type OutputProgress struct {
	ID          string `json:"id"`
	NewStdout   int    `json:"new_stdout_lines"`
	NewStderr   int    `json:"new_stderr_lines"`
	TotalStdout int    `json:"total_stdout_lines"`
	TotalStderr int    `json:"total_stderr_lines"`
}

// TaskRecord is the persisted lifecycle record of a background task.
type TaskRecord struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Command    string        `json:"command"`
	Cwd        string        `json:"cwd"`
	Status     ProcessStatus `json:"status"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	OutputFile string        `json:"output_file"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
}

// TaskLedger persists background task records beyond the in-memory session.
type TaskLedger interface {
	RecordStart(rec TaskRecord) error
	RecordEnd(id string, status ProcessStatus, exitCode *int, endedAt time.Time) error
}
