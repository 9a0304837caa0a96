package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"toolrun/internal/domain"
)

// FuzzIsReadOnlyCommand checks that a line classified read-only never hides
// a substitution, a file write or a program outside the read-only set.
func FuzzIsReadOnlyCommand(f *testing.F) {
	f.Add("ls -la")
	f.Add("cat a | grep b")
	f.Add("echo $(rm -rf /)")
	f.Add("echo `id`")
	f.Add("echo hi > out.txt")
	f.Add("ls 2>&1 >/dev/null")
	f.Add(`echo "unterminated`)
	f.Add("find . -exec rm {} ;")
	f.Add("git -C repo status && git log")
	f.Add("FOO=bar env")
	f.Add("sed -i s/a/b/ f")
	f.Add("sed -n '/x/{p;w out}' f")
	f.Add("sed 's/a/b/w out' f")
	f.Add("git -c core.pager=id log")
	f.Add("xxd -c 8 in out")
	f.Add("ls\x00rm")
	f.Add(strings.Repeat("ls;", 1000))

	f.Fuzz(func(t *testing.T, line string) {
		if !IsReadOnlyCommand(line) {
			return
		}
		pc, err := parseCommand(line)
		if err != nil {
			t.Fatalf("read-only line %q does not parse: %v", line, err)
		}
		if pc.substitution || pc.writes {
			t.Errorf("read-only line %q has substitution=%v writes=%v", line, pc.substitution, pc.writes)
		}
		for _, seg := range pc.segments {
			if name := seg.name(); name != "" && !readOnlyCommands[name] && name != "git" {
				t.Errorf("read-only line %q runs %q", line, name)
			}
		}
	})
}

// FuzzShellAllowlist checks that validation never admits a program outside
// the allowlist.
func FuzzShellAllowlist(f *testing.F) {
	allowed := []string{"echo", "cat", "ls", "pwd"}
	st := NewShellTool(nil, ShellConfig{AllowedCommands: allowed}, nopLogger())

	f.Add(`{"command":"echo test"}`)
	f.Add(`{"command":"/bin/rm -rf /"}`)
	f.Add(`{"command":"echo ok; rm -rf /"}`)
	f.Add(`{"command":"ls | sh"}`)
	f.Add(`{"command":"echo $(whoami)"}`)
	f.Add(`{"command":"X=1 cat f"}`)
	f.Add(`{"command":""}`)
	f.Add(`malformed json`)

	allow := map[string]bool{}
	for _, a := range allowed {
		allow[a] = true
	}
	f.Fuzz(func(t *testing.T, input string) {
		err := st.ValidateInput(context.Background(), json.RawMessage(input), domain.TurnState{})
		if err != nil {
			return
		}
		var p shellParams
		if json.Unmarshal([]byte(input), &p) != nil {
			return
		}
		names, pc, perr := commandNames(p.Command)
		if perr != nil {
			t.Fatalf("validated command %q does not parse: %v", p.Command, perr)
		}
		if pc.substitution {
			t.Errorf("validated command %q contains a substitution", p.Command)
		}
		for _, n := range names {
			if !allow[n] {
				t.Errorf("SECURITY: allowlist bypass, %q ran %q", p.Command, n)
			}
		}
	})
}
