package tool

import (
	"fmt"
	"path/filepath"
	"strings"
)

// readOnlyCommands never modify the filesystem for any of their flags,
// except where argument checks below say otherwise.
var readOnlyCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "less": true,
	"grep": true, "egrep": true, "fgrep": true, "rg": true, "ag": true,
	"find": true, "fd": true, "tree": true, "pwd": true, "echo": true,
	"printf": true, "wc": true, "which": true, "whereis": true, "type": true,
	"whoami": true, "id": true, "hostname": true, "uname": true, "date": true,
	"env": true, "printenv": true, "file": true, "stat": true, "du": true,
	"df": true, "sort": true, "uniq": true, "cut": true, "tr": true,
	"basename": true, "dirname": true, "realpath": true, "readlink": true,
	"diff": true, "cmp": true, "comm": true, "md5sum": true, "sha1sum": true,
	"sha256sum": true, "jq": true, "ps": true, "true": true, "false": true,
	"test": true, "sed": true, "git": true, "nl": true, "od": true, "xxd": true,
}

var readOnlyGitSubcommands = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "rev-parse": true,
	"ls-files": true, "ls-tree": true, "blame": true, "describe": true,
	"shortlog": true, "cat-file": true, "grep": true, "branch": true,
}

// commandSegment is one simple command of a compound shell line.
type commandSegment struct {
	words []string
}

// name is the program word as written, skipping leading VAR=value
// assignments. A path is not reduced to its base name, so /tmp/x/ls is not ls.
func (s commandSegment) name() string {
	args := s.args()
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func (s commandSegment) args() []string {
	for i, w := range s.words {
		if !isAssignment(w) {
			return s.words[i:]
		}
	}
	return nil
}

func isAssignment(w string) bool {
	eq := strings.IndexByte(w, '=')
	if eq <= 0 {
		return false
	}
	for _, r := range w[:eq] {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// parsedCommand is a shell line split into simple commands.
type parsedCommand struct {
	segments []commandSegment
	// substitution is set when the line runs $(...) or backtick commands.
	substitution bool
	// writes is set when output is redirected anywhere but /dev/null or
	// another descriptor.
	writes bool
}

// parseCommand splits a shell line on ; && || | & and newlines outside
// quotes. It understands enough quoting to classify commands, not to run them.
func parseCommand(line string) (*parsedCommand, error) {
	pc := &parsedCommand{}
	var (
		words   []string
		word    strings.Builder
		inWord  bool
		single  bool
		double  bool
		escaped bool
	)
	endWord := func() {
		if inWord {
			words = append(words, word.String())
			word.Reset()
			inWord = false
		}
	}
	endSegment := func() {
		endWord()
		if len(words) > 0 {
			pc.segments = append(pc.segments, commandSegment{words: words})
		}
		words = nil
	}

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case escaped:
			word.WriteRune(r)
			inWord = true
			escaped = false
		case single:
			if r == '\'' {
				single = false
			} else {
				word.WriteRune(r)
			}
		case r == '\\':
			escaped = true
		case double:
			switch {
			case r == '"':
				double = false
			case r == '`' || r == '$' && i+1 < len(runes) && runes[i+1] == '(':
				pc.substitution = true
				word.WriteRune(r)
			default:
				word.WriteRune(r)
			}
		case r == '\'':
			single, inWord = true, true
		case r == '"':
			double, inWord = true, true
		case r == '`':
			pc.substitution = true
			word.WriteRune(r)
			inWord = true
		case r == '$' && i+1 < len(runes) && runes[i+1] == '(':
			pc.substitution = true
			word.WriteRune(r)
			inWord = true
		case (r == '<' || r == '>') && i+1 < len(runes) && runes[i+1] == '(':
			// Process substitution.
			pc.substitution = true
			word.WriteRune(r)
			inWord = true
		case r == ';' || r == '\n' || r == '|':
			endSegment()
			if r == '|' && i+1 < len(runes) && runes[i+1] == '|' {
				i++
			}
		case r == '&':
			endSegment()
			if i+1 < len(runes) && runes[i+1] == '&' {
				i++
			}
		case r == '>':
			// Descriptor prefix such as 2> belongs to the redirect.
			if inWord && isDigits(word.String()) {
				word.Reset()
				inWord = false
			}
			endWord()
			j := i + 1
			if j < len(runes) && runes[j] == '>' {
				j++
			}
			if j < len(runes) && runes[j] == '&' {
				// >&2 and 2>&1 duplicate descriptors.
				j++
				for j < len(runes) && runes[j] >= '0' && runes[j] <= '9' {
					j++
				}
				i = j - 1
				continue
			}
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\t') {
				j++
			}
			k := j
			for k < len(runes) && !strings.ContainsRune(" \t\n;&|", runes[k]) {
				k++
			}
			if string(runes[j:k]) != "/dev/null" {
				pc.writes = true
			}
			i = k - 1
		case r == ' ' || r == '\t':
			endWord()
		default:
			word.WriteRune(r)
			inWord = true
		}
	}
	if single || double || escaped {
		return nil, fmt.Errorf("unterminated quote or escape")
	}
	endSegment()
	return pc, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// IsReadOnlyCommand reports whether a shell line only inspects state. Lines
// it cannot classify are treated as writes.
func IsReadOnlyCommand(line string) bool {
	pc, err := parseCommand(line)
	if err != nil || pc.substitution || pc.writes || len(pc.segments) == 0 {
		return false
	}
	for _, seg := range pc.segments {
		if !segmentReadOnly(seg) {
			return false
		}
	}
	return true
}

// safeAssignments may prefix a read-only command. Anything else, such as
// LD_PRELOAD, PAGER or GIT_*, can make the command run other programs.
var safeAssignments = map[string]bool{
	"LANG": true, "LANGUAGE": true, "TZ": true, "NO_COLOR": true,
	"COLUMNS": true, "LINES": true, "TERM": true,
}

func safeAssignment(w string) bool {
	name, _, _ := strings.Cut(w, "=")
	return safeAssignments[name] || strings.HasPrefix(name, "LC_")
}

func segmentReadOnly(seg commandSegment) bool {
	args := seg.args()
	if len(args) == 0 {
		return false
	}
	for _, w := range seg.words[:len(seg.words)-len(args)] {
		if !safeAssignment(w) {
			return false
		}
	}
	name := args[0]
	if !readOnlyCommands[name] {
		return false
	}
	rest := args[1:]
	switch name {
	case "find":
		for _, a := range rest {
			switch a {
			case "-exec", "-execdir", "-ok", "-okdir", "-delete", "-fprint", "-fprint0", "-fprintf", "-fls":
				return false
			}
		}
	case "fd":
		return !anyArg(rest, func(a string) bool {
			return shortFlag(a, "xX") || longFlag(a, "--exec", "--exec-batch")
		})
	case "sed":
		return sedReadOnly(rest)
	case "sort":
		return !anyArg(rest, func(a string) bool {
			return shortFlag(a, "o") || longFlag(a, "--output", "--compress-program")
		})
	case "uniq":
		// uniq [input [output]]
		return len(operands(rest, "fsw", "--skip-fields", "--skip-chars", "--check-chars")) <= 1
	case "xxd":
		return xxdReadOnly(rest)
	case "tree":
		// -R writes 00Tree.html into every directory.
		return !anyArg(rest, func(a string) bool { return shortFlag(a, "oR") })
	case "date":
		if anyArg(rest, func(a string) bool { return shortFlag(a, "s") || longFlag(a, "--set") }) {
			return false
		}
		for _, op := range operands(rest, "dfr", "--date", "--file", "--reference") {
			if !strings.HasPrefix(op, "+") {
				return false
			}
		}
	case "hostname":
		// An operand sets the host name.
		for _, a := range rest {
			if a == "--" || !strings.HasPrefix(a, "-") || shortFlag(a, "Fb") || longFlag(a, "--file", "--boot") {
				return false
			}
		}
	case "rg":
		return !anyArg(rest, func(a string) bool { return longFlag(a, "--pre", "--hostname-bin") })
	case "ag":
		return !anyArg(rest, func(a string) bool { return longFlag(a, "--pager") })
	case "less":
		return !anyArg(rest, func(a string) bool {
			return strings.HasPrefix(a, "+") || shortFlag(a, "oO") || longFlag(a, "--log-file", "--LOG-FILE")
		})
	case "file":
		return !anyArg(rest, func(a string) bool { return shortFlag(a, "C") || longFlag(a, "--compile") })
	case "env":
		// env runs its trailing command.
		for _, a := range rest {
			if shortFlag(a, "S") || longFlag(a, "--split-string") {
				return false
			}
			if !strings.HasPrefix(a, "-") && !isAssignment(a) {
				return false
			}
		}
	case "git":
		return gitReadOnly(rest)
	}
	return true
}

func anyArg(args []string, pred func(string) bool) bool {
	for _, a := range args {
		if a == "--" {
			return false
		}
		if pred(a) {
			return true
		}
	}
	return false
}

// shortFlag reports whether a single-dash option cluster contains any of
// letters.
func shortFlag(arg, letters string) bool {
	return len(arg) > 1 && arg[0] == '-' && arg[1] != '-' && strings.ContainsAny(arg[1:], letters)
}

// longFlag reports whether arg is one of the long options in names, or an
// abbreviation of one as GNU getopt accepts it.
func longFlag(arg string, names ...string) bool {
	name, _, _ := strings.Cut(arg, "=")
	if len(name) <= 2 || !strings.HasPrefix(name, "--") {
		return false
	}
	for _, n := range names {
		if strings.HasPrefix(n, name) {
			return true
		}
	}
	return false
}

// operands returns the non-option arguments. valueShort lists short options
// that take a value and valueLong the long ones, which take the next
// argument unless written with '='.
func operands(args []string, valueShort string, valueLong ...string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			return append(out, args[i+1:]...)
		case strings.HasPrefix(a, "--"):
			if !strings.Contains(a, "=") && longFlag(a, valueLong...) {
				i++
			}
		case len(a) > 1 && a[0] == '-':
			for j := 1; j < len(a); j++ {
				if strings.IndexByte(valueShort, a[j]) >= 0 {
					if j == len(a)-1 {
						i++
					}
					break
				}
			}
		default:
			out = append(out, a)
		}
	}
	return out
}

// xxdValueTails maps xxd's value options to the rest of their long
// spelling: -c and -cols both read the next argument, -c8 does not.
var xxdValueTails = map[byte]string{
	'c': "ols", 'g': "roupsize", 'l': "en", 's': "eek", 'o': "ffset", 'n': "ame",
}

// xxdReadOnly rejects the second operand, which xxd writes to.
func xxdReadOnly(args []string) bool {
	n := 0
	for i := 0; i < len(args); i++ {
		a := args[i]
		if len(a) > 1 && a[0] == '-' {
			if tail, ok := xxdValueTails[a[1]]; ok && (len(a) == 2 || strings.HasPrefix(a[2:], tail)) {
				i++
			}
			continue
		}
		n++
	}
	return n <= 1
}

func gitReadOnly(args []string) bool {
	i := 0
	for i < len(args) && strings.HasPrefix(args[i], "-") {
		a := args[i]
		switch {
		case strings.HasPrefix(a, "-c"), strings.HasPrefix(a, "--config-env"), strings.HasPrefix(a, "--exec-path"):
			// Config can name programs git runs.
			return false
		case a == "-C":
			i++
		}
		i++
	}
	if i >= len(args) || !readOnlyGitSubcommands[args[i]] {
		return false
	}
	sub, rest := args[i], args[i+1:]
	if anyArg(rest, func(a string) bool { return longFlag(a, "--output") }) {
		return false
	}
	switch sub {
	case "grep":
		return !anyArg(rest, func(a string) bool { return shortFlag(a, "O") || longFlag(a, "--open-files-in-pager") })
	case "branch":
		for _, a := range rest {
			switch a {
			case "-a", "-r", "-v", "-vv", "--list", "--show-current", "--all", "--remotes":
			default:
				return false
			}
		}
	}
	return true
}

// SplitCommand splits a shell line into its simple commands, each rendered
// as its words joined by single spaces. ok is false when the line runs
// substitutions or redirects output to a file; segments are still returned
// then. A line that does not parse yields no segments.
func SplitCommand(line string) (segments []string, ok bool) {
	pc, err := parseCommand(line)
	if err != nil {
		return nil, false
	}
	for _, seg := range pc.segments {
		segments = append(segments, strings.Join(seg.words, " "))
	}
	return segments, !pc.substitution && !pc.writes
}

// commandNames returns the program name of every simple command in line.
func commandNames(line string) ([]string, *parsedCommand, error) {
	pc, err := parseCommand(line)
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, 0, len(pc.segments))
	for _, seg := range pc.segments {
		if n := seg.name(); n != "" {
			names = append(names, n)
		}
	}
	return names, pc, nil
}

// stripCdPrefix removes a leading "cd <cwd> &&" when <cwd> is already the
// working directory.
func stripCdPrefix(line, cwd string) string {
	trimmed := strings.TrimSpace(line)
	if cwd == "" || !strings.HasPrefix(trimmed, "cd ") {
		return line
	}
	idx := strings.Index(trimmed, "&&")
	if idx < 0 {
		return line
	}
	pc, err := parseCommand(trimmed[:idx])
	if err != nil || pc.substitution || len(pc.segments) != 1 {
		return line
	}
	words := pc.segments[0].words
	if len(words) != 2 || words[0] != "cd" {
		return line
	}
	if filepath.Clean(words[1]) != filepath.Clean(cwd) {
		return line
	}
	rest := strings.TrimSpace(trimmed[idx+2:])
	if rest == "" {
		return line
	}
	return rest
}
