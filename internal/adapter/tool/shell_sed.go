package tool

import "strings"

// sedReadOnly reports whether a sed invocation neither edits in place nor
// runs a script that writes files, reads extra files or executes commands.
// Script files cannot be inspected and are rejected.
func sedReadOnly(args []string) bool {
	var (
		scripts    []string
		explicit   bool
		positional []string
	)
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			positional = append(positional, args[i+1:]...)
			i = len(args)
		case strings.HasPrefix(a, "--"):
			name, val, hasVal := strings.Cut(a, "=")
			switch {
			case longFlag(name, "--expression"):
				if !hasVal {
					if i+1 >= len(args) {
						return false
					}
					i++
					val = args[i]
				}
				scripts = append(scripts, val)
				explicit = true
			case longFlag(name, "--file", "--in-place"):
				return false
			case longFlag(name, "--line-length"):
				if !hasVal {
					i++
				}
			}
		case len(a) > 1 && a[0] == '-':
		cluster:
			for j := 1; j < len(a); j++ {
				switch a[j] {
				case 'i', 'f':
					return false
				case 'e', 'l':
					v := a[j+1:]
					if v == "" {
						if i+1 >= len(args) {
							return false
						}
						i++
						v = args[i]
					}
					if a[j] == 'e' {
						scripts = append(scripts, v)
						explicit = true
					}
					break cluster
				}
			}
		default:
			positional = append(positional, a)
		}
	}
	if !explicit {
		if len(positional) == 0 {
			return false
		}
		scripts = append(scripts, positional[0])
	}
	return sedScriptReadOnly(strings.Join(scripts, "\n"))
}

// sedScriptReadOnly walks a sed script command by command. Anything it does
// not recognise counts as a write.
func sedScriptReadOnly(s string) bool {
	n := len(s)
	i := 0
	for {
		for i < n && strings.IndexByte(" \t\n;", s[i]) >= 0 {
			i++
		}
		if i >= n {
			return true
		}
		var ok bool
		if i, ok = skipSedAddress(s, i); !ok || i >= n {
			return false
		}
		c := s[i]
		i++
		switch c {
		case '{', '}', '=', 'd', 'D', 'g', 'G', 'h', 'H', 'n', 'N', 'p', 'P', 'x', 'z', 'F':
		case 'l', 'L', 'q', 'Q':
			for i < n && (s[i] == ' ' || s[i] == '\t' || isDigit(s[i])) {
				i++
			}
		case '#':
			for i < n && s[i] != '\n' {
				i++
			}
		case ':', 'b', 't', 'T', 'v':
			for i < n && (s[i] == ' ' || s[i] == '\t') {
				i++
			}
			for i < n && strings.IndexByte(" \t\n;}", s[i]) < 0 {
				i++
			}
		case 'a', 'i', 'c':
			// Text runs to the first unescaped newline.
			for i < n && s[i] != '\n' {
				if s[i] == '\\' {
					i++
				}
				i++
			}
		case 's':
			if i >= n || s[i] == '\\' || s[i] == '\n' {
				return false
			}
			d := s[i]
			if i, ok = skipDelimited(s, i+1, d); !ok {
				return false
			}
			if i, ok = skipDelimited(s, i, d); !ok {
				return false
			}
			for i < n && strings.IndexByte("gpiImM0123456789", s[i]) >= 0 {
				i++
			}
		case 'y':
			if i >= n || s[i] == '\\' || s[i] == '\n' {
				return false
			}
			d := s[i]
			if i, ok = skipDelimited(s, i+1, d); !ok {
				return false
			}
			if i, ok = skipDelimited(s, i, d); !ok {
				return false
			}
		default:
			// w W r R e and unknown commands.
			return false
		}
	}
}

// skipSedAddress skips an optional address or range and a trailing '!'.
func skipSedAddress(s string, i int) (int, bool) {
	n := len(s)
	i, ok := skipSedAddr(s, i)
	if !ok {
		return i, false
	}
	if i < n && s[i] == ',' {
		i++
		for i < n && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i < n && (s[i] == '+' || s[i] == '~') {
			i++
			for i < n && isDigit(s[i]) {
				i++
			}
		} else if i, ok = skipSedAddr(s, i); !ok {
			return i, false
		}
	}
	for i < n && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	if i < n && s[i] == '!' {
		i++
		for i < n && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
	}
	return i, true
}

func skipSedAddr(s string, i int) (int, bool) {
	n := len(s)
	switch {
	case i >= n:
	case isDigit(s[i]):
		for i < n && isDigit(s[i]) {
			i++
		}
		if i < n && s[i] == '~' {
			i++
			for i < n && isDigit(s[i]) {
				i++
			}
		}
	case s[i] == '$':
		i++
	case s[i] == '/' || s[i] == '\\':
		d := byte('/')
		if s[i] == '\\' {
			i++
			if i >= n || s[i] == '\n' {
				return i, false
			}
			d = s[i]
		}
		var ok bool
		if i, ok = skipDelimited(s, i+1, d); !ok {
			return i, false
		}
		for i < n && (s[i] == 'I' || s[i] == 'M') {
			i++
		}
	}
	return i, true
}

// skipDelimited returns the index after the next unescaped d. The delimiter
// ends the part even inside a bracket expression, so the scan never reads
// less of the script as commands than sed does.
func skipDelimited(s string, i int, d byte) (int, bool) {
	for i < len(s) {
		switch s[i] {
		case '\\':
			i += 2
			continue
		case d:
			return i + 1, true
		case '\n':
			return i, false
		}
		i++
	}
	return i, false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
