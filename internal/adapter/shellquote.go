package adapter

import "strings"

// shellQuoteArg quotes arg for a POSIX shell command line.
func shellQuoteArg(arg string) string {
	if arg == "" {
		return "''"
	}
	safe := true
	for _, c := range arg {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '/' || c == '=' || c == ':' || c == ',' || c == '@' || c == '+') {
			safe = false
			break
		}
	}
	if safe {
		return arg
	}
	escaped := strings.ReplaceAll(arg, `'`, `'"'"'`)
	return "'" + escaped + "'"
}

// execLine builds "exec <cmd> <args...>" with every word quoted. exec
// replaces the login shell so the tool's exit ends the session.
func execLine(command string, args []string) string {
	var b strings.Builder
	b.WriteString("exec ")
	b.WriteString(shellQuoteArg(command))
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(shellQuoteArg(a))
	}
	return b.String()
}
