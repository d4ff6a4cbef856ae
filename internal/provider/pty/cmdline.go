package pty

import "strings"

// quoteWindowsArg rewrites one argument under the CommandLineToArgvW
// parsing rules: backslashes double only when they precede a double
// quote, quotes are backslash-escaped, and the result is wrapped in
// quotes when it contains spaces or tabs. An empty argument becomes "".
func quoteWindowsArg(arg string) string {
	if arg == "" {
		return `""`
	}
	if !strings.ContainsAny(arg, " \t\"\\") {
		return arg
	}
	wrap := strings.ContainsAny(arg, " \t")

	var b strings.Builder
	if wrap {
		b.WriteByte('"')
	}
	slashes := 0
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch c {
		case '\\':
			slashes++
		case '"':
			// The run of backslashes doubles, plus one to escape the quote.
			b.WriteString(strings.Repeat(`\`, slashes+1))
			slashes = 0
		default:
			slashes = 0
		}
		b.WriteByte(c)
	}
	if wrap {
		// Trailing backslashes double so the closing quote survives.
		b.WriteString(strings.Repeat(`\`, slashes))
		b.WriteByte('"')
	}
	return b.String()
}

// windowsCmdLine joins arguments into the single command-line string
// CreateProcess expects.
func windowsCmdLine(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quoteWindowsArg(a)
	}
	return strings.Join(quoted, " ")
}
