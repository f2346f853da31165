package process

// SplitCommand splits a command string into command and arguments.
// Single and double quotes group words; the quote characters are removed.
// Backslashes are literal, so Windows paths pass through unchanged. No
// shell expansion happens: pipes, globs and variables reach the program
// as plain arguments.
func SplitCommand(cmd string) []string {
	var parts []string
	var current []rune
	inQuote := false
	quoted := false
	quoteChar := rune(0)

	for _, r := range cmd {
		switch {
		case inQuote && r == quoteChar:
			inQuote = false
			quoteChar = 0
		case inQuote:
			current = append(current, r)
		case r == '"' || r == '\'':
			inQuote = true
			quoted = true
			quoteChar = r
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if len(current) > 0 || quoted {
				parts = append(parts, string(current))
				current = nil
				quoted = false
			}
		default:
			current = append(current, r)
		}
	}

	if len(current) > 0 || quoted {
		parts = append(parts, string(current))
	}

	return parts
}
