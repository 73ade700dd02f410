package logger

import (
	"regexp"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// stripAnsiCodes removes ANSI escape sequences so file logs stay clean
func stripAnsiCodes(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}
