package logger

import (
	"fmt"
	"log/slog"
	"os"
)

func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

func Fatalf(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// FatalWithLogger logs through the given logger, then exits with the given code.
// Exit codes: 1 fatal configuration error, 2 container runtime unreachable.
func FatalWithLogger(logger *slog.Logger, code int, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(code)
}
