package trapgate

import (
	"os"
	"strings"

	"github.com/oarkflow/log"
)

// NewLogger builds the pipeline's structured logger. Verdict-level events go
// through it; per-request detail stays in the audit log.
func NewLogger(level string) *log.Logger {
	return &log.Logger{
		Level:  parseLogLevel(level),
		Writer: &log.ConsoleWriter{ColorOutput: isTerminal()},
	}
}

func parseLogLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func isTerminal() bool {
	fi, err := os.Stderr.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
