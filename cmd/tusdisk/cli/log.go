package cli

import (
	"io"
	"log"
	"os"

	"golang.org/x/exp/slog"
)

var stdout = log.New(os.Stdout, "[tusdisk] ", log.LstdFlags|log.Lmicroseconds)
var stderr = log.New(os.Stderr, "[tusdisk] ", log.LstdFlags|log.Lmicroseconds)

// Logger is used by the handler, the cleanup scheduler and the lockers. It
// is also installed as slog's default logger for the hook system.
var Logger *slog.Logger

func printStartupLog(msg string, args ...interface{}) {
	if Flags.ShowStartupLogs {
		stdout.Printf(msg, args...)
	}
}

func SetupStructuredLogger() {
	Logger = newStructuredLogger(os.Stdout)
	slog.SetDefault(Logger)
}

func newStructuredLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if Flags.VerboseOutput {
		level = slog.LevelDebug
	}

	options := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if Flags.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, options)
	} else {
		handler = slog.NewTextHandler(w, options)
	}

	return slog.New(handler)
}
