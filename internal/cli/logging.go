package cli

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger returns a text logger at info, or debug with --verbose. With a
// log file, output goes to a rotating file instead of w.
func newLogger(verbose bool, logFile string, w io.Writer) (*slog.Logger, io.Closer) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	var closer io.Closer = nopCloser{}
	if logFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		w, closer = rotating, rotating
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	return slog.New(handler), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
