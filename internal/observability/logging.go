package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	outputOnce sync.Once
	output     io.Writer = os.Stdout
)

// logOutput is stdout, teed into a rotating file when FARM_LOG_FILE is set.
// Every component logger shares the same rotator.
func logOutput() io.Writer {
	outputOnce.Do(func() {
		path := os.Getenv("FARM_LOG_FILE")
		if path == "" {
			return
		}
		output = zerolog.MultiLevelWriter(os.Stdout, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	})
	return output
}

// NewLogger creates a structured JSON logger.
// Production default: info. Set via FARM_LOG_LEVEL env var.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, parseLogLevel(os.Getenv("FARM_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return NewLoggerTo(logOutput(), component, level)
}

// NewLoggerTo writes to w. Tests use it to capture output.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
