// Package logger builds the process-wide structured logger from the logging
// configuration. Components receive tagged child loggers via Component.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mercatorhq/herald/config"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// New builds the root logger according to cfg. Output "file" and "both"
// rotate through lumberjack using the configured size, backup and age limits.
func New(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"
	zerolog.DurationFieldUnit = time.Millisecond

	writers := make([]io.Writer, 0, 2)
	switch cfg.Output {
	case "file":
		writers = append(writers, fileWriter(cfg))
	case "both":
		writers = append(writers, consoleWriter(cfg), fileWriter(cfg))
	default:
		writers = append(writers, consoleWriter(cfg))
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// Component returns a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// ParseLevel maps the configured level string onto a zerolog level,
// defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func consoleWriter(cfg config.LoggingConfig) io.Writer {
	if cfg.Format == "console" {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
	}
	return os.Stdout
}

func fileWriter(cfg config.LoggingConfig) io.Writer {
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
}
