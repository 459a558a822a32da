package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls where and how verbosely the bot logs.
type LogConfig struct {
	Level      string
	FilePath   string // empty disables the file writer
	MaxSizeMB  int
	MaxBackups int
	Console    io.Writer // defaults to os.Stdout
}

// Setup points the global zerolog logger at the console and a rotating file.
// It returns the file writer so the caller can close it on exit; nil when
// file logging is off.
func Setup(cfg LogConfig) io.Closer {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	out := cfg.Console
	if out == nil {
		out = os.Stdout
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}}

	var rotator *lumberjack.Logger
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err == nil {
			rotator = &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				Compress:   true,
			}
			writers = append(writers, rotator)
		}
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()

	if cfg.FilePath != "" && rotator == nil {
		log.Warn().Str("file", cfg.FilePath).Msg("Failed to open log file, using stdout only")
	}
	if rotator == nil {
		return nil
	}
	return rotator
}

// ParseLevel maps a LOG_LEVEL value to a zerolog level; unknown values mean info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
