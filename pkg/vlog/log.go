package vlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the engine-internal global logger, filtered by Level.
	Logger zerolog.Logger

	// UserLogger is the application/operation-level logger, filtered
	// independently by UserLevel.
	UserLogger zerolog.Logger
)

// Level represents a logging severity, matching the config schema's
// Level ∈ {Trace,Debug,Info,Warn,Error}.
type Level string

const (
	TraceLevel Level = "Trace"
	DebugLevel Level = "Debug"
	InfoLevel  Level = "Info"
	WarnLevel  Level = "Warn"
	ErrorLevel Level = "Error"
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case TraceLevel:
		return zerolog.TraceLevel
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logging configuration, mirroring the Logging
// configuration block.
type Config struct {
	Path       string
	Level      Level
	UserLevel  Level
	JSONOutput bool
	Output     io.Writer // overrides Path, used by tests
}

// Init initializes both the engine and user-facing global loggers.
func Init(cfg Config) error {
	output, err := resolveOutput(cfg)
	if err != nil {
		return err
	}

	Logger = newLogger(output, cfg.Level, cfg.JSONOutput).With().Str("scope", "engine").Logger()
	UserLogger = newLogger(output, cfg.UserLevel, cfg.JSONOutput).With().Str("scope", "user").Logger()
	return nil
}

func resolveOutput(cfg Config) (io.Writer, error) {
	if cfg.Output != nil {
		return cfg.Output, nil
	}
	if cfg.Path == "" {
		return os.Stdout, nil
	}
	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func newLogger(output io.Writer, level Level, jsonOutput bool) zerolog.Logger {
	zl := zerolog.New(output).With().Timestamp().Logger().Level(level.zerolog())
	if !jsonOutput {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger().Level(level.zerolog())
	}
	return zl
}

// WithComponent returns a child of Logger scoped to a component name
// (e.g. "wal", "replication", "endpoint").
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithConn returns a child of Logger scoped to a connection id.
func WithConn(connID string) *zerolog.Logger {
	l := Logger.With().Str("conn_id", connID).Logger()
	return &l
}

// WithTxn returns a child of Logger scoped to a transaction.
func WithTxn(txnID uint64) *zerolog.Logger {
	l := Logger.With().Uint64("txn_id", txnID).Logger()
	return &l
}

// WithCSN returns a child of Logger scoped to a commit sequence number.
func WithCSN(csn uint64) *zerolog.Logger {
	l := Logger.With().Uint64("csn", csn).Logger()
	return &l
}

func Info(msg string)              { Logger.Info().Msg(msg) }
func Debug(msg string)             { Logger.Debug().Msg(msg) }
func Warn(msg string)              { Logger.Warn().Msg(msg) }
func Error(msg string)             { Logger.Error().Msg(msg) }
func Errorf(msg string, err error) { Logger.Error().Err(err).Msg(msg) }
func Fatal(msg string)             { Logger.Fatal().Msg(msg) }
