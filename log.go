package main

import (
	"context"
	"os"
	"strings"

	"github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
)

const (
	logLevelEnv  = "BATTLENODE_LOG_LEVEL"
	logFormatEnv = "BATTLENODE_LOG_FORMAT"
)

// Logger is a logger interface.
type Logger interface {
	// Debug logs a message at debug level.
	// keysAndValues are treated as key-value pairs (e.g., "key1", value1, "key2", value2).
	Debug(msg string, keysAndValues ...interface{})
	// Info logs a message at info level.
	Info(msg string, keysAndValues ...interface{})
	// Warn logs a message at warn level.
	Warn(msg string, keysAndValues ...interface{})
	// Error logs a message at error level.
	Error(msg string, keysAndValues ...interface{})
	// Fatal logs a message at fatal level and exits.
	Fatal(msg string, keysAndValues ...interface{})
	// Trace logs a message at trace level.
	Trace(msg string, keysAndValues ...interface{})
	// With returns a new logger with the given key-value pair.
	With(key string, value interface{}) Logger
	// NewSystem returns a new logger for the named subsystem, keeping the common fields.
	NewSystem(name string) Logger
}

func NewLoggerIPFS(name string) Logger {
	return &ipfsLogger{
		lg:                  log.Logger(name).SugaredLogger.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar(),
		commonKeysAndValues: []interface{}{},
	}
}

type ipfsLogger struct {
	lg                  *zap.SugaredLogger
	commonKeysAndValues []interface{}
}

func (l *ipfsLogger) Trace(_ string, _ ...interface{}) {}

func (l *ipfsLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.lg.Debugw(msg, keysAndValues...)
}

func (l *ipfsLogger) Info(msg string, keysAndValues ...interface{}) {
	l.lg.Infow(msg, keysAndValues...)
}

func (l *ipfsLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.lg.Warnw(msg, keysAndValues...)
}

func (l *ipfsLogger) Error(msg string, keysAndValues ...interface{}) {
	l.lg.Errorw(msg, keysAndValues...)
}

func (l *ipfsLogger) Fatal(msg string, keysAndValues ...interface{}) {
	l.lg.Fatalw(msg, keysAndValues...)
}

func (l *ipfsLogger) With(key string, value interface{}) Logger {
	common := make([]interface{}, 0, len(l.commonKeysAndValues)+2)
	common = append(common, l.commonKeysAndValues...)
	return &ipfsLogger{
		lg:                  l.lg.With(key, value),
		commonKeysAndValues: append(common, key, value),
	}
}

func (l *ipfsLogger) NewSystem(name string) Logger {
	lg := log.Logger(name)
	return &ipfsLogger{
		lg:                  lg.SugaredLogger.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar().With(l.commonKeysAndValues...),
		commonKeysAndValues: l.commonKeysAndValues,
	}
}

type loggerContextKey struct{}

// SetContextLogger attaches the provided logger to the context.
func SetContextLogger(ctx context.Context, lg Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext retrieves the logger stored in the context.
// If none is found, it returns a logger of the "noop" subsystem.
func LoggerFromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return l
	}
	return NewLoggerIPFS("noop")
}

func parseLogFormat(value string) log.LogFormat {
	switch strings.ToLower(value) {
	case "json":
		return log.JSONOutput
	case "color", "colorized":
		return log.ColorizedOutput
	default:
		return log.PlaintextOutput
	}
}

func init() {
	logLevel := os.Getenv(logLevelEnv)
	if logLevel == "" {
		logLevel = "info"
	}
	zapLevel, err := log.Parse(logLevel)
	if err != nil {
		zapLevel = log.LevelInfo
	}

	log.SetupLogging(log.Config{
		Format: parseLogFormat(os.Getenv(logFormatEnv)),
		Level:  zapLevel,
		Stderr: true,
	})
}

// contextWithLogger returns a background context carrying lg, for work that is
// not bound to a request.
func contextWithLogger(lg Logger) context.Context {
	return SetContextLogger(context.Background(), lg)
}
