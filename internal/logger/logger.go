package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// timeLayout gives timestamps millisecond precision.
	timeLayout = "2006-01-02 15:04:05.000"
)

var (
	mu            sync.RWMutex
	defaultLogger = newLogger(os.Stdout, zapcore.InfoLevel)
)

// Init replaces the global logger with one at the given level.
// Unknown levels fall back to info.
func Init(level string) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	SetOutput(os.Stdout, lvl)
}

// SetOutput redirects the global logger to out at the given level.
func SetOutput(out io.Writer, level zapcore.Level) {
	l := newLogger(out, level)

	mu.Lock()
	old := defaultLogger
	defaultLogger = l
	mu.Unlock()

	_ = old.Sync()
}

// newLogger builds a console logger.
// Format: 2024-01-15 14:30:45.123 INF message key=value
func newLogger(out io.Writer, level zapcore.Level) *zap.SugaredLogger {
	cfg := zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		MessageKey:       "msg",
		EncodeTime:       zapcore.TimeEncoderOfLayout(timeLayout),
		EncodeLevel:      encodeLevel,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(out),
		level,
	)

	return zap.New(core).Sugar()
}

// encodeLevel writes a short tag for the log level.
func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.DebugLevel:
		enc.AppendString("[DBG]")
	case zapcore.InfoLevel:
		enc.AppendString("[INF]")
	case zapcore.WarnLevel:
		enc.AppendString("[WRN]")
	case zapcore.ErrorLevel:
		enc.AppendString("[ERR]")
	default:
		enc.AppendString("[???]")
	}
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()

	return defaultLogger
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	current().Infow(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	current().Debugw(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	current().Warnw(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	current().Errorw(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *zap.SugaredLogger {
	return current().With(args...)
}

// Sync flushes buffered entries.
func Sync() {
	_ = current().Sync()
}

// Timed returns elapsed time since start for logging duration.
func Timed(start time.Time) zap.Field {
	return zap.Duration("elapsed", time.Since(start))
}
