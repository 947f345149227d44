package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the logging level
type Level int

const (
	// DEBUG level for detailed debugging information
	DEBUG Level = iota
	// INFO level for informational messages
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
)

// String returns the string representation of the level
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string ("debug", "info", ...) to a Level
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG":
		return DEBUG, nil
	case "info", "INFO", "":
		return INFO, nil
	case "warn", "WARN":
		return WARN, nil
	case "error", "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %q", s)
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func fromZapLevel(l zapcore.Level) Level {
	switch l {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel:
		return ERROR
	default:
		return INFO
	}
}

// filePrefix is the daily log file name prefix
const filePrefix = "ezs2t-segmenter"

// Logger writes leveled messages to a daily-rotated file (and optionally the
// console). Loggers derived with With share the same output and rotation.
type Logger struct {
	out    *output
	fields []interface{}
}

// output is the rotation state shared by a Logger and all its children
type output struct {
	mu            sync.RWMutex
	level         zap.AtomicLevel
	file          *os.File
	base          *zap.SugaredLogger
	logDir        string
	currentDay    string
	retentionDays int
	console       bool
	static        bool
}

// Config holds logger configuration
type Config struct {
	// LogDir is the directory for daily log files. Empty disables file output.
	LogDir        string
	Level         Level
	RetentionDays int
	// Console mirrors every entry to stderr
	Console bool
}

// DefaultConfig returns the default logger configuration
func DefaultConfig() Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	logDir := filepath.Join(homeDir, "Library", "Application Support", "EzS2T-Segmenter", "logs")

	return Config{
		LogDir:        logDir,
		Level:         INFO,
		RetentionDays: 7,
	}
}

// New creates a new logger
func New(config Config) (*Logger, error) {
	out := &output{
		level:         zap.NewAtomicLevelAt(config.Level.zapLevel()),
		logDir:        config.LogDir,
		retentionDays: config.RetentionDays,
		console:       config.Console,
	}

	if config.LogDir == "" {
		// Console only, nothing to rotate
		out.static = true
		out.base = zap.New(zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stderr), out.level)).Sugar()
		return &Logger{out: out}, nil
	}

	if err := out.rotateLog(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return &Logger{out: out}, nil
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{out: &output{
		level:  zap.NewAtomicLevelAt(zapcore.InfoLevel),
		base:   zap.NewNop().Sugar(),
		static: true,
	}}
}

// NewWithCore wraps an existing zap core. Used by tests that inspect entries.
func NewWithCore(core zapcore.Core, level Level) *Logger {
	atom := zap.NewAtomicLevelAt(level.zapLevel())
	return &Logger{out: &output{
		level:  atom,
		base:   zap.New(core).Sugar(),
		static: true,
	}}
}

func newEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	cfg.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString("[" + l.CapitalString() + "]")
	}
	cfg.CallerKey = ""
	cfg.ConsoleSeparator = " "
	return zapcore.NewConsoleEncoder(cfg)
}

// rotateLog rotates the log file if necessary
func (o *output) rotateLog() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	today := time.Now().Format("20060102")

	if o.currentDay == today && o.file != nil {
		return nil
	}

	if o.base != nil {
		_ = o.base.Sync()
	}
	if o.file != nil {
		o.file.Close()
	}

	if err := os.MkdirAll(o.logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	filename := fmt.Sprintf("%s-%s.log", filePrefix, today)
	filePath := filepath.Join(o.logDir, filename)

	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	o.file = file
	o.currentDay = today

	cores := []zapcore.Core{zapcore.NewCore(newEncoder(), zapcore.AddSync(file), o.level)}
	if o.console {
		cores = append(cores, zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stderr), o.level))
	}
	o.base = zap.New(zapcore.NewTee(cores...)).Sugar()

	if err := o.cleanOldLogs(); err != nil {
		o.base.Warnf("Failed to clean old logs: %v", err)
	}

	return nil
}

// cleanOldLogs deletes log files older than retentionDays
func (o *output) cleanOldLogs() error {
	if o.retentionDays <= 0 {
		return nil
	}
	cutoffDate := time.Now().AddDate(0, 0, -o.retentionDays)

	entries, err := os.ReadDir(o.logDir)
	if err != nil {
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoffDate) {
			// Keep going even if one file can't be removed
			_ = os.Remove(filepath.Join(o.logDir, entry.Name()))
		}
	}

	return nil
}

// current returns the zap logger for today, rotating first if the day changed
func (o *output) current() *zap.SugaredLogger {
	o.mu.RLock()
	base, day, static := o.base, o.currentDay, o.static
	o.mu.RUnlock()

	if static || day == time.Now().Format("20060102") {
		return base
	}
	if err := o.rotateLog(); err != nil {
		// Can't log this error since logging is failing
		fmt.Fprintf(os.Stderr, "Failed to rotate log: %v\n", err)
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.base
}

func (l *Logger) sugar() *zap.SugaredLogger {
	s := l.out.current()
	if len(l.fields) > 0 {
		s = s.With(l.fields...)
	}
	return s
}

// With returns a child logger that attaches the given key/value pairs to
// every entry
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(keysAndValues))
	fields = append(fields, l.fields...)
	fields = append(fields, keysAndValues...)
	return &Logger{out: l.out, fields: fields}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	if !l.out.level.Enabled(zapcore.DebugLevel) {
		return
	}
	l.sugar().Debugf(format, v...)
}

// Info logs an informational message
func (l *Logger) Info(format string, v ...interface{}) {
	if !l.out.level.Enabled(zapcore.InfoLevel) {
		return
	}
	l.sugar().Infof(format, v...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	if !l.out.level.Enabled(zapcore.WarnLevel) {
		return
	}
	l.sugar().Warnf(format, v...)
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.sugar().Errorf(format, v...)
}

// Close flushes and closes the log file
func (l *Logger) Close() error {
	o := l.out
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.base != nil {
		_ = o.base.Sync()
	}
	if o.file != nil {
		err := o.file.Close()
		o.file = nil
		return err
	}
	return nil
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level Level) {
	l.out.level.SetLevel(level.zapLevel())
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	return fromZapLevel(l.out.level.Level())
}
