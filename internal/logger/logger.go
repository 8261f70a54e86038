package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
	"github.com/zsiec/hwdec/internal/config"
	"github.com/zsiec/hwdec/pkg/version"
)

// Logger is the structured logger library packages depend on, so decoder
// code never imports logrus directly.
type Logger interface {
	WithFields(fields map[string]interface{}) Logger
	WithField(key string, value interface{}) Logger
	WithError(err error) Logger
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Log(level logrus.Level, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
}

// LogrusAdapter is the Logger backed by a logrus entry.
type LogrusAdapter struct {
	entry *logrus.Entry
}

// NewLogrusAdapter wraps entry.
func NewLogrusAdapter(entry *logrus.Entry) Logger {
	return &LogrusAdapter{entry: entry}
}

func (l *LogrusAdapter) derive(entry *logrus.Entry) Logger {
	return &LogrusAdapter{entry: entry}
}

func (l *LogrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return l.derive(l.entry.WithFields(fields))
}

func (l *LogrusAdapter) WithField(key string, value interface{}) Logger {
	return l.derive(l.entry.WithField(key, value))
}

func (l *LogrusAdapter) WithError(err error) Logger {
	return l.derive(l.entry.WithError(err))
}

func (l *LogrusAdapter) Log(level logrus.Level, args ...interface{}) { l.entry.Log(level, args...) }

func (l *LogrusAdapter) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *LogrusAdapter) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *LogrusAdapter) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *LogrusAdapter) Error(args ...interface{}) { l.entry.Error(args...) }

func (l *LogrusAdapter) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *LogrusAdapter) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *LogrusAdapter) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *LogrusAdapter) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// Fatal logs at fatal level and exits through the logger's ExitFunc.
func (l *LogrusAdapter) Fatal(args ...interface{}) {
	l.entry.Log(logrus.FatalLevel, args...)
	l.entry.Logger.Exit(1)
}

// New creates a new configured logger instance.
func New(cfg *config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
			DisableColors:   false,
		})
	}

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		// anything else is a file path, rotated by lumberjack
		dir := filepath.Dir(cfg.Output)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		logger.SetOutput(&lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSize, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   true,
		})
	}

	logger.AddHook(&defaultFieldsHook{fields: logrus.Fields{
		"service": "hwdec",
		"version": version.GetInfo().Short(),
	}})

	return logger, nil
}

// defaultFieldsHook stamps every entry with service-wide fields unless the
// entry already carries them.
type defaultFieldsHook struct {
	fields logrus.Fields
}

func (h *defaultFieldsHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *defaultFieldsHook) Fire(entry *logrus.Entry) error {
	for k, v := range h.fields {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}

// WithComponent creates a logger entry with component field.
func WithComponent(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}

// WithSession creates a logger entry tagged with a decoder session.
func WithSession(logger *logrus.Logger, sessionID, backend string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"backend":    backend,
	})
}

// ForComponent returns a Logger for library code that only knows the
// interface, tagged with component.
func ForComponent(logger *logrus.Logger, component string) Logger {
	return NewLogrusAdapter(WithComponent(logger, component))
}

// WithError creates a logger entry with error details.
func WithError(logger *logrus.Logger, err error) *logrus.Entry {
	return logger.WithError(err)
}

// Fields is a type alias for logrus.Fields for convenience
type Fields = logrus.Fields

// Entry is a type alias for logrus.Entry
type Entry = logrus.Entry
