package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var log = logrus.New()

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	log.SetLevel(logrus.InfoLevel)

	// Read LOG_LEVEL from environment
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		SetLevel(LevelDebug)
	case "info":
		SetLevel(LevelInfo)
	case "warn", "warning":
		SetLevel(LevelWarn)
	case "error":
		SetLevel(LevelError)
	}
}

// SetLevel changes the minimum level that is written
func SetLevel(level LogLevel) {
	switch level {
	case LevelDebug:
		log.SetLevel(logrus.DebugLevel)
	case LevelInfo:
		log.SetLevel(logrus.InfoLevel)
	case LevelWarn:
		log.SetLevel(logrus.WarnLevel)
	default:
		log.SetLevel(logrus.ErrorLevel)
	}
}

// SetOutput redirects log output
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

// IsDebug returns true if debug logging is enabled
func IsDebug() bool {
	return log.IsLevelEnabled(logrus.DebugLevel)
}

// WithNode returns an entry that tags every message with a node address
func WithNode(addr string) *logrus.Entry {
	return log.WithField("node", addr)
}

// WithFields returns an entry carrying the given fields
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return log.WithFields(logrus.Fields(fields))
}
