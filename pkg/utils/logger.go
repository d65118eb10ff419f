package utils

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var Logger *logrus.Logger

func init() {
	// Usable before main calls Init, e.g. from package tests.
	Init("info")
}

func Init(logLevel string) {
	Logger = logrus.New()

	Logger.SetOutput(os.Stdout)

	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		Logger.SetLevel(logrus.InfoLevel)
		Logger.Warnf("Invalid log level %q, defaulting to info", logLevel)
	} else {
		Logger.SetLevel(level)
	}
}

// SetOutput redirects the global logger, mostly for tests that want quiet output.
func SetOutput(w io.Writer) {
	GetLogger().SetOutput(w)
}

func GetLogger() *logrus.Logger {
	if Logger == nil {
		Init("info")
	}
	return Logger
}

// Convenience functions
func Info(args ...interface{}) {
	GetLogger().Info(args...)
}

func Error(args ...interface{}) {
	GetLogger().Error(args...)
}

func Warn(args ...interface{}) {
	GetLogger().Warn(args...)
}

func Debug(args ...interface{}) {
	GetLogger().Debug(args...)
}

func Fatal(args ...interface{}) {
	GetLogger().Fatal(args...)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return GetLogger().WithFields(fields)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return GetLogger().WithField(key, value)
}

// ForSession returns an entry tagged with the ingest session and stream key,
// the two identifiers every lifecycle log line carries.
func ForSession(sessionID, streamKey string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"session_id": sessionID,
		"stream_key": streamKey,
	})
}
