package relay

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a logrus logger writing to stderr.
func NewLogger(settings LogSettings) (*logrus.Logger, error) {
	return newLoggerTo(os.Stderr, settings)
}

func newLoggerTo(output io.Writer, settings LogSettings) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(output)

	level := strings.TrimSpace(settings.Level)
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, NewError(ValidationError, "log level", err)
	}
	logger.SetLevel(parsed)

	switch strings.ToLower(strings.TrimSpace(settings.Format)) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, NewError(ValidationError, "unknown log format "+settings.Format)
	}
	return logger, nil
}
