// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New returns an entry tagged with component. format is "json" or "text";
// an unknown level falls back to info.
func New(component, level, format string) *logrus.Entry {
	return newWithOutput(os.Stdout, component, level, format)
}

func newWithOutput(out io.Writer, component, level, format string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(out)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger.WithField("component", component)
}
