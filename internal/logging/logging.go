// Package logging configures the logrus logger shared by the binaries.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// ParseLevel maps a level name to a logrus level, defaulting to info.
func ParseLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(s))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// New returns a logger writing to w (stderr when nil) in the given format:
// "json" or "text".
func New(w io.Writer, level, format string) *logrus.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(ParseLevel(level))
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// LogError logs err with a message at error level.
func LogError(log logrus.FieldLogger, msg string, err error) {
	log.WithError(err).Error(msg)
}

// LogFatal logs err with a message and exits.
func LogFatal(log logrus.FieldLogger, msg string, err error) {
	log.WithError(err).Fatal(msg)
}
