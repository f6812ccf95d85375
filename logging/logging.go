// Package logging provides the shared logrus setup for every ingestiond
// service component. It intelligently routes error-level lines to stderr
// and everything else to stdout so container log collectors can split
// streams without parsing structured fields.
package logging

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// outputSplitter routes error-level log lines to stderr and the rest to
// stdout, based on the formatted line content rather than the raw level,
// so it works with both the text and JSON formatters.
type outputSplitter struct{}

func (outputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte(`"level":"error"`)) || bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide structured logger. Components attach
// request-scoped fields with WithFields rather than constructing their
// own logger instances.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(outputSplitter{})
	Logger.SetFormatter(&logrus.JSONFormatter{})
}

// Component returns a logger entry scoped to a named component, mirroring
// the field convention used across the ingestion engine, graph store, and
// control plane.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}

// SetLevel configures the global log level from a string, defaulting to
// info on an unrecognized value rather than failing startup.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)
}

// SetTextFormat switches to the human-readable formatter, used by local
// development and CLI front-ends instead of the JSON formatter used in
// production.
func SetTextFormat() {
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
