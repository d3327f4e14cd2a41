// Package log wires logrus the way prysmaticlabs/prysm's daemons do: one
// package-level FieldLogger per component, with structured fields for
// chain/block/era context rather than formatted strings.
package log

import "github.com/sirupsen/logrus"

// New returns a component-scoped logger with a "component" field set,
// so every daemon's logs are greppable by subsystem without parsing text.
func New(component string) *logrus.Entry {
	return logrus.StandardLogger().WithField("component", component)
}

// SetLevel parses and applies the configured log level, falling back to
// Info on an unrecognized value rather than failing startup over a typo.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
