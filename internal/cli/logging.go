package cli

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// SetupLogging creates and configures a logger with the specified level.
// Returns the root entry for dependency injection.
func SetupLogging(level string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	switch strings.ToLower(level) {
	case "trace":
		log.SetLevel(logrus.TraceLevel)
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	return logrus.NewEntry(log)
}
