// Package testutil provides shared helpers for package tests.
package testutil

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewTestLogger creates a logger that discards output, suitable for tests.
func NewTestLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
