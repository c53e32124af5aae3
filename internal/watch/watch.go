// Package watch detects file changes in a monitored directory.
//
// Two interchangeable change sources exist: an fsnotify-backed watcher and
// a polling scanner. Callers depend only on the notification stream; the
// detection mechanism never changes downstream behavior.
package watch

import (
	"context"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"signalpipe/internal/config"
)

// Kind classifies a file change.
type Kind string

const (
	// Created means a matching file appeared in the directory.
	Created Kind = "created"
	// Modified means a matching file grew or changed.
	Modified Kind = "modified"
	// Removed means a matching file disappeared.
	Removed Kind = "removed"
)

// Event is one file-change notification.
type Event struct {
	Path string
	Kind Kind
}

// Source produces a stream of file-change events for files matching a
// pattern inside a monitored directory.
type Source interface {
	// Start begins producing events. It returns once the source is
	// watching; events flow until the context is cancelled, after which
	// the events channel is closed.
	Start(ctx context.Context) error

	// Events returns the notification stream.
	Events() <-chan Event

	// Name identifies the detection mechanism.
	Name() string
}

// New selects a change source for the configured directory. It prefers OS
// change notifications and falls back to polling when they are unavailable
// or polling is forced.
func New(cfg config.WatchConfig, log *logrus.Entry) Source {
	if cfg.ForcePoll {
		return NewPollSource(cfg, log)
	}
	src, err := NewNotifySource(cfg, log)
	if err != nil {
		log.WithError(err).Warn("change notifications unavailable, falling back to polling")
		return NewPollSource(cfg, log)
	}
	return src
}

// matches reports whether the base name of path matches the pattern.
func matches(pattern, path string) bool {
	ok, err := filepath.Match(pattern, filepath.Base(path))
	return err == nil && ok
}
