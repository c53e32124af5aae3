package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"signalpipe/internal/config"
)

// pollFingerprint is the size+mtime pair a polling scan compares between
// passes to detect modification.
type pollFingerprint struct {
	size  int64
	mtime time.Time
}

// PollSource watches a directory by periodically scanning it and comparing
// file fingerprints. It is the fallback for platforms without usable
// change notifications.
type PollSource struct {
	cfg    config.WatchConfig
	events chan Event
	seen   map[string]pollFingerprint
	log    *logrus.Entry
}

// NewPollSource creates a polling change source.
func NewPollSource(cfg config.WatchConfig, log *logrus.Entry) *PollSource {
	return &PollSource{
		cfg:    cfg,
		events: make(chan Event, 64),
		seen:   make(map[string]pollFingerprint),
		log:    log.WithField("component", "watch.poll"),
	}
}

// Name returns the detection mechanism identifier.
func (s *PollSource) Name() string { return "poll" }

// Events returns the notification stream.
func (s *PollSource) Events() <-chan Event { return s.events }

// Start begins the periodic scan loop.
func (s *PollSource) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("creating watch dir: %w", err)
	}
	go s.loop(ctx)
	return nil
}

func (s *PollSource) loop(ctx context.Context) {
	defer close(s.events)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	// First scan runs immediately so existing files are picked up on start.
	if !s.scan(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.scan(ctx) {
				return
			}
		}
	}
}

// scan compares the directory against the previous pass and emits events.
// It returns false when the context was cancelled mid-emit.
func (s *PollSource) scan(ctx context.Context) bool {
	paths, err := filepath.Glob(filepath.Join(s.cfg.Dir, s.cfg.Pattern))
	if err != nil {
		s.log.WithError(err).Warn("scan failed")
		return true
	}
	sort.Strings(paths)

	current := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		current[path] = struct{}{}

		fp := pollFingerprint{size: info.Size(), mtime: info.ModTime()}
		prev, known := s.seen[path]
		switch {
		case !known:
			s.seen[path] = fp
			if !s.emit(ctx, Event{Path: path, Kind: Created}) {
				return false
			}
		case prev != fp:
			s.seen[path] = fp
			if !s.emit(ctx, Event{Path: path, Kind: Modified}) {
				return false
			}
		}
	}

	for path := range s.seen {
		if _, ok := current[path]; !ok {
			delete(s.seen, path)
			if !s.emit(ctx, Event{Path: path, Kind: Removed}) {
				return false
			}
		}
	}
	return true
}

func (s *PollSource) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
