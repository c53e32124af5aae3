package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"signalpipe/internal/config"
)

// NotifySource watches a directory using OS change notifications.
type NotifySource struct {
	cfg     config.WatchConfig
	watcher *fsnotify.Watcher
	events  chan Event
	log     *logrus.Entry
}

// NewNotifySource creates an fsnotify-backed change source. It fails when
// the platform cannot provide change notifications, in which case callers
// should fall back to polling.
func NewNotifySource(cfg config.WatchConfig, log *logrus.Entry) (*NotifySource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &NotifySource{
		cfg:     cfg,
		watcher: watcher,
		events:  make(chan Event, 64),
		log:     log.WithField("component", "watch.notify"),
	}, nil
}

// Name returns the detection mechanism identifier.
func (s *NotifySource) Name() string { return "notify" }

// Events returns the notification stream.
func (s *NotifySource) Events() <-chan Event { return s.events }

// Start registers the directory and begins translating fsnotify events.
// Files already present are announced as created so that tailing resumes
// after a restart without waiting for the next write.
func (s *NotifySource) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("creating watch dir: %w", err)
	}
	if err := s.watcher.Add(s.cfg.Dir); err != nil {
		return fmt.Errorf("watching %q: %w", s.cfg.Dir, err)
	}

	existing, err := filepath.Glob(filepath.Join(s.cfg.Dir, s.cfg.Pattern))
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", s.cfg.Pattern, err)
	}

	go s.loop(ctx, existing)
	return nil
}

func (s *NotifySource) loop(ctx context.Context, existing []string) {
	defer close(s.events)
	defer s.watcher.Close()

	for _, path := range existing {
		select {
		case s.events <- Event{Path: path, Kind: Created}:
		case <-ctx.Done():
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !matches(s.cfg.Pattern, ev.Name) {
				continue
			}
			kind, ok := translate(ev.Op)
			if !ok {
				continue
			}
			select {
			case s.events <- Event{Path: ev.Name, Kind: kind}:
			case <-ctx.Done():
				return
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.WithError(err).Warn("watcher error")
		}
	}
}

// translate maps fsnotify operations onto change kinds. A rename out of
// the directory looks like a removal; the replacement file arrives as a
// separate create.
func translate(op fsnotify.Op) (Kind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return Created, true
	case op.Has(fsnotify.Write):
		return Modified, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return Removed, true
	default:
		return "", false
	}
}
