// Package audit records pipeline lifecycle events in a rotating JSONL log.
package audit

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"

	"signalpipe/internal/config"
)

// Log appends pipeline events (dispatches, resets, dead-letters) as JSON
// lines to a rotating file. It is best-effort observability: a failed
// audit write is logged and never stops processing, unlike the
// dead-letter store.
type Log struct {
	mu  sync.Mutex
	w   io.WriteCloser
	log *logrus.Entry
	now func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithWriter sets a custom writer, primarily for testing.
func WithWriter(w io.WriteCloser) Option {
	return func(l *Log) {
		l.w = w
	}
}

// New creates the audit log. A disabled config yields a no-op log.
func New(cfg config.AuditConfig, log *logrus.Entry, opts ...Option) *Log {
	l := &Log{
		log: log.WithField("component", "audit"),
		now: time.Now,
	}
	if cfg.Enabled {
		l.w = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Event appends one event record.
func (l *Log) Event(kind string, fields map[string]any) {
	if l == nil || l.w == nil {
		return
	}

	record := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		record[k] = v
	}
	record["ts"] = l.now().UTC().Format(time.RFC3339Nano)
	record["kind"] = kind

	data, err := json.Marshal(record)
	if err != nil {
		l.log.WithError(err).Warn("encoding audit event")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		l.log.WithError(err).Warn("writing audit event")
	}
}

// Close closes the underlying writer.
func (l *Log) Close() error {
	if l == nil || l.w == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}
