// Package history keeps the append-only record of finished sync
// sessions.
package history

import (
	"log/slog"

	"peersync/internal/domain"
)

// Log wraps the backing store. Entries are write-once; nothing here
// mutates an entry after Append.
type Log struct {
	store domain.HistoryStore
	log   *slog.Logger
}

// New builds a Log over store.
func New(store domain.HistoryStore, log *slog.Logger) *Log {
	return &Log{store: store, log: log}
}

// Append records one finished session.
func (l *Log) Append(entry domain.HistoryEntry) error {
	if err := l.store.AppendHistory(entry); err != nil {
		return err
	}
	l.log.Info("sync recorded",
		"session", entry.SessionID,
		"device", entry.DeviceID,
		"outcome", entry.Outcome,
		"bytes", entry.BytesTransferred)
	return nil
}

// Recent returns the most recent limit entries, newest first. A limit
// below 1 is clamped to 1; entries beyond the limit are omitted, never
// summarized.
func (l *Log) Recent(limit int) ([]domain.HistoryEntry, error) {
	if limit < 1 {
		limit = 1
	}
	return l.store.RecentHistory(limit)
}
