// Package store provides SQLite-backed persistence for the device
// registry, synchronized items, conflict records, and sync history.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"peersync/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
    device_id        TEXT PRIMARY KEY,
    display_name     TEXT NOT NULL,
    device_kind      TEXT NOT NULL,
    public_key       BLOB NOT NULL,
    trust_state      TEXT NOT NULL,
    protocol_version INTEGER NOT NULL,
    last_seen        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS items (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    payload     BLOB,
    clock       TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    deleted     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS conflicts (
    conflict_id    TEXT PRIMARY KEY,
    device_id      TEXT NOT NULL,
    item_id        TEXT NOT NULL,
    item_kind      TEXT NOT NULL,
    local_version  BLOB,
    remote_version BLOB,
    local_clock    TEXT NOT NULL,
    remote_clock   TEXT NOT NULL,
    detected_at    INTEGER NOT NULL,
    resolution     TEXT NOT NULL DEFAULT 'pending',
    resolved_at    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_conflicts_pending ON conflicts(resolution, detected_at);

CREATE TABLE IF NOT EXISTS history (
    session_id        TEXT PRIMARY KEY,
    device_id         TEXT NOT NULL,
    started_at        INTEGER NOT NULL,
    ended_at          INTEGER NOT NULL,
    bytes_transferred INTEGER NOT NULL,
    items_pushed      INTEGER NOT NULL,
    items_pulled      INTEGER NOT NULL,
    outcome           TEXT NOT NULL,
    conflict_ids      TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_history_ended ON history(ended_at DESC);
`

// Store is the SQLite store behind every shared collection. One Store
// serves all concurrent sessions; SQLite serializes the writes.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, ":") {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// ---------- DeviceStore ----------

func (s *Store) UpsertDevice(dev domain.Device) error {
	_, err := s.db.Exec(`
		INSERT INTO devices (device_id, display_name, device_kind, public_key,
		                     trust_state, protocol_version, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
		    display_name = excluded.display_name,
		    device_kind = excluded.device_kind,
		    public_key = excluded.public_key,
		    trust_state = excluded.trust_state,
		    protocol_version = excluded.protocol_version,
		    last_seen = excluded.last_seen`,
		dev.ID, dev.DisplayName, dev.Kind, dev.PublicKey,
		dev.Trust, dev.ProtocolVersion, dev.LastSeen)
	return err
}

func (s *Store) GetDevice(id domain.DeviceID) (domain.Device, bool, error) {
	row := s.db.QueryRow(`
		SELECT device_id, display_name, device_kind, public_key,
		       trust_state, protocol_version, last_seen
		FROM devices WHERE device_id = ?`, id)
	dev, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return domain.Device{}, false, nil
	}
	if err != nil {
		return domain.Device{}, false, err
	}
	return dev, true, nil
}

func (s *Store) ListDevices() ([]domain.Device, error) {
	rows, err := s.db.Query(`
		SELECT device_id, display_name, device_kind, public_key,
		       trust_state, protocol_version, last_seen
		FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dev)
	}
	return out, rows.Err()
}

func (s *Store) SetTrust(id domain.DeviceID, trust domain.TrustState) error {
	res, err := s.db.Exec(`UPDATE devices SET trust_state = ? WHERE device_id = ?`, trust, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: unknown device %s", domain.ErrValidation, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (domain.Device, error) {
	var dev domain.Device
	err := row.Scan(&dev.ID, &dev.DisplayName, &dev.Kind, &dev.PublicKey,
		&dev.Trust, &dev.ProtocolVersion, &dev.LastSeen)
	return dev, err
}

// ---------- ItemStore ----------

func (s *Store) GetItem(id string) (domain.Item, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, kind, payload, clock, updated_at, deleted
		FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return domain.Item{}, false, nil
	}
	if err != nil {
		return domain.Item{}, false, err
	}
	return item, true, nil
}

func (s *Store) PutItem(item domain.Item) error {
	clock, err := marshalClock(item.Clock)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO items (id, kind, payload, clock, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
		    kind = excluded.kind,
		    payload = excluded.payload,
		    clock = excluded.clock,
		    updated_at = excluded.updated_at,
		    deleted = 0`,
		item.ID, item.Kind, item.Payload, clock, item.UpdatedAt)
	return err
}

// DeleteItem keeps a tombstone carrying the delete's lineage, so a later
// concurrent edit of the same item still registers as divergent.
func (s *Store) DeleteItem(id string, clock domain.VersionVector) error {
	enc, err := marshalClock(clock)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO items (id, kind, payload, clock, updated_at, deleted)
		VALUES (?, '', NULL, ?, strftime('%s','now'), 1)
		ON CONFLICT(id) DO UPDATE SET
		    payload = NULL,
		    clock = excluded.clock,
		    updated_at = excluded.updated_at,
		    deleted = 1`,
		id, enc)
	return err
}

// ListItems returns every live (non-tombstone) item.
func (s *Store) ListItems() ([]domain.Item, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, payload, clock, updated_at, deleted
		FROM items WHERE deleted = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanItem(row scanner) (domain.Item, error) {
	var (
		item  domain.Item
		clock string
	)
	if err := row.Scan(&item.ID, &item.Kind, &item.Payload, &clock,
		&item.UpdatedAt, &item.Deleted); err != nil {
		return domain.Item{}, err
	}
	if err := json.Unmarshal([]byte(clock), &item.Clock); err != nil {
		return domain.Item{}, fmt.Errorf("decode item clock: %w", err)
	}
	return item, nil
}

// ---------- ConflictStore ----------

func (s *Store) SaveConflict(rec domain.ConflictRecord) error {
	localClock, err := marshalClock(rec.LocalClock)
	if err != nil {
		return err
	}
	remoteClock, err := marshalClock(rec.RemoteClock)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO conflicts (conflict_id, device_id, item_id, item_kind,
		    local_version, remote_version, local_clock, remote_clock,
		    detected_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DeviceID, rec.ItemID, rec.ItemKind,
		rec.LocalVersion, rec.RemoteVersion, localClock, remoteClock,
		rec.DetectedAt, rec.Resolution)
	return err
}

func (s *Store) GetConflict(id string) (domain.ConflictRecord, bool, error) {
	row := s.db.QueryRow(`
		SELECT conflict_id, device_id, item_id, item_kind, local_version,
		       remote_version, local_clock, remote_clock, detected_at,
		       resolution, resolved_at
		FROM conflicts WHERE conflict_id = ?`, id)
	rec, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return domain.ConflictRecord{}, false, nil
	}
	if err != nil {
		return domain.ConflictRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) ListUnresolved() ([]domain.ConflictRecord, error) {
	rows, err := s.db.Query(`
		SELECT conflict_id, device_id, item_id, item_kind, local_version,
		       remote_version, local_clock, remote_clock, detected_at,
		       resolution, resolved_at
		FROM conflicts WHERE resolution = 'pending'
		ORDER BY detected_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkResolved records the resolution exactly once; an already-resolved
// conflict is left untouched.
func (s *Store) MarkResolved(id string, res domain.Resolution, resolvedAt int64) error {
	_, err := s.db.Exec(`
		UPDATE conflicts SET resolution = ?, resolved_at = ?
		WHERE conflict_id = ? AND resolution = 'pending'`,
		res, resolvedAt, id)
	return err
}

func scanConflict(row scanner) (domain.ConflictRecord, error) {
	var (
		rec                     domain.ConflictRecord
		localClock, remoteClock string
		resolvedAt              sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.DeviceID, &rec.ItemID, &rec.ItemKind,
		&rec.LocalVersion, &rec.RemoteVersion, &localClock, &remoteClock,
		&rec.DetectedAt, &rec.Resolution, &resolvedAt); err != nil {
		return domain.ConflictRecord{}, err
	}
	if err := json.Unmarshal([]byte(localClock), &rec.LocalClock); err != nil {
		return domain.ConflictRecord{}, fmt.Errorf("decode local clock: %w", err)
	}
	if err := json.Unmarshal([]byte(remoteClock), &rec.RemoteClock); err != nil {
		return domain.ConflictRecord{}, fmt.Errorf("decode remote clock: %w", err)
	}
	if resolvedAt.Valid {
		rec.ResolvedAt = resolvedAt.Int64
	}
	return rec, nil
}

// ---------- HistoryStore ----------

// AppendHistory is write-once: a duplicate session id is rejected by the
// primary key, never overwritten.
func (s *Store) AppendHistory(entry domain.HistoryEntry) error {
	ids, err := json.Marshal(entry.ConflictIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO history (session_id, device_id, started_at, ended_at,
		    bytes_transferred, items_pushed, items_pulled, outcome, conflict_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.DeviceID, entry.StartedAt, entry.EndedAt,
		entry.BytesTransferred, entry.ItemsPushed, entry.ItemsPulled,
		entry.Outcome, string(ids))
	return err
}

func (s *Store) RecentHistory(limit int) ([]domain.HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT session_id, device_id, started_at, ended_at,
		       bytes_transferred, items_pushed, items_pulled, outcome, conflict_ids
		FROM history ORDER BY ended_at DESC, session_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.HistoryEntry
	for rows.Next() {
		var (
			entry domain.HistoryEntry
			ids   string
		)
		if err := rows.Scan(&entry.SessionID, &entry.DeviceID, &entry.StartedAt,
			&entry.EndedAt, &entry.BytesTransferred, &entry.ItemsPushed,
			&entry.ItemsPulled, &entry.Outcome, &ids); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ids), &entry.ConflictIDs); err != nil {
			return nil, fmt.Errorf("decode conflict ids: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func marshalClock(v domain.VersionVector) (string, error) {
	if v == nil {
		v = domain.VersionVector{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Interface conformance.
var (
	_ domain.DeviceStore   = (*Store)(nil)
	_ domain.ItemStore     = (*Store)(nil)
	_ domain.ConflictStore = (*Store)(nil)
	_ domain.HistoryStore  = (*Store)(nil)
)
