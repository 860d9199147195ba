package domain

import "context"

// Discoverer surfaces devices currently advertised by the transport.
// Implementations wrap mDNS, BLE, or a test fixture; the agent only sees
// the resulting Device records.
type Discoverer interface {
	Discover(ctx context.Context) ([]Device, error)
}

// PacketChannel delivers an encoded frame to a peer. Send returns once
// the frame is handed to the transport; it must not block indefinitely.
type PacketChannel interface {
	Send(ctx context.Context, peer DeviceID, frame []byte) error
}

// DeviceStore persists the device registry.
type DeviceStore interface {
	UpsertDevice(dev Device) error
	GetDevice(id DeviceID) (Device, bool, error)
	ListDevices() ([]Device, error)
	SetTrust(id DeviceID, trust TrustState) error
}

// ItemStore persists synchronized items. Deletions keep a tombstone so
// the delete's lineage can still be compared against later edits.
type ItemStore interface {
	GetItem(id string) (Item, bool, error)
	PutItem(item Item) error
	DeleteItem(id string, clock VersionVector) error
	ListItems() ([]Item, error)
}

// ConflictStore persists conflict records across sessions.
type ConflictStore interface {
	SaveConflict(rec ConflictRecord) error
	GetConflict(id string) (ConflictRecord, bool, error)
	ListUnresolved() ([]ConflictRecord, error)
	MarkResolved(id string, res Resolution, resolvedAt int64) error
}

// HistoryStore persists the append-only session log. AppendHistory is
// write-once; implementations must reject duplicate session ids.
type HistoryStore interface {
	AppendHistory(entry HistoryEntry) error
	RecentHistory(limit int) ([]HistoryEntry, error)
}
