package domain

// DeviceID is the opaque identifier a device advertises about itself.
type DeviceID string

// String returns the string form of the device identifier.
func (id DeviceID) String() string { return string(id) }

// DeviceKind classifies the peer's platform, advertised during discovery.
type DeviceKind string

const (
	KindDesktop DeviceKind = "desktop"
	KindMobile  DeviceKind = "mobile"
	KindWeb     DeviceKind = "web"
)

// TrustState tracks how much the local device trusts a peer.
//
// Transitions are monotonic: Unverified -> Verified requires a completed
// key exchange, and Revoked is terminal from any state.
type TrustState string

const (
	TrustUnverified TrustState = "unverified"
	TrustVerified   TrustState = "verified"
	TrustRevoked    TrustState = "revoked"
)

// Device is a known or discovered peer.
type Device struct {
	ID              DeviceID   `json:"device_id"`
	DisplayName     string     `json:"display_name"`
	Kind            DeviceKind `json:"device_kind"`
	PublicKey       []byte     `json:"public_key"`
	Trust           TrustState `json:"trust_state"`
	ProtocolVersion uint16     `json:"protocol_version"`
	LastSeen        int64      `json:"last_seen"`
}

// SyncState is the lifecycle state of a per-peer sync session.
type SyncState int

const (
	StateIdle SyncState = iota
	StateHandshaking
	StateReady
	StateTransferring
	StateCompleting
	StateCompleted
	StateCancelled
	StateFailed
)

// Terminal reports whether no further transition is possible.
func (s SyncState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// String returns the lowercase phase name used in progress snapshots.
func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateTransferring:
		return "transferring"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// HandshakeMessage is the out-of-band message that carries one side's
// ephemeral public key before a session key exists.
type HandshakeMessage struct {
	DeviceID        DeviceID `json:"device_id"`
	EphemeralKey    []byte   `json:"ephemeral_public_key"`
	Nonce           []byte   `json:"nonce"`
	ProtocolVersion uint16   `json:"protocol_version"`
}

// SyncProgress is a read-only snapshot of a session.
//
// An unknown device yields the zero snapshot with Phase "unknown"; that
// is a defined steady-state answer, not an error.
type SyncProgress struct {
	DeviceID    DeviceID `json:"device_id"`
	Phase       string   `json:"phase"`
	Progress    float64  `json:"progress"`
	BytesDone   uint64   `json:"bytes_done"`
	BytesTotal  uint64   `json:"bytes_total"`
	ItemsPushed int64    `json:"items_pushed"`
	ItemsPulled int64    `json:"items_pulled"`
	Conflicts   int64    `json:"conflicts"`
}

// Item is one logical unit of synchronized data. Payload is opaque to the
// agent; Kind selects a merge strategy when concurrent edits collide.
type Item struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Payload   []byte        `json:"payload"`
	Clock     VersionVector `json:"clock"`
	UpdatedAt int64         `json:"updated_at"`
	Deleted   bool          `json:"deleted"`
}

// DeltaOp is the operation a delta applies to an item.
type DeltaOp string

const (
	OpCreate DeltaOp = "create"
	OpUpdate DeltaOp = "update"
	OpDelete DeltaOp = "delete"
)

// Delta is the plaintext payload of a Delta packet: one change to one
// logical item, stamped with the sender's version vector.
type Delta struct {
	ItemID  string        `json:"item_id"`
	Kind    string        `json:"kind"`
	Op      DeltaOp       `json:"op"`
	Payload []byte        `json:"payload,omitempty"`
	Clock   VersionVector `json:"clock"`
}

// Resolution is the outcome chosen for a conflict.
type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepRemote Resolution = "keep_remote"
	ResolutionMerged     Resolution = "merged"
	ResolutionUnresolved Resolution = "unresolved"
)

// ConflictRecord captures two divergent versions of one item. It is
// created with ResolutionPending and resolved exactly once; neither
// version is applied to the store until then.
type ConflictRecord struct {
	ID            string        `json:"conflict_id"`
	DeviceID      DeviceID      `json:"device_id"`
	ItemID        string        `json:"item_id"`
	ItemKind      string        `json:"item_kind"`
	LocalVersion  []byte        `json:"local_version"`
	RemoteVersion []byte        `json:"remote_version"`
	LocalClock    VersionVector `json:"local_clock"`
	RemoteClock   VersionVector `json:"remote_clock"`
	DetectedAt    int64         `json:"detected_at"`
	Resolution    Resolution    `json:"resolution"`
	ResolvedAt    int64         `json:"resolved_at,omitempty"`
}

// Resolved reports whether a resolution has been recorded.
func (c ConflictRecord) Resolved() bool {
	return c.Resolution != ResolutionPending
}

// SyncOutcome classifies how a session ended.
type SyncOutcome string

const (
	OutcomeCompleted SyncOutcome = "completed"
	OutcomeCancelled SyncOutcome = "cancelled"
	OutcomeFailed    SyncOutcome = "failed"
)

// HistoryEntry is an append-only record of one finished sync session.
// Entries are write-once and never mutated.
type HistoryEntry struct {
	SessionID        string      `json:"session_id"`
	DeviceID         DeviceID    `json:"device_id"`
	StartedAt        int64       `json:"started_at"`
	EndedAt          int64       `json:"ended_at"`
	BytesTransferred uint64      `json:"bytes_transferred"`
	ItemsPushed      int64       `json:"items_pushed"`
	ItemsPulled      int64       `json:"items_pulled"`
	Outcome          SyncOutcome `json:"outcome"`
	ConflictIDs      []string    `json:"conflict_ids,omitempty"`
}
