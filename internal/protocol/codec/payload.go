package codec

// Plaintext payload shapes carried inside encrypted frames. Deltas use
// domain.Delta directly; the control packets use these.

// AckPayload acknowledges one applied delta.
type AckPayload struct {
	Seq uint64 `json:"seq"`
}

// ConflictPayload tells the sender its delta was parked, not applied.
type ConflictPayload struct {
	ConflictID string `json:"conflict_id"`
	ItemID     string `json:"item_id"`
	Seq        uint64 `json:"seq"`
}

// ClosePayload carries the sender's final outbound sequence number.
// Completion requires both peers' finals to match what was received.
type ClosePayload struct {
	FinalSeq uint64 `json:"final_seq"`
}
