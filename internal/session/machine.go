// Package session drives the per-peer sync state machine.
//
// # Lifecycle
//
//	Idle -> Handshaking -> Ready -> Transferring -> Completing
//	                                      -> {Completed, Cancelled, Failed}
//
// One session exists per peer device at a time. Packet processing within
// a session is strictly sequential under the session lock; sessions for
// different peers proceed independently. Every terminal transition wipes
// the session key and appends a history entry.
//
// Completion requires both peers to exchange Close packets whose final
// sequence numbers match what the other side received; a one-sided or
// inconsistent close is recorded as Failed, so Completed always implies
// mutual convergence.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"peersync/internal/conflict"
	"peersync/internal/crypto"
	"peersync/internal/domain"
	"peersync/internal/history"
	"peersync/internal/protocol/codec"
	"peersync/internal/util/memzero"
)

// Config bounds the machine's resource usage.
type Config struct {
	DeviceID    domain.DeviceID
	MaxSessions int
	IdleTimeout time.Duration
}

// Machine owns every Session and is the only writer of session state.
type Machine struct {
	cfg      Config
	items    domain.ItemStore
	resolver *conflict.Resolver
	history  *history.Log
	channel  domain.PacketChannel
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[domain.DeviceID]*session
}

type session struct {
	mu sync.Mutex

	id    string
	peer  domain.DeviceID
	state domain.SyncState
	key   []byte

	sendSeq uint64 // last sequence number sent
	recvSeq uint64 // last sequence number accepted

	bytesDone   uint64
	bytesTotal  uint64
	itemsPushed int64
	itemsPulled int64
	conflictIDs []string

	localFinal  uint64
	remoteFinal uint64
	closeSent   bool
	closeRecvd  bool

	startedAt    time.Time
	lastActivity time.Time
}

// New builds a Machine. channel carries outbound frames; incoming frames
// arrive via ProcessPacket.
func New(cfg Config, items domain.ItemStore, resolver *conflict.Resolver, hist *history.Log, channel domain.PacketChannel, log *slog.Logger) *Machine {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 4
	}
	return &Machine{
		cfg:      cfg,
		items:    items,
		resolver: resolver,
		history:  hist,
		channel:  channel,
		log:      log,
		now:      time.Now,
		sessions: make(map[domain.DeviceID]*session),
	}
}

// Begin creates (or restarts) the session for peer in Handshaking state.
// A prior session still in Handshaking is discarded, matching the
// handshake manager's discard of the stale ephemeral key. An active
// session in Ready or later is not silently destroyed. New sessions
// beyond the configured bound fail with domain.ErrCapacity.
func (m *Machine) Begin(peer domain.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[peer]; ok {
		s.mu.Lock()
		st := s.state
		s.mu.Unlock()
		switch {
		case st == domain.StateHandshaking || st.Terminal():
			// replaced below
		default:
			return fmt.Errorf("%w: session with %s is %s", domain.ErrInvalidTransition, peer, st)
		}
	}

	active := 0
	for id, s := range m.sessions {
		if id == peer {
			continue
		}
		s.mu.Lock()
		if !s.state.Terminal() {
			active++
		}
		s.mu.Unlock()
	}
	if active >= m.cfg.MaxSessions {
		return fmt.Errorf("%w: %d sessions active", domain.ErrCapacity, active)
	}

	now := m.now()
	m.sessions[peer] = &session{
		id:           uuid.NewString(),
		peer:         peer,
		state:        domain.StateHandshaking,
		startedAt:    now,
		lastActivity: now,
	}
	m.log.Debug("session created", "peer", peer)
	return nil
}

// SetReady installs the derived session key and moves Handshaking ->
// Ready. The machine takes ownership of key and wipes it on session end.
func (m *Machine) SetReady(peer domain.DeviceID, key []byte) error {
	s, ok := m.lookup(peer)
	if !ok {
		return fmt.Errorf("%w: no session for %s", domain.ErrNoSession, peer)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateHandshaking {
		return fmt.Errorf("%w: %s -> ready", domain.ErrInvalidTransition, s.state)
	}
	s.key = key
	s.state = domain.StateReady
	s.lastActivity = m.now()
	return nil
}

// Abort fails the session for peer, if any, recording outcome Failed.
// Used when a handshake or decode error invalidates the exchange.
func (m *Machine) Abort(peer domain.DeviceID, reason error) {
	if s, ok := m.lookup(peer); ok {
		s.mu.Lock()
		m.failLocked(s, reason)
		s.mu.Unlock()
	}
}

// StartSync moves Ready -> Transferring and begins pushing local items
// as encrypted delta frames through the channel. Valid only from Ready:
// any other state fails with domain.ErrInvalidTransition and the current
// state is unchanged.
//
// The concurrent-session bound is enforced in Begin, when the session is
// created; by the time a session is Ready it already holds its slot, so
// StartSync never fails with domain.ErrCapacity.
func (m *Machine) StartSync(ctx context.Context, peer domain.DeviceID) error {
	s, ok := m.lookup(peer)
	if !ok {
		return fmt.Errorf("%w: no session for %s", domain.ErrInvalidTransition, peer)
	}

	items, err := m.items.ListItems()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != domain.StateReady {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start from %s", domain.ErrInvalidTransition, st)
	}
	s.state = domain.StateTransferring
	var total uint64
	for _, it := range items {
		total += uint64(len(it.Payload))
	}
	s.bytesTotal = total
	s.lastActivity = m.now()
	s.mu.Unlock()

	m.log.Info("transfer started", "peer", peer, "items", len(items), "bytes", total)
	go m.runTransfer(ctx, s, items)
	return nil
}

// runTransfer pushes one delta per item, then a Close frame. The session
// lock is held only while building each frame, never across channel
// sends, so cancellation can interleave between packets.
func (m *Machine) runTransfer(ctx context.Context, s *session, items []domain.Item) {
	for _, it := range items {
		op := domain.OpUpdate
		if it.Deleted {
			op = domain.OpDelete
		}
		delta := domain.Delta{
			ItemID:  it.ID,
			Kind:    it.Kind,
			Op:      op,
			Payload: it.Payload,
			Clock:   it.Clock,
		}
		frame, err := m.sealNext(s, codec.TypeDelta, delta, domain.StateTransferring)
		if err != nil {
			if !errors.Is(err, domain.ErrInvalidTransition) {
				s.mu.Lock()
				m.failLocked(s, err)
				s.mu.Unlock()
			}
			return // a state change here is cancellation being honored
		}
		if err := m.channel.Send(ctx, s.peer, frame); err != nil {
			s.mu.Lock()
			m.failLocked(s, err)
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		s.bytesDone += uint64(len(it.Payload))
		s.itemsPushed++
		s.lastActivity = m.now()
		s.mu.Unlock()
	}

	frame, err := m.sealClose(s, domain.StateTransferring)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			s.mu.Lock()
			m.failLocked(s, err)
			s.mu.Unlock()
		}
		return
	}
	if frame == nil {
		return // close already sent by the receive path
	}
	if err := m.channel.Send(ctx, s.peer, frame); err != nil {
		s.mu.Lock()
		m.failLocked(s, err)
		s.mu.Unlock()
	}
}

// ProcessPacket decodes, sequence-checks, decrypts, and applies one
// incoming frame, returning the encoded response frame (Ack, Conflict,
// or Close), or nil when no response is due.
//
// A duplicate or out-of-order sequence number aborts the session with
// domain.ErrReplay; skipped deltas would silently break convergence, so
// the session fails fast instead. Decode and decrypt failures release
// nothing and apply nothing.
func (m *Machine) ProcessPacket(ctx context.Context, raw []byte) ([]byte, error) {
	pkt, err := codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	if pkt.Type == codec.TypeHandshake {
		// Key exchange runs out of band through the exchange API, not
		// the encrypted packet path.
		return nil, fmt.Errorf("%w: handshake frame on session channel", domain.ErrInvalidTransition)
	}

	s, ok := m.lookup(pkt.From)
	if !ok {
		return nil, fmt.Errorf("%w: no session for %s", domain.ErrInvalidTransition, pkt.From)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case domain.StateReady:
		// The peer started pushing; this side transfers by pulling.
		s.state = domain.StateTransferring
	case domain.StateTransferring, domain.StateCompleting:
	default:
		return nil, fmt.Errorf("%w: packet in state %s", domain.ErrInvalidTransition, s.state)
	}

	if want := s.recvSeq + 1; pkt.Seq != want {
		err := fmt.Errorf("%w: got %d, want %d", domain.ErrReplay, pkt.Seq, want)
		m.failLocked(s, err)
		return nil, err
	}

	plaintext, err := crypto.Open(s.key, pkt.Nonce, pkt.Payload, codec.AssocData(pkt))
	if err != nil {
		m.failLocked(s, err)
		return nil, err
	}

	s.recvSeq = pkt.Seq
	s.lastActivity = m.now()

	switch pkt.Type {
	case codec.TypeDelta:
		return m.handleDelta(s, plaintext)
	case codec.TypeAck:
		var ack codec.AckPayload
		if err := json.Unmarshal(plaintext, &ack); err != nil {
			return nil, fmt.Errorf("%w: ack payload: %v", domain.ErrMalformed, err)
		}
		return nil, nil
	case codec.TypeConflict:
		var cp codec.ConflictPayload
		if err := json.Unmarshal(plaintext, &cp); err != nil {
			return nil, fmt.Errorf("%w: conflict payload: %v", domain.ErrMalformed, err)
		}
		s.conflictIDs = append(s.conflictIDs, cp.ConflictID)
		return nil, nil
	case codec.TypeClose:
		return m.handleClose(s, plaintext, pkt.Seq)
	}
	return nil, fmt.Errorf("%w: packet type %d", domain.ErrMalformed, pkt.Type)
}

func (m *Machine) handleDelta(s *session, plaintext []byte) ([]byte, error) {
	var delta domain.Delta
	if err := json.Unmarshal(plaintext, &delta); err != nil {
		return nil, fmt.Errorf("%w: delta payload: %v", domain.ErrMalformed, err)
	}
	if delta.ItemID == "" {
		return nil, fmt.Errorf("%w: delta without item id", domain.ErrMalformed)
	}

	local, found, err := m.items.GetItem(delta.ItemID)
	if err != nil {
		return nil, err
	}

	switch {
	case found && local.Clock.Concurrent(delta.Clock):
		// Divergent lineage: park both versions, apply neither.
		rec, err := m.resolver.Record(s.peer, local, delta)
		if err != nil {
			return nil, err
		}
		s.conflictIDs = append(s.conflictIDs, rec.ID)
		return m.sealLocked(s, codec.TypeConflict, codec.ConflictPayload{
			ConflictID: rec.ID,
			ItemID:     rec.ItemID,
			Seq:        s.recvSeq,
		})
	case found && local.Clock.Descends(delta.Clock):
		// Already covered locally; acknowledge without applying.
	default:
		if err := m.applyDelta(delta); err != nil {
			return nil, err
		}
		s.itemsPulled++
		s.bytesDone += uint64(len(delta.Payload))
	}

	return m.sealLocked(s, codec.TypeAck, codec.AckPayload{Seq: s.recvSeq})
}

func (m *Machine) applyDelta(delta domain.Delta) error {
	if delta.Op == domain.OpDelete {
		return m.items.DeleteItem(delta.ItemID, delta.Clock)
	}
	return m.items.PutItem(domain.Item{
		ID:        delta.ItemID,
		Kind:      delta.Kind,
		Payload:   delta.Payload,
		Clock:     delta.Clock,
		UpdatedAt: m.now().Unix(),
	})
}

func (m *Machine) handleClose(s *session, plaintext []byte, seq uint64) ([]byte, error) {
	var cp codec.ClosePayload
	if err := json.Unmarshal(plaintext, &cp); err != nil {
		return nil, fmt.Errorf("%w: close payload: %v", domain.ErrMalformed, err)
	}
	s.closeRecvd = true
	s.remoteFinal = cp.FinalSeq

	// The peer's declared final must be the close frame we just
	// accepted; anything else means frames we never saw.
	if cp.FinalSeq != seq {
		err := fmt.Errorf("close declares final %d but %d was received", cp.FinalSeq, seq)
		m.failLocked(s, err)
		return nil, err
	}

	if !s.closeSent {
		s.state = domain.StateCompleting
		resp, err := m.sealLocked(s, codec.TypeClose, codec.ClosePayload{FinalSeq: s.sendSeq + 1})
		if err != nil {
			return nil, err
		}
		s.closeSent = true
		s.localFinal = s.sendSeq
		m.completeLocked(s)
		return resp, nil
	}

	m.completeLocked(s)
	return nil, nil
}

// sealNext builds the next outbound encrypted frame for s, requiring s
// to still be in want state. Returns nil frame and error when the state
// moved on (cancellation or failure honored between packets).
func (m *Machine) sealNext(s *session, typ codec.PacketType, payload any, want domain.SyncState) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != want {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidTransition, s.state)
	}
	return m.sealLocked(s, typ, payload)
}

// sealClose transitions Transferring -> Completing and builds the Close
// frame carrying this side's final sequence number.
func (m *Machine) sealClose(s *session, want domain.SyncState) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != want {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidTransition, s.state)
	}
	if s.closeSent {
		return nil, nil
	}
	frame, err := m.sealLocked(s, codec.TypeClose, codec.ClosePayload{FinalSeq: s.sendSeq + 1})
	if err != nil {
		return nil, err
	}
	s.closeSent = true
	s.localFinal = s.sendSeq
	s.state = domain.StateCompleting
	if s.closeRecvd {
		m.completeLocked(s)
	}
	return frame, nil
}

// sealLocked encrypts payload as the next outbound frame. Caller holds
// s.mu.
func (m *Machine) sealLocked(s *session, typ codec.PacketType, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	seq := s.sendSeq + 1
	pkt := codec.Packet{
		Version: codec.Version,
		Type:    typ,
		From:    m.cfg.DeviceID,
		Seq:     seq,
	}
	nonce, ciphertext, err := crypto.Seal(s.key, body, codec.AssocData(pkt))
	if err != nil {
		return nil, err
	}
	pkt.Nonce = nonce
	pkt.Payload = ciphertext
	frame, err := codec.Encode(pkt)
	if err != nil {
		return nil, err
	}
	s.sendSeq = seq
	return frame, nil
}

// Cancel moves any non-terminal session to Cancelled, wipes its key, and
// records the outcome. In-flight packet processing finishes first: the
// transition waits on the session lock. Cancelling a terminal session
// fails with domain.ErrInvalidTransition.
func (m *Machine) Cancel(peer domain.DeviceID) error {
	s, ok := m.lookup(peer)
	if !ok {
		return fmt.Errorf("%w: no session for %s", domain.ErrInvalidTransition, peer)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return fmt.Errorf("%w: cancel from %s", domain.ErrInvalidTransition, s.state)
	}
	m.finishLocked(s, domain.StateCancelled, domain.OutcomeCancelled)
	m.log.Info("sync cancelled", "peer", peer)
	return nil
}

// Progress returns a non-blocking snapshot. An unknown device yields the
// defined default: zero progress, phase "unknown".
func (m *Machine) Progress(peer domain.DeviceID) domain.SyncProgress {
	s, ok := m.lookup(peer)
	if !ok {
		return domain.SyncProgress{DeviceID: peer, Phase: "unknown"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := domain.SyncProgress{
		DeviceID:    peer,
		Phase:       s.state.String(),
		BytesDone:   s.bytesDone,
		BytesTotal:  s.bytesTotal,
		ItemsPushed: s.itemsPushed,
		ItemsPulled: s.itemsPulled,
		Conflicts:   int64(len(s.conflictIDs)),
	}
	switch {
	case s.state == domain.StateCompleted:
		p.Progress = 1
	case s.bytesTotal > 0:
		p.Progress = float64(s.bytesDone) / float64(s.bytesTotal)
	}
	return p
}

// Reap fails every session idle past the configured timeout. Called
// periodically by the agent; a dead peer must not pin a session key in
// memory forever.
func (m *Machine) Reap() {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	for _, s := range m.snapshot() {
		s.mu.Lock()
		if !s.state.Terminal() && s.lastActivity.Before(cutoff) {
			m.failLocked(s, fmt.Errorf("idle for %s", m.cfg.IdleTimeout))
		}
		s.mu.Unlock()
	}
}

// Close fails every live session, wiping keys.
func (m *Machine) Close() {
	for _, s := range m.snapshot() {
		s.mu.Lock()
		if !s.state.Terminal() {
			m.failLocked(s, fmt.Errorf("agent shutting down"))
		}
		s.mu.Unlock()
	}
}

// completeLocked finishes a mutually closed session. Caller holds s.mu.
func (m *Machine) completeLocked(s *session) {
	m.finishLocked(s, domain.StateCompleted, domain.OutcomeCompleted)
	m.log.Info("sync completed", "peer", s.peer,
		"pushed", s.itemsPushed, "pulled", s.itemsPulled)
}

// failLocked aborts a session. Caller holds s.mu.
func (m *Machine) failLocked(s *session, reason error) {
	if s.state.Terminal() {
		return
	}
	m.finishLocked(s, domain.StateFailed, domain.OutcomeFailed)
	m.log.Warn("sync failed", "peer", s.peer,
		"kind", domain.ErrorKind(reason), "err", reason)
}

// finishLocked applies a terminal transition: wipe the key, record
// history. Caller holds s.mu.
func (m *Machine) finishLocked(s *session, state domain.SyncState, outcome domain.SyncOutcome) {
	s.state = state
	if s.key != nil {
		memzero.Zero(s.key)
		s.key = nil
	}
	entry := domain.HistoryEntry{
		SessionID:        s.id,
		DeviceID:         s.peer,
		StartedAt:        s.startedAt.Unix(),
		EndedAt:          m.now().Unix(),
		BytesTransferred: s.bytesDone,
		ItemsPushed:      s.itemsPushed,
		ItemsPulled:      s.itemsPulled,
		Outcome:          outcome,
		ConflictIDs:      append([]string(nil), s.conflictIDs...),
	}
	if err := m.history.Append(entry); err != nil {
		m.log.Error("recording history", "session", s.id, "err", err)
	}
}

func (m *Machine) lookup(peer domain.DeviceID) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	return s, ok
}

func (m *Machine) snapshot() []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
