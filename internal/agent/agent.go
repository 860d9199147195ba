package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"peersync/internal/conflict"
	"peersync/internal/config"
	"peersync/internal/domain"
	"peersync/internal/history"
	"peersync/internal/logging"
	"peersync/internal/protocol/handshake"
	"peersync/internal/registry"
	"peersync/internal/session"
	"peersync/internal/store"
	"peersync/internal/util/memzero"
)

// Options supplies the agent's external collaborators.
type Options struct {
	// Channel carries outbound encrypted frames. Required.
	Channel domain.PacketChannel
	// Discoverer enumerates nearby devices. Nil disables discovery.
	Discoverer domain.Discoverer
	// Logger defaults to a discard logger when nil.
	Logger *slog.Logger
}

// Agent is one device's synchronization endpoint.
type Agent struct {
	cfg config.Config
	log *slog.Logger

	store      *store.Store
	registry   *registry.Registry
	handshakes *handshake.Manager
	resolver   *conflict.Resolver
	machine    *session.Machine
	history    *history.Log

	reapStop chan struct{}
	reapDone chan struct{}

	closeOnce sync.Once
}

// New opens the store at cfg.DBPath and wires the agent together. The
// caller owns cfg validation except device identity, which is checked
// here because nothing works without it.
func New(cfg config.Config, opts Options) (*Agent, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("%w: device_id must be set", domain.ErrValidation)
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("%w: packet channel must be set", domain.ErrValidation)
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	deviceID := domain.DeviceID(cfg.DeviceID)
	resolver := conflict.New(st, st, log)
	hist := history.New(st, log)
	machine := session.New(session.Config{
		DeviceID:    deviceID,
		MaxSessions: cfg.MaxSessions,
		IdleTimeout: cfg.Idle(),
	}, st, resolver, hist, opts.Channel, log)

	a := &Agent{
		cfg:        cfg,
		log:        log,
		store:      st,
		registry:   registry.New(st, opts.Discoverer, log),
		handshakes: handshake.New(deviceID),
		resolver:   resolver,
		machine:    machine,
		history:    hist,
	}

	if cfg.Idle() > 0 {
		a.reapStop = make(chan struct{})
		a.reapDone = make(chan struct{})
		go a.reapLoop()
	}
	return a, nil
}

// reapLoop fails idle sessions on a fixed cadence until Close.
func (a *Agent) reapLoop() {
	defer close(a.reapDone)
	interval := a.cfg.Idle() / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			a.machine.Reap()
		case <-a.reapStop:
			return
		}
	}
}

// DeviceID returns this agent's identity.
func (a *Agent) DeviceID() domain.DeviceID {
	return domain.DeviceID(a.cfg.DeviceID)
}

// DiscoverDevices runs one discovery pass, merges the results into the
// registry, and returns every known device.
func (a *Agent) DiscoverDevices(ctx context.Context) ([]domain.Device, error) {
	return a.registry.Discover(ctx)
}

// RegisterDevice registers the device described by the JSON document,
// the wire form used at the bridge boundary. Validation and key-pinning
// rules live in the registry.
func (a *Agent) RegisterDevice(deviceJSON []byte) error {
	var dev domain.Device
	if err := json.Unmarshal(deviceJSON, &dev); err != nil {
		return fmt.Errorf("%w: device document: %v", domain.ErrValidation, err)
	}
	return a.registry.Register(dev)
}

// Devices lists every registered device, most recently seen first.
func (a *Agent) Devices() ([]domain.Device, error) {
	return a.registry.List()
}

// GenerateHandshake returns a one-shot handshake message with a fresh
// ephemeral key. The key is not retained; pairing with a specific peer
// goes through InitiateKeyExchange.
func (a *Agent) GenerateHandshake() (domain.HandshakeMessage, error) {
	return a.handshakes.Generate()
}

// InitiateKeyExchange starts pairing with a registered peer: it opens a
// session in Handshaking state and returns the handshake message to
// deliver out of band. A revoked peer is rejected.
func (a *Agent) InitiateKeyExchange(peer domain.DeviceID) (domain.HandshakeMessage, error) {
	revoked, err := a.registry.Revoked(peer)
	if err != nil {
		return domain.HandshakeMessage{}, err
	}
	if revoked {
		return domain.HandshakeMessage{}, fmt.Errorf("%w: device %s", domain.ErrRevoked, peer)
	}
	if err := a.machine.Begin(peer); err != nil {
		return domain.HandshakeMessage{}, err
	}
	msg, err := a.handshakes.Initiate(peer)
	if err != nil {
		a.machine.Abort(peer, err)
		return domain.HandshakeMessage{}, err
	}
	return msg, nil
}

// CompleteKeyExchange consumes the peer's handshake message (JSON, as
// received out of band), derives the session key, and moves the session
// to Ready. The peer's nonce travels inside the message because the key
// derivation salts with both sides' nonces.
func (a *Agent) CompleteKeyExchange(peer domain.DeviceID, peerMessage []byte) error {
	var msg domain.HandshakeMessage
	if err := json.Unmarshal(peerMessage, &msg); err != nil {
		return fmt.Errorf("%w: handshake message: %v", domain.ErrValidation, err)
	}
	key, err := a.handshakes.Complete(peer, msg.EphemeralKey, msg.Nonce)
	if err != nil {
		a.machine.Abort(peer, err)
		return err
	}
	if err := a.machine.SetReady(peer, key); err != nil {
		// The machine only owns the key once SetReady succeeds.
		memzero.Zero(key)
		return err
	}
	if err := a.registry.MarkVerified(peer); err != nil {
		a.log.Warn("marking device verified", "peer", peer, "err", err)
	}
	a.registry.Touch(peer)
	return nil
}

// StartSync begins pushing local items to a paired peer.
func (a *Agent) StartSync(ctx context.Context, peer domain.DeviceID) error {
	return a.machine.StartSync(ctx, peer)
}

// CancelSync cooperatively cancels the session with peer.
func (a *Agent) CancelSync(peer domain.DeviceID) error {
	return a.machine.Cancel(peer)
}

// ProcessSyncPacket handles one raw inbound frame and returns the
// response frame to send back, or nil when none is due.
func (a *Agent) ProcessSyncPacket(ctx context.Context, raw []byte) ([]byte, error) {
	return a.machine.ProcessPacket(ctx, raw)
}

// GetSyncProgress returns a snapshot for peer. Unknown devices yield
// the zero snapshot with phase "unknown".
func (a *Agent) GetSyncProgress(peer domain.DeviceID) domain.SyncProgress {
	return a.machine.Progress(peer)
}

// GetConflicts lists every unresolved conflict, newest first.
func (a *Agent) GetConflicts() ([]domain.ConflictRecord, error) {
	return a.resolver.Unresolved()
}

// ResolveConflict applies the chosen resolution to a recorded conflict
// and returns the updated record. Resolution is idempotent.
func (a *Agent) ResolveConflict(id string, res domain.Resolution) (domain.ConflictRecord, error) {
	return a.resolver.Resolve(id, res)
}

// RegisterMerge installs the merge function used when conflicts on the
// given item kind are resolved with ResolutionMerged.
func (a *Agent) RegisterMerge(kind string, fn conflict.MergeFunc) {
	a.resolver.RegisterMerge(kind, fn)
}

// GetSyncHistory returns up to limit most recent history entries.
func (a *Agent) GetSyncHistory(limit int) ([]domain.HistoryEntry, error) {
	return a.history.Recent(limit)
}

// RevokeDevice marks a peer untrusted permanently and aborts any live
// session with it.
func (a *Agent) RevokeDevice(peer domain.DeviceID) error {
	if err := a.registry.Revoke(peer); err != nil {
		return err
	}
	a.handshakes.Abort(peer)
	a.machine.Abort(peer, fmt.Errorf("%w: device %s", domain.ErrRevoked, peer))
	return nil
}

// PutItem stores or replaces a local item, stamping this device's entry
// in its version vector.
func (a *Agent) PutItem(item domain.Item) error {
	if item.ID == "" {
		return fmt.Errorf("%w: item id must be set", domain.ErrValidation)
	}
	current, found, err := a.store.GetItem(item.ID)
	if err != nil {
		return err
	}
	clock := item.Clock
	if clock == nil {
		if found {
			clock = current.Clock.Clone()
		} else {
			clock = domain.NewVersionVector(a.DeviceID())
		}
	}
	clock.Increment(a.DeviceID())
	item.Clock = clock
	item.UpdatedAt = time.Now().Unix()
	return a.store.PutItem(item)
}

// ListItems returns every live local item.
func (a *Agent) ListItems() ([]domain.Item, error) {
	return a.store.ListItems()
}

// Close shuts the agent down: the reaper stops, live sessions fail and
// wipe their keys, pending exchanges are discarded, and the store is
// closed. Safe to call more than once.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.reapStop != nil {
			close(a.reapStop)
			<-a.reapDone
		}
		a.machine.Close()
		a.handshakes.Close()
		err = a.store.Close()
	})
	return err
}
