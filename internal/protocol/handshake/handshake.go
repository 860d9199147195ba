// Package handshake performs the ephemeral key agreement that bootstraps
// an encrypted sync session with a peer.
//
// # Flow
//
// Each side generates an ephemeral X25519 key pair and a nonce, exchanges
// the resulting HandshakeMessage out of band, and derives the session key
// from the X25519 shared secret salted with both nonces. Running the
// exchange A->B and B->A independently yields the same key on both sides.
//
// Ephemeral private keys live only inside the pending exchange and are
// wiped on completion, replacement, or abort; a repeated Initiate for the
// same peer discards the previous ephemeral rather than reusing it.
package handshake

import (
	"fmt"
	"sync"

	"peersync/internal/crypto"
	"peersync/internal/domain"
	"peersync/internal/protocol/codec"
	"peersync/internal/util/memzero"
)

type exchange struct {
	priv  crypto.X25519Private
	pub   crypto.X25519Public
	nonce []byte
}

// Manager tracks one pending key exchange per peer.
type Manager struct {
	deviceID domain.DeviceID

	mu      sync.Mutex
	pending map[domain.DeviceID]*exchange
}

// New returns a Manager identifying itself as deviceID in handshake
// messages.
func New(deviceID domain.DeviceID) *Manager {
	return &Manager{
		deviceID: deviceID,
		pending:  make(map[domain.DeviceID]*exchange),
	}
}

// Generate creates a fresh ephemeral key pair and returns the handshake
// message announcing it. The pair is not retained; use Initiate to start
// an exchange that can be completed. Fails only on entropy-source
// failure.
func (m *Manager) Generate() (domain.HandshakeMessage, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.HandshakeMessage{}, err
	}
	memzero.Zero(priv[:])
	nonce, err := crypto.NewNonce()
	if err != nil {
		return domain.HandshakeMessage{}, err
	}
	return m.message(pub, nonce), nil
}

// Initiate starts (or restarts) a key exchange with peer and returns the
// message to send out of band. A prior pending exchange for the same
// peer is wiped and replaced, never reused.
func (m *Manager) Initiate(peer domain.DeviceID) (domain.HandshakeMessage, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.HandshakeMessage{}, err
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return domain.HandshakeMessage{}, err
	}

	m.mu.Lock()
	if prev, ok := m.pending[peer]; ok {
		memzero.Zero(prev.priv[:])
	}
	m.pending[peer] = &exchange{priv: priv, pub: pub, nonce: nonce}
	m.mu.Unlock()

	return m.message(pub, nonce), nil
}

// Complete runs X25519 against the peer's ephemeral public key and
// derives the session key, salted with both nonces. The pending exchange
// is consumed and its private key wiped whether or not derivation
// succeeds. Fails with domain.ErrNoSession if Initiate was never called
// for peer, and domain.ErrInvalidKey if the peer key is not a valid
// curve point.
func (m *Manager) Complete(peer domain.DeviceID, peerKey, peerNonce []byte) ([]byte, error) {
	m.mu.Lock()
	ex, ok := m.pending[peer]
	if ok {
		delete(m.pending, peer)
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: peer %s", domain.ErrNoSession, peer)
	}
	defer memzero.Zero(ex.priv[:])

	shared, err := crypto.DH(ex.priv, peerKey)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveSessionKey(&shared, ex.nonce, peerNonce)
}

// Abort discards any pending exchange for peer, wiping its key material.
func (m *Manager) Abort(peer domain.DeviceID) {
	m.mu.Lock()
	if ex, ok := m.pending[peer]; ok {
		memzero.Zero(ex.priv[:])
		delete(m.pending, peer)
	}
	m.mu.Unlock()
}

// Pending reports whether an exchange is in progress with peer.
func (m *Manager) Pending(peer domain.DeviceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[peer]
	return ok
}

// Close wipes all pending exchanges.
func (m *Manager) Close() {
	m.mu.Lock()
	for peer, ex := range m.pending {
		memzero.Zero(ex.priv[:])
		delete(m.pending, peer)
	}
	m.mu.Unlock()
}

func (m *Manager) message(pub crypto.X25519Public, nonce []byte) domain.HandshakeMessage {
	return domain.HandshakeMessage{
		DeviceID:        m.deviceID,
		EphemeralKey:    pub.Slice(),
		Nonce:           nonce,
		ProtocolVersion: codec.Version,
	}
}
