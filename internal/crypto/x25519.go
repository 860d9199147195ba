package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"peersync/internal/domain"
)

// KeyBytes is the size of X25519 keys and derived session keys.
const KeyBytes = 32

// NonceBytes is the size of the handshake nonce mixed into key
// derivation.
const NonceBytes = 16

// X25519Public is a Curve25519 public key.
type X25519Public [KeyBytes]byte

func (p X25519Public) Slice() []byte { return p[:] }

// X25519Private is a Curve25519 private key.
type X25519Private [KeyBytes]byte

func (k X25519Private) Slice() []byte { return k[:] }

// GenerateX25519 returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateX25519() (priv X25519Private, pub X25519Public, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("%w: %v", domain.ErrEntropy, err)
	}
	clamp(&priv)
	pb, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], pb)
	return priv, pub, nil
}

// NewNonce returns a fresh handshake nonce.
func NewNonce() ([]byte, error) {
	n := make([]byte, NonceBytes)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEntropy, err)
	}
	return n, nil
}

// DH computes the X25519 shared secret. A peer key that is not a valid
// point on the curve (including low-order points) fails with
// domain.ErrInvalidKey.
func DH(priv X25519Private, peerPub []byte) (out [KeyBytes]byte, err error) {
	if len(peerPub) != KeyBytes {
		return out, fmt.Errorf("%w: got %d bytes", domain.ErrInvalidKey, len(peerPub))
	}
	secret, err := curve25519.X25519(priv.Slice(), peerPub)
	if err != nil {
		return out, fmt.Errorf("%w: %v", domain.ErrInvalidKey, err)
	}
	copy(out[:], secret)
	return out, nil
}

// Fingerprint returns a short hex identifier for a public key, shown to
// users when verifying a peer.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

func clamp(k *X25519Private) {
	kb := k[:]
	kb[0] &= 248
	kb[31] &= 127
	kb[31] |= 64
}
