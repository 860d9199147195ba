package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"peersync/internal/domain"
	"peersync/internal/util/memzero"
)

// DeriveSessionKey derives the symmetric session key from an X25519
// shared secret and the two handshake nonces. The shared secret is
// consumed: it is wiped in place once the key is derived.
//
// The salt orders the nonces canonically (lexicographically) so both
// peers derive the identical key regardless of who initiated.
func DeriveSessionKey(shared *[KeyBytes]byte, nonceA, nonceB []byte) ([]byte, error) {
	lo, hi := nonceA, nonceB
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	salt := make([]byte, 0, len(lo)+len(hi))
	salt = append(salt, lo...)
	salt = append(salt, hi...)

	r := hkdf.New(sha256.New, shared[:], salt, []byte("peersync-session-v1"))
	key := make([]byte, KeyBytes)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	memzero.Zero(shared[:])
	return key, nil
}

// Seal encrypts plaintext under the session key, binding ad (the packet
// header) into the authentication tag. Returns the nonce and the
// ciphertext with the tag appended.
func Seal(key, plaintext, ad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrEntropy, err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open decrypts and authenticates a sealed payload. Any tampering with
// the ciphertext or the bound header fails with domain.ErrAuth and no
// plaintext is released.
func Open(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: bad nonce size %d", domain.ErrAuth, len(nonce))
	}
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuth, err)
	}
	return pt, nil
}
