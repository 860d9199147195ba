// Package crypto implements the primitives behind a sync session:
// X25519 ephemeral key agreement, HKDF session-key derivation, and
// ChaCha20-Poly1305 authenticated encryption of packets.
//
// Session keys are ephemeral only. Both sides derive the same key from
// their X25519 shared secret and the two handshake nonces; the key is
// wiped when the session ends and never persisted. Decryption fails
// closed: a MAC mismatch releases no plaintext.
package crypto
