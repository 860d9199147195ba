package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"peersync/internal/crypto"
	"peersync/internal/domain"
)

func TestDHIsSymmetric(t *testing.T) {
	aPriv, aPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	bPriv, bPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	ab, err := crypto.DH(aPriv, bPub.Slice())
	require.NoError(t, err)
	ba, err := crypto.DH(bPriv, aPub.Slice())
	require.NoError(t, err)

	require.Equal(t, ab, ba)
}

func TestDHRejectsBadKeyLength(t *testing.T) {
	priv, _, err := crypto.GenerateX25519()
	require.NoError(t, err)

	_, err = crypto.DH(priv, []byte("short"))
	require.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestDeriveSessionKeyIgnoresNonceOrder(t *testing.T) {
	var shared [crypto.KeyBytes]byte
	for i := range shared {
		shared[i] = byte(i)
	}
	nonceA, err := crypto.NewNonce()
	require.NoError(t, err)
	nonceB, err := crypto.NewNonce()
	require.NoError(t, err)

	s1, s2 := shared, shared
	k1, err := crypto.DeriveSessionKey(&s1, nonceA, nonceB)
	require.NoError(t, err)
	k2, err := crypto.DeriveSessionKey(&s2, nonceB, nonceA)
	require.NoError(t, err)

	require.Equal(t, k1, k2)
	require.Len(t, k1, crypto.KeyBytes)
}

func TestDeriveSessionKeyConsumesSharedSecret(t *testing.T) {
	var shared [crypto.KeyBytes]byte
	for i := range shared {
		shared[i] = byte(i + 1)
	}
	nonce, err := crypto.NewNonce()
	require.NoError(t, err)

	_, err = crypto.DeriveSessionKey(&shared, nonce, nonce)
	require.NoError(t, err)
	require.Equal(t, [crypto.KeyBytes]byte{}, shared)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, crypto.KeyBytes)
	for i := range key {
		key[i] = byte(i * 7)
	}
	ad := []byte("frame header")

	nonce, ct, err := crypto.Seal(key, []byte("delta payload"), ad)
	require.NoError(t, err)

	pt, err := crypto.Open(key, nonce, ct, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("delta payload"), pt)
}

func TestOpenFailsClosed(t *testing.T) {
	key := make([]byte, crypto.KeyBytes)
	ad := []byte("header")

	nonce, ct, err := crypto.Seal(key, []byte("secret"), ad)
	require.NoError(t, err)

	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0x01
	pt, err := crypto.Open(key, nonce, tampered, ad)
	require.ErrorIs(t, err, domain.ErrAuth)
	require.Nil(t, pt)

	pt, err = crypto.Open(key, nonce, ct, []byte("other header"))
	require.ErrorIs(t, err, domain.ErrAuth)
	require.Nil(t, pt)
}
