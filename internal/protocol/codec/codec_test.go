package codec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"peersync/internal/domain"
	"peersync/internal/protocol/codec"
)

func samplePacket() codec.Packet {
	return codec.Packet{
		Version: codec.Version,
		Type:    codec.TypeDelta,
		From:    "device-a",
		Seq:     42,
		Nonce:   []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		Payload: []byte("ciphertext bytes"),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := samplePacket()
	frame, err := codec.Encode(want)
	require.NoError(t, err)

	got, err := codec.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeTruncatedNeverPanics(t *testing.T) {
	frame, err := codec.Encode(samplePacket())
	require.NoError(t, err)

	// Every prefix must decode to an error, not a panic.
	for n := 0; n < len(frame); n++ {
		_, err := codec.Decode(frame[:n])
		require.Error(t, err, "prefix of %d bytes", n)
		require.ErrorIs(t, err, domain.ErrMalformed)
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	frame, err := codec.Encode(samplePacket())
	require.NoError(t, err)

	_, err = codec.Decode(append(frame, 0x00))
	require.ErrorIs(t, err, domain.ErrMalformed)
}

func TestDecodeBadMagic(t *testing.T) {
	frame, err := codec.Encode(samplePacket())
	require.NoError(t, err)
	frame[0] = 'X'

	_, err = codec.Decode(frame)
	require.ErrorIs(t, err, domain.ErrMalformed)
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	p := samplePacket()
	p.Version = codec.Version + 1
	frame, err := codec.Encode(p)
	require.NoError(t, err)

	_, err = codec.Decode(frame)
	require.ErrorIs(t, err, domain.ErrUnsupportedVersion)
}

func TestDecodeUnknownType(t *testing.T) {
	frame, err := codec.Encode(samplePacket())
	require.NoError(t, err)
	frame[4] = 0xFF

	_, err = codec.Decode(frame)
	require.ErrorIs(t, err, domain.ErrMalformed)
}

func TestDecodeArbitraryGarbage(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{'P'},
		{'P', 'S'},
		[]byte("PSPSPSPSPSPSPSPS"),
		make([]byte, 1024),
	}
	for _, in := range inputs {
		_, err := codec.Decode(in)
		require.Error(t, err)
	}
}

func TestEncodeRejectsEmptySender(t *testing.T) {
	p := samplePacket()
	p.From = ""
	_, err := codec.Encode(p)
	require.ErrorIs(t, err, domain.ErrMalformed)
}

func TestAssocDataExcludesNonce(t *testing.T) {
	p := samplePacket()
	ad1 := codec.AssocData(p)
	p.Nonce = []byte{99, 98, 97}
	ad2 := codec.AssocData(p)
	require.Equal(t, ad1, ad2)

	p.Seq++
	require.NotEqual(t, ad1, codec.AssocData(p))
}
