// Package codec serializes sync packets to and from the wire frame.
//
// # Frame layout (big endian)
//
//	magic   [2]byte  "PS"
//	version uint16
//	type    uint8
//	from    uint16 length + bytes
//	seq     uint64
//	nonce   uint8 length + bytes
//	payload uint32 length + bytes
//
// The header travels in the clear but is bound into the AEAD tag as
// associated data (see AssocData), so a tampered header fails
// authentication. Decode is a total function: arbitrary untrusted input
// yields domain.ErrMalformed or domain.ErrUnsupportedVersion, never a
// panic.
package codec

import (
	"encoding/binary"
	"fmt"

	"peersync/internal/domain"
)

// Version is the protocol version this codec speaks.
const Version uint16 = 1

var magic = [2]byte{'P', 'S'}

// PacketType discriminates the payload of a frame.
type PacketType uint8

const (
	TypeHandshake PacketType = iota + 1
	TypeDelta
	TypeAck
	TypeConflict
	TypeClose
)

// String returns the lowercase packet type name.
func (t PacketType) String() string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypeDelta:
		return "delta"
	case TypeAck:
		return "ack"
	case TypeConflict:
		return "conflict"
	case TypeClose:
		return "close"
	}
	return "unknown"
}

// Packet is the decoded form of one wire frame. Payload is ciphertext
// (tag appended) for every type except Handshake, whose payload is
// plaintext because no session key exists yet.
type Packet struct {
	Version uint16
	Type    PacketType
	From    domain.DeviceID
	Seq     uint64
	Nonce   []byte
	Payload []byte
}

const (
	maxDeviceID = 256
	maxNonce    = 255
	maxPayload  = 1 << 24
)

// Encode serializes p into a wire frame.
func Encode(p Packet) ([]byte, error) {
	if len(p.From) == 0 || len(p.From) > maxDeviceID {
		return nil, fmt.Errorf("%w: device id length %d", domain.ErrMalformed, len(p.From))
	}
	if len(p.Payload) > maxPayload {
		return nil, fmt.Errorf("%w: payload length %d", domain.ErrMalformed, len(p.Payload))
	}
	buf := make([]byte, 0, headerLen(p)+len(p.Payload))
	buf = append(buf, magic[:]...)
	buf = binary.BigEndian.AppendUint16(buf, p.Version)
	buf = append(buf, byte(p.Type))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.From)))
	buf = append(buf, p.From...)
	buf = binary.BigEndian.AppendUint64(buf, p.Seq)
	buf = append(buf, byte(len(p.Nonce)))
	buf = append(buf, p.Nonce...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Payload)))
	buf = append(buf, p.Payload...)
	return buf, nil
}

// AssocData returns the header bytes bound into the AEAD tag: magic,
// version, type, sender, and sequence number. The nonce is excluded; it
// already keys the cipher, so tampering with it fails authentication on
// its own.
func AssocData(p Packet) []byte {
	buf := make([]byte, 0, 2+2+1+2+len(p.From)+8)
	buf = append(buf, magic[:]...)
	buf = binary.BigEndian.AppendUint16(buf, p.Version)
	buf = append(buf, byte(p.Type))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.From)))
	buf = append(buf, p.From...)
	buf = binary.BigEndian.AppendUint64(buf, p.Seq)
	return buf
}

// Decode parses a wire frame. It never panics on truncated or corrupted
// input.
func Decode(frame []byte) (Packet, error) {
	var p Packet
	r := reader{buf: frame}

	m, ok := r.take(2)
	if !ok || m[0] != magic[0] || m[1] != magic[1] {
		return p, fmt.Errorf("%w: bad magic", domain.ErrMalformed)
	}
	v, ok := r.uint16()
	if !ok {
		return p, fmt.Errorf("%w: truncated version", domain.ErrMalformed)
	}
	if v != Version {
		return p, fmt.Errorf("%w: version %d", domain.ErrUnsupportedVersion, v)
	}
	p.Version = v

	t, ok := r.take(1)
	if !ok {
		return p, fmt.Errorf("%w: truncated type", domain.ErrMalformed)
	}
	p.Type = PacketType(t[0])
	if p.Type < TypeHandshake || p.Type > TypeClose {
		return p, fmt.Errorf("%w: packet type %d", domain.ErrMalformed, t[0])
	}

	idLen, ok := r.uint16()
	if !ok || idLen == 0 || int(idLen) > maxDeviceID {
		return p, fmt.Errorf("%w: device id length", domain.ErrMalformed)
	}
	id, ok := r.take(int(idLen))
	if !ok {
		return p, fmt.Errorf("%w: truncated device id", domain.ErrMalformed)
	}
	p.From = domain.DeviceID(id)

	seq, ok := r.uint64()
	if !ok {
		return p, fmt.Errorf("%w: truncated sequence", domain.ErrMalformed)
	}
	p.Seq = seq

	nl, ok := r.take(1)
	if !ok {
		return p, fmt.Errorf("%w: truncated nonce length", domain.ErrMalformed)
	}
	nonce, ok := r.take(int(nl[0]))
	if !ok {
		return p, fmt.Errorf("%w: truncated nonce", domain.ErrMalformed)
	}
	p.Nonce = append([]byte(nil), nonce...)

	pl, ok := r.uint32()
	if !ok || pl > maxPayload {
		return p, fmt.Errorf("%w: payload length", domain.ErrMalformed)
	}
	payload, ok := r.take(int(pl))
	if !ok {
		return p, fmt.Errorf("%w: truncated payload", domain.ErrMalformed)
	}
	p.Payload = append([]byte(nil), payload...)

	if r.rest() != 0 {
		return p, fmt.Errorf("%w: %d trailing bytes", domain.ErrMalformed, r.rest())
	}
	return p, nil
}

func headerLen(p Packet) int {
	return 2 + 2 + 1 + 2 + len(p.From) + 8 + 1 + len(p.Nonce) + 4
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int) ([]byte, bool) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}

func (r *reader) uint16() (uint16, bool) {
	b, ok := r.take(2)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(b), true
}

func (r *reader) uint32() (uint32, bool) {
	b, ok := r.take(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

func (r *reader) uint64() (uint64, bool) {
	b, ok := r.take(8)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

func (r *reader) rest() int { return len(r.buf) - r.off }
