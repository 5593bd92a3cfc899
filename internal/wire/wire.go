// Package wire frames a cache entry (expiry + encoded payload) for storage
// in a byte-oriented provider. It is used by the layer package's Adapter,
// which pairs a provider.Provider with a codec.Codec[V].
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version byte = 1
	magic4       = "CTWR"
)

// ErrCorrupt is returned by Decode when b is not a validly framed entry.
var ErrCorrupt = errors.New("cachetower: corrupt entry")

func hasMagic(b []byte) bool {
	return len(b) >= 4 && string(b[:4]) == magic4
}

// Encode frames expiryUnixNano and payload as:
//
//	magic(4) | ver(1) | expiry(i64 be) | vlen(u32 be) | payload(vlen)
func Encode(expiry time.Time, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 8 + 4 + len(payload))

	buf.WriteString(magic4)
	buf.WriteByte(version)

	var u8 [8]byte
	binary.BigEndian.PutUint64(u8[:], uint64(expiry.UnixNano()))
	buf.Write(u8[:])

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Decode reverses Encode. The returned payload aliases b.
func Decode(b []byte) (expiry time.Time, payload []byte, err error) {
	const hdr = 4 + 1 + 8 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return time.Time{}, nil, ErrCorrupt
	}

	off := 5
	nanos := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen > len(b)-off {
		return time.Time{}, nil, ErrCorrupt
	}

	return time.Unix(0, nanos).UTC(), b[off : off+vlen], nil
}
