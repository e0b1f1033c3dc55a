// Package frame implements the fixed-size wire header shared by requests and
// responses: serialize/parse of the 24-byte big-endian header the proxy uses
// to demultiplex a byte stream into discrete messages.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is S from the wire format: seq(4) + timestamp_ns(8) + payload_size(4) + l7_id(8).
const HeaderSize = 24

// MaxPayloadSize bounds a single declared frame to prevent memory exhaustion
// from a corrupt or hostile payload_size field.
const MaxPayloadSize = 64 << 20 // 64 MiB

// ErrShortBuffer is returned by Parse when fewer than HeaderSize bytes are available.
var ErrShortBuffer = errors.New("frame: fewer than HeaderSize bytes available")

// ErrPayloadTooLarge is returned when a declared payload_size exceeds MaxPayloadSize.
var ErrPayloadTooLarge = fmt.Errorf("frame: payload_size exceeds %d bytes", MaxPayloadSize)

// Header is the fixed 24-byte request/response header. Responses reuse it with
// PayloadSize == 0.
type Header struct {
	Seq         uint32
	TimestampNs int64
	PayloadSize uint32
	L7ID        uint64
}

// Size returns the total wire length of the frame this header describes.
func (h Header) Size() int {
	return HeaderSize + int(h.PayloadSize)
}

// Serialize writes exactly HeaderSize bytes to out in network byte order.
// out must be at least HeaderSize bytes long.
func Serialize(h Header, out []byte) {
	_ = out[HeaderSize-1] // bounds check hint
	binary.BigEndian.PutUint32(out[0:4], h.Seq)
	binary.BigEndian.PutUint64(out[4:12], uint64(h.TimestampNs))
	binary.BigEndian.PutUint32(out[12:16], h.PayloadSize)
	binary.BigEndian.PutUint64(out[16:24], h.L7ID)
}

// Parse reads a header from the front of buf without consuming it. It
// requires at least HeaderSize bytes and validates payload_size against
// MaxPayloadSize so callers can drop an offending connection before
// attempting to buffer the declared payload.
func Parse(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	h := Header{
		Seq:         binary.BigEndian.Uint32(buf[0:4]),
		TimestampNs: int64(binary.BigEndian.Uint64(buf[4:12])),
		PayloadSize: binary.BigEndian.Uint32(buf[12:16]),
		L7ID:        binary.BigEndian.Uint64(buf[16:24]),
	}
	if h.PayloadSize > MaxPayloadSize {
		return Header{}, ErrPayloadTooLarge
	}
	return h, nil
}

// TryExtract pops one complete frame (header + payload) off the front of buf
// if enough bytes have arrived, returning the frame bytes, the header, the
// remaining tail of buf, and ok=true. If buf doesn't yet hold a full frame it
// returns ok=false without consuming anything. A payload_size violation is
// surfaced as an error so the caller can drop the connection.
func TryExtract(buf []byte) (frameBytes []byte, h Header, rest []byte, ok bool, err error) {
	if len(buf) < HeaderSize {
		return nil, Header{}, buf, false, nil
	}
	h, err = Parse(buf)
	if err != nil {
		return nil, Header{}, buf, false, err
	}
	need := h.Size()
	if len(buf) < need {
		return nil, Header{}, buf, false, nil
	}
	return buf[:need:need], h, buf[need:], true, nil
}
