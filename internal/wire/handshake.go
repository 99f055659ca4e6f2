// Package wire implements the two on-the-wire message formats exchanged
// between peers: the fixed-length handshake and the length-prefixed typed
// message that follows it.
package wire

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"errors"
	"io"
)

const (
	protocolHeader = "P2PFILESHARINGPROJ"
	reservedN      = 10
	peerIDLen      = 4
	HandshakeLen   = len(protocolHeader) + reservedN + peerIDLen // 32
)

var (
	ErrProtocolMismatch = errors.New("wire: handshake header mismatch")
	ErrShortHandshake   = errors.New("wire: short handshake read")
)

// Handshake is the 32-byte message exchanged once in each direction
// immediately after the stream is established, before any other bytes.
//
// Wire format:
//
//	offset 0..17  (18) : ASCII "P2PFILESHARINGPROJ"
//	offset 18..27 (10) : zero bytes
//	offset 28..31 (4)  : PeerID, big-endian unsigned
type Handshake struct {
	PeerID uint32
}

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake returns a canonical handshake for the given local peer id.
func NewHandshake(peerID uint32) *Handshake {
	return &Handshake{PeerID: peerID}
}

// MarshalBinary encodes the handshake into its 32-byte wire representation.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HandshakeLen)

	offset := copy(buf, protocolHeader)
	offset += reservedN // reserved bytes are left zero
	binary.BigEndian.PutUint32(buf[offset:], h.PeerID)

	return buf, nil
}

// UnmarshalBinary parses a handshake from its wire format. It rejects the
// frame (returns ErrProtocolMismatch) if the header string does not match
// verbatim, and ErrShortHandshake if b is not exactly HandshakeLen bytes.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) != HandshakeLen {
		return ErrShortHandshake
	}
	if !bytes.Equal(b[:len(protocolHeader)], []byte(protocolHeader)) {
		return ErrProtocolMismatch
	}

	h.PeerID = binary.BigEndian.Uint32(b[len(protocolHeader)+reservedN:])
	return nil
}

// WriteTo implements io.WriterTo.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, _ := h.MarshalBinary()
	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom implements io.ReaderFrom. It reads exactly HandshakeLen bytes
// before returning any decoded value, as required: a handshake is rejected
// wholesale, never partially interpreted.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, HandshakeLen)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return int64(n), ErrShortHandshake
		}
		return int64(n), err
	}

	return int64(n), h.UnmarshalBinary(buf)
}

// ReadHandshake reads and validates a handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}
