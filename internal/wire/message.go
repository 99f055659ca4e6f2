package wire

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType identifies the eight post-handshake message kinds.
type MessageType uint8

const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	Bitfield      MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var (
	ErrShortMessage   = errors.New("wire: short message read")
	ErrUnknownType    = errors.New("wire: unknown message type")
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

// Message is a single length-prefixed typed message.
//
// Wire format:
//
//	offset 0..3 (4) : payloadLength, big-endian unsigned 32-bit (payload
//	                  bytes only; the type byte is not counted)
//	offset 4    (1) : messageType
//	offset 5..      : payload (payloadLength bytes)
type Message struct {
	Type    MessageType
	Payload []byte
}

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
)

func NewChoke() *Message         { return &Message{Type: Choke} }
func NewUnchoke() *Message       { return &Message{Type: Unchoke} }
func NewInterested() *Message    { return &Message{Type: Interested} }
func NewNotInterested() *Message { return &Message{Type: NotInterested} }

func NewHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{Type: Have, Payload: payload}
}

func NewBitfield(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)
	return &Message{Type: Bitfield, Payload: cp}
}

func NewRequest(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{Type: Request, Payload: payload}
}

func NewPiece(index uint32, data []byte) *Message {
	payload := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(payload[:4], index)
	copy(payload[4:], data)
	return &Message{Type: Piece, Payload: payload}
}

// ParseIndex parses the 4-byte big-endian PieceIndex carried by Have and
// Request payloads.
func (m *Message) ParseIndex() (uint32, bool) {
	if m == nil || len(m.Payload) != 4 || (m.Type != Have && m.Type != Request) {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParsePiece parses a Piece payload into its index and data block.
func (m *Message) ParsePiece() (index uint32, data []byte, ok bool) {
	if m == nil || m.Type != Piece || len(m.Payload) < 4 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[:4]), m.Payload[4:], true
}

func expectedPayloadLen(t MessageType, n int) error {
	switch t {
	case Choke, Unchoke, Interested, NotInterested:
		if n != 0 {
			return fmt.Errorf("%w: %s carries no payload, got %d bytes", ErrMalformedFrame, t, n)
		}
	case Have, Request:
		if n != 4 {
			return fmt.Errorf("%w: %s payload must be 4 bytes, got %d", ErrMalformedFrame, t, n)
		}
	case Piece:
		if n < 4 {
			return fmt.Errorf("%w: piece payload must be at least 4 bytes, got %d", ErrMalformedFrame, n)
		}
	case Bitfield:
		// length is data-dependent on NumPieces; any length is structurally valid.
	default:
		return fmt.Errorf("%w: %w: type %d", ErrMalformedFrame, ErrUnknownType, uint8(t))
	}
	return nil
}

// MarshalBinary encodes m into its wire representation.
func (m *Message) MarshalBinary() ([]byte, error) {
	if err := expectedPayloadLen(m.Type, len(m.Payload)); err != nil {
		return nil, err
	}

	length := len(m.Payload)
	buf := make([]byte, 5+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.Type)
	copy(buf[5:], m.Payload)

	return buf, nil
}

// UnmarshalBinary decodes m from a complete frame buffer (length prefix and
// type byte included), validating payload shape against the message type.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 5 {
		return ErrShortMessage
	}

	length := binary.BigEndian.Uint32(b[0:4])
	if uint32(len(b)) < 5+length {
		return ErrShortMessage
	}

	typ := MessageType(b[4])
	payload := b[5 : 5+length]

	if err := expectedPayloadLen(typ, len(payload)); err != nil {
		return err
	}

	m.Type = typ
	m.Payload = append(m.Payload[:0], payload...)
	return nil
}

// WriteTo implements io.WriterTo.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	b, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadMessage reads one complete frame from r: the 4-byte payload-length
// prefix, the 1-byte type, then exactly length bytes of payload, validating
// the decoded type and payload shape before returning. Any truncated read or
// malformed frame returns ErrMalformedFrame (wrapped), which the caller must
// treat as fatal to the link per spec.
func ReadMessage(r io.Reader) (*Message, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	length := binary.BigEndian.Uint32(lp[:])

	var typeByte [1]byte
	if _, err := io.ReadFull(r, typeByte[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	typ := MessageType(typeByte[0])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if err := expectedPayloadLen(typ, len(payload)); err != nil {
		return nil, err
	}

	return &Message{Type: typ, Payload: payload}, nil
}

// WriteMessage writes m to w in wire format.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}
