package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestHandshakeIdempotence(t *testing.T) {
	h := NewHandshake(1002)
	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(b) != HandshakeLen {
		t.Fatalf("handshake length = %d, want %d", len(b), HandshakeLen)
	}

	var decoded Handshake
	if err := decoded.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if decoded.PeerID != 1002 {
		t.Fatalf("PeerID = %d, want 1002", decoded.PeerID)
	}
}

func TestHandshakeSingleByteMutationFails(t *testing.T) {
	h := NewHandshake(7)
	b, _ := h.MarshalBinary()

	for i := 0; i < len(protocolHeader); i++ {
		mutated := append([]byte(nil), b...)
		mutated[i] ^= 0xFF

		var decoded Handshake
		if err := decoded.UnmarshalBinary(mutated); !errors.Is(err, ErrProtocolMismatch) {
			t.Fatalf("byte %d: UnmarshalBinary error = %v, want ErrProtocolMismatch", i, err)
		}
	}
}

func TestHandshakeWrongLengthRejected(t *testing.T) {
	var decoded Handshake
	if err := decoded.UnmarshalBinary(make([]byte, 31)); !errors.Is(err, ErrShortHandshake) {
		t.Fatalf("error = %v, want ErrShortHandshake", err)
	}
	if err := decoded.UnmarshalBinary(make([]byte, 33)); !errors.Is(err, ErrShortHandshake) {
		t.Fatalf("error = %v, want ErrShortHandshake", err)
	}
}

func TestReadHandshakeExactlyThirtyTwoBytes(t *testing.T) {
	h := NewHandshake(42)
	var buf bytes.Buffer
	if err := WriteHandshake(&buf, *h); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}

	// Append trailing bytes belonging to the next frame; ReadHandshake must
	// consume exactly 32 bytes and leave the rest untouched.
	buf.WriteString("next-frame-bytes")

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got.PeerID != 42 {
		t.Fatalf("PeerID = %d, want 42", got.PeerID)
	}
	if buf.String() != "next-frame-bytes" {
		t.Fatalf("leftover = %q, want %q", buf.String(), "next-frame-bytes")
	}
}

func TestReadHandshakeShortRead(t *testing.T) {
	buf := bytes.NewBuffer(make([]byte, 10))
	if _, err := ReadHandshake(buf); !errors.Is(err, ErrShortHandshake) {
		t.Fatalf("error = %v, want ErrShortHandshake", err)
	}
}
