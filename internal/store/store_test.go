package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLeecherPreallocatesZeroFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thefile.dat")

	s, err := Open(path, 10000, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 10000 {
		t.Fatalf("file size = %d, want 10000", info.Size())
	}

	piece, err := s.ReadPiece(0)
	if err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if !bytes.Equal(piece, make([]byte, 1000)) {
		t.Fatal("expected zero-filled piece")
	}
}

func TestLastPieceShorterLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thefile.dat")

	s, err := Open(path, 10000, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	// 10000/1000 = exactly 10 pieces, no remainder in this case; use a size
	// with a remainder to exercise the short last piece.
	s2path := filepath.Join(t.TempDir(), "thefile2.dat")
	s2, err := Open(s2path, 10500, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s2.Close()

	length, err := s2.PieceLength(10)
	if err != nil {
		t.Fatalf("PieceLength: %v", err)
	}
	if length != 500 {
		t.Fatalf("last piece length = %d, want 500", length)
	}

	full, err := s.PieceLength(0)
	if err != nil {
		t.Fatalf("PieceLength: %v", err)
	}
	if full != 1000 {
		t.Fatalf("piece 0 length = %d, want 1000", full)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thefile.dat")
	s, err := Open(path, 3000, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	data := bytes.Repeat([]byte{0xAB}, 1000)
	if err := s.WritePiece(1, data); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	got, err := s.ReadPiece(1)
	if err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("read back data does not match what was written")
	}

	// Piece 0, never written, must still read as zero.
	zero, err := s.ReadPiece(0)
	if err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if !bytes.Equal(zero, make([]byte, 1000)) {
		t.Fatal("untouched piece should still be zero-filled")
	}
}

func TestWritePieceWrongLengthRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thefile.dat")
	s, err := Open(path, 1000, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.WritePiece(0, make([]byte, 999)); err == nil {
		t.Fatal("expected error for wrong-length piece write")
	}
}

func TestSeederReusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thefile.dat")
	payload := bytes.Repeat([]byte{0x42}, 2000)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := Open(path, 2000, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	piece, err := s.ReadPiece(0)
	if err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if !bytes.Equal(piece, payload[:1000]) {
		t.Fatal("seeder's existing contents were not preserved")
	}
}

func TestPieceIndexOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thefile.dat")
	s, err := Open(path, 1000, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.ReadPiece(1); err == nil {
		t.Fatal("expected error for out-of-range piece index")
	}
}
