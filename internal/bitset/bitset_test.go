package bitset

import (
	"reflect"
	"testing"
)

func TestSerializeBitOrder(t *testing.T) {
	// S3: NumPieces=13, bits {0,7,8,12} set -> 0x81 0x88.
	pm := New(13)
	for _, idx := range []int{0, 7, 8, 12} {
		pm.Set(idx)
	}

	got := pm.Bytes()
	want := []byte{0x81, 0x88}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Bytes() = %x, want %x", got, want)
	}

	decoded := New(13)
	if err := decoded.FromBytes(got); err != nil {
		t.Fatalf("FromBytes: %v", err)
	}

	for i := 0; i < 13; i++ {
		want := i == 0 || i == 7 || i == 8 || i == 12
		if decoded.Has(i) != want {
			t.Errorf("Has(%d) = %v, want %v", i, decoded.Has(i), want)
		}
	}
}

func TestRoundTripIsIdentity(t *testing.T) {
	pm := New(20)
	for _, idx := range []int{0, 3, 5, 19} {
		pm.Set(idx)
	}

	b1 := pm.Bytes()
	decoded := New(20)
	if err := decoded.FromBytes(b1); err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	b2 := decoded.Bytes()

	if !reflect.DeepEqual(b1, b2) {
		t.Fatalf("round trip not identity: %x != %x", b1, b2)
	}
}

func TestTrailingBitsZeroedAndIgnored(t *testing.T) {
	pm := New(3)
	// Attacker/peer might send a byte with garbage in the unused low bits.
	if err := pm.FromBytes([]byte{0xFF}); err != nil {
		t.Fatalf("FromBytes: %v", err)
	}

	for i := 0; i < 3; i++ {
		if !pm.Has(i) {
			t.Errorf("Has(%d) = false, want true", i)
		}
	}

	got := pm.Bytes()
	if got[0] != 0xE0 {
		t.Fatalf("trailing bits not masked on output: got %08b", got[0])
	}
}

func TestSetNeverUnsets(t *testing.T) {
	pm := New(4)
	pm.Set(2)
	if !pm.Has(2) {
		t.Fatal("expected bit 2 set")
	}

	// Setting again must be a harmless no-op, never a clear.
	changed := pm.Set(2)
	if changed {
		t.Fatal("Set on already-set bit reported a change")
	}
	if !pm.Has(2) {
		t.Fatal("bit 2 must remain set")
	}
}

func TestOutOfRangeIsSafe(t *testing.T) {
	pm := New(4)
	if pm.Has(-1) || pm.Has(10) {
		t.Fatal("out-of-range Has should be false")
	}
	if pm.Set(-1) || pm.Set(10) {
		t.Fatal("out-of-range Set should report no change")
	}
}

func TestCompleteAndMissingAndInteresting(t *testing.T) {
	self := New(4)
	other := New(4)

	other.Set(0)
	other.Set(2)

	if self.Complete() {
		t.Fatal("empty map reported complete")
	}
	if !self.Interesting(other) {
		t.Fatal("expected self to find other interesting")
	}

	missing := self.Missing(other)
	if !reflect.DeepEqual(missing, []int{0, 2}) {
		t.Fatalf("Missing = %v, want [0 2]", missing)
	}

	self.Set(0)
	self.Set(2)
	if self.Interesting(other) {
		t.Fatal("self should no longer find other interesting")
	}

	for i := 0; i < 4; i++ {
		self.Set(i)
	}
	if !self.Complete() {
		t.Fatal("expected self complete after setting all bits")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	pm := New(8)
	pm.Set(1)

	cp := pm.Clone()
	cp.Set(2)

	if pm.Has(2) {
		t.Fatal("mutating clone affected original")
	}
	if !cp.Has(1) || !cp.Has(2) {
		t.Fatal("clone missing expected bits")
	}
}
