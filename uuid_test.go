package ble

import (
	"bytes"
	"testing"
)

func TestUUID16(t *testing.T) {
	u := UUID16(0x180F)
	if u.Len() != 2 || !bytes.Equal(u, []byte{0x0F, 0x18}) {
		t.Fatalf("UUID16 = % x", []byte(u))
	}
	if u.String() != "180f" {
		t.Fatalf("String = %q", u.String())
	}
}

func TestParseUUID(t *testing.T) {
	u, err := ParseUUID("180f")
	if err != nil {
		t.Fatalf("ParseUUID: %v", err)
	}
	if !u.Equal(UUID16(0x180F)) {
		t.Fatalf("parsed % x", []byte(u))
	}

	long, err := ParseUUID("ABCDEF01-2345-6789-ABCD-EF0123456789")
	if err != nil {
		t.Fatalf("ParseUUID: %v", err)
	}
	if long.Len() != 16 {
		t.Fatalf("parsed length %d", long.Len())
	}
	if long.String() != "abcdef0123456789abcdef0123456789" {
		t.Fatalf("String = %q", long.String())
	}
	// stored little-endian: last string byte comes first
	if long[0] != 0x89 || long[15] != 0xAB {
		t.Fatalf("byte order % x", []byte(long))
	}

	for _, bad := range []string{"xyz", "18", "180f00"} {
		if _, err := ParseUUID(bad); err == nil {
			t.Errorf("ParseUUID(%q) succeeded", bad)
		}
	}
}

func TestUUIDEqual(t *testing.T) {
	if !UUID16(0x2902).Equal(UUID16(0x2902)) {
		t.Fatal("equal uuids differ")
	}
	if UUID16(0x2902).Equal(UUID16(0x2903)) {
		t.Fatal("different uuids equal")
	}
	if UUID16(0x2902).Equal(MustParseUUID("ABCDEF01-2345-6789-ABCD-EF0123456789")) {
		t.Fatal("different lengths equal")
	}
}
