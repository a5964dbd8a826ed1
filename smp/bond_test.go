package smp

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestBondStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bonds.json")

	s, err := NewBondStore(path)
	if err != nil {
		t.Fatal(err)
	}
	b := Bond{
		Addr:             "aa:bb:cc:dd:ee:ff",
		LongTermKey:      "380a7594b522059823cdd76911798669",
		SecureConnection: true,
	}
	if err := s.Save(b); err != nil {
		t.Fatal(err)
	}

	// a fresh store sees the persisted bond
	s2, err := NewBondStore(path)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := s2.Find(b.Addr)
	if !ok {
		t.Fatal("bond not found after reload")
	}
	ltk, ok := got.LTK()
	if !ok {
		t.Fatal("stored ltk does not decode")
	}
	want, _ := b.LTK()
	if !bytes.Equal(ltk[:], want[:]) {
		t.Fatal("ltk mismatch after reload")
	}

	if err := s2.Delete(b.Addr); err != nil {
		t.Fatal(err)
	}
	if _, ok := s2.Find(b.Addr); ok {
		t.Fatal("bond still present after delete")
	}

	s3, err := NewBondStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s3.Find(b.Addr); ok {
		t.Fatal("delete was not persisted")
	}
}

func TestBondStoreMissingFile(t *testing.T) {
	s, err := NewBondStore(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Find("aa:bb:cc:dd:ee:ff"); ok {
		t.Fatal("empty store found a bond")
	}
}

func TestBondLTKValidation(t *testing.T) {
	if _, ok := (Bond{LongTermKey: "zz"}).LTK(); ok {
		t.Fatal("invalid hex accepted")
	}
	if _, ok := (Bond{LongTermKey: "00ff"}).LTK(); ok {
		t.Fatal("short key accepted")
	}
}
