package smp

import (
	"encoding/hex"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Bond holds the keys produced by a completed pairing with one peer.
type Bond struct {
	Addr             string `json:"addr"`
	LongTermKey      string `json:"longTermKey"`
	EncryptionDiv    uint16 `json:"ediv"`
	RandomValue      uint64 `json:"rand"`
	SecureConnection bool   `json:"secureConnection"`
}

// LTK decodes the stored long-term key.
func (b Bond) LTK() ([16]byte, bool) {
	var ltk [16]byte
	raw, err := hex.DecodeString(b.LongTermKey)
	if err != nil || len(raw) != 16 {
		return ltk, false
	}
	copy(ltk[:], raw)
	return ltk, true
}

// BondStore persists bonds to a JSON file keyed by peer address. A store
// with an empty path keeps bonds in memory only.
type BondStore struct {
	mu    sync.Mutex
	path  string
	bonds map[string]Bond
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NewBondStore loads any bonds persisted at path. A missing file is not an
// error; the store starts empty and creates the file on first save.
func NewBondStore(path string) (*BondStore, error) {
	s := &BondStore{path: path, bonds: make(map[string]Bond)}
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read bond file")
	}
	var bonds []Bond
	if err := json.Unmarshal(raw, &bonds); err != nil {
		return nil, errors.Wrap(err, "decode bond file")
	}
	for _, b := range bonds {
		s.bonds[b.Addr] = b
	}
	return s, nil
}

// Find returns the bond for a peer address, if one exists.
func (s *BondStore) Find(addr string) (Bond, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bonds[addr]
	return b, ok
}

// Save stores a bond and, when the store is file backed, rewrites the file.
func (s *BondStore) Save(b Bond) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bonds[b.Addr] = b
	return s.flush()
}

// Delete removes the bond for a peer address.
func (s *BondStore) Delete(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bonds, addr)
	return s.flush()
}

func (s *BondStore) flush() error {
	if s.path == "" {
		return nil
	}
	bonds := make([]Bond, 0, len(s.bonds))
	for _, b := range s.bonds {
		bonds = append(bonds, b)
	}
	raw, err := json.MarshalIndent(bonds, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode bonds")
	}
	if err := os.WriteFile(s.path, raw, 0600); err != nil {
		return errors.Wrap(err, "write bond file")
	}
	return nil
}
