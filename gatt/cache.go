package gatt

import (
	"context"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/embhost/ble"
)

// Profile is a snapshot of a peer's attribute database, as produced by
// discovery. It serializes cleanly, so repeat connections to a static peer
// can skip discovery.
type Profile struct {
	Services []ProfileService `json:"services"`
}

type ProfileService struct {
	ServiceDesc
	Characteristics []CharacteristicDesc `json:"characteristics"`
}

// DiscoverProfile walks the peer's services and characteristics into a
// Profile.
func (cl *Client) DiscoverProfile(ctx context.Context) (Profile, error) {
	var p Profile
	svcs, err := cl.DiscoverServices(ctx)
	if err != nil {
		return p, errors.Wrap(err, "discover services")
	}
	for _, s := range svcs {
		chars, err := cl.DiscoverCharacteristics(ctx, s)
		if err != nil {
			return p, errors.Wrapf(err, "discover characteristics of %s", s.UUID)
		}
		p.Services = append(p.Services, ProfileService{ServiceDesc: s, Characteristics: chars})
	}
	return p, nil
}

// Cache persists discovered profiles to a JSON file keyed by peer address.
type Cache struct {
	filename string
	lock     sync.RWMutex
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NewCache creates a profile cache backed by the given file. The file is
// created on first store.
func NewCache(filename string) *Cache {
	return &Cache{filename: filename}
}

// Store writes a peer's profile to the cache. With replace false an
// existing entry for the peer is an error.
func (gc *Cache) Store(mac ble.Addr, profile Profile, replace bool) error {
	gc.lock.Lock()
	defer gc.lock.Unlock()

	cache, err := gc.loadExisting()
	if err != nil {
		return err
	}

	if _, ok := cache[mac.String()]; ok && !replace {
		return errors.Errorf("cache already contains profile for %s", mac.String())
	}
	cache[mac.String()] = profile

	return gc.storeCache(cache)
}

// Load returns the cached profile for a peer.
func (gc *Cache) Load(mac ble.Addr) (Profile, error) {
	gc.lock.RLock()
	defer gc.lock.RUnlock()

	cache, err := gc.loadExisting()
	if err != nil {
		return Profile{}, err
	}

	p, ok := cache[mac.String()]
	if !ok {
		return Profile{}, errors.Errorf("profile for %s not found in cache", mac.String())
	}
	return p, nil
}

// Clear removes a peer's entry, or every entry when mac is nil.
func (gc *Cache) Clear(mac ble.Addr) error {
	gc.lock.Lock()
	defer gc.lock.Unlock()

	if mac == nil {
		return gc.storeCache(map[string]Profile{})
	}

	cache, err := gc.loadExisting()
	if err != nil {
		return err
	}
	delete(cache, mac.String())
	return gc.storeCache(cache)
}

func (gc *Cache) loadExisting() (map[string]Profile, error) {
	raw, err := os.ReadFile(gc.filename)
	if os.IsNotExist(err) {
		return map[string]Profile{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read profile cache")
	}
	cache := map[string]Profile{}
	if err := json.Unmarshal(raw, &cache); err != nil {
		return nil, errors.Wrap(err, "decode profile cache")
	}
	return cache, nil
}

func (gc *Cache) storeCache(cache map[string]Profile) error {
	raw, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode profile cache")
	}
	if err := os.WriteFile(gc.filename, raw, 0600); err != nil {
		return errors.Wrap(err, "write profile cache")
	}
	return nil
}
