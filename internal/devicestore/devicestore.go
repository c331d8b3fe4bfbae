// Package devicestore is the read-mostly per-uid provisioning KV that
// internal/handler.Session reads on every identified frame to check for
// a pending configuration push. Per spec.md §5, writes are serialized
// per uid via a striped mutex (fnv.New32a().Sum32(uid) % numStripes)
// rather than one global lock, since reads vastly outnumber writes.
package devicestore

import (
	"hash/fnv"
	"sync"

	"github.com/maprox/gps-gateway/pkg/gpsgateway/observer"
)

const numStripes = 32

// Store holds one observer.DeviceConfig per uid.
type Store struct {
	stripes [numStripes]sync.Mutex
	configs sync.Map // uid (string) -> *observer.DeviceConfig
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

func stripeFor(uid string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uid))
	return h.Sum32() % numStripes
}

// Get returns the stored config for uid, or nil if none has been set.
func (s *Store) Get(uid string) (*observer.DeviceConfig, error) {
	if v, ok := s.configs.Load(uid); ok {
		return v.(*observer.DeviceConfig), nil
	}
	return nil, nil
}

// Set replaces uid's config wholesale, serialized through its stripe.
func (s *Store) Set(uid string, cfg *observer.DeviceConfig) {
	stripe := &s.stripes[stripeFor(uid)]
	stripe.Lock()
	defer stripe.Unlock()
	s.configs.Store(uid, cfg)
}

// QueuePendingConfig arms uid's next identified frame to receive a
// configuration push, creating an empty config record if none exists.
func (s *Store) QueuePendingConfig(uid string, blob []byte) {
	stripe := &s.stripes[stripeFor(uid)]
	stripe.Lock()
	defer stripe.Unlock()

	cfg, _ := s.Get(uid)
	if cfg == nil {
		cfg = &observer.DeviceConfig{Identifier: uid}
	}
	cfg.PendingConfig = blob
	s.configs.Store(uid, cfg)
}

// ClearPendingConfig drops uid's pending configuration blob once the
// device has echoed back the expected answer.
func (s *Store) ClearPendingConfig(uid string) error {
	stripe := &s.stripes[stripeFor(uid)]
	stripe.Lock()
	defer stripe.Unlock()

	cfg, _ := s.Get(uid)
	if cfg == nil {
		return nil
	}
	cfg.PendingConfig = nil
	s.configs.Store(uid, cfg)
	return nil
}
