package auth

import (
	"hash/maphash"
	"sync"
)

const stripeCount = 64

// stripes serializes work per key with a fixed set of mutexes. Distinct keys
// rarely share a stripe, and no global lock is taken.
type stripes struct {
	seed  maphash.Seed
	locks [stripeCount]sync.Mutex
}

func newStripes() *stripes {
	return &stripes{seed: maphash.MakeSeed()}
}

func (s *stripes) lock(key string) func() {
	m := &s.locks[maphash.String(s.seed, key)%stripeCount]
	m.Lock()
	return m.Unlock
}
