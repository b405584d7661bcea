package randutil

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
)

// NewCryptoSeededConcurrentSafeRand returns a non-crypto random source
// that's safe for concurrent use and seeded with a cryptographically random
// seed for good distribution between processes.
func NewCryptoSeededConcurrentSafeRand() *rand.Rand {
	return rand.New(&lockedSource{src: rand.NewSource(cryptoSeed())}) //nolint:gosec
}

func cryptoSeed() int64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		panic(err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])) //nolint:gosec
}

type lockedSource struct {
	mu  sync.Mutex
	src rand.Source
}

func (s *lockedSource) Int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Int63()
}

func (s *lockedSource) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src.Seed(seed)
}
