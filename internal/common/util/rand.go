package util

import (
	"math/rand"
	"sync"
	"time"
)

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

// NewThreadsafeRand returns a *rand.Rand that may be shared by the workers of a search.
// A zero seed is replaced by the current time.
func NewThreadsafeRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(&lockedSource{src: rand.NewSource(seed)})
}
