package notification

import (
	"time"

	"github.com/twmb/murmur3"
)

// DefaultFetchInterval bounds the fetch delay when a notification sets none.
const DefaultFetchInterval = 60 * time.Second

// KeyHash is the 64-bit hash the server uses to reference keys.
func KeyHash(key string) uint64 {
	return murmur3.Sum64([]byte(key))
}

// Bitmap is a bit set indexed by key hash, least significant bit first.
type Bitmap []byte

// Contains tests the bit of key.
func (b Bitmap) Contains(key string) bool {
	if len(b) == 0 {
		return false
	}
	idx := uint32(KeyHash(key)) % uint32(len(b)*8)
	return b[idx/8]&(1<<(idx%8)) != 0
}

// Set turns on the bit of key.
func (b Bitmap) Set(key string) {
	if len(b) == 0 {
		return
	}
	idx := uint32(KeyHash(key)) % uint32(len(b)*8)
	b[idx/8] |= 1 << (idx % 8)
}

// contains reports whether hash is listed.
func (k *KeyListPayload) contains(list []uint64, hash uint64) bool {
	for _, h := range list {
		if h == hash {
			return true
		}
	}
	return false
}

// IsAdded reports whether key appears in the added list.
func (k *KeyListPayload) IsAdded(key string) bool {
	return k.contains(k.Added, KeyHash(key))
}

// IsRemoved reports whether key appears in the removed list.
func (k *KeyListPayload) IsRemoved(key string) bool {
	return k.contains(k.Removed, KeyHash(key))
}

// FetchDelay spreads fetches triggered by the same notification.
func FetchDelay(key string, hashAlgorithm int, seed int64, intervalMs *int64) time.Duration {
	if hashAlgorithm == 0 {
		return 0
	}
	interval := DefaultFetchInterval.Milliseconds()
	if intervalMs != nil && *intervalMs > 0 {
		interval = *intervalMs
	}
	h := murmur3.SeedSum32(uint32(seed), []byte(key))
	return time.Duration(int64(h)%interval) * time.Millisecond
}
