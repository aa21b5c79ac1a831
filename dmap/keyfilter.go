package dmap

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/rs/zerolog/log"
)

const (
	filterBucketSize      = 4
	filterFingerprintSize = 32      // FP rate ~2.3×10⁻¹⁰
	filterMaxKeys         = 1 << 20 // ~1M keys
)

var hashBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// KeyFilter remembers which keys exist in the external store, so that a
// read-through miss for an unknown key can skip the external Load.
//
//   - Filter MISS = key definitely not stored → skip Load
//   - Filter HIT = key maybe stored → Load
//
// The filter only answers MISS once it is primed by a full key scan
// (Map.LoadAll). Until then, and after it overflows, every key is a HIT.
type KeyFilter struct {
	mu     sync.RWMutex
	filter *cuckoo.Filter
	primed atomic.Bool
}

// NewKeyFilter creates an empty, unprimed filter.
func NewKeyFilter() *KeyFilter {
	return &KeyFilter{
		filter: cuckoo.NewFilter(filterBucketSize, filterFingerprintSize,
			filterMaxKeys, cuckoo.TableTypePacked),
	}
}

func withKeyHash(key string, fn func(b []byte)) {
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, xxhash.Sum64String(key))
	fn(buf)
	hashBufPool.Put(buf)
}

// MayContain returns false only if key is definitely absent externally.
func (f *KeyFilter) MayContain(key string) bool {
	if !f.primed.Load() {
		return true
	}
	var hit bool
	f.mu.RLock()
	withKeyHash(key, func(b []byte) { hit = f.filter.Contain(b) })
	f.mu.RUnlock()
	return hit
}

// Add records that key is stored externally. A full filter disables itself.
func (f *KeyFilter) Add(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ok bool
	withKeyHash(key, func(b []byte) {
		if f.filter.Contain(b) {
			ok = true
			return
		}
		ok = f.filter.Add(b)
	})
	if !ok && f.primed.Swap(false) {
		log.Warn().Uint("size", f.filter.Size()).Msg("Key filter is full, read-through will always load")
	}
}

// Remove forgets key after it was deleted externally.
func (f *KeyFilter) Remove(key string) {
	f.mu.Lock()
	withKeyHash(key, func(b []byte) {
		if f.filter.Contain(b) {
			f.filter.Delete(b)
		}
	})
	f.mu.Unlock()
}

// Prime marks the filter as holding every stored key.
func (f *KeyFilter) Prime() {
	f.primed.Store(true)
}

// Primed reports whether misses are authoritative.
func (f *KeyFilter) Primed() bool {
	return f.primed.Load()
}

// Size returns the number of fingerprints held.
func (f *KeyFilter) Size() uint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.Size()
}
