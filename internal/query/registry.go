package query

import (
	"encoding/binary"
	"net/netip"

	"github.com/cespare/xxhash/v2"
)

const (
	registryMinBuckets = 64
	registryLoad       = 4
)

// Registry indexes live targets by address and port. It is used for
// deduplication and to route inbound datagrams to their owner.
type Registry struct {
	buckets [][]*Target
	count   int
}

// NewRegistry creates a registry sized for about n targets.
func NewRegistry(n int) *Registry {
	size := registryMinBuckets
	for size*registryLoad < n {
		size <<= 1
	}
	return &Registry{buckets: make([][]*Target, size)}
}

func hashKey(ap netip.AddrPort) uint64 {
	var b [18]byte
	a := ap.Addr().As16()
	copy(b[:16], a[:])
	binary.BigEndian.PutUint16(b[16:], ap.Port())
	return xxhash.Sum64(b[:])
}

func (r *Registry) bucket(ap netip.AddrPort) int {
	return int(hashKey(ap) & uint64(len(r.buckets)-1))
}

// Insert adds t under its address. It returns false and leaves the
// registry unchanged when the key is already present.
func (r *Registry) Insert(t *Target) bool {
	key := normalize(t.Addr)
	i := r.bucket(key)
	for _, e := range r.buckets[i] {
		if e.Addr == key {
			return false
		}
	}
	t.Addr = key
	r.buckets[i] = append(r.buckets[i], t)
	r.count++
	if r.count > len(r.buckets)*registryLoad {
		r.grow()
	}
	return true
}

// Find returns the target registered under ap, or nil.
func (r *Registry) Find(ap netip.AddrPort) *Target {
	key := normalize(ap)
	for _, e := range r.buckets[r.bucket(key)] {
		if e.Addr == key {
			return e
		}
	}
	return nil
}

// Remove deletes t. It returns false when t is not the registered owner of its key.
func (r *Registry) Remove(t *Target) bool {
	i := r.bucket(t.Addr)
	b := r.buckets[i]
	for j, e := range b {
		if e == t {
			b[j] = b[len(b)-1]
			b[len(b)-1] = nil
			r.buckets[i] = b[:len(b)-1]
			r.count--
			return true
		}
	}
	return false
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	return r.count
}

func (r *Registry) grow() {
	old := r.buckets
	r.buckets = make([][]*Target, len(old)*2)
	for _, b := range old {
		for _, t := range b {
			i := r.bucket(t.Addr)
			r.buckets[i] = append(r.buckets[i], t)
		}
	}
}
