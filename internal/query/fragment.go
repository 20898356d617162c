package query

import (
	"net/netip"
	"sort"
)

// maxFragments bounds the declared total of one assembly.
const maxFragments = 256

// Fragment is one physical packet of a larger logical reply.
type Fragment struct {
	// Data is borrowed from the receive buffer; the store copies it.
	Data []byte

	// ID identifies the assembly; a target may have several in flight.
	ID uint32

	// Index is the zero based position within the assembly.
	Index int

	// Total is the declared number of fragments, 0 when unknown.
	Total int

	// Final marks the last fragment when the total is not declared up front.
	Final bool
}

type assemblyKey struct {
	target netip.AddrPort
	id     uint32
}

type assembly struct {
	parts map[int][]byte
	total int
}

// FragmentStore holds out of order fragments per target until a full set
// is assembled. Per id: collecting -> complete -> consumed. Consumed ids
// are remembered until the target is dropped so late retransmits of a
// combined reply cannot open a new set.
type FragmentStore struct {
	sets     map[assemblyKey]*assembly
	ids      map[netip.AddrPort][]uint32
	consumed map[assemblyKey]struct{}
}

// NewFragmentStore creates an empty store.
func NewFragmentStore() *FragmentStore {
	return &FragmentStore{
		sets:     make(map[assemblyKey]*assembly),
		ids:      make(map[netip.AddrPort][]uint32),
		consumed: make(map[assemblyKey]struct{}),
	}
}

// Add stores a fragment for target. It returns false when the fragment was
// dropped (duplicate index, out of range or of an already combined id).
//
// A declared total that disagrees with the one already tracked for the id
// discards the partial set: the peer restarted its reply and the new
// fragment starts a fresh set.
func (s *FragmentStore) Add(target netip.AddrPort, f Fragment) bool {
	if f.Index < 0 || f.Index >= maxFragments || f.Total < 0 || f.Total > maxFragments {
		return false
	}
	if f.Total > 0 && f.Index >= f.Total {
		return false
	}

	total := f.Total
	if total == 0 && f.Final {
		total = f.Index + 1
	}

	key := assemblyKey{target: target, id: f.ID}
	if _, done := s.consumed[key]; done {
		return false
	}
	set, ok := s.sets[key]
	if ok && total > 0 && set.total > 0 && set.total != total {
		s.discard(key)
		ok = false
	}
	if !ok {
		set = &assembly{parts: make(map[int][]byte)}
		s.sets[key] = set
		s.ids[target] = append(s.ids[target], f.ID)
	}
	if set.total == 0 && total > 0 {
		for idx := range set.parts {
			if idx >= total {
				s.discard(key)
				return false
			}
		}
		set.total = total
	}
	if set.total > 0 && f.Index >= set.total {
		return false
	}
	if _, dup := set.parts[f.Index]; dup {
		return false
	}

	set.parts[f.Index] = append([]byte(nil), f.Data...)
	return true
}

// TryCombine finds the first id (lowest first) with a complete set,
// concatenates its fragments in index order and frees them.
func (s *FragmentStore) TryCombine(target netip.AddrPort) ([]byte, bool) {
	ids := s.ids[target]
	if len(ids) == 0 {
		return nil, false
	}
	sorted := append([]uint32(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, id := range sorted {
		key := assemblyKey{target: target, id: id}
		set := s.sets[key]
		if set == nil || set.total == 0 || len(set.parts) != set.total {
			continue
		}

		size := 0
		for _, p := range set.parts {
			size += len(p)
		}
		out := make([]byte, 0, size)
		for i := 0; i < set.total; i++ {
			out = append(out, set.parts[i]...)
		}
		s.discard(key)
		s.consumed[key] = struct{}{}
		return out, true
	}

	return nil, false
}

// Pending returns the number of open assemblies for target.
func (s *FragmentStore) Pending(target netip.AddrPort) int {
	return len(s.ids[target])
}

// Drop frees all assemblies of target and forgets its consumed ids.
func (s *FragmentStore) Drop(target netip.AddrPort) {
	for _, id := range s.ids[target] {
		delete(s.sets, assemblyKey{target: target, id: id})
	}
	delete(s.ids, target)
	for key := range s.consumed {
		if key.target == target {
			delete(s.consumed, key)
		}
	}
}

func (s *FragmentStore) discard(key assemblyKey) {
	delete(s.sets, key)
	ids := s.ids[key.target]
	for i, id := range ids {
		if id == key.id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.ids, key.target)
		return
	}
	s.ids[key.target] = ids
}
