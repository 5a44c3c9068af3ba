package htt

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/soypat/htt/nbuf"
	"github.com/soypat/htt/wire"
)

const (
	hashBuckets = 1024
	// hashCookie marks arena entries that hold a live buffer.
	hashCookie = 0xDEED
)

var errHashLookup = errors.New("paddr not in hash table")

// rxHash buckets a bus address. Buffers are at least a few KiB apart
// so the folded middle bits spread them well.
// reference: RX_HASH_FUNCTION
func rxHash(paddr uint64) uint32 {
	return uint32(paddr>>14^paddr>>4) & (hashBuckets - 1)
}

type hashEntry struct {
	paddr  uint64
	buf    *nbuf.Buffer
	next   *hashEntry // bucket chain or freelist link.
	cookie uint16
	// fromPool tags arena entries: recycled through the freelist on
	// removal. Overflow entries come from the heap and are dropped
	// instead.
	fromPool bool
}

// hashTable maps the bus addresses of posted buffers back to their
// handles. Entries come from an arena sized at construction; once the
// arena freelist runs dry, inserts fall back to heap entries that are
// released rather than recycled on removal.
type hashTable struct {
	mu      sync.Mutex
	buckets []*hashEntry
	arena   []hashEntry
	free    *hashEntry // arena freelist through entry next links.
	count   int
}

func newHashTable(capacity int) *hashTable {
	t := &hashTable{
		buckets: make([]*hashEntry, hashBuckets),
		arena:   make([]hashEntry, capacity),
	}
	for i := range t.arena {
		t.arena[i].fromPool = true
		t.arena[i].next = t.free
		t.free = &t.arena[i]
	}
	return t
}

// insert files a posted buffer under its bus address. Marker bits in
// the high part of the address are stripped first, so tagged and raw
// forms of the same address land on the same entry.
// reference: htt_rx_hash_list_insert
func (t *hashTable) insert(paddr uint64, buf *nbuf.Buffer) error {
	paddr = wire.PaddrUntag(paddr)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buckets == nil {
		return ErrClosed
	}
	e := t.free
	if e != nil {
		t.free = e.next
	} else {
		e = &hashEntry{}
	}
	h := rxHash(paddr)
	e.paddr = paddr
	e.buf = buf
	e.cookie = hashCookie
	e.next = t.buckets[h]
	t.buckets[h] = e
	t.count++
	return nil
}

// lookup removes and returns the buffer posted under paddr, tagged or
// raw. A miss means the firmware handed back an address the host
// never posted.
// reference: htt_rx_hash_list_lookup
func (t *hashTable) lookup(paddr uint64) (*nbuf.Buffer, error) {
	paddr = wire.PaddrUntag(paddr)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buckets == nil {
		return nil, ErrClosed
	}
	h := rxHash(paddr)
	var prev *hashEntry
	for e := t.buckets[h]; e != nil; e = e.next {
		if e.paddr == paddr && e.cookie == hashCookie {
			if prev == nil {
				t.buckets[h] = e.next
			} else {
				prev.next = e.next
			}
			buf := e.buf
			e.buf = nil
			e.paddr = 0
			e.cookie = 0
			if e.fromPool {
				e.next = t.free
				t.free = e
			} else {
				e.next = nil // heap entry, dropped for collection.
			}
			t.count--
			return buf, nil
		}
		prev = e
	}
	return nil, errHashLookup
}

// walk visits every live buffer under the table lock.
func (t *hashTable) walk(fn func(b *nbuf.Buffer)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, head := range t.buckets {
		for e := head; e != nil; e = e.next {
			if e.cookie == hashCookie {
				fn(e.buf)
			}
		}
	}
}

// entryCount returns the number of live entries.
func (t *hashTable) entryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// deinit detaches the table under its lock, then hands every live
// buffer to fn outside it. The table is unusable afterwards.
// reference: htt_rx_hash_deinit
func (t *hashTable) deinit(fn func(b *nbuf.Buffer)) {
	t.mu.Lock()
	buckets := t.buckets
	t.buckets = nil
	t.arena = nil
	t.free = nil
	t.count = 0
	t.mu.Unlock()
	for _, head := range buckets {
		for e := head; e != nil; e = e.next {
			if e.cookie == hashCookie {
				fn(e.buf)
			}
		}
	}
}

// smmuTable mirrors posted buffers into a second device visible
// address space on platforms that interpose one.
type smmuTable struct {
	active atomic.Bool
	mu     sync.Mutex
	m      map[uint64]struct{}
}

func (s *smmuTable) add(pa uint64) {
	if s.m == nil || !s.active.Load() {
		return
	}
	s.mu.Lock()
	s.m[pa] = struct{}{}
	s.mu.Unlock()
}

// remove is not gated on active so deactivation can drain the map.
func (s *smmuTable) remove(pa uint64) {
	if s.m == nil {
		return
	}
	s.mu.Lock()
	delete(s.m, pa)
	s.mu.Unlock()
}

func (s *smmuTable) len() int {
	if s.m == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// UpdateSecondaryMap switches the secondary address map on or off and
// maps or unmaps every buffer currently posted to the ring. Only
// meaningful in full reorder mode with Config.SecondaryMap set.
// reference: htt_rx_update_smmu_map
func (d *Device) UpdateSecondaryMap(active bool) error {
	if !d.cfg.SecondaryMap || d.hash == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.smmu.active.Store(active)
	d.hash.walk(func(b *nbuf.Buffer) {
		pa, err := b.PhysAddr()
		if err != nil {
			return
		}
		if active {
			d.smmu.add(pa)
		} else {
			d.smmu.remove(pa)
		}
	})
	return nil
}
