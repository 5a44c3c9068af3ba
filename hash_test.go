package htt

import (
	"errors"
	"testing"

	"github.com/soypat/htt/nbuf"
	"github.com/soypat/htt/wire"
)

func TestHashInsertLookup(t *testing.T) {
	ht := newHashTable(8)
	bufs := make([]nbuf.Buffer, 4)
	paddrs := []uint64{0x2000_0000, 0x2000_0800, 0x2000_1000, 0x2000_1800}
	for i, pa := range paddrs {
		if err := ht.insert(pa, &bufs[i]); err != nil {
			t.Fatal(err)
		}
	}
	if ht.entryCount() != 4 {
		t.Fatal("entry count:", ht.entryCount())
	}
	for i, pa := range paddrs {
		b, err := ht.lookup(pa)
		if err != nil {
			t.Fatal(err)
		}
		if b != &bufs[i] {
			t.Errorf("lookup %#x returned the wrong buffer", pa)
		}
	}
	if ht.entryCount() != 0 {
		t.Error("entries left after lookups:", ht.entryCount())
	}
	// A second lookup of a removed address is a miss.
	if _, err := ht.lookup(paddrs[0]); err == nil {
		t.Error("removed address still resolvable")
	}
}

func TestHashTagInvariance(t *testing.T) {
	ht := newHashTable(4)
	var a, b nbuf.Buffer
	const pa, pb = 0x2000_0000, 0x2000_0800
	if err := ht.insert(wire.PaddrTag(pa), &a); err != nil {
		t.Fatal(err)
	}
	if err := ht.insert(pb, &b); err != nil {
		t.Fatal(err)
	}
	if got, err := ht.lookup(pa); err != nil || got != &a {
		t.Error("tagged insert not resolvable by raw address:", err)
	}
	if got, err := ht.lookup(wire.PaddrTag(pb)); err != nil || got != &b {
		t.Error("raw insert not resolvable by tagged address:", err)
	}
}

func TestHashCollisionChain(t *testing.T) {
	// These addresses all fold to the same bucket.
	paddrs := []uint64{1 << 24, 2 << 24, 3 << 24}
	h0 := rxHash(paddrs[0])
	for _, pa := range paddrs[1:] {
		if rxHash(pa) != h0 {
			t.Fatalf("%#x does not collide with %#x", pa, paddrs[0])
		}
	}
	ht := newHashTable(4)
	bufs := make([]nbuf.Buffer, 3)
	for i, pa := range paddrs {
		if err := ht.insert(pa, &bufs[i]); err != nil {
			t.Fatal(err)
		}
	}
	// Remove the middle of the chain first, then the ends.
	for _, i := range []int{1, 0, 2} {
		b, err := ht.lookup(paddrs[i])
		if err != nil {
			t.Fatal(err)
		}
		if b != &bufs[i] {
			t.Errorf("chained lookup %d returned the wrong buffer", i)
		}
	}
	if ht.entryCount() != 0 {
		t.Error("chain not fully drained")
	}
}

func TestHashArenaOverflow(t *testing.T) {
	ht := newHashTable(2)
	var a, b, c nbuf.Buffer
	if err := ht.insert(0x1000, &a); err != nil {
		t.Fatal(err)
	}
	if err := ht.insert(0x2000, &b); err != nil {
		t.Fatal(err)
	}
	// Arena freelist is dry; the third entry comes off the heap.
	if err := ht.insert(0x3000, &c); err != nil {
		t.Fatal("overflow insert:", err)
	}
	if ht.entryCount() != 3 {
		t.Error("entry count after overflow:", ht.entryCount())
	}
	if got, err := ht.lookup(0x3000); err != nil || got != &c {
		t.Error("overflow entry not resolvable:", err)
	}
	// The removed heap entry is released, never recycled into the
	// arena freelist.
	if ht.free != nil {
		t.Error("freelist gained entries while arena is fully live")
	}
	if got, err := ht.lookup(0x1000); err != nil || got != &a {
		t.Error("arena entry damaged by overflow:", err)
	}
	if got, err := ht.lookup(0x2000); err != nil || got != &b {
		t.Error("arena entry damaged by overflow:", err)
	}
	var recycled int
	for e := ht.free; e != nil; e = e.next {
		if !e.fromPool {
			t.Error("heap entry on the arena freelist")
		}
		recycled++
	}
	if recycled != 2 {
		t.Error("arena freelist after drain:", recycled)
	}
}

func TestHashFreelistRecycles(t *testing.T) {
	ht := newHashTable(2)
	var a, b, c nbuf.Buffer
	ht.insert(0x1000, &a)
	ht.insert(0x2000, &b)
	if _, err := ht.lookup(0x1000); err != nil {
		t.Fatal(err)
	}
	if err := ht.insert(0x3000, &c); err != nil {
		t.Fatal("freed entry not reusable:", err)
	}
	if got, err := ht.lookup(0x3000); err != nil || got != &c {
		t.Error("recycled entry lookup failed")
	}
	if got, err := ht.lookup(0x2000); err != nil || got != &b {
		t.Error("survivor lost during recycling")
	}
}

func TestHashDeinit(t *testing.T) {
	ht := newHashTable(8)
	bufs := make([]nbuf.Buffer, 3)
	for i := range bufs {
		ht.insert(uint64(0x1000*(i+1)), &bufs[i])
	}
	var visited int
	ht.deinit(func(b *nbuf.Buffer) { visited++ })
	if visited != 3 {
		t.Error("deinit visited", visited, "buffers")
	}
	if ht.entryCount() != 0 {
		t.Error("entries after deinit:", ht.entryCount())
	}
	if err := ht.insert(0x9000, &bufs[0]); !errors.Is(err, ErrClosed) {
		t.Error("insert after deinit:", err)
	}
	if _, err := ht.lookup(0x1000); !errors.Is(err, ErrClosed) {
		t.Error("lookup after deinit:", err)
	}
}

func TestSecondaryMap(t *testing.T) {
	r := newInOrderRig(t, 32, func(cfg *Config) { cfg.SecondaryMap = true })
	if n := r.d.Stats().SecondaryMapped; n != 0 {
		t.Fatal("secondary map populated while inactive:", n)
	}
	if err := r.d.UpdateSecondaryMap(true); err != nil {
		t.Fatal(err)
	}
	if n := r.d.Stats().SecondaryMapped; n != 16 {
		t.Fatal("posted buffers not mirrored:", n)
	}
	// A pop unmaps its buffer from the secondary space too.
	p := payloadBytes(60, 1)
	r.writeFrame(0, fwFrame{payload: p, first: true, last: true})
	chain, err := r.d.AMSDUPop(inOrdMsg(wire.InOrdIndHdr{}, r.postedRec(0, 60, 0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	r.d.FreeChain(&chain)
	if n := r.d.Stats().SecondaryMapped; n != 15 {
		t.Error("popped buffer still mirrored:", n)
	}
	// Refills while active mirror the new buffer.
	if _, err := r.d.InOrderReplenish(1); err != nil {
		t.Fatal(err)
	}
	if n := r.d.Stats().SecondaryMapped; n != 16 {
		t.Error("refilled buffer not mirrored:", n)
	}
	// Deactivation drains the mirror and refills stay out of it.
	if err := r.d.UpdateSecondaryMap(false); err != nil {
		t.Fatal(err)
	}
	if n := r.d.Stats().SecondaryMapped; n != 0 {
		t.Error("mirror not drained:", n)
	}
	slot := r.d.ProducerIndex() - 1
	r.writeFrame(slot, fwFrame{payload: p, first: true, last: true})
	chain, err = r.d.AMSDUPop(inOrdMsg(wire.InOrdIndHdr{}, r.postedRec(slot, 60, 0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	r.d.FreeChain(&chain)
	if _, err := r.d.InOrderReplenish(1); err != nil {
		t.Fatal(err)
	}
	if n := r.d.Stats().SecondaryMapped; n != 0 {
		t.Error("inactive mirror gained entries:", n)
	}
}

func TestSecondaryMapUnconfigured(t *testing.T) {
	r := newRig(t, 32, nil)
	if err := r.d.UpdateSecondaryMap(true); err != nil {
		t.Error("unconfigured toggle must be a no-op:", err)
	}
	if n := r.d.Stats().SecondaryMapped; n != 0 {
		t.Error("unconfigured device mirrored buffers:", n)
	}
}

func TestSecondaryMapAfterClose(t *testing.T) {
	r := newInOrderRig(t, 32, func(cfg *Config) { cfg.SecondaryMap = true })
	if err := r.d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.d.UpdateSecondaryMap(true); !errors.Is(err, ErrClosed) {
		t.Error("toggle after close:", err)
	}
}
