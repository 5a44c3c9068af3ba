package nbuf

import (
	"errors"
	"fmt"
	"sync"
)

// MapDir is the DMA direction of a buffer mapping.
type MapDir uint8

const (
	MapToDevice MapDir = iota
	MapFromDevice
	MapBidirectional
)

func (dir MapDir) String() (s string) {
	switch dir {
	case MapToDevice:
		s = "todev"
	case MapFromDevice:
		s = "fromdev"
	case MapBidirectional:
		s = "bidir"
	default:
		s = "unknown"
	}
	return s
}

var (
	ErrExhausted  = errors.New("nbuf: pool exhausted")
	ErrBadSize    = errors.New("nbuf: size exceeds slot capacity")
	ErrBadAlign   = errors.New("nbuf: alignment not satisfiable")
	ErrBounds     = errors.New("nbuf: offset outside buffer bounds")
	ErrNotMapped  = errors.New("nbuf: buffer not mapped")
	ErrMapped     = errors.New("nbuf: buffer already mapped")
	errBadVersion = errors.New("nbuf: buffer does not belong to pool")
)

// Buffer is a single receive buffer following the headroom model: the
// backing storage is fixed and the visible data window [head,head+length)
// slides within it. Buffers link into frame chains via Next.
type Buffer struct {
	store  []byte
	head   int // offset of first data byte within store.
	length int // bytes of data starting at head.
	next   *Buffer
	paddr  uint64 // bus address of data start, valid while mapped.
	mapped bool
	dir    MapDir
	slot   int32
	live   bool
	// Meta is a scratch area for the buffer owner, zeroed on Free.
	Meta uint32
}

// Wrap makes a standalone Buffer over caller owned storage with the
// data window covering all of it. Wrapped buffers belong to no pool:
// Pooled reports false, pool methods reject them, and their storage
// stays valid only as long as the caller keeps data alive. High
// latency receive paths use them to chain message bytes without a
// copy.
func Wrap(data []byte) *Buffer {
	return &Buffer{store: data, length: len(data), slot: -1}
}

// Pooled reports whether the buffer came from a pool allocator rather
// than Wrap.
func (b *Buffer) Pooled() bool { return b.slot >= 0 }

// Data returns the buffer's current data window.
func (b *Buffer) Data() []byte { return b.store[b.head : b.head+b.length] }

// Raw returns the entire backing storage regardless of the current data
// window. Descriptors written by the device sit at the start of storage
// and stay reachable here after the window advances past them.
func (b *Buffer) Raw() []byte { return b.store }

func (b *Buffer) Len() int      { return b.length }
func (b *Buffer) Cap() int      { return len(b.store) }
func (b *Buffer) Headroom() int { return b.head }
func (b *Buffer) Tailroom() int { return len(b.store) - b.head - b.length }

// SetLength sets the data length without moving the data start.
func (b *Buffer) SetLength(n int) error {
	if n < 0 || b.head+n > len(b.store) {
		return ErrBounds
	}
	b.length = n
	return nil
}

// TrimTail removes n bytes from the end of the data window.
func (b *Buffer) TrimTail(n int) error {
	if n < 0 || n > b.length {
		return ErrBounds
	}
	b.length -= n
	return nil
}

// PushHead grows the data window backwards into the headroom by n bytes.
func (b *Buffer) PushHead(n int) error {
	if n < 0 || n > b.head {
		return ErrBounds
	}
	b.head -= n
	b.length += n
	return nil
}

// PullHead advances the data start by n bytes, shrinking the window.
func (b *Buffer) PullHead(n int) error {
	if n < 0 || n > b.length {
		return ErrBounds
	}
	b.head += n
	b.length -= n
	return nil
}

func (b *Buffer) Next() *Buffer        { return b.next }
func (b *Buffer) SetNext(next *Buffer) { b.next = next }

// PhysAddr returns the bus address of the buffer's data start recorded at
// map time. Errors if the buffer is not currently mapped.
func (b *Buffer) PhysAddr() (uint64, error) {
	if !b.mapped {
		return 0, ErrNotMapped
	}
	return b.paddr, nil
}

// IsMapped reports whether the buffer is mapped for device access.
func (b *Buffer) IsMapped() bool { return b.mapped }

// Pool is the allocator the receive engine draws buffers from.
//
// Alloc reserves headroom bytes before the data window. Map hands a
// buffer to the device and returns the bus address of its data start;
// Unmap returns ownership to the host. Free recycles the buffer's
// storage. None of the methods block.
type Pool interface {
	Alloc(size, headroom, align int) (*Buffer, error)
	Map(b *Buffer, dir MapDir) (paddr uint64, err error)
	Unmap(b *Buffer, dir MapDir) error
	Free(b *Buffer)
}

// ArenaConfig configures an ArenaPool.
type ArenaConfig struct {
	// Slots is the number of fixed-size buffers in the arena.
	Slots int
	// SlotSize is the storage capacity of each buffer in bytes.
	// Must be a multiple of 8.
	SlotSize int
	// Base is the bus address of slot 0 as seen by the device.
	// Must be 8 byte aligned.
	Base uint64
}

// ArenaPool is a fixed-slab buffer pool. Each buffer occupies one slot of
// a single backing region and its bus address is a stable offset from the
// configured base, which makes address round-trips through the device
// exactly reproducible. Exhaustion returns ErrExhausted rather than
// growing the arena.
type ArenaPool struct {
	mu       sync.Mutex
	mem      []byte
	bufs     []Buffer
	free     []int32 // LIFO of free slot indexes.
	base     uint64
	slotSize int
	closer   func() error
}

// NewArenaPool allocates a heap-backed arena of cfg.Slots buffers.
func NewArenaPool(cfg ArenaConfig) (*ArenaPool, error) {
	if cfg.Slots <= 0 || cfg.SlotSize <= 0 {
		return nil, ErrBadSize
	}
	if cfg.SlotSize%8 != 0 || cfg.Base%8 != 0 {
		return nil, ErrBadAlign
	}
	mem := make([]byte, cfg.Slots*cfg.SlotSize)
	return newArena(cfg, mem, nil), nil
}

func newArena(cfg ArenaConfig, mem []byte, closer func() error) *ArenaPool {
	p := &ArenaPool{
		mem:      mem,
		bufs:     make([]Buffer, cfg.Slots),
		free:     make([]int32, cfg.Slots),
		base:     cfg.Base,
		slotSize: cfg.SlotSize,
		closer:   closer,
	}
	for i := range p.bufs {
		off := i * cfg.SlotSize
		p.bufs[i].store = mem[off : off+cfg.SlotSize : off+cfg.SlotSize]
		p.bufs[i].slot = int32(i)
		// LIFO: slot 0 on top so allocation order is predictable.
		p.free[i] = int32(len(p.bufs) - 1 - i)
	}
	return p
}

// Free slots remaining in the pool.
func (p *ArenaPool) Avail() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// BufferAt locates the live buffer whose slot covers the given bus
// address. This is the device-side view of the arena: a simulated
// firmware uses it to reach the storage behind an address the host
// posted. Returns nil for addresses outside the arena or free slots.
func (p *ArenaPool) BufferAt(paddr uint64) *Buffer {
	off := paddr - p.base
	if paddr < p.base || off >= uint64(len(p.bufs))*uint64(p.slotSize) {
		return nil
	}
	slot := int(off) / p.slotSize
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bufs[slot].live {
		return nil
	}
	return &p.bufs[slot]
}

func (p *ArenaPool) Alloc(size, headroom, align int) (*Buffer, error) {
	if size <= 0 || headroom < 0 || headroom+size > p.slotSize {
		return nil, ErrBadSize
	}
	if align <= 0 || align&(align-1) != 0 || p.slotSize%align != 0 || headroom%align != 0 {
		return nil, ErrBadAlign
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, ErrExhausted
	}
	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b := &p.bufs[slot]
	if b.live {
		panic(fmt.Sprintf("nbuf: slot %d on free list while live", slot))
	}
	b.live = true
	b.head = headroom
	b.length = size
	b.next = nil
	b.Meta = 0
	return b, nil
}

func (p *ArenaPool) Map(b *Buffer, dir MapDir) (uint64, error) {
	if err := p.check(b); err != nil {
		return 0, err
	}
	if b.mapped {
		return 0, ErrMapped
	}
	b.mapped = true
	b.dir = dir
	b.paddr = p.base + uint64(int(b.slot)*p.slotSize+b.head)
	return b.paddr, nil
}

func (p *ArenaPool) Unmap(b *Buffer, dir MapDir) error {
	if err := p.check(b); err != nil {
		return err
	}
	if !b.mapped {
		return ErrNotMapped
	}
	b.mapped = false
	b.paddr = 0
	return nil
}

func (p *ArenaPool) Free(b *Buffer) {
	if err := p.check(b); err != nil {
		panic(err.Error())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !b.live {
		panic(fmt.Sprintf("nbuf: double free of slot %d", b.slot))
	}
	b.live = false
	b.mapped = false
	b.head = 0
	b.length = 0
	b.next = nil
	b.paddr = 0
	b.Meta = 0
	p.free = append(p.free, b.slot)
}

// Close releases the backing region when the pool owns one.
func (p *ArenaPool) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

func (p *ArenaPool) check(b *Buffer) error {
	if b == nil || b.slot < 0 || int(b.slot) >= len(p.bufs) || b != &p.bufs[b.slot] {
		return errBadVersion
	}
	return nil
}
