// Package htt implements the host side of a wireless NIC's
// host-target transport receive path: posting DMA buffers to the
// shared receive ring, popping delivered MSDUs back off as frame
// chains and keeping the ring replenished while traffic flows.
//
// A Device runs in one of three target modes fixed at construction.
// Ordered mode consumes buffers in the order they were posted. Full
// reorder mode resolves buffers by the bus addresses the firmware
// echoes back in its indications. High latency targets carry payload
// and descriptor inside the indication message itself and use no ring.
package htt

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/htt/nbuf"
	"github.com/soypat/htt/wire"

	"golang.org/x/exp/constraints"
)

var (
	// ErrClosed is returned by operations on a closed Device.
	ErrClosed = errors.New("htt device closed")
	// ErrDesync means host and firmware disagree about ring or buffer
	// state. The device is unusable once this surfaces.
	ErrDesync = errors.New("htt rx state desync")
	// ErrUnsupported is returned by operations the configured target
	// mode does not implement.
	ErrUnsupported = errors.New("htt operation unsupported in this mode")

	errNilPool       = errors.New("nil buffer pool")
	errBadThroughput = errors.New("max throughput out of range")
	errBadLatency    = errors.New("latency hint out of range")
	errRingBounds    = errors.New("refill index out of ring bounds")
	errMSDUDoneUnset = errors.New("msdu completion bit unset")
	errChainShort    = errors.New("ring ran dry mid chain")
	errMSDUCount     = errors.New("indication msdu count exceeds ring")
	errShortMsg      = errors.New("indication message too short")
	errPopEmpty      = errors.New("pop from empty rx ring")
)

func errjoin(errs ...error) error {
	return errors.Join(errs...)
}

// MICErrorFunc is called when a popped frame failed its integrity
// check. The payload slice is only valid for the duration of the call;
// the engine recycles the buffer afterwards.
type MICErrorFunc func(peerID uint16, tid uint8, keyID uint8, payload []byte)

// PacketDumpFunc observes every MSDU popped from an in-order
// indication, before delivery or drop.
type PacketDumpFunc func(b *nbuf.Buffer, peerID uint16, fate PktFate)

// PktFate is the disposition reported to packet dump observers.
type PktFate uint8

const (
	FateSuccess PktFate = iota
	FateFWDropFilter
	FateFWDropInvalid // integrity failure flagged by firmware
	FateDrvDropNoBufs
)

func (f PktFate) String() (s string) {
	switch f {
	case FateSuccess:
		s = "success"
	case FateFWDropFilter:
		s = "fw-drop-filter"
	case FateFWDropInvalid:
		s = "fw-drop-invalid"
	case FateDrvDropNoBufs:
		s = "drv-drop-nobufs"
	default:
		s = "unknown"
	}
	return s
}

// FrameChain is the result of popping one indication: a linked list of
// buffers, one per MSDU, plus continuation buffers for MSDUs larger
// than a single receive buffer.
type FrameChain struct {
	Head *nbuf.Buffer
	Tail *nbuf.Buffer
	// MSDUCount is the number of MSDUs linked into the chain. Frames
	// dropped during the pop (integrity failures) are not counted.
	MSDUCount int
	// Consumed is the number of ring buffers the pop used up and the
	// amount a follow-up replenish should restore.
	Consumed int
	// Offload is the number of offloaded deliveries the caller must
	// pop separately with OffloadPaddrMSDUPop. When nonzero the chain
	// itself is empty.
	Offload int
	// Chained reports that at least one MSDU spilled into
	// continuation buffers.
	Chained bool
}

// Config parameterizes a Device. The zero value of every field except
// Pool is usable.
type Config struct {
	// Logger receives structured events from the receive path. nil
	// disables logging entirely.
	Logger *slog.Logger
	// Pool supplies the DMA buffers posted to the receive ring.
	Pool nbuf.Pool

	// FullReorder selects address based indications: the firmware
	// reorders frames itself and identifies buffers by bus address
	// instead of ring order.
	FullReorder bool
	// HighLatency is for targets that carry the rx descriptor inside
	// the indication message. No receive ring is allocated.
	HighLatency bool

	// MaxThroughputMbps sizes the receive ring. 0 means 1000.
	MaxThroughputMbps int
	// HostLatencyMaxMs is the worst case indication servicing delay
	// the ring must absorb without dropping. 0 means 20.
	HostLatencyMaxMs int
	// HostLatencyWorstLikelyMs is the servicing delay the steady
	// state fill level is provisioned for. 0 means 10, or 20 when
	// HighLatency is set.
	HostLatencyWorstLikelyMs int

	// HLRxDescSize is the length of message carried descriptors on
	// high latency targets. 0 means wire.HLDescBaseLen.
	HLRxDescSize int

	// DebugDMADone presets descriptors with a poison pattern before
	// posting and re-polls the completion bit on pop instead of
	// failing outright.
	DebugDMADone bool
	// OversizedLenWAR leaves MSDUs untrimmed when the descriptor
	// length exceeds 0x3000 with no error bits set. Early silicon
	// corrupts the length field this way on PHY errors.
	OversizedLenWAR bool
	// FirstWakeupPacket marks the first frame delivered after a
	// target wakeup so power accounting can attribute it.
	FirstWakeupPacket bool
	// SecondaryMap maintains a second device visible address map
	// alongside the primary one, toggled with UpdateSecondaryMap.
	SecondaryMap bool

	// MICError, if set, is invoked for frames that failed their
	// integrity check before their buffer is recycled.
	MICError MICErrorFunc
}

func (cfg *Config) mode() string {
	switch {
	case cfg.HighLatency:
		return "high-latency"
	case cfg.FullReorder:
		return "full-reorder"
	default:
		return "ordered"
	}
}

// Device is the receive side of the host-target transport. Methods
// that pop indications must not be called concurrently with each other
// or with Close; replenish methods are safe from any goroutine.
type Device struct {
	mu     sync.Mutex // refill lock. Guards ring producer state and retry timer.
	logger *slog.Logger
	pool   nbuf.Pool
	cfg    Config

	ring rxRing
	hash *hashTable
	smmu smmuTable

	desc     descOps
	amsduPop func(msg []byte) (FrameChain, error)
	fragPop  func(msg []byte) (FrameChain, error)

	pktDump atomic.Pointer[PacketDumpFunc]
	recvEth func(pkt []byte) error

	// fw descriptor cursor into the current ordered indication.
	curInd     *byte
	indByteIdx int

	hlDescSize int
	hlCurSeq   uint16

	stats  devStats
	closed bool
}

// New sizes and fills the receive ring for the configured target mode.
// reference: htt_rx_attach
func New(cfg Config) (*Device, error) {
	if cfg.Pool == nil {
		return nil, errNilPool
	}
	if cfg.HighLatency && cfg.FullReorder {
		return nil, errjoin(ErrUnsupported, errors.New("full reorder is a low latency feature"))
	}
	if cfg.MaxThroughputMbps == 0 {
		cfg.MaxThroughputMbps = defaultThroughputMbps
	}
	if cfg.HostLatencyMaxMs == 0 {
		cfg.HostLatencyMaxMs = defaultLatencyMaxMs
	}
	if cfg.HostLatencyWorstLikelyMs == 0 {
		if cfg.HighLatency {
			cfg.HostLatencyWorstLikelyMs = defaultWorstLikelyMsHL
		} else {
			cfg.HostLatencyWorstLikelyMs = defaultWorstLikelyMsLL
		}
	}
	if cfg.MaxThroughputMbps < 0 || cfg.MaxThroughputMbps > 100_000 {
		return nil, errBadThroughput
	}
	if cfg.HostLatencyMaxMs < 0 || cfg.HostLatencyMaxMs > 1000 ||
		cfg.HostLatencyWorstLikelyMs < 0 || cfg.HostLatencyWorstLikelyMs > 1000 {
		return nil, errBadLatency
	}
	if cfg.HLRxDescSize == 0 {
		cfg.HLRxDescSize = wire.HLDescBaseLen
	}

	d := &Device{logger: cfg.Logger, pool: cfg.Pool, cfg: cfg}
	if cfg.HighLatency {
		d.desc = &hlDesc{d: d}
		d.hlDescSize = cfg.HLRxDescSize
		d.hlCurSeq = 0xffff
		d.amsduPop = d.amsduPopHL
		d.fragPop = d.fragPopHL
		d.info("htt rx attach", slog.String("mode", cfg.mode()))
		return d, nil
	}

	d.desc = llDesc{}
	if cfg.FullReorder {
		d.amsduPop = d.inOrderPopLL
		d.fragPop = d.inOrderPopLL
	} else {
		d.amsduPop = d.amsduPopLL
		d.fragPop = d.amsduPopLL
	}

	size := ringSize(cfg.MaxThroughputMbps, cfg.HostLatencyMaxMs)
	d.ring.size = size
	d.ring.sizeMask = size - 1
	d.ring.fillLevel = ringFillLevel(cfg.MaxThroughputMbps, cfg.HostLatencyWorstLikelyMs, size)
	d.ring.paddrs = make([]uint64, size)
	d.ring.refillRefCnt.Store(1)
	if cfg.FullReorder {
		d.hash = newHashTable(2 * int(size))
	} else {
		d.ring.netbufs = make([]*nbuf.Buffer, size)
	}
	if cfg.SecondaryMap {
		d.smmu.m = make(map[uint64]struct{})
	}
	d.ring.retryTimer = time.AfterFunc(refillRetryInterval, d.refillRetry)
	d.ring.retryTimer.Stop()

	d.mu.Lock()
	filled, err := d.fillN(d.ring.fillLevel)
	d.mu.Unlock()
	if err != nil {
		d.Close()
		return nil, err
	}
	d.info("htt rx attach",
		slog.String("mode", cfg.mode()),
		slog.Int("ring_size", int(size)),
		slog.Int("fill_level", d.ring.fillLevel),
		slog.Int("filled", filled),
	)
	return d, nil
}

// Close stops the refill retry timer and releases every buffer still
// posted to the ring. Pops must have quiesced before calling it.
// reference: htt_rx_detach
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	// A retry callback racing us blocks on mu and then sees closed.
	if d.ring.retryTimer != nil {
		d.ring.retryTimer.Stop()
	}
	if d.hash != nil {
		d.hash.deinit(func(b *nbuf.Buffer) {
			if pa, err := b.PhysAddr(); err == nil {
				d.smmu.remove(pa)
			}
			d.pool.Unmap(b, nbuf.MapFromDevice)
			d.pool.Free(b)
		})
	}
	end := d.ring.allocIdx.Load() & d.ring.sizeMask
	for d.ring.netbufs != nil && d.ring.swRdIdx != end {
		idx := d.ring.swRdIdx
		if b := d.ring.netbufs[idx]; b != nil {
			d.pool.Unmap(b, nbuf.MapFromDevice)
			d.pool.Free(b)
			d.ring.netbufs[idx] = nil
		}
		d.ring.swRdIdx = (idx + 1) & d.ring.sizeMask
	}
	d.ring.fillCnt.Store(0)
	d.ring.paddrs = nil
	d.ring.netbufs = nil
	d.info("htt rx detach")
	return nil
}

// RecvEthHandle sets the handler HandleIndication delivers reassembled
// frame payloads to. Must be set before indications are processed.
func (d *Device) RecvEthHandle(handler func(pkt []byte) error) {
	d.recvEth = handler
}

// RegisterPacketDumpCallback installs an observer for every MSDU popped
// from an in-order indication.
// reference: htt_register_rx_pkt_dump_callback
func (d *Device) RegisterPacketDumpCallback(fn PacketDumpFunc) {
	if fn == nil {
		d.pktDump.Store(nil)
		return
	}
	d.pktDump.Store(&fn)
}

// DeregisterPacketDumpCallback removes a previously installed observer.
func (d *Device) DeregisterPacketDumpCallback() {
	d.pktDump.Store(nil)
}

// FreeChain recycles every buffer of a popped chain back to the pool.
func (d *Device) FreeChain(c *FrameChain) {
	b := c.Head
	for b != nil {
		next := b.Next()
		d.freeBuf(b)
		b = next
	}
	c.Head, c.Tail = nil, nil
}

// alignup rounds v up to the nearest multiple of alignto,
// which must be a power of two.
func alignup[T constraints.Unsigned](v, alignto T) T {
	return (v + alignto - 1) &^ (alignto - 1)
}

// aligndown rounds v down to the nearest multiple of alignto,
// which must be a power of two.
func aligndown[T constraints.Unsigned](v, alignto T) T {
	return v &^ (alignto - 1)
}

func isaligned[T constraints.Unsigned](v, alignto T) bool {
	return v&(alignto-1) == 0
}

// nextpow2 rounds v up to the nearest power of two.
func nextpow2[T constraints.Unsigned](v T) T {
	p := T(1)
	for p < v {
		p <<= 1
	}
	return p
}
