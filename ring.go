package htt

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/soypat/htt/nbuf"
	"github.com/soypat/htt/wire"
)

const (
	defaultThroughputMbps  = 1000
	defaultLatencyMaxMs    = 20
	defaultWorstLikelyMsLL = 10
	defaultWorstLikelyMsHL = 20

	// avgRxFrameBytes is the frame size the ring sizing math assumes.
	avgRxFrameBytes = 1000
	ringSizeMin     = 128
	ringSizeMax     = 2048

	refillRetryInterval = 50 * time.Millisecond
	// refillDebtMax bounds deferred refill requests before a caller
	// blocks on the refill lock instead.
	refillDebtMax = 128
	// maxRefillDebtPasses bounds how many extra laps one fillN call
	// spends serving debt queued behind it.
	maxRefillDebtPasses = 1
)

// ringSize computes the shared ring entry count: enough buffering to
// absorb latencyMaxMs worth of traffic at the rated throughput,
// clamped and rounded up to a power of two so masked index arithmetic
// works. reference: htt_rx_ring_size
func ringSize(throughputMbps, latencyMaxMs int) uint32 {
	size := throughputMbps * 1000 / (8 * avgRxFrameBytes) * latencyMaxMs
	if size < ringSizeMin {
		size = ringSizeMin
	} else if size > ringSizeMax {
		size = ringSizeMax
	}
	return nextpow2(uint32(size))
}

// ringFillLevel computes the steady state number of buffers to keep
// posted: the worst likely servicing delay worth of traffic, rounded
// up to a power of two and kept strictly below the ring size so the
// producer index can never lap the consumer.
// reference: htt_rx_ring_fill_level
func ringFillLevel(throughputMbps, worstLikelyMs int, size uint32) int {
	level := throughputMbps * 1000 / (8 * avgRxFrameBytes) * worstLikelyMs
	level = int(nextpow2(uint32(level)))
	if level >= int(size) {
		level = int(size) - 1
	}
	return level
}

// rxRing is the host side of the shared receive buffer ring. The
// firmware consumes entries between targetIdx and allocIdx; the host
// produces at allocIdx and, in ordered mode, pops at swRdIdx.
type rxRing struct {
	size     uint32
	sizeMask uint32
	// fillLevel is the steady state number of posted buffers.
	fillLevel int
	// fillCnt tracks buffers currently posted. Pops decrement it
	// without holding the refill lock.
	fillCnt atomic.Int32
	// paddrs is the shared address ring the firmware reads. Tagged
	// addresses in full reorder mode, raw otherwise.
	paddrs []uint64
	// netbufs shadows paddrs with buffer handles in ordered mode.
	netbufs []*nbuf.Buffer
	// allocIdx is the shared producer index. Its store in fillN
	// publishes all prior buffer and descriptor writes.
	allocIdx atomic.Uint32
	// targetIdx is advanced by the firmware as it consumes entries.
	targetIdx atomic.Uint32
	// swRdIdx is the ordered mode consumer cursor.
	swRdIdx uint32

	refillRefCnt atomic.Int32
	refillDebt   atomic.Int32
	retryTimer   *time.Timer
}

// ringElems is the number of entries between the ordered consumer
// cursor and the producer index.
func (d *Device) ringElems() int {
	return int((d.ring.allocIdx.Load() - d.ring.swRdIdx) & d.ring.sizeMask)
}

func (d *Device) inOrderRingElems() int {
	return int((d.ring.allocIdx.Load() - d.ring.targetIdx.Load()) & d.ring.sizeMask)
}

// RingSize returns the number of entries in the receive ring, zero on
// high latency targets.
func (d *Device) RingSize() int { return int(d.ring.size) }

// FillLevel returns the steady state posted buffer target.
func (d *Device) FillLevel() int { return d.ring.fillLevel }

// FillCount returns the number of buffers currently posted.
func (d *Device) FillCount() int { return int(d.ring.fillCnt.Load()) }

// RingElems returns the entries awaiting an ordered mode pop.
func (d *Device) RingElems() int { return d.ringElems() }

// InOrderRingElems returns the entries the firmware has not consumed.
func (d *Device) InOrderRingElems() int { return d.inOrderRingElems() }

// ProducerIndex returns the shared producer index as the firmware
// sees it.
func (d *Device) ProducerIndex() uint32 { return d.ring.allocIdx.Load() }

// PostedPaddr returns the bus address published at ring slot idx.
// Firmware stand-ins read posted buffers through it.
func (d *Device) PostedPaddr(idx uint32) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ring.paddrs == nil {
		return 0
	}
	return d.ring.paddrs[idx&d.ring.sizeMask]
}

// FirmwareConsume advances the shared target index by n entries. Test
// and simulation harnesses stand in for the firmware with it.
func (d *Device) FirmwareConsume(n int) {
	t := d.ring.targetIdx.Load()
	d.ring.targetIdx.Store((t + uint32(n)) & d.ring.sizeMask)
}

// fillN posts up to num receive buffers at the producer index. The
// caller must hold d.mu. Returns the count actually posted, which can
// exceed num when outstanding refill debt is folded into the same
// pass. The producer index is only published on success.
// reference: htt_rx_ring_fill_n
func (d *Device) fillN(num int) (filled int, err error) {
	if d.closed {
		return 0, ErrClosed
	}
	if d.ring.size == 0 {
		return 0, nil
	}
	var debtServed, debtPasses int
	idx := d.ring.allocIdx.Load()
	if idx > d.ring.sizeMask || num > int(d.ring.size) {
		d.stats.desync.Add(1)
		d.logerr("rx ring refill bounds",
			slog.Uint64("alloc_idx", uint64(idx)),
			slog.Int("num", num),
		)
		return 0, errjoin(ErrDesync, errRingBounds)
	}

moretofill:
	for num > 0 && int(d.ring.fillCnt.Load()) < int(d.ring.size)-1 {
		buf, aerr := d.pool.Alloc(wire.BufSize, 0, 4)
		if aerr != nil {
			// Out of buffers. Publish what we have and let the
			// retry timer finish the job.
			d.ring.retryTimer.Stop()
			d.stats.refillRetryStarts.Add(1)
			d.ring.retryTimer.Reset(refillRetryInterval)
			d.debug("rx ring alloc failed", slog.Int("remaining", num))
			goto publish
		}
		desc := wire.RxDesc(buf.Raw()[:wire.RxDescSize])
		desc.SetAttnFlags(0)
		if d.cfg.DebugDMADone {
			desc.PresetDMADebug()
		}
		paddr, merr := d.pool.Map(buf, nbuf.MapFromDevice)
		if merr != nil {
			// Skip this buffer and keep going with one fewer.
			d.pool.Free(buf)
			d.stats.mapFail.Add(1)
			num--
			continue
		}
		if d.cfg.FullReorder {
			if herr := d.hash.insert(paddr, buf); herr != nil {
				d.pool.Unmap(buf, nbuf.MapFromDevice)
				d.pool.Free(buf)
				d.stats.hashInsertFail.Add(1)
				num--
				continue
			}
			d.smmu.add(paddr)
			d.ring.paddrs[idx] = wire.PaddrTag(paddr)
		} else {
			d.ring.netbufs[idx] = buf
			d.ring.paddrs[idx] = paddr
		}
		d.ring.fillCnt.Add(1)
		filled++
		num--
		idx = (idx + 1) & d.ring.sizeMask
	}

	// Serve refill debt queued behind us in the same pass, one extra
	// lap at most.
	if debtPasses < maxRefillDebtPasses {
		if debt := int(d.ring.refillDebt.Load()); debtServed < debt {
			num = debt - debtServed
			debtServed += num
			debtPasses++
			goto moretofill
		}
	}

publish:
	// The atomic store orders the buffer and descriptor writes above
	// before the new producer index becomes visible to the firmware.
	d.ring.allocIdx.Store(idx)
	return filled, nil
}

// Replenish tops the ring back up to its fill level. Cheap to call
// after every pop; concurrent callers collapse onto a single filler
// through the reference count gate.
// reference: htt_rx_msdu_buff_replenish
func (d *Device) Replenish() error {
	var err error
	if d.ring.size == 0 {
		return nil
	}
	if d.ring.refillRefCnt.Add(-1) == 0 {
		num := d.ring.fillLevel - int(d.ring.fillCnt.Load())
		// num <= 0 is fine: a debt fill may have overshot the level.
		d.mu.Lock()
		_, err = d.fillN(num)
		d.mu.Unlock()
	}
	d.ring.refillRefCnt.Add(1)
	return err
}

// InOrderReplenish refills exactly the entries an in-order indication
// consumed. If another goroutine holds the refill lock the request is
// deferred as debt, served by the lock holder or the retry timer,
// until the debt ceiling forces blocking.
// reference: htt_rx_msdu_buff_in_order_replenish
func (d *Device) InOrderReplenish(num int) (filled int, err error) {
	if d.ring.size == 0 {
		return 0, ErrUnsupported
	}
	if !d.mu.TryLock() {
		if int(d.ring.refillDebt.Load()) < refillDebtMax {
			d.ring.refillDebt.Add(int32(num))
			d.stats.debtInvoked.Add(1)
			return 0, nil
		}
		d.mu.Lock()
	}
	d.stats.fillNInvoked.Add(1)
	filled, err = d.fillN(num)
	if err == nil {
		// Shortfall becomes debt, surplus pays existing debt down.
		d.ring.refillDebt.Add(int32(num - filled))
	}
	d.mu.Unlock()
	return filled, err
}

// refillRetry runs off the retry timer armed when the pool goes dry.
// It retries the outstanding debt and re-arms itself through fillN if
// allocation fails again.
// reference: htt_rx_ring_refill_retry
func (d *Device) refillRetry() {
	d.stats.refillRetryCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	num := int(d.ring.refillDebt.Load())
	d.ring.refillDebt.Add(int32(-num))
	filled, err := d.fillN(num)
	if err != nil {
		d.logerr("rx ring refill retry", slog.String("err", err.Error()))
		return
	}
	if filled > num {
		d.ring.refillDebt.Add(int32(-(filled - num)))
	} else if filled < num {
		d.ring.refillDebt.Add(int32(num - filled))
		d.stats.refillRetryDoubles.Add(1)
		d.warn("rx ring refill retry short",
			slog.Int("wanted", num),
			slog.Int("filled", filled),
		)
	}
}
