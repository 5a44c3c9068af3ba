package htt

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// devStats are the device's event counters, updated atomically from
// whatever context triggers them.
type devStats struct {
	refillRetryCalls   atomic.Uint32
	refillRetryStarts  atomic.Uint32
	refillRetryDoubles atomic.Uint32
	debtInvoked        atomic.Uint32
	fillNInvoked       atomic.Uint32
	mapFail            atomic.Uint32
	hashInsertFail     atomic.Uint32
	popFail            atomic.Uint32
	desync             atomic.Uint32
	badMSDULen         atomic.Uint32
	dmaSyncSuccess     atomic.Uint32
	micErr             atomic.Uint32
	wakeupMarks        atomic.Uint32
	offloadPops        atomic.Uint32
	delivered          atomic.Uint32
	deliverErr         atomic.Uint32
	fwDiscards         atomic.Uint32
}

// Stats is a point in time snapshot of the device counters and ring
// occupancy.
type Stats struct {
	RingSize        int
	FillLevel       int
	FillCount       int
	RefillDebt      int
	HashEntries     int
	SecondaryMapped int

	RefillRetryCalls   uint32
	RefillRetryStarts  uint32
	RefillRetryDoubles uint32
	DebtInvoked        uint32
	FillNInvoked       uint32
	MapFail            uint32
	HashInsertFail     uint32
	PopFail            uint32
	Desync             uint32
	BadMSDULen         uint32
	DMASyncSuccess     uint32
	MICErr             uint32
	WakeupMarks        uint32
	OffloadPops        uint32
	Delivered          uint32
	DeliverErr         uint32
	FWDiscards         uint32
}

// Stats snapshots the device counters. Safe to call concurrently with
// the data path.
func (d *Device) Stats() Stats {
	s := Stats{
		RingSize:   int(d.ring.size),
		FillLevel:  d.ring.fillLevel,
		FillCount:  int(d.ring.fillCnt.Load()),
		RefillDebt: int(d.ring.refillDebt.Load()),

		RefillRetryCalls:   d.stats.refillRetryCalls.Load(),
		RefillRetryStarts:  d.stats.refillRetryStarts.Load(),
		RefillRetryDoubles: d.stats.refillRetryDoubles.Load(),
		DebtInvoked:        d.stats.debtInvoked.Load(),
		FillNInvoked:       d.stats.fillNInvoked.Load(),
		MapFail:            d.stats.mapFail.Load(),
		HashInsertFail:     d.stats.hashInsertFail.Load(),
		PopFail:            d.stats.popFail.Load(),
		Desync:             d.stats.desync.Load(),
		BadMSDULen:         d.stats.badMSDULen.Load(),
		DMASyncSuccess:     d.stats.dmaSyncSuccess.Load(),
		MICErr:             d.stats.micErr.Load(),
		WakeupMarks:        d.stats.wakeupMarks.Load(),
		OffloadPops:        d.stats.offloadPops.Load(),
		Delivered:          d.stats.delivered.Load(),
		DeliverErr:         d.stats.deliverErr.Load(),
		FWDiscards:         d.stats.fwDiscards.Load(),
	}
	if d.hash != nil {
		s.HashEntries = d.hash.entryCount()
	}
	s.SecondaryMapped = d.smmu.len()
	return s
}

// String renders the occupancy and all nonzero counters on one line.
func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fill=%d/%d", s.FillCount, s.FillLevel)
	if s.RefillDebt != 0 {
		fmt.Fprintf(&b, " debt=%d", s.RefillDebt)
	}
	if s.HashEntries != 0 {
		fmt.Fprintf(&b, " hash=%d", s.HashEntries)
	}
	if s.SecondaryMapped != 0 {
		fmt.Fprintf(&b, " smmu=%d", s.SecondaryMapped)
	}
	app := func(name string, v uint32) {
		if v != 0 {
			fmt.Fprintf(&b, " %s=%d", name, v)
		}
	}
	app("delivered", s.Delivered)
	app("deliver_err", s.DeliverErr)
	app("fw_discard", s.FWDiscards)
	app("offload", s.OffloadPops)
	app("mic_err", s.MICErr)
	app("wakeup", s.WakeupMarks)
	app("bad_len", s.BadMSDULen)
	app("pop_fail", s.PopFail)
	app("desync", s.Desync)
	app("map_fail", s.MapFail)
	app("hash_fail", s.HashInsertFail)
	app("debt_invoked", s.DebtInvoked)
	app("fill_n", s.FillNInvoked)
	app("retry_calls", s.RefillRetryCalls)
	app("retry_starts", s.RefillRetryStarts)
	app("retry_doubles", s.RefillRetryDoubles)
	app("dma_resync", s.DMASyncSuccess)
	return b.String()
}
