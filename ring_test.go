package htt

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/soypat/htt/nbuf"
	"github.com/soypat/htt/wire"
)

func TestRingSize(t *testing.T) {
	tests := []struct {
		mbps, latencyMs int
		want            uint32
	}{
		{mbps: 1000, latencyMs: 20, want: 2048}, // 2500 hits the clamp
		{mbps: 1000, latencyMs: 10, want: 2048}, // 1250 rounds up
		{mbps: 100, latencyMs: 20, want: 256},   // 240 rounds up
		{mbps: 10, latencyMs: 20, want: 128},    // 20 hits the floor
		{mbps: 0, latencyMs: 20, want: 128},
		{mbps: 100_000, latencyMs: 1000, want: 2048},
	}
	for _, tt := range tests {
		got := ringSize(tt.mbps, tt.latencyMs)
		if got != tt.want {
			t.Errorf("ringSize(%d,%d) = %d, want %d", tt.mbps, tt.latencyMs, got, tt.want)
		}
		if got&(got-1) != 0 {
			t.Errorf("ringSize(%d,%d) = %d not a power of two", tt.mbps, tt.latencyMs, got)
		}
	}
}

func TestRingFillLevel(t *testing.T) {
	tests := []struct {
		mbps, worstMs int
		size          uint32
		want          int
	}{
		{mbps: 1000, worstMs: 10, size: 2048, want: 2047}, // 1250 -> 2048 -> capped
		{mbps: 1000, worstMs: 20, size: 2048, want: 2047},
		{mbps: 100, worstMs: 10, size: 256, want: 128},
		{mbps: 10, worstMs: 10, size: 128, want: 16},
		{mbps: 1000, worstMs: 20, size: 128, want: 127},
	}
	for _, tt := range tests {
		got := ringFillLevel(tt.mbps, tt.worstMs, tt.size)
		if got != tt.want {
			t.Errorf("ringFillLevel(%d,%d,%d) = %d, want %d", tt.mbps, tt.worstMs, tt.size, got, tt.want)
		}
		if got >= int(tt.size) {
			t.Errorf("fill level %d reaches ring size %d", got, tt.size)
		}
	}
}

func TestProducerConsumerIndexes(t *testing.T) {
	r := newRig(t, 64, nil)
	if r.d.ProducerIndex() != 16 {
		t.Fatal("producer index after attach:", r.d.ProducerIndex())
	}
	if r.d.InOrderRingElems() != 16 {
		t.Error("unconsumed entries:", r.d.InOrderRingElems())
	}
	r.d.FirmwareConsume(5)
	if r.d.InOrderRingElems() != 11 {
		t.Error("unconsumed after fw consume:", r.d.InOrderRingElems())
	}
	// Pop two in posted order and top back up.
	b0, b1 := r.d.netbufPop(), r.d.netbufPop()
	if b0 == nil || b1 == nil {
		t.Fatal("pop failed on filled ring")
	}
	if r.d.RingElems() != 14 {
		t.Error("ring elems after pops:", r.d.RingElems())
	}
	if r.d.FillCount() != 14 {
		t.Error("fill count after pops:", r.d.FillCount())
	}
	if err := r.d.Replenish(); err != nil {
		t.Fatal(err)
	}
	if r.d.FillCount() != 16 {
		t.Error("fill count after replenish:", r.d.FillCount())
	}
	if r.d.ProducerIndex() != 18 {
		t.Error("producer index after replenish:", r.d.ProducerIndex())
	}
	r.pool.Free(b0)
	r.pool.Free(b1)
}

func TestReplenishAtLevelIsNoOp(t *testing.T) {
	r := newRig(t, 64, nil)
	idx := r.d.ProducerIndex()
	if err := r.d.Replenish(); err != nil {
		t.Fatal(err)
	}
	if r.d.ProducerIndex() != idx {
		t.Error("replenish moved producer index with ring at level")
	}
}

func TestReplenishRefCountGate(t *testing.T) {
	r := newRig(t, 64, nil)
	b := r.d.netbufPop()
	defer r.pool.Free(b)
	// Simulate another replenisher in flight: the gate must make this
	// call back off without filling.
	r.d.ring.refillRefCnt.Add(-1)
	if err := r.d.Replenish(); err != nil {
		t.Fatal(err)
	}
	if r.d.FillCount() != 15 {
		t.Error("gated replenish filled anyway:", r.d.FillCount())
	}
	r.d.ring.refillRefCnt.Add(1)
	if err := r.d.Replenish(); err != nil {
		t.Fatal(err)
	}
	if r.d.FillCount() != 16 {
		t.Error("fill count after gate released:", r.d.FillCount())
	}
}

func TestInOrderReplenishDebtFold(t *testing.T) {
	r := newRig(t, 64, nil)
	// With the refill lock contended the request parks as debt.
	r.d.mu.Lock()
	filled, err := r.d.InOrderReplenish(5)
	r.d.mu.Unlock()
	if err != nil || filled != 0 {
		t.Fatalf("contended replenish: filled=%d err=%v", filled, err)
	}
	s := r.d.Stats()
	if s.RefillDebt != 5 || s.DebtInvoked != 1 {
		t.Fatalf("debt not recorded: debt=%d invoked=%d", s.RefillDebt, s.DebtInvoked)
	}
	// The next uncontended replenish serves its own count plus the
	// parked debt in the same pass.
	filled, err = r.d.InOrderReplenish(2)
	if err != nil {
		t.Fatal(err)
	}
	if filled != 7 {
		t.Error("debt not folded into fill, filled:", filled)
	}
	s = r.d.Stats()
	if s.RefillDebt != 0 {
		t.Error("debt left over:", s.RefillDebt)
	}
	if s.FillCount != 16+7 {
		t.Error("fill count:", s.FillCount)
	}
	if s.FillNInvoked != 1 {
		t.Error("fill invocations:", s.FillNInvoked)
	}
}

func TestInOrderReplenishBlocksAtDebtCeiling(t *testing.T) {
	r := newRig(t, 64, nil)
	r.d.ring.refillDebt.Store(refillDebtMax)
	r.d.mu.Lock()
	done := make(chan int)
	go func() {
		filled, _ := r.d.InOrderReplenish(2)
		done <- filled
	}()
	select {
	case <-done:
		t.Fatal("replenish did not block with debt at ceiling")
	case <-time.After(20 * time.Millisecond):
	}
	r.d.mu.Unlock()
	filled := <-done
	if filled < 2 {
		t.Error("blocked replenish filled:", filled)
	}
}

func TestRefillRetryTimer(t *testing.T) {
	r := newRig(t, 20, nil)
	// Drain the pool dry.
	var held []*nbuf.Buffer
	for {
		b, err := r.pool.Alloc(64, 0, 4)
		if err != nil {
			break
		}
		held = append(held, b)
	}
	var popped []*nbuf.Buffer
	for i := 0; i < 3; i++ {
		popped = append(popped, r.d.netbufPop())
	}
	filled, err := r.d.InOrderReplenish(3)
	if err != nil || filled != 0 {
		t.Fatalf("dry replenish: filled=%d err=%v", filled, err)
	}
	s := r.d.Stats()
	if s.RefillRetryStarts == 0 {
		t.Fatal("retry timer not armed")
	}
	if s.RefillDebt != 3 {
		t.Fatal("shortfall not recorded as debt:", s.RefillDebt)
	}
	// Return buffers to the pool and let the timer finish the refill.
	for _, b := range held {
		r.pool.Free(b)
	}
	for _, b := range popped {
		r.pool.Free(b)
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.d.FillCount() != 16 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.d.FillCount() != 16 {
		t.Error("retry timer never refilled, fill count:", r.d.FillCount())
	}
	s = r.d.Stats()
	if s.RefillRetryCalls == 0 {
		t.Error("retry callback never ran")
	}
	if s.RefillDebt != 0 {
		t.Error("debt after retry:", s.RefillDebt)
	}
}

func TestFillBoundsDesync(t *testing.T) {
	r := newRig(t, 64, nil)
	b := r.d.netbufPop()
	defer r.pool.Free(b)
	// A producer index past the mask means our ring state no longer
	// matches what the firmware was told. No refill may be published.
	r.d.ring.allocIdx.Store(r.d.ring.size)
	err := r.d.Replenish()
	if !errors.Is(err, ErrDesync) {
		t.Fatal("corrupt producer index accepted:", err)
	}
	if r.d.ProducerIndex() != r.d.ring.size {
		t.Error("producer index published on desync")
	}
	if r.d.Stats().Desync == 0 {
		t.Error("desync not counted")
	}
	// Close must still terminate with the index out of range.
	if err := r.d.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFillStopsOneBelowRingSize(t *testing.T) {
	r := newRig(t, 200, nil)
	r.d.mu.Lock()
	filled, err := r.d.fillN(int(r.d.ring.size))
	r.d.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if got := r.d.FillCount(); got != int(r.d.ring.size)-1 {
		t.Errorf("fill count %d, want %d", got, r.d.ring.size-1)
	}
	if filled != int(r.d.ring.size)-1-16 {
		t.Error("filled:", filled)
	}
}

func TestPostedBuffersCarryCleanDescriptors(t *testing.T) {
	r := newRig(t, 32, nil)
	for slot := uint32(0); slot < 16; slot++ {
		desc := wire.RxDesc(r.frameAt(slot).Raw()[:wire.RxDescSize])
		if desc.MSDUDone() {
			t.Fatalf("slot %d posted with stale completion marker", slot)
		}
	}
}

func TestInterleavedFillPopExactlyOnce(t *testing.T) {
	// Fill and pop interleaved with varying burst sizes across
	// several ring wraps and arena recycles: every posted buffer must
	// come back exactly once and in posted order.
	r := newRig(t, 32, nil)
	var sink collector
	r.d.RecvEthHandle(sink.recv)
	mask := uint32(r.d.RingSize() - 1)

	var cursor, total uint32
	for total < 300 {
		burst := int(total%5) + 1
		fwdescs := make([]byte, burst)
		for i := 0; i < burst; i++ {
			p := make([]byte, 64)
			binary.LittleEndian.PutUint32(p, total+uint32(i))
			r.writeFrame((cursor+uint32(i))&mask, fwFrame{payload: p, first: true, last: true})
			fwdescs[i] = wire.FWDescForward
		}
		cursor += uint32(burst)
		total += uint32(burst)
		r.d.FirmwareConsume(burst)
		if err := r.d.HandleIndication(rxIndMsg(fwdescs...)); err != nil {
			t.Fatal(err)
		}
	}
	if uint32(len(sink.pkts)) != total {
		t.Fatalf("delivered %d of %d posted frames", len(sink.pkts), total)
	}
	for i, pkt := range sink.pkts {
		if got := binary.LittleEndian.Uint32(pkt); got != uint32(i) {
			t.Fatalf("frame %d delivered out of order or twice, tag %d", i, got)
		}
	}
	if got := r.d.FillCount(); got != r.d.FillLevel() {
		t.Error("ring not restored to fill level:", got)
	}
}
