package htt

import (
	"log/slog"
	"time"

	"github.com/soypat/htt/nbuf"
	"github.com/soypat/htt/wire"
)

// descReservation is the headroom pops strip ahead of payload: the
// descriptor region rounded up to bus alignment.
var descReservation = alignup(uint32(wire.RxDescSize), 8)

const (
	// oversizedLenThreshold is the descriptor length above which the
	// OversizedLenWAR treats the field as corrupt.
	oversizedLenThreshold = 0x3000
	// maxDoneBitRechecks bounds completion marker re-polls under
	// DebugDMADone before the pop declares desync.
	maxDoneBitRechecks = 5
)

// Buffer Meta bits the pop paths set for the frame consumer.
const (
	metaCksumVerified uint32 = 1 << 0
	metaFirstWakeup   uint32 = 1 << 1
	// metaContinuation marks spill buffers of a chained MSDU. They
	// carry payload where the descriptor area would be.
	metaContinuation uint32 = 1 << 2
)

// CksumVerified reports whether hardware verified the TCP or UDP
// checksum of a popped frame, letting the stack skip its own check.
func CksumVerified(b *nbuf.Buffer) bool { return b.Meta&metaCksumVerified != 0 }

// FirstWakeup reports whether the frame was marked as the first
// delivered after a target wakeup.
func FirstWakeup(b *nbuf.Buffer) bool { return b.Meta&metaFirstWakeup != 0 }

// Continuation reports whether the buffer is a spill continuation of a
// chained MSDU rather than the start of one.
func Continuation(b *nbuf.Buffer) bool { return b.Meta&metaContinuation != 0 }

// OffloadMSDU is one offloaded delivery: a frame the firmware already
// fully classified, carried with its own header instead of a hardware
// descriptor.
type OffloadMSDU struct {
	VdevID uint8
	PeerID uint16
	TID    uint8
	FWDesc uint8
	Buf    *nbuf.Buffer
}

// AMSDUPop walks one receive indication and reassembles delivered
// MSDUs into a frame chain. Consumed ring slots are not refilled here;
// call Replenish or InOrderReplenish afterwards, once the descriptors
// are no longer being read.
func (d *Device) AMSDUPop(msg []byte) (FrameChain, error) { return d.amsduPop(msg) }

// FragPop pops the MSDU of an 802.11 fragment indication.
func (d *Device) FragPop(msg []byte) (FrameChain, error) { return d.fragPop(msg) }

// freeBuf recycles a pool buffer. Buffers wrapped around indication
// message bytes on high latency targets belong to no pool and are
// left for collection.
func (d *Device) freeBuf(b *nbuf.Buffer) {
	if b.Pooled() {
		d.pool.Free(b)
	}
}

// amsduPopHL pops the single MSDU a high latency indication carries:
// the message itself is the buffer, so the pop wraps the message bytes
// and advances past the indication header to the message carried
// descriptor. No ring slot is consumed.
// reference: htt_rx_amsdu_pop_hl
func (d *Device) amsduPopHL(msg []byte) (chain FrameChain, err error) {
	if len(msg) < wire.HLIndBaseLen+wire.HLDescBaseLen {
		return chain, errShortMsg
	}
	// The target reports its descriptor length in-band; cache it for
	// MSDUDescRetrieve and delivery.
	if n := int(msg[wire.HLIndDescLenOffset]); n > 0 {
		d.hlDescSize = n
	}
	buf := nbuf.Wrap(msg)
	buf.PullHead(wire.HLIndBaseLen)
	d.setCksumResultHL(buf, msg[wire.HLIndFlagOffset])
	chain.Head = buf
	chain.Tail = buf
	chain.MSDUCount = 1
	return chain, nil
}

// fragPopHL pops the MSDU of a high latency fragment indication. The
// fragment prefix rides ahead of the usual indication header.
// reference: htt_rx_frag_pop_hl
func (d *Device) fragPopHL(msg []byte) (chain FrameChain, err error) {
	if len(msg) < wire.RxFragIndLen+wire.HLIndBaseLen+wire.HLDescBaseLen {
		return chain, errShortMsg
	}
	buf := nbuf.Wrap(msg)
	buf.PullHead(wire.RxFragIndLen)
	if n := int(buf.Data()[wire.HLIndDescLenOffset]); n > 0 {
		d.hlDescSize = n
	}
	buf.PullHead(wire.HLIndBaseLen)
	chain.Head = buf
	chain.Tail = buf
	chain.MSDUCount = 1
	return chain, nil
}

// offloadMSDUPopHL pops the offloaded delivery a high latency offload
// indication carries inside the message.
// reference: htt_rx_offload_msdu_pop_hl
func (d *Device) offloadMSDUPopHL(msg []byte) (om OffloadMSDU, err error) {
	if len(msg) < wire.OffloadDeliverIndHdrLen+wire.OffloadMSDUHdrLen {
		return om, errShortMsg
	}
	buf := nbuf.Wrap(msg)
	buf.PullHead(wire.OffloadDeliverIndHdrLen)
	hdr, err := wire.DecodeOffloadMSDUHdr(buf.Data())
	if err != nil {
		return om, err
	}
	buf.PullHead(wire.OffloadMSDUHdrLen)
	if int(hdr.Len) > buf.Len() {
		// The header claims more payload than the message holds. Drop
		// rather than clamp: the message framing is not trustworthy.
		d.stats.badMSDULen.Add(1)
		return om, errShortMsg
	}
	buf.SetLength(int(hdr.Len))
	d.stats.offloadPops.Add(1)
	om = OffloadMSDU{
		VdevID: hdr.VdevID,
		PeerID: hdr.PeerID,
		TID:    hdr.TID,
		FWDesc: hdr.FWDesc,
		Buf:    buf,
	}
	return om, nil
}

// netbufPop takes the next buffer off the ring in posted order.
// reference: htt_rx_netbuf_pop
func (d *Device) netbufPop() *nbuf.Buffer {
	if d.ringElems() == 0 {
		d.stats.popFail.Add(1)
		return nil
	}
	idx := d.ring.swRdIdx
	buf := d.ring.netbufs[idx]
	d.ring.netbufs[idx] = nil
	d.ring.swRdIdx = (idx + 1) & d.ring.sizeMask
	d.ring.fillCnt.Add(-1)
	return buf
}

// inOrderNetbufPop resolves a buffer by the address the firmware
// echoed back. A miss is fatal: the slot accounting contract with the
// firmware is broken and framing state past this point is unknown.
// reference: htt_rx_in_order_netbuf_pop
func (d *Device) inOrderNetbufPop(paddr uint64) (*nbuf.Buffer, error) {
	buf, err := d.hash.lookup(paddr)
	if err != nil {
		d.stats.popFail.Add(1)
		d.stats.desync.Add(1)
		d.logerr("rx buffer lookup miss", slog.Uint64("paddr", wire.PaddrUntag(paddr)))
		return nil, errjoin(ErrDesync, err)
	}
	d.ring.fillCnt.Add(-1)
	return buf, nil
}

// unmapPopped ends the device's write window on a popped buffer.
func (d *Device) unmapPopped(b *nbuf.Buffer) {
	if pa, err := b.PhysAddr(); err == nil {
		d.smmu.remove(pa)
	}
	d.pool.Unmap(b, nbuf.MapFromDevice)
}

// checkDone validates the DMA completion marker. Under DebugDMADone it
// re-polls a bounded number of times before giving up, since a slow
// bus snoop can leave the marker momentarily stale.
func (d *Device) checkDone(desc wire.RxDesc) error {
	if desc.MSDUDone() {
		return nil
	}
	if d.cfg.DebugDMADone {
		for i := 0; i < maxDoneBitRechecks; i++ {
			time.Sleep(time.Millisecond)
			if desc.MSDUDone() {
				d.stats.dmaSyncSuccess.Add(1)
				d.debug("msdu done set after recheck", slog.Int("tries", i+1))
				return nil
			}
		}
	}
	d.stats.desync.Add(1)
	d.logerr("msdu completion marker unset")
	return errjoin(ErrDesync, errMSDUDoneUnset)
}

// setCksumResult records the hardware checksum verdict for TCP/UDP
// frames. reference: htt_set_checksum_result_ll
func (d *Device) setCksumResult(b *nbuf.Buffer, desc wire.RxDesc) {
	if desc.IPFrag() || !(desc.TCP() || desc.UDP()) {
		return
	}
	if desc.AttnFlags()&wire.AttnTCPUDPCksumFail == 0 {
		b.Meta |= metaCksumVerified
	}
}

// setCksumResultHL records the checksum verdict from the flag byte of
// a high latency indication. reference: htt_set_checksum_result_hl
func (d *Device) setCksumResultHL(b *nbuf.Buffer, flag uint8) {
	if flag&(wire.HLFlagTCP|wire.HLFlagUDP) == 0 {
		return
	}
	if flag&wire.HLFlagC4Failed == 0 {
		b.Meta |= metaCksumVerified
	}
}

// resetFWDescCursor rewinds the fw descriptor cursor when a new
// indication message starts. Repeated pops walking the same message
// keep advancing the shared cursor instead.
func (d *Device) resetFWDescCursor(msg []byte) {
	if len(msg) == 0 {
		d.curInd = nil
		d.indByteIdx = 0
		return
	}
	if d.curInd != &msg[0] {
		d.curInd = &msg[0]
		d.indByteIdx = 0
	}
}

// amsduPopLL pops one A-MSDU off the ring in posted order, linking
// continuation buffers for MSDUs that spilled past a single buffer.
// The fw descriptor byte for each MSDU is copied out of the indication
// message into the hardware descriptor as the chain is walked.
// reference: htt_rx_amsdu_pop_ll
func (d *Device) amsduPopLL(msg []byte) (chain FrameChain, err error) {
	frag := wire.GetMsgType(msg) == wire.MsgTypeRxFragInd
	fwCount, fwOff, err := wire.FWDescBytes(msg, frag)
	if err != nil {
		return chain, err
	}
	d.resetFWDescCursor(msg)
	msdu := d.netbufPop()
	if msdu == nil {
		return chain, nil
	}
	chain.Head = msdu
	for {
		chain.Consumed++
		msdu.SetLength(wire.BufSize)
		d.unmapPopped(msdu)
		desc := wire.RxDesc(msdu.Raw()[:wire.RxDescSize])
		msdu.PullHead(int(descReservation) + desc.L3HeaderPadding())
		if derr := d.checkDone(desc); derr != nil {
			msdu.SetNext(nil)
			chain.Tail = msdu
			return chain, derr
		}
		// One fw descriptor byte per MSDU rides in the indication.
		// Past the declared count (oversized A-MSDU) default to
		// deliver.
		off := fwOff
		if !frag {
			off += d.indByteIdx
		}
		if d.indByteIdx < int(fwCount) && off < len(msg) {
			desc.SetFWDesc(msg[off])
			d.indByteIdx++
		} else {
			desc.SetFWDesc(0)
		}
		d.setCksumResult(msdu, desc)
		lenInvalid := desc.AttnFlags()&wire.AttnMPDULengthErr != 0
		chained := desc.MSDUChained()
		msduLen := desc.MSDULen()
		if !lenInvalid && chained == 0 {
			if d.cfg.OversizedLenWAR && msduLen > oversizedLenThreshold &&
				desc.AttnFlags()&wire.AttnAnyPhyErr == 0 {
				// Known silicon artifact: corrupt length with no
				// error bits. Deliver untrimmed.
				d.stats.badMSDULen.Add(1)
			} else {
				trim := wire.BufSize - (wire.RxDescSize + msduLen)
				if trim < 0 {
					trim = 0
					d.stats.badMSDULen.Add(1)
					d.debug("msdu length clamp", slog.Int("msdu_len", msduLen))
				} else if trim > msdu.Len() {
					trim = msdu.Len()
					d.stats.badMSDULen.Add(1)
					d.debug("msdu length clamp", slog.Int("msdu_len", msduLen))
				}
				msdu.TrimTail(trim)
			}
		}
		for chained > 0 {
			next := d.netbufPop()
			if next == nil {
				msdu.SetNext(nil)
				chain.Tail = msdu
				d.stats.desync.Add(1)
				return chain, errjoin(ErrDesync, errChainShort)
			}
			chain.Consumed++
			chain.Chained = true
			next.SetLength(wire.BufSize)
			next.Meta |= metaContinuation
			d.unmapPopped(next)
			msduLen -= wire.BufSize
			chained--
			msdu.SetNext(next)
			msdu = next
			if chained == 0 {
				if msduLen < 0 || msduLen > wire.BufSize-wire.RxDescSize {
					d.stats.badMSDULen.Add(1)
					d.debug("chained residual clamp", slog.Int("residual", msduLen))
					msduLen = wire.BufSize - wire.RxDescSize
				}
				next.TrimTail(wire.BufSize - (wire.RxDescSize + msduLen))
			}
		}
		chain.MSDUCount++
		if desc.LastMSDU() {
			msdu.SetNext(nil)
			break
		}
		next := d.netbufPop()
		if next == nil {
			msdu.SetNext(nil)
			chain.Tail = msdu
			d.stats.desync.Add(1)
			return chain, errjoin(ErrDesync, errChainShort)
		}
		msdu.SetNext(next)
		msdu = next
	}
	chain.Tail = msdu
	return chain, nil
}

// inOrderPopLL reassembles the MSDUs of an address carrying
// indication, resolving each buffer through the paddr hash table.
// Offload flagged indications produce no chain; the caller pops those
// records with OffloadPaddrMSDUPop instead.
// reference: htt_rx_amsdu_rx_in_order_pop_ll
func (d *Device) inOrderPopLL(msg []byte) (chain FrameChain, err error) {
	hdr, err := wire.DecodeInOrdIndHdr(msg)
	if err != nil {
		return chain, err
	}
	count := int(hdr.MSDUCount)
	if count == 0 {
		return chain, nil
	}
	if count > int(d.ring.size) {
		d.stats.desync.Add(1)
		return chain, errjoin(ErrDesync, errMSDUCount)
	}
	if wire.InOrdIndMSDUOffset+count*wire.MSDURecordLen > len(msg) {
		return chain, errShortMsg
	}
	if hdr.Offload {
		chain.Offload = count
		return chain, nil
	}
	recOff := wire.InOrdIndMSDUOffset
	rec, _ := wire.DecodeMSDURecord(msg[recOff:])
	msdu, err := d.inOrderNetbufPop(rec.Paddr)
	if err != nil {
		return chain, err
	}
	chain.Head = msdu
	var prev *nbuf.Buffer
	for {
		chain.Consumed++
		msdu.SetLength(wire.BufSize)
		d.unmapPopped(msdu)
		desc := wire.RxDesc(msdu.Raw()[:wire.RxDescSize])
		if derr := d.checkDone(desc); derr != nil {
			msdu.SetNext(nil)
			chain.Tail = msdu
			return chain, derr
		}
		msdu.PullHead(int(descReservation))
		trim := msdu.Len() - int(rec.Len)
		if trim < 0 {
			d.stats.badMSDULen.Add(1)
			d.debug("record length clamp", slog.Int("rec_len", int(rec.Len)))
			trim = 0
		}
		msdu.TrimTail(trim)
		desc.SetFWDesc(rec.FWDesc)
		count--
		micErr := desc.AttnFlags()&wire.AttnTKIPMICErr != 0
		discard := rec.FWDesc&wire.FWDescDiscard != 0
		if cb := d.pktDump.Load(); cb != nil {
			fate := FateSuccess
			if micErr && !discard {
				fate = FateFWDropInvalid
			}
			(*cb)(msdu, hdr.PeerID, fate)
		}
		if d.cfg.FirstWakeupPacket && rec.Info&wire.MSDUInfoFirstWakeup != 0 {
			msdu.Meta |= metaFirstWakeup
			d.stats.wakeupMarks.Add(1)
			d.info("first packet after wakeup", slog.Uint64("peer", uint64(hdr.PeerID)))
		}
		if micErr && !discard {
			// Report the integrity failure, drop this one MSDU and
			// splice the chain around it.
			d.stats.micErr.Add(1)
			if fn := d.cfg.MICError; fn != nil {
				keyID, _ := desc.KeyID()
				fn(hdr.PeerID, hdr.ExtTID, keyID, msdu.Data())
			}
			d.freeBuf(msdu)
			if count == 0 {
				if prev != nil {
					prev.SetNext(nil)
					chain.Tail = prev
				} else {
					chain.Head = nil
				}
				return chain, nil
			}
			recOff += wire.MSDURecordLen
			rec, _ = wire.DecodeMSDURecord(msg[recOff:])
			next, perr := d.inOrderNetbufPop(rec.Paddr)
			if perr != nil {
				if prev != nil {
					prev.SetNext(nil)
					chain.Tail = prev
				} else {
					chain.Head = nil
				}
				return chain, perr
			}
			if prev != nil {
				prev.SetNext(next)
			} else {
				chain.Head = next
			}
			msdu = next
			continue
		}
		d.setCksumResult(msdu, desc)
		chain.MSDUCount++
		if count == 0 {
			msdu.SetNext(nil)
			chain.Tail = msdu
			break
		}
		recOff += wire.MSDURecordLen
		rec, _ = wire.DecodeMSDURecord(msg[recOff:])
		next, perr := d.inOrderNetbufPop(rec.Paddr)
		if perr != nil {
			msdu.SetNext(nil)
			chain.Tail = msdu
			return chain, perr
		}
		msdu.SetNext(next)
		prev = msdu
		msdu = next
	}
	return chain, nil
}

// OffloadMSDUCount returns how many offloaded deliveries wait in the
// ring, or one on high latency targets where each message carries
// exactly one. reference: htt_rx_offload_msdu_cnt_ll,
// htt_rx_offload_msdu_cnt_hl
func (d *Device) OffloadMSDUCount() int {
	if d.cfg.HighLatency {
		return 1
	}
	if d.ring.size == 0 {
		return 0
	}
	return d.ringElems()
}

// OffloadMSDUPop pops one offloaded delivery in ring order. The
// buffer payload begins with an offload header rather than a hardware
// descriptor. reference: htt_rx_offload_msdu_pop_ll
func (d *Device) OffloadMSDUPop() (om OffloadMSDU, err error) {
	if d.ring.netbufs == nil {
		return om, ErrUnsupported
	}
	buf := d.netbufPop()
	if buf == nil {
		return om, errPopEmpty
	}
	return d.finishOffloadPop(buf)
}

// OffloadPaddrMSDUPop pops record iter of an offload flagged in-order
// indication, resolving the buffer by address.
// reference: htt_rx_offload_paddr_msdu_pop_ll
func (d *Device) OffloadPaddrMSDUPop(msg []byte, iter int) (om OffloadMSDU, err error) {
	if d.hash == nil {
		return om, ErrUnsupported
	}
	recOff := wire.InOrdIndMSDUOffset + iter*wire.MSDURecordLen
	if iter < 0 || recOff+wire.MSDURecordLen > len(msg) {
		return om, errShortMsg
	}
	rec, _ := wire.DecodeMSDURecord(msg[recOff:])
	buf, err := d.inOrderNetbufPop(rec.Paddr)
	if err != nil {
		return om, err
	}
	if d.cfg.FirstWakeupPacket && rec.Info&wire.MSDUInfoFirstWakeup != 0 {
		buf.Meta |= metaFirstWakeup
		d.stats.wakeupMarks.Add(1)
	}
	return d.finishOffloadPop(buf)
}

func (d *Device) finishOffloadPop(buf *nbuf.Buffer) (om OffloadMSDU, err error) {
	buf.SetLength(wire.BufSize)
	d.unmapPopped(buf)
	hdr, err := wire.DecodeOffloadMSDUHdr(buf.Data())
	if err != nil {
		d.pool.Free(buf)
		return om, err
	}
	buf.PullHead(wire.OffloadMSDUHdrLen)
	n := int(hdr.Len)
	if n > buf.Len() {
		d.stats.badMSDULen.Add(1)
		n = buf.Len()
	}
	buf.SetLength(n)
	d.stats.offloadPops.Add(1)
	om = OffloadMSDU{
		VdevID: hdr.VdevID,
		PeerID: hdr.PeerID,
		TID:    hdr.TID,
		FWDesc: hdr.FWDesc,
		Buf:    buf,
	}
	return om, nil
}

// MSDUDescRetrieve returns the descriptor region of a popped buffer,
// valid until the buffer is freed. On high latency targets the
// descriptor sits at the head of the wrapped message bytes.
// reference: htt_rx_msdu_desc_retrieve_ll, htt_rx_msdu_desc_retrieve_hl
func (d *Device) MSDUDescRetrieve(b *nbuf.Buffer) []byte {
	if d.cfg.HighLatency {
		if b.Len() < d.hlDescSize {
			return nil
		}
		return b.Data()[:d.hlDescSize]
	}
	return b.Raw()[:wire.RxDescSize]
}

// HandleIndication dispatches one target-to-host message through the
// matching pop path, delivers reassembled payloads to the handler set
// with RecvEthHandle and replenishes the ring slots consumed.
func (d *Device) HandleIndication(msg []byte) error {
	switch wire.GetMsgType(msg) {
	case wire.MsgTypeRxInd:
		return d.handleOrderedInd(msg, false)
	case wire.MsgTypeRxFragInd:
		return d.handleOrderedInd(msg, true)
	case wire.MsgTypeRxInOrdPaddrInd:
		return d.handleInOrdInd(msg)
	case wire.MsgTypeOffloadDeliverInd:
		return d.handleOffloadInd(msg)
	default:
		if d.isLogEnabled(levelTrace) {
			d.trace("t2h message ignored", slog.String("type", wire.GetMsgType(msg).String()))
		}
		return nil
	}
}

func (d *Device) handleOrderedInd(msg []byte, frag bool) error {
	pop := d.amsduPop
	if frag {
		pop = d.fragPop
	}
	if d.cfg.HighLatency {
		chain, err := pop(msg)
		if chain.Head != nil {
			d.deliverChain(&chain)
		}
		return err
	}
	fwCount, _, err := wire.FWDescBytes(msg, frag)
	if err != nil {
		return err
	}
	var firstErr error
	for {
		chain, perr := pop(msg)
		if perr != nil && firstErr == nil {
			firstErr = perr
		}
		if chain.Consumed == 0 {
			break
		}
		d.deliverChain(&chain)
		if perr != nil || d.indByteIdx >= int(fwCount) {
			break
		}
	}
	if rerr := d.Replenish(); rerr != nil && firstErr == nil {
		firstErr = rerr
	}
	return firstErr
}

func (d *Device) handleInOrdInd(msg []byte) error {
	if d.hash == nil {
		return ErrUnsupported
	}
	chain, err := d.amsduPop(msg)
	consumed := chain.Consumed
	for i := 0; i < chain.Offload; i++ {
		om, oerr := d.OffloadPaddrMSDUPop(msg, i)
		if oerr != nil {
			if err == nil {
				err = oerr
			}
			break
		}
		consumed++
		d.deliverOffload(&om)
	}
	d.deliverChain(&chain)
	if consumed > 0 {
		if _, rerr := d.InOrderReplenish(consumed); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

func (d *Device) handleOffloadInd(msg []byte) error {
	if d.cfg.HighLatency {
		om, err := d.offloadMSDUPopHL(msg)
		if err != nil {
			return err
		}
		d.deliverOffload(&om)
		return nil
	}
	if d.ring.netbufs == nil {
		return ErrUnsupported
	}
	n := d.OffloadMSDUCount()
	var firstErr error
	for i := 0; i < n; i++ {
		om, err := d.OffloadMSDUPop()
		if err != nil {
			firstErr = err
			break
		}
		d.deliverOffload(&om)
	}
	if rerr := d.Replenish(); rerr != nil && firstErr == nil {
		firstErr = rerr
	}
	return firstErr
}

// deliverChain hands each reassembled MSDU to the receive handler and
// recycles the buffers. A chained MSDU is flattened into one frame
// before delivery. Frames the firmware flagged for discard are
// recycled without delivery.
func (d *Device) deliverChain(c *FrameChain) {
	head := c.Head
	for head != nil {
		last := head
		for last.Next() != nil && last.Next().Meta&metaContinuation != 0 {
			last = last.Next()
		}
		discard := false
		if d.cfg.HighLatency {
			// The message carried descriptor is consumed here; the
			// handler sees payload only.
			if head.Len() >= d.hlDescSize {
				head.PullHead(d.hlDescSize)
			}
		} else if desc := d.MSDUDescRetrieve(head); desc != nil {
			discard = wire.RxDesc(desc).FWDesc()&wire.FWDescDiscard != 0
		}
		switch {
		case discard:
			d.stats.fwDiscards.Add(1)
		case d.recvEth != nil && head.Len() > 0:
			data := head.Data()
			if head != last {
				total := 0
				for b := head; ; b = b.Next() {
					total += b.Len()
					if b == last {
						break
					}
				}
				flat := make([]byte, 0, total)
				for b := head; ; b = b.Next() {
					flat = append(flat, b.Data()...)
					if b == last {
						break
					}
				}
				data = flat
			}
			if err := d.recvEth(data); err != nil {
				d.stats.deliverErr.Add(1)
				d.debug("recv handler rejected frame", slog.String("err", err.Error()))
			} else {
				d.stats.delivered.Add(1)
			}
		}
		next := last.Next()
		for b := head; b != nil; {
			nb := b.Next()
			d.freeBuf(b)
			if b == last {
				break
			}
			b = nb
		}
		head = next
	}
	c.Head, c.Tail = nil, nil
}

func (d *Device) deliverOffload(om *OffloadMSDU) {
	if om.FWDesc&wire.FWDescDiscard != 0 {
		d.stats.fwDiscards.Add(1)
	} else if d.recvEth != nil && om.Buf.Len() > 0 {
		if err := d.recvEth(om.Buf.Data()); err != nil {
			d.stats.deliverErr.Add(1)
		} else {
			d.stats.delivered.Add(1)
		}
	}
	d.freeBuf(om.Buf)
	om.Buf = nil
}
