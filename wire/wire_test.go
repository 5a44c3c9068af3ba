package wire

import (
	"encoding/binary"
	"testing"
)

func TestPaddrTag(t *testing.T) {
	const paddr = 0x0012_3456_7890
	tagged := PaddrTag(paddr)
	if tagged&PaddrMask != paddr {
		t.Errorf("tag corrupted low bits: %#x", tagged)
	}
	if tagged>>48 != 0xDEAD {
		t.Errorf("marker not in high bits: %#x", tagged)
	}
	if PaddrTag(tagged) != tagged {
		t.Error("tagging not idempotent")
	}
	if PaddrUntag(tagged) != paddr {
		t.Errorf("untag got %#x want %#x", PaddrUntag(tagged), paddr)
	}
	// Addresses using all 37 bits survive the round trip.
	const wide = 0x1F_FFFF_FFFF
	if PaddrUntag(PaddrTag(wide)) != wide {
		t.Error("37 bit address corrupted by tagging")
	}
}

func TestInOrdIndHdrRoundTrip(t *testing.T) {
	hdr := InOrdIndHdr{
		ExtTID:    5,
		Offload:   false,
		Frag:      true,
		Pktlog:    true,
		PeerID:    0xbeef,
		MSDUCount: 37,
	}
	var b [InOrdIndHdrLen]byte
	hdr.Put(b[:])
	if GetMsgType(b[:]) != MsgTypeRxInOrdPaddrInd {
		t.Error("message type byte wrong:", b[0])
	}
	got, err := DecodeInOrdIndHdr(b[:])
	if err != nil {
		t.Fatal(err)
	}
	if got != hdr {
		t.Errorf("round trip mismatch: %+v != %+v", got, hdr)
	}
	if _, err := DecodeInOrdIndHdr(b[:InOrdIndHdrLen-1]); err == nil {
		t.Error("short header accepted")
	}
}

func TestMSDURecordRoundTrip(t *testing.T) {
	rec := MSDURecord{
		Paddr:  PaddrTag(0x0008_1234_5678),
		Len:    1500,
		FWDesc: FWDescForward | FWDescAnyErr,
		Info:   MSDUInfoFirstWakeup,
	}
	var b [MSDURecordLen]byte
	rec.Put(b[:])
	got, err := DecodeMSDURecord(b[:])
	if err != nil {
		t.Fatal(err)
	}
	if got != rec {
		t.Errorf("round trip mismatch: %+v != %+v", got, rec)
	}
	if PaddrUntag(got.Paddr) != 0x0008_1234_5678 {
		t.Errorf("untagged paddr wrong: %#x", PaddrUntag(got.Paddr))
	}
	if _, err := DecodeMSDURecord(b[:8]); err == nil {
		t.Error("truncated record accepted")
	}
}

func TestOffloadMSDUHdrRoundTrip(t *testing.T) {
	hdr := OffloadMSDUHdr{Len: 900, PeerID: 7, VdevID: 2, TID: 6, FWDesc: FWDescForward}
	var b [OffloadMSDUHdrLen]byte
	hdr.Put(b[:])
	got, err := DecodeOffloadMSDUHdr(b[:])
	if err != nil {
		t.Fatal(err)
	}
	if got != hdr {
		t.Errorf("round trip mismatch: %+v != %+v", got, hdr)
	}
}

func TestFWDescBytesOffsets(t *testing.T) {
	msg := make([]byte, 64)
	msg[0] = byte(MsgTypeRxInd)
	binary.LittleEndian.PutUint32(msg[RxIndFWDescBytesOffset:], 3)
	msg[RxIndFWDescPayloadOffset] = FWDescForward
	count, off, err := FWDescBytes(msg, false)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 || off != RxIndFWDescPayloadOffset || msg[off] != FWDescForward {
		t.Error("rx_ind fw desc location wrong", count, off)
	}

	frag := make([]byte, 32)
	frag[0] = byte(MsgTypeRxFragInd)
	binary.LittleEndian.PutUint32(frag[RxFragIndFWDescBytesOffset:], 1)
	frag[RxFragIndFWDescPayloadOffset] = FWDescDiscard
	count, off, err = FWDescBytes(frag, true)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 || off != RxFragIndFWDescPayloadOffset {
		t.Error("rx_frag_ind fw desc location wrong", count, off)
	}
	if _, _, err := FWDescBytes(msg[:8], false); err == nil {
		t.Error("short message accepted")
	}
}

func TestRxDescFields(t *testing.T) {
	d := RxDesc(make([]byte, RxDescSize))

	d.SetAttnFlags(AttnMSDUDone | AttnMcastBcast)
	if !d.MSDUDone() || d.AttnFlags()&AttnMcastBcast == 0 {
		t.Error("attention flags lost")
	}

	// FW desc byte and chain count share a word.
	d.SetFWDesc(FWDescForward | FWDescInspect)
	d.SetMSDUChained(3)
	if d.FWDesc() != FWDescForward|FWDescInspect {
		t.Error("fw desc clobbered by chain count")
	}
	if d.MSDUChained() != 3 {
		t.Error("chain count clobbered by fw desc")
	}

	d.SetMSDULen(1500)
	if d.MSDULen() != 1500 {
		t.Error("msdu len:", d.MSDULen())
	}
	d.SetMSDULen(0x5000) // beyond the 14 bit field
	if d.MSDULen() != 0x5000&msduStartLenMask {
		t.Error("msdu len not masked:", d.MSDULen())
	}

	d.SetMPDUStart(0xabc, 0x2f, true, true)
	if d.SeqNum() != 0xabc || d.PeerIdx() != 0x2f || !d.Retry() || !d.Encrypted() {
		t.Error("mpdu_start fields wrong")
	}

	d.SetMSDUEndFlags(true, false)
	if !d.FirstMSDU() || d.LastMSDU() {
		t.Error("msdu_end flags wrong")
	}
}

func TestRxDescPN(t *testing.T) {
	d := RxDesc(make([]byte, RxDescSize))
	d.SetPN([2]uint64{0xfedc_ba98_7654_3210, 0x0123_4567_89ab_cdef})

	pn := d.PN(24)
	if pn[0] != 0x543210 || pn[1] != 0 {
		t.Errorf("pn24 = %#x", pn)
	}
	pn = d.PN(48)
	if pn[0] != 0xba98_7654_3210 || pn[1] != 0 {
		t.Errorf("pn48 = %#x", pn)
	}
	pn = d.PN(128)
	if pn[0] != 0xfedc_ba98_7654_3210 || pn[1] != 0x0123_4567_89ab_cdef {
		t.Errorf("pn128 = %#x", pn)
	}
}

func TestRxDescMSDUEnd1Sharing(t *testing.T) {
	// l3 padding, key id and pn[63:48] all live in msdu_end word 1.
	d := RxDesc(make([]byte, RxDescSize))
	d.SetMSDUEndFlags(true, true)
	d.SetL3HeaderPadding(2)
	d.SetKeyID(0x7e)
	d.SetPN([2]uint64{0xaaaa_0000_0000_0000, 0})
	if d.L3HeaderPadding() != 2 {
		t.Error("l3 padding clobbered")
	}
	if id, ok := d.KeyID(); !ok || id != 0x7e {
		t.Error("key id clobbered:", id, ok)
	}
	if pn := d.PN(128); pn[0]>>48 != 0xaaaa {
		t.Errorf("ext pn clobbered: %#x", pn[0])
	}
	d.SetMSDUEndFlags(false, true)
	if _, ok := d.KeyID(); ok {
		t.Error("key id must be invalid unless first msdu")
	}
}

func TestRxDescDMADebugPreset(t *testing.T) {
	d := RxDesc(make([]byte, RxDescSize))
	d.SetMSDULen(100)
	d.PresetDMADebug()
	if d.word(descWordMSDUStart0) != DMADebugPattern {
		t.Error("msdu_start not scribbled")
	}
	if d.word(descWordMSDUEnd0) != 1 {
		t.Error("msdu_end marker not set")
	}
}

func TestMsgTypeString(t *testing.T) {
	if MsgTypeRxInOrdPaddrInd.String() != "rx_in_ord_paddr_ind" {
		t.Error(MsgTypeRxInOrdPaddrInd.String())
	}
	if MsgType(0xee).String() != "unknown" {
		t.Error("unknown types must not map to a name")
	}
	if GetMsgType(nil) != MsgType(0xff) {
		t.Error("empty message must be unknown type")
	}
}
